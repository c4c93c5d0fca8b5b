// Package testutil provides common testing utilities and mock implementations.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/astroforum/service_layer/internal/store"
)

// ErrMockExecute is the default failure returned by a MockSession told to fail.
var ErrMockExecute = errors.New("mock: execute failed")

// MockDialer is a test implementation of store.Dialer. It records every
// session it opens and can be told to fail the next dials.
type MockDialer struct {
	mu       sync.Mutex
	sessions []*MockSession
	dialErrs []error
	execErr  error
	results  map[string]*store.Result
}

// NewMockDialer creates a dialer whose sessions succeed by default.
func NewMockDialer() *MockDialer {
	return &MockDialer{results: make(map[string]*store.Result)}
}

// Dial opens a new MockSession, or returns the next queued dial error.
func (d *MockDialer) Dial(ctx context.Context) (store.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.dialErrs) > 0 {
		err := d.dialErrs[0]
		d.dialErrs = d.dialErrs[1:]
		return nil, err
	}

	s := &MockSession{ID: uuid.New().String(), dialer: d}
	d.sessions = append(d.sessions, s)
	return s, nil
}

// FailNextDial queues err to be returned by the next Dial call.
func (d *MockDialer) FailNextDial(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErrs = append(d.dialErrs, err)
}

// SetExecuteError makes every session fail Execute with err until reset with nil.
func (d *MockDialer) SetExecuteError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.execErr = err
}

// SetResult registers the result returned for the exact SQL text.
func (d *MockDialer) SetResult(sql string, res *store.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results[sql] = res
}

// Dialed returns how many sessions were opened.
func (d *MockDialer) Dialed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// Closed returns how many opened sessions have been closed.
func (d *MockDialer) Closed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.sessions {
		if s.closed {
			n++
		}
	}
	return n
}

// Sessions returns a copy of the opened sessions in dial order.
func (d *MockDialer) Sessions() []*MockSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*MockSession, len(d.sessions))
	copy(out, d.sessions)
	return out
}

// MockSession is a test implementation of store.Session.
type MockSession struct {
	ID string

	dialer   *MockDialer
	executed []store.Statement
	closed   bool
}

// Execute records stmt and returns the registered result for its SQL.
func (s *MockSession) Execute(ctx context.Context, stmt store.Statement) (*store.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.dialer.mu.Lock()
	defer s.dialer.mu.Unlock()

	if s.closed {
		return nil, store.ErrSessionClosed
	}
	if s.dialer.execErr != nil {
		return nil, s.dialer.execErr
	}
	s.executed = append(s.executed, stmt)

	if res, ok := s.dialer.results[stmt.SQL]; ok {
		return res, nil
	}
	return &store.Result{}, nil
}

// Batch executes each statement in order and stops at the first failure.
func (s *MockSession) Batch(ctx context.Context, stmts []store.Statement) ([]*store.Result, error) {
	results := make([]*store.Result, 0, len(stmts))
	for i, stmt := range stmts {
		res, err := s.Execute(ctx, stmt)
		if err != nil {
			return nil, fmt.Errorf("statement %d: %w", i, err)
		}
		results = append(results, res)
	}
	return results, nil
}

// Close marks the session closed. Closing twice is not an error.
func (s *MockSession) Close() error {
	s.dialer.mu.Lock()
	defer s.dialer.mu.Unlock()
	s.closed = true
	return nil
}

// IsClosed reports whether Close was called.
func (s *MockSession) IsClosed() bool {
	s.dialer.mu.Lock()
	defer s.dialer.mu.Unlock()
	return s.closed
}

// Executed returns the statements run on this session.
func (s *MockSession) Executed() []store.Statement {
	s.dialer.mu.Lock()
	defer s.dialer.mu.Unlock()
	out := make([]store.Statement, len(s.executed))
	copy(out, s.executed)
	return out
}
