// Package store defines the session contract between the connection pool and
// the transports that talk to the remote SQL store.
package store

import (
	"context"
	"errors"
)

var (
	// ErrSessionClosed is returned by a Session used after Close.
	ErrSessionClosed = errors.New("store: session closed")
	// ErrSessionInvalid is wrapped by transport errors after which the
	// session cannot be reused and must be discarded.
	ErrSessionInvalid = errors.New("store: session invalid")
)

// Statement is a single SQL statement with positional arguments.
type Statement struct {
	SQL  string
	Args []any
}

// NewStatement builds a Statement.
func NewStatement(sql string, args ...any) Statement {
	return Statement{SQL: sql, Args: args}
}

// Result is the outcome of one executed statement.
type Result struct {
	Columns      []string
	Rows         []Row
	RowsAffected int64
	LastInsertID int64
}

// Row maps column name to decoded value.
type Row map[string]any

// First returns the first row, or nil when the result is empty.
func (r *Result) First() Row {
	if r == nil || len(r.Rows) == 0 {
		return nil
	}
	return r.Rows[0]
}

// Session is one logical session with the remote store. A Session is owned by
// a single caller at a time and is not safe for concurrent use.
type Session interface {
	Execute(ctx context.Context, stmt Statement) (*Result, error)
	Batch(ctx context.Context, stmts []Statement) ([]*Result, error)
	Close() error
}

// Dialer opens new sessions.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Session, error)

// Dial calls f(ctx).
func (f DialerFunc) Dial(ctx context.Context) (Session, error) {
	return f(ctx)
}
