// Package pool implements a bounded pool of sessions to the remote store.
//
// Callers Acquire a Connection, use it, and Release it. When every
// connection is checked out, callers queue in FIFO order and a released
// connection is handed directly to the longest waiter, so it is never
// observable as free while someone is waiting. Connections held past
// StaleAfter are treated as stuck: they are closed and their capacity is
// reclaimed, either lazily by a blocked Acquire or by a periodic Sweep.
// EmergencyRecovery discards everything and resets the attached breaker.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/astroforum/service_layer/internal/logging"
	"github.com/astroforum/service_layer/internal/store"
)

const waitSamples = 100

// Resetter is implemented by the circuit breaker attached to the pool.
type Resetter interface {
	Reset()
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(p *Pool) { p.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithBreaker attaches the breaker reset by EmergencyRecovery.
func WithBreaker(r Resetter) Option {
	return func(p *Pool) { p.breaker = r }
}

type acquireResult struct {
	conn *Connection
	err  error
}

type waiter struct {
	// ch is buffered so a hand-off never blocks while holding the pool lock.
	ch         chan acquireResult
	elem       *list.Element
	enqueuedAt time.Time
}

// Pool is a bounded pool of store sessions. It is safe for concurrent use.
type Pool struct {
	dialer  store.Dialer
	cfg     Config
	clock   clock.Clock
	logger  *logging.Logger
	breaker Resetter

	totalQueries atomic.Int64
	dials        sync.WaitGroup

	mu      sync.Mutex
	conns   map[string]*Connection
	free    []*Connection
	numOpen int // open connections plus dials in progress
	waiters *list.List
	closed  bool

	totalAcquisitions   int64
	totalReleases       int64
	acquireTimeouts     int64
	stuckReclaimed      int64
	emergencyRecoveries int64
	waits               [waitSamples]time.Duration
	waitCount           int
}

// New creates a pool. No connection is opened until Acquire or WarmUp.
func New(dialer store.Dialer, cfg Config, opts ...Option) (*Pool, error) {
	if dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}

	p := &Pool{
		dialer:  dialer,
		cfg:     cfg,
		clock:   clock.WallClock,
		conns:   make(map[string]*Connection),
		waiters: list.New(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logging.NewDiscard()
	}
	return p, nil
}

// Config returns the pool configuration.
func (p *Pool) Config() Config {
	return p.cfg
}

// =============================================================================
// Acquire / Release
// =============================================================================

// Acquire returns a connection for the caller's exclusive use. It waits in
// FIFO order when the pool is at capacity, for at most AcquireTimeout.
func (p *Pool) Acquire(ctx context.Context) (*Connection, error) {
	start := p.clock.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if err := ctx.Err(); err != nil {
		p.mu.Unlock()
		return nil, err
	}

	if c := p.popFreeLocked(); c != nil {
		p.checkoutLocked(c, start, 0)
		p.mu.Unlock()
		return c, nil
	}

	var stale []store.Session
	if p.numOpen >= p.cfg.MaxConnections {
		stale = p.reclaimStuckLocked(start, "acquire")
		// Capacity freed here goes to existing waiters first.
		p.openForWaitersLocked()
	}

	if p.numOpen < p.cfg.MaxConnections && p.waiters.Len() == 0 {
		p.numOpen++
		p.mu.Unlock()
		closeSessions(p.logger, stale)
		return p.dialForCaller(ctx, start)
	}

	if p.cfg.MaxWaiters > 0 && p.waiters.Len() >= p.cfg.MaxWaiters {
		waiting := p.waiters.Len()
		p.mu.Unlock()
		closeSessions(p.logger, stale)
		p.logger.WithFields(map[string]interface{}{
			"waiting":     waiting,
			"max_waiters": p.cfg.MaxWaiters,
		}).Warn("connection pool queue full")
		return nil, ErrPoolExhausted
	}

	w := &waiter{ch: make(chan acquireResult, 1), enqueuedAt: start}
	w.elem = p.waiters.PushBack(w)
	p.mu.Unlock()
	closeSessions(p.logger, stale)

	var timeout <-chan time.Time
	if p.cfg.AcquireTimeout > 0 {
		timer := p.clock.NewTimer(p.cfg.AcquireTimeout)
		defer timer.Stop()
		timeout = timer.Chan()
	}

	select {
	case res := <-w.ch:
		return res.conn, res.err
	case <-timeout:
		return p.abandonWait(w, ErrAcquireTimeout)
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			// The caller's deadline ran out in the queue: still a queue timeout.
			err = fmt.Errorf("%w: %w", ErrAcquireTimeout, err)
		}
		return p.abandonWait(w, err)
	}
}

// abandonWait removes w from the queue. If a hand-off already happened the
// handed connection is returned instead of err.
func (p *Pool) abandonWait(w *waiter, err error) (*Connection, error) {
	p.mu.Lock()
	if w.elem != nil {
		p.waiters.Remove(w.elem)
		w.elem = nil
		if errors.Is(err, ErrAcquireTimeout) {
			p.acquireTimeouts++
		}
		waiting := p.waiters.Len()
		p.mu.Unlock()

		p.logger.WithFields(map[string]interface{}{
			"waited":  p.clock.Now().Sub(w.enqueuedAt).String(),
			"waiting": waiting,
		}).WithError(err).Warn("connection acquire abandoned")
		return nil, err
	}
	p.mu.Unlock()

	res := <-w.ch
	return res.conn, res.err
}

func (p *Pool) dialForCaller(ctx context.Context, start time.Time) (*Connection, error) {
	sess, err := p.dialer.Dial(ctx)

	p.mu.Lock()
	if err != nil {
		p.numOpen--
		p.openForWaitersLocked()
		p.mu.Unlock()
		return nil, fmt.Errorf("dial: %w", err)
	}
	if p.closed {
		p.numOpen--
		p.mu.Unlock()
		closeSessions(p.logger, []store.Session{sess})
		return nil, ErrPoolClosed
	}

	now := p.clock.Now()
	c := p.addConnLocked(sess, now)
	p.checkoutLocked(c, now, now.Sub(start))
	p.mu.Unlock()
	return c, nil
}

// Release returns c to the pool, handing it to the longest waiter if there
// is one. Releasing a connection the pool no longer owns, or one that is
// already free, is logged and ignored.
func (p *Pool) Release(c *Connection) {
	if c == nil {
		return
	}
	now := p.clock.Now()

	p.mu.Lock()
	if !p.ownsLocked(c) {
		p.mu.Unlock()
		p.logger.WithFields(map[string]interface{}{
			"connection_id": c.ID,
		}).Warn("release of connection not owned by pool ignored")
		return
	}
	if !c.inUse {
		p.mu.Unlock()
		p.logger.WithFields(map[string]interface{}{
			"connection_id": c.ID,
		}).Warn("release of free connection ignored")
		return
	}

	p.totalReleases++

	if p.cfg.MaxLifetime > 0 && now.Sub(c.createdAt) > p.cfg.MaxLifetime {
		sess := p.removeLocked(c)
		p.openForWaitersLocked()
		p.mu.Unlock()
		closeSessions(p.logger, []store.Session{sess})
		return
	}

	p.putLocked(c, now)
	p.mu.Unlock()
}

// Discard closes c instead of returning it, for sessions the caller found
// to be broken. Its capacity is reused for the next waiter.
func (p *Pool) Discard(c *Connection) {
	if c == nil {
		return
	}

	p.mu.Lock()
	if !p.ownsLocked(c) {
		p.mu.Unlock()
		return
	}
	if c.inUse {
		p.totalReleases++
	}
	sess := p.removeLocked(c)
	p.openForWaitersLocked()
	p.mu.Unlock()

	p.logger.WithFields(map[string]interface{}{
		"connection_id": c.ID,
	}).Info("connection discarded")
	closeSessions(p.logger, []store.Session{sess})
}

// =============================================================================
// Maintenance
// =============================================================================

// SweepResult reports what a Sweep did.
type SweepResult struct {
	StuckReclaimed int `json:"stuckReclaimed"`
	Replaced       int `json:"replaced"`
	Retired        int `json:"retired"`
}

// Sweep reclaims stuck connections and dials a replacement for each, which
// goes to the longest waiter or back to the free list. It also retires
// connections past IdleTimeout or MaxLifetime, keeping MinConnections open.
// Sweep never fails; problems are logged.
func (p *Pool) Sweep(ctx context.Context) SweepResult {
	now := p.clock.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return SweepResult{}
	}
	stuck := p.reclaimStuckLocked(now, "sweep")
	retired := p.retireLocked(now)

	// Reserve a slot per reclaimed connection before anyone else can take it.
	replacements := 0
	for i := 0; i < len(stuck) && p.numOpen < p.cfg.MaxConnections; i++ {
		p.numOpen++
		replacements++
	}
	p.mu.Unlock()

	closeSessions(p.logger, stuck)
	closeSessions(p.logger, retired)

	res := SweepResult{StuckReclaimed: len(stuck), Retired: len(retired)}
	for i := 0; i < replacements; i++ {
		if err := p.fillSlot(ctx); err != nil {
			p.logger.WithError(err).Warn("replacement connection dial failed")
			continue
		}
		res.Replaced++
	}

	if err := p.WarmUp(ctx); err != nil && err != ErrPoolClosed {
		p.logger.WithError(err).Warn("refilling minimum connections failed")
	}

	if res.StuckReclaimed > 0 || res.Retired > 0 {
		p.logger.WithFields(map[string]interface{}{
			"stuck_reclaimed": res.StuckReclaimed,
			"replaced":        res.Replaced,
			"retired":         res.Retired,
		}).Info("connection pool sweep")
	}
	return res
}

// WarmUp opens connections until MinConnections are open.
func (p *Pool) WarmUp(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrPoolClosed
		}
		if p.numOpen >= p.cfg.MinConnections || p.numOpen >= p.cfg.MaxConnections {
			p.mu.Unlock()
			return nil
		}
		p.numOpen++
		p.mu.Unlock()

		if err := p.fillSlot(ctx); err != nil {
			return fmt.Errorf("warm up: %w", err)
		}
	}
}

// ForceCleanup closes every idle connection and returns how many were
// closed. It is used to shed resources under memory pressure.
func (p *Pool) ForceCleanup() int {
	p.mu.Lock()
	idle := p.free
	p.free = nil
	sessions := make([]store.Session, 0, len(idle))
	for _, c := range idle {
		sessions = append(sessions, p.detachLocked(c))
	}
	p.mu.Unlock()

	closeSessions(p.logger, sessions)
	if len(sessions) > 0 {
		p.logger.WithFields(map[string]interface{}{
			"closed": len(sessions),
		}).Info("idle connections force-closed")
	}
	return len(sessions)
}

// RecoveryResult reports what EmergencyRecovery did.
type RecoveryResult struct {
	ReclaimedCount int `json:"reclaimedCount"`
	DrainedWaiters int `json:"drainedWaiters"`
	ClosedIdle     int `json:"closedIdle"`
}

// EmergencyRecovery reclaims every checked-out connection regardless of age,
// closes idle ones, fails every waiter with ErrRecoveryInProgress and resets
// the attached breaker. Holders of reclaimed connections see their session
// closed and their Release ignored.
func (p *Pool) EmergencyRecovery() RecoveryResult {
	var res RecoveryResult

	p.mu.Lock()
	sessions := make([]store.Session, 0, len(p.conns))
	for _, c := range p.conns {
		if c.inUse {
			res.ReclaimedCount++
		} else {
			res.ClosedIdle++
		}
		sessions = append(sessions, p.detachLocked(c))
	}
	p.free = nil
	res.DrainedWaiters = p.drainWaitersLocked(ErrRecoveryInProgress)
	p.emergencyRecoveries++
	p.mu.Unlock()

	closeSessions(p.logger, sessions)
	if p.breaker != nil {
		p.breaker.Reset()
	}

	p.logger.WithFields(map[string]interface{}{
		"reclaimed":       res.ReclaimedCount,
		"drained_waiters": res.DrainedWaiters,
		"closed_idle":     res.ClosedIdle,
	}).Warn("connection pool emergency recovery")
	return res
}

// Close fails every waiter with ErrPoolClosed and closes every session.
// Connections still checked out are closed underneath their holders.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	sessions := make([]store.Session, 0, len(p.conns))
	for _, c := range p.conns {
		sessions = append(sessions, p.detachLocked(c))
	}
	p.free = nil
	p.drainWaitersLocked(ErrPoolClosed)
	p.mu.Unlock()

	closeSessions(p.logger, sessions)
	p.dials.Wait()
	return nil
}

// =============================================================================
// Internal Methods
// =============================================================================

func (p *Pool) ownsLocked(c *Connection) bool {
	cur, ok := p.conns[c.ID]
	return ok && cur == c && !c.removed
}

func (p *Pool) popFreeLocked() *Connection {
	n := len(p.free)
	if n == 0 {
		return nil
	}
	c := p.free[n-1]
	p.free[n-1] = nil
	p.free = p.free[:n-1]
	return c
}

func (p *Pool) addConnLocked(sess store.Session, now time.Time) *Connection {
	c := &Connection{
		ID:         uuid.New().String(),
		Session:    sess,
		pool:       p,
		createdAt:  now,
		lastUsedAt: now,
	}
	p.conns[c.ID] = c
	return c
}

func (p *Pool) checkoutLocked(c *Connection, now time.Time, wait time.Duration) {
	c.inUse = true
	c.acquiredAt = now
	c.lastUsedAt = now
	p.totalAcquisitions++
	p.waits[p.waitCount%waitSamples] = wait
	p.waitCount++
}

// putLocked hands c to the head waiter, or parks it on the free list.
func (p *Pool) putLocked(c *Connection, now time.Time) {
	if e := p.waiters.Front(); e != nil {
		w := p.waiters.Remove(e).(*waiter)
		w.elem = nil
		p.checkoutLocked(c, now, now.Sub(w.enqueuedAt))
		w.ch <- acquireResult{conn: c}
		return
	}

	c.inUse = false
	c.acquiredAt = time.Time{}
	c.lastUsedAt = now
	p.free = append(p.free, c)
}

// detachLocked drops c from the pool bookkeeping and returns its session.
// The caller must also drop c from the free list if it was there.
func (p *Pool) detachLocked(c *Connection) store.Session {
	delete(p.conns, c.ID)
	c.removed = true
	c.inUse = false
	p.numOpen--
	return c.Session
}

// removeLocked detaches c and drops it from the free list.
func (p *Pool) removeLocked(c *Connection) store.Session {
	for i, f := range p.free {
		if f == c {
			p.free = append(p.free[:i], p.free[i+1:]...)
			break
		}
	}
	return p.detachLocked(c)
}

func (p *Pool) isStuckLocked(c *Connection, now time.Time) bool {
	return p.cfg.StaleAfter > 0 && c.inUse && now.Sub(c.acquiredAt) > p.cfg.StaleAfter
}

func (p *Pool) reclaimStuckLocked(now time.Time, trigger string) []store.Session {
	var sessions []store.Session
	for _, c := range p.conns {
		if !p.isStuckLocked(c, now) {
			continue
		}
		heldFor := now.Sub(c.acquiredAt)
		sessions = append(sessions, p.detachLocked(c))
		p.stuckReclaimed++

		p.logger.WithFields(map[string]interface{}{
			"connection_id": c.ID,
			"held_for":      heldFor.String(),
			"trigger":       trigger,
		}).Warn("stuck connection reclaimed")
	}
	return sessions
}

// retireLocked removes idle connections past IdleTimeout, keeping at least
// MinConnections, and idle connections past MaxLifetime.
func (p *Pool) retireLocked(now time.Time) []store.Session {
	var sessions []store.Session
	kept := p.free[:0]
	for _, c := range p.free {
		expired := p.cfg.MaxLifetime > 0 && now.Sub(c.createdAt) > p.cfg.MaxLifetime
		idle := p.cfg.IdleTimeout > 0 && now.Sub(c.lastUsedAt) > p.cfg.IdleTimeout &&
			len(p.conns) > p.cfg.MinConnections
		if expired || idle {
			sessions = append(sessions, p.detachLocked(c))
			continue
		}
		kept = append(kept, c)
	}
	for i := len(kept); i < len(p.free); i++ {
		p.free[i] = nil
	}
	p.free = kept
	return sessions
}

func (p *Pool) drainWaitersLocked(err error) int {
	n := 0
	for e := p.waiters.Front(); e != nil; e = p.waiters.Front() {
		w := p.waiters.Remove(e).(*waiter)
		w.elem = nil
		w.ch <- acquireResult{err: err}
		n++
	}
	return n
}

// openForWaitersLocked starts a background dial for each waiter that free
// capacity can serve.
func (p *Pool) openForWaitersLocked() {
	if p.closed {
		return
	}
	n := p.waiters.Len()
	if room := p.cfg.MaxConnections - p.numOpen; n > room {
		n = room
	}
	for ; n > 0; n-- {
		p.numOpen++
		p.dials.Add(1)
		go func() {
			defer p.dials.Done()
			ctx := context.Background()
			if p.cfg.AcquireTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
				defer cancel()
			}
			if err := p.fillSlot(ctx); err != nil {
				p.logger.WithError(err).Warn("background connection dial failed")
			}
		}()
	}
}

// fillSlot dials into a slot already reserved in numOpen. The new connection
// goes to the head waiter or the free list. On failure the slot is released
// and the error is delivered to the head waiter.
func (p *Pool) fillSlot(ctx context.Context) error {
	sess, err := p.dialer.Dial(ctx)

	p.mu.Lock()
	if err != nil {
		p.numOpen--
		if e := p.waiters.Front(); e != nil {
			w := p.waiters.Remove(e).(*waiter)
			w.elem = nil
			w.ch <- acquireResult{err: fmt.Errorf("dial: %w", err)}
			// Each failure consumes one waiter, so this terminates.
			p.openForWaitersLocked()
		}
		p.mu.Unlock()
		return err
	}
	if p.closed {
		p.numOpen--
		p.mu.Unlock()
		closeSessions(p.logger, []store.Session{sess})
		return ErrPoolClosed
	}

	now := p.clock.Now()
	c := p.addConnLocked(sess, now)
	p.putLocked(c, now)
	p.mu.Unlock()
	return nil
}

func closeSessions(logger *logging.Logger, sessions []store.Session) {
	for _, s := range sessions {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil {
			logger.WithError(err).Debug("session close failed")
		}
	}
}
