// Package database is the entry point to the remote store. It wires the
// connection pool, the circuit breaker and the health reporter together and
// exposes the unit-of-work helpers used by the rest of the service.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"

	"github.com/astroforum/service_layer/internal/database/health"
	"github.com/astroforum/service_layer/internal/database/pool"
	"github.com/astroforum/service_layer/internal/logging"
	"github.com/astroforum/service_layer/internal/resilience"
	"github.com/astroforum/service_layer/internal/store"
)

// Config holds database layer configuration.
type Config struct {
	Pool    pool.Config       `yaml:"pool"`
	Breaker resilience.Config `yaml:"breaker"`
	Health  health.Thresholds `yaml:"health"`
	// WarmUp opens Pool.MinConnections during Open. A failed warm-up is
	// logged, not returned.
	WarmUp bool `yaml:"warm_up"`
}

// DefaultConfig returns the defaults for every component.
func DefaultConfig() Config {
	return Config{
		Pool:    pool.DefaultConfig(),
		Breaker: resilience.DefaultConfig(),
		Health:  health.DefaultThresholds(),
		WarmUp:  true,
	}
}

// Option configures Open.
type Option func(*options)

type options struct {
	clock    clock.Clock
	logger   *logging.Logger
	observer Observer
}

// Observer is told about every unit of work once it finishes. Duration
// includes connection acquisition.
type Observer func(operation string, err error, duration time.Duration)

// WithClock sets the time source shared by the pool and the breaker.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithObserver sets the operation observer.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// DB is the database access layer. Create it once at startup with Open.
type DB struct {
	pool       *pool.Pool
	breaker    *resilience.CircuitBreaker
	thresholds health.Thresholds
	clock      clock.Clock
	logger     *logging.Logger
	observer   Observer
}

// Stats combines pool and breaker statistics.
type Stats struct {
	Pool    pool.Stats       `json:"pool"`
	Breaker resilience.Stats `json:"breaker"`
}

// Open builds the pool and breaker over dialer.
func Open(ctx context.Context, cfg Config, dialer store.Dialer, opts ...Option) (*DB, error) {
	o := options{clock: clock.WallClock}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.NewDiscard()
	}

	if cfg.Breaker.IsFailure == nil {
		cfg.Breaker.IsFailure = isStoreFailure
	}
	breaker := resilience.New(cfg.Breaker,
		resilience.WithClock(o.clock),
		resilience.WithLogger(o.logger),
	)

	p, err := pool.New(dialer, cfg.Pool,
		pool.WithClock(o.clock),
		pool.WithLogger(o.logger),
		pool.WithBreaker(breaker),
	)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	db := &DB{
		pool:       p,
		breaker:    breaker,
		thresholds: cfg.Health,
		clock:      o.clock,
		logger:     o.logger,
		observer:   o.observer,
	}

	if cfg.WarmUp {
		if err := p.WarmUp(ctx); err != nil {
			o.logger.WithContext(ctx).WithError(err).Warn("database warm-up failed")
		}
	}
	return db, nil
}

// isStoreFailure excludes caller cancellation from the breaker count.
func isStoreFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// =============================================================================
// Unit of work
// =============================================================================

// WithSession runs fn on one pooled connection guarded by the circuit
// breaker. Failing to acquire a connection is returned as is and does not
// count against the breaker.
func (db *DB) WithSession(ctx context.Context, fn func(ctx context.Context, conn *pool.Connection) error) error {
	return db.run(ctx, "session", fn)
}

func (db *DB) run(ctx context.Context, operation string, fn func(ctx context.Context, conn *pool.Connection) error) (err error) {
	if db.observer != nil {
		start := db.clock.Now()
		defer func() { db.observer(operation, err, db.clock.Now().Sub(start)) }()
	}

	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() { db.finish(conn, err) }()

	return db.breaker.Do(func() error {
		return fn(ctx, conn)
	})
}

// Execute runs a single statement.
func (db *DB) Execute(ctx context.Context, sql string, args ...any) (*store.Result, error) {
	var res *store.Result
	err := db.run(ctx, "execute", func(ctx context.Context, conn *pool.Connection) error {
		var err error
		res, err = conn.Execute(ctx, store.NewStatement(sql, args...))
		return err
	})
	return res, err
}

// Batch runs the statements on one connection.
func (db *DB) Batch(ctx context.Context, stmts []store.Statement) ([]*store.Result, error) {
	var results []*store.Result
	err := db.run(ctx, "batch", func(ctx context.Context, conn *pool.Connection) error {
		var err error
		results, err = conn.Batch(ctx, stmts)
		return err
	})
	return results, err
}

// Ping checks that the store answers a trivial query.
func (db *DB) Ping(ctx context.Context) error {
	_, err := db.Execute(ctx, "SELECT 1")
	return err
}

// finish returns conn to the pool, or discards it when the session can no
// longer be used.
func (db *DB) finish(conn *pool.Connection, err error) {
	if errors.Is(err, store.ErrSessionInvalid) || errors.Is(err, store.ErrSessionClosed) {
		db.pool.Discard(conn)
		return
	}
	db.pool.Release(conn)
}

// =============================================================================
// Operations
// =============================================================================

// Stats returns pool and breaker statistics.
func (db *DB) Stats() Stats {
	return Stats{
		Pool:    db.pool.Stats(),
		Breaker: db.breaker.Stats(),
	}
}

// Health evaluates the current pool and breaker state.
func (db *DB) Health() health.Report {
	return health.Evaluate(db.pool.Stats(), db.breaker.State(), db.thresholds)
}

// EmergencyRecovery resets the pool and the breaker.
func (db *DB) EmergencyRecovery() pool.RecoveryResult {
	return db.pool.EmergencyRecovery()
}

// Sweep reclaims stuck connections and retires idle ones.
func (db *DB) Sweep(ctx context.Context) pool.SweepResult {
	return db.pool.Sweep(ctx)
}

// ForceCleanup closes every idle connection.
func (db *DB) ForceCleanup() int {
	return db.pool.ForceCleanup()
}

// Pool returns the underlying pool.
func (db *DB) Pool() *pool.Pool {
	return db.pool
}

// Breaker returns the circuit breaker.
func (db *DB) Breaker() *resilience.CircuitBreaker {
	return db.breaker
}

// Close closes the pool.
func (db *DB) Close() error {
	return db.pool.Close()
}

// =============================================================================
// Availability
// =============================================================================

// IsUnavailable reports whether err means the store is temporarily
// unavailable and the caller should retry later.
func IsUnavailable(err error) bool {
	return errors.Is(err, pool.ErrAcquireTimeout) ||
		errors.Is(err, pool.ErrPoolExhausted) ||
		errors.Is(err, pool.ErrRecoveryInProgress) ||
		errors.Is(err, pool.ErrPoolClosed) ||
		errors.Is(err, resilience.ErrCircuitOpen)
}

// WithFallback runs op in a session and returns fallback when the store is
// temporarily unavailable. Any other error is returned.
func WithFallback[T any](ctx context.Context, db *DB, fallback T, op func(ctx context.Context, conn *pool.Connection) (T, error)) (T, error) {
	var out T
	err := db.WithSession(ctx, func(ctx context.Context, conn *pool.Connection) error {
		v, err := op(ctx, conn)
		out = v
		return err
	})
	if err == nil {
		return out, nil
	}
	if IsUnavailable(err) {
		db.logger.WithContext(ctx).WithError(err).Warn("database unavailable, using fallback")
		return fallback, nil
	}
	var zero T
	return zero, err
}
