package pool

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/astroforum/service_layer/internal/store"
)

// Connection is a pooled session. It is borrowed between Acquire and
// Release and must not be used after it has been released.
type Connection struct {
	ID      string
	Session store.Session

	pool       *Pool
	queryCount atomic.Int64

	// Guarded by pool.mu.
	inUse      bool
	removed    bool
	createdAt  time.Time
	acquiredAt time.Time
	lastUsedAt time.Time
}

// Execute runs stmt on the underlying session.
func (c *Connection) Execute(ctx context.Context, stmt store.Statement) (*store.Result, error) {
	c.countQueries(1)
	return c.Session.Execute(ctx, stmt)
}

// Batch runs stmts on the underlying session.
func (c *Connection) Batch(ctx context.Context, stmts []store.Statement) ([]*store.Result, error) {
	c.countQueries(len(stmts))
	return c.Session.Batch(ctx, stmts)
}

// QueryCount returns the number of statements run on this connection.
func (c *Connection) QueryCount() int64 {
	return c.queryCount.Load()
}

func (c *Connection) countQueries(n int) {
	c.queryCount.Add(int64(n))
	if c.pool != nil {
		c.pool.totalQueries.Add(int64(n))
	}
}

// ConnectionInfo is a point-in-time view of one connection.
type ConnectionInfo struct {
	ID         string    `json:"id"`
	InUse      bool      `json:"inUse"`
	Stuck      bool      `json:"stuck"`
	CreatedAt  time.Time `json:"createdAt"`
	AcquiredAt time.Time `json:"acquiredAt,omitempty"`
	LastUsedAt time.Time `json:"lastUsedAt"`
	QueryCount int64     `json:"queryCount"`
}
