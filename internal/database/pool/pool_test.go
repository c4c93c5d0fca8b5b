package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astroforum/service_layer/internal/store"
	"github.com/astroforum/service_layer/pkg/testutil"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type countingResetter struct{ n atomic.Int32 }

func (r *countingResetter) Reset() { r.n.Add(1) }

func newTestPool(t *testing.T, cfg Config, opts ...Option) (*Pool, *testutil.MockDialer, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(epoch)
	dialer := testutil.NewMockDialer()
	p, err := New(dialer, cfg, append([]Option{WithClock(clk)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p, dialer, clk
}

func waitForWaiters(t *testing.T, p *Pool, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.Stats().Waiting == n
	}, 2*time.Second, time.Millisecond, "waiting queue never reached %d", n)
}

type acquired struct {
	conn *Connection
	err  error
}

func acquireAsync(p *Pool, ctx context.Context) <-chan acquired {
	ch := make(chan acquired, 1)
	go func() {
		c, err := p.Acquire(ctx)
		ch <- acquired{c, err}
	}()
	return ch
}

func receive(t *testing.T, ch <-chan acquired) acquired {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not return")
		return acquired{}
	}
}

// =============================================================================
// Config
// =============================================================================

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"zero max", func(c *Config) { c.MaxConnections = 0 }, true},
		{"min above max", func(c *Config) { c.MinConnections = 10 }, true},
		{"negative timeout", func(c *Config) { c.AcquireTimeout = -time.Second }, true},
		{"negative waiters", func(c *Config) { c.MaxWaiters = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNew_RequiresDialer(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)
}

// =============================================================================
// Acquire / Release
// =============================================================================

func TestPool_AcquireReusesFreeConnection(t *testing.T) {
	p, dialer, _ := newTestPool(t, Config{MaxConnections: 2})
	ctx := context.Background()

	a, err := p.Acquire(ctx)
	require.NoError(t, err)
	stats := p.Stats()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.InUse)

	p.Release(a)
	stats = p.Stats()
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, 1, stats.Idle)

	b, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, dialer.Dialed())
}

func TestPool_ConnectionCountsQueries(t *testing.T) {
	p, dialer, _ := newTestPool(t, Config{MaxConnections: 1})
	dialer.SetResult("SELECT 1", &store.Result{Columns: []string{"1"}, Rows: []store.Row{{"1": int64(1)}}})

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)

	res, err := c.Execute(context.Background(), store.NewStatement("SELECT 1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.First()["1"])

	_, err = c.Batch(context.Background(), []store.Statement{
		store.NewStatement("UPDATE posts SET views = views + 1 WHERE id = ?", 1),
		store.NewStatement("UPDATE users SET karma = karma + 1 WHERE id = ?", 2),
	})
	require.NoError(t, err)

	assert.Equal(t, int64(3), c.QueryCount())
	assert.Equal(t, int64(3), p.Stats().TotalQueries)
}

// Scenario: two connections, a third caller waits and receives the first
// released connection directly.
func TestPool_HandOffToWaiter(t *testing.T) {
	p, _, clk := newTestPool(t, Config{MaxConnections: 2, AcquireTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	a, err := p.Acquire(ctx)
	require.NoError(t, err)
	b, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NotSame(t, a, b)

	cCh := acquireAsync(p, ctx)
	waitForWaiters(t, p, 1)

	clk.Advance(10 * time.Millisecond)
	p.Release(a)

	got := receive(t, cCh)
	require.NoError(t, got.err)
	assert.Same(t, a, got.conn)

	stats := p.Stats()
	assert.Equal(t, 2, stats.InUse)
	assert.Equal(t, 0, stats.Waiting)
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, 10*time.Millisecond/3, stats.AverageAcquireWait)
}

func TestPool_AcquireTimeout(t *testing.T) {
	p, _, clk := newTestPool(t, Config{MaxConnections: 1, AcquireTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	_, err := p.Acquire(ctx)
	require.NoError(t, err)

	ch := acquireAsync(p, ctx)
	waitForWaiters(t, p, 1)
	require.NoError(t, clk.WaitAdvance(100*time.Millisecond, time.Second, 1))

	got := receive(t, ch)
	assert.ErrorIs(t, got.err, ErrAcquireTimeout)
	assert.Nil(t, got.conn)

	stats := p.Stats()
	assert.Equal(t, 0, stats.Waiting)
	assert.Equal(t, int64(1), stats.AcquireTimeouts)
}

func TestPool_TimeoutLosesToHandOff(t *testing.T) {
	p, _, _ := newTestPool(t, Config{MaxConnections: 1})

	a, err := p.Acquire(context.Background())
	require.NoError(t, err)

	w := &waiter{ch: make(chan acquireResult, 1), enqueuedAt: epoch}
	p.mu.Lock()
	w.elem = p.waiters.PushBack(w)
	p.mu.Unlock()

	p.Release(a)

	// The deadline fires after the hand-off already happened.
	got, err := p.abandonWait(w, ErrAcquireTimeout)
	require.NoError(t, err)
	assert.Same(t, a, got)
	assert.Equal(t, int64(0), p.Stats().AcquireTimeouts)
	assert.Equal(t, 1, p.Stats().InUse)
}

func TestPool_ContextCancelWhileWaiting(t *testing.T) {
	p, _, _ := newTestPool(t, Config{MaxConnections: 1})

	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch := acquireAsync(p, ctx)
	waitForWaiters(t, p, 1)
	cancel()

	got := receive(t, ch)
	assert.ErrorIs(t, got.err, context.Canceled)
	assert.Equal(t, 0, p.Stats().Waiting)
}

func TestPool_ContextDeadlineWhileWaiting(t *testing.T) {
	p, _, _ := newTestPool(t, Config{MaxConnections: 1, AcquireTimeout: time.Minute})

	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, ErrAcquireTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	stats := p.Stats()
	assert.Equal(t, 0, stats.Waiting)
	assert.Equal(t, int64(1), stats.AcquireTimeouts)
}

func TestPool_FIFOFairness(t *testing.T) {
	p, _, _ := newTestPool(t, Config{MaxConnections: 1})
	ctx := context.Background()

	held, err := p.Acquire(ctx)
	require.NoError(t, err)

	var chans []<-chan acquired
	for i := 1; i <= 3; i++ {
		chans = append(chans, acquireAsync(p, ctx))
		waitForWaiters(t, p, i)
	}

	for i, ch := range chans {
		p.Release(held)
		got := receive(t, ch)
		require.NoError(t, got.err, "waiter %d", i)
		held = got.conn

		for _, later := range chans[i+1:] {
			select {
			case <-later:
				t.Fatalf("a later waiter was served before waiter %d", i)
			default:
			}
		}
	}
}

func TestPool_MaxWaitersExhausted(t *testing.T) {
	p, _, _ := newTestPool(t, Config{MaxConnections: 1, MaxWaiters: 1})
	ctx := context.Background()

	_, err := p.Acquire(ctx)
	require.NoError(t, err)

	_ = acquireAsync(p, ctx)
	waitForWaiters(t, p, 1)

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestPool_CapacityAndNoDoubleIssue(t *testing.T) {
	const maxConns = 3
	p, dialer, _ := newTestPool(t, Config{MaxConnections: maxConns})
	ctx := context.Background()

	var (
		mu       sync.Mutex
		holders  = map[string]bool{}
		inUse    int
		maxInUse int
		wg       sync.WaitGroup
	)

	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				c, err := p.Acquire(ctx)
				if !assert.NoError(t, err) {
					return
				}

				mu.Lock()
				assert.False(t, holders[c.ID], "connection %s issued twice", c.ID)
				holders[c.ID] = true
				inUse++
				if inUse > maxInUse {
					maxInUse = inUse
				}
				mu.Unlock()

				mu.Lock()
				delete(holders, c.ID)
				inUse--
				mu.Unlock()
				p.Release(c)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxInUse, maxConns)
	assert.LessOrEqual(t, dialer.Dialed(), maxConns)
	stats := p.Stats()
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, int64(800), stats.TotalAcquisitions)
	assert.Equal(t, int64(800), stats.TotalReleases)
}

func TestPool_ReleaseIgnoresUnknownAndDoubleRelease(t *testing.T) {
	p, _, _ := newTestPool(t, Config{MaxConnections: 1})
	other, _, _ := newTestPool(t, Config{MaxConnections: 1})

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	foreign, err := other.Acquire(context.Background())
	require.NoError(t, err)

	p.Release(c)
	p.Release(c)
	p.Release(foreign)
	p.Release(nil)

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.TotalReleases)
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 1, other.Stats().InUse)
}

func TestPool_DialFailure(t *testing.T) {
	p, dialer, _ := newTestPool(t, Config{MaxConnections: 1})
	boom := errors.New("connection refused")
	dialer.FailNextDial(boom)

	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, p.Stats().Total)

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestPool_DiscardServesWaiterWithFreshConnection(t *testing.T) {
	p, dialer, _ := newTestPool(t, Config{MaxConnections: 1})
	ctx := context.Background()

	a, err := p.Acquire(ctx)
	require.NoError(t, err)

	ch := acquireAsync(p, ctx)
	waitForWaiters(t, p, 1)

	p.Discard(a)
	got := receive(t, ch)
	require.NoError(t, got.err)
	assert.NotSame(t, a, got.conn)
	assert.True(t, dialer.Sessions()[0].IsClosed())
	assert.Equal(t, 1, p.Stats().Total)
}

func TestPool_DialErrorDeliveredToHeadWaiter(t *testing.T) {
	p, dialer, _ := newTestPool(t, Config{MaxConnections: 1})
	ctx := context.Background()

	a, err := p.Acquire(ctx)
	require.NoError(t, err)

	ch := acquireAsync(p, ctx)
	waitForWaiters(t, p, 1)

	boom := errors.New("store unreachable")
	dialer.FailNextDial(boom)
	p.Discard(a)

	got := receive(t, ch)
	assert.ErrorIs(t, got.err, boom)
	assert.Equal(t, 0, p.Stats().Total)
}

// =============================================================================
// Stuck connections
// =============================================================================

// Scenario: staleAfter 5s, a connection acquired at t=0 is reclaimed by a
// sweep at t=6s, capacity is restored and a new acquire succeeds.
func TestPool_SweepReclaimsStuckConnection(t *testing.T) {
	p, dialer, clk := newTestPool(t, Config{MaxConnections: 1, StaleAfter: 5 * time.Second})
	ctx := context.Background()

	stuck, err := p.Acquire(ctx)
	require.NoError(t, err)

	clk.Advance(6 * time.Second)
	before := p.Stats()
	assert.Equal(t, 1, before.StuckConnections)
	assert.Equal(t, 1, before.Total)

	res := p.Sweep(ctx)
	assert.Equal(t, 1, res.StuckReclaimed)
	assert.Equal(t, 1, res.Replaced)

	after := p.Stats()
	assert.Equal(t, 0, after.StuckConnections)
	assert.Equal(t, before.Total, after.Total)
	assert.Equal(t, int64(1), after.StuckReclaimed)

	fresh, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, stuck.ID, fresh.ID)

	assert.True(t, dialer.Sessions()[0].IsClosed())
	_, err = stuck.Execute(ctx, store.NewStatement("SELECT 1"))
	assert.ErrorIs(t, err, store.ErrSessionClosed)

	// The late release from the stuck holder is ignored.
	p.Release(stuck)
	assert.Equal(t, 1, p.Stats().InUse)
}

func TestPool_SweepHandsReplacementToWaiter(t *testing.T) {
	p, _, clk := newTestPool(t, Config{MaxConnections: 1, StaleAfter: 5 * time.Second})
	ctx := context.Background()

	_, err := p.Acquire(ctx)
	require.NoError(t, err)

	// Not stuck yet, so the caller queues.
	ch := acquireAsync(p, ctx)
	waitForWaiters(t, p, 1)

	clk.Advance(6 * time.Second)
	p.Sweep(ctx)

	got := receive(t, ch)
	require.NoError(t, got.err)
	assert.Equal(t, 1, p.Stats().InUse)
}

func TestPool_AcquireLazilyReclaimsStuck(t *testing.T) {
	p, _, clk := newTestPool(t, Config{MaxConnections: 1, StaleAfter: 5 * time.Second})
	ctx := context.Background()

	stuck, err := p.Acquire(ctx)
	require.NoError(t, err)
	clk.Advance(6 * time.Second)

	c, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, stuck.ID, c.ID)

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.StuckReclaimed)
	assert.Equal(t, 1, stats.InUse)
	assert.Equal(t, 1, stats.Total)
}

func TestPool_SweepRetiresIdleKeepingMinimum(t *testing.T) {
	p, _, clk := newTestPool(t, Config{MaxConnections: 3, MinConnections: 1, IdleTimeout: time.Minute})
	ctx := context.Background()

	var conns []*Connection
	for i := 0; i < 3; i++ {
		c, err := p.Acquire(ctx)
		require.NoError(t, err)
		conns = append(conns, c)
	}
	for _, c := range conns {
		p.Release(c)
	}

	clk.Advance(61 * time.Second)
	res := p.Sweep(ctx)
	assert.Equal(t, 2, res.Retired)
	assert.Equal(t, 1, p.Stats().Total)
}

func TestPool_ReleaseRetiresExpiredConnection(t *testing.T) {
	p, dialer, clk := newTestPool(t, Config{MaxConnections: 1, MaxLifetime: time.Minute})

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)
	p.Release(c)

	assert.Equal(t, 0, p.Stats().Total)
	assert.Equal(t, 1, dialer.Closed())
}

// =============================================================================
// Emergency recovery
// =============================================================================

// Scenario: recovery with two connections in use and three waiters.
func TestPool_EmergencyRecovery(t *testing.T) {
	breaker := &countingResetter{}
	p, dialer, _ := newTestPool(t, Config{MaxConnections: 2}, WithBreaker(breaker))
	ctx := context.Background()

	a, err := p.Acquire(ctx)
	require.NoError(t, err)
	_, err = p.Acquire(ctx)
	require.NoError(t, err)

	var chans []<-chan acquired
	for i := 1; i <= 3; i++ {
		chans = append(chans, acquireAsync(p, ctx))
		waitForWaiters(t, p, i)
	}

	res := p.EmergencyRecovery()
	assert.Equal(t, 2, res.ReclaimedCount)
	assert.Equal(t, 3, res.DrainedWaiters)
	assert.Equal(t, 0, res.ClosedIdle)

	for _, ch := range chans {
		got := receive(t, ch)
		assert.ErrorIs(t, got.err, ErrRecoveryInProgress)
	}

	stats := p.Stats()
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, 0, stats.Waiting)
	assert.Equal(t, int64(1), stats.EmergencyRecoveries)
	assert.Equal(t, int32(1), breaker.n.Load())
	assert.Equal(t, 2, dialer.Closed())

	c, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, c.ID)

	p.Release(a)
	assert.Equal(t, 1, p.Stats().InUse)
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestPool_WarmUpAndForceCleanup(t *testing.T) {
	p, dialer, _ := newTestPool(t, Config{MaxConnections: 4, MinConnections: 2})

	require.NoError(t, p.WarmUp(context.Background()))
	assert.Equal(t, 2, dialer.Dialed())
	assert.Equal(t, 2, p.Stats().Idle)

	assert.Equal(t, 2, p.ForceCleanup())
	assert.Equal(t, 0, p.Stats().Total)
	assert.Equal(t, 2, dialer.Closed())
}

func TestPool_Close(t *testing.T) {
	p, dialer, _ := newTestPool(t, Config{MaxConnections: 1})
	ctx := context.Background()

	_, err := p.Acquire(ctx)
	require.NoError(t, err)
	ch := acquireAsync(p, ctx)
	waitForWaiters(t, p, 1)

	require.NoError(t, p.Close())
	assert.ErrorIs(t, receive(t, ch).err, ErrPoolClosed)

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.Equal(t, 1, dialer.Closed())
	require.NoError(t, p.Close())
}

func TestPool_Connections(t *testing.T) {
	p, _, clk := newTestPool(t, Config{MaxConnections: 2, StaleAfter: time.Second})

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	clk.Advance(2 * time.Second)

	infos := p.Connections()
	require.Len(t, infos, 1)
	assert.Equal(t, c.ID, infos[0].ID)
	assert.True(t, infos[0].InUse)
	assert.True(t, infos[0].Stuck)
}
