package database

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astroforum/service_layer/internal/database/health"
	"github.com/astroforum/service_layer/internal/database/pool"
	"github.com/astroforum/service_layer/internal/resilience"
	"github.com/astroforum/service_layer/internal/store"
	"github.com/astroforum/service_layer/pkg/testutil"
)

func testConfig() Config {
	return Config{
		Pool:    pool.Config{MaxConnections: 2, AcquireTimeout: time.Second},
		Breaker: resilience.Config{FailureThreshold: 3, MonitoringPeriod: time.Minute},
		Health:  health.DefaultThresholds(),
	}
}

func openTestDB(t *testing.T, cfg Config) (*DB, *testutil.MockDialer) {
	t.Helper()
	dialer := testutil.NewMockDialer()
	clk := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	db, err := Open(context.Background(), cfg, dialer, WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, dialer
}

// =============================================================================
// Unit of work
// =============================================================================

func TestOpen_InvalidPoolConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.MaxConnections = 0
	_, err := Open(context.Background(), cfg, testutil.NewMockDialer())
	assert.Error(t, err)
}

func TestOpen_WarmUp(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.MinConnections = 2
	cfg.WarmUp = true

	db, dialer := openTestDB(t, cfg)
	assert.Equal(t, 2, dialer.Dialed())
	assert.Equal(t, 2, db.Stats().Pool.Idle)
}

func TestDB_ExecuteReleasesConnection(t *testing.T) {
	db, dialer := openTestDB(t, testConfig())
	dialer.SetResult("SELECT title FROM posts WHERE id = ?", &store.Result{
		Columns: []string{"title"},
		Rows:    []store.Row{{"title": "Mercury retrograde"}},
	})

	res, err := db.Execute(context.Background(), "SELECT title FROM posts WHERE id = ?", 1)
	require.NoError(t, err)
	assert.Equal(t, "Mercury retrograde", res.First()["title"])

	stats := db.Stats()
	assert.Equal(t, 0, stats.Pool.InUse)
	assert.Equal(t, 1, stats.Pool.Idle)
	assert.Equal(t, int64(1), stats.Pool.TotalQueries)
	assert.Equal(t, int64(1), stats.Breaker.TotalSuccesses)

	executed := dialer.Sessions()[0].Executed()
	require.Len(t, executed, 1)
	assert.Equal(t, []any{1}, executed[0].Args)
}

func TestDB_Batch(t *testing.T) {
	db, dialer := openTestDB(t, testConfig())

	results, err := db.Batch(context.Background(), []store.Statement{
		store.NewStatement("INSERT INTO replies (discussion_id, body) VALUES (?, ?)", 1, "hi"),
		store.NewStatement("UPDATE discussions SET replies = replies + 1 WHERE id = ?", 1),
	})
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Len(t, dialer.Sessions()[0].Executed(), 2)
}

func TestDB_Ping(t *testing.T) {
	db, dialer := openTestDB(t, testConfig())
	require.NoError(t, db.Ping(context.Background()))
	assert.Equal(t, "SELECT 1", dialer.Sessions()[0].Executed()[0].SQL)
}

func TestDB_StoreFailuresOpenBreaker(t *testing.T) {
	db, dialer := openTestDB(t, testConfig())
	dialer.SetExecuteError(testutil.ErrMockExecute)

	for i := 0; i < 3; i++ {
		_, err := db.Execute(context.Background(), "SELECT 1")
		assert.ErrorIs(t, err, testutil.ErrMockExecute)
	}

	assert.Equal(t, resilience.StateOpen, db.Breaker().State().State)
	assert.Equal(t, 0, db.Stats().Pool.InUse)

	report := db.Health()
	assert.Equal(t, resilience.StateOpen, report.Breaker)
	assert.NotEmpty(t, report.Recommendations)

	// The next call is a probe; a healthy store closes the circuit.
	dialer.SetExecuteError(nil)
	require.NoError(t, db.Ping(context.Background()))
	assert.Equal(t, resilience.StateClosed, db.Breaker().State().State)
}

func TestDB_AcquireErrorsDoNotCountAgainstBreaker(t *testing.T) {
	db, _ := openTestDB(t, testConfig())
	require.NoError(t, db.Close())

	_, err := db.Execute(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, pool.ErrPoolClosed)
	assert.Equal(t, int64(0), db.Stats().Breaker.TotalCalls)
}

func TestDB_CancellationIsNotAStoreFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Breaker.FailureThreshold = 1
	db, dialer := openTestDB(t, cfg)
	dialer.SetExecuteError(context.Canceled)

	_, err := db.Execute(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, resilience.StateClosed, db.Breaker().State().State)
}

func TestDB_InvalidSessionIsDiscarded(t *testing.T) {
	db, dialer := openTestDB(t, testConfig())
	dialer.SetExecuteError(fmt.Errorf("stream gone: %w", store.ErrSessionInvalid))

	_, err := db.Execute(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, store.ErrSessionInvalid)

	assert.Equal(t, 0, db.Stats().Pool.Total)
	assert.Equal(t, 1, dialer.Closed())
}

func TestDB_WithSessionReleasesOnPanic(t *testing.T) {
	db, _ := openTestDB(t, testConfig())

	assert.Panics(t, func() {
		_ = db.WithSession(context.Background(), func(context.Context, *pool.Connection) error {
			panic("handler bug")
		})
	})
	assert.Equal(t, 0, db.Stats().Pool.InUse)
}

func TestDB_EmergencyRecoveryResetsBreaker(t *testing.T) {
	cfg := testConfig()
	cfg.Breaker.FailureThreshold = 1
	db, dialer := openTestDB(t, cfg)
	dialer.SetExecuteError(testutil.ErrMockExecute)

	_, _ = db.Execute(context.Background(), "SELECT 1")
	require.Equal(t, resilience.StateOpen, db.Breaker().State().State)

	res := db.EmergencyRecovery()
	assert.Equal(t, 0, res.ReclaimedCount)
	assert.Equal(t, 1, res.ClosedIdle)
	assert.Equal(t, resilience.StateClosed, db.Breaker().State().State)
	assert.Equal(t, 0, db.Breaker().State().FailureCount)
}

// =============================================================================
// Availability
// =============================================================================

func TestIsUnavailable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{pool.ErrAcquireTimeout, true},
		{pool.ErrPoolExhausted, true},
		{pool.ErrRecoveryInProgress, true},
		{pool.ErrPoolClosed, true},
		{resilience.ErrCircuitOpen, true},
		{fmt.Errorf("list posts: %w", pool.ErrAcquireTimeout), true},
		{testutil.ErrMockExecute, false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := IsUnavailable(tt.err); got != tt.want {
			t.Errorf("IsUnavailable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestWithFallback(t *testing.T) {
	db, dialer := openTestDB(t, testConfig())
	dialer.SetResult("SELECT COUNT(*) AS n FROM discussions", &store.Result{Rows: []store.Row{{"n": int64(12)}}})

	count := func(ctx context.Context, conn *pool.Connection) (int64, error) {
		res, err := conn.Execute(ctx, store.NewStatement("SELECT COUNT(*) AS n FROM discussions"))
		if err != nil {
			return 0, err
		}
		return res.First()["n"].(int64), nil
	}

	n, err := WithFallback(context.Background(), db, int64(-1), count)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)

	dialer.SetExecuteError(testutil.ErrMockExecute)
	_, err = WithFallback(context.Background(), db, int64(-1), count)
	assert.ErrorIs(t, err, testutil.ErrMockExecute)

	require.NoError(t, db.Close())
	n, err = WithFallback(context.Background(), db, int64(-1), count)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), n)
}

// =============================================================================
// Maintenance
// =============================================================================

func TestNewMaintenance_InvalidSchedule(t *testing.T) {
	db, _ := openTestDB(t, testConfig())
	cfg := DefaultMaintenanceConfig()
	cfg.SweepSchedule = "every now and then"

	_, err := NewMaintenance(db, cfg, nil)
	assert.Error(t, err)
}

func TestMaintenance_MemoryPressureClosesIdle(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.MinConnections = 2
	cfg.WarmUp = true
	db, _ := openTestDB(t, cfg)

	m, err := NewMaintenance(db, DefaultMaintenanceConfig(), nil)
	require.NoError(t, err)

	m.memoryUsage = func() (float64, error) { return 50, nil }
	m.checkMemory()
	assert.Equal(t, 2, db.Stats().Pool.Idle)

	m.memoryUsage = func() (float64, error) { return 95, nil }
	m.checkMemory()
	assert.Equal(t, 0, db.Stats().Pool.Idle)

	m.memoryUsage = func() (float64, error) { return 0, errors.New("no /proc") }
	m.checkMemory()
}

func TestMaintenance_StartStop(t *testing.T) {
	db, _ := openTestDB(t, testConfig())
	m, err := NewMaintenance(db, DefaultMaintenanceConfig(), nil)
	require.NoError(t, err)

	m.Start()
	m.sweep()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m.Stop(ctx)
}

func TestDB_Observer(t *testing.T) {
	type observed struct {
		op  string
		err error
	}
	var got []observed

	dialer := testutil.NewMockDialer()
	db, err := Open(context.Background(), testConfig(), dialer, WithObserver(func(op string, err error, _ time.Duration) {
		got = append(got, observed{op, err})
	}))
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Execute(context.Background(), "SELECT 1")
	require.NoError(t, err)
	_, err = db.Batch(context.Background(), []store.Statement{store.NewStatement("SELECT 1")})
	require.NoError(t, err)

	require.NoError(t, db.Close())
	_ = db.WithSession(context.Background(), func(context.Context, *pool.Connection) error { return nil })

	require.Len(t, got, 3)
	assert.Equal(t, "execute", got[0].op)
	assert.Equal(t, "batch", got[1].op)
	assert.Equal(t, "session", got[2].op)
	assert.ErrorIs(t, got[2].err, pool.ErrPoolClosed)
}
