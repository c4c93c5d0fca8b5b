package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astroforum/service_layer/internal/database"
	"github.com/astroforum/service_layer/internal/database/pool"
	"github.com/astroforum/service_layer/internal/resilience"
)

type fixedStats database.Stats

func (s fixedStats) Stats() database.Stats { return database.Stats(s) }

func TestRecordHTTPRequest(t *testing.T) {
	m := New("forum")
	m.RecordHTTPRequest("forumd", http.MethodGet, "/healthz", "200", 3*time.Millisecond)
	m.RecordHTTPRequest("forumd", http.MethodGet, "/healthz", "200", 5*time.Millisecond)

	got := promtest.ToFloat64(m.httpRequests.WithLabelValues("forumd", http.MethodGet, "/healthz", "200"))
	assert.Equal(t, 2.0, got)

	m.IncrementInFlight()
	m.IncrementInFlight()
	m.DecrementInFlight()
	assert.Equal(t, 1.0, promtest.ToFloat64(m.httpInFlight))
}

func TestDatabaseObserver(t *testing.T) {
	m := New("forum")
	observe := DatabaseObserver(m)

	observe("execute", nil, time.Millisecond)
	observe("execute", pool.ErrAcquireTimeout, time.Second)
	observe("execute", resilience.ErrCircuitOpen, 0)
	observe("batch", errors.New("syntax error"), time.Millisecond)

	assert.Equal(t, 1.0, promtest.ToFloat64(m.dbOperations.WithLabelValues("execute", "ok")))
	assert.Equal(t, 2.0, promtest.ToFloat64(m.dbOperations.WithLabelValues("execute", "unavailable")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.dbOperations.WithLabelValues("batch", "error")))
}

func TestDatabaseCollector(t *testing.T) {
	src := fixedStats{
		Pool: pool.Stats{
			InUse:             3,
			Idle:              1,
			Waiting:           2,
			MaxConnections:    4,
			TotalAcquisitions: 10,
			StuckReclaimed:    1,
		},
		Breaker: resilience.Stats{
			Snapshot:    resilience.Snapshot{State: resilience.StateOpen, FailureCount: 5},
			TimesOpened: 1,
		},
	}
	c := NewDatabaseCollector("forum", src)

	// 2 connection states + 3 breaker states + 13 single-valued metrics.
	assert.Equal(t, 18, promtest.CollectAndCount(c))

	expected := `
# HELP forum_db_breaker_state Circuit breaker state, 1 for the current state.
# TYPE forum_db_breaker_state gauge
forum_db_breaker_state{state="closed"} 0
forum_db_breaker_state{state="half-open"} 0
forum_db_breaker_state{state="open"} 1
# HELP forum_db_pool_connections Open connections by state.
# TYPE forum_db_pool_connections gauge
forum_db_pool_connections{state="idle"} 1
forum_db_pool_connections{state="in_use"} 3
# HELP forum_db_pool_waiting Callers waiting for a connection.
# TYPE forum_db_pool_waiting gauge
forum_db_pool_waiting 2
`
	err := promtest.CollectAndCompare(c, strings.NewReader(expected),
		"forum_db_breaker_state", "forum_db_pool_connections", "forum_db_pool_waiting")
	require.NoError(t, err)
}

func TestHandler(t *testing.T) {
	m := New("forum")
	m.MustRegister(NewDatabaseCollector("forum", fixedStats{}))
	m.RecordDatabaseOperation("execute", "ok", time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `forum_database_operations_total{operation="execute",outcome="ok"} 1`)
	assert.Contains(t, body, "forum_db_pool_max_connections 0")
	assert.Contains(t, body, "go_goroutines")
}
