package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/astroforum/service_layer/internal/database"
	"github.com/astroforum/service_layer/internal/resilience"
)

// StatsSource is implemented by *database.DB.
type StatsSource interface {
	Stats() database.Stats
}

// DatabaseCollector reports pool and breaker state at scrape time.
type DatabaseCollector struct {
	source StatsSource

	connections         *prometheus.Desc
	waiting             *prometheus.Desc
	maxConnections      *prometheus.Desc
	stuck               *prometheus.Desc
	acquisitions        *prometheus.Desc
	releases            *prometheus.Desc
	acquireTimeouts     *prometheus.Desc
	stuckReclaimed      *prometheus.Desc
	emergencyRecoveries *prometheus.Desc
	queries             *prometheus.Desc
	averageAcquireWait  *prometheus.Desc
	breakerState        *prometheus.Desc
	breakerFailures     *prometheus.Desc
	breakerRejected     *prometheus.Desc
	breakerOpened       *prometheus.Desc
}

// NewDatabaseCollector creates a collector over source.
func NewDatabaseCollector(namespace string, source StatsSource) *DatabaseCollector {
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
	}
	return &DatabaseCollector{
		source: source,

		connections:         desc("db_pool", "connections", "Open connections by state.", "state"),
		waiting:             desc("db_pool", "waiting", "Callers waiting for a connection."),
		maxConnections:      desc("db_pool", "max_connections", "Configured connection limit."),
		stuck:               desc("db_pool", "stuck_connections", "Connections held past the stale threshold."),
		acquisitions:        desc("db_pool", "acquisitions_total", "Connections handed to callers."),
		releases:            desc("db_pool", "releases_total", "Connections returned by callers."),
		acquireTimeouts:     desc("db_pool", "acquire_timeouts_total", "Acquire calls that timed out in the queue."),
		stuckReclaimed:      desc("db_pool", "stuck_reclaimed_total", "Stuck connections closed and reclaimed."),
		emergencyRecoveries: desc("db_pool", "emergency_recoveries_total", "Emergency recoveries performed."),
		queries:             desc("db_pool", "queries_total", "Statements run on pooled connections."),
		averageAcquireWait:  desc("db_pool", "average_acquire_wait_seconds", "Mean acquisition wait over recent acquisitions."),
		breakerState:        desc("db_breaker", "state", "Circuit breaker state, 1 for the current state.", "state"),
		breakerFailures:     desc("db_breaker", "failures", "Current consecutive failure count."),
		breakerRejected:     desc("db_breaker", "rejected_total", "Calls rejected while the circuit was open."),
		breakerOpened:       desc("db_breaker", "opened_total", "Times the circuit opened."),
	}
}

// Describe implements prometheus.Collector.
func (c *DatabaseCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.connections, c.waiting, c.maxConnections, c.stuck,
		c.acquisitions, c.releases, c.acquireTimeouts, c.stuckReclaimed,
		c.emergencyRecoveries, c.queries, c.averageAcquireWait,
		c.breakerState, c.breakerFailures, c.breakerRejected, c.breakerOpened,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *DatabaseCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Stats()
	p, b := s.Pool, s.Breaker

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}

	gauge(c.connections, float64(p.InUse), "in_use")
	gauge(c.connections, float64(p.Idle), "idle")
	gauge(c.waiting, float64(p.Waiting))
	gauge(c.maxConnections, float64(p.MaxConnections))
	gauge(c.stuck, float64(p.StuckConnections))
	gauge(c.averageAcquireWait, p.AverageAcquireWait.Seconds())
	counter(c.acquisitions, p.TotalAcquisitions)
	counter(c.releases, p.TotalReleases)
	counter(c.acquireTimeouts, p.AcquireTimeouts)
	counter(c.stuckReclaimed, p.StuckReclaimed)
	counter(c.emergencyRecoveries, p.EmergencyRecoveries)
	counter(c.queries, p.TotalQueries)

	for _, st := range []resilience.State{resilience.StateClosed, resilience.StateOpen, resilience.StateHalfOpen} {
		v := 0.0
		if b.State == st {
			v = 1
		}
		gauge(c.breakerState, v, st.String())
	}
	gauge(c.breakerFailures, float64(b.FailureCount))
	counter(c.breakerRejected, b.Rejected)
	counter(c.breakerOpened, b.TimesOpened)
}

// DatabaseObserver returns a database.Observer that records operations on m.
func DatabaseObserver(m *Metrics) database.Observer {
	return func(operation string, err error, duration time.Duration) {
		outcome := "ok"
		switch {
		case err == nil:
		case database.IsUnavailable(err):
			outcome = "unavailable"
		default:
			outcome = "error"
		}
		m.RecordDatabaseOperation(operation, outcome, duration)
	}
}
