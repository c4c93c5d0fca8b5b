// Package metrics exposes Prometheus metrics for the service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's collectors on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	dbOperations *prometheus.CounterVec
	dbDuration   *prometheus.HistogramVec
}

// New creates the collectors under namespace and registers them, together
// with the Go runtime and process collectors.
func New(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		httpInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "inflight_requests",
				Help:      "Current number of in-flight HTTP requests.",
			},
		),

		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests handled.",
			},
			[]string{"service", "method", "path", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
			},
			[]string{"service", "method", "path"},
		),

		dbOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "database",
				Name:      "operations_total",
				Help:      "Total number of database operations by outcome.",
			},
			[]string{"operation", "outcome"},
		),

		dbDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "database",
				Name:      "operation_duration_seconds",
				Help:      "Duration of database operations, including connection acquisition.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
			},
			[]string{"operation"},
		),
	}

	m.registry.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.dbOperations,
		m.dbDuration,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MustRegister registers additional collectors.
func (m *Metrics) MustRegister(cs ...prometheus.Collector) {
	m.registry.MustRegister(cs...)
}

// Handler returns an HTTP handler exposing the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// IncrementInFlight increments the in-flight request gauge.
func (m *Metrics) IncrementInFlight() {
	m.httpInFlight.Inc()
}

// DecrementInFlight decrements the in-flight request gauge.
func (m *Metrics) DecrementInFlight() {
	m.httpInFlight.Dec()
}

// RecordHTTPRequest records one handled request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.httpRequests.WithLabelValues(service, method, path, status).Inc()
	m.httpDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordDatabaseOperation records one database operation. Outcome is one of
// "ok", "error" or "unavailable".
func (m *Metrics) RecordDatabaseOperation(operation, outcome string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Microsecond
	}
	m.dbOperations.WithLabelValues(operation, outcome).Inc()
	m.dbDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
