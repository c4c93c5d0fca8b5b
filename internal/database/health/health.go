// Package health classifies pool and breaker state for monitoring.
package health

import (
	"fmt"

	"github.com/astroforum/service_layer/internal/database/pool"
	"github.com/astroforum/service_layer/internal/resilience"
)

// Status is the overall health classification.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// Thresholds tune the classification.
type Thresholds struct {
	// Warning and Critical are utilization percentages; status escalates when
	// utilization is strictly above them.
	Warning  float64 `yaml:"warning"`
	Critical float64 `yaml:"critical"`
	// HighUtilization triggers the capacity recommendation.
	HighUtilization float64 `yaml:"high_utilization"`
	// WaitingQueue is the backlog length above which callers are queuing up.
	WaitingQueue int `yaml:"waiting_queue"`
}

// DefaultThresholds returns the standard thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:         70,
		Critical:        90,
		HighUtilization: 85,
		WaitingQueue:    5,
	}
}

// Report is the derived health of the database layer.
type Report struct {
	Status             Status           `json:"status"`
	UtilizationPercent float64          `json:"utilizationPercent"`
	InUse              int              `json:"inUse"`
	MaxConnections     int              `json:"maxConnections"`
	Waiting            int              `json:"waiting"`
	StuckConnections   int              `json:"stuckConnections"`
	Breaker            resilience.State `json:"breaker"`
	Recommendations    []string         `json:"recommendations"`
}

// Evaluate derives a Report. It is a pure function of its inputs.
func Evaluate(stats pool.Stats, breaker resilience.Snapshot, t Thresholds) Report {
	r := Report{
		Status:           StatusHealthy,
		InUse:            stats.InUse,
		MaxConnections:   stats.MaxConnections,
		Waiting:          stats.Waiting,
		StuckConnections: stats.StuckConnections,
		Breaker:          breaker.State,
		Recommendations:  []string{},
	}
	if stats.MaxConnections > 0 {
		r.UtilizationPercent = float64(stats.InUse) / float64(stats.MaxConnections) * 100
	}

	switch {
	case r.UtilizationPercent > t.Critical:
		r.Status = StatusCritical
	case r.UtilizationPercent > t.Warning:
		r.Status = StatusWarning
	}

	if stats.StuckConnections > 0 {
		r.Recommendations = append(r.Recommendations, fmt.Sprintf(
			"%d stuck connection(s) detected: a caller is not releasing connections; run a sweep or emergency recovery",
			stats.StuckConnections))
	}
	if stats.Waiting > t.WaitingQueue {
		r.Recommendations = append(r.Recommendations, fmt.Sprintf(
			"%d callers waiting for a connection: backlog is building", stats.Waiting))
	}
	if r.UtilizationPercent > t.HighUtilization {
		r.Recommendations = append(r.Recommendations, fmt.Sprintf(
			"utilization at %.0f%%: consider raising max_connections above %d",
			r.UtilizationPercent, stats.MaxConnections))
	}
	if breaker.State == resilience.StateOpen {
		r.Recommendations = append(r.Recommendations,
			"circuit breaker is open: the database is failing or unreachable")
	}
	return r
}
