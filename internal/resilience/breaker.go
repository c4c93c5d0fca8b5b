// Package resilience implements the circuit breaker that guards every
// operation against the remote store.
//
// The breaker counts consecutive failures. Once FailureThreshold is reached it
// opens. By default an open breaker does not reject: the very next call is let
// through as a half-open probe. A successful probe closes the circuit; a
// failed one re-opens it once the failure count is back at the threshold.
// Setting Cooldown gives the conventional behaviour instead, where an open
// breaker rejects with ErrCircuitOpen until the cooldown has elapsed and a
// failed probe re-opens it at once.
package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"github.com/astroforum/service_layer/internal/logging"
)

// ErrCircuitOpen is returned when the circuit is open and a cooldown is
// configured.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// =============================================================================
// State
// =============================================================================

// State represents the state of a circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name as written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "closed":
		*s = StateClosed
	case "open":
		*s = StateOpen
	case "half-open":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("unknown circuit state %q", text)
	}
	return nil
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures circuit breaker behavior.
type Config struct {
	// Name identifies the breaker in logs and metrics
	Name string `yaml:"name"`
	// FailureThreshold is the number of consecutive failures before opening the circuit
	FailureThreshold int `yaml:"failure_threshold"`
	// MonitoringPeriod is how long after the last failure the failure count decays to zero
	MonitoringPeriod time.Duration `yaml:"monitoring_period"`
	// Cooldown is how long the circuit rejects calls after opening. Zero means
	// the next call after opening is attempted immediately as a probe.
	Cooldown time.Duration `yaml:"cooldown"`
	// IsFailure decides whether an error counts as a failure. Defaults to any non-nil error.
	IsFailure func(err error) bool `yaml:"-"`
	// OnStateChange is called after the circuit state changes, outside the breaker lock
	OnStateChange func(from, to State) `yaml:"-"`
}

// DefaultConfig returns the defaults used by the database layer.
func DefaultConfig() Config {
	return Config{
		Name:             "database",
		FailureThreshold: 5,
		MonitoringPeriod: 60 * time.Second,
	}
}

// Option configures a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(cb *CircuitBreaker) { cb.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(cb *CircuitBreaker) { cb.logger = l }
}

// =============================================================================
// Circuit Breaker
// =============================================================================

// Snapshot is the externally visible breaker state.
type Snapshot struct {
	State           State     `json:"state"`
	FailureCount    int       `json:"failureCount"`
	LastFailureTime time.Time `json:"lastFailureTime"`
}

// Stats extends Snapshot with lifetime counters.
type Stats struct {
	Snapshot
	TotalCalls     int64  `json:"totalCalls"`
	TotalSuccesses int64  `json:"totalSuccesses"`
	TotalFailures  int64  `json:"totalFailures"`
	Rejected       int64  `json:"rejected"`
	TimesOpened    int64  `json:"timesOpened"`
	LastError      string `json:"lastError,omitempty"`
}

// CircuitBreaker implements the circuit breaker pattern. It is safe for
// concurrent use; the guarded operation always runs outside the lock.
type CircuitBreaker struct {
	mu sync.Mutex

	config Config
	clock  clock.Clock
	logger *logging.Logger

	state           State
	failures        int
	lastFailureTime time.Time
	openedAt        time.Time
	probing         bool
	lastError       error

	totalCalls     int64
	totalSuccesses int64
	totalFailures  int64
	rejected       int64
	timesOpened    int64
}

type transition struct {
	from, to State
}

// New creates a new circuit breaker.
func New(config Config, opts ...Option) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.Name == "" {
		config.Name = DefaultConfig().Name
	}

	cb := &CircuitBreaker{
		config: config,
		clock:  clock.WallClock,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	if cb.logger == nil {
		cb.logger = logging.NewDiscard()
	}
	return cb
}

// Name returns the configured breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// Execute runs fn through the breaker. The error returned by fn is always
// passed back unchanged.
func Execute[T any](cb *CircuitBreaker, fn func() (T, error)) (result T, err error) {
	if err := cb.before(); err != nil {
		var zero T
		return zero, err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.after(fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	result, err = fn()
	cb.after(err)
	return result, err
}

// Do runs fn through the breaker.
func (cb *CircuitBreaker) Do(fn func() error) error {
	_, err := Execute(cb, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// State returns the current state after applying failure decay.
func (cb *CircuitBreaker) State() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.decayLocked()
	return cb.snapshotLocked()
}

// Stats returns the current state and lifetime counters after applying
// failure decay.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.decayLocked()
	stats := Stats{
		Snapshot:       cb.snapshotLocked(),
		TotalCalls:     cb.totalCalls,
		TotalSuccesses: cb.totalSuccesses,
		TotalFailures:  cb.totalFailures,
		Rejected:       cb.rejected,
		TimesOpened:    cb.timesOpened,
	}
	if cb.lastError != nil {
		stats.LastError = cb.lastError.Error()
	}
	return stats
}

// Reset forces the breaker closed with a zero failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	var changes []transition
	cb.failures = 0
	cb.probing = false
	if cb.state != StateClosed {
		changes = append(changes, cb.transitionLocked(StateClosed))
	}
	cb.mu.Unlock()

	cb.logger.WithFields(map[string]interface{}{
		"breaker": cb.config.Name,
	}).Info("circuit breaker reset")
	cb.notify(changes)
}

// =============================================================================
// Internal Methods
// =============================================================================

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	var changes []transition

	cb.totalCalls++

	switch cb.state {
	case StateOpen:
		if cb.config.Cooldown > 0 && cb.clock.Now().Sub(cb.openedAt) < cb.config.Cooldown {
			cb.rejected++
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		changes = append(changes, cb.transitionLocked(StateHalfOpen))
		if cb.config.Cooldown > 0 {
			cb.probing = true
		}
	case StateHalfOpen:
		if cb.config.Cooldown > 0 {
			if cb.probing {
				cb.rejected++
				cb.mu.Unlock()
				return ErrCircuitOpen
			}
			cb.probing = true
		}
	}
	cb.mu.Unlock()

	cb.notify(changes)
	return nil
}

func (cb *CircuitBreaker) after(err error) {
	cb.mu.Lock()
	var changes []transition

	cb.probing = false

	if !cb.isFailure(err) {
		cb.totalSuccesses++
		cb.failures = 0
		if cb.state != StateClosed {
			changes = append(changes, cb.transitionLocked(StateClosed))
		}
		cb.mu.Unlock()
		cb.notify(changes)
		return
	}

	cb.totalFailures++
	cb.failures++
	cb.lastFailureTime = cb.clock.Now()
	cb.lastError = err

	// A failed probe stays half-open until the count reaches the threshold
	// again, unless the strict cooldown variant is in use.
	switch {
	case cb.state == StateOpen:
	case cb.failures >= cb.config.FailureThreshold:
		changes = append(changes, cb.transitionLocked(StateOpen))
	case cb.state == StateHalfOpen && cb.config.Cooldown > 0:
		changes = append(changes, cb.transitionLocked(StateOpen))
	}
	cb.mu.Unlock()

	cb.notify(changes)
}

func (cb *CircuitBreaker) isFailure(err error) bool {
	if err == nil {
		return false
	}
	if cb.config.IsFailure != nil {
		return cb.config.IsFailure(err)
	}
	return true
}

// decayLocked clears stale failures. The state is left unchanged.
func (cb *CircuitBreaker) decayLocked() {
	if cb.failures == 0 || cb.config.MonitoringPeriod <= 0 {
		return
	}
	if cb.clock.Now().Sub(cb.lastFailureTime) <= cb.config.MonitoringPeriod {
		return
	}

	cb.logger.WithFields(map[string]interface{}{
		"breaker":  cb.config.Name,
		"failures": cb.failures,
		"state":    cb.state.String(),
	}).Debug("circuit breaker failure count decayed")
	cb.failures = 0
}

func (cb *CircuitBreaker) snapshotLocked() Snapshot {
	return Snapshot{
		State:           cb.state,
		FailureCount:    cb.failures,
		LastFailureTime: cb.lastFailureTime,
	}
}

func (cb *CircuitBreaker) transitionLocked(newState State) transition {
	oldState := cb.state
	cb.state = newState

	if newState == StateOpen {
		cb.openedAt = cb.clock.Now()
		cb.timesOpened++
	}
	return transition{from: oldState, to: newState}
}

func (cb *CircuitBreaker) notify(changes []transition) {
	for _, t := range changes {
		level := logrus.InfoLevel
		if t.to == StateOpen {
			level = logrus.WarnLevel
		}
		cb.logger.WithFields(map[string]interface{}{
			"breaker": cb.config.Name,
			"from":    t.from.String(),
			"to":      t.to.String(),
		}).Log(level, "circuit breaker state changed")

		if cb.config.OnStateChange != nil {
			cb.config.OnStateChange(t.from, t.to)
		}
	}
}
