// Package resilience provides a circuit breaker for calls to flaky upstreams.
// dirgate wraps directory dials with one so a directory server that stops
// answering is failed fast instead of burning a full timeout per request.
package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// CircuitState represents the state of a circuit breaker
type CircuitState string

const (
	StateClosed   CircuitState = "closed"
	StateOpen     CircuitState = "open"
	StateHalfOpen CircuitState = "half-open"
)

// ErrOpen is wrapped into the error returned while the circuit is open and
// the reset timeout has not elapsed.
var ErrOpen = errors.New("circuit breaker open")

var (
	cbStateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dirgate",
			Name:      "circuit_breaker_state",
			Help:      "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	cbTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dirgate",
			Name:      "circuit_breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	cbRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dirgate",
			Name:      "circuit_breaker_requests_total",
			Help:      "Total requests through circuit breaker",
		},
		[]string{"name", "result"},
	)
)

func stateToFloat(s CircuitState) float64 {
	switch s {
	case StateClosed:
		return 0
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// CircuitBreakerConfig configures a CircuitBreaker
type CircuitBreakerConfig struct {
	Name         string
	Threshold    int           // failures before opening
	ResetTimeout time.Duration // how long to wait before half-open
	Logger       *zap.Logger
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failures     int
	threshold    int
	resetTimeout time.Duration
	lastFailure  time.Time
	state        CircuitState
	logger       *zap.Logger
}

// NewCircuitBreaker creates a new CircuitBreaker with the given configuration
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	cb := &CircuitBreaker{
		name:         cfg.Name,
		threshold:    cfg.Threshold,
		resetTimeout: cfg.ResetTimeout,
		state:        StateClosed,
		logger:       cfg.Logger,
	}
	cbStateGauge.WithLabelValues(cfg.Name).Set(0)
	return cb
}

// Execute runs fn through the circuit breaker. If the circuit is open and the
// reset timeout has not elapsed, it returns an ErrOpen-wrapped error without
// calling fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.transition(StateHalfOpen)
		} else {
			retryAt := cb.lastFailure.Add(cb.resetTimeout)
			cb.mu.Unlock()
			cbRequestsTotal.WithLabelValues(cb.name, "rejected").Inc()
			return fmt.Errorf("%w: %s blocked until %s", ErrOpen, cb.name, retryAt.Format(time.RFC3339))
		}
	case StateHalfOpen:
		// Allow one request through to test recovery
	case StateClosed:
		// Normal operation
	}

	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.lastFailure = time.Now()
		cb.logger.Warn("Circuit breaker recorded failure",
			zap.String("name", cb.name),
			zap.Int("failures", cb.failures),
			zap.Int("threshold", cb.threshold),
			zap.String("state", string(cb.state)),
			zap.Error(err))

		if cb.state == StateHalfOpen || cb.failures >= cb.threshold {
			cb.transition(StateOpen)
			cb.logger.Error("Circuit breaker opened",
				zap.String("name", cb.name),
				zap.Int("failures", cb.failures),
				zap.Duration("reset_timeout", cb.resetTimeout))
		}
		cbRequestsTotal.WithLabelValues(cb.name, "failure").Inc()
		return err
	}

	if cb.state == StateHalfOpen {
		cb.logger.Info("Circuit breaker recovered, transitioning to closed",
			zap.String("name", cb.name))
	}
	cb.failures = 0
	cb.transition(StateClosed)
	cbRequestsTotal.WithLabelValues(cb.name, "success").Inc()
	return nil
}

// transition changes state and records metrics (must be called with lock held)
func (cb *CircuitBreaker) transition(to CircuitState) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cbStateGauge.WithLabelValues(cb.name).Set(stateToFloat(to))
	cbTransitionsTotal.WithLabelValues(cb.name, string(from), string(to)).Inc()
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset resets the circuit breaker to its initial closed state. dirgate calls
// this when the directory configuration changes: failures against the old
// endpoint say nothing about the new one.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.transition(StateClosed)
	cb.lastFailure = time.Time{}
	cb.logger.Info("Circuit breaker reset to closed state", zap.String("name", cb.name))
}
