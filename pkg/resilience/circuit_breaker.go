package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"geotask/pkg/logger"
	"geotask/pkg/metrics"
)

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit
	FailureThreshold int
	// SuccessThreshold is the number of successes needed to close the circuit from half-open
	SuccessThreshold int
	// Timeout is the duration the circuit stays open before transitioning to half-open
	Timeout time.Duration
	// MaxRequests is the max number of requests allowed through in half-open state
	MaxRequests int
	// IsFailure decides which errors count against the circuit. Nil counts
	// every error except context cancellation by the caller.
	IsFailure func(error) bool
}

// DefaultCircuitBreakerConfig returns sensible defaults for the job service.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		MaxRequests:      3,
	}
}

// CircuitBreaker stops calls to a dependency that keeps failing, so poll
// loops fail fast instead of piling up requests behind a dead job service.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	now    func() time.Time
	log    *zap.Logger

	mu               sync.Mutex
	state            CircuitState
	failures         int
	successes        int
	halfOpenRequests int
	openedAt         time.Time
}

// Option customizes a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// WithLogger sets the logger used for state transitions.
func WithLogger(l *zap.Logger) Option {
	return func(cb *CircuitBreaker) { cb.log = l }
}

// NewCircuitBreaker creates a new circuit breaker with the given name and config
func NewCircuitBreaker(name string, config CircuitBreakerConfig, opts ...Option) *CircuitBreaker {
	if config.IsFailure == nil {
		config.IsFailure = defaultIsFailure
	}
	cb := &CircuitBreaker{
		name:   name,
		config: config,
		now:    time.Now,
		log:    logger.Named("breaker"),
		state:  CircuitClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.log = cb.log.With(zap.String("breaker", name))
	metrics.BreakerState.WithLabelValues(name).Set(float64(CircuitClosed))
	return cb
}

func defaultIsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// Name returns the breaker's name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// currentState promotes an expired open circuit to half-open (must hold lock)
func (cb *CircuitBreaker) currentState() CircuitState {
	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) >= cb.config.Timeout {
		cb.transition(CircuitHalfOpen)
	}
	return cb.state
}

// Execute runs fn with circuit breaker protection. A context that is already
// done is reported without calling fn or touching the circuit.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn()

	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case CircuitOpen:
		return ErrCircuitOpen
	case CircuitHalfOpen:
		if cb.halfOpenRequests >= cb.config.MaxRequests {
			return ErrCircuitOpen
		}
		cb.halfOpenRequests++
	}
	return nil
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && cb.config.IsFailure(err) {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.successes = 0

	switch cb.currentState() {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		// Any failure in half-open reopens the circuit
		cb.transition(CircuitOpen)
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.currentState() {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transition(CircuitClosed)
		}
	}
}

// transition moves to state and resets the per-state counters (must hold lock).
func (cb *CircuitBreaker) transition(state CircuitState) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	cb.halfOpenRequests = 0
	switch state {
	case CircuitOpen:
		cb.openedAt = cb.now()
	case CircuitClosed:
		cb.failures = 0
		cb.successes = 0
	case CircuitHalfOpen:
		cb.successes = 0
	}
	metrics.BreakerState.WithLabelValues(cb.name).Set(float64(state))
	cb.log.Info("circuit breaker state changed",
		zap.Stringer("from", prev),
		zap.Stringer("to", state),
		zap.Int("failures", cb.failures),
	)
}

// Reset resets the circuit breaker to its initial state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(CircuitClosed)
	cb.failures = 0
	cb.successes = 0
}

// Metrics returns current circuit breaker metrics
func (cb *CircuitBreaker) Metrics() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]interface{}{
		"name":      cb.name,
		"state":     cb.currentState().String(),
		"failures":  cb.failures,
		"successes": cb.successes,
		"openedAt":  cb.openedAt,
	}
}
