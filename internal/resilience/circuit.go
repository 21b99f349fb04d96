// Package resilience provides circuit breaker and retry patterns for provider
// and research calls.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state; requests flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means too many failures; requests are rejected immediately.
	CircuitOpen
	// CircuitHalfOpen admits a limited number of trial requests.
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

// MarshalText renders the state name in JSON snapshots.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrCircuitOpen is the sentinel matched by errors.Is for every rejection.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitOpenError is returned when a call is rejected without reaching the
// dependency. It is distinct from a dependency failure and never counts as a
// retry attempt.
type CircuitOpenError struct {
	Service string
	State   CircuitState
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker for %s is %s", e.Service, e.State)
}

func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// IsCircuitOpen reports whether err is a breaker rejection.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening
	// the circuit. Default: 5.
	FailureThreshold int

	// SuccessThreshold is the number of successful trials required in
	// half-open state before closing the circuit. Default: 1.
	SuccessThreshold int

	// ResetTimeout is how long the circuit stays open before transitioning
	// to half-open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMaxCalls caps concurrent in-flight trials while half-open.
	// Default: SuccessThreshold.
	HalfOpenMaxCalls int

	// ShouldTrip optionally overrides the default check. If nil, every error
	// except a PermanentError or caller cancellation counts toward the
	// failure threshold.
	ShouldTrip func(err error) bool

	// OnStateChange is called when the circuit transitions between states.
	OnStateChange func(service string, from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		ResetTimeout:     30 * time.Second,
	}
}

func (cfg CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = cfg.SuccessThreshold
	}
	return cfg
}

// BreakerState is a point-in-time view of one breaker.
type BreakerState struct {
	Service              string        `json:"service"`
	State                CircuitState  `json:"state"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	LastFailure          time.Time     `json:"last_failure,omitempty"`
	FailureThreshold     int           `json:"failure_threshold"`
	SuccessThreshold     int           `json:"success_threshold"`
	ResetTimeout         time.Duration `json:"reset_timeout_ns"`
}

// CircuitBreaker implements the circuit breaker pattern for a single service.
type CircuitBreaker struct {
	service string
	cfg     CircuitBreakerConfig
	mu      sync.Mutex
	state   CircuitState

	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenSuccesses   int
	halfOpenInFlight    int

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCircuitBreaker creates a circuit breaker for service with the given config.
func NewCircuitBreaker(service string, cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		service: service,
		cfg:     cfg.withDefaults(),
		state:   CircuitClosed,
		nowFunc: time.Now,
	}
}

// Service returns the name of the guarded dependency.
func (cb *CircuitBreaker) Service() string { return cb.service }

// Execute runs fn through the circuit breaker. Returns a *CircuitOpenError
// without calling fn if the circuit is open or the half-open trial budget
// is exhausted.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.allowRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.recordResult(err)
	return err
}

// ExecuteVal is like Execute but preserves a return value.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.allowRequest(); err != nil {
		return zero, err
	}

	val, err := fn(ctx)
	cb.recordResult(err)
	return val, err
}

// State returns the current circuit state. An open circuit whose reset
// timeout has elapsed reports half-open; the transition itself happens on
// the next request.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.nowFunc().Sub(cb.lastFailureTime) >= cb.cfg.ResetTimeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// Snapshot returns the breaker's counters and configuration.
func (cb *CircuitBreaker) Snapshot() BreakerState {
	state := cb.State()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerState{
		Service:              cb.service,
		State:                state,
		ConsecutiveFailures:  cb.consecutiveFailures,
		ConsecutiveSuccesses: cb.halfOpenSuccesses,
		LastFailure:          cb.lastFailureTime,
		FailureThreshold:     cb.cfg.FailureThreshold,
		SuccessThreshold:     cb.cfg.SuccessThreshold,
		ResetTimeout:         cb.cfg.ResetTimeout,
	}
}

// Reset forces the circuit back to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.halfOpenSuccesses = 0
	cb.halfOpenInFlight = 0
	if cb.state != CircuitClosed {
		cb.transition(CircuitClosed)
	}
}

// Counters returns the current failure count and state for observability.
func (cb *CircuitBreaker) Counters() (consecutiveFailures int, state CircuitState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFailures, cb.state
}

func (cb *CircuitBreaker) allowRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.nowFunc().Sub(cb.lastFailureTime) < cb.cfg.ResetTimeout {
			return &CircuitOpenError{Service: cb.service, State: CircuitOpen}
		}
		cb.transition(CircuitHalfOpen)
		cb.halfOpenSuccesses = 0
		cb.halfOpenInFlight = 0
		fallthrough
	case CircuitHalfOpen:
		if cb.halfOpenInFlight >= cb.cfg.HalfOpenMaxCalls {
			return &CircuitOpenError{Service: cb.service, State: CircuitHalfOpen}
		}
		cb.halfOpenInFlight++
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}

	shouldTrip := cb.cfg.ShouldTrip
	if shouldTrip == nil {
		shouldTrip = defaultShouldTrip
	}

	if err == nil || !shouldTrip(err) {
		switch cb.state {
		case CircuitHalfOpen:
			cb.halfOpenSuccesses++
			if cb.halfOpenSuccesses >= cb.cfg.SuccessThreshold {
				cb.transition(CircuitClosed)
				cb.consecutiveFailures = 0
				cb.halfOpenSuccesses = 0
			}
		case CircuitClosed:
			cb.consecutiveFailures = 0
		}
		return
	}

	cb.consecutiveFailures++
	cb.lastFailureTime = cb.nowFunc()

	switch cb.state {
	case CircuitClosed:
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		// Any failure in half-open reopens the circuit.
		cb.transition(CircuitOpen)
		cb.halfOpenSuccesses = 0
		cb.halfOpenInFlight = 0
	}
}

func defaultShouldTrip(err error) bool {
	return !IsPermanent(err) && !errors.Is(err, context.Canceled)
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.service, from, to)
	}
}
