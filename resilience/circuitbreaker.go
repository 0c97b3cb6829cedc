// Package resilience provides the circuit breaker and retry helpers shared
// by the trace client's outbound HTTP calls and the optimizer's retried
// cycle stages. The breaker follows the teacher framework's
// closed/open/half-open state machine and sliding failure window, scaled
// down to the single-endpoint-per-breaker shape this system needs.
package resilience

import (
	"context"
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the failure-rate window and recovery timing.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of failures within Window that trips
	// the breaker from closed to open.
	FailureThreshold int
	Window           time.Duration
	// RecoveryTimeout is how long the breaker stays open before allowing a
	// single half-open probe.
	RecoveryTimeout time.Duration
	// HalfOpenSuccesses is the number of consecutive probe successes
	// required to close the breaker again.
	HalfOpenSuccesses int
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  5,
		Window:            30 * time.Second,
		RecoveryTimeout:   30 * time.Second,
		HalfOpenSuccesses: 2,
	}
}

// CircuitBreaker guards a single outbound dependency. It tracks failures in
// a sliding time window rather than a simple counter, so a burst of errors
// ages out instead of permanently tripping the breaker.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu             sync.Mutex
	state          State
	failures       []time.Time
	openedAt       time.Time
	halfOpenOK     int
	halfOpenActive bool
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg, state: Closed}
}

// CanExecute reports whether a call should be attempted right now, and
// transitions Open->HalfOpen once the recovery timeout has elapsed.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Closed:
		return true
	case Open:
		if time.Since(cb.openedAt) >= cb.cfg.RecoveryTimeout {
			cb.state = HalfOpen
			cb.halfOpenActive = false
			cb.halfOpenOK = 0
			return cb.tryEnterHalfOpenLocked()
		}
		return false
	case HalfOpen:
		return cb.tryEnterHalfOpenLocked()
	}
	return false
}

// tryEnterHalfOpenLocked allows exactly one in-flight probe at a time while
// half-open, so concurrent callers don't all hammer the recovering dependency.
func (cb *CircuitBreaker) tryEnterHalfOpenLocked() bool {
	if cb.halfOpenActive {
		return false
	}
	cb.halfOpenActive = true
	return true
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case HalfOpen:
		cb.halfOpenActive = false
		cb.halfOpenOK++
		if cb.halfOpenOK >= cb.cfg.HalfOpenSuccesses {
			cb.state = Closed
			cb.failures = nil
		}
	case Closed:
		// prune aged-out failures on every call to keep the window honest
		cb.pruneLocked()
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	switch cb.state {
	case HalfOpen:
		cb.halfOpenActive = false
		cb.state = Open
		cb.openedAt = now
		cb.halfOpenOK = 0
	case Closed:
		cb.failures = append(cb.failures, now)
		cb.pruneLocked()
		if len(cb.failures) >= cb.cfg.FailureThreshold {
			cb.state = Open
			cb.openedAt = now
			cb.failures = nil
		}
	}
}

func (cb *CircuitBreaker) pruneLocked() {
	cutoff := time.Now().Add(-cb.cfg.Window)
	kept := cb.failures[:0]
	for _, t := range cb.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cb.failures = kept
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// ErrCircuitOpen is returned by Execute when the breaker denies the call.
type ErrCircuitOpen struct{}

func (ErrCircuitOpen) Error() string { return "circuit breaker open" }

// Execute runs fn if the breaker allows it, recording the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.CanExecute() {
		return ErrCircuitOpen{}
	}
	err := fn(ctx)
	if err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}
