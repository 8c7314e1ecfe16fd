package dispatcher

import (
	"sync"
	"time"
)

// CircuitBreaker tracks per-action failure state: it opens after
// consecutive failures reach failureThreshold; once resetTimeout has
// elapsed since the last failure, the next Allow closes it again with
// the failure count reset. Independent instances are kept per action by
// Dispatcher so one action's outage never throttles another's.
type CircuitBreaker struct {
	failureThreshold int
	resetTimeout     time.Duration

	mu            sync.Mutex
	failureCount  int
	open          bool
	lastFailureAt time.Time
}

// NewCircuitBreaker creates a breaker with the given thresholds.
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
	}
}

// Allow reports whether a request may proceed, and if not, how much
// longer the cool-down has left. Allow also performs the half-open
// transition: once resetTimeout has elapsed it returns the breaker to
// closed state with failure_count = 0 before granting the probe.
func (b *CircuitBreaker) Allow() (allowed bool, retryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return true, 0
	}

	elapsed := time.Since(b.lastFailureAt)
	if elapsed >= b.resetTimeout {
		b.open = false
		b.failureCount = 0
		return true, 0
	}
	return false, b.resetTimeout - elapsed
}

// RecordSuccess resets the counter and closes the circuit.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.open = false
}

// RecordFailure increments the failure counter and opens the circuit
// once it reaches the threshold.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount++
	b.lastFailureAt = time.Now()
	if b.failureCount >= b.failureThreshold {
		b.open = true
	}
}
