package llm

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker's current position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreaker guards the inference dependency. While open, calls fail
// immediately without contacting the dependency until the cool-down
// elapses; then exactly one probe is admitted (half-open) before the
// breaker re-closes or re-opens.
type CircuitBreaker struct {
	mu            sync.Mutex
	state         BreakerState
	failures      int
	threshold     int
	cooldown      time.Duration
	openedAt      time.Time
	probeInFlight bool
	now           func() time.Time
	onTransition  func(from, to BreakerState)
}

// NewCircuitBreaker creates a closed breaker that opens after threshold
// consecutive failures and admits a probe after cooldown.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:     BreakerClosed,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// OnTransition registers a callback invoked whenever the breaker changes
// state. The callback runs under the breaker lock and must not call back
// into the breaker.
func (cb *CircuitBreaker) OnTransition(f func(from, to BreakerState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onTransition = f
}

// Allow reports whether a call may proceed. In half-open it admits exactly
// one probe; concurrent callers are refused until the probe resolves.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if cb.now().Sub(cb.openedAt) >= cb.cooldown {
			cb.transitionLocked(BreakerHalfOpen)
			cb.probeInFlight = true
			return true
		}
		return false
	case BreakerHalfOpen:
		if cb.probeInFlight {
			return false
		}
		cb.probeInFlight = true
		return true
	}
	return false
}

// RecordSuccess resets the failure counter and closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.probeInFlight = false
	if cb.state != BreakerClosed {
		cb.transitionLocked(BreakerClosed)
	}
}

// RecordFailure counts one failure. Crossing the threshold opens the
// breaker; a failure while half-open re-opens it and restarts the
// cool-down.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerHalfOpen {
		cb.probeInFlight = false
		cb.openedAt = cb.now()
		cb.transitionLocked(BreakerOpen)
		return
	}

	cb.failures++
	if cb.state == BreakerClosed && cb.failures >= cb.threshold {
		cb.openedAt = cb.now()
		cb.transitionLocked(BreakerOpen)
	}
}

// State returns the current state for observability snapshots.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) transitionLocked(to BreakerState) {
	from := cb.state
	cb.state = to
	if cb.onTransition != nil && from != to {
		cb.onTransition(from, to)
	}
}
