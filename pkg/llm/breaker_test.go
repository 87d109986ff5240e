package llm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		require.True(t, cb.Allow())
		cb.RecordFailure()
	}
	assert.Equal(t, BreakerClosed, cb.State())

	require.True(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	// Failures were not consecutive; still closed.
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Second)

	current := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return current }

	cb.RecordFailure()
	require.Equal(t, BreakerOpen, cb.State())
	assert.False(t, cb.Allow())

	// Cool-down elapses: exactly one probe is admitted.
	current = current.Add(11 * time.Second)
	assert.True(t, cb.Allow())
	assert.Equal(t, BreakerHalfOpen, cb.State())
	assert.False(t, cb.Allow(), "second caller must wait for the probe")

	// Probe succeeds: breaker closes.
	cb.RecordSuccess()
	assert.Equal(t, BreakerClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Second)

	current := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return current }

	cb.RecordFailure()
	current = current.Add(11 * time.Second)
	require.True(t, cb.Allow())
	require.Equal(t, BreakerHalfOpen, cb.State())

	// Probe fails: back to open with a fresh cool-down.
	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, cb.State())
	assert.False(t, cb.Allow())

	current = current.Add(9 * time.Second)
	assert.False(t, cb.Allow(), "cool-down restarted by the half-open failure")

	current = current.Add(2 * time.Second)
	assert.True(t, cb.Allow())
}

func TestBreakerTransitionCallback(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Second)

	var transitions []string
	cb.OnTransition(func(from, to BreakerState) {
		transitions = append(transitions, string(from)+"->"+string(to))
	})

	current := time.Unix(0, 0)
	cb.now = func() time.Time { return current }

	cb.RecordFailure()
	current = current.Add(2 * time.Second)
	cb.Allow()
	cb.RecordSuccess()

	assert.Equal(t, []string{
		"closed->open",
		"open->half_open",
		"half_open->closed",
	}, transitions)
}
