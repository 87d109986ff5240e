package llm

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// RetryPolicy is a declarative description of the bounded retry loop: a
// fixed small number of attempts with exponential backoff and jitter,
// retrying only failure classes the predicate accepts.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxJitter   time.Duration
	Retriable   func(error) bool
}

// DefaultRetryPolicy returns the standard policy for inference calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		MaxJitter:   200 * time.Millisecond,
		Retriable:   IsRetriable,
	}
}

// Backoff returns the delay before the given attempt (0-based; attempt 0
// has no delay). Jitter is deterministic in (seed, attempt) so retry
// schedules are reproducible in tests and replay.
func (p RetryPolicy) Backoff(attempt int, seed string) time.Duration {
	if attempt <= 0 {
		return 0
	}

	// base * 2^(attempt-1), capped to avoid overflow
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	delay := p.BaseDelay * time.Duration(int64(1)<<shift)
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	return delay + p.jitter(attempt, seed)
}

func (p RetryPolicy) jitter(attempt int, seed string) time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", seed, attempt)))
	basis := binary.BigEndian.Uint64(sum[:8])
	return time.Duration(basis % uint64(p.MaxJitter))
}
