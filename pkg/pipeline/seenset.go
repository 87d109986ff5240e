package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/returnably/core/pkg/contracts"
)

// SeenSet records idempotency keys so re-delivered messages are rejected
// before any paid stage runs.
type SeenSet interface {
	// MarkSeen atomically records the key and reports whether it was
	// already present.
	MarkSeen(ctx context.Context, key contracts.IdempotencyKey) (bool, error)
	// Forget releases a recorded key, so a message rejected for a
	// transient reason can be resubmitted within the TTL.
	Forget(ctx context.Context, key contracts.IdempotencyKey) error
}

// MemorySeenSet is the in-process SeenSet. Entries expire after a TTL and
// the set is bounded; when full, the oldest entry is evicted. Restarting
// the process forgets the window, which the durable sqlite-backed set
// exists to avoid.
type MemorySeenSet struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[contracts.IdempotencyKey]time.Time
	now     func() time.Time
}

// NewMemorySeenSet creates a bounded in-memory seen-set. Non-positive max
// falls back to a sane floor.
func NewMemorySeenSet(ttl time.Duration, max int) *MemorySeenSet {
	if max <= 0 {
		max = 1024
	}
	return &MemorySeenSet{
		ttl:     ttl,
		max:     max,
		entries: make(map[contracts.IdempotencyKey]time.Time),
		now:     time.Now,
	}
}

func (s *MemorySeenSet) MarkSeen(_ context.Context, key contracts.IdempotencyKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if at, ok := s.entries[key]; ok && now.Sub(at) <= s.ttl {
		return true, nil
	}

	s.pruneLocked(now)
	s.entries[key] = now
	return false, nil
}

func (s *MemorySeenSet) Forget(_ context.Context, key contracts.IdempotencyKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Len reports the live entry count, for observability snapshots.
func (s *MemorySeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemorySeenSet) pruneLocked(now time.Time) {
	for key, at := range s.entries {
		if now.Sub(at) > s.ttl {
			delete(s.entries, key)
		}
	}
	for len(s.entries) >= s.max {
		var oldestKey contracts.IdempotencyKey
		var oldestAt time.Time
		first := true
		for key, at := range s.entries {
			if first || at.Before(oldestAt) {
				oldestKey, oldestAt, first = key, at, false
			}
		}
		delete(s.entries, oldestKey)
	}
}
