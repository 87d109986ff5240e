package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/returnably/core/pkg/contracts"
)

func openTestSeenSet(t *testing.T, ttl time.Duration) *SQLiteSeenSet {
	t.Helper()
	s, err := OpenSeenSet(filepath.Join(t.TempDir(), "seen.db"), ttl)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSeenSetFirstThenDuplicate(t *testing.T) {
	s := openTestSeenSet(t, time.Hour)
	ctx := context.Background()
	key := contracts.IdempotencyKey("k1")

	seen, err := s.MarkSeen(ctx, key)
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = s.MarkSeen(ctx, key)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestSeenSetExpiry(t *testing.T) {
	s := openTestSeenSet(t, time.Minute)
	ctx := context.Background()
	key := contracts.IdempotencyKey("k1")

	base := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	seen, err := s.MarkSeen(ctx, key)
	require.NoError(t, err)
	assert.False(t, seen)

	// Still inside the window.
	s.now = func() time.Time { return base.Add(30 * time.Second) }
	seen, err = s.MarkSeen(ctx, key)
	require.NoError(t, err)
	assert.True(t, seen)

	// Outside the window the key is new again.
	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	seen, err = s.MarkSeen(ctx, key)
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestSeenSetSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seen.db")
	ctx := context.Background()
	key := contracts.IdempotencyKey("k1")

	s, err := OpenSeenSet(path, time.Hour)
	require.NoError(t, err)
	seen, err := s.MarkSeen(ctx, key)
	require.NoError(t, err)
	assert.False(t, seen)
	require.NoError(t, s.Close())

	s, err = OpenSeenSet(path, time.Hour)
	require.NoError(t, err)
	defer s.Close()
	seen, err = s.MarkSeen(ctx, key)
	require.NoError(t, err)
	assert.True(t, seen, "the window must survive a restart")
}

func TestSeenSetForgetReadmitsKey(t *testing.T) {
	s := openTestSeenSet(t, time.Hour)
	ctx := context.Background()
	key := contracts.IdempotencyKey("k1")

	seen, err := s.MarkSeen(ctx, key)
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, s.Forget(ctx, key))

	seen, err = s.MarkSeen(ctx, key)
	require.NoError(t, err)
	assert.False(t, seen, "a forgotten key is admitted again")
}
