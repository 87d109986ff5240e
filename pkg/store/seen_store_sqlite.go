package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/returnably/core/pkg/contracts"
)

// SQLiteSeenSet is the durable idempotency window. Unlike the in-memory
// set, the window survives restarts, so a crash between fetch and report
// cannot re-bill an already-processed message.
type SQLiteSeenSet struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// NewSQLiteSeenSet wraps an open handle and ensures the schema exists.
func NewSQLiteSeenSet(db *sql.DB, ttl time.Duration) (*SQLiteSeenSet, error) {
	s := &SQLiteSeenSet{db: db, ttl: ttl, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSeenSet opens (or creates) a seen-set at path.
func OpenSeenSet(path string, ttl time.Duration) (*SQLiteSeenSet, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	s, err := NewSQLiteSeenSet(db, ttl)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSeenSet) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS seen_messages (
        idempotency_key TEXT PRIMARY KEY,
        seen_at DATETIME NOT NULL
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// MarkSeen records the key and reports whether a live entry already held
// it. Expired entries are pruned first, so a key re-delivered after the
// window is treated as new.
func (s *SQLiteSeenSet) MarkSeen(ctx context.Context, key contracts.IdempotencyKey) (bool, error) {
	now := s.now().UTC()
	cutoff := now.Add(-s.ttl).Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: begin seen tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM seen_messages WHERE seen_at < ?`, cutoff); err != nil {
		return false, fmt.Errorf("store: prune seen: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO seen_messages (idempotency_key, seen_at) VALUES (?, ?)
         ON CONFLICT(idempotency_key) DO NOTHING`,
		string(key), now.Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("store: record seen: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: commit seen tx: %w", err)
	}
	return inserted == 0, nil
}

// Forget releases a recorded key so the message can be admitted again,
// used when a message was rejected for a transient reason.
func (s *SQLiteSeenSet) Forget(ctx context.Context, key contracts.IdempotencyKey) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM seen_messages WHERE idempotency_key = ?`, string(key)); err != nil {
		return fmt.Errorf("store: forget seen: %w", err)
	}
	return nil
}

// Close closes the underlying handle.
func (s *SQLiteSeenSet) Close() error {
	return s.db.Close()
}
