// Package store persists canonical return cards and the durable idempotency
// window in SQLite. Both stores are safe for concurrent use through the
// database handle.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/returnably/core/pkg/contracts"
)

// ErrCardNotFound is returned when a lookup misses.
var ErrCardNotFound = errors.New("store: card not found")

const dayFormat = "2006-01-02"

// SQLiteCardStore holds one row per canonical card. Upserts are keyed by the
// card's deterministic ID, so re-processing a batch overwrites rather than
// duplicates.
type SQLiteCardStore struct {
	db *sql.DB
}

// NewSQLiteCardStore wraps an open handle and ensures the schema exists.
func NewSQLiteCardStore(db *sql.DB) (*SQLiteCardStore, error) {
	s := &SQLiteCardStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenCardStore opens (or creates) a card store at path.
func OpenCardStore(path string) (*SQLiteCardStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	s, err := NewSQLiteCardStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteCardStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS return_cards (
        card_id TEXT PRIMARY KEY,
        tenant_id TEXT NOT NULL,
        merchant TEXT,
        merchant_domain TEXT,
        item_summary TEXT,
        order_number TEXT,
        tracking_number TEXT,
        amount TEXT,
        order_date TEXT,
        delivery_date TEXT,
        return_by_date TEXT,
        confidence TEXT NOT NULL,
        source_message_ids JSON NOT NULL,
        updated_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_return_cards_tenant ON return_cards (tenant_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// UpsertCards writes every card, isolating failures: one bad card does not
// stop the rest, and the joined error names each failure.
func (s *SQLiteCardStore) UpsertCards(ctx context.Context, cards []contracts.ReturnCard) error {
	var errs []error
	for _, card := range cards {
		if err := s.upsertOne(ctx, card); err != nil {
			errs = append(errs, fmt.Errorf("store: upsert card %s: %w", card.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *SQLiteCardStore) upsertOne(ctx context.Context, card contracts.ReturnCard) error {
	query := `INSERT INTO return_cards (
        card_id, tenant_id, merchant, merchant_domain, item_summary,
        order_number, tracking_number, amount, order_date, delivery_date,
        return_by_date, confidence, source_message_ids, updated_at
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON CONFLICT(card_id) DO UPDATE SET
        tenant_id = excluded.tenant_id,
        merchant = excluded.merchant,
        merchant_domain = excluded.merchant_domain,
        item_summary = excluded.item_summary,
        order_number = excluded.order_number,
        tracking_number = excluded.tracking_number,
        amount = excluded.amount,
        order_date = excluded.order_date,
        delivery_date = excluded.delivery_date,
        return_by_date = excluded.return_by_date,
        confidence = excluded.confidence,
        source_message_ids = excluded.source_message_ids,
        updated_at = excluded.updated_at`

	sourceIDs, err := json.Marshal(card.SourceMessageIDs)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, query,
		card.ID, card.TenantID, card.Merchant, card.MerchantDomain, card.ItemSummary,
		card.OrderNumber, card.TrackingNumber, card.Amount,
		dayString(card.OrderDate), dayString(card.DeliveryDate), dayString(card.ReturnByDate),
		string(card.Confidence), string(sourceIDs), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Get fetches one card by ID.
func (s *SQLiteCardStore) Get(ctx context.Context, cardID string) (contracts.ReturnCard, error) {
	query := selectCards + ` WHERE card_id = ?`
	row := s.db.QueryRowContext(ctx, query, cardID)
	card, err := scanCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.ReturnCard{}, ErrCardNotFound
	}
	return card, err
}

// ListByTenant returns a tenant's cards ordered by nearest return deadline
// first; cards without a deadline sort last.
func (s *SQLiteCardStore) ListByTenant(ctx context.Context, tenantID string) ([]contracts.ReturnCard, error) {
	query := selectCards + `
        WHERE tenant_id = ?
        ORDER BY return_by_date = '' ASC, return_by_date ASC, card_id ASC`
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var cards []contracts.ReturnCard
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		cards = append(cards, card)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return cards, nil
}

// Close closes the underlying handle.
func (s *SQLiteCardStore) Close() error {
	return s.db.Close()
}

const selectCards = `
    SELECT card_id, tenant_id, merchant, merchant_domain, item_summary,
           order_number, tracking_number, amount, order_date, delivery_date,
           return_by_date, confidence, source_message_ids
    FROM return_cards`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCard(row rowScanner) (contracts.ReturnCard, error) {
	var card contracts.ReturnCard
	var orderDate, deliveryDate, returnByDate, confidence, sourceIDs string

	err := row.Scan(
		&card.ID, &card.TenantID, &card.Merchant, &card.MerchantDomain, &card.ItemSummary,
		&card.OrderNumber, &card.TrackingNumber, &card.Amount,
		&orderDate, &deliveryDate, &returnByDate, &confidence, &sourceIDs,
	)
	if err != nil {
		return contracts.ReturnCard{}, err
	}

	card.Confidence = contracts.DateConfidence(confidence)
	card.OrderDate = parseDay(orderDate)
	card.DeliveryDate = parseDay(deliveryDate)
	card.ReturnByDate = parseDay(returnByDate)
	if err := json.Unmarshal([]byte(sourceIDs), &card.SourceMessageIDs); err != nil {
		return contracts.ReturnCard{}, fmt.Errorf("store: decode source ids for %s: %w", card.ID, err)
	}
	return card, nil
}

func dayString(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(dayFormat)
}

func parseDay(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(dayFormat, s)
	if err != nil {
		return nil
	}
	return &t
}
