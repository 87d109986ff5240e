package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/returnably/core/pkg/contracts"
)

func day(s string) *time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return &t
}

func openTestCardStore(t *testing.T) *SQLiteCardStore {
	t.Helper()
	s, err := OpenCardStore(filepath.Join(t.TempDir(), "cards.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleCard(id string) contracts.ReturnCard {
	return contracts.ReturnCard{
		ID:               id,
		TenantID:         "t1",
		Merchant:         "Zara",
		MerchantDomain:   "zara.com",
		ItemSummary:      "wool coat",
		OrderNumber:      "AB123",
		TrackingNumber:   "T1",
		Amount:           "89.90 EUR",
		OrderDate:        day("2026-01-02"),
		DeliveryDate:     day("2026-01-10"),
		ReturnByDate:     day("2026-02-09"),
		Confidence:       contracts.ConfidenceEstimated,
		SourceMessageIDs: []string{"m1", "m2"},
	}
}

func TestCardStoreRoundTrip(t *testing.T) {
	s := openTestCardStore(t)
	ctx := context.Background()

	want := sampleCard("card-1")
	require.NoError(t, s.UpsertCards(ctx, []contracts.ReturnCard{want}))

	got, err := s.Get(ctx, "card-1")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestCardStoreUpsertOverwrites(t *testing.T) {
	s := openTestCardStore(t)
	ctx := context.Background()

	card := sampleCard("card-1")
	require.NoError(t, s.UpsertCards(ctx, []contracts.ReturnCard{card}))

	card.TrackingNumber = "T2"
	card.SourceMessageIDs = []string{"m1", "m2", "m3"}
	require.NoError(t, s.UpsertCards(ctx, []contracts.ReturnCard{card}))

	got, err := s.Get(ctx, "card-1")
	require.NoError(t, err)
	assert.Equal(t, "T2", got.TrackingNumber)
	assert.Equal(t, []string{"m1", "m2", "m3"}, got.SourceMessageIDs)

	cards, err := s.ListByTenant(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, cards, 1, "upsert must not duplicate")
}

func TestCardStoreGetMissing(t *testing.T) {
	s := openTestCardStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrCardNotFound)
}

func TestCardStoreListOrdersByDeadline(t *testing.T) {
	s := openTestCardStore(t)
	ctx := context.Background()

	late := sampleCard("card-late")
	late.ReturnByDate = day("2026-03-01")
	soon := sampleCard("card-soon")
	soon.ReturnByDate = day("2026-02-01")
	unknown := sampleCard("card-unknown")
	unknown.ReturnByDate = nil
	unknown.Confidence = contracts.ConfidenceUnknown

	require.NoError(t, s.UpsertCards(ctx, []contracts.ReturnCard{late, soon, unknown}))

	cards, err := s.ListByTenant(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, cards, 3)
	assert.Equal(t, "card-soon", cards[0].ID)
	assert.Equal(t, "card-late", cards[1].ID)
	assert.Equal(t, "card-unknown", cards[2].ID)
}

func TestCardStoreUpsertIsolatesFailures(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS return_cards").
		WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := NewSQLiteCardStore(db)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO return_cards").
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectExec("INSERT INTO return_cards").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = s.UpsertCards(context.Background(), []contracts.ReturnCard{
		sampleCard("card-bad"),
		sampleCard("card-good"),
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "card-bad")
	assert.NotContains(t, err.Error(), "card-good")
	assert.NoError(t, mock.ExpectationsWereMet())
}
