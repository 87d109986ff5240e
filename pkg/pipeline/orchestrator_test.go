package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/returnably/core/pkg/budget"
	"github.com/returnably/core/pkg/contracts"
)

type passFilter struct{}

func (passFilter) Evaluate(contracts.RawMessage) contracts.FilterVerdict {
	return contracts.FilterVerdict{Pass: true, Reason: contracts.FilterHeuristicPass}
}

type blockFilter struct{}

func (blockFilter) Evaluate(contracts.RawMessage) contracts.FilterVerdict {
	return contracts.FilterVerdict{Pass: false, Reason: contracts.FilterBlocklisted}
}

type fakeClassifier struct {
	result contracts.ClassificationResult
	cached bool
	err    error
	fn     func(ctx context.Context) (contracts.ClassificationResult, bool, error)
	calls  int
	mu     sync.Mutex
}

func (f *fakeClassifier) Classify(ctx context.Context, _ string) (contracts.ClassificationResult, bool, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx)
	}
	return f.result, f.cached, f.err
}

func (f *fakeClassifier) Returnable(r contracts.ClassificationResult) bool {
	return r.Category == contracts.CategoryProductOrder && r.Confidence >= 0.7
}

type fakeExtractor struct {
	result contracts.ExtractionResult
	cached bool
	err    error
	calls  int
	mu     sync.Mutex
}

func (f *fakeExtractor) Extract(context.Context, string, string) (contracts.ExtractionResult, bool, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.result, f.cached, f.err
}

func productClassifier() *fakeClassifier {
	return &fakeClassifier{result: contracts.ClassificationResult{Category: contracts.CategoryProductOrder, Confidence: 0.9}}
}

func orderExtractor() *fakeExtractor {
	return &fakeExtractor{result: contracts.ExtractionResult{
		Merchant:    "Zara",
		OrderNumber: "AB123",
		Confidence:  contracts.ConfidenceEstimated,
	}}
}

func newOrchestrator(t *testing.T, deps Deps) *Orchestrator {
	t.Helper()
	if deps.Filter == nil {
		deps.Filter = passFilter{}
	}
	if deps.Classifier == nil {
		deps.Classifier = productClassifier()
	}
	if deps.Extractor == nil {
		deps.Extractor = orderExtractor()
	}
	if deps.Ledger == nil {
		deps.Ledger = budget.NewLedger(budget.Caps{TenantDaily: 100, GlobalDaily: 100})
	}
	if deps.Seen == nil {
		deps.Seen = NewMemorySeenSet(time.Hour, 100)
	}
	o, err := New(deps)
	require.NoError(t, err)
	return o
}

func msg(id, tenant, subject, body string) contracts.RawMessage {
	return contracts.RawMessage{
		ID:           id,
		TenantID:     tenant,
		SenderDomain: "orders.zara.com",
		Subject:      subject,
		Body:         body,
		ReceivedAt:   time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC),
	}
}

func TestProcessHappyPath(t *testing.T) {
	o := newOrchestrator(t, Deps{})

	result := o.Process(context.Background(), []contracts.RawMessage{
		msg("m1", "t1", "Order confirmed", "your order AB123"),
	})

	require.Len(t, result.Cards, 1)
	assert.Equal(t, "AB123", result.Cards[0].OrderNumber)
	assert.Equal(t, 1, result.Stats.Candidates)
	require.Len(t, result.Stats.Outcomes, 1)
	assert.True(t, result.Stats.Outcomes[0].Accepted)
	assert.Equal(t, 1, result.Stats.Categories[contracts.CategoryProductOrder])
}

func TestProcessDuplicateRejectedBeforePaidStages(t *testing.T) {
	cls := productClassifier()
	o := newOrchestrator(t, Deps{Classifier: cls})

	m := msg("m1", "t1", "Order confirmed", "your order AB123")
	result := o.Process(context.Background(), []contracts.RawMessage{m, m})

	assert.Equal(t, 1, result.Stats.Rejections[contracts.RejectDuplicateMessage])
	assert.Equal(t, 1, cls.calls, "duplicate must not reach the classifier")
	assert.Len(t, result.Cards, 1)
}

func TestProcessFilteredSkipsBudget(t *testing.T) {
	ledger := budget.NewLedger(budget.Caps{TenantDaily: 100, GlobalDaily: 100})
	o := newOrchestrator(t, Deps{Filter: blockFilter{}, Ledger: ledger})

	result := o.Process(context.Background(), []contracts.RawMessage{
		msg("m1", "t1", "20% off everything", "sale sale sale"),
	})

	assert.Equal(t, 1, result.Stats.Rejections[contracts.RejectFiltered])
	tenant, _ := ledger.Used("t1")
	assert.Zero(t, tenant, "filtered messages are free")
}

func TestProcessClassifierFailureFailsClosed(t *testing.T) {
	cls := &fakeClassifier{err: errors.New("upstream down")}
	ext := orderExtractor()
	ledger := budget.NewLedger(budget.Caps{TenantDaily: 100, GlobalDaily: 100})
	o := newOrchestrator(t, Deps{Classifier: cls, Extractor: ext, Ledger: ledger})

	result := o.Process(context.Background(), []contracts.RawMessage{
		msg("m1", "t1", "Order confirmed", "your order AB123"),
	})

	assert.Empty(t, result.Cards)
	assert.Equal(t, 1, result.Stats.Rejections[contracts.RejectClassifierUnavailable])
	assert.Zero(t, ext.calls)

	// The failed call's reservation is released.
	tenant, _ := ledger.Used("t1")
	assert.Zero(t, tenant)
}

func TestProcessNotReturnable(t *testing.T) {
	cls := &fakeClassifier{result: contracts.ClassificationResult{Category: contracts.CategorySubscription, Confidence: 0.95}}
	ext := orderExtractor()
	o := newOrchestrator(t, Deps{Classifier: cls, Extractor: ext})

	result := o.Process(context.Background(), []contracts.RawMessage{
		msg("m1", "t1", "Your plan renewed", "monthly subscription"),
	})

	assert.Equal(t, 1, result.Stats.Rejections[contracts.RejectNotReturnable])
	assert.Equal(t, 1, result.Stats.Categories[contracts.CategorySubscription])
	assert.Zero(t, ext.calls, "non-returnable messages never reach extraction")
}

func TestProcessBudgetExceededContinuesBatch(t *testing.T) {
	// Cap of 2 calls: message one spends both (classify + extract); message
	// two is denied but the batch still completes.
	ledger := budget.NewLedger(budget.Caps{TenantDaily: 2, GlobalDaily: 100})
	o := newOrchestrator(t, Deps{Ledger: ledger, Workers: 1})

	result := o.Process(context.Background(), []contracts.RawMessage{
		msg("m1", "t1", "Order confirmed", "your order AB123"),
		msg("m2", "t1", "Order confirmed", "your order CD456"),
	})

	assert.Equal(t, 1, result.Stats.Candidates)
	assert.Equal(t, 1, result.Stats.Rejections[contracts.RejectBudgetExceeded])
	require.Len(t, result.Stats.Outcomes, 2)
	assert.True(t, result.Stats.Outcomes[0].Accepted)
	assert.False(t, result.Stats.Outcomes[1].Accepted)
}

func TestProcessCacheHitReleasesBudget(t *testing.T) {
	cls := productClassifier()
	cls.cached = true
	ext := orderExtractor()
	ext.cached = true
	ledger := budget.NewLedger(budget.Caps{TenantDaily: 100, GlobalDaily: 100})
	o := newOrchestrator(t, Deps{Classifier: cls, Extractor: ext, Ledger: ledger})

	result := o.Process(context.Background(), []contracts.RawMessage{
		msg("m1", "t1", "Order confirmed", "your order AB123"),
	})

	require.Len(t, result.Cards, 1)
	tenant, global := ledger.Used("t1")
	assert.Zero(t, tenant, "cached responses cost no budget")
	assert.Zero(t, global)

	// A live extract after a cached classify still costs its one slot.
	ext.cached = false
	o.Process(context.Background(), []contracts.RawMessage{
		msg("m2", "t1", "Order confirmed", "your order CD456"),
	})
	tenant, _ = ledger.Used("t1")
	assert.Equal(t, int64(1), tenant)
}

func TestProcessTransientRejectionAllowsResubmission(t *testing.T) {
	cls := &fakeClassifier{err: errors.New("upstream down")}
	seen := NewMemorySeenSet(time.Hour, 100)
	o := newOrchestrator(t, Deps{Classifier: cls, Seen: seen})

	m := msg("m1", "t1", "Order confirmed", "your order AB123")
	result := o.Process(context.Background(), []contracts.RawMessage{m})
	assert.Equal(t, 1, result.Stats.Rejections[contracts.RejectClassifierUnavailable])

	// The dependency recovers and the same message is submitted again; it
	// must not be dropped as a duplicate.
	cls.err = nil
	cls.result = contracts.ClassificationResult{Category: contracts.CategoryProductOrder, Confidence: 0.9}
	result = o.Process(context.Background(), []contracts.RawMessage{m})
	assert.Zero(t, result.Stats.Rejections[contracts.RejectDuplicateMessage])
	require.Len(t, result.Cards, 1)
}

func TestProcessBudgetRejectionKeepsNoSeenEntry(t *testing.T) {
	ledger := budget.NewLedger(budget.Caps{TenantDaily: 0, GlobalDaily: 100})
	seen := NewMemorySeenSet(time.Hour, 100)
	o := newOrchestrator(t, Deps{Ledger: ledger, Seen: seen})

	result := o.Process(context.Background(), []contracts.RawMessage{
		msg("m1", "t1", "Order confirmed", "your order AB123"),
	})

	assert.Equal(t, 1, result.Stats.Rejections[contracts.RejectBudgetExceeded])
	assert.Zero(t, seen.Len(), "a budget-denied message can be resubmitted")
}

func TestProcessEmptyExtractionDropped(t *testing.T) {
	ext := &fakeExtractor{result: contracts.ExtractionResult{Confidence: contracts.ConfidenceUnknown}}
	o := newOrchestrator(t, Deps{Extractor: ext})

	result := o.Process(context.Background(), []contracts.RawMessage{
		msg("m1", "t1", "Order confirmed", "no detail at all"),
	})

	assert.Empty(t, result.Cards)
	assert.Equal(t, 1, result.Stats.Rejections[contracts.RejectEmptyExtraction])
}

func TestProcessCancellationSuppressesCard(t *testing.T) {
	cls := productClassifier()
	ext := orderExtractor()
	o := newOrchestrator(t, Deps{Classifier: cls, Extractor: ext, Workers: 1})

	result := o.Process(context.Background(), []contracts.RawMessage{
		msg("m1", "t1", "Order confirmed", "your order AB123"),
		msg("m2", "t1", "Your order has been cancelled", "order AB123 refund issued"),
	})

	assert.Empty(t, result.Cards, "cancellation removes the matching card")
	assert.Equal(t, 2, result.Stats.Candidates)
	assert.Equal(t, 1, cls.calls, "cancellation notices skip classification")
}

func TestProcessOutcomesKeepInputOrder(t *testing.T) {
	o := newOrchestrator(t, Deps{Workers: 8})

	var msgs []contracts.RawMessage
	ids := []string{"a", "b", "c", "d", "e", "f"}
	for _, id := range ids {
		msgs = append(msgs, msg(id, "t1", "Order confirmed", "order "+id))
	}

	result := o.Process(context.Background(), msgs)
	require.Len(t, result.Stats.Outcomes, len(ids))
	for i, id := range ids {
		assert.Equal(t, id, result.Stats.Outcomes[i].MessageID)
	}
}

func TestProcessCancelledContextStopsDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := newOrchestrator(t, Deps{Workers: 1})
	result := o.Process(ctx, []contracts.RawMessage{
		msg("m1", "t1", "Order confirmed", "order AB123"),
		msg("m2", "t1", "Order confirmed", "order CD456"),
	})

	assert.Equal(t, 2, result.Stats.Received)
	assert.Equal(t, 2, result.Stats.Rejections[contracts.RejectUnprocessed])
	assert.Empty(t, result.Cards)
}

func TestProcessCancelMidBatchFinishesInFlight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var inFlightErr error
	cls := &fakeClassifier{fn: func(ctx context.Context) (contracts.ClassificationResult, bool, error) {
		cancel() // the batch is cancelled while this call is in flight
		inFlightErr = ctx.Err()
		return contracts.ClassificationResult{Category: contracts.CategoryProductOrder, Confidence: 0.9}, false, nil
	}}
	o := newOrchestrator(t, Deps{Classifier: cls, Workers: 1})

	result := o.Process(ctx, []contracts.RawMessage{
		msg("m1", "t1", "Order confirmed", "your order AB123"),
		msg("m2", "t1", "Order confirmed", "your order CD456"),
	})

	assert.NoError(t, inFlightErr, "dispatched work runs to completion after cancellation")
	require.Len(t, result.Stats.Outcomes, 2)
	assert.True(t, result.Stats.Outcomes[0].Accepted)
}

func TestNewRejectsMissingDeps(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}

func TestMemorySeenSetTTLAndBound(t *testing.T) {
	s := NewMemorySeenSet(time.Minute, 2)
	base := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	seen, err := s.MarkSeen(context.Background(), "k1")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, _ = s.MarkSeen(context.Background(), "k1")
	assert.True(t, seen)

	// Expired entries are forgotten.
	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	seen, _ = s.MarkSeen(context.Background(), "k1")
	assert.False(t, seen)

	// The bound evicts the oldest entry.
	s.now = func() time.Time { return base.Add(2*time.Minute + time.Second) }
	s.MarkSeen(context.Background(), "k2")
	s.now = func() time.Time { return base.Add(2*time.Minute + 2*time.Second) }
	s.MarkSeen(context.Background(), "k3")
	assert.Equal(t, 2, s.Len())

	seen, _ = s.MarkSeen(context.Background(), "k1")
	assert.False(t, seen, "oldest entry was evicted")
}
