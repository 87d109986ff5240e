// Package pipeline runs the full per-batch flow: idempotency check, domain
// filter, budget gate, classification, extraction, and a single merge pass.
// Failures are per-message; one bad message never aborts a batch, and the
// batch always produces a result.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/returnably/core/pkg/budget"
	"github.com/returnably/core/pkg/contracts"
	"github.com/returnably/core/pkg/dedup"
	"github.com/returnably/core/pkg/llm"
)

// Filter is Stage 1: the zero-cost sender and vocabulary gate.
type Filter interface {
	Evaluate(msg contracts.RawMessage) contracts.FilterVerdict
}

// Classifier is Stage 2. Classify's second return reports a response-cache
// hit. Returnable applies the confidence threshold to a result the caller
// obtained from Classify.
type Classifier interface {
	Classify(ctx context.Context, text string) (contracts.ClassificationResult, bool, error)
	Returnable(result contracts.ClassificationResult) bool
}

// Extractor is Stage 3. The second return reports a response-cache hit.
type Extractor interface {
	Extract(ctx context.Context, text, senderDomain string) (contracts.ExtractionResult, bool, error)
}

// Observer receives per-message disposition events. Implementations must be
// safe for concurrent use.
type Observer interface {
	MessageAccepted(category contracts.Category)
	MessageRejected(reason contracts.RejectReason)
	BudgetDenied(scope budget.Scope)
}

type noopObserver struct{}

func (noopObserver) MessageAccepted(contracts.Category)     {}
func (noopObserver) MessageRejected(contracts.RejectReason) {}
func (noopObserver) BudgetDenied(budget.Scope)              {}

// Deps wires the orchestrator's collaborators. Filter, Classifier,
// Extractor, Ledger, and Seen are required.
type Deps struct {
	Filter     Filter
	Classifier Classifier
	Extractor  Extractor
	Ledger     *budget.Ledger
	Seen       SeenSet
	Workers    int
	Observer   Observer
	Logger     *slog.Logger
}

// Orchestrator drives one batch at a time through the staged pipeline with
// a bounded worker pool.
type Orchestrator struct {
	deps    Deps
	workers int
	obs     Observer
	logger  *slog.Logger
}

// New validates deps and creates an orchestrator.
func New(deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Filter == nil:
		return nil, errors.New("pipeline: nil filter")
	case deps.Classifier == nil:
		return nil, errors.New("pipeline: nil classifier")
	case deps.Extractor == nil:
		return nil, errors.New("pipeline: nil extractor")
	case deps.Ledger == nil:
		return nil, errors.New("pipeline: nil ledger")
	case deps.Seen == nil:
		return nil, errors.New("pipeline: nil seen-set")
	}

	workers := deps.Workers
	if workers <= 0 {
		workers = 4
	}
	obs := deps.Observer
	if obs == nil {
		obs = noopObserver{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		deps:    deps,
		workers: workers,
		obs:     obs,
		logger:  logger.With("component", "pipeline"),
	}, nil
}

// Process runs one batch. Cancelling ctx stops dispatching new messages;
// in-flight messages finish and the partial result is returned. Dedup runs
// exactly once, over the full candidate set.
func (o *Orchestrator) Process(ctx context.Context, msgs []contracts.RawMessage) *contracts.BatchResult {
	outcomes := make([]contracts.MessageOutcome, len(msgs))
	candidates := make([]*contracts.ReturnCandidate, len(msgs))

	jobs := make(chan int)
	var wg sync.WaitGroup
	// Once a message is dispatched its external calls run to completion;
	// batch cancellation only stops new dispatches. The per-attempt timeout
	// inside the inference client still bounds each call.
	workCtx := context.WithoutCancel(ctx)
	for w := 0; w < o.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				outcomes[i], candidates[i] = o.processOne(workCtx, msgs[i])
			}
		}()
	}

	dispatched := make([]bool, len(msgs))
dispatch:
	for i := range msgs {
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			break dispatch
		case jobs <- i:
			dispatched[i] = true
		}
	}
	close(jobs)
	wg.Wait()

	for i := range msgs {
		if !dispatched[i] {
			outcomes[i] = contracts.MessageOutcome{
				MessageID: msgs[i].ID,
				Reason:    contracts.RejectUnprocessed,
			}
		}
	}

	var flat []contracts.ReturnCandidate
	for _, c := range candidates {
		if c != nil {
			flat = append(flat, *c)
		}
	}
	cards := dedup.Merge(flat)

	stats := contracts.BatchStats{
		Received:   len(msgs),
		Candidates: len(flat),
		Rejections: make(map[contracts.RejectReason]int),
		Categories: make(map[contracts.Category]int),
		Outcomes:   outcomes,
	}
	for _, out := range outcomes {
		if !out.Accepted {
			stats.Rejections[out.Reason]++
		}
		if out.Category != "" {
			stats.Categories[out.Category]++
		}
	}

	o.logger.Info("batch complete",
		"received", stats.Received,
		"candidates", stats.Candidates,
		"cards", len(cards),
		"rejected", stats.Received-stats.Candidates,
	)

	return &contracts.BatchResult{Cards: cards, Stats: stats}
}

func (o *Orchestrator) processOne(ctx context.Context, msg contracts.RawMessage) (contracts.MessageOutcome, *contracts.ReturnCandidate) {
	msg = msg.Clamped()
	out := contracts.MessageOutcome{MessageID: msg.ID}

	key := contracts.DeriveKey(msg)
	already, err := o.deps.Seen.MarkSeen(ctx, key)
	if err != nil {
		// Processing a message twice is recoverable downstream; dropping it
		// is not. Log and continue.
		o.logger.Warn("seen-set unavailable", "message_id", msg.ID, "error", err)
	}
	if already {
		return o.reject(out, contracts.RejectDuplicateMessage)
	}

	if verdict := o.deps.Filter.Evaluate(msg); !verdict.Pass {
		o.logger.Debug("filtered", "message_id", msg.ID, "reason", verdict.Reason)
		return o.reject(out, contracts.RejectFiltered)
	}

	text := llm.Sanitize(msg.Subject + "\n\n" + msg.Body)

	// Cancellation notices skip the returnable gate; they exist only to
	// suppress a matching card during merge.
	if dedup.MatchesCancellation(msg.Subject, msg.Body) {
		return o.extractCandidate(ctx, msg, out, text, key, true)
	}

	dec := o.deps.Ledger.Reserve(msg.TenantID, llm.StageClassify)
	if !dec.Allowed {
		o.obs.BudgetDenied(dec.Scope)
		o.logger.Warn("budget denied", "message_id", msg.ID, "scope", dec.Scope, "stage", llm.StageClassify)
		return o.rejectTransient(ctx, out, contracts.RejectBudgetExceeded, key)
	}

	result, cached, err := o.deps.Classifier.Classify(ctx, text)
	if err != nil {
		o.deps.Ledger.Release(msg.TenantID, llm.StageClassify)
		o.logger.Warn("classify failed", "message_id", msg.ID, "error", err)
		return o.rejectTransient(ctx, out, contracts.RejectClassifierUnavailable, key)
	}
	if cached {
		// No call was made; refund the slot.
		o.deps.Ledger.Release(msg.TenantID, llm.StageClassify)
	}
	out.Category = result.Category

	if !o.deps.Classifier.Returnable(result) {
		return o.reject(out, contracts.RejectNotReturnable)
	}

	return o.extractCandidate(ctx, msg, out, text, key, false)
}

func (o *Orchestrator) extractCandidate(ctx context.Context, msg contracts.RawMessage, out contracts.MessageOutcome, text string, key contracts.IdempotencyKey, cancellation bool) (contracts.MessageOutcome, *contracts.ReturnCandidate) {
	dec := o.deps.Ledger.Reserve(msg.TenantID, llm.StageExtract)
	if !dec.Allowed {
		o.obs.BudgetDenied(dec.Scope)
		o.logger.Warn("budget denied", "message_id", msg.ID, "scope", dec.Scope, "stage", llm.StageExtract)
		return o.rejectTransient(ctx, out, contracts.RejectBudgetExceeded, key)
	}

	extraction, cached, err := o.deps.Extractor.Extract(ctx, text, msg.SenderDomain)
	if err != nil {
		o.deps.Ledger.Release(msg.TenantID, llm.StageExtract)
		o.logger.Warn("extract failed", "message_id", msg.ID, "error", err)
		return o.rejectTransient(ctx, out, contracts.RejectExtractorUnavailable, key)
	}
	if cached {
		o.deps.Ledger.Release(msg.TenantID, llm.StageExtract)
	}
	if extraction.Empty() {
		return o.reject(out, contracts.RejectEmptyExtraction)
	}

	out.Accepted = true
	o.obs.MessageAccepted(out.Category)

	return out, &contracts.ReturnCandidate{
		TenantID:         msg.TenantID,
		Extraction:       extraction,
		SourceMessageIDs: []string{msg.ID},
		Cancellation:     cancellation,
	}
}

func (o *Orchestrator) reject(out contracts.MessageOutcome, reason contracts.RejectReason) (contracts.MessageOutcome, *contracts.ReturnCandidate) {
	out.Accepted = false
	out.Reason = reason
	o.obs.MessageRejected(reason)
	return out, nil
}

// rejectTransient records the rejection and releases the message's seen-set
// admission, so a resubmission after the transient condition clears is not
// dropped as a duplicate for the whole seen TTL.
func (o *Orchestrator) rejectTransient(ctx context.Context, out contracts.MessageOutcome, reason contracts.RejectReason, key contracts.IdempotencyKey) (contracts.MessageOutcome, *contracts.ReturnCandidate) {
	if err := o.deps.Seen.Forget(ctx, key); err != nil {
		o.logger.Warn("seen-set release failed", "message_id", out.MessageID, "error", err)
	}
	return o.reject(out, reason)
}
