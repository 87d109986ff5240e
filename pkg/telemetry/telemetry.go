// Package telemetry aggregates pipeline and resilience events into OTel
// counters plus an in-process snapshot for batch reports. It satisfies both
// the inference client's and the orchestrator's observer interfaces.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/returnably/core/pkg/budget"
	"github.com/returnably/core/pkg/contracts"
)

// Metrics records disposition, cache, breaker, and budget events. All
// methods are safe for concurrent use.
type Metrics struct {
	accepted    metric.Int64Counter
	rejected    metric.Int64Counter
	cacheEvents metric.Int64Counter
	breakerMove metric.Int64Counter
	budgetDeny  metric.Int64Counter

	mu   sync.Mutex
	snap Snapshot
}

// Snapshot is a point-in-time copy of the counters, keyed the way a batch
// report wants them.
type Snapshot struct {
	Accepted           int64
	RejectedByReason   map[contracts.RejectReason]int64
	CacheHitsByStage   map[string]int64
	CacheMissesByStage map[string]int64
	BreakerTransitions map[string]int64
	BudgetDenials      map[budget.Scope]int64
}

// New registers the instrument set on the given meter.
func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{snap: emptySnapshot()}

	var err error
	if m.accepted, err = meter.Int64Counter("pipeline.messages.accepted",
		metric.WithDescription("Messages that produced a return candidate")); err != nil {
		return nil, fmt.Errorf("telemetry: register accepted counter: %w", err)
	}
	if m.rejected, err = meter.Int64Counter("pipeline.messages.rejected",
		metric.WithDescription("Messages rejected, by terminal reason")); err != nil {
		return nil, fmt.Errorf("telemetry: register rejected counter: %w", err)
	}
	if m.cacheEvents, err = meter.Int64Counter("inference.cache.events",
		metric.WithDescription("Inference cache hits and misses, by stage")); err != nil {
		return nil, fmt.Errorf("telemetry: register cache counter: %w", err)
	}
	if m.breakerMove, err = meter.Int64Counter("inference.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions")); err != nil {
		return nil, fmt.Errorf("telemetry: register breaker counter: %w", err)
	}
	if m.budgetDeny, err = meter.Int64Counter("budget.denials",
		metric.WithDescription("Budget reservations denied, by scope")); err != nil {
		return nil, fmt.Errorf("telemetry: register budget counter: %w", err)
	}

	return m, nil
}

func emptySnapshot() Snapshot {
	return Snapshot{
		RejectedByReason:   make(map[contracts.RejectReason]int64),
		CacheHitsByStage:   make(map[string]int64),
		CacheMissesByStage: make(map[string]int64),
		BreakerTransitions: make(map[string]int64),
		BudgetDenials:      make(map[budget.Scope]int64),
	}
}

// MessageAccepted implements the orchestrator observer.
func (m *Metrics) MessageAccepted(category contracts.Category) {
	m.accepted.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("category", string(category))))
	m.mu.Lock()
	m.snap.Accepted++
	m.mu.Unlock()
}

// MessageRejected implements the orchestrator observer.
func (m *Metrics) MessageRejected(reason contracts.RejectReason) {
	m.rejected.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("reason", string(reason))))
	m.mu.Lock()
	m.snap.RejectedByReason[reason]++
	m.mu.Unlock()
}

// BudgetDenied implements the orchestrator observer.
func (m *Metrics) BudgetDenied(scope budget.Scope) {
	m.budgetDeny.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("scope", string(scope))))
	m.mu.Lock()
	m.snap.BudgetDenials[scope]++
	m.mu.Unlock()
}

// CacheHit implements the inference client observer.
func (m *Metrics) CacheHit(stageID string) {
	m.cacheEvents.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("stage", stageID),
		attribute.String("result", "hit"),
	))
	m.mu.Lock()
	m.snap.CacheHitsByStage[stageID]++
	m.mu.Unlock()
}

// CacheMiss implements the inference client observer.
func (m *Metrics) CacheMiss(stageID string) {
	m.cacheEvents.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("stage", stageID),
		attribute.String("result", "miss"),
	))
	m.mu.Lock()
	m.snap.CacheMissesByStage[stageID]++
	m.mu.Unlock()
}

// BreakerTransition implements the inference client observer.
func (m *Metrics) BreakerTransition(from, to string) {
	m.breakerMove.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
	m.mu.Lock()
	m.snap.BreakerTransitions[from+"->"+to]++
	m.mu.Unlock()
}

// Snapshot returns a deep copy of the current counters.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := Snapshot{Accepted: m.snap.Accepted}
	out.RejectedByReason = copyMap(m.snap.RejectedByReason)
	out.CacheHitsByStage = copyMap(m.snap.CacheHitsByStage)
	out.CacheMissesByStage = copyMap(m.snap.CacheMissesByStage)
	out.BreakerTransitions = copyMap(m.snap.BreakerTransitions)
	out.BudgetDenials = copyMap(m.snap.BudgetDenials)
	return out
}

func copyMap[K comparable](src map[K]int64) map[K]int64 {
	dst := make(map[K]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
