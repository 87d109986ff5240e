// Package extract implements Stage 3: pulling structured purchase fields
// out of message text and resolving a return deadline through the policy
// waterfall. Missing fields stay null; the extractor never invents data.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/returnably/core/pkg/contracts"
	"github.com/returnably/core/pkg/llm"
	"github.com/returnably/core/pkg/policy"
)

// Schema is the expected structure of the extractor's response. Dates are
// ISO 8601 day precision or null.
const Schema = `{
  "type": "object",
  "properties": {
    "merchant": {"type": ["string", "null"]},
    "merchant_domain": {"type": ["string", "null"]},
    "item_summary": {"type": ["string", "null"]},
    "order_number": {"type": ["string", "null"]},
    "tracking_number": {"type": ["string", "null"]},
    "amount": {"type": ["string", "null"]},
    "order_date": {"type": ["string", "null"], "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"},
    "delivery_date": {"type": ["string", "null"], "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"},
    "return_by_date": {"type": ["string", "null"], "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"}
  }
}`

const systemPrompt = `You extract structured purchase data from emails. Respond with a single JSON object with these keys (use null for anything the email does not state, never guess): merchant, merchant_domain, item_summary, order_number, tracking_number, amount, order_date, delivery_date, return_by_date. Dates must be YYYY-MM-DD. return_by_date only when the email explicitly states a return deadline.`

// wireResult is the untyped payload shape; it is converted into the strict
// contracts type immediately after validation.
type wireResult struct {
	Merchant       *string `json:"merchant"`
	MerchantDomain *string `json:"merchant_domain"`
	ItemSummary    *string `json:"item_summary"`
	OrderNumber    *string `json:"order_number"`
	TrackingNumber *string `json:"tracking_number"`
	Amount         *string `json:"amount"`
	OrderDate      *string `json:"order_date"`
	DeliveryDate   *string `json:"delivery_date"`
	ReturnByDate   *string `json:"return_by_date"`
}

// Extractor calls the resilient inference client with the extract stage and
// resolves return deadlines against the merchant policy table.
type Extractor struct {
	client   *llm.ResilientClient
	policies *policy.Table
}

// New creates an extractor bound to a validated policy table.
func New(client *llm.ResilientClient, policies *policy.Table) *Extractor {
	return &Extractor{client: client, policies: policies}
}

// Extract runs Stage 3 over already-sanitized message text. The sender
// domain seeds the policy lookup when the model does not name a merchant
// domain. The second return reports whether the fields came from the
// response cache, so callers can refund budget reserved for a live call.
func (e *Extractor) Extract(ctx context.Context, text, senderDomain string) (contracts.ExtractionResult, bool, error) {
	messages := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: text},
	}

	payload, cached, err := e.client.Invoke(ctx, llm.StageExtract, text, messages, &llm.SamplingOptions{Temperature: 0})
	if err != nil {
		return contracts.ExtractionResult{}, false, err
	}

	var wire wireResult
	if err := json.Unmarshal(payload, &wire); err != nil {
		return contracts.ExtractionResult{}, false, fmt.Errorf("extract: decode validated payload: %w", err)
	}

	result := contracts.ExtractionResult{
		Merchant:       deref(wire.Merchant),
		MerchantDomain: contracts.NormalizeDomain(deref(wire.MerchantDomain)),
		ItemSummary:    deref(wire.ItemSummary),
		OrderNumber:    deref(wire.OrderNumber),
		TrackingNumber: deref(wire.TrackingNumber),
		Amount:         deref(wire.Amount),
		OrderDate:      parseDate(wire.OrderDate),
		DeliveryDate:   parseDate(wire.DeliveryDate),
		ReturnByDate:   parseDate(wire.ReturnByDate),
	}
	if result.MerchantDomain == "" {
		result.MerchantDomain = contracts.NormalizeDomain(senderDomain)
	}

	entry := e.policies.Lookup(result.MerchantDomain)
	ResolveDeadline(&result, entry)
	return result, cached, nil
}

// ResolveDeadline fills ReturnByDate and Confidence via the priority
// waterfall, stopping at the first available source:
//
//  1. an explicit return-by date stated in the message (exact);
//  2. the policy's anchor date plus the policy window (estimated);
//  3. the other available date plus the policy window (estimated);
//  4. nothing usable (unknown, date left unset).
func ResolveDeadline(r *contracts.ExtractionResult, entry policy.Entry) {
	if r.ReturnByDate != nil {
		r.Confidence = contracts.ConfidenceExact
		return
	}

	first, second := r.DeliveryDate, r.OrderDate
	if entry.Anchor == policy.AnchorOrder {
		first, second = r.OrderDate, r.DeliveryDate
	}

	for _, anchor := range []*time.Time{first, second} {
		if anchor == nil {
			continue
		}
		deadline := anchor.AddDate(0, 0, entry.Days)
		r.ReturnByDate = &deadline
		r.Confidence = contracts.ConfidenceEstimated
		return
	}

	r.Confidence = contracts.ConfidenceUnknown
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func parseDate(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t, err := time.Parse("2006-01-02", *s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}
