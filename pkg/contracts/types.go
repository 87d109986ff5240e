// Package contracts defines the shared data model of the extraction pipeline:
// the raw input records, per-stage verdicts, candidate records, and the
// canonical de-duplicated return cards emitted for persistence.
package contracts

import (
	"strings"
	"time"
)

// Hard caps applied to inbound messages before they enter the pipeline.
// The fetch collaborator is expected to enforce these; we clamp again on
// entry so an oversized record can never reach a paid stage.
const (
	MaxSubjectLen = 512
	MaxBodyLen    = 64 * 1024
)

// RawMessage is one untrusted purchase-related email record. It is immutable
// input; only derived fields survive past extraction.
type RawMessage struct {
	ID           string    `json:"id"`
	SenderDomain string    `json:"sender_domain"`
	Subject      string    `json:"subject"`
	Body         string    `json:"body"`
	ReceivedAt   time.Time `json:"received_at"`
	TenantID     string    `json:"tenant_id"`
}

// Clamped returns a copy with subject and body truncated to the hard caps.
func (m RawMessage) Clamped() RawMessage {
	if len(m.Subject) > MaxSubjectLen {
		m.Subject = m.Subject[:MaxSubjectLen]
	}
	if len(m.Body) > MaxBodyLen {
		m.Body = m.Body[:MaxBodyLen]
	}
	return m
}

// FilterReason explains a Stage 1 verdict.
type FilterReason string

const (
	FilterBlocklisted     FilterReason = "blocklisted"
	FilterAllowlisted     FilterReason = "allowlisted"
	FilterHeuristicReject FilterReason = "heuristic_reject"
	FilterHeuristicPass   FilterReason = "heuristic_pass"
)

// FilterVerdict is the Stage 1 output. Terminal for the message when
// Pass is false.
type FilterVerdict struct {
	Pass   bool         `json:"pass"`
	Reason FilterReason `json:"reason"`
}

// Category is the Stage 2 classification of what a message describes.
type Category string

const (
	CategoryProductOrder Category = "product_order"
	CategoryService      Category = "service"
	CategorySubscription Category = "subscription"
	CategoryDigital      Category = "digital"
	CategoryUnknown      Category = "unknown"
)

// ClassificationResult is the Stage 2 output.
type ClassificationResult struct {
	Category   Category `json:"category"`
	Confidence float64  `json:"confidence"`
}

// DateConfidence grades how a return deadline was resolved.
type DateConfidence string

const (
	ConfidenceExact     DateConfidence = "exact"
	ConfidenceEstimated DateConfidence = "estimated"
	ConfidenceUnknown   DateConfidence = "unknown"
)

// rank orders confidences for merge field selection. Higher wins.
func (c DateConfidence) rank() int {
	switch c {
	case ConfidenceExact:
		return 2
	case ConfidenceEstimated:
		return 1
	default:
		return 0
	}
}

// Stronger reports whether c outranks other.
func (c DateConfidence) Stronger(other DateConfidence) bool {
	return c.rank() > other.rank()
}

// ExtractionResult is the Stage 3 output. Unknown fields stay at their zero
// value; the extractor never invents data.
type ExtractionResult struct {
	Merchant       string         `json:"merchant,omitempty"`
	MerchantDomain string         `json:"merchant_domain,omitempty"`
	ItemSummary    string         `json:"item_summary,omitempty"`
	OrderNumber    string         `json:"order_number,omitempty"`
	TrackingNumber string         `json:"tracking_number,omitempty"`
	Amount         string         `json:"amount,omitempty"`
	OrderDate      *time.Time     `json:"order_date,omitempty"`
	DeliveryDate   *time.Time     `json:"delivery_date,omitempty"`
	ReturnByDate   *time.Time     `json:"return_by_date,omitempty"`
	Confidence     DateConfidence `json:"confidence"`
}

// Empty reports whether every extracted field is absent. Empty results are
// dropped before they can claim a card slot.
func (r ExtractionResult) Empty() bool {
	return r.Merchant == "" &&
		r.MerchantDomain == "" &&
		r.ItemSummary == "" &&
		r.OrderNumber == "" &&
		r.TrackingNumber == "" &&
		r.Amount == "" &&
		r.OrderDate == nil &&
		r.DeliveryDate == nil &&
		r.ReturnByDate == nil
}

// ReturnCandidate is one per-message extraction result prior to
// deduplication. Candidates are never mutated after creation; merges
// produce fresh records.
type ReturnCandidate struct {
	TenantID         string           `json:"tenant_id"`
	Extraction       ExtractionResult `json:"extraction"`
	SourceMessageIDs []string         `json:"source_message_ids"`

	// Cancellation marks a candidate whose source text matched a
	// cancellation-notice signature. Such candidates never become cards;
	// they suppress the matching order's card instead.
	Cancellation bool `json:"cancellation,omitempty"`
}

// ReturnCard is the canonical, de-duplicated output unit. Exactly one card
// exists per real-world purchase per tenant after a batch completes.
type ReturnCard struct {
	ID               string         `json:"id"`
	TenantID         string         `json:"tenant_id"`
	Merchant         string         `json:"merchant,omitempty"`
	MerchantDomain   string         `json:"merchant_domain,omitempty"`
	ItemSummary      string         `json:"item_summary,omitempty"`
	OrderNumber      string         `json:"order_number,omitempty"`
	TrackingNumber   string         `json:"tracking_number,omitempty"`
	Amount           string         `json:"amount,omitempty"`
	OrderDate        *time.Time     `json:"order_date,omitempty"`
	DeliveryDate     *time.Time     `json:"delivery_date,omitempty"`
	ReturnByDate     *time.Time     `json:"return_by_date,omitempty"`
	Confidence       DateConfidence `json:"confidence"`
	SourceMessageIDs []string       `json:"source_message_ids"`
}

// RejectReason is the terminal disposition of a message that produced no
// candidate. Rejections are data, not errors.
type RejectReason string

const (
	RejectDuplicateMessage      RejectReason = "duplicate_message"
	RejectFiltered              RejectReason = "filtered"
	RejectBudgetExceeded        RejectReason = "budget_exceeded"
	RejectNotReturnable         RejectReason = "not_returnable"
	RejectClassifierUnavailable RejectReason = "classifier_unavailable"
	RejectExtractorUnavailable  RejectReason = "extractor_unavailable"
	RejectEmptyExtraction       RejectReason = "empty_extraction"

	// RejectUnprocessed marks messages the batch never dispatched because
	// its context was cancelled. In-flight work still completes.
	RejectUnprocessed RejectReason = "unprocessed"
)

// MessageOutcome records the disposition of one input message, in input
// order, for human-readable batch reporting.
type MessageOutcome struct {
	MessageID string       `json:"message_id"`
	Accepted  bool         `json:"accepted"`
	Reason    RejectReason `json:"reason,omitempty"`
	Category  Category     `json:"category,omitempty"`
}

// BatchStats aggregates per-stage dispositions for one batch.
type BatchStats struct {
	Received   int                  `json:"received"`
	Candidates int                  `json:"candidates"`
	Rejections map[RejectReason]int `json:"rejections"`
	Categories map[Category]int     `json:"categories"`
	Outcomes   []MessageOutcome     `json:"outcomes"`
}

// BatchResult is the complete output of one pipeline run. It is always
// produced, even when every message was rejected.
type BatchResult struct {
	Cards []ReturnCard `json:"cards"`
	Stats BatchStats   `json:"stats"`
}

// NormalizeDomain lowercases and trims a sender or merchant domain so table
// lookups and merge keys agree on one spelling.
func NormalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(domain), "."))
}
