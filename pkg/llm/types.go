// Package llm wraps the external inference dependency behind a resilient
// client: read-through result cache, bounded retry with backoff, and a
// circuit breaker. Responses are validated into typed payloads at the
// client boundary; untyped output never crosses it.
package llm

import (
	"context"
)

// Message is one chat turn sent to the inference dependency.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SamplingOptions tune a single inference call.
type SamplingOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	Seed        int64   `json:"seed"`
}

// Response is the raw text output of one inference call.
type Response struct {
	Content string `json:"content"`
}

// Client is one logical call to the inference dependency. Implementations
// must honor ctx cancellation and classify failures with the error types in
// this package.
type Client interface {
	Chat(ctx context.Context, messages []Message, options *SamplingOptions) (*Response, error)
}

// Stage identifiers used for cache keys, schemas, and budget receipts.
const (
	StageClassify = "classify"
	StageExtract  = "extract"
)
