package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrCircuitOpen is returned without a network attempt while the breaker is
// open.
var ErrCircuitOpen = errors.New("llm: circuit breaker open")

// ErrRetriesExhausted wraps the last failure after the retry budget is
// spent.
var ErrRetriesExhausted = errors.New("llm: retries exhausted")

// TransientKind classifies a retriable failure.
type TransientKind string

const (
	KindTimeout     TransientKind = "timeout"
	KindRateLimited TransientKind = "rate_limited"
	KindServer      TransientKind = "server"
)

// TransientError marks a failure class the retry policy may retry.
type TransientError struct {
	Kind TransientKind
	Err  error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("llm: transient %s failure: %v", e.Kind, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// SchemaError marks a response that failed validation against the stage's
// expected structure. Malformed output is a failure for retry purposes,
// never swallowed.
type SchemaError struct {
	Stage string
	Err   error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("llm: stage %s: response failed schema validation: %v", e.Stage, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// IsRetriable reports whether an error belongs to a failure class worth
// retrying: timeouts, rate limits, 5xx-equivalents, and malformed payloads.
// Context cancellation is never retried.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var se *SchemaError
	if errors.As(err, &se) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}
