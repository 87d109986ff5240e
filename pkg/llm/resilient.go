package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"
)

// Observer receives resilience events for telemetry. All methods must be
// cheap and non-blocking.
type Observer interface {
	CacheHit(stageID string)
	CacheMiss(stageID string)
	BreakerTransition(from, to string)
}

type noopObserver struct{}

func (noopObserver) CacheHit(string)               {}
func (noopObserver) CacheMiss(string)              {}
func (noopObserver) BreakerTransition(_, _ string) {}

// ResilientConfig tunes the resilient client.
type ResilientConfig struct {
	Retry            RetryPolicy
	BreakerThreshold int
	BreakerCooldown  time.Duration
	CacheTTL         time.Duration
	AttemptTimeout   time.Duration
	RatePerSec       float64
	Burst            int
}

// DefaultResilientConfig returns production defaults.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		Retry:            DefaultRetryPolicy(),
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
		CacheTTL:         24 * time.Hour,
		AttemptTimeout:   30 * time.Second,
		RatePerSec:       5,
		Burst:            10,
	}
}

// ResilientClient wraps exactly one logical inference call per Invoke with
// a read-through cache, bounded retry, a circuit breaker, and outbound
// pacing. Stage responses are validated against their JSON schema before
// they are cached or returned; untyped payloads never leave this client.
type ResilientClient struct {
	client   Client
	cache    CacheStore
	breaker  *CircuitBreaker
	limiter  *rate.Limiter
	cfg      ResilientConfig
	schemas  map[string]*jsonschema.Schema
	observer Observer
	logger   *slog.Logger
	sleep    func(context.Context, time.Duration) error
}

// NewResilientClient builds the wrapper. Stage schemas are compiled here;
// an invalid schema is a startup failure, never a per-message one.
func NewResilientClient(client Client, cache CacheStore, cfg ResilientConfig, stageSchemas map[string]string, observer Observer) (*ResilientClient, error) {
	if observer == nil {
		observer = noopObserver{}
	}
	if cfg.Retry.Retriable == nil {
		cfg.Retry.Retriable = IsRetriable
	}

	schemas := make(map[string]*jsonschema.Schema, len(stageSchemas))
	for stage, raw := range stageSchemas {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://returnably.schemas.local/%s.schema.json", stage)
		if err := c.AddResource(url, strings.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("stage %s: load schema: %w", stage, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("stage %s: compile schema: %w", stage, err)
		}
		schemas[stage] = compiled
	}

	rc := &ResilientClient{
		client:   client,
		cache:    cache,
		breaker:  NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		cfg:      cfg,
		schemas:  schemas,
		observer: observer,
		logger:   slog.Default().With("component", "llm"),
		sleep:    sleepCtx,
	}
	rc.breaker.OnTransition(func(from, to BreakerState) {
		observer.BreakerTransition(string(from), string(to))
	})
	return rc, nil
}

// Breaker exposes the breaker state for observability snapshots.
func (rc *ResilientClient) Breaker() *CircuitBreaker { return rc.breaker }

// Invoke runs one logical call for a stage: cache lookup, breaker check,
// bounded retry around the dependency, schema validation, write-through on
// success. The returned payload has already passed the stage schema.
// The boolean reports whether the result came from cache.
func (rc *ResilientClient) Invoke(ctx context.Context, stageID, prompt string, messages []Message, options *SamplingOptions) (json.RawMessage, bool, error) {
	fingerprint := Fingerprint(stageID, prompt)

	if cached, ok, err := rc.cache.Get(ctx, fingerprint); err == nil && ok {
		rc.observer.CacheHit(stageID)
		return cached, true, nil
	}
	rc.observer.CacheMiss(stageID)

	if !rc.breaker.Allow() {
		return nil, false, ErrCircuitOpen
	}

	payload, err := rc.attempt(ctx, stageID, fingerprint, messages, options)
	if err != nil {
		// A caller cancelling its own context says nothing about the
		// dependency's health.
		if !errors.Is(err, context.Canceled) {
			rc.breaker.RecordFailure()
		}
		return nil, false, err
	}

	rc.breaker.RecordSuccess()
	if err := rc.cache.Put(ctx, fingerprint, payload, rc.cfg.CacheTTL); err != nil {
		rc.logger.WarnContext(ctx, "cache write failed", "stage", stageID, "error", err)
	}
	return payload, false, nil
}

// attempt runs the bounded retry loop. It returns the validated payload of
// the first successful attempt, or the last failure wrapped in
// ErrRetriesExhausted.
func (rc *ResilientClient) attempt(ctx context.Context, stageID, fingerprint string, messages []Message, options *SamplingOptions) (json.RawMessage, error) {
	var lastErr error

	for i := 0; i < rc.cfg.Retry.MaxAttempts; i++ {
		if delay := rc.cfg.Retry.Backoff(i, fingerprint); delay > 0 {
			if err := rc.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
		if err := rc.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, rc.cfg.AttemptTimeout)
		resp, err := rc.client.Chat(attemptCtx, messages, options)
		cancel()

		if err == nil {
			payload, verr := rc.validate(stageID, resp.Content)
			if verr == nil {
				return payload, nil
			}
			err = verr
		}

		lastErr = err
		if !rc.cfg.Retry.Retriable(err) {
			return nil, err
		}
		rc.logger.WarnContext(ctx, "inference attempt failed",
			"stage", stageID,
			"attempt", i+1,
			"error", err)
	}

	return nil, fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr)
}

// validate extracts the JSON object from the model output and checks it
// against the stage schema. Malformed output is a retriable failure, not
// something to swallow.
func (rc *ResilientClient) validate(stageID, content string) (json.RawMessage, error) {
	raw := extractJSON(content)
	if raw == "" {
		return nil, &SchemaError{Stage: stageID, Err: fmt.Errorf("no JSON object in response")}
	}

	var payload any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, &SchemaError{Stage: stageID, Err: err}
	}

	if schema, ok := rc.schemas[stageID]; ok {
		if err := schema.Validate(payload); err != nil {
			return nil, &SchemaError{Stage: stageID, Err: err}
		}
	}
	return json.RawMessage(raw), nil
}

// extractJSON pulls the first top-level JSON object out of model output,
// tolerating markdown code fences and prose around it.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if idx := strings.Index(content, "```"); idx >= 0 {
		rest := content[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			content = strings.TrimSpace(rest[:end])
		}
	}

	start := strings.Index(content, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		c := content[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && c == '{':
			depth++
		case !inString && c == '}':
			depth--
			if depth == 0 {
				return content[start : i+1]
			}
		}
	}
	return ""
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
