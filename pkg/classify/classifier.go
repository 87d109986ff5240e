// Package classify implements Stage 2: deciding whether a message describes
// a returnable product order. The gate fails closed — when the inference
// dependency is unavailable the message is rejected, never guessed
// returnable.
package classify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/returnably/core/pkg/contracts"
	"github.com/returnably/core/pkg/llm"
)

// Schema is the expected structure of the classifier's response. It is
// compiled into the resilient client at startup.
const Schema = `{
  "type": "object",
  "required": ["category", "confidence"],
  "properties": {
    "category": {
      "type": "string",
      "enum": ["product_order", "service", "subscription", "digital", "unknown"]
    },
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

const systemPrompt = `You classify purchase-related emails. Decide whether the email describes a physical product order (something that could be returned), a service, a subscription, or a digital purchase. Respond with a single JSON object: {"category": "product_order"|"service"|"subscription"|"digital"|"unknown", "confidence": 0.0-1.0}. Use "unknown" when the email is ambiguous. Never guess high confidence.`

// Classifier calls the resilient inference client with the classify stage
// and applies the configured confidence threshold.
type Classifier struct {
	client    *llm.ResilientClient
	threshold float64
}

// New creates a classifier. Threshold is the minimum confidence for a
// product-order verdict to proceed to extraction.
func New(client *llm.ResilientClient, threshold float64) *Classifier {
	return &Classifier{client: client, threshold: threshold}
}

// Classify runs Stage 2 over already-sanitized message text. The second
// return reports whether the verdict came from the response cache, so
// callers can refund budget reserved for a live call.
func (c *Classifier) Classify(ctx context.Context, text string) (contracts.ClassificationResult, bool, error) {
	messages := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: text},
	}

	payload, cached, err := c.client.Invoke(ctx, llm.StageClassify, text, messages, &llm.SamplingOptions{Temperature: 0})
	if err != nil {
		return contracts.ClassificationResult{}, false, err
	}

	var result contracts.ClassificationResult
	if err := json.Unmarshal(payload, &result); err != nil {
		// The payload already passed the stage schema; this is a programmer
		// error, not a model one.
		return contracts.ClassificationResult{}, false, fmt.Errorf("classify: decode validated payload: %w", err)
	}
	return result, cached, nil
}

// Returnable reports whether a classification clears the gate to Stage 3.
func (c *Classifier) Returnable(result contracts.ClassificationResult) bool {
	return result.Category == contracts.CategoryProductOrder && result.Confidence >= c.threshold
}
