// Package filter implements the free, deterministic Stage 1 gate. It is the
// sole gate before paid inference calls and is expected to reject the
// majority of traffic.
package filter

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/returnably/core/pkg/contracts"
)

// Built-in reject vocabularies. A hit in any of them votes reject unless the
// sender is allowlisted.
var (
	groceryWords = []string{
		"grocery", "groceries", "instacart", "doordash", "uber eats",
		"meal kit", "restaurant", "takeout", "delivery fee",
	}
	subscriptionWords = []string{
		"subscription renew", "your subscription", "auto-renew",
		"membership renewal", "billing cycle", "monthly plan",
		"payment received", "invoice for your subscription",
	}
	surveyWords = []string{
		"survey", "feedback request", "rate your experience",
		"tell us how we did", "review your purchase", "newsletter",
		"unsubscribe from this list",
	}
)

// Filter evaluates sender domain, subject, and a body snippet against static
// allow/block tables, keyword heuristics, and optional operator CEL rules.
// No external calls; cost is zero.
type Filter struct {
	block map[string]struct{}
	allow map[string]struct{}
	vocab []string
	rules []cel.Program
}

// Option customizes a Filter.
type Option func(*Filter) error

// WithVocabulary extends the built-in reject keyword sets.
func WithVocabulary(words []string) Option {
	return func(f *Filter) error {
		for _, w := range words {
			f.vocab = append(f.vocab, strings.ToLower(w))
		}
		return nil
	}
}

// WithRules compiles CEL reject rules over {sender_domain, subject, body}.
// A rule that fails to compile aborts construction; rules never fail per
// message.
func WithRules(exprs []string) Option {
	return func(f *Filter) error {
		if len(exprs) == 0 {
			return nil
		}
		env, err := cel.NewEnv(
			cel.Variable("sender_domain", cel.StringType),
			cel.Variable("subject", cel.StringType),
			cel.Variable("body", cel.StringType),
		)
		if err != nil {
			return fmt.Errorf("filter: cel env: %w", err)
		}
		for i, expr := range exprs {
			ast, issues := env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				return fmt.Errorf("filter: rule %d: %w", i, issues.Err())
			}
			prg, err := env.Program(ast)
			if err != nil {
				return fmt.Errorf("filter: rule %d: %w", i, err)
			}
			f.rules = append(f.rules, prg)
		}
		return nil
	}
}

// New builds a Filter from block and allow domain tables.
func New(blocklist, allowlist []string, opts ...Option) (*Filter, error) {
	f := &Filter{
		block: make(map[string]struct{}, len(blocklist)),
		allow: make(map[string]struct{}, len(allowlist)),
	}
	for _, d := range blocklist {
		f.block[contracts.NormalizeDomain(d)] = struct{}{}
	}
	for _, d := range allowlist {
		f.allow[contracts.NormalizeDomain(d)] = struct{}{}
	}
	f.vocab = append(f.vocab, groceryWords...)
	f.vocab = append(f.vocab, subscriptionWords...)
	f.vocab = append(f.vocab, surveyWords...)

	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// bodySnippetLen bounds how much body text the heuristics look at. Keyword
// signal concentrates at the top of marketing mail.
const bodySnippetLen = 2048

// Evaluate produces the Stage 1 verdict for one message.
func (f *Filter) Evaluate(msg contracts.RawMessage) contracts.FilterVerdict {
	domain := contracts.NormalizeDomain(msg.SenderDomain)

	// (a) Exact-match block table short-circuits reject.
	if _, ok := f.block[domain]; ok {
		return contracts.FilterVerdict{Pass: false, Reason: contracts.FilterBlocklisted}
	}

	// (b) Exact-match allow table short-circuits pass.
	if _, ok := f.allow[domain]; ok {
		return contracts.FilterVerdict{Pass: true, Reason: contracts.FilterAllowlisted}
	}

	// (c) Keyword heuristics and operator rules vote reject; absence of
	// negative signal votes pass.
	snippet := msg.Body
	if len(snippet) > bodySnippetLen {
		snippet = snippet[:bodySnippetLen]
	}
	subject := strings.ToLower(msg.Subject)
	body := strings.ToLower(snippet)

	for _, word := range f.vocab {
		if strings.Contains(subject, word) || strings.Contains(body, word) {
			return contracts.FilterVerdict{Pass: false, Reason: contracts.FilterHeuristicReject}
		}
	}

	for _, prg := range f.rules {
		out, _, err := prg.Eval(map[string]any{
			"sender_domain": domain,
			"subject":       subject,
			"body":          body,
		})
		if err != nil {
			// A rule that errors at runtime never rejects; the paid stages
			// still gate downstream.
			continue
		}
		if reject, ok := out.Value().(bool); ok && reject {
			return contracts.FilterVerdict{Pass: false, Reason: contracts.FilterHeuristicReject}
		}
	}

	return contracts.FilterVerdict{Pass: true, Reason: contracts.FilterHeuristicPass}
}
