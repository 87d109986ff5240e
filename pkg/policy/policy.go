// Package policy holds the static merchant return-policy table. The table
// is loaded once per process, validated eagerly, and read-only afterwards.
package policy

import (
	"errors"
	"fmt"

	"github.com/returnably/core/pkg/contracts"
)

// Anchor names the date a return window is counted from.
type Anchor string

const (
	AnchorOrder    Anchor = "order"
	AnchorDelivery Anchor = "delivery"
)

// DefaultKey is the mandatory fallback entry applied when a merchant domain
// has no explicit policy.
const DefaultKey = "default"

var (
	// ErrNoDefault is returned when the table lacks the mandatory default entry.
	ErrNoDefault = errors.New("policy: table must contain a default entry")
)

// Entry is one merchant's return policy.
type Entry struct {
	Days   int    `yaml:"days" json:"days"`
	Anchor Anchor `yaml:"anchor" json:"anchor"`
}

// Validate checks an entry is usable. Misconfiguration fails at load time,
// never per message.
func (e Entry) Validate() error {
	if e.Days <= 0 {
		return fmt.Errorf("policy: days must be positive, got %d", e.Days)
	}
	switch e.Anchor {
	case AnchorOrder, AnchorDelivery:
		return nil
	default:
		return fmt.Errorf("policy: unknown anchor %q", e.Anchor)
	}
}

// Table maps merchant domains to return policies with a mandatory default.
type Table struct {
	entries map[string]Entry
	def     Entry
}

// NewTable builds and validates a table from raw entries. The entries map
// must contain a "default" key.
func NewTable(entries map[string]Entry) (*Table, error) {
	def, ok := entries[DefaultKey]
	if !ok {
		return nil, ErrNoDefault
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("policy: default entry: %w", err)
	}

	t := &Table{entries: make(map[string]Entry, len(entries)), def: def}
	for domain, e := range entries {
		if domain == DefaultKey {
			continue
		}
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("policy: entry %q: %w", domain, err)
		}
		t.entries[contracts.NormalizeDomain(domain)] = e
	}
	return t, nil
}

// Lookup returns the policy for a merchant domain, falling back to the
// default entry when the domain is unknown or empty.
func (t *Table) Lookup(domain string) Entry {
	if e, ok := t.entries[contracts.NormalizeDomain(domain)]; ok {
		return e
	}
	return t.def
}

// Default returns the fallback entry.
func (t *Table) Default() Entry {
	return t.def
}

// Len returns the number of explicit (non-default) entries.
func (t *Table) Len() int {
	return len(t.entries)
}
