package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/returnably/core/pkg/policy"
)

// PipelineProfile is the operator-editable YAML profile: filter tables,
// optional CEL rules, and the merchant return-policy table.
type PipelineProfile struct {
	Filter    FilterConfig            `yaml:"filter" json:"filter"`
	Merchants map[string]policy.Entry `yaml:"merchants" json:"merchants"`
}

// FilterConfig configures the Stage 1 domain filter.
type FilterConfig struct {
	Blocklist []string `yaml:"blocklist" json:"blocklist"`
	Allowlist []string `yaml:"allowlist" json:"allowlist"`

	// RejectVocabulary extends the built-in grocery/subscription/survey
	// keyword sets.
	RejectVocabulary []string `yaml:"reject_vocabulary,omitempty" json:"reject_vocabulary,omitempty"`

	// Rules are CEL expressions over {sender_domain, subject, body}. A rule
	// evaluating to true rejects the message without a deploy.
	Rules []string `yaml:"rules,omitempty" json:"rules,omitempty"`
}

// LoadProfile reads and validates a pipeline profile. The merchants table
// must carry a default entry; a broken profile aborts startup.
func LoadProfile(path string) (*PipelineProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}

	var profile PipelineProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", path, err)
	}

	if _, err := policy.NewTable(profile.Merchants); err != nil {
		return nil, fmt.Errorf("profile %q: %w", path, err)
	}

	return &profile, nil
}

// MerchantTable builds the validated policy table from the profile.
func (p *PipelineProfile) MerchantTable() (*policy.Table, error) {
	return policy.NewTable(p.Merchants)
}
