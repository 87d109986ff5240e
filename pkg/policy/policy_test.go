package policy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/returnably/core/pkg/policy"
)

func TestNewTableRequiresDefault(t *testing.T) {
	_, err := policy.NewTable(map[string]policy.Entry{
		"shop.example.com": {Days: 30, Anchor: policy.AnchorDelivery},
	})
	require.ErrorIs(t, err, policy.ErrNoDefault)
}

func TestNewTableRejectsBadEntries(t *testing.T) {
	tests := []struct {
		name    string
		entries map[string]policy.Entry
	}{
		{
			name: "zero days",
			entries: map[string]policy.Entry{
				"default": {Days: 0, Anchor: policy.AnchorOrder},
			},
		},
		{
			name: "negative days",
			entries: map[string]policy.Entry{
				"default":    {Days: 30, Anchor: policy.AnchorOrder},
				"bad.com":    {Days: -5, Anchor: policy.AnchorOrder},
				"normal.com": {Days: 14, Anchor: policy.AnchorDelivery},
			},
		},
		{
			name: "unknown anchor",
			entries: map[string]policy.Entry{
				"default": {Days: 30, Anchor: "purchase"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := policy.NewTable(tt.entries)
			assert.Error(t, err)
		})
	}
}

func TestLookupFallsBackToDefault(t *testing.T) {
	table, err := policy.NewTable(map[string]policy.Entry{
		"default":          {Days: 14, Anchor: policy.AnchorOrder},
		"Shop.Example.com": {Days: 90, Anchor: policy.AnchorDelivery},
	})
	require.NoError(t, err)

	e := table.Lookup("shop.example.com")
	assert.Equal(t, 90, e.Days)
	assert.Equal(t, policy.AnchorDelivery, e.Anchor)

	// Lookup normalizes case.
	assert.Equal(t, 90, table.Lookup("SHOP.EXAMPLE.COM").Days)

	def := table.Lookup("unknown.example.net")
	assert.Equal(t, 14, def.Days)
	assert.Equal(t, policy.AnchorOrder, def.Anchor)

	assert.Equal(t, 1, table.Len())
}
