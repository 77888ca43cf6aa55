package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCatalogHasFourteenEntries(t *testing.T) {
	assert.Len(t, Catalog, 14)
}

func TestMapToUpstreamIDRules(t *testing.T) {
	cases := map[string]string{
		"claude-sonnet-4-5-20250929": "CLAUDE_SONNET_4_5_20250929_V1_0",
		"claude-sonnet-4-20250514":   "CLAUDE_SONNET_4_20250514_V1_0",
		"claude-3-7-sonnet-20250219": "CLAUDE_3_7_SONNET_20250219_V1_0",
		"sonnet-other":               "CLAUDE_SONNET_4_5_20250929_V1_0",
		"claude-opus-4-5":            "claude-opus-4.5",
		"claude-opus-4-6":            "claude-opus-4.6",
		"claude-haiku-4-5":           "claude-haiku-4.5",
	}
	for in, want := range cases {
		assert.Equal(t, want, MapToUpstreamID(in), "input %s", in)
	}
}

func TestStripVariantSuffixes(t *testing.T) {
	base, thinking, agentic, oneM := StripVariantSuffixes("claude-opus-4-6-1m-thinking", "-thinking")
	assert.Equal(t, "claude-opus-4-6", base)
	assert.True(t, thinking)
	assert.False(t, agentic)
	assert.True(t, oneM)
}

func TestOpusOneMVariantsPresent(t *testing.T) {
	_, ok := Lookup("claude-opus-4-6-1m")
	assert.True(t, ok)
	e, ok := Lookup("claude-opus-4-6-1m-thinking")
	assert.True(t, ok)
	assert.Equal(t, ContextWindow1M, e.ContextWindow)
	assert.True(t, e.SupportsThink)
}
