// Package models defines the Anthropic-facing model catalog and the
// glob-style mapping rules from Anthropic model names to Kiro's internal
// upstream model ids.
package models

import "strings"

// ContextWindow sizes, in tokens.
const (
	ContextWindow200K = 200_000
	ContextWindow1M   = 1_000_000
)

// DefaultThinkingBudget and MaxThinkingBudget bound extended-thinking token
// budgets for -thinking model variants.
const (
	DefaultThinkingBudget = 20_000
	MaxThinkingBudget     = 128_000
)

// AgenticSystemPrompt is injected for -agentic model variants, nudging the
// upstream toward chunked file writes instead of single giant completions.
const AgenticSystemPrompt = "When writing files, prefer a sequence of small, incremental chunked writes over one large write."

// Entry describes one entry in the /v1/models catalog.
type Entry struct {
	ID              string `json:"id"`
	DisplayName     string `json:"display_name"`
	ContextWindow   int    `json:"context_window"`
	SupportsThink   bool   `json:"-"`
	IsAgentic       bool   `json:"-"`
	UpstreamModelID string `json:"-"`
}

func buildCatalog() []Entry {
	type base struct {
		family   string
		upstream string
	}
	bases := []base{
		{"claude-sonnet-4-5-20250929", "CLAUDE_SONNET_4_5_20250929_V1_0"},
		{"claude-opus-4-5", "claude-opus-4.5"},
		{"claude-opus-4-6", "claude-opus-4.6"},
		{"claude-haiku-4-5", "claude-haiku-4.5"},
	}
	var out []Entry
	for _, b := range bases {
		out = append(out, Entry{ID: b.family, DisplayName: b.family, ContextWindow: ContextWindow200K, UpstreamModelID: b.upstream})
		out = append(out, Entry{ID: b.family + "-thinking", DisplayName: b.family + " (thinking)", ContextWindow: ContextWindow200K, SupportsThink: true, UpstreamModelID: b.upstream})
		out = append(out, Entry{ID: b.family + "-agentic", DisplayName: b.family + " (agentic)", ContextWindow: ContextWindow200K, IsAgentic: true, UpstreamModelID: b.upstream})
	}
	// Opus 4.6 additionally ships 1M-context variants.
	opus46 := "claude-opus-4-6"
	opus46Upstream := "claude-opus-4.6"
	out = append(out, Entry{ID: opus46 + "-1m", DisplayName: opus46 + " (1M context)", ContextWindow: ContextWindow1M, UpstreamModelID: opus46Upstream})
	out = append(out, Entry{ID: opus46 + "-1m-thinking", DisplayName: opus46 + " (1M context, thinking)", ContextWindow: ContextWindow1M, SupportsThink: true, UpstreamModelID: opus46Upstream})
	out = append(out, Entry{ID: opus46 + "-1m-agentic", DisplayName: opus46 + " (1M context, agentic)", ContextWindow: ContextWindow1M, IsAgentic: true, UpstreamModelID: opus46Upstream})
	return out
}

// Catalog is the full, static /v1/models listing: fourteen entries.
var Catalog = buildCatalog()

// Lookup returns the catalog Entry for id, if present.
func Lookup(id string) (Entry, bool) {
	for _, e := range Catalog {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// MapToUpstreamID applies the first-match-wins glob table from Anthropic
// model names to Kiro's internal upstream model ids.
func MapToUpstreamID(name string) string {
	n := strings.ToLower(name)
	has45 := strings.Contains(n, "4.5") || strings.Contains(n, "4-5")
	has37 := strings.Contains(n, "3.7") || strings.Contains(n, "3-7")

	switch {
	case strings.Contains(n, "sonnet") && has45:
		return "CLAUDE_SONNET_4_5_20250929_V1_0"
	case strings.Contains(n, "sonnet") && strings.Contains(n, "4") && !has45:
		return "CLAUDE_SONNET_4_20250514_V1_0"
	case strings.Contains(n, "sonnet") && has37:
		return "CLAUDE_3_7_SONNET_20250219_V1_0"
	case strings.Contains(n, "sonnet"):
		return "CLAUDE_SONNET_4_5_20250929_V1_0"
	case strings.Contains(n, "opus") && has45:
		return "claude-opus-4.5"
	case strings.Contains(n, "opus"):
		return "claude-opus-4.6"
	case strings.Contains(n, "haiku"):
		return "claude-haiku-4.5"
	default:
		return ""
	}
}

// StripVariantSuffixes removes recognized -thinking/-agentic/-1m suffixes
// (in any combination/order) from a model name, returning the base name and
// which variants were present.
func StripVariantSuffixes(name string, thinkingSuffix string) (base string, thinking bool, agentic bool, oneMillion bool) {
	base = name
	for {
		switch {
		case strings.HasSuffix(base, thinkingSuffix):
			base = strings.TrimSuffix(base, thinkingSuffix)
			thinking = true
		case strings.HasSuffix(base, "-agentic"):
			base = strings.TrimSuffix(base, "-agentic")
			agentic = true
		case strings.HasSuffix(base, "-1m"):
			base = strings.TrimSuffix(base, "-1m")
			oneMillion = true
		default:
			return base, thinking, agentic, oneMillion
		}
	}
}
