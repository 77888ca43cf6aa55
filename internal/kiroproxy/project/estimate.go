package project

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var tokenizerCache sync.Map

// EstimateTokens returns an over-estimating token count for text, using the
// cl100k/o200k-family encoder when resolvable for model, else falling back
// to len(text)/4 with a floor of 1 -- the heuristic left open by the source's
// Open Question on input-token estimation.
func EstimateTokens(model, text string) int {
	if text == "" {
		return 0
	}
	if enc, err := resolveEncoding(model); err == nil {
		if _, tokens, err := enc.Encode(text); err == nil {
			if n := len(tokens); n > 0 {
				return n
			}
			return 1
		}
	}
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// resolveEncoding maps a Claude model name to a tiktoken codec, caching the
// result per model name. Claude has no published tiktoken encoding, so this
// picks the closest modern family (o200k) and falls back to cl100k for
// older-style names, matching the nearest-family approach the pack's
// custom-provider example uses for its own non-OpenAI models.
func resolveEncoding(model string) (tokenizer.Codec, error) {
	if cached, ok := tokenizerCache.Load(model); ok {
		return cached.(tokenizer.Codec), nil
	}

	var enc tokenizer.Codec
	var err error

	sanitized := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.Contains(sanitized, "haiku-3"), strings.Contains(sanitized, "claude-2"):
		enc, err = tokenizer.Get(tokenizer.Cl100kBase)
	default:
		enc, err = tokenizer.Get(tokenizer.O200kBase)
	}
	if err != nil {
		return nil, err
	}

	actual, _ := tokenizerCache.LoadOrStore(model, enc)
	return actual.(tokenizer.Codec), nil
}
