// Package project is the Event Projector: it consumes decoded upstream Kiro
// events and emits a well-formed Anthropic SSE sequence, including tool-use
// assembly and thinking-block shaping, grounded on the teacher's
// internal/runtime/executor/kiro_response.go handleStreamEvent family.
package project

import "encoding/json"

// DecodedEvent is a tagged sum over the upstream event types.
type DecodedEvent struct {
	Kind string // "assistantResponse" | "toolUse" | "contextUsage" | "messageMetadata" | "codeReference" | "error" | "reasoningContent"

	// assistantResponse / reasoningContent
	Text string

	// toolUse
	ToolUseID       string
	ToolName        string
	ToolInput       json.RawMessage
	ToolInputDelta  string
	ToolUseStopping bool

	// contextUsage
	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheWriteTokens int

	// messageMetadata
	ConversationID string

	// error
	ErrorCode    string
	ErrorMessage string
}

// SSEEvent is one emitted Anthropic-compatible SSE event.
type SSEEvent struct {
	Type string
	Data map[string]any
}
