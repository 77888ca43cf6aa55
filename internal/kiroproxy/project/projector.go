package project

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

type blockKind int

const (
	blockNone blockKind = iota
	blockThinking
	blockText
	blockToolUse
)

type state int

const (
	stateInitial state = iota
	stateInBlock
	stateBetweenBlocks
	stateStopped
)

// ThinkingFormat selects how thinking content is surfaced to the client.
type ThinkingFormat string

const (
	ThinkingFormatBlock            ThinkingFormat = "thinking"
	ThinkingFormatInlineThinkTags  ThinkingFormat = "think"
	ThinkingFormatReasoningContent ThinkingFormat = "reasoning_content"
)

const (
	thinkingOpenTag  = "<thinking>"
	thinkingCloseTag = "</thinking>"
)

// Options configures one Projector instance.
type Options struct {
	Model          string
	ThinkingFormat ThinkingFormat
	EstimatedInput int
}

// Emit is called by the Projector for every SSE event it produces, in
// order. Implementations must not block significantly; the buffered variant
// supplies an Emit that appends to an in-memory log instead of writing.
type Emit func(SSEEvent)

// Projector is the Event Projector state machine: Initial -> BetweenBlocks
// -> InBlock(kind,index) -> BetweenBlocks -> ... -> Stopped.
type Projector struct {
	opts Options
	emit Emit

	st          state
	curKind     blockKind
	curIndex    int
	nextIndex   int
	msgID       string
	toolIndexOf map[string]int
	toolJSONOf  map[string]*strings.Builder
	anyContent  bool

	finalUsage    DecodedEvent
	sawToolUse    bool
	sawTruncation bool
}

// New constructs a Projector that calls emit for each SSE event produced.
// An empty opts.ThinkingFormat selects ThinkingFormatBlock.
func New(opts Options, emit Emit) *Projector {
	if opts.ThinkingFormat == "" {
		opts.ThinkingFormat = ThinkingFormatBlock
	}
	return &Projector{
		opts:        opts,
		emit:        emit,
		st:          stateInitial,
		toolIndexOf: map[string]int{},
		toolJSONOf:  map[string]*strings.Builder{},
	}
}

// Feed processes one decoded upstream event, emitting zero or more SSE
// events as a result. An error arriving before anything has been emitted
// produces a single standalone error event with no message_start.
func (p *Projector) Feed(ev DecodedEvent) {
	if ev.Kind == "error" && p.st == stateInitial {
		p.feedError(ev)
		return
	}
	p.ensureStarted()

	switch ev.Kind {
	case "assistantResponse":
		p.feedText(ev.Text)
	case "reasoningContent":
		p.feedReasoning(ev.Text)
	case "toolUse":
		p.feedToolUse(ev)
	case "contextUsage":
		p.finalUsage = ev
	case "messageMetadata", "codeReference":
		// No SSE surface; informational only.
	case "error":
		p.feedError(ev)
	}
}

// Close finalizes the stream: closes any open block and emits
// message_delta + message_stop. Safe to call once, at end-of-stream.
func (p *Projector) Close() {
	if p.st == stateStopped {
		return
	}
	p.closeCurrentBlock()

	stopReason := "end_turn"
	if p.sawToolUse {
		stopReason = "tool_use"
	}
	usage := map[string]any{
		"input_tokens":  p.finalUsage.InputTokens,
		"output_tokens": p.finalUsage.OutputTokens,
	}
	if p.finalUsage.CacheReadTokens > 0 {
		usage["cache_read_input_tokens"] = p.finalUsage.CacheReadTokens
	}
	if p.finalUsage.CacheWriteTokens > 0 {
		usage["cache_creation_input_tokens"] = p.finalUsage.CacheWriteTokens
	}
	p.emit(SSEEvent{Type: "message_delta", Data: map[string]any{
		"delta": map[string]any{"stop_reason": stopReason},
		"usage": usage,
	}})
	p.emit(SSEEvent{Type: "message_stop", Data: map[string]any{}})
	p.st = stateStopped
}

// MessageID returns the message id assigned to this stream's message_start.
func (p *Projector) MessageID() string { return p.msgID }

// AnyContent reports whether any content block has been opened yet. Callers
// use this to decide whether an upstream error is still eligible for
// credential failover (nothing sent to the client yet) or must be
// propagated in-band (streaming already began).
func (p *Projector) AnyContent() bool { return p.anyContent }

func (p *Projector) ensureStarted() {
	if p.st != stateInitial {
		return
	}
	p.msgID = "msg_" + uuid.NewString()
	p.emit(SSEEvent{Type: "message_start", Data: map[string]any{
		"message": map[string]any{
			"id":    p.msgID,
			"type":  "message",
			"role":  "assistant",
			"model": p.opts.Model,
			"usage": map[string]any{
				"input_tokens":  p.opts.EstimatedInput,
				"output_tokens": 0,
			},
		},
	}})
	p.st = stateBetweenBlocks
}

func (p *Projector) closeCurrentBlock() {
	if p.st != stateInBlock {
		return
	}
	p.emit(SSEEvent{Type: "content_block_stop", Data: map[string]any{"index": p.curIndex}})
	p.st = stateBetweenBlocks
	p.curKind = blockNone
}

func (p *Projector) openBlock(kind blockKind, startData map[string]any) int {
	p.closeCurrentBlock()
	idx := p.nextIndex
	p.nextIndex++
	startData["index"] = idx
	p.emit(SSEEvent{Type: "content_block_start", Data: startData})
	p.st = stateInBlock
	p.curKind = kind
	p.curIndex = idx
	p.anyContent = true
	return idx
}

func (p *Projector) feedText(text string) {
	if text == "" {
		return
	}
	if p.opts.ThinkingFormat == ThinkingFormatBlock {
		if thought, rest, ok := extractThinkingSpan(text); ok {
			p.emitThinkingDelta(thought)
			if rest != "" {
				p.feedPlainText(rest)
			}
			return
		}
	}
	p.feedPlainText(text)
}

func (p *Projector) feedPlainText(text string) {
	if p.curKind != blockText {
		p.openBlock(blockText, map[string]any{"type": "text"})
	}
	p.emit(SSEEvent{Type: "content_block_delta", Data: map[string]any{
		"index": p.curIndex,
		"delta": map[string]any{"type": "text_delta", "text": text},
	}})
}

func (p *Projector) feedReasoning(text string) {
	if text == "" {
		return
	}
	switch p.opts.ThinkingFormat {
	case ThinkingFormatReasoningContent:
		if p.curKind != blockText {
			p.openBlock(blockText, map[string]any{"type": "text"})
		}
		p.emit(SSEEvent{Type: "content_block_delta", Data: map[string]any{
			"index": p.curIndex,
			"delta": map[string]any{"type": "reasoning_content", "reasoning_content": text},
		}})
	case ThinkingFormatInlineThinkTags:
		p.feedPlainText("<think>" + text + "</think>")
	default:
		p.emitThinkingDelta(text)
	}
}

func (p *Projector) emitThinkingDelta(text string) {
	if p.curKind != blockThinking {
		p.openBlock(blockThinking, map[string]any{"type": "thinking"})
	}
	p.emit(SSEEvent{Type: "content_block_delta", Data: map[string]any{
		"index": p.curIndex,
		"delta": map[string]any{"type": "thinking_delta", "thinking": text},
	}})
}

// extractThinkingSpan looks for a complete <thinking>...</thinking> span in
// text. Returns the inner content, the remaining text after the close tag,
// and whether a span was found.
func extractThinkingSpan(text string) (thought string, rest string, ok bool) {
	start := strings.Index(text, thinkingOpenTag)
	if start == -1 {
		return "", "", false
	}
	afterOpen := start + len(thinkingOpenTag)
	end := strings.Index(text[afterOpen:], thinkingCloseTag)
	if end == -1 {
		return "", "", false
	}
	thought = text[afterOpen : afterOpen+end]
	rest = text[afterOpen+end+len(thinkingCloseTag):]
	return thought, rest, true
}

func (p *Projector) feedToolUse(ev DecodedEvent) {
	p.sawToolUse = true
	idx, known := p.toolIndexOf[ev.ToolUseID]
	if !known {
		idx = p.openBlock(blockToolUse, map[string]any{
			"type": "tool_use",
			"id":   ev.ToolUseID,
			"name": ev.ToolName,
		})
		p.toolIndexOf[ev.ToolUseID] = idx
		p.toolJSONOf[ev.ToolUseID] = &strings.Builder{}
	}
	if ev.ToolInputDelta != "" {
		p.toolJSONOf[ev.ToolUseID].WriteString(ev.ToolInputDelta)
		p.emit(SSEEvent{Type: "content_block_delta", Data: map[string]any{
			"index": idx,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": ev.ToolInputDelta},
		}})
	} else if len(ev.ToolInput) > 0 {
		p.toolJSONOf[ev.ToolUseID].Write(ev.ToolInput)
		p.emit(SSEEvent{Type: "content_block_delta", Data: map[string]any{
			"index": idx,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": string(ev.ToolInput)},
		}})
	}
	if ev.ToolUseStopping {
		accumulated := p.toolJSONOf[ev.ToolUseID].String()
		if !json.Valid([]byte(accumulated)) {
			p.sawTruncation = true
		}
		p.closeCurrentBlock()
	}
}

func (p *Projector) feedError(ev DecodedEvent) {
	if p.anyContent {
		p.closeCurrentBlock()
		p.emit(SSEEvent{Type: "message_delta", Data: map[string]any{
			"delta": map[string]any{"stop_reason": "error"},
		}})
		p.emit(SSEEvent{Type: "message_stop", Data: map[string]any{}})
		p.st = stateStopped
		return
	}
	p.emit(SSEEvent{Type: "error", Data: map[string]any{
		"error": map[string]any{"type": ev.ErrorCode, "message": ev.ErrorMessage},
	}})
	p.st = stateStopped
}
