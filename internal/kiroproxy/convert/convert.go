// Package convert translates an Anthropic Messages API request body into the
// Kiro upstream conversationState envelope, grounded on the teacher's
// internal/runtime/executor/kiro_executor.go buildKiroPayload/applyPayloadConfig
// and kiro_request.go's thinking/agentic/profile-ARN handling.
package convert

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/kiroproxy/kiroproxy/internal/kiroproxy/models"
)

// BadRequestError reports a client-request invariant violation.
type BadRequestError struct {
	Field  string
	Reason string
}

func (e *BadRequestError) Error() string {
	return fmt.Sprintf("convert: invalid field %q: %s", e.Field, e.Reason)
}

// StatusCode satisfies the ambient error-shaping contract (see
// internal/errors.AppError): a malformed request is always a 400.
func (e *BadRequestError) StatusCode() int { return http.StatusBadRequest }

// Headers contributes nothing; present only to satisfy the contract.
func (e *BadRequestError) Headers() http.Header { return nil }

// Turn is one (user, assistant) history pair already flattened to text plus
// any tool uses/results.
type Turn struct {
	UserContent      string          `json:"userContent"`
	UserToolResults  []ToolResult    `json:"userToolResults,omitempty"`
	AssistantContent string          `json:"assistantContent"`
	AssistantTools   []ToolUseUpstream `json:"assistantToolUses,omitempty"`
}

// ToolResult is an upstream toolResults entry on a user message.
type ToolResult struct {
	ToolUseID string `json:"toolUseId"`
	Content   string `json:"content"`
	IsError   bool   `json:"isError,omitempty"`
}

// ToolUseUpstream is an upstream toolUses entry on an assistant message.
type ToolUseUpstream struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

// ToolSpec is an upstream tool manifest entry.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Envelope is the Kiro upstream conversationState request body.
type Envelope struct {
	ConversationID   string            `json:"conversationId"`
	History          []Turn            `json:"history,omitempty"`
	CurrentContent   string            `json:"currentUserContent"`
	CurrentTools     []ToolUseUpstream `json:"currentToolUses,omitempty"`
	CurrentResults   []ToolResult      `json:"currentToolResults,omitempty"`
	ModelID          string            `json:"modelId"`
	SystemPrompt     string            `json:"systemPrompt,omitempty"`
	Tools            []ToolSpec        `json:"tools,omitempty"`
	WebSearchEnabled bool              `json:"webSearchEnabled,omitempty"`
	ReasoningEnabled bool              `json:"reasoningEnabled,omitempty"`
	ReasoningBudget  int               `json:"reasoningBudget,omitempty"`
	ProfileArn       string            `json:"profileArn,omitempty"`
}

// Result bundles the converted envelope with metadata the Projector needs
// back (the stripped display model name, whether thinking was requested).
type Result struct {
	Envelope        Envelope
	DisplayModel    string
	ThinkingEnabled bool
	CompressedTools map[string]string // pointer -> original body, side-channel
}

// Options configures conversion behavior sourced from ambient config.
type Options struct {
	ThinkingSuffix          string
	ProfileArn              string
	CompressionEnabled      bool
	CompressionThresholdPct float64
	MaxEnvelopeBytes        int
}

// anthropicMessage mirrors the subset of the Anthropic Messages API this
// proxy needs to read.
type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

// Convert translates a raw Anthropic request body into the Kiro envelope.
func Convert(body []byte, opts Options) (Result, error) {
	model := gjson.GetBytes(body, "model").String()
	if strings.TrimSpace(model) == "" {
		return Result{}, &BadRequestError{Field: "model", Reason: "required"}
	}

	var messages []anthropicMessage
	if err := json.Unmarshal([]byte(gjson.GetBytes(body, "messages").Raw), &messages); err != nil {
		return Result{}, &BadRequestError{Field: "messages", Reason: "malformed"}
	}
	if len(messages) == 0 {
		return Result{}, &BadRequestError{Field: "messages", Reason: "must contain at least one message"}
	}

	lastUserIdx := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			lastUserIdx = i
			break
		}
	}
	if lastUserIdx == -1 {
		return Result{}, &BadRequestError{Field: "messages", Reason: "no user message present"}
	}

	history, err := buildHistory(messages[:lastUserIdx])
	if err != nil {
		return Result{}, err
	}
	currentText, currentResults, err := flattenUserContent(messages[lastUserIdx].Content)
	if err != nil {
		return Result{}, err
	}

	systemPrompt := extractSystemPrompt(body)

	thinkingSuffix := opts.ThinkingSuffix
	if thinkingSuffix == "" {
		thinkingSuffix = "-thinking"
	}
	baseModel, suffixThinking, agentic, _ := models.StripVariantSuffixes(model, thinkingSuffix)

	reasoningEnabled := false
	reasoningBudget := 0
	if t := gjson.GetBytes(body, "thinking"); t.Exists() {
		var th anthropicThinking
		if err := json.Unmarshal([]byte(t.Raw), &th); err == nil && th.Type == "enabled" {
			reasoningEnabled = true
			reasoningBudget = th.BudgetTokens
			if reasoningBudget <= 0 {
				reasoningBudget = models.DefaultThinkingBudget
			}
			if reasoningBudget > models.MaxThinkingBudget {
				reasoningBudget = models.MaxThinkingBudget
			}
		}
	}
	if suffixThinking {
		reasoningEnabled = true
		if reasoningBudget == 0 {
			reasoningBudget = models.DefaultThinkingBudget
		}
		nudge := "Extended thinking is enabled; reason step by step before answering."
		if systemPrompt != "" {
			systemPrompt += "\n" + nudge
		} else {
			systemPrompt = nudge
		}
	}
	if agentic {
		if systemPrompt != "" {
			systemPrompt += "\n" + models.AgenticSystemPrompt
		} else {
			systemPrompt = models.AgenticSystemPrompt
		}
	}

	tools, webSearch, err := buildTools(body)
	if err != nil {
		return Result{}, err
	}

	env := Envelope{
		ConversationID:   uuid.NewString(),
		History:          history,
		CurrentContent:   currentText,
		CurrentResults:   currentResults,
		ModelID:          models.MapToUpstreamID(baseModel),
		SystemPrompt:     systemPrompt,
		Tools:            tools,
		WebSearchEnabled: webSearch,
		ReasoningEnabled: reasoningEnabled,
		ReasoningBudget:  reasoningBudget,
		ProfileArn:       opts.ProfileArn,
	}
	if env.ModelID == "" {
		return Result{}, &BadRequestError{Field: "model", Reason: "unmappable to an upstream model id"}
	}

	compressed := map[string]string{}
	if opts.CompressionEnabled {
		compressToolResults(&env, opts, compressed)
	}

	return Result{Envelope: env, DisplayModel: baseModel, ThinkingEnabled: reasoningEnabled, CompressedTools: compressed}, nil
}

func buildHistory(messages []anthropicMessage) ([]Turn, error) {
	var turns []Turn
	i := 0
	for i < len(messages) {
		if messages[i].Role != "user" {
			return nil, &BadRequestError{Field: "messages", Reason: "history must alternate starting with user"}
		}
		userText, userResults, err := flattenUserContent(messages[i].Content)
		if err != nil {
			return nil, err
		}
		turn := Turn{UserContent: userText}
		for _, r := range userResults {
			turn.UserToolResults = append(turn.UserToolResults, r)
		}
		i++
		if i < len(messages) && messages[i].Role == "assistant" {
			text, toolUses, err := flattenAssistantContent(messages[i].Content)
			if err != nil {
				return nil, err
			}
			turn.AssistantContent = text
			turn.AssistantTools = toolUses
			i++
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func flattenUserContent(raw json.RawMessage) (string, []ToolResult, error) {
	if len(raw) == 0 {
		return "", nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", nil, &BadRequestError{Field: "content", Reason: "malformed string content"}
		}
		return s, nil, nil
	}
	var blocks []anthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", nil, &BadRequestError{Field: "content", Reason: "malformed content array"}
	}
	var sb strings.Builder
	var results []ToolResult
	for _, b := range blocks {
		switch b.Type {
		case "text":
			sb.WriteString(b.Text)
		case "tool_result":
			results = append(results, ToolResult{
				ToolUseID: b.ToolUseID,
				Content:   toolResultText(b.Content),
				IsError:   b.IsError,
			})
		}
	}
	return sb.String(), results, nil
}

// toolResultText extracts a plain-text representation from a tool_result
// block's content, which Anthropic allows as a bare string or a content
// block array.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
		return string(raw)
	}
	var blocks []anthropicContentBlock
	if json.Unmarshal(raw, &blocks) == nil {
		var sb strings.Builder
		for _, b := range blocks {
			if b.Type == "text" {
				sb.WriteString(b.Text)
			}
		}
		return sb.String()
	}
	return string(raw)
}

func flattenAssistantContent(raw json.RawMessage) (string, []ToolUseUpstream, error) {
	if len(raw) == 0 {
		return "", nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", nil, &BadRequestError{Field: "content", Reason: "malformed string content"}
		}
		return s, nil, nil
	}
	var blocks []anthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", nil, &BadRequestError{Field: "content", Reason: "malformed content array"}
	}
	var sb strings.Builder
	var uses []ToolUseUpstream
	for _, b := range blocks {
		switch b.Type {
		case "text":
			sb.WriteString(b.Text)
		case "tool_use":
			uses = append(uses, ToolUseUpstream{ToolUseID: b.ID, Name: b.Name, Input: b.Input})
		}
	}
	return sb.String(), uses, nil
}

func extractSystemPrompt(body []byte) string {
	sys := gjson.GetBytes(body, "system")
	if !sys.Exists() {
		return ""
	}
	if sys.IsArray() {
		var parts []string
		sys.ForEach(func(_, v gjson.Result) bool {
			if t := v.Get("text"); t.Exists() {
				parts = append(parts, t.String())
			}
			return true
		})
		return strings.Join(parts, "\n")
	}
	return sys.String()
}

func buildTools(body []byte) ([]ToolSpec, bool, error) {
	t := gjson.GetBytes(body, "tools")
	if !t.Exists() || !t.IsArray() {
		return nil, false, nil
	}
	var raw []anthropicTool
	if err := json.Unmarshal([]byte(t.Raw), &raw); err != nil {
		return nil, false, &BadRequestError{Field: "tools", Reason: "malformed tool schema"}
	}
	if len(raw) == 1 && raw[0].Name == "web_search" {
		return nil, true, nil
	}
	var specs []ToolSpec
	for _, rt := range raw {
		if rt.Name == "" {
			return nil, false, &BadRequestError{Field: "tools", Reason: "tool missing name"}
		}
		specs = append(specs, ToolSpec{Name: rt.Name, Description: rt.Description, InputSchema: rt.InputSchema})
	}
	return specs, false, nil
}

// compressToolResults rewrites large tool-result bodies in the envelope's
// history with a content-addressed pointer when the serialized envelope
// would exceed the configured threshold, stashing the originals in
// `compressed`, which Convert returns as Result.CompressedTools. The
// Projector never sees this table.
func compressToolResults(env *Envelope, opts Options, compressed map[string]string) {
	if opts.MaxEnvelopeBytes <= 0 {
		return
	}
	serialized, err := json.Marshal(env)
	if err != nil {
		return
	}
	threshold := int(float64(opts.MaxEnvelopeBytes) * opts.CompressionThresholdPct)
	if threshold <= 0 || len(serialized) <= threshold {
		return
	}
	for ti := range env.History {
		for ri := range env.History[ti].UserToolResults {
			r := &env.History[ti].UserToolResults[ri]
			if len(r.Content) < 2048 {
				continue
			}
			pointer := contentPointer(r.Content)
			compressed[pointer] = r.Content
			r.Content = "kiro-ptr:" + pointer
		}
	}
}

func contentPointer(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])[:16]
}
