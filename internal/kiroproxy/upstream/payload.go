package upstream

import (
	"fmt"

	"github.com/kiroproxy/kiroproxy/internal/kiroproxy/convert"
	"github.com/tidwall/sjson"
)

// origin is the IDE-identity metadata Kiro expects on every conversation,
// grounded on the teacher's buildKiroPayload "source"/"origin" fields.
const (
	originSource  = "FeatureDev"
	originDefault = "AI_EDITOR"
	originCLI     = "CLI"
)

// BuildPayload serializes a converted Envelope into the Kiro conversationState
// wire body, wrapping it the way the teacher's buildKiroPayload wraps a
// Claude-format body, extended with the history/tools/system-prompt/reasoning
// fields the Data Model describes.
func BuildPayload(env convert.Envelope, origin, machineID string) ([]byte, error) {
	if origin == "" {
		origin = originDefault
	}

	history := make([]map[string]any, 0, len(env.History))
	for _, turn := range env.History {
		userMsg := map[string]any{"content": turn.UserContent}
		if len(turn.UserToolResults) > 0 {
			userMsg["toolResults"] = turn.UserToolResults
		}
		assistantMsg := map[string]any{"content": turn.AssistantContent}
		if len(turn.AssistantTools) > 0 {
			assistantMsg["toolUses"] = turn.AssistantTools
		}
		history = append(history, map[string]any{
			"userInputMessage":      userMsg,
			"assistantResponseMessage": assistantMsg,
		})
	}

	currentMessage := map[string]any{
		"content": env.CurrentContent,
		"modelId": env.ModelID,
		"origin":  map[string]any{"name": "kiroproxy", "os": "linux", "machineId": machineID},
	}
	if len(env.CurrentResults) > 0 {
		currentMessage["toolResults"] = env.CurrentResults
	}
	if len(env.CurrentTools) > 0 {
		currentMessage["toolUses"] = env.CurrentTools
	}
	if env.SystemPrompt != "" {
		currentMessage["systemPrompt"] = env.SystemPrompt
	}
	if len(env.Tools) > 0 {
		currentMessage["tools"] = env.Tools
	}
	if env.WebSearchEnabled {
		currentMessage["webSearchEnabled"] = true
	}
	if env.ReasoningEnabled {
		currentMessage["reasoning"] = map[string]any{"enabled": true, "budgetTokens": env.ReasoningBudget}
	}

	conversationState := map[string]any{
		"conversationId":  env.ConversationID,
		"currentMessage":  currentMessage,
		"chatTriggerType": "MANUAL",
	}
	if len(history) > 0 {
		conversationState["history"] = history
	}

	kiroPayload := map[string]any{
		"conversationState": conversationState,
		"source":            originSource,
		"origin":            origin,
	}
	if env.ProfileArn != "" {
		kiroPayload["profileArn"] = env.ProfileArn
	}

	payload, err := sjson.SetBytes(nil, "", kiroPayload)
	if err != nil {
		return nil, fmt.Errorf("build kiro payload: %w", err)
	}
	return payload, nil
}
