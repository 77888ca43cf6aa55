package orchestrator

import (
	"github.com/kiroproxy/kiroproxy/internal/kiroproxy/frame"
	"github.com/kiroproxy/kiroproxy/internal/kiroproxy/project"
	"github.com/tidwall/gjson"
)

// translateFrame classifies one decoded frame by its :event-type /
// :message-type / :exception-type header and extracts the fields the
// Projector needs, per the Decoded Event tagged sum.
func translateFrame(msg frame.Message) (project.DecodedEvent, bool) {
	eventType, _ := msg.HeaderString(":event-type")
	if eventType == "" {
		eventType, _ = msg.HeaderString(":message-type")
	}
	if exc, ok := msg.HeaderString(":exception-type"); ok && exc != "" {
		return project.DecodedEvent{
			Kind:         "error",
			ErrorCode:    gjson.GetBytes(msg.Payload, "reason").String(),
			ErrorMessage: gjson.GetBytes(msg.Payload, "message").String(),
		}, true
	}

	p := msg.Payload
	switch eventType {
	case "assistantResponseEvent":
		return project.DecodedEvent{Kind: "assistantResponse", Text: gjson.GetBytes(p, "content").String()}, true
	case "reasoningContentEvent":
		return project.DecodedEvent{Kind: "reasoningContent", Text: gjson.GetBytes(p, "content").String()}, true
	case "toolUseEvent":
		ev := project.DecodedEvent{
			Kind:            "toolUse",
			ToolUseID:       gjson.GetBytes(p, "toolUseId").String(),
			ToolName:        gjson.GetBytes(p, "name").String(),
			ToolUseStopping: gjson.GetBytes(p, "stop").Bool(),
		}
		if d := gjson.GetBytes(p, "inputJsonDelta"); d.Exists() {
			ev.ToolInputDelta = d.String()
		} else if in := gjson.GetBytes(p, "input"); in.Exists() {
			ev.ToolInput = []byte(in.Raw)
		}
		return ev, true
	case "contextUsageEvent":
		return project.DecodedEvent{
			Kind:             "contextUsage",
			InputTokens:      int(gjson.GetBytes(p, "inputTokens").Int()),
			OutputTokens:     int(gjson.GetBytes(p, "outputTokens").Int()),
			CacheReadTokens:  int(gjson.GetBytes(p, "cacheRead").Int()),
			CacheWriteTokens: int(gjson.GetBytes(p, "cacheCreation").Int()),
		}, true
	case "messageMetadataEvent":
		return project.DecodedEvent{Kind: "messageMetadata", ConversationID: gjson.GetBytes(p, "conversationId").String()}, true
	case "codeReferenceEvent":
		return project.DecodedEvent{Kind: "codeReference"}, true
	case "error", "Error":
		return project.DecodedEvent{
			Kind:         "error",
			ErrorCode:    gjson.GetBytes(p, "reason").String(),
			ErrorMessage: gjson.GetBytes(p, "message").String(),
		}, true
	default:
		return project.DecodedEvent{}, false
	}
}
