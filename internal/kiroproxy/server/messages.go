package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/kiroproxy/kiroproxy/internal/kiroproxy/project"
)

// handleMessagesStreaming serves /v1/messages: events are written to the
// client as they are produced, grounded on the teacher's
// sdk/api/handlers/openai forwardResponsesStream flusher idiom.
func (s *Server) handleMessagesStreaming(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		writeAnthropicError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	model := gjson.GetBytes(body, "model").String()

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeAnthropicError(c, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	emit := func(ev project.SSEEvent) {
		writeSSE(c.Writer, ev)
		flusher.Flush()
	}

	// Stream blocks until the upstream exchange completes or fails; a
	// client disconnect cancels c.Request.Context(), which the orchestrator
	// derives its per-attempt context from, unblocking the in-flight read.
	_, streamErr := s.orch.Stream(c.Request.Context(), model, body, s.thinkingFormat, emit)
	if streamErr != nil && c.Request.Context().Err() == nil {
		writeSSEError(c.Writer, streamErr)
		flusher.Flush()
	}
}

// handleMessagesBuffered serves /cc/v1/messages: the whole response is
// accumulated before any bytes reach the client, so the token counts in
// message_start can be corrected with the true upstream usage first.
func (s *Server) handleMessagesBuffered(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		writeAnthropicError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	model := gjson.GetBytes(body, "model").String()

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeAnthropicError(c, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	buffered := project.NewBuffered(s.keepAlive)
	produce := func(emit project.Emit) error {
		_, err := s.orch.Stream(c.Request.Context(), model, body, s.thinkingFormat, emit)
		return err
	}

	flushLog := func(log []project.SSEEvent) {
		for _, ev := range log {
			writeSSE(c.Writer, ev)
		}
		flusher.Flush()
	}
	ping := func() {
		fmt.Fprint(c.Writer, ": ping\n\n")
		flusher.Flush()
	}

	runErr := buffered.RunAsync(c.Request.Context(), produce, ping, flushLog)
	if runErr == nil {
		return
	}
	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
		return
	}
	writeSSEError(c.Writer, runErr)
	flusher.Flush()
}

// writeSSE serializes one SSE event in the Anthropic wire shape: a named
// "event:" line, then a "data:" line carrying the JSON payload with "type"
// merged in (the Projector's Data maps omit it to keep emission terse).
func writeSSE(w interface{ Write([]byte) (int, error) }, ev project.SSEEvent) {
	payload := make(map[string]any, len(ev.Data)+1)
	for k, v := range ev.Data {
		payload[k] = v
	}
	payload["type"] = ev.Type

	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "event: %s\n", ev.Type)
	buf.Write([]byte("data: "))
	buf.Write(data)
	buf.WriteString("\n\n")
	w.Write(buf.Bytes())
}

// writeSSEError emits a terminal error as an SSE "error" event, the same
// event type the Projector emits for an upstream error that arrives before
// any content. Both message handlers call it for any failure after the 200
// event-stream headers are set, whether or not streaming has begun.
func writeSSEError(w interface{ Write([]byte) (int, error) }, err error) {
	status := http.StatusInternalServerError
	if sc, ok := err.(statusCoder); ok {
		status = sc.StatusCode()
	}
	errType := "api_error"
	if status == http.StatusTooManyRequests {
		errType = "rate_limit_error"
	}
	writeSSE(w, project.SSEEvent{Type: "error", Data: map[string]any{
		"error": map[string]any{"type": errType, "message": err.Error()},
	}})
}
