package project

import (
	"context"
	"time"
)

// BufferedProjector collects the SSE events a Projector produces into an
// in-memory log instead of flushing them as they arrive, used by the
// /cc/v1/messages path. Once the upstream stream completes it rewrites the
// message_start event's input_tokens with the true count carried by the
// terminal message_delta, then hands the whole log to the caller at once.
type BufferedProjector struct {
	log          []SSEEvent
	messageStart int // index into log of the message_start event, or -1
	keepAlive    time.Duration
}

// NewBuffered constructs a BufferedProjector. keepAlive is the ping interval
// while buffering (default 25s when zero or negative).
func NewBuffered(keepAlive time.Duration) *BufferedProjector {
	if keepAlive <= 0 {
		keepAlive = 25 * time.Second
	}
	return &BufferedProjector{messageStart: -1, keepAlive: keepAlive}
}

// Append is an Emit: pass it directly as the emit callback of whatever
// drives the underlying Projector (the orchestrator, in production) so its
// output accumulates in the log instead of reaching the client immediately.
func (b *BufferedProjector) Append(ev SSEEvent) {
	if ev.Type == "message_start" && b.messageStart == -1 {
		b.messageStart = len(b.log)
	}
	b.log = append(b.log, ev)
}

// RunAsync runs produce (typically an orchestrator.Stream call wired to
// Append) to completion in the background, calling pingEmit every keepAlive
// interval while it is in flight so the connection is not taken as idle.
// On success the buffered log is finalized and handed to flush. If ctx is
// cancelled first, the buffered log is discarded and RunAsync returns
// ctx.Err() without calling flush.
func (b *BufferedProjector) RunAsync(ctx context.Context, produce func(emit Emit) error, pingEmit func(), flush func([]SSEEvent)) error {
	ticker := time.NewTicker(b.keepAlive)
	defer ticker.Stop()

	done := make(chan error, 1)
	go func() { done <- produce(b.Append) }()

	for {
		select {
		case <-ctx.Done():
			b.log = nil
			return ctx.Err()
		case <-ticker.C:
			if pingEmit != nil {
				pingEmit()
			}
		case err := <-done:
			if err != nil {
				return err
			}
			b.rewriteInputTokens()
			flush(b.log)
			return nil
		}
	}
}

// rewriteInputTokens copies the true input token count carried by the
// terminal message_delta's usage back into message_start's usage, which was
// populated with only an estimate when the stream began.
func (b *BufferedProjector) rewriteInputTokens() {
	if b.messageStart == -1 {
		return
	}

	var trueInput any
	for i := len(b.log) - 1; i >= 0; i-- {
		if b.log[i].Type != "message_delta" {
			continue
		}
		usage, ok := b.log[i].Data["usage"].(map[string]any)
		if !ok {
			return
		}
		trueInput = usage["input_tokens"]
		break
	}
	if trueInput == nil {
		return
	}

	msg, ok := b.log[b.messageStart].Data["message"].(map[string]any)
	if !ok {
		return
	}
	usage, ok := msg["usage"].(map[string]any)
	if !ok {
		return
	}
	usage["input_tokens"] = trueInput
}
