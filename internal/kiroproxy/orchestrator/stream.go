package orchestrator

import (
	"bufio"
	"context"
	"io"
	"time"

	"github.com/kiroproxy/kiroproxy/internal/kiroproxy/frame"
	"github.com/kiroproxy/kiroproxy/internal/kiroproxy/project"
	"github.com/kiroproxy/kiroproxy/internal/kiroproxy/upstream"
)

// upstreamError is an error event decoded from the frame stream itself,
// distinct from a Dispatch-time transport/HTTP failure.
type upstreamError struct {
	code, message string
	beforeContent bool
}

func (e *upstreamError) Error() string { return e.code + ": " + e.message }

// readStream feeds bodyStream through a frame.Decoder into proj, resetting
// an idle timer on every read. If no bytes arrive within idleTimeout, cancel
// unblocks the pending read and the stream ends with ctx.Err(). The loop
// stops as soon as an in-band error event is decoded, since the upstream
// does not send further frames after one. An error event decoded before any
// content block is not fed to proj, so nothing of it reaches the client and
// the caller can still fail over to another credential.
func readStream(ctx context.Context, cancel context.CancelFunc, bodyStream io.Reader, proj *project.Projector, idleTimeout time.Duration) error {
	dec := frame.NewDecoder()
	reader := bufio.NewReaderSize(bodyStream, 64*1024)
	buf := make([]byte, 32*1024)

	timer := time.AfterFunc(idleTimeout, cancel)
	defer timer.Stop()

	for {
		n, readErr := reader.Read(buf)
		if n > 0 {
			timer.Reset(idleTimeout)
			msgs, feedErr := dec.Feed(buf[:n])
			for _, msg := range msgs {
				ev, ok := translateFrame(msg)
				if !ok {
					continue
				}
				beforeContent := !proj.AnyContent()
				if ev.Kind == "error" {
					if !beforeContent {
						proj.Feed(ev)
					}
					return &upstreamError{code: ev.ErrorCode, message: ev.ErrorMessage, beforeContent: beforeContent}
				}
				proj.Feed(ev)
			}
			if feedErr != nil {
				return &upstream.Error{Kind: upstream.KindDecodeError, Message: feedErr.Error()}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &upstream.Error{Kind: upstream.KindUpstreamTransient, Message: readErr.Error()}
		}
	}
}
