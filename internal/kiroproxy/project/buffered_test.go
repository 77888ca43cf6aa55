package project

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// produceViaProjector feeds a fixed sequence of decoded events through a
// freshly constructed Projector into emit, standing in for what the
// orchestrator does against a live upstream stream.
func produceViaProjector(opts Options, events []DecodedEvent) func(Emit) error {
	return func(emit Emit) error {
		p := New(opts, emit)
		for _, ev := range events {
			p.Feed(ev)
		}
		p.Close()
		return nil
	}
}

// S5-style: on normal completion the buffered log is flushed once, with
// message_start's input_tokens rewritten to the contextUsage-derived value
// rather than the initial estimate.
func TestBufferedRunRewritesInputTokensOnFlush(t *testing.T) {
	b := NewBuffered(0)
	produce := produceViaProjector(Options{Model: "claude-sonnet-4", EstimatedInput: 999}, []DecodedEvent{
		{Kind: "assistantResponse", Text: "hi"},
		{Kind: "contextUsage", InputTokens: 12, OutputTokens: 2},
	})

	var flushed []SSEEvent
	err := b.RunAsync(context.Background(), produce, nil, func(log []SSEEvent) { flushed = log })
	require.NoError(t, err)
	require.NotEmpty(t, flushed)

	msg := flushed[0].Data["message"].(map[string]any)
	usage := msg["usage"].(map[string]any)
	assert.Equal(t, 12, usage["input_tokens"])
}

// Keep-alive pings fire on the configured interval while produce is still
// running, and do not appear in the flushed log.
func TestBufferedRunEmitsKeepAlivePings(t *testing.T) {
	b := NewBuffered(10 * time.Millisecond)

	release := make(chan struct{})
	produce := func(emit Emit) error {
		<-release
		p := New(Options{Model: "claude-sonnet-4"}, emit)
		p.Feed(DecodedEvent{Kind: "assistantResponse", Text: "hi"})
		p.Close()
		return nil
	}

	pings := make(chan struct{}, 10)
	done := make(chan error, 1)
	go func() {
		done <- b.RunAsync(context.Background(), produce, func() { pings <- struct{}{} }, func([]SSEEvent) {})
	}()

	select {
	case <-pings:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected at least one keep-alive ping")
	}

	close(release)
	require.NoError(t, <-done)
}

// On context cancellation the buffered log is discarded and RunAsync
// returns the context error, used by the HTTP layer to detect a client
// disconnect.
func TestBufferedRunDiscardsLogOnCancellation(t *testing.T) {
	b := NewBuffered(0)

	block := make(chan struct{})
	produce := func(emit Emit) error {
		<-block
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	flushCalled := false

	done := make(chan error, 1)
	go func() {
		done <- b.RunAsync(ctx, produce, nil, func([]SSEEvent) { flushCalled = true })
	}()

	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, flushCalled)
	assert.Nil(t, b.log)
	close(block)
}
