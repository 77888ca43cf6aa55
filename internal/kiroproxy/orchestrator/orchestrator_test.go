package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiroproxy/kiroproxy/internal/kiroproxy/convert"
	"github.com/kiroproxy/kiroproxy/internal/kiroproxy/credstore"
	"github.com/kiroproxy/kiroproxy/internal/kiroproxy/frame"
	"github.com/kiroproxy/kiroproxy/internal/kiroproxy/pool"
	"github.com/kiroproxy/kiroproxy/internal/kiroproxy/project"
	"github.com/kiroproxy/kiroproxy/internal/kiroproxy/upstream"
)

type fakePool struct {
	mu        sync.Mutex
	creds     []int64
	failed    map[int64]string
	succeeded []int64
	fatal     []int64
}

func newFakePool(ids ...int64) *fakePool {
	return &fakePool{creds: ids, failed: map[int64]string{}}
}

func (p *fakePool) Select(_ context.Context, _ string, exclude map[int64]bool) (pool.Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.creds {
		if !exclude[id] {
			return pool.Lease{CredentialID: id, AccessToken: fmt.Sprintf("tok-%d", id)}, nil
		}
	}
	return pool.Lease{}, fmt.Errorf("no eligible credentials")
}

func (p *fakePool) ReportSuccess(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.succeeded = append(p.succeeded, id)
}

func (p *fakePool) ReportTransientFailure(id int64, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed[id] = reason
}

func (p *fakePool) ReportFatalFailure(id int64, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fatal = append(p.fatal, id)
	p.failed[id] = reason
}

type fakeCreds struct{}

func (fakeCreds) Get(id int64) (credstore.Credential, bool) {
	return credstore.Credential{ID: id, APIRegion: "us-east-1"}, true
}

// scriptedDispatcher returns a queued response (body or error) per call,
// in order, regardless of which credential was used.
type scriptedDispatcher struct {
	mu      sync.Mutex
	idx     int
	bodies  []io.ReadCloser
	errs    []error
	callIDs []int64
}

func (d *scriptedDispatcher) Dispatch(_ context.Context, accessToken, _, _ string, _ convert.Envelope) (io.ReadCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.idx
	d.idx++
	_ = accessToken
	if i < len(d.errs) && d.errs[i] != nil {
		return nil, d.errs[i]
	}
	return d.bodies[i], nil
}

func encodeFrame(t *testing.T, eventType string, payload map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := frame.Encode([]frame.Header{{Name: ":event-type", Type: 7, Value: eventType}}, body)
	require.NoError(t, err)
	return data
}

func sampleRequestBody() []byte {
	return []byte(`{"model":"claude-sonnet-4","max_tokens":1024,"messages":[{"role":"user","content":"Hi"}],"stream":true}`)
}

func TestStreamSucceedsOnFirstHealthyCredential(t *testing.T) {
	var frames bytes.Buffer
	frames.Write(encodeFrame(t, "assistantResponseEvent", map[string]any{"content": "Hel"}))
	frames.Write(encodeFrame(t, "assistantResponseEvent", map[string]any{"content": "lo"}))
	frames.Write(encodeFrame(t, "assistantResponseEvent", map[string]any{"content": "!"}))
	frames.Write(encodeFrame(t, "contextUsageEvent", map[string]any{"inputTokens": 7, "outputTokens": 3}))

	disp := &scriptedDispatcher{bodies: []io.ReadCloser{io.NopCloser(bytes.NewReader(frames.Bytes()))}}
	p := newFakePool(1)
	o := New(p, fakeCreds{}, disp, convert.Options{})

	var events []project.SSEEvent
	_, err := o.Stream(context.Background(), "claude-sonnet-4", sampleRequestBody(), "", func(ev project.SSEEvent) { events = append(events, ev) })
	require.NoError(t, err)

	assert.Equal(t, []int64{1}, p.succeeded)
	assert.Equal(t, "message_stop", events[len(events)-1].Type)
}

// S4-style: the first credential fails with a 401 (auth failure) on
// dispatch; the second is healthy. The orchestrator fails over without
// exhausting the budget, and the first credential's failure is a transient
// strike (not a disablement) — only the Token Manager's refresh rejection
// disables a credential outright.
func TestStreamFailsOverOnAuthFailure(t *testing.T) {
	var frames bytes.Buffer
	frames.Write(encodeFrame(t, "assistantResponseEvent", map[string]any{"content": "ok"}))
	frames.Write(encodeFrame(t, "contextUsageEvent", map[string]any{"inputTokens": 1, "outputTokens": 1}))

	disp := &scriptedDispatcher{
		errs:   []error{&upstream.Error{Kind: upstream.KindAuthFailure, HTTPStatusCode: 401}, nil},
		bodies: []io.ReadCloser{nil, io.NopCloser(bytes.NewReader(frames.Bytes()))},
	}
	p := newFakePool(1, 2)
	o := New(p, fakeCreds{}, disp, convert.Options{})

	_, err := o.Stream(context.Background(), "claude-sonnet-4", sampleRequestBody(), "", func(project.SSEEvent) {})
	require.NoError(t, err)

	assert.NotContains(t, p.fatal, int64(1))
	assert.Contains(t, p.failed, int64(1))
	assert.Equal(t, []int64{2}, p.succeeded)
}

// S6-style: an upstream error event arrives before any content block. The
// orchestrator must treat this as retryable pool accounting (not yet
// visible to the client) rather than surfacing it mid-stream.
func TestStreamTreatsPreContentErrorEventAsRetryable(t *testing.T) {
	var frames bytes.Buffer
	frames.Write(encodeFrame(t, "error", map[string]any{"reason": "MONTHLY_REQUEST_LIMIT_REACHED", "message": "quota"}))
	frameBytes := frames.Bytes()

	// Only one credential exists, so every one of the pool's per-credential
	// retry attempts (capped at 3) reuses it and sees the same error.
	disp := &scriptedDispatcher{bodies: []io.ReadCloser{
		io.NopCloser(bytes.NewReader(frameBytes)),
		io.NopCloser(bytes.NewReader(frameBytes)),
		io.NopCloser(bytes.NewReader(frameBytes)),
	}}
	p := newFakePool(1)
	o := New(p, fakeCreds{}, disp, convert.Options{})

	_, err := o.Stream(context.Background(), "claude-sonnet-4", sampleRequestBody(), "", func(project.SSEEvent) {})
	require.Error(t, err)
	assert.Contains(t, p.failed, int64(1))
}

func TestStreamSurfacesClientErrorFromConvert(t *testing.T) {
	p := newFakePool(1)
	disp := &scriptedDispatcher{}
	o := New(p, fakeCreds{}, disp, convert.Options{})

	_, err := o.Stream(context.Background(), "claude-sonnet-4", []byte(`{"model":"claude-sonnet-4","messages":[]}`), "", func(project.SSEEvent) {})
	var bre *convert.BadRequestError
	assert.ErrorAs(t, err, &bre)
}

// ctxAwareReader blocks until its context is cancelled, then returns the
// context error -- standing in for a real HTTP transport, whose Read
// unblocks when the request context backing it is cancelled.
type ctxAwareReader struct{ ctx context.Context }

func (r ctxAwareReader) Read([]byte) (int, error) {
	<-r.ctx.Done()
	return 0, r.ctx.Err()
}

type ctxAwareDispatcher struct{}

func (d *ctxAwareDispatcher) Dispatch(ctx context.Context, _, _, _ string, _ convert.Envelope) (io.ReadCloser, error) {
	return io.NopCloser(ctxAwareReader{ctx: ctx}), nil
}

func TestIdleTimeoutCancelsStalledStream(t *testing.T) {
	disp := &ctxAwareDispatcher{}
	p := newFakePool(1)
	o := New(p, fakeCreds{}, disp, convert.Options{})
	o.idleTimeout = 20 * time.Millisecond

	start := time.Now()
	_, err := o.Stream(context.Background(), "claude-sonnet-4", sampleRequestBody(), "", func(project.SSEEvent) {})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
