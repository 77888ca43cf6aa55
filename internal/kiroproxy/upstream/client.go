package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/kiroproxy/kiroproxy/internal/kiroproxy/convert"
	"github.com/tidwall/gjson"
)

const (
	contentType = "application/x-amz-json-1.0"
	target      = "AmazonCodeWhispererStreamingService.GenerateAssistantResponse"

	ConnectTimeout = 10 * time.Second
	HeaderTimeout  = 30 * time.Second
	IdleTimeout    = 120 * time.Second
)

// NewHTTPClient builds the http.Client used for Kiro dispatch, with the
// connect and response-header timeouts from the resource model.
func NewHTTPClient() *http.Client {
	dialer := &net.Dialer{Timeout: ConnectTimeout}
	return &http.Client{
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			ResponseHeaderTimeout: HeaderTimeout,
		},
	}
}

// Dispatcher posts converted envelopes to the Kiro conversation endpoint.
type Dispatcher struct {
	httpClient *http.Client
}

func NewDispatcher(httpClient *http.Client) *Dispatcher {
	if httpClient == nil {
		httpClient = NewHTTPClient()
	}
	return &Dispatcher{httpClient: httpClient}
}

// ConversationEndpoint resolves the region-scoped CodeWhisperer base URL.
func ConversationEndpoint(apiRegion string) string {
	if apiRegion == "" {
		apiRegion = "us-east-1"
	}
	return fmt.Sprintf("https://q.%s.amazonaws.com", apiRegion)
}

// Dispatch posts env to Kiro with accessToken, trying origin AI_EDITOR first
// and falling back to CLI on a 429 quota response (mirrors the teacher's
// origin-fallback loop in kiro_executor.go). On success it returns the open
// response body for the caller to feed into the frame decoder; the caller
// must close it.
func (d *Dispatcher) Dispatch(ctx context.Context, accessToken, apiRegion, machineID string, env convert.Envelope) (io.ReadCloser, error) {
	endpoint := ConversationEndpoint(apiRegion)
	origins := []string{"AI_EDITOR", "CLI"}

	var lastErr error
	for _, origin := range origins {
		body, err := BuildPayload(env, origin, machineID)
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("x-amz-target", target)
		req.Header.Set("Authorization", "Bearer "+accessToken)

		resp, err := d.httpClient.Do(req)
		if err != nil {
			lastErr = classifyTransportError(err)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp.Body, nil
		}

		errBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		classified := classifyHTTPError(resp.StatusCode, errBody)
		lastErr = classified

		if classified.Kind == KindQuotaError && origin == "AI_EDITOR" {
			continue // retry with CLI origin before giving up
		}
		return nil, classified
	}
	return nil, lastErr
}

func classifyTransportError(err error) *Error {
	return &Error{Kind: KindUpstreamTransient, Message: err.Error()}
}

// classifyHTTPError maps a non-2xx Kiro response into the error taxonomy,
// reading the upstream {message, reason} or {__type, message} error body
// shapes and applying the quota enhancement table.
func classifyHTTPError(status int, body []byte) *Error {
	code := gjson.GetBytes(body, "reason").String()
	if code == "" {
		code = lastTypeSegment(gjson.GetBytes(body, "__type").String())
	}
	msg := gjson.GetBytes(body, "message").String()
	if msg == "" {
		msg = string(body)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: KindAuthFailure, HTTPStatusCode: status, Code: code, Message: msg}
	case isQuotaCode(code):
		return &Error{Kind: KindQuotaError, HTTPStatusCode: http.StatusTooManyRequests, Code: code, Message: friendlyMessage(code, msg)}
	case status == http.StatusTooManyRequests:
		return &Error{Kind: KindQuotaError, HTTPStatusCode: status, Code: code, Message: friendlyMessage(code, msg), RetryAfter: 30}
	case status >= 500:
		return &Error{Kind: KindUpstreamTransient, HTTPStatusCode: status, Code: code, Message: msg}
	case status >= 400:
		return &Error{Kind: KindUpstreamPermanent, HTTPStatusCode: status, Code: code, Message: msg}
	default:
		return &Error{Kind: KindUpstreamPermanent, HTTPStatusCode: status, Code: code, Message: msg}
	}
}

func lastTypeSegment(t string) string {
	if t == "" {
		return ""
	}
	if i := strings.LastIndexByte(t, '#'); i != -1 {
		return t[i+1:]
	}
	return t
}
