// Package upstream dispatches converted requests to the Kiro CodeWhisperer
// endpoint and classifies the result, grounded on the teacher's
// internal/runtime/executor/kiro_executor.go retry and origin-fallback logic.
package upstream

import (
	"fmt"
	"net/http"
)

// Kind is the error taxonomy used to decide retry and pool-accounting
// behavior for a failed upstream call.
type Kind string

const (
	KindClientError       Kind = "client_error"
	KindAuthFailure       Kind = "auth_failure"
	KindUpstreamTransient Kind = "upstream_transient"
	KindUpstreamPermanent Kind = "upstream_permanent"
	KindDecodeError       Kind = "decode_error"
	KindQuotaError        Kind = "quota_error"
)

// Error is a classified failure from a call to the Kiro endpoint.
type Error struct {
	Kind           Kind
	HTTPStatusCode int
	Code           string // upstream error code, e.g. "MONTHLY_REQUEST_LIMIT_REACHED"
	Message        string // friendly message when Code maps to one, else raw body
	RetryAfter     int    // seconds, 0 if none
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream %s (status %d, code %q): %s", e.Kind, e.HTTPStatusCode, e.Code, e.Message)
}

// Retryable reports whether the orchestrator should fail over to the next
// credential rather than surface this error to the client.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindAuthFailure, KindUpstreamTransient, KindQuotaError:
		return true
	default:
		return false
	}
}

// StatusCode satisfies the ambient error-shaping contract (see
// internal/errors.AppError) so the HTTP layer can map this error to a
// response without type-switching on Kind.
func (e *Error) StatusCode() int {
	if e.HTTPStatusCode == 0 {
		if e.Kind == KindDecodeError {
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	}
	return e.HTTPStatusCode
}

// Headers contributes a Retry-After header when one is known.
func (e *Error) Headers() http.Header {
	if e.RetryAfter <= 0 {
		return nil
	}
	h := http.Header{}
	h.Set("Retry-After", fmt.Sprintf("%d", e.RetryAfter))
	return h
}
