package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// statusCoder and headerer mirror the ambient AppError contract
// (internal/errors.AppError, pool's exhaustionError, convert.BadRequestError,
// upstream.Error): any error exposing these is shaped into a response
// without the HTTP layer needing to know its concrete type.
type statusCoder interface{ StatusCode() int }
type headerer interface{ Headers() http.Header }

// writeAnthropicError writes the Anthropic Messages API error envelope:
// {"type":"error","error":{"type":errType,"message":message}}.
func writeAnthropicError(c *gin.Context, status int, errType, message string) {
	c.JSON(status, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    errType,
			"message": message,
		},
	})
}

// writeClassifiedError maps err to an Anthropic error response using the
// StatusCode()/Headers() contract when err implements it, else falls back
// to a generic 500.
func writeClassifiedError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if sc, ok := err.(statusCoder); ok {
		status = sc.StatusCode()
	}
	if h, ok := err.(headerer); ok {
		if hdr := h.Headers(); hdr != nil {
			for k, vs := range hdr {
				for _, v := range vs {
					c.Header(k, v)
				}
			}
		}
	}

	errType := "api_error"
	switch {
	case status == http.StatusBadRequest:
		errType = "invalid_request_error"
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		errType = "authentication_error"
	case status == http.StatusTooManyRequests:
		errType = "rate_limit_error"
	case status >= 500:
		errType = "api_error"
	}
	writeAnthropicError(c, status, errType, err.Error())
}
