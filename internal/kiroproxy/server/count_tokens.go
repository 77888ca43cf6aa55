package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kiroproxy/kiroproxy/internal/kiroproxy/convert"
	"github.com/kiroproxy/kiroproxy/internal/kiroproxy/project"
)

// handleCountTokens serves /v1/messages/count_tokens and its /cc/v1
// counterpart: it runs the same request conversion the streaming path
// would, then estimates a token count with the Projector's own heuristic,
// without making any upstream call. Shared by both the streaming and
// buffered route groups since the estimate does not depend on which
// Projector variant eventually renders the response.
func (s *Server) handleCountTokens(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		writeAnthropicError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	result, err := convert.Convert(body, s.convertOpts)
	if err != nil {
		writeClassifiedError(c, err)
		return
	}

	count := project.EstimateTokens(result.DisplayModel, result.Envelope.CurrentContent)
	c.JSON(http.StatusOK, gin.H{"input_tokens": count})
}
