package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kiroproxy/kiroproxy/internal/kiroproxy/models"
)

// handleModels serves /v1/models: the static catalog, shaped like
// Anthropic's own model-list response.
func (s *Server) handleModels(c *gin.Context) {
	data := make([]gin.H, 0, len(models.Catalog))
	for _, e := range models.Catalog {
		data = append(data, gin.H{
			"id":             e.ID,
			"type":           "model",
			"display_name":   e.DisplayName,
			"context_window": e.ContextWindow,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"data":     data,
		"has_more": false,
	})
}
