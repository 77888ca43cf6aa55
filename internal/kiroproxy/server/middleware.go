package server

import (
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "github.com/kiroproxy/kiroproxy/internal/errors"
)

// AuthMiddleware checks the x-api-key header or an Authorization: Bearer
// header against the configured set of API keys, grounded on the teacher's
// internal/api/server.go AuthMiddleware. An empty keys set allows every
// request through, matching the teacher's legacy no-provider behavior.
func AuthMiddleware(keys map[string]bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(keys) == 0 {
			c.Next()
			return
		}

		key := c.GetHeader("x-api-key")
		if key == "" {
			if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		if key == "" {
			writeClassifiedError(c, apperrors.Unauthorized("Missing API key", nil))
			c.Abort()
			return
		}
		if !keys[key] {
			writeClassifiedError(c, apperrors.Unauthorized("Invalid API key", nil))
			c.Abort()
			return
		}
		c.Next()
	}
}
