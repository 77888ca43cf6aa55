// Package server exposes the Anthropic-compatible HTTP surface over the
// Proxy Orchestrator: /v1/messages (streaming), /cc/v1/messages (buffered),
// their count_tokens counterparts, the static model catalog, and the
// ambient health/metrics endpoints. Grounded on the teacher's
// sdk/api/handlers package shape (gin handler methods on a base struct) and
// internal/api/server.go's AuthMiddleware/route-group layout.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kiroproxy/kiroproxy/internal/config"
	"github.com/kiroproxy/kiroproxy/internal/kiroproxy/convert"
	"github.com/kiroproxy/kiroproxy/internal/kiroproxy/orchestrator"
	"github.com/kiroproxy/kiroproxy/internal/kiroproxy/project"
	"github.com/kiroproxy/kiroproxy/internal/logging"
)

// Orchestrator is the subset of *orchestrator.Orchestrator the server
// depends on.
type Orchestrator interface {
	Stream(ctx context.Context, model string, body []byte, thinkingFormat project.ThinkingFormat, emit project.Emit) (*convert.Result, error)
}

// Server holds the dependencies the HTTP handlers need.
type Server struct {
	orch           Orchestrator
	convertOpts    convert.Options
	thinkingFormat project.ThinkingFormat
	keepAlive      time.Duration
	maxBodyBytes   int64
	apiKeys        map[string]bool
}

// New constructs a Server from the loaded configuration and a ready
// orchestrator.Orchestrator.
func New(cfg *config.Config, orch *orchestrator.Orchestrator) *Server {
	keys := make(map[string]bool, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys[k] = true
	}
	return &Server{
		orch: orch,
		convertOpts: convert.Options{
			ThinkingSuffix:          cfg.GetThinkingSuffix(),
			CompressionEnabled:      cfg.Compression.IsEnabled(),
			CompressionThresholdPct: cfg.Compression.GetThresholdPercent(),
			MaxEnvelopeBytes:        int(cfg.MaxRequestBodyBytes),
		},
		thinkingFormat: project.ThinkingFormat(cfg.GetThinkingDialect()),
		keepAlive:      time.Duration(cfg.Streaming.GetKeepAliveSeconds()) * time.Second,
		maxBodyBytes:   cfg.MaxRequestBodyBytes,
		apiKeys:        keys,
	}
}

// Engine builds the gin.Engine with every route registered.
func (s *Server) Engine() *gin.Engine {
	engine := gin.New()
	engine.Use(logging.GinLogrusRecovery())
	engine.Use(logging.GinLogrusLogger())

	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := AuthMiddleware(s.apiKeys)

	v1 := engine.Group("/v1", auth)
	v1.GET("/models", s.handleModels)
	v1.POST("/messages", s.bodyLimit(), s.handleMessagesStreaming)
	v1.POST("/messages/count_tokens", s.bodyLimit(), s.handleCountTokens)

	cc := engine.Group("/cc/v1", auth)
	cc.POST("/messages", s.bodyLimit(), s.handleMessagesBuffered)
	cc.POST("/messages/count_tokens", s.bodyLimit(), s.handleCountTokens)

	return engine
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// bodyLimit caps the request body at maxBodyBytes when configured.
func (s *Server) bodyLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.maxBodyBytes > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBodyBytes)
		}
		c.Next()
	}
}
