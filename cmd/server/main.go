// Package main is the entry point for the Kiro-to-Anthropic compatibility
// proxy: it loads configuration, wires the credential store, token manager,
// credential pool, upstream dispatcher and orchestrator together, and serves
// the Anthropic-compatible HTTP surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kiroproxy/kiroproxy/internal/config"
	"github.com/kiroproxy/kiroproxy/internal/kiroproxy/convert"
	"github.com/kiroproxy/kiroproxy/internal/kiroproxy/credstore"
	"github.com/kiroproxy/kiroproxy/internal/kiroproxy/orchestrator"
	"github.com/kiroproxy/kiroproxy/internal/kiroproxy/pool"
	"github.com/kiroproxy/kiroproxy/internal/kiroproxy/server"
	"github.com/kiroproxy/kiroproxy/internal/kiroproxy/token"
	"github.com/kiroproxy/kiroproxy/internal/kiroproxy/upstream"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func init() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
}

func main() {
	var configPath string
	var port int
	var logLevel string

	flag.StringVar(&configPath, "config", "config.yaml", "Configuration file path")
	flag.IntVar(&port, "port", 0, "Override the configured listen port")
	flag.StringVar(&logLevel, "log-level", "", "Override the configured log level")
	flag.Parse()

	wd, err := os.Getwd()
	if err != nil {
		log.Fatalf("failed to get working directory: %v", err)
	}
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil && !errors.Is(errLoad, os.ErrNotExist) {
		log.WithError(errLoad).Warn("failed to load .env file")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if port != 0 {
		cfg.Port = port
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	configureLogging(cfg)

	log.Infof("kiroproxy %s (%s, built %s)", Version, Commit, BuildDate)

	credsPath := filepath.Join(cfg.AuthDir, "credentials.json")
	store, err := credstore.Open(credsPath)
	if err != nil {
		log.Fatalf("failed to open credential store %s: %v", credsPath, err)
	}
	if errWatch := store.WatchReload(); errWatch != nil {
		log.WithError(errWatch).Warn("credential store file watch disabled")
	}
	defer store.Close()

	authRegion := cfg.AuthRegion
	if authRegion == "" {
		authRegion = cfg.Region
	}
	tokenMgr := token.NewManager(store, &http.Client{Timeout: 15 * time.Second}, token.EndpointResolver{DefaultRegion: authRegion})

	poolMode := pool.ModePriority
	if cfg.SelectionMode == config.SelectionModeBalanced {
		poolMode = pool.ModeBalanced
	}
	credPool := pool.New(store, tokenMgr, poolMode)

	httpClient := upstream.NewHTTPClient()
	dispatcher := upstream.NewDispatcher(httpClient)

	convertOpts := convertOptionsFromConfig(cfg)
	orch := orchestrator.New(credPool, store, dispatcher, convertOpts)

	srv := server.New(cfg, orch)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Engine(),
		ReadHeaderTimeout: upstream.HeaderTimeout,
	}

	go func() {
		log.Infof("listening on %s", httpServer.Addr)
		if errServe := httpServer.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			log.Fatalf("server error: %v", errServe)
		}
	}()

	waitForShutdown(httpServer)
}

// waitForShutdown blocks until SIGINT/SIGTERM, then drains in-flight
// requests within a bounded grace period.
func waitForShutdown(httpServer *http.Server) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("graceful shutdown did not complete in time")
	}
}

// configureLogging sets the process-wide logrus level and, when cfg.LogFile
// is set, redirects output through a lumberjack rotating writer instead of
// stderr.
func configureLogging(cfg *config.Config) {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if cfg.LogFile == "" {
		return
	}
	log.SetOutput(&lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    50, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	})
}

// convertOptionsFromConfig builds the Request Converter options shared by
// every request; the per-credential ProfileArn is filled in later by the
// orchestrator once a lease is selected.
func convertOptionsFromConfig(cfg *config.Config) convert.Options {
	return convert.Options{
		ThinkingSuffix:          cfg.GetThinkingSuffix(),
		CompressionEnabled:      cfg.Compression.IsEnabled(),
		CompressionThresholdPct: cfg.Compression.GetThresholdPercent(),
		MaxEnvelopeBytes:        int(cfg.MaxRequestBodyBytes),
	}
}
