// Package config loads and provides structured access to the proxy's YAML
// configuration file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SelectionMode names a Credential Pool selection policy.
type SelectionMode string

const (
	SelectionModePriority SelectionMode = "priority"
	SelectionModeBalanced SelectionMode = "balanced"
)

// Config is the application's configuration, loaded from a YAML file.
// cmd/server/main.go overrides Port and LogLevel from command-line flags;
// no field is read from environment variables.
type Config struct {
	// Port is the HTTP listen port.
	Port int `yaml:"port" json:"port"`

	// AuthDir is the directory containing credentials.json.
	AuthDir string `yaml:"auth-dir" json:"auth-dir"`

	// APIKeys authenticates inbound client requests (x-api-key or Bearer).
	APIKeys []string `yaml:"api-keys" json:"api-keys"`

	// SelectionMode picks the Credential Pool's selection policy.
	SelectionMode SelectionMode `yaml:"selection-mode" json:"selection-mode"`

	// MaxRequestBodyBytes bounds inbound request bodies. 0 = unlimited.
	MaxRequestBodyBytes int64 `yaml:"max-request-body-bytes" json:"max-request-body-bytes"`

	// Region is the fallback AWS region for the OAuth refresh endpoints when
	// neither the credential nor AuthRegion names one. It is not used for the
	// CodeWhisperer conversation endpoint.
	Region string `yaml:"region" json:"region"`
	// AuthRegion overrides Region for the OAuth refresh endpoints.
	AuthRegion string `yaml:"auth-region,omitempty" json:"auth-region,omitempty"`
	// APIRegion is parsed but not read: the conversation endpoint uses the
	// credential's api_region, else us-east-1.
	APIRegion string `yaml:"api-region,omitempty" json:"api-region,omitempty"`

	// Streaming configures server-side streaming behavior.
	Streaming StreamingConfig `yaml:"streaming" json:"streaming"`

	// Compression configures tool-payload compression for large envelopes.
	Compression CompressionConfig `yaml:"compression,omitempty" json:"compression,omitempty"`

	// LogLevel is a logrus level name (debug, info, warn, error).
	LogLevel string `yaml:"log-level" json:"log-level"`
	// LogFile optionally rotates logs to disk via lumberjack instead of stderr.
	LogFile string `yaml:"log-file,omitempty" json:"log-file,omitempty"`

	// ThinkingSuffix is the model-name suffix that enables extended thinking
	// with the default budget. Defaults to "-thinking" when empty.
	ThinkingSuffix string `yaml:"thinking-suffix,omitempty" json:"thinking-suffix,omitempty"`

	// ThinkingDialect selects how the Event Projector surfaces thinking
	// content: "thinking" (a dedicated content block, the Anthropic native
	// shape), "think" (inline <think> tags inside a text block), or
	// "reasoning_content" (an out-of-band delta field), for clients built
	// against the other two conventions. Defaults to "thinking".
	ThinkingDialect string `yaml:"thinking-dialect,omitempty" json:"thinking-dialect,omitempty"`
}

// StreamingConfig holds server streaming behavior configuration.
type StreamingConfig struct {
	// KeepAliveSeconds controls how often the buffered path emits pings.
	// Zero selects the default of 25, and the buffered projector also uses
	// 25 seconds for negative values, so keep-alives cannot be disabled.
	KeepAliveSeconds int `yaml:"keepalive-seconds,omitempty" json:"keepalive-seconds,omitempty"`

	// BootstrapRetries is parsed but not read by any component; the
	// orchestrator's retry budget is fixed at 3 attempts per credential and
	// 9 in total.
	BootstrapRetries int `yaml:"bootstrap-retries,omitempty" json:"bootstrap-retries,omitempty"`
}

// GetKeepAliveSeconds returns the configured keep-alive interval, defaulting to 25s.
func (s *StreamingConfig) GetKeepAliveSeconds() int {
	if s == nil || s.KeepAliveSeconds == 0 {
		return 25
	}
	return s.KeepAliveSeconds
}

// CompressionConfig holds tool-payload compression behavior configuration.
type CompressionConfig struct {
	// Enabled toggles content-addressed tool-result compression.
	// nil means default (true).
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// ThresholdPercent triggers compression when the serialized envelope
	// exceeds this fraction of MaxRequestBodyBytes, in bytes. No compression
	// happens when MaxRequestBodyBytes is 0.
	// nil means default (0.75 = 75%).
	ThresholdPercent *float64 `yaml:"threshold-percent,omitempty" json:"threshold-percent,omitempty"`
}

// IsEnabled returns whether compression is enabled, defaulting to true.
func (c *CompressionConfig) IsEnabled() bool {
	if c == nil || c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

// GetThresholdPercent returns the compression threshold, defaulting to 0.75.
func (c *CompressionConfig) GetThresholdPercent() float64 {
	if c == nil || c.ThresholdPercent == nil {
		return 0.75
	}
	return *c.ThresholdPercent
}

// GetThinkingSuffix returns the configured thinking-suffix, defaulting to "-thinking".
func (c *Config) GetThinkingSuffix() string {
	if c == nil || c.ThinkingSuffix == "" {
		return "-thinking"
	}
	return c.ThinkingSuffix
}

// GetThinkingDialect returns the configured thinking dialect, defaulting to
// "thinking".
func (c *Config) GetThinkingDialect() string {
	if c == nil || c.ThinkingDialect == "" {
		return "thinking"
	}
	return c.ThinkingDialect
}

// Default returns a Config populated with the system's baked-in defaults.
func Default() *Config {
	return &Config{
		Port:          8317,
		AuthDir:       "./auth",
		SelectionMode: SelectionModePriority,
		Region:        "us-east-1",
		LogLevel:      "info",
		Streaming:     StreamingConfig{KeepAliveSeconds: 25},
	}
}

// Load reads and parses a YAML configuration file at path. Missing files are
// not an error; Default() is returned instead so the proxy can run on its
// baked-in defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
