// Package config defines the server configuration and its loading rules.
//
// Configuration is resolved in three layers: the embedded default document,
// an optional JSON or YAML file, and environment variable overrides. Later
// layers win on a per-key basis.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

// Environment variables recognized by Load.
const (
	EnvAPIURL        = "VERIS_MEMORY_API_URL"
	EnvAPIKey        = "VERIS_MEMORY_API_KEY"
	EnvUserID        = "VERIS_MEMORY_USER_ID"
	EnvConfigPath    = "VERIS_MCP_CONFIG_PATH"
	EnvLogLevel      = "VERIS_MCP_LOG_LEVEL"
	EnvWebhookSecret = "VERIS_MCP_WEBHOOK_SECRET"
)

// Config is the root configuration for the MCP server.
type Config struct {
	VerisMemory VerisMemoryConfig     `json:"veris_memory" yaml:"veris_memory"`
	Server      ServerConfig          `json:"server" yaml:"server"`
	Tools       map[string]ToolConfig `json:"tools" yaml:"tools"`
	Webhooks    WebhooksConfig        `json:"webhooks" yaml:"webhooks"`
	Streaming   StreamingConfig       `json:"streaming" yaml:"streaming"`
	Analytics   AnalyticsConfig       `json:"analytics" yaml:"analytics"`
	Otel        OtelConfig            `json:"otel" yaml:"otel"`
}

// VerisMemoryConfig describes the upstream memory API connection.
type VerisMemoryConfig struct {
	APIURL     string `json:"api_url" yaml:"api_url"`
	APIKey     string `json:"api_key" yaml:"api_key"`
	UserID     string `json:"user_id" yaml:"user_id"`
	TimeoutMs  int    `json:"timeout_ms" yaml:"timeout_ms"`
	MaxRetries int    `json:"max_retries" yaml:"max_retries"`
}

// ServerConfig holds process-wide server settings.
type ServerConfig struct {
	LogLevel              string `json:"log_level" yaml:"log_level"`
	MaxConcurrentRequests int    `json:"max_concurrent_requests" yaml:"max_concurrent_requests"`
	CacheEnabled          bool   `json:"cache_enabled" yaml:"cache_enabled"`
	CacheTTLSeconds       int    `json:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`
	RequestTimeoutMs      int    `json:"request_timeout_ms" yaml:"request_timeout_ms"`
}

// ToolConfig holds per-tool settings. Tools absent from the map fall back
// to DefaultToolConfig.
type ToolConfig struct {
	Enabled             bool     `json:"enabled" yaml:"enabled"`
	MaxContentSize      int      `json:"max_content_size" yaml:"max_content_size"`
	AllowedContextTypes []string `json:"allowed_context_types" yaml:"allowed_context_types"`
	MaxResults          int      `json:"max_results" yaml:"max_results"`
	DefaultLimit        int      `json:"default_limit" yaml:"default_limit"`
}

// WebhooksConfig controls the webhook subscription registry and delivery engine.
type WebhooksConfig struct {
	Enabled                 bool    `json:"enabled" yaml:"enabled"`
	MaxSubscriptions        int     `json:"max_subscriptions" yaml:"max_subscriptions"`
	EventBufferSize         int     `json:"event_buffer_size" yaml:"event_buffer_size"`
	MaxRetries              int     `json:"max_retries" yaml:"max_retries"`
	TimeoutSeconds          float64 `json:"timeout_seconds" yaml:"timeout_seconds"`
	InitialBackoffSeconds   float64 `json:"initial_backoff_seconds" yaml:"initial_backoff_seconds"`
	MaxBackoffSeconds       float64 `json:"max_backoff_seconds" yaml:"max_backoff_seconds"`
	MaxConcurrentDeliveries int     `json:"max_concurrent_deliveries" yaml:"max_concurrent_deliveries"`
	SigningSecret           string  `json:"signing_secret" yaml:"signing_secret"`
}

// StreamingConfig controls the stream iterator and batch executor.
type StreamingConfig struct {
	Enabled              bool `json:"enabled" yaml:"enabled"`
	ChunkSize            int  `json:"chunk_size" yaml:"chunk_size"`
	MaxConcurrentStreams int  `json:"max_concurrent_streams" yaml:"max_concurrent_streams"`
	BufferSize           int  `json:"buffer_size" yaml:"buffer_size"`
	DefaultBatchSize     int  `json:"default_batch_size" yaml:"default_batch_size"`
	MaxBatchSize         int  `json:"max_batch_size" yaml:"max_batch_size"`
}

// AnalyticsConfig controls the local metrics collector and the analytics facade.
type AnalyticsConfig struct {
	Enabled                    bool   `json:"enabled" yaml:"enabled"`
	CacheTTLSeconds            int    `json:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`
	APITimeoutSeconds          int    `json:"api_timeout_seconds" yaml:"api_timeout_seconds"`
	DefaultTimeframe           string `json:"default_timeframe" yaml:"default_timeframe"`
	RetentionSeconds           int    `json:"retention_seconds" yaml:"retention_seconds"`
	MaxPointsPerMetric         int    `json:"max_points_per_metric" yaml:"max_points_per_metric"`
	AggregationIntervalSeconds int    `json:"aggregation_interval_seconds" yaml:"aggregation_interval_seconds"`
}

// OtelConfig selects OpenTelemetry exporters for metrics and traces.
type OtelConfig struct {
	MetricsEnabled  bool    `json:"metrics_enabled" yaml:"metrics_enabled"`
	TracesEnabled   bool    `json:"traces_enabled" yaml:"traces_enabled"`
	MetricsExporter string  `json:"metrics_exporter" yaml:"metrics_exporter"`
	TracesExporter  string  `json:"traces_exporter" yaml:"traces_exporter"`
	OTLPEndpoint    string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	OTLPInsecure    bool    `json:"otlp_insecure" yaml:"otlp_insecure"`
	SampleRate      float64 `json:"sample_rate" yaml:"sample_rate"`
}

// DefaultToolConfig is applied to tools without an explicit entry.
func DefaultToolConfig() ToolConfig {
	return ToolConfig{
		Enabled:             true,
		MaxContentSize:      1024 * 1024,
		AllowedContextTypes: []string{"*"},
		MaxResults:          100,
		DefaultLimit:        10,
	}
}

// Tool returns the configuration for a named tool.
func (c *Config) Tool(name string) ToolConfig {
	if tc, ok := c.Tools[name]; ok {
		return tc
	}
	return DefaultToolConfig()
}

var validLogLevels = map[string]bool{
	"DEBUG": true, "INFO": true, "WARNING": true, "WARN": true, "ERROR": true, "CRITICAL": true,
}

// Validate rejects configurations that cannot produce a working server.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.VerisMemory.APIURL) == "" {
		return fmt.Errorf("veris_memory.api_url is required")
	}
	u, err := url.Parse(c.VerisMemory.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("veris_memory.api_url must be an http(s) URL, got %q", c.VerisMemory.APIURL)
	}
	if c.VerisMemory.TimeoutMs <= 0 {
		return fmt.Errorf("veris_memory.timeout_ms must be positive, got %d", c.VerisMemory.TimeoutMs)
	}
	if c.VerisMemory.MaxRetries < 0 {
		return fmt.Errorf("veris_memory.max_retries must not be negative, got %d", c.VerisMemory.MaxRetries)
	}
	if !validLogLevels[strings.ToUpper(c.Server.LogLevel)] {
		return fmt.Errorf("server.log_level %q is not a valid log level", c.Server.LogLevel)
	}
	if c.Server.MaxConcurrentRequests < 1 {
		return fmt.Errorf("server.max_concurrent_requests must be at least 1, got %d", c.Server.MaxConcurrentRequests)
	}
	if c.Streaming.ChunkSize < 1 {
		return fmt.Errorf("streaming.chunk_size must be at least 1, got %d", c.Streaming.ChunkSize)
	}
	if c.Streaming.MaxConcurrentStreams < 1 {
		return fmt.Errorf("streaming.max_concurrent_streams must be at least 1, got %d", c.Streaming.MaxConcurrentStreams)
	}
	if c.Webhooks.MaxSubscriptions < 1 {
		return fmt.Errorf("webhooks.max_subscriptions must be at least 1, got %d", c.Webhooks.MaxSubscriptions)
	}
	if c.Webhooks.InitialBackoffSeconds <= 0 || c.Webhooks.MaxBackoffSeconds < c.Webhooks.InitialBackoffSeconds {
		return fmt.Errorf("webhooks backoff bounds are invalid: initial=%v max=%v",
			c.Webhooks.InitialBackoffSeconds, c.Webhooks.MaxBackoffSeconds)
	}
	if c.Analytics.MaxPointsPerMetric < 1 {
		return fmt.Errorf("analytics.max_points_per_metric must be at least 1, got %d", c.Analytics.MaxPointsPerMetric)
	}
	return nil
}

// expandEnvRefs resolves "${VAR}" placeholders left in string fields by the
// default document. Unset variables resolve to empty strings.
func expandEnvRefs(c *Config) {
	expand := func(s string) string {
		if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
			return os.Getenv(s[2 : len(s)-1])
		}
		return s
	}
	c.VerisMemory.APIKey = expand(c.VerisMemory.APIKey)
	c.VerisMemory.UserID = expand(c.VerisMemory.UserID)
	c.Webhooks.SigningSecret = expand(c.Webhooks.SigningSecret)
}

// applyEnvOverrides applies environment variables on top of the loaded config.
func applyEnvOverrides(c *Config) {
	if v := os.Getenv(EnvAPIURL); v != "" {
		c.VerisMemory.APIURL = v
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.VerisMemory.APIKey = v
	}
	if v := os.Getenv(EnvUserID); v != "" {
		c.VerisMemory.UserID = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Server.LogLevel = v
	}
	if v := os.Getenv(EnvWebhookSecret); v != "" {
		c.Webhooks.SigningSecret = v
	}
}
