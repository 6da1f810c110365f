package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{EnvAPIURL, EnvAPIKey, EnvUserID, EnvConfigPath, EnvLogLevel, EnvWebhookSecret} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.VerisMemory.APIURL != "https://api.verismemory.com" {
		t.Errorf("api_url = %q", cfg.VerisMemory.APIURL)
	}
	if cfg.VerisMemory.TimeoutMs != 30000 {
		t.Errorf("timeout_ms = %d, want 30000", cfg.VerisMemory.TimeoutMs)
	}
	if cfg.Server.MaxConcurrentRequests != 10 {
		t.Errorf("max_concurrent_requests = %d, want 10", cfg.Server.MaxConcurrentRequests)
	}
	// API key placeholder resolves to empty when the variable is unset.
	if cfg.VerisMemory.APIKey != "" {
		t.Errorf("api_key = %q, want empty", cfg.VerisMemory.APIKey)
	}
	if !cfg.Tool("store_context").Enabled {
		t.Error("store_context should be enabled by default")
	}
	if cfg.Tool("delete_context").Enabled {
		t.Error("delete_context should be disabled by default")
	}
	if got := cfg.Tool("streaming_search").MaxResults; got != 10000 {
		t.Errorf("streaming_search max_results = %d, want 10000", got)
	}
	if got := cfg.Tool("update_scratchpad").MaxContentSize; got != 65536 {
		t.Errorf("update_scratchpad max_content_size = %d, want 65536", got)
	}
}

func TestLoadFileOverridesJSON(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"veris_memory": {"api_url": "http://localhost:8000"},
		"server": {"log_level": "DEBUG"},
		"tools": {"delete_context": {"enabled": true}}
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.VerisMemory.APIURL != "http://localhost:8000" {
		t.Errorf("api_url = %q", cfg.VerisMemory.APIURL)
	}
	if cfg.Server.LogLevel != "DEBUG" {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	// Untouched sibling keys survive the merge.
	if cfg.VerisMemory.TimeoutMs != 30000 {
		t.Errorf("timeout_ms = %d, want 30000 after partial override", cfg.VerisMemory.TimeoutMs)
	}
	if !cfg.Tool("delete_context").Enabled {
		t.Error("delete_context enable override not applied")
	}
	if got := cfg.Tool("delete_context").MaxResults; got != 100 {
		t.Errorf("delete_context max_results = %d, want 100 preserved from defaults", got)
	}
}

func TestLoadFileYAML(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "veris_memory:\n  api_url: http://localhost:9000\nstreaming:\n  chunk_size: 25\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.VerisMemory.APIURL != "http://localhost:9000" {
		t.Errorf("api_url = %q", cfg.VerisMemory.APIURL)
	}
	if cfg.Streaming.ChunkSize != 25 {
		t.Errorf("chunk_size = %d, want 25", cfg.Streaming.ChunkSize)
	}
	if cfg.Streaming.MaxConcurrentStreams != 10 {
		t.Errorf("max_concurrent_streams = %d, want default 10", cfg.Streaming.MaxConcurrentStreams)
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)

	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvAPIURL, "http://override:8000")
	t.Setenv(EnvAPIKey, "vm_live:alice:admin:1")
	t.Setenv(EnvLogLevel, "ERROR")
	t.Setenv(EnvWebhookSecret, "s3cret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.VerisMemory.APIURL != "http://override:8000" {
		t.Errorf("api_url = %q", cfg.VerisMemory.APIURL)
	}
	if cfg.VerisMemory.APIKey != "vm_live:alice:admin:1" {
		t.Errorf("api_key = %q", cfg.VerisMemory.APIKey)
	}
	if cfg.Server.LogLevel != "ERROR" {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Webhooks.SigningSecret != "s3cret" {
		t.Errorf("signing_secret = %q", cfg.Webhooks.SigningSecret)
	}
}

func TestEnvConfigPath(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"server": {"log_level": "WARNING"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.LogLevel != "WARNING" {
		t.Errorf("log_level = %q, want WARNING from env-pointed file", cfg.Server.LogLevel)
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty api_url", func(c *Config) { c.VerisMemory.APIURL = " " }},
		{"bad scheme", func(c *Config) { c.VerisMemory.APIURL = "ftp://example.com" }},
		{"zero timeout", func(c *Config) { c.VerisMemory.TimeoutMs = 0 }},
		{"bad log level", func(c *Config) { c.Server.LogLevel = "LOUD" }},
		{"zero concurrency", func(c *Config) { c.Server.MaxConcurrentRequests = 0 }},
		{"zero chunk size", func(c *Config) { c.Streaming.ChunkSize = 0 }},
		{"inverted backoff", func(c *Config) { c.Webhooks.MaxBackoffSeconds = 0.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	if err := base.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestToolFallback(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	tc := cfg.Tool("not_a_tool")
	if !tc.Enabled || tc.MaxResults != 100 {
		t.Errorf("fallback tool config = %+v", tc)
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "veris_memory") {
		t.Error("written config missing veris_memory section")
	}
}
