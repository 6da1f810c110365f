package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/veris-memory/veris-mcp-go/schemas"
)

// Load resolves the effective configuration. The path argument may be empty,
// in which case VERIS_MCP_CONFIG_PATH is consulted; if that is also empty
// only the embedded defaults and environment overrides apply. A path that is
// set but does not exist is an error (a deliberately configured file must
// not be silently ignored).
func Load(path string) (*Config, error) {
	merged, err := defaultDocument()
	if err != nil {
		return nil, err
	}

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		doc, err := readDocument(path)
		if err != nil {
			return nil, err
		}
		merged = deepMerge(merged, doc)
	}

	cfg, err := decode(merged)
	if err != nil {
		return nil, err
	}
	expandEnvRefs(cfg)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Default returns the embedded default configuration with environment
// overrides applied. Used by tests and by callers that need a baseline.
func Default() (*Config, error) {
	return Load("")
}

// WriteDefault writes the embedded default configuration document to path,
// creating parent directories as needed. Used by the `init` CLI command.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, schemas.DefaultConfig, 0o644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
}

func defaultDocument() (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(schemas.DefaultConfig, &doc); err != nil {
		return nil, fmt.Errorf("embedded default config is malformed: %w", err)
	}
	return doc, nil
}

func readDocument(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var doc map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parse YAML config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parse JSON config %s: %w", path, err)
		}
	}
	return doc, nil
}

// deepMerge overlays src onto dst key by key; nested objects merge
// recursively, everything else is replaced. dst is not modified.
func deepMerge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if sv, ok := v.(map[string]any); ok {
			if dv, ok := out[k].(map[string]any); ok {
				out[k] = deepMerge(dv, sv)
				continue
			}
		}
		out[k] = v
	}
	return out
}

func decode(doc map[string]any) (*Config, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode merged config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode merged config: %w", err)
	}
	return &cfg, nil
}
