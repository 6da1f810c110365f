// Package logging builds the structured loggers used across the server.
//
// All log output goes to stderr as JSON: stdout is reserved for the MCP
// wire protocol and must never carry anything but JSON-RPC frames.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ServiceName is attached to every log record emitted by the server.
const ServiceName = "veris-memory-mcp-server"

// New creates the root logger with JSON output to stderr at the given
// level ("debug", "info", "warn", "error"; unknown values fall back to info).
func New(level, version string) *slog.Logger {
	return NewWithWriter(os.Stderr, level, version)
}

// NewWithWriter creates a root logger writing to a custom writer.
// Useful for tests that assert on log output.
func NewWithWriter(w io.Writer, level, version string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})
	return slog.New(handler).With(
		"service", ServiceName,
		"version", version,
	)
}

// Noop returns a logger that discards everything.
func Noop() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// ParseLevel maps a config level string onto a slog level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Component returns a child logger tagged with a component name, e.g.
// "transport", "webhooks", "client".
func Component(logger *slog.Logger, name string) *slog.Logger {
	return logger.With("component", name)
}
