// Package tools implements the MCP tool layer: schema-described operations
// over the upstream memory backend, argument validation, and the tool
// result envelope formatting.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/veris-memory/veris-mcp-go/internal/client"
	"github.com/veris-memory/veris-mcp-go/internal/transport"
)

// Stable error codes shared across tools.
const (
	CodeValidationError = "validation_error"
	CodeInternalError   = "internal_error"
	CodeBackendError    = "veris_memory_error"
)

// ToolError is a domain-level failure surfaced to the host as a tool result
// with is_error=true, never as a protocol error.
type ToolError struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Result is what a tool execution produces: typed content parts plus the
// error flag. Only text parts are emitted; structured data rides inside the
// text as a fenced JSON block.
type Result struct {
	Content []transport.ToolContent
	IsError bool
}

// Envelope converts the result into the wire form used by tools/call.
func (r *Result) Envelope() *transport.ToolsCallResult {
	return &transport.ToolsCallResult{Content: r.Content, IsError: r.IsError}
}

// Text returns the first text part, mainly for tests.
func (r *Result) Text() string {
	if len(r.Content) == 0 {
		return ""
	}
	return r.Content[0].Text
}

// Success builds a success result. When data is non-nil it is appended as
// an indented JSON block so text-only MCP hosts still show it.
func Success(text string, data map[string]any) *Result {
	if data != nil {
		if block, err := json.MarshalIndent(data, "", "  "); err == nil {
			text += "\n\nStructured Data:\n```json\n" + string(block) + "\n```"
		}
	}
	return &Result{Content: []transport.ToolContent{{Type: "text", Text: text}}}
}

// Errorf builds an error result. The text starts with "Error: "; when
// details are present they are embedded with the error code in a fenced
// JSON block.
func Errorf(code, message string, details map[string]any) *Result {
	text := "Error: " + message
	if len(details) > 0 {
		block, err := json.MarshalIndent(map[string]any{
			"error_code": code,
			"details":    details,
		}, "", "  ")
		if err == nil {
			text += "\n\nError Details:\n```json\n" + string(block) + "\n```"
		}
	}
	return &Result{
		Content: []transport.ToolContent{{Type: "text", Text: text}},
		IsError: true,
	}
}

// Param describes one schema property.
type Param struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Default     any      `json:"default,omitempty"`
	Minimum     *float64 `json:"minimum,omitempty"`
	Maximum     *float64 `json:"maximum,omitempty"`
}

// Schema is a JSON-Schema-shaped object schema for tool arguments.
type Schema struct {
	Properties map[string]Param
	Required   []string
}

// JSON renders the schema for the tools/list descriptor.
func (s *Schema) JSON() json.RawMessage {
	required := s.Required
	if required == nil {
		required = []string{}
	}
	raw, _ := json.Marshal(map[string]any{
		"type":                 "object",
		"properties":           s.Properties,
		"required":             required,
		"additionalProperties": false,
	})
	return raw
}

// Float returns a *float64 for Minimum/Maximum fields.
func Float(v float64) *float64 { return &v }

// Tool is one named, schema-described operation.
type Tool interface {
	Name() string
	Description() string
	Schema() *Schema
	Execute(ctx context.Context, args map[string]any) (*Result, error)
}

// Descriptor builds the wire descriptor for a tool.
func Descriptor(t Tool) transport.Tool {
	return transport.Tool{
		Name:        t.Name(),
		Description: t.Description(),
		InputSchema: t.Schema().JSON(),
	}
}

// Validate enforces required properties, JSON types, and enum membership,
// in that order.
func Validate(s *Schema, args map[string]any) *ToolError {
	for _, name := range s.Required {
		if _, ok := args[name]; !ok {
			return &ToolError{
				Code:    CodeValidationError,
				Message: fmt.Sprintf("Missing required parameter: %s", name),
			}
		}
	}

	names := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value, ok := args[name]
		if !ok || value == nil {
			continue
		}
		param := s.Properties[name]
		if !typeMatches(param.Type, value) {
			return &ToolError{
				Code:    CodeValidationError,
				Message: fmt.Sprintf("Parameter '%s' must be a %s", name, param.Type),
			}
		}
		if len(param.Enum) > 0 {
			str, _ := value.(string)
			if !contains(param.Enum, str) {
				return &ToolError{
					Code:    CodeValidationError,
					Message: fmt.Sprintf("Parameter '%s' must be one of: [%s]", name, strings.Join(param.Enum, ", ")),
				}
			}
		}
	}
	return nil
}

func typeMatches(schemaType string, value any) bool {
	switch schemaType {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		return isNumber(value)
	case "integer":
		f, ok := numberValue(value)
		return ok && f == float64(int64(f))
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	default:
		return true
	}
}

func isNumber(value any) bool {
	_, ok := numberValue(value)
	return ok
}

func numberValue(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Run validates arguments and executes the tool, translating failures into
// error results. A tool failure never escapes as a Go error.
func Run(ctx context.Context, t Tool, args map[string]any) *Result {
	if args == nil {
		args = map[string]any{}
	}
	if verr := Validate(t.Schema(), args); verr != nil {
		return Errorf(verr.Code, verr.Message, verr.Details)
	}

	result, err := t.Execute(ctx, args)
	if err == nil {
		return result
	}

	var terr *ToolError
	if errors.As(err, &terr) {
		return Errorf(terr.Code, terr.Message, terr.Details)
	}
	var berr *client.BackendError
	if errors.As(err, &berr) {
		return Errorf(CodeBackendError, berr.Message, map[string]any{"original_error": berr.Error()})
	}
	return Errorf(CodeInternalError, "Internal tool error", map[string]any{"details": err.Error()})
}

// backendError wraps an upstream failure with the tool's action verb, e.g.
// "Failed to store context: connection refused".
func backendError(action string, err error) *ToolError {
	return &ToolError{
		Code:    CodeBackendError,
		Message: fmt.Sprintf("Failed to %s: %v", action, errMessage(err)),
		Details: map[string]any{"original_error": err.Error()},
	}
}

func errMessage(err error) string {
	var berr *client.BackendError
	if errors.As(err, &berr) {
		return berr.Message
	}
	return err.Error()
}

// Argument accessors. JSON arguments arrive as map[string]any with float64
// numbers; these helpers normalize the common cases.

func stringArg(args map[string]any, key, fallback string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return fallback
}

func intArg(args map[string]any, key string, fallback int) int {
	if f, ok := numberValue(args[key]); ok {
		return int(f)
	}
	return fallback
}

func boolArg(args map[string]any, key string, fallback bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return fallback
}

func mapArg(args map[string]any, key string) map[string]any {
	if v, ok := args[key].(map[string]any); ok {
		return v
	}
	return nil
}
