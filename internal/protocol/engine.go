// Package protocol implements the MCP session layer: the initialize
// handshake, tool listing, and tool dispatch over the JSON-RPC transport.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/veris-memory/veris-mcp-go/internal/tools"
	"github.com/veris-memory/veris-mcp-go/internal/transport"
)

// Protocol revisions this server speaks. A known client version is echoed
// back; anything else gets the default.
var SupportedVersions = []string{"2024-11-05", "2025-06-18"}

// DefaultVersion is offered when the client requests an unknown revision.
const DefaultVersion = "2025-06-18"

// Runner executes one tool call. The server layer installs an instrumented
// runner; the zero value falls back to plain execution.
type Runner func(ctx context.Context, t tools.Tool, args map[string]any) (*tools.Result, error)

// Engine routes decoded JSON-RPC requests to protocol handlers and
// registered tools. It implements transport.Handler.
type Engine struct {
	info   transport.ServerInfo
	logger *slog.Logger
	runner Runner

	initialized atomic.Bool

	mu    sync.RWMutex
	order []string
	tools map[string]tools.Tool
}

// NewEngine builds an engine. runner may be nil.
func NewEngine(info transport.ServerInfo, runner Runner, logger *slog.Logger) *Engine {
	if runner == nil {
		runner = func(ctx context.Context, t tools.Tool, args map[string]any) (*tools.Result, error) {
			return tools.Run(ctx, t, args), nil
		}
	}
	return &Engine{
		info:   info,
		logger: logger,
		runner: runner,
		tools:  make(map[string]tools.Tool),
	}
}

// Register adds a tool. Registration order is the tools/list order.
// Re-registering a name replaces the tool in place.
func (e *Engine) Register(t tools.Tool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.tools[t.Name()]; !exists {
		e.order = append(e.order, t.Name())
	}
	e.tools[t.Name()] = t
}

// ToolNames returns the registered tool names in registration order.
func (e *Engine) ToolNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, len(e.order))
	copy(names, e.order)
	return names
}

// Tool returns a registered tool by name, or nil when unknown.
func (e *Engine) Tool(name string) tools.Tool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tools[name]
}

// Initialized reports whether the handshake has completed.
func (e *Engine) Initialized() bool {
	return e.initialized.Load()
}

// Handle implements transport.Handler.
func (e *Engine) Handle(ctx context.Context, req *transport.Request) (resp *transport.Response) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic in request handler", "method", req.Method, "panic", r)
			resp = transport.NewError(req.ResponseID(), transport.CodeInternalError,
				"Internal error", map[string]any{"details": fmt.Sprint(r)})
		}
	}()

	if req.HasInvalidID() {
		return transport.NewError(req.ResponseID(), transport.CodeInvalidParams,
			"Invalid request id", nil)
	}

	switch req.Method {
	case "initialize":
		return e.handleInitialize(req)
	case "notifications/initialized":
		return nil
	case "ping":
		return transport.NewResult(req.ResponseID(), map[string]any{})
	case "tools/list":
		if !e.initialized.Load() {
			return e.notInitialized(req)
		}
		return e.handleToolsList(req)
	case "tools/call":
		if !e.initialized.Load() {
			return e.notInitialized(req)
		}
		return e.handleToolsCall(ctx, req)
	default:
		if req.IsNotification() {
			e.logger.Debug("ignoring unknown notification", "method", req.Method)
			return nil
		}
		return transport.NewError(req.ResponseID(), transport.CodeMethodNotFound,
			fmt.Sprintf("Method not found: %s", req.Method), nil)
	}
}

func (e *Engine) notInitialized(req *transport.Request) *transport.Response {
	return transport.NewError(req.ResponseID(), transport.CodeNotInitialized,
		"Session not initialized", nil)
}

func (e *Engine) handleInitialize(req *transport.Request) *transport.Response {
	var params transport.InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return transport.NewError(req.ResponseID(), transport.CodeInvalidParams,
				"Invalid params", map[string]any{"details": err.Error()})
		}
	}

	version := DefaultVersion
	known := false
	for _, v := range SupportedVersions {
		if v == params.ProtocolVersion {
			version = v
			known = true
			break
		}
	}
	if !known && params.ProtocolVersion != "" {
		e.logger.Warn("unknown protocol version requested",
			"requested", params.ProtocolVersion, "offering", version)
	}

	e.initialized.Store(true)
	e.logger.Info("session initialized",
		"client", params.ClientInfo.Name,
		"client_version", params.ClientInfo.Version,
		"protocol_version", version)

	return transport.NewResult(req.ResponseID(), &transport.InitializeResult{
		ProtocolVersion: version,
		Capabilities: map[string]any{
			"tools":     map[string]any{},
			"resources": map[string]any{},
			"prompts":   map[string]any{},
		},
		ServerInfo: e.info,
	})
}

func (e *Engine) handleToolsList(req *transport.Request) *transport.Response {
	e.mu.RLock()
	defer e.mu.RUnlock()

	listed := make([]transport.Tool, 0, len(e.order))
	for _, name := range e.order {
		listed = append(listed, tools.Descriptor(e.tools[name]))
	}
	return transport.NewResult(req.ResponseID(), &transport.ToolsListResult{Tools: listed})
}

func (e *Engine) handleToolsCall(ctx context.Context, req *transport.Request) *transport.Response {
	var params transport.ToolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return transport.NewError(req.ResponseID(), transport.CodeInvalidParams,
			"Invalid params", map[string]any{"details": err.Error()})
	}
	if params.Name == "" {
		return transport.NewError(req.ResponseID(), transport.CodeInvalidParams,
			"Invalid params", map[string]any{"details": "tool name is required"})
	}

	e.mu.RLock()
	tool, ok := e.tools[params.Name]
	e.mu.RUnlock()
	if !ok {
		return transport.NewError(req.ResponseID(), transport.CodeMethodNotFound,
			fmt.Sprintf("Unknown tool: %s", params.Name), nil)
	}

	result, err := e.runner(ctx, tool, params.Arguments)
	if err != nil {
		// Execution-layer failures surface inside the tool result so hosts
		// keep the session alive.
		e.logger.Error("tool execution failed", "tool", params.Name, "error", err)
		return transport.NewResult(req.ResponseID(), &transport.ToolsCallResult{
			Content: []transport.ToolContent{{
				Type: "text",
				Text: fmt.Sprintf("Tool execution failed: %v", err),
			}},
			IsError: true,
		})
	}
	return transport.NewResult(req.ResponseID(), result.Envelope())
}
