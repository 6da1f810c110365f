// Package transport implements the MCP wire layer: JSON-RPC 2.0 message
// types, the line codec, and the newline-delimited stdio transport.
package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 error codes used on the wire.
const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeNotInitialized = -32002
	CodeGeneric        = -32000
)

// SentinelID is used on error responses when the request id could not be
// recovered from the input.
const SentinelID = "unknown"

// Request is a decoded JSON-RPC 2.0 request or notification.
//
// ID keeps the decoded identifier as a string or json.Number so responses
// echo it verbatim. A message without an id field is a notification.
type Request struct {
	JSONRPC string
	ID      any
	Method  string
	Params  json.RawMessage

	hasID     bool
	invalidID bool
}

// IsNotification reports whether the message carried no id and therefore
// must not be answered.
func (r *Request) IsNotification() bool {
	return !r.hasID
}

// HasInvalidID reports whether an id field was present but not a string or
// number. Such requests are answered with the sentinel id.
func (r *Request) HasInvalidID() bool {
	return r.invalidID
}

// ResponseID returns the id to use when answering this request: the echoed
// id when recoverable, the sentinel otherwise.
func (r *Request) ResponseID() any {
	if !r.hasID || r.invalidID {
		return SentinelID
	}
	return r.ID
}

type rawRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// UnmarshalJSON decodes a request while tracking whether the id field was
// present and whether it was a recoverable string or number.
func (r *Request) UnmarshalJSON(data []byte) error {
	var raw rawRequest
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.JSONRPC = raw.JSONRPC
	r.Method = raw.Method
	r.Params = raw.Params
	r.hasID = false
	r.invalidID = false
	r.ID = nil

	if len(raw.ID) == 0 {
		return nil
	}
	r.hasID = true
	if bytes.Equal(raw.ID, []byte("null")) {
		r.invalidID = true
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw.ID))
	dec.UseNumber()
	var id any
	if err := dec.Decode(&id); err != nil {
		r.invalidID = true
		return nil
	}
	switch id.(type) {
	case string, json.Number:
		r.ID = id
	default:
		r.invalidID = true
	}
	return nil
}

// MarshalJSON re-emits a request (used by tests and the in-process wire pair).
func (r *Request) MarshalJSON() ([]byte, error) {
	raw := map[string]any{
		"jsonrpc": r.JSONRPC,
		"method":  r.Method,
	}
	if r.hasID || r.ID != nil {
		raw["id"] = r.ID
	}
	if len(r.Params) > 0 {
		raw["params"] = r.Params
	}
	return json.Marshal(raw)
}

// NewRequest builds a request with an id, mainly for tests.
func NewRequest(id any, method string, params any) *Request {
	req := &Request{JSONRPC: Version, ID: id, Method: method, hasID: id != nil}
	if params != nil {
		raw, _ := json.Marshal(params)
		req.Params = raw
	}
	return req
}

// Version is the JSON-RPC protocol version string.
const Version = "2.0"

// Response is a JSON-RPC 2.0 response. Exactly one of Result and Error is
// set; the other is omitted from the encoding (never serialized as null).
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Error is the JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewResult builds a success response echoing the given id.
func NewResult(id any, result any) *Response {
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

// NewError builds an error response echoing the given id.
func NewError(id any, code int, message string, data any) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message, Data: data},
	}
}

// Notification is a server-to-client message without an id.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification builds a notification message.
func NewNotification(method string, params any) *Notification {
	return &Notification{JSONRPC: Version, Method: method, Params: params}
}

// LogParams is the payload of a notifications/log message.
type LogParams struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ProgressParams is the payload of a notifications/progress message.
type ProgressParams struct {
	ProgressToken any     `json:"progressToken"`
	Progress      float64 `json:"progress"`
	Total         float64 `json:"total,omitempty"`
}

// MCP protocol types.

// ClientInfo identifies the MCP host.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo identifies this server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams are the parameters of the initialize request.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      ClientInfo     `json:"clientInfo"`
}

// InitializeResult is the result of the initialize request.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
}

// Tool is a tool descriptor as listed by tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolsListResult is the result of tools/list.
type ToolsListResult struct {
	Tools []Tool `json:"tools"`
}

// ToolsCallParams are the parameters of tools/call.
type ToolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolContent is one typed content part of a tool result.
type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolsCallResult is the envelope the engine wraps tool output in.
type ToolsCallResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}
