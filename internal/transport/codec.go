package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ParseError reports input that was not valid JSON. RecoveredID is always
// the sentinel: if the line did not parse, no id can be trusted.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// InvalidRequestError reports a JSON object that is not a well-formed
// JSON-RPC request (missing method, wrong shape). The id is recovered when
// possible so the error response can still be correlated.
type InvalidRequestError struct {
	ID     any
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid request: %s", e.Reason)
}

// Codec decodes and encodes newline-framed JSON-RPC messages.
type Codec struct{}

// Decode parses one line into a Request. It returns *ParseError for
// malformed JSON and *InvalidRequestError for JSON that is not a request.
func (Codec) Decode(line []byte) (*Request, error) {
	if !json.Valid(line) {
		return nil, &ParseError{Err: fmt.Errorf("invalid JSON")}
	}

	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &InvalidRequestError{ID: SentinelID, Reason: "message must be a JSON object"}
	}

	var req Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return nil, &ParseError{Err: err}
	}
	if req.Method == "" {
		return nil, &InvalidRequestError{ID: req.ResponseID(), Reason: "missing method"}
	}
	return &req, nil
}

// Encode serializes a message (Response or Notification) to a single line
// without the trailing newline. Absent result/error fields are omitted,
// never emitted as null.
func (Codec) Encode(msg any) ([]byte, error) {
	out, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return out, nil
}

// ErrorResponseFor maps a decode failure onto the error response that
// should be written back, or nil when no response is owed.
func ErrorResponseFor(err error) *Response {
	switch e := err.(type) {
	case *ParseError:
		return NewError(SentinelID, CodeParseError, "Parse error", nil)
	case *InvalidRequestError:
		return NewError(e.ID, CodeInvalidParams, "Invalid request", map[string]any{"details": e.Reason})
	default:
		return nil
	}
}
