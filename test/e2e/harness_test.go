// Package e2e drives the whole server over an in-memory wire against the
// mock backend: stdio framing, the protocol engine, tools, cache, webhooks,
// and analytics all participate.
package e2e

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/veris-memory/veris-mcp-go/internal/config"
	"github.com/veris-memory/veris-mcp-go/internal/mockbackend"
	"github.com/veris-memory/veris-mcp-go/internal/server"
)

// session is one running server plus a synchronous JSON-RPC conversation
// with it. Requests are answered in order because the transport is run with
// a concurrency bound of one.
type session struct {
	t       *testing.T
	backend mockbackend.Server
	input   *io.PipeWriter
	scanner *bufio.Scanner
	done    chan error
	nextID  int
}

func startSession(t *testing.T, mutate func(cfg *config.Config)) *session {
	t.Helper()

	backend, backendCleanup := mockbackend.StartTestServer()
	t.Cleanup(backendCleanup)

	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("Default config failed: %v", err)
	}
	cfg.VerisMemory.APIURL = backend.URL()
	cfg.VerisMemory.TimeoutMs = 5000
	cfg.VerisMemory.MaxRetries = 0
	cfg.Server.CacheEnabled = true
	cfg.Server.MaxConcurrentRequests = 1
	cfg.Webhooks.Enabled = true
	cfg.Webhooks.InitialBackoffSeconds = 0.05
	cfg.Webhooks.MaxBackoffSeconds = 0.2
	cfg.Webhooks.TimeoutSeconds = 2
	cfg.Analytics.Enabled = true
	if mutate != nil {
		mutate(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := server.New(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("server.New failed: %v", err)
	}

	inReader, inWriter := io.Pipe()
	outReader, outWriter := io.Pipe()

	s := &session{
		t:       t,
		backend: backend,
		input:   inWriter,
		scanner: bufio.NewScanner(outReader),
		done:    make(chan error, 1),
	}
	s.scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)

	go func() {
		s.done <- srv.Run(context.Background(), inReader, outWriter)
	}()

	t.Cleanup(func() {
		inWriter.Close()
		select {
		case err := <-s.done:
			if err != nil {
				t.Errorf("server.Run returned error: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("server did not shut down within 10s")
		}
		outReader.Close()
	})
	return s
}

// call sends one request and waits for its response line.
func (s *session) call(method string, params any) map[string]any {
	s.t.Helper()
	s.nextID++
	request := map[string]any{
		"jsonrpc": "2.0",
		"id":      s.nextID,
		"method":  method,
	}
	if params != nil {
		request["params"] = params
	}
	line, err := json.Marshal(request)
	if err != nil {
		s.t.Fatalf("encode request: %v", err)
	}
	if _, err := s.input.Write(append(line, '\n')); err != nil {
		s.t.Fatalf("write request: %v", err)
	}

	if !s.scanner.Scan() {
		s.t.Fatalf("no response for %s: %v", method, s.scanner.Err())
	}
	var response map[string]any
	if err := json.Unmarshal(s.scanner.Bytes(), &response); err != nil {
		s.t.Fatalf("decode response: %v", err)
	}
	return response
}

// initialize performs the handshake and the initialized notification.
func (s *session) initialize() map[string]any {
	s.t.Helper()
	response := s.call("initialize", map[string]any{
		"protocolVersion": "2025-06-18",
		"clientInfo":      map[string]any{"name": "e2e-harness", "version": "1.0"},
	})
	result := resultOf(s.t, response)

	note, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "notifications/initialized",
	})
	if _, err := s.input.Write(append(note, '\n')); err != nil {
		s.t.Fatalf("write notification: %v", err)
	}
	return result
}

// callTool runs tools/call and returns the text of the first content part
// plus the error flag.
func (s *session) callTool(name string, args map[string]any) (string, bool) {
	s.t.Helper()
	response := s.call("tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	result := resultOf(s.t, response)

	content, _ := result["content"].([]any)
	if len(content) == 0 {
		s.t.Fatalf("tool %s returned no content", name)
	}
	part, _ := content[0].(map[string]any)
	text, _ := part["text"].(string)
	isError, _ := result["isError"].(bool)
	return text, isError
}

func resultOf(t *testing.T, response map[string]any) map[string]any {
	t.Helper()
	if errObj, ok := response["error"].(map[string]any); ok {
		t.Fatalf("unexpected protocol error: %v", errObj)
	}
	result, ok := response["result"].(map[string]any)
	if !ok {
		t.Fatalf("response has no result: %v", response)
	}
	return result
}

// structuredData extracts the JSON block a successful tool result embeds
// after its summary text.
func structuredData(t *testing.T, text string) map[string]any {
	t.Helper()
	const marker = "```json\n"
	start := strings.Index(text, marker)
	if start < 0 {
		t.Fatalf("no structured data block in: %s", text)
	}
	rest := text[start+len(marker):]
	end := strings.Index(rest, "\n```")
	if end < 0 {
		t.Fatalf("unterminated structured data block in: %s", text)
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(rest[:end]), &data); err != nil {
		t.Fatalf("bad structured data: %v", err)
	}
	return data
}

// storeContext stores one context and returns its id.
func (s *session) storeContext(text, contextType string) string {
	s.t.Helper()
	out, isError := s.callTool("store_context", map[string]any{
		"content":      map[string]any{"text": text},
		"context_type": contextType,
	})
	if isError {
		s.t.Fatalf("store_context failed: %s", out)
	}
	data := structuredData(s.t, out)
	id, _ := data["context_id"].(string)
	if id == "" {
		id, _ = data["id"].(string)
	}
	if id == "" {
		s.t.Fatalf("store_context returned no id: %v", data)
	}
	return id
}

// eventually polls fn until it returns true or the deadline passes.
func eventually(t *testing.T, timeout time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(msg)
}
