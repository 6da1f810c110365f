package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/veris-memory/veris-mcp-go/internal/config"
	"github.com/veris-memory/veris-mcp-go/internal/tools"
	"github.com/veris-memory/veris-mcp-go/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fakeUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "healthy"})
	})
	mux.HandleFunc("/tools/list_context_types", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success":       true,
			"context_types": []string{"design", "decision", "trace"},
		})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, apiURL string) *config.Config {
	t.Helper()
	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("Default config failed: %v", err)
	}
	cfg.VerisMemory.APIURL = apiURL
	cfg.VerisMemory.TimeoutMs = 2000
	cfg.VerisMemory.MaxRetries = 0
	cfg.Server.CacheEnabled = true
	cfg.Webhooks.Enabled = true
	cfg.Analytics.Enabled = true
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s, err := New(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func TestToolRegistrationOrder(t *testing.T) {
	upstream := fakeUpstream(t)
	s := newTestServer(t, testConfig(t, upstream.URL))

	// delete_context is disabled in the default configuration.
	want := []string{
		"store_context",
		"retrieve_context",
		"search_context",
		"list_context_types",
		"upsert_fact",
		"get_user_facts",
		"forget_context",
		"query_graph",
		"update_scratchpad",
		"get_agent_state",
		"streaming_search",
		"batch_operations",
		"analytics",
		"metrics",
		"webhook_management",
		"event_notification",
	}
	got := s.Engine().ToolNames()
	if len(got) != len(want) {
		t.Fatalf("Expected %d tools, got %d: %v", len(want), len(got), got)
	}
	for i, name := range want {
		if got[i] != name {
			t.Errorf("Tool %d: expected %q, got %q", i, name, got[i])
		}
	}
}

func TestDeleteContextEnabledByConfig(t *testing.T) {
	upstream := fakeUpstream(t)
	cfg := testConfig(t, upstream.URL)
	tc := config.DefaultToolConfig()
	cfg.Tools["delete_context"] = tc

	s := newTestServer(t, cfg)
	names := s.Engine().ToolNames()
	if len(names) != 17 {
		t.Fatalf("Expected 17 tools, got %d", len(names))
	}
	if names[3] != "delete_context" {
		t.Errorf("Expected delete_context at position 3, got %q", names[3])
	}
}

func TestDisabledToolNotRegistered(t *testing.T) {
	upstream := fakeUpstream(t)
	cfg := testConfig(t, upstream.URL)
	cfg.Tools["search_context"] = config.ToolConfig{Enabled: false}

	s := newTestServer(t, cfg)
	for _, name := range s.Engine().ToolNames() {
		if name == "search_context" {
			t.Fatal("search_context should not be registered when disabled")
		}
	}
}

func TestWebhooksDisabledDropsWebhookTools(t *testing.T) {
	upstream := fakeUpstream(t)
	cfg := testConfig(t, upstream.URL)
	cfg.Webhooks.Enabled = false

	s := newTestServer(t, cfg)
	for _, name := range s.Engine().ToolNames() {
		if name == "webhook_management" || name == "event_notification" {
			t.Fatalf("%s should not be registered when webhooks are disabled", name)
		}
	}
	if _, ok := s.emitter.(tools.NoopEmitter); !ok {
		t.Error("Expected no-op emitter when webhooks are disabled")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	upstream := fakeUpstream(t)
	s := newTestServer(t, testConfig(t, upstream.URL))
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !s.client.Connected() {
		t.Error("Expected client to be connected after Start")
	}
	// Second Start is a no-op.
	if err := s.Start(ctx); err != nil {
		t.Errorf("Repeated Start failed: %v", err)
	}

	if err := s.Stop(ctx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Errorf("Repeated Stop failed: %v", err)
	}
	if s.client.Connected() {
		t.Error("Expected client to be disconnected after Stop")
	}
}

func TestStartFailsWhenBackendUnreachable(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	s := newTestServer(t, cfg)

	err := s.Start(context.Background())
	if err == nil {
		t.Fatal("Expected Start to fail against an unreachable backend")
	}
	if !strings.Contains(err.Error(), "connect to Veris Memory API") {
		t.Errorf("Unexpected error: %v", err)
	}
}

type stubTool struct {
	name string
	fn   func(ctx context.Context, args map[string]any) (*tools.Result, error)
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub" }
func (s *stubTool) Schema() *tools.Schema {
	return &tools.Schema{Properties: map[string]tools.Param{}}
}

func (s *stubTool) Execute(ctx context.Context, args map[string]any) (*tools.Result, error) {
	if s.fn != nil {
		return s.fn(ctx, args)
	}
	return tools.Success("ok", nil), nil
}

func TestRunToolRecordsOperation(t *testing.T) {
	upstream := fakeUpstream(t)
	s := newTestServer(t, testConfig(t, upstream.URL))
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop(ctx)

	result, err := s.runTool(ctx, &stubTool{name: "stub_op"}, map[string]any{})
	if err != nil {
		t.Fatalf("runTool failed: %v", err)
	}
	if result.IsError {
		t.Fatalf("Unexpected error result: %s", result.Text())
	}

	points := s.collector.Points("operation.total", time.Time{}, map[string]string{"operation": "stub_op"}, 10)
	if len(points) != 1 {
		t.Fatalf("Expected 1 operation.total point, got %d", len(points))
	}
	if points[0].Labels["success"] != "true" {
		t.Errorf("Expected success label true, got %q", points[0].Labels["success"])
	}

	durations := s.collector.Points("operation.duration_ms", time.Time{}, map[string]string{"operation": "stub_op"}, 10)
	if len(durations) != 1 {
		t.Fatalf("Expected 1 duration point, got %d", len(durations))
	}
}

func TestRunToolRecordsFailure(t *testing.T) {
	upstream := fakeUpstream(t)
	s := newTestServer(t, testConfig(t, upstream.URL))
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop(ctx)

	failing := &stubTool{
		name: "stub_fail",
		fn: func(context.Context, map[string]any) (*tools.Result, error) {
			return nil, errors.New("upstream exploded")
		},
	}
	result, err := s.runTool(ctx, failing, map[string]any{})
	if err != nil {
		t.Fatalf("runTool failed: %v", err)
	}
	if !result.IsError {
		t.Fatal("Expected an error result")
	}

	points := s.collector.Points("operation.total", time.Time{}, map[string]string{"operation": "stub_fail"}, 10)
	if len(points) != 1 {
		t.Fatalf("Expected 1 operation.total point, got %d", len(points))
	}
	if points[0].Labels["success"] != "false" {
		t.Errorf("Expected success label false, got %q", points[0].Labels["success"])
	}
	if points[0].Labels["error_type"] != "tool_error" {
		t.Errorf("Expected error_type label tool_error, got %q", points[0].Labels["error_type"])
	}
}

func TestMetricsToolWithAnalyticsDisabled(t *testing.T) {
	upstream := fakeUpstream(t)
	cfg := testConfig(t, upstream.URL)
	cfg.Analytics.Enabled = false
	s := newTestServer(t, cfg)
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop(ctx)

	metricsTool := s.Engine().Tool("metrics")
	if metricsTool == nil {
		t.Fatal("metrics tool should stay registered without the collector")
	}

	// Local actions must come back as tool errors, never as panics that the
	// engine would surface as internal protocol errors.
	result, err := s.runTool(ctx, metricsTool, map[string]any{"action": "list_metrics"})
	if err != nil {
		t.Fatalf("runTool failed: %v", err)
	}
	if !result.IsError {
		t.Fatalf("Expected an error result, got %s", result.Text())
	}
	if !strings.Contains(result.Text(), "Local metrics collection is disabled") {
		t.Errorf("Unexpected error text: %s", result.Text())
	}
}

func TestHealthSweep(t *testing.T) {
	upstream := fakeUpstream(t)
	s := newTestServer(t, testConfig(t, upstream.URL))
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop(ctx)

	report := s.Health(ctx)
	if _, ok := report.Checks["veris_connection"]; !ok {
		t.Error("Expected veris_connection check in report")
	}
	if _, ok := report.Checks["cache"]; !ok {
		t.Error("Expected cache check in report")
	}
	if _, ok := report.Checks["system_resources"]; !ok {
		t.Error("Expected system_resources check in report")
	}
}

func TestRunServesUntilInputCloses(t *testing.T) {
	upstream := fakeUpstream(t)
	cfg := testConfig(t, upstream.URL)
	// Serialize request handling so the two responses come back in order.
	cfg.Server.MaxConcurrentRequests = 1
	s := newTestServer(t, cfg)

	var input bytes.Buffer
	initReq, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": "2025-06-18",
			"clientInfo":      map[string]any{"name": "test-client", "version": "1.0"},
		},
	})
	input.Write(initReq)
	input.WriteByte('\n')
	listReq, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      2,
		"method":  "tools/list",
	})
	input.Write(listReq)
	input.WriteByte('\n')

	var output lockedBuffer
	if err := s.Run(context.Background(), &input, &output); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(output.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 response lines, got %d: %q", len(lines), output.String())
	}

	var initResp struct {
		Result struct {
			ServerInfo transport.ServerInfo `json:"serverInfo"`
		} `json:"result"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &initResp); err != nil {
		t.Fatalf("Bad initialize response: %v", err)
	}
	if initResp.Result.ServerInfo.Name != Name {
		t.Errorf("Expected server name %q, got %q", Name, initResp.Result.ServerInfo.Name)
	}

	var listResp struct {
		Result struct {
			Tools []transport.Tool `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal([]byte(lines[1]), &listResp); err != nil {
		t.Fatalf("Bad tools/list response: %v", err)
	}
	if len(listResp.Result.Tools) != 16 {
		t.Errorf("Expected 16 tools listed, got %d", len(listResp.Result.Tools))
	}
}

// lockedBuffer is safe for the transport's concurrent writes.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
