package e2e

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/veris-memory/veris-mcp-go/internal/webhooks"
)

// receiver captures webhook deliveries.
type receiver struct {
	mu       sync.Mutex
	payloads []map[string]any
	statuses []int
}

func (r *receiver) handler(failFirst int) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		var payload map[string]any
		json.Unmarshal(body, &payload)

		r.mu.Lock()
		r.payloads = append(r.payloads, payload)
		attempt := len(r.payloads)
		status := http.StatusOK
		if attempt <= failFirst {
			status = http.StatusInternalServerError
		}
		r.statuses = append(r.statuses, status)
		r.mu.Unlock()

		w.WriteHeader(status)
	}
}

func (r *receiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func (r *receiver) payload(i int) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.payloads[i]
}

func TestWebhookDeliveryWithSignature(t *testing.T) {
	rec := &receiver{}
	sink := httptest.NewServer(rec.handler(0))
	defer sink.Close()

	s := startSession(t, nil)
	s.initialize()

	text, isError := s.callTool("webhook_management", map[string]any{
		"action":         "register",
		"url":            sink.URL,
		"event_types":    []any{"context.stored"},
		"signing_secret": "e2e-secret",
	})
	if isError {
		t.Fatalf("register failed: %s", text)
	}
	if !strings.Contains(text, "Webhook registered successfully with ID:") {
		t.Errorf("Unexpected register text: %s", text)
	}

	s.storeContext("observable write", "design")

	eventually(t, 5*time.Second, func() bool { return rec.count() >= 1 },
		"webhook delivery never arrived")

	payload := rec.payload(0)
	if payload["event_type"] != "context.stored" {
		t.Errorf("Unexpected event type: %v", payload["event_type"])
	}
	if payload["source"] != "veris-memory-mcp-server" {
		t.Errorf("Unexpected source: %v", payload["source"])
	}
	if !webhooks.VerifySignature(payload, "e2e-secret") {
		t.Error("Payload signature did not verify")
	}
	if webhooks.VerifySignature(payload, "wrong-secret") {
		t.Error("Signature verified with the wrong secret")
	}
}

func TestWebhookRetryAfterServerError(t *testing.T) {
	rec := &receiver{}
	sink := httptest.NewServer(rec.handler(1))
	defer sink.Close()

	s := startSession(t, nil)
	s.initialize()

	text, isError := s.callTool("webhook_management", map[string]any{
		"action":      "register",
		"url":         sink.URL,
		"event_types": []any{"context.stored"},
	})
	if isError {
		t.Fatalf("register failed: %s", text)
	}

	_, isError = s.callTool("event_notification", map[string]any{
		"event_type": "context.stored",
		"event_data": map[string]any{"origin": "retry-test"},
	})
	if isError {
		t.Fatal("event_notification failed")
	}

	eventually(t, 5*time.Second, func() bool { return rec.count() >= 2 },
		"delivery was not retried after a 500")

	// Same event on both attempts.
	if rec.payload(0)["event_id"] != rec.payload(1)["event_id"] {
		t.Error("Retry delivered a different event")
	}
}

func TestWebhookEventFilteringAndStats(t *testing.T) {
	rec := &receiver{}
	sink := httptest.NewServer(rec.handler(0))
	defer sink.Close()

	s := startSession(t, nil)
	s.initialize()

	_, isError := s.callTool("webhook_management", map[string]any{
		"action":      "register",
		"url":         sink.URL,
		"event_types": []any{"context.deleted"},
	})
	if isError {
		t.Fatal("register failed")
	}

	// context.stored does not match the subscription.
	text, isError := s.callTool("event_notification", map[string]any{
		"event_type": "context.stored",
	})
	if isError {
		t.Fatalf("event_notification failed: %s", text)
	}
	if !strings.Contains(text, "emitted successfully to 0 webhooks") {
		t.Errorf("Expected zero matches: %s", text)
	}

	text, isError = s.callTool("event_notification", map[string]any{
		"event_type": "context.deleted",
	})
	if isError {
		t.Fatalf("event_notification failed: %s", text)
	}
	if !strings.Contains(text, "emitted successfully to 1 webhooks") {
		t.Errorf("Expected one match: %s", text)
	}

	eventually(t, 5*time.Second, func() bool { return rec.count() == 1 },
		"filtered delivery did not arrive")

	text, isError = s.callTool("webhook_management", map[string]any{"action": "stats"})
	if isError {
		t.Fatalf("stats failed: %s", text)
	}
	data := structuredData(t, text)
	if data["total_subscriptions"].(float64) != 1 {
		t.Errorf("Expected 1 subscription, got %v", data["total_subscriptions"])
	}
}
