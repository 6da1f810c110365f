// Package webhooks implements the event fabric: subscriptions, HMAC-signed
// payloads, and retried HTTP delivery.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType identifies what happened. Subscriptions filter on these.
type EventType string

const (
	EventContextStored    EventType = "context.stored"
	EventContextRetrieved EventType = "context.retrieved"
	EventContextUpdated   EventType = "context.updated"
	EventContextDeleted   EventType = "context.deleted"
	EventContextSearched  EventType = "context.searched"

	EventBatchStarted   EventType = "batch.operation.started"
	EventBatchCompleted EventType = "batch.operation.completed"
	EventBatchFailed    EventType = "batch.operation.failed"

	EventStreamStarted        EventType = "stream.started"
	EventStreamChunkDelivered EventType = "stream.chunk.delivered"
	EventStreamCompleted      EventType = "stream.completed"
	EventStreamFailed         EventType = "stream.failed"

	EventServerStarted  EventType = "server.started"
	EventServerStopping EventType = "server.stopping"

	EventHealthCheckFailed EventType = "health.check.failed"
	EventCacheEviction     EventType = "cache.eviction"

	EventAuthFailed         EventType = "auth.failed"
	EventRateLimitExceeded  EventType = "rate_limit.exceeded"
	EventSuspiciousActivity EventType = "security.suspicious_activity"
)

// AllEventTypes lists every event the server can emit, in a stable order.
var AllEventTypes = []EventType{
	EventContextStored, EventContextRetrieved, EventContextUpdated,
	EventContextDeleted, EventContextSearched,
	EventBatchStarted, EventBatchCompleted, EventBatchFailed,
	EventStreamStarted, EventStreamChunkDelivered, EventStreamCompleted, EventStreamFailed,
	EventServerStarted, EventServerStopping,
	EventHealthCheckFailed, EventCacheEviction,
	EventAuthFailed, EventRateLimitExceeded, EventSuspiciousActivity,
}

var knownEventTypes = func() map[EventType]bool {
	m := make(map[EventType]bool, len(AllEventTypes))
	for _, et := range AllEventTypes {
		m[et] = true
	}
	return m
}()

// ValidEventType reports whether s names a known event.
func ValidEventType(s string) bool { return knownEventTypes[EventType(s)] }

// EventSource identifies this server in every payload.
const EventSource = "veris-memory-mcp-server"

// Event is one emitted occurrence.
type Event struct {
	EventType EventType      `json:"event_type"`
	EventID   string         `json:"event_id"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	Data      map[string]any `json:"data"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewEvent builds an event with a fresh id and the current timestamp.
func NewEvent(eventType EventType, data, metadata map[string]any) *Event {
	if data == nil {
		data = map[string]any{}
	}
	return &Event{
		EventType: eventType,
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    EventSource,
		Data:      data,
		Metadata:  metadata,
	}
}

// Payload renders the event as the delivery body.
func (e *Event) Payload() map[string]any {
	p := map[string]any{
		"event_type": string(e.EventType),
		"event_id":   e.EventID,
		"timestamp":  e.Timestamp.Format(time.RFC3339Nano),
		"source":     e.Source,
		"data":       e.Data,
	}
	if e.Metadata != nil {
		p["metadata"] = e.Metadata
	}
	return p
}

// SignPayload computes an HMAC-SHA256 over the canonical JSON encoding of
// the payload (sorted keys, compact separators) and appends it under the
// "signature" key. The signature field itself is never part of the signed
// bytes.
func SignPayload(payload map[string]any, secret string) error {
	delete(payload, "signature")
	canonical, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	payload["signature"] = "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return nil
}

// VerifySignature checks a payload signature, for receivers.
func VerifySignature(payload map[string]any, secret string) bool {
	signature, _ := payload["signature"].(string)
	if signature == "" {
		return false
	}
	copied := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == "signature" {
			continue
		}
		copied[k] = v
	}
	if err := SignPayload(copied, secret); err != nil {
		return false
	}
	expected, _ := copied["signature"].(string)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// Subscription is one registered webhook endpoint.
type Subscription struct {
	WebhookID      string             `json:"webhook_id"`
	URL            string             `json:"url"`
	EventTypes     map[EventType]bool `json:"-"`
	Active         bool               `json:"active"`
	Headers        map[string]string  `json:"headers,omitempty"`
	SigningSecret  string             `json:"-"`
	Description    string             `json:"description,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	LastDeliveryAt *time.Time         `json:"last_delivery_at,omitempty"`
	DeliveryCount  int64              `json:"delivery_count"`
	FailureCount   int64              `json:"failure_count"`
}

// Matches reports whether this subscription wants the event. An empty
// event type set subscribes to everything.
func (s *Subscription) Matches(eventType EventType) bool {
	if !s.Active {
		return false
	}
	if len(s.EventTypes) == 0 {
		return true
	}
	return s.EventTypes[eventType]
}

// SuccessRate is the delivered fraction as a percentage; 100 when nothing
// has been attempted yet.
func (s *Subscription) SuccessRate() float64 {
	if s.DeliveryCount == 0 {
		return 100.0
	}
	return float64(s.DeliveryCount-s.FailureCount) / float64(s.DeliveryCount) * 100.0
}

// Describe renders the subscription for tool output.
func (s *Subscription) Describe() map[string]any {
	eventTypes := make([]string, 0, len(s.EventTypes))
	for _, et := range AllEventTypes {
		if s.EventTypes[et] {
			eventTypes = append(eventTypes, string(et))
		}
	}
	out := map[string]any{
		"webhook_id":     s.WebhookID,
		"url":            s.URL,
		"event_types":    eventTypes,
		"active":         s.Active,
		"created_at":     s.CreatedAt.Format(time.RFC3339),
		"delivery_count": s.DeliveryCount,
		"failure_count":  s.FailureCount,
		"success_rate":   s.SuccessRate(),
	}
	if s.Description != "" {
		out["description"] = s.Description
	}
	if s.LastDeliveryAt != nil {
		out["last_delivery_at"] = s.LastDeliveryAt.Format(time.RFC3339)
	}
	return out
}

// clone returns a snapshot safe to use outside the manager lock.
func (s *Subscription) clone() *Subscription {
	c := *s
	c.EventTypes = make(map[EventType]bool, len(s.EventTypes))
	for et := range s.EventTypes {
		c.EventTypes[et] = true
	}
	c.Headers = make(map[string]string, len(s.Headers))
	for k, v := range s.Headers {
		c.Headers[k] = v
	}
	if s.LastDeliveryAt != nil {
		t := *s.LastDeliveryAt
		c.LastDeliveryAt = &t
	}
	return &c
}
