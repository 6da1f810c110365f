package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/veris-memory/veris-mcp-go/internal/config"
)

const (
	// deliveryUserAgent identifies the server to webhook receivers.
	deliveryUserAgent = "Veris-Memory-MCP-Server/1.0"

	// maxResponseCapture bounds how much of a receiver's response body is
	// kept per attempt.
	maxResponseCapture = 500

	// maxHistory bounds the retained delivery records.
	maxHistory = 10000
)

// Attempt records one HTTP delivery attempt.
type Attempt struct {
	Number         int     `json:"number"`
	StatusCode     int     `json:"status_code,omitempty"`
	ResponseTimeMs float64 `json:"response_time_ms"`
	Error          string  `json:"error,omitempty"`
	Body           string  `json:"body,omitempty"`
}

// DeliveryRecord is the outcome of delivering one event to one endpoint.
type DeliveryRecord struct {
	DeliveryID string    `json:"delivery_id"`
	WebhookID  string    `json:"webhook_id"`
	EventID    string    `json:"event_id"`
	EventType  EventType `json:"event_type"`
	URL        string    `json:"url"`
	Success    bool      `json:"success"`
	Abandoned  bool      `json:"abandoned"`
	Attempts   []Attempt `json:"attempts"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// abandonedError marks a permanent (4xx) receiver response.
type abandonedError struct {
	status int
}

func (e *abandonedError) Error() string {
	return fmt.Sprintf("receiver rejected delivery with status %d", e.status)
}

// Deliverer posts signed events to subscription endpoints with bounded
// concurrency and exponential retry on transient failures.
type Deliverer struct {
	cfg        config.WebhooksConfig
	httpClient *http.Client
	logger     *slog.Logger

	sem chan struct{}

	historyMu sync.Mutex
	history   []*DeliveryRecord
}

// NewDeliverer builds a deliverer from the webhook configuration.
func NewDeliverer(cfg config.WebhooksConfig, logger *slog.Logger) *Deliverer {
	concurrency := cfg.MaxConcurrentDeliveries
	if concurrency < 1 {
		concurrency = 1
	}
	timeout := time.Duration(cfg.TimeoutSeconds * float64(time.Second))
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Deliverer{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
		sem:    make(chan struct{}, concurrency),
	}
}

// Deliver posts the event payload to the subscription endpoint, signing it
// when the subscription carries a secret. Blocks until the delivery either
// succeeds, is abandoned on a 4xx, or exhausts its retries.
func (d *Deliverer) Deliver(ctx context.Context, sub *Subscription, event *Event) *DeliveryRecord {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return &DeliveryRecord{
			DeliveryID: uuid.NewString(),
			WebhookID:  sub.WebhookID,
			EventID:    event.EventID,
			EventType:  event.EventType,
			URL:        sub.URL,
			StartedAt:  time.Now().UTC(),
			FinishedAt: time.Now().UTC(),
			Attempts:   []Attempt{{Number: 1, Error: ctx.Err().Error()}},
		}
	}
	defer func() { <-d.sem }()

	record := &DeliveryRecord{
		DeliveryID: uuid.NewString(),
		WebhookID:  sub.WebhookID,
		EventID:    event.EventID,
		EventType:  event.EventType,
		URL:        sub.URL,
		StartedAt:  time.Now().UTC(),
	}

	payload := event.Payload()
	if sub.SigningSecret != "" {
		if err := SignPayload(payload, sub.SigningSecret); err != nil {
			record.Attempts = append(record.Attempts, Attempt{Number: 1, Error: "payload signing failed: " + err.Error()})
			record.FinishedAt = time.Now().UTC()
			d.remember(record)
			return record
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		record.Attempts = append(record.Attempts, Attempt{Number: 1, Error: "payload encoding failed: " + err.Error()})
		record.FinishedAt = time.Now().UTC()
		d.remember(record)
		return record
	}

	attempt := 0
	op := func() error {
		attempt++
		a := d.post(ctx, sub, record.DeliveryID, body)
		a.Number = attempt
		record.Attempts = append(record.Attempts, a)

		switch {
		case a.Error == "" && a.StatusCode >= 200 && a.StatusCode < 300:
			return nil
		case a.StatusCode >= 400 && a.StatusCode < 500:
			// Receiver-side rejection; retrying cannot help.
			return backoff.Permanent(&abandonedError{status: a.StatusCode})
		case a.Error != "":
			return fmt.Errorf("delivery attempt failed: %s", a.Error)
		default:
			return fmt.Errorf("receiver returned status %d", a.StatusCode)
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Duration(d.cfg.InitialBackoffSeconds * float64(time.Second))
	policy.MaxInterval = time.Duration(d.cfg.MaxBackoffSeconds * float64(time.Second))
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	err = backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(d.cfg.MaxRetries)), ctx))

	record.Success = err == nil
	var abandoned *abandonedError
	if err != nil && errors.As(err, &abandoned) {
		record.Abandoned = true
	}
	record.FinishedAt = time.Now().UTC()

	if !record.Success {
		d.logger.Warn("webhook delivery failed",
			"webhook_id", sub.WebhookID,
			"event_type", event.EventType,
			"attempts", len(record.Attempts),
			"abandoned", record.Abandoned,
		)
	}
	d.remember(record)
	return record
}

// post performs one HTTP attempt.
func (d *Deliverer) post(ctx context.Context, sub *Subscription, deliveryID string, body []byte) Attempt {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return Attempt{Error: err.Error(), ResponseTimeMs: msSince(start)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", deliveryUserAgent)
	req.Header.Set("X-Webhook-Delivery", deliveryID)
	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return Attempt{Error: err.Error(), ResponseTimeMs: msSince(start)}
	}
	defer resp.Body.Close()

	captured, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseCapture))
	io.Copy(io.Discard, resp.Body)

	return Attempt{
		StatusCode:     resp.StatusCode,
		ResponseTimeMs: msSince(start),
		Body:           string(captured),
	}
}

func (d *Deliverer) remember(record *DeliveryRecord) {
	d.historyMu.Lock()
	defer d.historyMu.Unlock()
	d.history = append(d.history, record)
	if len(d.history) > maxHistory {
		d.history = d.history[len(d.history)-maxHistory:]
	}
}

// History returns a snapshot of the most recent delivery records, newest
// last, up to limit (0 means all retained).
func (d *Deliverer) History(limit int) []*DeliveryRecord {
	d.historyMu.Lock()
	defer d.historyMu.Unlock()
	records := d.history
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	out := make([]*DeliveryRecord, len(records))
	copy(out, records)
	return out
}

// Stats aggregates delivery outcomes.
func (d *Deliverer) Stats() map[string]any {
	d.historyMu.Lock()
	defer d.historyMu.Unlock()

	total := len(d.history)
	succeeded := 0
	abandoned := 0
	attempts := 0
	for _, r := range d.history {
		if r.Success {
			succeeded++
		}
		if r.Abandoned {
			abandoned++
		}
		attempts += len(r.Attempts)
	}
	return map[string]any{
		"total_deliveries":  total,
		"succeeded":         succeeded,
		"failed":            total - succeeded,
		"abandoned":         abandoned,
		"total_attempts":    attempts,
		"history_retention": maxHistory,
	}
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
