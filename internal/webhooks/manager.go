package webhooks

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/veris-memory/veris-mcp-go/internal/config"
)

// Manager owns the subscription registry and the event queue. A single
// dispatcher goroutine drains the queue and fans each event out to the
// matching subscriptions concurrently.
type Manager struct {
	cfg       config.WebhooksConfig
	deliverer *Deliverer
	logger    *slog.Logger

	mu            sync.RWMutex
	subscriptions map[string]*Subscription

	// sendMu serializes Emit against the queue close in Stop.
	sendMu  sync.RWMutex
	queue   chan *Event
	started atomic.Bool
	closed  atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	startTime       time.Time
	eventsProcessed atomic.Int64
	eventsDelivered atomic.Int64
	eventsFailed    atomic.Int64
	eventsDropped   atomic.Int64
}

// NewManager builds a manager; Start must be called before events flow.
func NewManager(cfg config.WebhooksConfig, logger *slog.Logger) *Manager {
	bufferSize := cfg.EventBufferSize
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Manager{
		cfg:           cfg,
		deliverer:     NewDeliverer(cfg, logger),
		logger:        logger,
		subscriptions: make(map[string]*Subscription),
		queue:         make(chan *Event, bufferSize),
		done:          make(chan struct{}),
	}
}

// Start launches the dispatcher. Safe to call once.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return fmt.Errorf("webhook manager already started")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.startTime = time.Now()

	go m.dispatch(runCtx)
	m.logger.Info("webhook manager started", "buffer_size", cap(m.queue))
	return nil
}

// Stop closes the intake and waits for in-flight deliveries to settle or
// the context to expire.
func (m *Manager) Stop(ctx context.Context) error {
	if !m.started.Load() || !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.sendMu.Lock()
	close(m.queue)
	m.sendMu.Unlock()
	select {
	case <-m.done:
	case <-ctx.Done():
		m.cancel()
		<-m.done
	}
	m.cancel()
	m.logger.Info("webhook manager stopped",
		"events_processed", m.eventsProcessed.Load(),
		"events_dropped", m.eventsDropped.Load(),
	)
	return nil
}

// Emit queues an event for delivery. Never blocks: when the buffer is full
// the event is dropped and counted.
func (m *Manager) Emit(eventType string, data, metadata map[string]any) {
	m.EmitEvent(NewEvent(EventType(eventType), data, metadata))
}

// EmitEvent queues a pre-built event.
func (m *Manager) EmitEvent(event *Event) {
	m.sendMu.RLock()
	defer m.sendMu.RUnlock()
	if !m.started.Load() || m.closed.Load() {
		return
	}
	select {
	case m.queue <- event:
	default:
		m.eventsDropped.Add(1)
		m.logger.Warn("event queue full, dropping event",
			"event_type", event.EventType, "event_id", event.EventID)
	}
}

// dispatch drains the queue until it is closed.
func (m *Manager) dispatch(ctx context.Context) {
	defer close(m.done)
	for event := range m.queue {
		m.eventsProcessed.Add(1)

		m.mu.RLock()
		var matching []*Subscription
		for _, sub := range m.subscriptions {
			if sub.Matches(event.EventType) {
				matching = append(matching, sub.clone())
			}
		}
		m.mu.RUnlock()
		if len(matching) == 0 {
			continue
		}

		var wg sync.WaitGroup
		for _, sub := range matching {
			wg.Add(1)
			go func(sub *Subscription) {
				defer wg.Done()
				record := m.deliverer.Deliver(ctx, sub, event)
				m.recordOutcome(sub.WebhookID, record)
			}(sub)
		}
		wg.Wait()
	}
}

// recordOutcome updates the live subscription counters after a delivery.
func (m *Manager) recordOutcome(webhookID string, record *DeliveryRecord) {
	if record.Success {
		m.eventsDelivered.Add(1)
	} else {
		m.eventsFailed.Add(1)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[webhookID]
	if !ok {
		return
	}
	sub.DeliveryCount++
	if !record.Success {
		sub.FailureCount++
	}
	now := record.FinishedAt
	sub.LastDeliveryAt = &now
}

// Register adds a subscription. Event type names must be known; an empty
// list subscribes to every event.
func (m *Manager) Register(url string, eventTypes []string, headers map[string]string, signingSecret, description string) (*Subscription, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("Invalid webhook URL - must start with http:// or https://")
	}
	typeSet := make(map[EventType]bool, len(eventTypes))
	for _, et := range eventTypes {
		if !ValidEventType(et) {
			return nil, fmt.Errorf("Invalid event type: %s", et)
		}
		typeSet[EventType(et)] = true
	}

	secret := signingSecret
	if secret == "" {
		secret = m.cfg.SigningSecret
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.subscriptions) >= m.cfg.MaxSubscriptions {
		return nil, fmt.Errorf("Maximum subscriptions limit (%d) exceeded", m.cfg.MaxSubscriptions)
	}

	sub := &Subscription{
		WebhookID:     uuid.NewString(),
		URL:           url,
		EventTypes:    typeSet,
		Active:        true,
		Headers:       headers,
		SigningSecret: secret,
		Description:   description,
		CreatedAt:     time.Now().UTC(),
	}
	m.subscriptions[sub.WebhookID] = sub
	m.logger.Info("webhook registered", "webhook_id", sub.WebhookID, "url", url, "event_types", len(typeSet))
	return sub.clone(), nil
}

// Unregister removes a subscription, reporting whether it existed.
func (m *Manager) Unregister(webhookID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subscriptions[webhookID]; !ok {
		return false
	}
	delete(m.subscriptions, webhookID)
	m.logger.Info("webhook unregistered", "webhook_id", webhookID)
	return true
}

// SubscriptionUpdate carries the mutable fields of Update; nil pointers
// leave the current value in place.
type SubscriptionUpdate struct {
	URL         *string
	EventTypes  []string
	Active      *bool
	Headers     map[string]string
	Description *string
}

// Update modifies an existing subscription in place.
func (m *Manager) Update(webhookID string, update SubscriptionUpdate) (*Subscription, error) {
	if update.URL != nil &&
		!strings.HasPrefix(*update.URL, "http://") && !strings.HasPrefix(*update.URL, "https://") {
		return nil, fmt.Errorf("Invalid webhook URL - must start with http:// or https://")
	}
	var typeSet map[EventType]bool
	if update.EventTypes != nil {
		typeSet = make(map[EventType]bool, len(update.EventTypes))
		for _, et := range update.EventTypes {
			if !ValidEventType(et) {
				return nil, fmt.Errorf("Invalid event type: %s", et)
			}
			typeSet[EventType(et)] = true
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[webhookID]
	if !ok {
		return nil, fmt.Errorf("Webhook %s not found", webhookID)
	}
	if update.URL != nil {
		sub.URL = *update.URL
	}
	if typeSet != nil {
		sub.EventTypes = typeSet
	}
	if update.Active != nil {
		sub.Active = *update.Active
	}
	if update.Headers != nil {
		sub.Headers = update.Headers
	}
	if update.Description != nil {
		sub.Description = *update.Description
	}
	return sub.clone(), nil
}

// Get returns a snapshot of one subscription.
func (m *Manager) Get(webhookID string) (*Subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subscriptions[webhookID]
	if !ok {
		return nil, false
	}
	return sub.clone(), true
}

// List returns snapshots of all subscriptions.
func (m *Manager) List() []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Subscription, 0, len(m.subscriptions))
	for _, sub := range m.subscriptions {
		out = append(out, sub.clone())
	}
	return out
}

// Stats reports the manager's operational state.
func (m *Manager) Stats() map[string]any {
	m.mu.RLock()
	total := len(m.subscriptions)
	active := 0
	for _, sub := range m.subscriptions {
		if sub.Active {
			active++
		}
	}
	m.mu.RUnlock()

	delivered := m.eventsDelivered.Load()
	failed := m.eventsFailed.Load()
	successRate := 100.0
	if delivered+failed > 0 {
		successRate = float64(delivered) / float64(delivered+failed) * 100.0
	}

	uptime := 0.0
	running := m.started.Load() && !m.closed.Load()
	if running {
		uptime = time.Since(m.startTime).Seconds()
	}

	return map[string]any{
		"is_running":           running,
		"uptime_seconds":       uptime,
		"total_subscriptions":  total,
		"active_subscriptions": active,
		"events_processed":     m.eventsProcessed.Load(),
		"events_delivered":     delivered,
		"events_failed":        failed,
		"events_pending":       len(m.queue),
		"events_dropped":       m.eventsDropped.Load(),
		"success_rate":         successRate,
		"delivery_stats":       m.deliverer.Stats(),
		"configuration": map[string]any{
			"max_subscriptions":         m.cfg.MaxSubscriptions,
			"event_buffer_size":         m.cfg.EventBufferSize,
			"max_retries":               m.cfg.MaxRetries,
			"timeout_seconds":           m.cfg.TimeoutSeconds,
			"max_concurrent_deliveries": m.cfg.MaxConcurrentDeliveries,
		},
	}
}
