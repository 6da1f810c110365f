// Package mockbackend is an in-memory stand-in for the Veris Memory API.
// It serves the same endpoints the client speaks, with configurable fault
// injection, so the MCP server can be exercised end to end without a real
// deployment.
package mockbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// Config configures the mock backend.
type Config struct {
	Addr string

	// FailRate injects random 500s on tool endpoints, 0.0 to 1.0.
	FailRate float64

	// LatencyMs delays every tool request by a fixed amount.
	LatencyMs int
}

// DefaultConfig binds to an ephemeral loopback port with no fault injection.
func DefaultConfig() *Config {
	return &Config{Addr: "127.0.0.1:0"}
}

// Server is the mock backend lifecycle interface.
type Server interface {
	Start() error
	Stop(ctx context.Context)
	Addr() string
	URL() string
}

// New creates a mock backend from the given config.
func New(cfg *Config) Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &backend{
		cfg:         cfg,
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
		contexts:    map[string]*storedContext{},
		facts:       map[string]map[string]*factRecord{},
		scratchpads: map[string]*scratchpad{},
		endpoints:   map[string]*endpointStats{},
	}
}

// StartTestServer starts a backend with defaults and returns a cleanup func.
func StartTestServer() (Server, func()) {
	srv := New(DefaultConfig())
	if err := srv.Start(); err != nil {
		panic(fmt.Sprintf("mockbackend: %v", err))
	}
	return srv, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Stop(ctx)
	}
}

type storedContext struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Content   map[string]any `json:"content"`
	Metadata  map[string]any `json:"metadata"`
	Forgotten bool           `json:"-"`
	CreatedAt time.Time      `json:"created_at"`
}

type factRecord struct {
	FactID    string    `json:"fact_id"`
	Key       string    `json:"fact_key"`
	Value     any       `json:"fact_value"`
	Forgotten bool      `json:"forgotten"`
	UpdatedAt time.Time `json:"updated_at"`
}

type scratchpad struct {
	Content   string
	UpdatedAt time.Time
}

type endpointStats struct {
	totalRequests int
	totalDuration time.Duration
}

type backend struct {
	cfg      *Config
	listener net.Listener
	server   *http.Server
	started  time.Time

	randMu sync.Mutex
	rand   *rand.Rand

	mu          sync.Mutex
	contexts    map[string]*storedContext
	facts       map[string]map[string]*factRecord
	scratchpads map[string]*scratchpad
	endpoints   map[string]*endpointStats
}

func (b *backend) Start() error {
	listener, err := net.Listen("tcp", b.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", b.cfg.Addr, err)
	}
	b.listener = listener
	b.started = time.Now()

	r := mux.NewRouter()
	r.HandleFunc("/health", b.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/dashboard/analytics", b.handleDashboard).Methods(http.MethodGet)

	tools := r.PathPrefix("/tools").Subrouter()
	tools.Use(b.faultMiddleware)
	tools.HandleFunc("/store_context", b.handleStoreContext).Methods(http.MethodPost)
	tools.HandleFunc("/retrieve_context", b.handleRetrieveContext).Methods(http.MethodPost)
	tools.HandleFunc("/update_context", b.handleUpdateContext).Methods(http.MethodPost)
	tools.HandleFunc("/delete_context", b.handleDeleteContext).Methods(http.MethodPost)
	tools.HandleFunc("/list_context_types", b.handleListContextTypes).Methods(http.MethodPost)
	tools.HandleFunc("/upsert_fact", b.handleUpsertFact).Methods(http.MethodPost)
	tools.HandleFunc("/get_user_facts", b.handleGetUserFacts).Methods(http.MethodPost)
	tools.HandleFunc("/forget_context", b.handleForgetContext).Methods(http.MethodPost)
	tools.HandleFunc("/query_graph", b.handleQueryGraph).Methods(http.MethodPost)
	tools.HandleFunc("/update_scratchpad", b.handleUpdateScratchpad).Methods(http.MethodPost)
	tools.HandleFunc("/get_agent_state", b.handleGetAgentState).Methods(http.MethodPost)

	b.server = &http.Server{Handler: r}
	go b.server.Serve(listener)
	return nil
}

func (b *backend) Stop(ctx context.Context) {
	if b.server != nil {
		b.server.Shutdown(ctx)
	}
}

func (b *backend) Addr() string {
	if b.listener == nil {
		return b.cfg.Addr
	}
	return b.listener.Addr().String()
}

func (b *backend) URL() string {
	return "http://" + b.Addr()
}

// faultMiddleware applies configured latency and fail-rate, and records
// per-endpoint request statistics for the dashboard.
func (b *backend) faultMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		if b.cfg.LatencyMs > 0 {
			time.Sleep(time.Duration(b.cfg.LatencyMs) * time.Millisecond)
		}
		if b.cfg.FailRate > 0 {
			b.randMu.Lock()
			failed := b.rand.Float64() < b.cfg.FailRate
			b.randMu.Unlock()
			if failed {
				writeJSON(w, http.StatusInternalServerError, map[string]any{
					"error": "injected failure",
				})
				b.recordRequest(r.URL.Path, time.Since(start))
				return
			}
		}

		next.ServeHTTP(w, r)
		b.recordRequest(r.URL.Path, time.Since(start))
	})
}

func (b *backend) recordRequest(path string, duration time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	stats, ok := b.endpoints[path]
	if !ok {
		stats = &endpointStats{}
		b.endpoints[path] = stats
	}
	stats.totalRequests++
	stats.totalDuration += duration
}

func (b *backend) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"uptime_seconds": time.Since(b.started).Seconds(),
	})
}

func (b *backend) handleStoreContext(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content  map[string]any `json:"content"`
		Type     string         `json:"type"`
		Metadata map[string]any `json:"metadata"`
	}
	if !decode(w, r, &req) {
		return
	}
	if len(req.Content) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "content is required"})
		return
	}

	sc := &storedContext{
		ID:        uuid.NewString(),
		Type:      req.Type,
		Content:   req.Content,
		Metadata:  req.Metadata,
		CreatedAt: time.Now().UTC(),
	}
	b.mu.Lock()
	b.contexts[sc.ID] = sc
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"id":         sc.ID,
		"context_id": sc.ID,
		"message":    "Context stored successfully",
	})
}

func (b *backend) handleRetrieveContext(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query   string         `json:"query"`
		Limit   int            `json:"limit"`
		Type    string         `json:"type"`
		Filters map[string]any `json:"filters"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}
	offset := 0
	if v, ok := req.Filters["offset"].(float64); ok && v > 0 {
		offset = int(v)
	}

	b.mu.Lock()
	matched := make([]*storedContext, 0)
	for _, sc := range b.contexts {
		if sc.Forgotten {
			continue
		}
		if req.Type != "" && sc.Type != req.Type {
			continue
		}
		if req.Query != "" && !contextMatches(sc, req.Query) {
			continue
		}
		matched = append(matched, sc)
	}
	b.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	if offset >= len(matched) {
		matched = nil
	} else {
		matched = matched[offset:]
	}
	if len(matched) > req.Limit {
		matched = matched[:req.Limit]
	}

	results := make([]any, 0, len(matched))
	for _, sc := range matched {
		results = append(results, map[string]any{
			"id":         sc.ID,
			"type":       sc.Type,
			"content":    sc.Content,
			"metadata":   sc.Metadata,
			"score":      1.0,
			"created_at": sc.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"results":     results,
		"total_count": total,
	})
}

// contextMatches does a case-insensitive substring scan over the content
// values. Real semantic search lives upstream; the mock only needs recall.
func contextMatches(sc *storedContext, query string) bool {
	q := strings.ToLower(query)
	for _, v := range sc.Content {
		if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), q) {
			return true
		}
	}
	return false
}

func (b *backend) handleUpdateContext(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContextID string         `json:"context_id"`
		Content   map[string]any `json:"content"`
		Metadata  map[string]any `json:"metadata"`
	}
	if !decode(w, r, &req) {
		return
	}

	b.mu.Lock()
	sc, ok := b.contexts[req.ContextID]
	if ok {
		if len(req.Content) > 0 {
			sc.Content = req.Content
		}
		if len(req.Metadata) > 0 {
			sc.Metadata = req.Metadata
		}
	}
	b.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "context not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": req.ContextID})
}

func (b *backend) handleDeleteContext(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContextID string `json:"context_id"`
	}
	if !decode(w, r, &req) {
		return
	}

	b.mu.Lock()
	_, ok := b.contexts[req.ContextID]
	delete(b.contexts, req.ContextID)
	b.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "context not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Context deleted successfully",
	})
}

func (b *backend) handleListContextTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"context_types": []string{"design", "decision", "trace", "sprint", "log"},
	})
}

func (b *backend) handleUpsertFact(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FactKey   string `json:"fact_key"`
		FactValue any    `json:"fact_value"`
		UserID    string `json:"user_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.FactKey == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "fact_key is required"})
		return
	}

	b.mu.Lock()
	userFacts, ok := b.facts[req.UserID]
	if !ok {
		userFacts = map[string]*factRecord{}
		b.facts[req.UserID] = userFacts
	}
	record, created := userFacts[req.FactKey], false
	if record == nil {
		record = &factRecord{FactID: uuid.NewString(), Key: req.FactKey}
		userFacts[req.FactKey] = record
		created = true
	}
	record.Value = req.FactValue
	record.Forgotten = false
	record.UpdatedAt = time.Now().UTC()
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"fact_id": record.FactID,
		"created": created,
	})
}

func (b *backend) handleGetUserFacts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID           string `json:"user_id"`
		Limit            int    `json:"limit"`
		IncludeForgotten bool   `json:"include_forgotten"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Limit <= 0 {
		req.Limit = 50
	}

	b.mu.Lock()
	records := make([]*factRecord, 0)
	for _, record := range b.facts[req.UserID] {
		if record.Forgotten && !req.IncludeForgotten {
			continue
		}
		records = append(records, record)
	}
	b.mu.Unlock()

	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
	total := len(records)
	if len(records) > req.Limit {
		records = records[:req.Limit]
	}

	facts := make([]any, 0, len(records))
	for _, record := range records {
		facts = append(facts, map[string]any{
			"fact_id":    record.FactID,
			"fact_key":   record.Key,
			"fact_value": record.Value,
			"forgotten":  record.Forgotten,
			"updated_at": record.UpdatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"facts":       facts,
		"total_count": total,
	})
}

func (b *backend) handleForgetContext(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContextID     string `json:"context_id"`
		RetentionDays int    `json:"retention_days"`
		Reason        string `json:"reason"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.RetentionDays <= 0 {
		req.RetentionDays = 30
	}

	b.mu.Lock()
	sc, ok := b.contexts[req.ContextID]
	if ok {
		sc.Forgotten = true
	}
	b.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "context not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"forget_id":      uuid.NewString(),
		"retention_days": req.RetentionDays,
	})
}

func (b *backend) handleQueryGraph(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Limit <= 0 {
		req.Limit = 25
	}

	// The mock graph has one node per stored context linked to its type.
	b.mu.Lock()
	rows := make([]any, 0)
	for _, sc := range b.contexts {
		if sc.Forgotten || len(rows) >= req.Limit {
			continue
		}
		rows = append(rows, map[string]any{
			"node":     map[string]any{"id": sc.ID, "type": sc.Type},
			"relation": "HAS_TYPE",
		})
	}
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"results":   rows,
		"row_count": len(rows),
	})
}

func (b *backend) handleUpdateScratchpad(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
		AgentID string `json:"agent_id"`
		Merge   bool   `json:"merge"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "agent_id is required"})
		return
	}

	b.mu.Lock()
	pad, ok := b.scratchpads[req.AgentID]
	if !ok {
		pad = &scratchpad{}
		b.scratchpads[req.AgentID] = pad
	}
	if req.Merge && pad.Content != "" {
		pad.Content += "\n" + req.Content
	} else {
		pad.Content = req.Content
	}
	pad.UpdatedAt = time.Now().UTC()
	size := len(pad.Content)
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"agent_id": req.AgentID,
		"size":     size,
	})
}

func (b *backend) handleGetAgentState(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID           string `json:"agent_id"`
		IncludeScratchpad bool   `json:"include_scratchpad"`
	}
	if !decode(w, r, &req) {
		return
	}

	b.mu.Lock()
	pad := b.scratchpads[req.AgentID]
	state := map[string]any{
		"agent_id":       req.AgentID,
		"has_scratchpad": pad != nil,
	}
	payload := map[string]any{
		"success": true,
		"state":   state,
	}
	if pad != nil {
		payload["last_updated"] = pad.UpdatedAt.Format(time.RFC3339)
		state["last_updated"] = payload["last_updated"]
		if req.IncludeScratchpad {
			payload["scratchpad"] = pad.Content
			state["scratchpad"] = pad.Content
		}
	}
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, payload)
}

func (b *backend) handleDashboard(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	var total int
	var totalDuration time.Duration
	endpoints := make(map[string]any, len(b.endpoints))
	trending := make([]any, 0, len(b.endpoints))
	for path, stats := range b.endpoints {
		total += stats.totalRequests
		totalDuration += stats.totalDuration
		avg := 0.0
		if stats.totalRequests > 0 {
			avg = float64(stats.totalDuration.Milliseconds()) / float64(stats.totalRequests)
		}
		endpoints[path] = map[string]any{
			"total_requests":  stats.totalRequests,
			"avg_duration_ms": avg,
		}
		trending = append(trending, map[string]any{
			"endpoint": path,
			"requests": stats.totalRequests,
		})
	}
	b.mu.Unlock()

	uptime := time.Since(b.started)
	avgMs := 0.0
	if total > 0 {
		avgMs = float64(totalDuration.Milliseconds()) / float64(total)
	}
	perMinute := 0.0
	if uptime > 0 {
		perMinute = float64(total) / uptime.Minutes()
	}

	payload := map[string]any{
		"health_status": "healthy",
		"global_request_stats": map[string]any{
			"total_requests":      total,
			"error_rate_percent":  b.cfg.FailRate * 100.0,
			"avg_duration_ms":     avgMs,
			"p95_duration_ms":     avgMs,
			"p99_duration_ms":     avgMs,
			"requests_per_minute": perMinute,
		},
		"endpoint_statistics": endpoints,
		"trending_data":       trending,
		"alerts":              []any{},
	}
	if r.URL.Query().Get("include_insights") == "true" {
		payload["recommendations"] = []any{
			"Batch writes through batch_operations to reduce round trips",
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
