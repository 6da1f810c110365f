package tools

import (
	"context"
	"sync"

	"github.com/veris-memory/veris-mcp-go/internal/config"
)

// fakeBackend implements Backend with overridable function fields. Calls to
// a nil field return an empty map.
type fakeBackend struct {
	storeFn      func(ctx context.Context, content map[string]any, contextType string, metadata map[string]any) (map[string]any, error)
	retrieveFn   func(ctx context.Context, query string, limit int, contextType string, metadataFilters map[string]any) ([]any, error)
	searchFn     func(ctx context.Context, query string, limit int, filters map[string]any) (map[string]any, error)
	updateFn     func(ctx context.Context, contextID string, content map[string]any, metadata map[string]any) (map[string]any, error)
	deleteFn     func(ctx context.Context, contextID string) (map[string]any, error)
	listTypesFn  func(ctx context.Context) ([]string, error)
	upsertFn     func(ctx context.Context, factKey string, factValue any, metadata map[string]any, createRelationships bool) (map[string]any, error)
	userFactsFn  func(ctx context.Context, limit int, includeForgotten bool) (map[string]any, error)
	forgetFn     func(ctx context.Context, contextID string, retentionDays int, reason string) (map[string]any, error)
	queryGraphFn func(ctx context.Context, query string, parameters map[string]any, limit int) (map[string]any, error)
	scratchpadFn func(ctx context.Context, content, agentID string, merge bool) (map[string]any, error)
	agentStateFn func(ctx context.Context, agentID string, includeScratchpad bool) (map[string]any, error)
	analyticsFn  func(ctx context.Context, analyticsType, timeframe string, includeRecommendations bool) (map[string]any, error)
	metricsFn    func(ctx context.Context, action, metricName string, sinceMinutes, limit int) (map[string]any, error)
}

func (f *fakeBackend) Connected() bool { return true }
func (f *fakeBackend) UserID() string  { return "test-user" }

func (f *fakeBackend) StoreContext(ctx context.Context, content map[string]any, contextType string, metadata map[string]any) (map[string]any, error) {
	if f.storeFn != nil {
		return f.storeFn(ctx, content, contextType, metadata)
	}
	return map[string]any{}, nil
}

func (f *fakeBackend) RetrieveContext(ctx context.Context, query string, limit int, contextType string, metadataFilters map[string]any) ([]any, error) {
	if f.retrieveFn != nil {
		return f.retrieveFn(ctx, query, limit, contextType, metadataFilters)
	}
	return nil, nil
}

func (f *fakeBackend) SearchContext(ctx context.Context, query string, limit int, filters map[string]any) (map[string]any, error) {
	if f.searchFn != nil {
		return f.searchFn(ctx, query, limit, filters)
	}
	return map[string]any{}, nil
}

func (f *fakeBackend) UpdateContext(ctx context.Context, contextID string, content map[string]any, metadata map[string]any) (map[string]any, error) {
	if f.updateFn != nil {
		return f.updateFn(ctx, contextID, content, metadata)
	}
	return map[string]any{}, nil
}

func (f *fakeBackend) DeleteContext(ctx context.Context, contextID string) (map[string]any, error) {
	if f.deleteFn != nil {
		return f.deleteFn(ctx, contextID)
	}
	return map[string]any{}, nil
}

func (f *fakeBackend) ListContextTypes(ctx context.Context) ([]string, error) {
	if f.listTypesFn != nil {
		return f.listTypesFn(ctx)
	}
	return []string{"design", "decision", "trace", "sprint", "log"}, nil
}

func (f *fakeBackend) UpsertFact(ctx context.Context, factKey string, factValue any, metadata map[string]any, createRelationships bool) (map[string]any, error) {
	if f.upsertFn != nil {
		return f.upsertFn(ctx, factKey, factValue, metadata, createRelationships)
	}
	return map[string]any{}, nil
}

func (f *fakeBackend) GetUserFacts(ctx context.Context, limit int, includeForgotten bool) (map[string]any, error) {
	if f.userFactsFn != nil {
		return f.userFactsFn(ctx, limit, includeForgotten)
	}
	return map[string]any{}, nil
}

func (f *fakeBackend) ForgetContext(ctx context.Context, contextID string, retentionDays int, reason string) (map[string]any, error) {
	if f.forgetFn != nil {
		return f.forgetFn(ctx, contextID, retentionDays, reason)
	}
	return map[string]any{"success": true}, nil
}

func (f *fakeBackend) QueryGraph(ctx context.Context, query string, parameters map[string]any, limit int) (map[string]any, error) {
	if f.queryGraphFn != nil {
		return f.queryGraphFn(ctx, query, parameters, limit)
	}
	return map[string]any{}, nil
}

func (f *fakeBackend) UpdateScratchpad(ctx context.Context, content, agentID string, merge bool) (map[string]any, error) {
	if f.scratchpadFn != nil {
		return f.scratchpadFn(ctx, content, agentID, merge)
	}
	return map[string]any{}, nil
}

func (f *fakeBackend) GetAgentState(ctx context.Context, agentID string, includeScratchpad bool) (map[string]any, error) {
	if f.agentStateFn != nil {
		return f.agentStateFn(ctx, agentID, includeScratchpad)
	}
	return map[string]any{}, nil
}

func (f *fakeBackend) GetAnalytics(ctx context.Context, analyticsType, timeframe string, includeRecommendations bool) (map[string]any, error) {
	if f.analyticsFn != nil {
		return f.analyticsFn(ctx, analyticsType, timeframe, includeRecommendations)
	}
	return map[string]any{}, nil
}

func (f *fakeBackend) GetMetrics(ctx context.Context, action, metricName string, sinceMinutes, limit int) (map[string]any, error) {
	if f.metricsFn != nil {
		return f.metricsFn(ctx, action, metricName, sinceMinutes, limit)
	}
	return map[string]any{}, nil
}

// recordingEmitter captures emitted events for assertions.
type recordingEmitter struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	EventType string
	Data      map[string]any
	Metadata  map[string]any
}

func (r *recordingEmitter) Emit(eventType string, data, metadata map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{EventType: eventType, Data: data, Metadata: metadata})
}

func (r *recordingEmitter) byType(eventType string) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedEvent
	for _, e := range r.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func testToolConfig() config.ToolConfig {
	return config.ToolConfig{
		Enabled:             true,
		MaxContentSize:      1048576,
		AllowedContextTypes: []string{"*"},
		MaxResults:          100,
		DefaultLimit:        10,
	}
}
