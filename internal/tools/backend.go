package tools

import "context"

// Backend is the slice of the upstream client the tool layer depends on.
// Both the plain client and the caching wrapper satisfy it.
type Backend interface {
	Connected() bool
	UserID() string

	StoreContext(ctx context.Context, content map[string]any, contextType string, metadata map[string]any) (map[string]any, error)
	RetrieveContext(ctx context.Context, query string, limit int, contextType string, metadataFilters map[string]any) ([]any, error)
	SearchContext(ctx context.Context, query string, limit int, filters map[string]any) (map[string]any, error)
	UpdateContext(ctx context.Context, contextID string, content map[string]any, metadata map[string]any) (map[string]any, error)
	DeleteContext(ctx context.Context, contextID string) (map[string]any, error)
	ListContextTypes(ctx context.Context) ([]string, error)
	UpsertFact(ctx context.Context, factKey string, factValue any, metadata map[string]any, createRelationships bool) (map[string]any, error)
	GetUserFacts(ctx context.Context, limit int, includeForgotten bool) (map[string]any, error)
	ForgetContext(ctx context.Context, contextID string, retentionDays int, reason string) (map[string]any, error)
	QueryGraph(ctx context.Context, query string, parameters map[string]any, limit int) (map[string]any, error)
	UpdateScratchpad(ctx context.Context, content, agentID string, merge bool) (map[string]any, error)
	GetAgentState(ctx context.Context, agentID string, includeScratchpad bool) (map[string]any, error)
	GetAnalytics(ctx context.Context, analyticsType, timeframe string, includeRecommendations bool) (map[string]any, error)
	GetMetrics(ctx context.Context, action, metricName string, sinceMinutes, limit int) (map[string]any, error)
}

// Emitter publishes events to the webhook fabric. Emission must never
// block the request path.
type Emitter interface {
	Emit(eventType string, data, metadata map[string]any)
}

// NoopEmitter discards events; used when webhooks are disabled.
type NoopEmitter struct{}

// Emit implements Emitter.
func (NoopEmitter) Emit(string, map[string]any, map[string]any) {}
