package cache

import (
	"context"
	"time"

	"github.com/veris-memory/veris-mcp-go/internal/client"
)

// Per-operation TTLs for the cacheable reads.
const (
	retrieveTTL = 300 * time.Second
	searchTTL   = 300 * time.Second
	listTypeTTL = 900 * time.Second
)

// readOperations are the operations dropped by the broad invalidation
// policy on any mutation. list_context_types survives: the allowed type
// set does not change when contexts do.
var readOperations = []string{"retrieve_context", "search_context"}

// CachedClient wraps the backend client and caches the idempotent reads.
// Mutations invalidate broadly rather than per key.
type CachedClient struct {
	*client.Client
	cache *Cache
}

// NewCachedClient wraps c with the given cache.
func NewCachedClient(c *client.Client, cache *Cache) *CachedClient {
	return &CachedClient{Client: c, cache: cache}
}

// Cache exposes the underlying cache for stats and health checks.
func (c *CachedClient) Cache() *Cache { return c.cache }

// RetrieveContext serves repeated queries from cache for 5 minutes.
func (c *CachedClient) RetrieveContext(ctx context.Context, query string, limit int, contextType string, metadataFilters map[string]any) ([]any, error) {
	key := Key("retrieve_context", map[string]any{
		"query": query, "limit": limit, "type": contextType, "filters": metadataFilters,
	})
	if cached, ok := c.cache.Get(key); ok {
		return cached.([]any), nil
	}

	results, err := c.Client.RetrieveContext(ctx, query, limit, contextType, metadataFilters)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, results, retrieveTTL)
	return results, nil
}

// SearchContext serves repeated searches from cache for 5 minutes.
func (c *CachedClient) SearchContext(ctx context.Context, query string, limit int, filters map[string]any) (map[string]any, error) {
	key := Key("search_context", map[string]any{
		"query": query, "limit": limit, "filters": filters,
	})
	if cached, ok := c.cache.Get(key); ok {
		return cached.(map[string]any), nil
	}

	result, err := c.Client.SearchContext(ctx, query, limit, filters)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, result, searchTTL)
	return result, nil
}

// ListContextTypes rarely changes upstream; cached for 15 minutes.
func (c *CachedClient) ListContextTypes(ctx context.Context) ([]string, error) {
	key := Key("list_context_types", map[string]any{})
	if cached, ok := c.cache.Get(key); ok {
		return cached.([]string), nil
	}

	types, err := c.Client.ListContextTypes(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, types, listTypeTTL)
	return types, nil
}

// StoreContext writes through and invalidates the read caches.
func (c *CachedClient) StoreContext(ctx context.Context, content map[string]any, contextType string, metadata map[string]any) (map[string]any, error) {
	result, err := c.Client.StoreContext(ctx, content, contextType, metadata)
	if err == nil {
		c.cache.Invalidate(readOperations...)
	}
	return result, err
}

// UpdateContext writes through and invalidates the read caches.
func (c *CachedClient) UpdateContext(ctx context.Context, contextID string, content map[string]any, metadata map[string]any) (map[string]any, error) {
	result, err := c.Client.UpdateContext(ctx, contextID, content, metadata)
	if err == nil {
		c.cache.Invalidate(readOperations...)
	}
	return result, err
}

// DeleteContext writes through and invalidates the read caches.
func (c *CachedClient) DeleteContext(ctx context.Context, contextID string) (map[string]any, error) {
	result, err := c.Client.DeleteContext(ctx, contextID)
	if err == nil {
		c.cache.Invalidate(readOperations...)
	}
	return result, err
}

// UpsertFact writes through and invalidates the read caches.
func (c *CachedClient) UpsertFact(ctx context.Context, factKey string, factValue any, metadata map[string]any, createRelationships bool) (map[string]any, error) {
	result, err := c.Client.UpsertFact(ctx, factKey, factValue, metadata, createRelationships)
	if err == nil {
		c.cache.Invalidate(readOperations...)
	}
	return result, err
}

// ForgetContext writes through and invalidates the read caches.
func (c *CachedClient) ForgetContext(ctx context.Context, contextID string, retentionDays int, reason string) (map[string]any, error) {
	result, err := c.Client.ForgetContext(ctx, contextID, retentionDays, reason)
	if err == nil {
		c.cache.Invalidate(readOperations...)
	}
	return result, err
}

// UpdateScratchpad writes through and invalidates the read caches.
func (c *CachedClient) UpdateScratchpad(ctx context.Context, content, agentID string, merge bool) (map[string]any, error) {
	result, err := c.Client.UpdateScratchpad(ctx, content, agentID, merge)
	if err == nil {
		c.cache.Invalidate(readOperations...)
	}
	return result, err
}
