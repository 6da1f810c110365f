package client

import (
	"context"
)

// StoreContext stores a content object under the mapped context type. When
// the mapping changes the type, the original name is recorded under
// metadata.original_type so nothing is lost.
func (c *Client) StoreContext(ctx context.Context, content map[string]any, contextType string, metadata map[string]any) (map[string]any, error) {
	mapped := MapContextType(contextType)

	meta := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	if mapped != contextType {
		meta["original_type"] = contextType
	}

	payload := map[string]any{
		"content":  content,
		"type":     mapped,
		"metadata": meta,
	}
	return c.withRetry(ctx, "store_context", func() (map[string]any, error) {
		return c.postTool(ctx, "store_context", payload)
	})
}

// RetrieveContext runs a semantic search and returns the raw result list.
func (c *Client) RetrieveContext(ctx context.Context, query string, limit int, contextType string, metadataFilters map[string]any) ([]any, error) {
	payload := map[string]any{
		"query":   query,
		"limit":   limit,
		"user_id": c.userID,
	}
	if contextType != "" {
		payload["type"] = contextType
	}
	if len(metadataFilters) > 0 {
		payload["metadata_filters"] = metadataFilters
	}

	result, err := c.postTool(ctx, "retrieve_context", payload)
	if err != nil {
		return nil, err
	}
	results, _ := result["results"].([]any)
	return results, nil
}

// SearchContext runs an advanced filtered search against the same upstream
// endpoint as RetrieveContext but returns the full result object.
func (c *Client) SearchContext(ctx context.Context, query string, limit int, filters map[string]any) (map[string]any, error) {
	payload := map[string]any{
		"query":   query,
		"limit":   limit,
		"user_id": c.userID,
	}
	if len(filters) > 0 {
		payload["filters"] = filters
	}
	return c.postTool(ctx, "retrieve_context", payload)
}

// UpdateContext replaces the content of an existing context.
func (c *Client) UpdateContext(ctx context.Context, contextID string, content map[string]any, metadata map[string]any) (map[string]any, error) {
	payload := map[string]any{
		"context_id": contextID,
		"content":    content,
	}
	if len(metadata) > 0 {
		payload["metadata"] = metadata
	}
	return c.withRetry(ctx, "update_context", func() (map[string]any, error) {
		return c.postTool(ctx, "update_context", payload)
	})
}

// DeleteContext hard-deletes a context by id.
func (c *Client) DeleteContext(ctx context.Context, contextID string) (map[string]any, error) {
	return c.postTool(ctx, "delete_context", map[string]any{"context_id": contextID})
}

// ListContextTypes returns the context types the upstream accepts.
func (c *Client) ListContextTypes(ctx context.Context) ([]string, error) {
	result, err := c.postTool(ctx, "list_context_types", map[string]any{})
	if err != nil {
		return nil, err
	}

	raw, _ := result["context_types"].([]any)
	if len(raw) == 0 {
		return AllowedContextTypes, nil
	}

	// Only surface types the mapping policy can actually send.
	var types []string
	for _, v := range raw {
		if s, ok := v.(string); ok && allowedTypeSet[s] {
			types = append(types, s)
		}
	}
	if len(types) == 0 {
		return AllowedContextTypes, nil
	}
	return types, nil
}

// UpsertFact atomically replaces the stored value for a user-scoped fact key.
func (c *Client) UpsertFact(ctx context.Context, factKey string, factValue any, metadata map[string]any, createRelationships bool) (map[string]any, error) {
	payload := map[string]any{
		"fact_key":             factKey,
		"fact_value":           factValue,
		"user_id":              c.userID,
		"create_relationships": createRelationships,
	}
	if len(metadata) > 0 {
		payload["metadata"] = metadata
	}
	return c.withRetry(ctx, "upsert_fact", func() (map[string]any, error) {
		return c.postTool(ctx, "upsert_fact", payload)
	})
}

// GetUserFacts lists facts for the configured user.
func (c *Client) GetUserFacts(ctx context.Context, limit int, includeForgotten bool) (map[string]any, error) {
	payload := map[string]any{
		"user_id":           c.userID,
		"limit":             limit,
		"include_forgotten": includeForgotten,
	}
	return c.withRetry(ctx, "get_user_facts", func() (map[string]any, error) {
		return c.postTool(ctx, "get_user_facts", payload)
	})
}

// ForgetContext soft-deletes a context with a retention window in days.
func (c *Client) ForgetContext(ctx context.Context, contextID string, retentionDays int, reason string) (map[string]any, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	payload := map[string]any{
		"context_id":     contextID,
		"retention_days": retentionDays,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	return c.withRetry(ctx, "forget_context", func() (map[string]any, error) {
		return c.postTool(ctx, "forget_context", payload)
	})
}

// QueryGraph passes a read-only graph query through to the upstream.
func (c *Client) QueryGraph(ctx context.Context, query string, parameters map[string]any, limit int) (map[string]any, error) {
	payload := map[string]any{
		"query": query,
		"limit": limit,
	}
	if len(parameters) > 0 {
		payload["parameters"] = parameters
	}
	return c.withRetry(ctx, "query_graph", func() (map[string]any, error) {
		return c.postTool(ctx, "query_graph", payload)
	})
}

// UpdateScratchpad writes or merges session-scoped working memory.
func (c *Client) UpdateScratchpad(ctx context.Context, content, agentID string, merge bool) (map[string]any, error) {
	payload := map[string]any{
		"content":  content,
		"agent_id": agentID,
		"merge":    merge,
		"user_id":  c.userID,
	}
	return c.withRetry(ctx, "update_scratchpad", func() (map[string]any, error) {
		return c.postTool(ctx, "update_scratchpad", payload)
	})
}

// GetAgentState reads an agent's state, optionally with scratchpad content.
func (c *Client) GetAgentState(ctx context.Context, agentID string, includeScratchpad bool) (map[string]any, error) {
	payload := map[string]any{
		"agent_id":           agentID,
		"include_scratchpad": includeScratchpad,
		"user_id":            c.userID,
	}
	return c.withRetry(ctx, "get_agent_state", func() (map[string]any, error) {
		return c.postTool(ctx, "get_agent_state", payload)
	})
}
