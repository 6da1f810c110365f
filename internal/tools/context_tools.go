package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/veris-memory/veris-mcp-go/internal/config"
)

// textSourceFields are checked in order when synthesizing a text field for
// content that lacks one.
var textSourceFields = []string{"text", "description", "summary", "content", "message", "notes"}

// StoreContextTool stores a content object under a mapped context type.
type StoreContextTool struct {
	backend Backend
	cfg     config.ToolConfig
	events  Emitter
}

// NewStoreContextTool builds the store_context tool.
func NewStoreContextTool(backend Backend, cfg config.ToolConfig, events Emitter) *StoreContextTool {
	return &StoreContextTool{backend: backend, cfg: cfg, events: events}
}

func (t *StoreContextTool) Name() string { return "store_context" }

func (t *StoreContextTool) Description() string {
	return "Store context information in Veris Memory for later retrieval"
}

func (t *StoreContextTool) Schema() *Schema {
	return &Schema{
		Properties: map[string]Param{
			"content": {
				Type:        "object",
				Description: "The content to store (arbitrary JSON object)",
			},
			"context_type": {
				Type:        "string",
				Description: "Type of context (e.g. design, decision, sprint_summary)",
			},
			"title": {
				Type:        "string",
				Description: "Optional title, merged into the content",
			},
			"metadata": {
				Type:        "object",
				Description: "Optional metadata to attach",
			},
		},
		Required: []string{"content", "context_type"},
	}
}

func (t *StoreContextTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	rawContent := mapArg(args, "content")
	contextType := stringArg(args, "context_type", "")

	if len(rawContent) == 0 {
		return nil, &ToolError{Code: "empty_content", Message: "Content cannot be empty"}
	}

	if !t.typeAllowed(contextType) {
		return nil, &ToolError{
			Code:    "invalid_context_type",
			Message: fmt.Sprintf("Context type '%s' is not allowed", contextType),
			Details: map[string]any{"allowed_context_types": t.cfg.AllowedContextTypes},
		}
	}

	content := make(map[string]any, len(rawContent)+2)
	for k, v := range rawContent {
		content[k] = v
	}
	if title := stringArg(args, "title", ""); title != "" {
		content["title"] = title
	}
	if _, ok := content["text"].(string); !ok {
		content["text"] = synthesizeText(content)
	}

	encoded, err := json.Marshal(content)
	if err != nil {
		return nil, &ToolError{Code: "empty_content", Message: "Content is not serializable"}
	}
	if len(encoded) > t.cfg.MaxContentSize {
		return nil, &ToolError{
			Code:    "content_too_large",
			Message: fmt.Sprintf("Content exceeds maximum size of %d bytes", t.cfg.MaxContentSize),
			Details: map[string]any{"max_size": t.cfg.MaxContentSize, "actual_size": len(encoded)},
		}
	}

	start := time.Now()
	result, err := t.backend.StoreContext(ctx, content, contextType, mapArg(args, "metadata"))
	if err != nil {
		return nil, backendError("store context", err)
	}

	contextID, _ := result["id"].(string)
	text := fmt.Sprintf("Successfully stored %s context", contextType)
	if contextID != "" {
		text += fmt.Sprintf(" with ID: %s", contextID)
	}

	data := map[string]any{
		"context_id":   contextID,
		"context_type": contextType,
	}
	if createdAt, ok := result["created_at"]; ok {
		data["timestamp"] = createdAt
	}
	if meta := mapArg(args, "metadata"); meta != nil {
		data["metadata"] = meta
	}

	t.events.Emit("context.stored", map[string]any{
		"context_id":   contextID,
		"context_type": contextType,
		"operation_details": map[string]any{
			"content_size_bytes":  len(encoded),
			"storage_duration_ms": float64(time.Since(start).Milliseconds()),
		},
	}, nil)

	return Success(text, data), nil
}

func (t *StoreContextTool) typeAllowed(contextType string) bool {
	for _, allowed := range t.cfg.AllowedContextTypes {
		if allowed == "*" || allowed == contextType {
			return true
		}
	}
	return false
}

// synthesizeText builds a text field from common string fields, falling
// back to joining "key: value" pairs.
func synthesizeText(content map[string]any) string {
	for _, field := range textSourceFields {
		if s, ok := content[field].(string); ok && s != "" {
			return s
		}
	}

	var parts []string
	if title, ok := content["title"].(string); ok && title != "" {
		parts = append(parts, title)
	}
	keys := make([]string, 0, len(content))
	for k := range content {
		if k == "title" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s, ok := content[k].(string); ok && s != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", k, s))
		}
	}
	return strings.Join(parts, " | ")
}

// RetrieveContextTool searches contexts by query and formats the top hits.
type RetrieveContextTool struct {
	backend Backend
	cfg     config.ToolConfig
	events  Emitter
}

// NewRetrieveContextTool builds the retrieve_context tool.
func NewRetrieveContextTool(backend Backend, cfg config.ToolConfig, events Emitter) *RetrieveContextTool {
	return &RetrieveContextTool{backend: backend, cfg: cfg, events: events}
}

func (t *RetrieveContextTool) Name() string { return "retrieve_context" }

func (t *RetrieveContextTool) Description() string {
	return "Retrieve stored contexts by semantic search"
}

func (t *RetrieveContextTool) Schema() *Schema {
	return &Schema{
		Properties: map[string]Param{
			"query": {
				Type:        "string",
				Description: "Search query",
			},
			"limit": {
				Type:        "integer",
				Description: "Maximum number of results",
				Default:     t.cfg.DefaultLimit,
				Minimum:     Float(1),
				Maximum:     Float(float64(t.cfg.MaxResults)),
			},
			"context_type": {
				Type:        "string",
				Description: "Restrict to one context type",
			},
			"metadata_filters": {
				Type:        "object",
				Description: "Metadata key/value filters",
			},
		},
		Required: []string{"query"},
	}
}

func (t *RetrieveContextTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	query := strings.TrimSpace(stringArg(args, "query", ""))
	if query == "" {
		return nil, &ToolError{Code: "empty_query", Message: "Query cannot be empty"}
	}

	limit := intArg(args, "limit", t.cfg.DefaultLimit)
	if limit < 1 || limit > t.cfg.MaxResults {
		return nil, &ToolError{
			Code:    "invalid_limit",
			Message: fmt.Sprintf("Limit must be between 1 and %d", t.cfg.MaxResults),
			Details: map[string]any{"limit": limit, "max_results": t.cfg.MaxResults},
		}
	}

	contextType := stringArg(args, "context_type", "")
	filters := mapArg(args, "metadata_filters")

	start := time.Now()
	raw, err := t.backend.RetrieveContext(ctx, query, limit, contextType, filters)
	if err != nil {
		return nil, backendError("retrieve contexts", err)
	}

	filtersApplied := map[string]any{}
	if contextType != "" {
		filtersApplied["context_type"] = contextType
	}
	if len(filters) > 0 {
		filtersApplied["metadata"] = filters
	}

	t.events.Emit("context.searched", map[string]any{
		"query":              query,
		"results_count":      len(raw),
		"search_duration_ms": float64(time.Since(start).Milliseconds()),
		"filters":            filtersApplied,
	}, nil)

	if len(raw) == 0 {
		return Success(fmt.Sprintf("No contexts found matching query: '%s'", query), map[string]any{
			"query":           query,
			"results":         []any{},
			"count":           0,
			"filters_applied": filtersApplied,
		}), nil
	}

	formatted := formatContexts(raw)
	return Success(retrieveSummary(query, formatted, contextType, filters), map[string]any{
		"query":           query,
		"results":         formatted,
		"count":           len(formatted),
		"filters_applied": filtersApplied,
	}), nil
}

// formatContexts normalizes raw result items for display: extracted title
// and summary, relevance-sorted, small contents inlined.
func formatContexts(raw []any) []any {
	formatted := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		item, ok := r.(map[string]any)
		if !ok {
			continue
		}
		content, _ := item["content"].(map[string]any)
		id, _ := item["id"].(string)

		ctype, _ := item["type"].(string)
		if ctype == "" {
			ctype, _ = content["type"].(string)
		}

		entry := map[string]any{
			"id":              id,
			"type":            ctype,
			"title":           extractTitle(content, ctype, id),
			"summary":         extractSummary(content),
			"metadata":        item["metadata"],
			"created_at":      item["created_at"],
			"relevance_score": relevance(item),
		}

		if encoded, err := json.Marshal(content); err == nil {
			if len(encoded) < 2000 {
				entry["content"] = content
			} else {
				entry["content_preview"] = string(encoded[:500]) + "..."
			}
		}
		formatted = append(formatted, entry)
	}

	sort.SliceStable(formatted, func(i, j int) bool {
		return relevanceOf(formatted[i]) > relevanceOf(formatted[j])
	})

	out := make([]any, len(formatted))
	for i, f := range formatted {
		out[i] = f
	}
	return out
}

func relevance(item map[string]any) float64 {
	if f, ok := numberValue(item["relevance_score"]); ok {
		return f
	}
	if f, ok := numberValue(item["score"]); ok {
		return f
	}
	return 0
}

func relevanceOf(entry map[string]any) float64 {
	f, _ := numberValue(entry["relevance_score"])
	return f
}

func extractTitle(content map[string]any, ctype, id string) string {
	for _, field := range []string{"title", "name", "subject", "summary"} {
		if s, ok := content[field].(string); ok && s != "" {
			if len(s) > 100 {
				return s[:100]
			}
			return s
		}
	}
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	if ctype != "" {
		return fmt.Sprintf("%s (%s)", capitalize(ctype), short)
	}
	return fmt.Sprintf("Context (%s)", short)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func extractSummary(content map[string]any) string {
	for _, field := range []string{"summary", "description", "text", "content"} {
		s, ok := content[field].(string)
		if !ok || s == "" {
			continue
		}
		if idx := strings.IndexAny(s, ".!?"); idx >= 0 && idx+1 <= 200 {
			return s[:idx+1]
		}
		if len(s) > 200 {
			return s[:200] + "..."
		}
		return s
	}
	return "No summary available"
}

func retrieveSummary(query string, formatted []any, contextType string, metadataFilters map[string]any) string {
	var sb strings.Builder
	if len(formatted) == 1 {
		sb.WriteString(fmt.Sprintf("Found 1 context matching '%s'", query))
	} else {
		sb.WriteString(fmt.Sprintf("Found %d contexts matching '%s'", len(formatted), query))
	}

	var filterParts []string
	if contextType != "" {
		filterParts = append(filterParts, fmt.Sprintf("type: %s", contextType))
	}
	if len(metadataFilters) > 0 {
		keys := make([]string, 0, len(metadataFilters))
		for k := range metadataFilters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			filterParts = append(filterParts, fmt.Sprintf("metadata: %s: %v", k, metadataFilters[k]))
		}
	}
	if len(filterParts) > 0 {
		sb.WriteString(fmt.Sprintf(" (filtered by %s)", strings.Join(filterParts, ", ")))
	}
	sb.WriteString(":")

	shown := len(formatted)
	if shown > 3 {
		shown = 3
	}
	for i := 0; i < shown; i++ {
		entry := formatted[i].(map[string]any)
		sb.WriteString(fmt.Sprintf("\n%d. [%s] %s", i+1, entry["type"], entry["title"]))
	}
	if len(formatted) > 3 {
		sb.WriteString(fmt.Sprintf("\n... and %d more results", len(formatted)-3))
	}
	return sb.String()
}

// SearchContextTool is the advanced filtered search; the full upstream
// result object is passed through.
type SearchContextTool struct {
	backend Backend
	cfg     config.ToolConfig
	events  Emitter
}

// NewSearchContextTool builds the search_context tool.
func NewSearchContextTool(backend Backend, cfg config.ToolConfig, events Emitter) *SearchContextTool {
	return &SearchContextTool{backend: backend, cfg: cfg, events: events}
}

func (t *SearchContextTool) Name() string { return "search_context" }

func (t *SearchContextTool) Description() string {
	return "Advanced context search with filters; returns the full result object"
}

func (t *SearchContextTool) Schema() *Schema {
	return &Schema{
		Properties: map[string]Param{
			"query": {
				Type:        "string",
				Description: "Search query",
			},
			"limit": {
				Type:        "integer",
				Description: "Maximum number of results",
				Default:     t.cfg.DefaultLimit,
				Minimum:     Float(1),
				Maximum:     Float(float64(t.cfg.MaxResults)),
			},
			"filters": {
				Type:        "object",
				Description: "Arbitrary search filters passed to the backend",
			},
		},
		Required: []string{"query"},
	}
}

func (t *SearchContextTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	query := strings.TrimSpace(stringArg(args, "query", ""))
	if query == "" {
		return nil, &ToolError{Code: "empty_query", Message: "Query cannot be empty"}
	}

	limit := intArg(args, "limit", t.cfg.DefaultLimit)
	if limit < 1 || limit > t.cfg.MaxResults {
		return nil, &ToolError{
			Code:    "invalid_limit",
			Message: fmt.Sprintf("Limit must be between 1 and %d", t.cfg.MaxResults),
			Details: map[string]any{"limit": limit, "max_results": t.cfg.MaxResults},
		}
	}

	start := time.Now()
	result, err := t.backend.SearchContext(ctx, query, limit, mapArg(args, "filters"))
	if err != nil {
		return nil, backendError("search contexts", err)
	}

	results, _ := result["results"].([]any)
	t.events.Emit("context.searched", map[string]any{
		"query":              query,
		"results_count":      len(results),
		"search_duration_ms": float64(time.Since(start).Milliseconds()),
		"filters":            mapArg(args, "filters"),
	}, nil)

	return Success(
		fmt.Sprintf("Search completed for '%s' with %d results", query, len(results)),
		result,
	), nil
}

// DeleteContextTool hard-deletes a context; disabled by default and gated
// on an explicit confirm flag.
type DeleteContextTool struct {
	backend Backend
	cfg     config.ToolConfig
	events  Emitter
}

// NewDeleteContextTool builds the delete_context tool.
func NewDeleteContextTool(backend Backend, cfg config.ToolConfig, events Emitter) *DeleteContextTool {
	return &DeleteContextTool{backend: backend, cfg: cfg, events: events}
}

func (t *DeleteContextTool) Name() string { return "delete_context" }

func (t *DeleteContextTool) Description() string {
	return "Permanently delete a context by ID (requires confirm=true)"
}

func (t *DeleteContextTool) Schema() *Schema {
	return &Schema{
		Properties: map[string]Param{
			"context_id": {
				Type:        "string",
				Description: "ID of the context to delete",
			},
			"confirm": {
				Type:        "boolean",
				Description: "Must be true to confirm the deletion",
			},
		},
		Required: []string{"context_id", "confirm"},
	}
}

func (t *DeleteContextTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	contextID := strings.TrimSpace(stringArg(args, "context_id", ""))
	if contextID == "" {
		return nil, &ToolError{Code: "invalid_context_id", Message: "Context ID cannot be empty"}
	}
	if !boolArg(args, "confirm", false) {
		return nil, &ToolError{
			Code:    "confirmation_required",
			Message: "Deletion requires confirm=true",
			Details: map[string]any{"context_id": contextID},
		}
	}

	if _, err := t.backend.DeleteContext(ctx, contextID); err != nil {
		return nil, backendError("delete context", err)
	}

	t.events.Emit("context.deleted", map[string]any{"context_id": contextID}, nil)
	return Success(fmt.Sprintf("Successfully deleted context %s", contextID), map[string]any{
		"context_id": contextID,
		"deleted":    true,
	}), nil
}

// contextTypeDescriptions are the curated descriptions attached by
// list_context_types.
var contextTypeDescriptions = map[string]string{
	"design":   "Architecture and design documents, specifications, implementation notes",
	"decision": "Decisions, plans, and strategy records",
	"trace":    "Debugging traces, history, and investigation context",
	"sprint":   "Sprint summaries and iteration records",
	"log":      "General logs, notes, and uncategorized records",
}

// ListContextTypesTool enumerates the context types the backend accepts.
type ListContextTypesTool struct {
	backend Backend
	cfg     config.ToolConfig
}

// NewListContextTypesTool builds the list_context_types tool.
func NewListContextTypesTool(backend Backend, cfg config.ToolConfig) *ListContextTypesTool {
	return &ListContextTypesTool{backend: backend, cfg: cfg}
}

func (t *ListContextTypesTool) Name() string { return "list_context_types" }

func (t *ListContextTypesTool) Description() string {
	return "List the context types available for storing contexts"
}

func (t *ListContextTypesTool) Schema() *Schema {
	return &Schema{
		Properties: map[string]Param{
			"include_descriptions": {
				Type:        "boolean",
				Description: "Attach a description per type",
				Default:     true,
			},
		},
	}
}

func (t *ListContextTypesTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	types, err := t.backend.ListContextTypes(ctx)
	if err != nil {
		return nil, backendError("list context types", err)
	}

	includeDescriptions := boolArg(args, "include_descriptions", true)
	if !includeDescriptions {
		return Success(
			fmt.Sprintf("Available context types: %s", strings.Join(types, ", ")),
			map[string]any{"context_types": types, "count": len(types)},
		), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d available context types:", len(types)))
	typeInfo := make(map[string]any, len(types))
	for _, ct := range types {
		desc, ok := contextTypeDescriptions[ct]
		if !ok {
			desc = "Custom context type"
		}
		typeInfo[ct] = desc
		sb.WriteString(fmt.Sprintf("\n• %s: %s", ct, desc))
	}

	return Success(sb.String(), map[string]any{
		"context_types": types,
		"descriptions":  typeInfo,
		"count":         len(types),
	}), nil
}
