package streaming

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/veris-memory/veris-mcp-go/internal/config"
	"github.com/veris-memory/veris-mcp-go/internal/tools"
)

const (
	// maxChunkSize caps the per-page size regardless of configuration.
	maxChunkSize = 1000

	// inlineResultLimit is how many results ride inside the tool result;
	// the rest are summarized.
	inlineResultLimit = 100
)

// SearchTool is streaming_search: large result sets are paged through the
// backend in chunks instead of one oversized request.
type SearchTool struct {
	engine *Engine
	cfg    config.ToolConfig
}

// NewSearchTool builds the streaming_search tool.
func NewSearchTool(engine *Engine, cfg config.ToolConfig) *SearchTool {
	return &SearchTool{engine: engine, cfg: cfg}
}

func (t *SearchTool) Name() string { return "streaming_search" }

func (t *SearchTool) Description() string {
	return "Search with chunked delivery for large result sets"
}

func (t *SearchTool) Schema() *tools.Schema {
	return &tools.Schema{
		Properties: map[string]tools.Param{
			"query": {
				Type:        "string",
				Description: "Search query",
			},
			"max_results": {
				Type:        "integer",
				Description: "Upper bound on total results",
				Default:     t.cfg.DefaultLimit,
				Minimum:     tools.Float(1),
				Maximum:     tools.Float(float64(t.cfg.MaxResults)),
			},
			"chunk_size": {
				Type:        "integer",
				Description: "Results per chunk",
				Default:     t.engine.ChunkSize(),
				Minimum:     tools.Float(1),
				Maximum:     tools.Float(maxChunkSize),
			},
			"filters": {
				Type:        "object",
				Description: "Search filters passed to the backend",
			},
		},
		Required: []string{"query"},
	}
}

func (t *SearchTool) Execute(ctx context.Context, args map[string]any) (*tools.Result, error) {
	query := strings.TrimSpace(stringArg(args, "query"))
	if query == "" {
		return nil, &tools.ToolError{Code: "empty_query", Message: "Query cannot be empty"}
	}

	maxResults := intArg(args, "max_results", t.cfg.DefaultLimit)
	if maxResults < 1 || maxResults > t.cfg.MaxResults {
		return nil, &tools.ToolError{
			Code:    "invalid_max_results",
			Message: fmt.Sprintf("max_results must be between 1 and %d", t.cfg.MaxResults),
			Details: map[string]any{"max_results": maxResults, "maximum": t.cfg.MaxResults},
		}
	}

	chunkSize := intArg(args, "chunk_size", t.engine.ChunkSize())
	if chunkSize < 1 || chunkSize > maxChunkSize {
		return nil, &tools.ToolError{
			Code:    "invalid_chunk_size",
			Message: fmt.Sprintf("chunk_size must be between 1 and %d", maxChunkSize),
			Details: map[string]any{"chunk_size": chunkSize},
		}
	}

	// Streamed delivery only pays off when the result set spans more than
	// one chunk.
	if !t.engine.Enabled() || maxResults <= chunkSize {
		return t.regularSearch(ctx, query, maxResults, mapArg(args, "filters"))
	}

	streamID := uuid.NewString()[:8]
	chunks, err := t.engine.StreamSearch(ctx, streamID, query, maxResults, chunkSize)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, &tools.ToolError{
			Code:    "streaming_failed",
			Message: "Streaming search produced no chunks",
			Details: map[string]any{"stream_id": streamID},
		}
	}

	var allResults []any
	totalChunks := 0
	for _, chunk := range chunks {
		if results, ok := chunk.Data["results"].([]any); ok {
			allResults = append(allResults, results...)
			totalChunks++
		}
	}

	text := fmt.Sprintf("Streaming search completed for '%s'", query)
	if len(allResults) > 0 {
		text += fmt.Sprintf(" - Found %d results in %d chunks", len(allResults), totalChunks)
	} else {
		text += " - No results found"
	}

	inline := allResults
	if len(inline) > inlineResultLimit {
		inline = inline[:inlineResultLimit]
	}
	if inline == nil {
		inline = []any{}
	}

	return tools.Success(text, map[string]any{
		"query":                  query,
		"streaming_mode":         true,
		"stream_id":              streamID,
		"total_results":          len(allResults),
		"total_chunks":           totalChunks,
		"results":                inline,
		"full_results_available": len(allResults) > len(inline),
		"streaming_summary": map[string]any{
			"chunks_processed": totalChunks,
			"chunk_size":       chunkSize,
			"max_results":      maxResults,
		},
	}), nil
}

func (t *SearchTool) regularSearch(ctx context.Context, query string, maxResults int, filters map[string]any) (*tools.Result, error) {
	result, err := t.engine.backend.SearchContext(ctx, query, maxResults, filters)
	if err != nil {
		return nil, &tools.ToolError{
			Code:    tools.CodeBackendError,
			Message: fmt.Sprintf("Failed to search contexts: %v", err),
			Details: map[string]any{"original_error": err.Error()},
		}
	}
	results, _ := result["results"].([]any)
	if results == nil {
		results = []any{}
	}
	return tools.Success(
		fmt.Sprintf("Search completed for '%s' - Found %d results", query, len(results)),
		map[string]any{
			"query":          query,
			"streaming_mode": false,
			"total_results":  len(results),
			"results":        results,
		},
	), nil
}

// BatchTool is batch_operations: bulk store/update/delete with windowed
// concurrency and per-item retry.
type BatchTool struct {
	engine *Engine
	cfg    config.ToolConfig
	events tools.Emitter
}

// NewBatchTool builds the batch_operations tool.
func NewBatchTool(engine *Engine, cfg config.ToolConfig, events tools.Emitter) *BatchTool {
	if events == nil {
		events = tools.NoopEmitter{}
	}
	return &BatchTool{engine: engine, cfg: cfg, events: events}
}

func (t *BatchTool) Name() string { return "batch_operations" }

func (t *BatchTool) Description() string {
	return "Execute store, update, or delete operations in bulk"
}

func (t *BatchTool) Schema() *tools.Schema {
	return &tools.Schema{
		Properties: map[string]tools.Param{
			"operation": {
				Type:        "string",
				Description: "Operation applied to every item",
				Enum:        []string{"store", "update", "delete"},
			},
			"items": {
				Type:        "array",
				Description: "Items to process",
			},
			"batch_size": {
				Type:        "integer",
				Description: "Items processed concurrently per window",
				Default:     t.engine.cfg.DefaultBatchSize,
			},
			"max_retries": {
				Type:        "integer",
				Description: "Retries per failed item",
				Default:     2,
			},
			"continue_on_error": {
				Type:        "boolean",
				Description: "Keep processing after item failures",
				Default:     true,
			},
		},
		Required: []string{"operation", "items"},
	}
}

func (t *BatchTool) Execute(ctx context.Context, args map[string]any) (*tools.Result, error) {
	operation := stringArg(args, "operation")

	rawItems, _ := args["items"].([]any)
	if len(rawItems) == 0 {
		return nil, &tools.ToolError{Code: "invalid_items", Message: "Items list cannot be empty"}
	}
	maxBatch := t.engine.cfg.MaxBatchSize
	if len(rawItems) > maxBatch {
		return nil, &tools.ToolError{
			Code:    "batch_too_large",
			Message: fmt.Sprintf("Batch size cannot exceed %d items", maxBatch),
			Details: map[string]any{"items": len(rawItems), "max_items": maxBatch},
		}
	}

	batchSize := intArg(args, "batch_size", t.engine.cfg.DefaultBatchSize)
	if batchSize < 1 || batchSize > maxBatch {
		return nil, &tools.ToolError{
			Code:    "invalid_batch_size",
			Message: fmt.Sprintf("batch_size must be between 1 and %d", maxBatch),
			Details: map[string]any{"batch_size": batchSize},
		}
	}

	items, verr := normalizeItems(operation, rawItems)
	if verr != nil {
		return nil, verr
	}

	maxRetries := intArg(args, "max_retries", 2)
	if maxRetries < 0 {
		maxRetries = 0
	}
	continueOnError := boolArg(args, "continue_on_error", true)

	t.events.Emit("batch.operation.started", map[string]any{
		"operation":  operation,
		"item_count": len(items),
		"batch_size": batchSize,
	}, nil)

	result, err := t.engine.ExecuteBatch(ctx, operation, items, batchSize, maxRetries, continueOnError)
	if err != nil {
		t.events.Emit("batch.operation.failed", map[string]any{
			"operation": operation,
			"error":     err.Error(),
		}, nil)
		return nil, err
	}

	t.events.Emit("batch.operation.completed", map[string]any{
		"operation":    operation,
		"total":        result.Total,
		"successful":   result.Successful,
		"failed":       result.Failed,
		"success_rate": result.SuccessRate,
	}, nil)

	text := fmt.Sprintf("No items to %s", operation)
	if result.Total > 0 {
		text = fmt.Sprintf("Batch %s completed: %d/%d items successful", operation, result.Successful, result.Total)
		if result.Failed > 0 {
			text += fmt.Sprintf(", %d failed", result.Failed)
		}
		text += fmt.Sprintf(" (%.1f%% success rate) in %.1fms", result.SuccessRate, result.ExecutionTimeMs)
	}

	return tools.Success(text, map[string]any{
		"operation":    operation,
		"batch_result": result,
		"configuration": map[string]any{
			"batch_size":        batchSize,
			"max_retries":       maxRetries,
			"continue_on_error": continueOnError,
		},
	}), nil
}

// normalizeItems validates per-item shape for the operation. Delete items
// may be bare ID strings; they are normalized to objects.
func normalizeItems(operation string, rawItems []any) ([]map[string]any, *tools.ToolError) {
	items := make([]map[string]any, 0, len(rawItems))
	for i, raw := range rawItems {
		switch operation {
		case "store":
			item, ok := raw.(map[string]any)
			if !ok || item["context_type"] == nil {
				return nil, &tools.ToolError{
					Code:    "missing_context_type",
					Message: fmt.Sprintf("Item %d missing context_type", i),
				}
			}
			if _, ok := item["content"].(map[string]any); !ok {
				return nil, &tools.ToolError{
					Code:    "missing_content",
					Message: fmt.Sprintf("Item %d missing content", i),
				}
			}
			items = append(items, item)
		case "update":
			item, ok := raw.(map[string]any)
			if !ok || item["context_id"] == nil {
				return nil, &tools.ToolError{
					Code:    "missing_context_id",
					Message: fmt.Sprintf("Item %d missing context_id", i),
				}
			}
			items = append(items, item)
		case "delete":
			switch v := raw.(type) {
			case string:
				items = append(items, map[string]any{"context_id": v})
			case map[string]any:
				if v["context_id"] == nil {
					return nil, &tools.ToolError{
						Code:    "missing_context_id",
						Message: fmt.Sprintf("Item %d missing context_id", i),
					}
				}
				items = append(items, v)
			default:
				return nil, &tools.ToolError{
					Code:    "invalid_delete_item",
					Message: fmt.Sprintf("Item %d is not a valid delete target", i),
				}
			}
		}
	}
	return items, nil
}

// Argument accessors mirroring the JSON decoding conventions of the tool
// layer.

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}

func boolArg(args map[string]any, key string, fallback bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return fallback
}

func mapArg(args map[string]any, key string) map[string]any {
	v, _ := args[key].(map[string]any)
	return v
}
