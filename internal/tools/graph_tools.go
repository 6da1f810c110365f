package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/veris-memory/veris-mcp-go/internal/config"
)

// writeKeywords are the Cypher clauses blocked in read-only mode.
var writeKeywords = []string{"CREATE", "DELETE", "SET", "REMOVE", "MERGE", "DROP", "DETACH"}

// QueryGraphTool runs read-only Cypher queries against the context graph.
type QueryGraphTool struct {
	backend Backend
	cfg     config.ToolConfig
}

// NewQueryGraphTool builds the query_graph tool.
func NewQueryGraphTool(backend Backend, cfg config.ToolConfig) *QueryGraphTool {
	return &QueryGraphTool{backend: backend, cfg: cfg}
}

func (t *QueryGraphTool) Name() string { return "query_graph" }

func (t *QueryGraphTool) Description() string {
	return "Run a read-only Cypher query against the context graph"
}

func (t *QueryGraphTool) Schema() *Schema {
	return &Schema{
		Properties: map[string]Param{
			"query": {
				Type:        "string",
				Description: "Cypher query (read-only)",
			},
			"parameters": {
				Type:        "object",
				Description: "Query parameters",
			},
			"limit": {
				Type:        "integer",
				Description: "Maximum number of records",
				Default:     t.cfg.DefaultLimit,
				Minimum:     Float(1),
				Maximum:     Float(float64(t.cfg.MaxResults)),
			},
		},
		Required: []string{"query"},
	}
}

func (t *QueryGraphTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	query := strings.TrimSpace(stringArg(args, "query", ""))
	if query == "" {
		return nil, &ToolError{Code: "invalid_query", Message: "Query cannot be empty"}
	}

	if kw := findWriteKeyword(query); kw != "" {
		return nil, &ToolError{
			Code:    "write_not_allowed",
			Message: fmt.Sprintf("Write operations (%s) not allowed in read-only mode", kw),
			Details: map[string]any{"keyword": kw},
		}
	}

	limit := intArg(args, "limit", t.cfg.DefaultLimit)
	if limit < 1 || limit > t.cfg.MaxResults {
		return nil, &ToolError{
			Code:    "invalid_limit",
			Message: fmt.Sprintf("Limit must be between 1 and %d", t.cfg.MaxResults),
			Details: map[string]any{"limit": limit, "max_results": t.cfg.MaxResults},
		}
	}

	result, err := t.backend.QueryGraph(ctx, query, mapArg(args, "parameters"), limit)
	if err != nil {
		return nil, backendError("query graph", err)
	}

	records, _ := result["records"].([]any)
	text := "Query returned no results"
	if len(records) > 0 {
		text = fmt.Sprintf("Query returned %d record(s)", len(records))
	}

	if records == nil {
		records = []any{}
	}
	data := map[string]any{
		"records": records,
		"count":   len(records),
	}
	if columns, ok := result["columns"]; ok {
		data["columns"] = columns
	}
	return Success(text, data), nil
}

// findWriteKeyword reports the first blocked Cypher keyword present as a
// whole word, or "".
func findWriteKeyword(query string) string {
	upper := strings.ToUpper(query)
	for _, kw := range writeKeywords {
		idx := 0
		for {
			pos := strings.Index(upper[idx:], kw)
			if pos < 0 {
				break
			}
			pos += idx
			before := pos == 0 || !isWordChar(upper[pos-1])
			afterIdx := pos + len(kw)
			after := afterIdx >= len(upper) || !isWordChar(upper[afterIdx])
			if before && after {
				return kw
			}
			idx = pos + len(kw)
		}
	}
	return ""
}

func isWordChar(c byte) bool {
	return c == '_' || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}
