package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/veris-memory/veris-mcp-go/internal/config"
)

// UpsertFactTool creates or updates a keyed fact for the current user.
type UpsertFactTool struct {
	backend Backend
	cfg     config.ToolConfig
	events  Emitter
}

// NewUpsertFactTool builds the upsert_fact tool.
func NewUpsertFactTool(backend Backend, cfg config.ToolConfig, events Emitter) *UpsertFactTool {
	return &UpsertFactTool{backend: backend, cfg: cfg, events: events}
}

func (t *UpsertFactTool) Name() string { return "upsert_fact" }

func (t *UpsertFactTool) Description() string {
	return "Create or update a keyed fact with optional graph relationships"
}

func (t *UpsertFactTool) Schema() *Schema {
	return &Schema{
		Properties: map[string]Param{
			"fact_key": {
				Type:        "string",
				Description: "Stable key identifying the fact",
			},
			"fact_value": {
				Type:        "string",
				Description: "Value to store under the key",
			},
			"metadata": {
				Type:        "object",
				Description: "Optional metadata to attach",
			},
			"create_relationships": {
				Type:        "boolean",
				Description: "Create graph relationships for the fact",
				Default:     true,
			},
		},
		Required: []string{"fact_key", "fact_value"},
	}
}

func (t *UpsertFactTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	factKey := strings.TrimSpace(stringArg(args, "fact_key", ""))
	if factKey == "" {
		return nil, &ToolError{Code: "invalid_fact_key", Message: "Fact key cannot be empty"}
	}
	factValue := args["fact_value"]
	if s, ok := factValue.(string); ok && strings.TrimSpace(s) == "" {
		return nil, &ToolError{Code: "invalid_fact_value", Message: "Fact value cannot be empty"}
	}

	createRelationships := boolArg(args, "create_relationships", true)
	result, err := t.backend.UpsertFact(ctx, factKey, factValue, mapArg(args, "metadata"), createRelationships)
	if err != nil {
		return nil, backendError("upsert fact", err)
	}

	isUpdate, _ := result["is_update"].(bool)
	verb := "Created"
	if isUpdate {
		verb = "Updated"
	}
	factID, _ := result["fact_id"].(string)

	text := fmt.Sprintf("%s fact '%s'", verb, factKey)
	if factID != "" {
		text += fmt.Sprintf(" with ID: %s", factID)
	}

	data := map[string]any{
		"fact_key":             factKey,
		"fact_id":              factID,
		"is_update":            isUpdate,
		"create_relationships": createRelationships,
	}
	if graphID, ok := result["graph_id"]; ok {
		data["graph_id"] = graphID
	}

	t.events.Emit("context.updated", map[string]any{
		"fact_key":  factKey,
		"fact_id":   factID,
		"is_update": isUpdate,
	}, nil)

	return Success(text, data), nil
}

// GetUserFactsTool retrieves the facts stored for the current user.
type GetUserFactsTool struct {
	backend Backend
	cfg     config.ToolConfig
}

// NewGetUserFactsTool builds the get_user_facts tool.
func NewGetUserFactsTool(backend Backend, cfg config.ToolConfig) *GetUserFactsTool {
	return &GetUserFactsTool{backend: backend, cfg: cfg}
}

func (t *GetUserFactsTool) Name() string { return "get_user_facts" }

func (t *GetUserFactsTool) Description() string {
	return "List the facts stored for the current user"
}

func (t *GetUserFactsTool) Schema() *Schema {
	return &Schema{
		Properties: map[string]Param{
			"limit": {
				Type:        "integer",
				Description: "Maximum number of facts to return",
				Default:     t.cfg.DefaultLimit,
			},
			"include_forgotten": {
				Type:        "boolean",
				Description: "Include facts scheduled for deletion",
				Default:     false,
			},
		},
	}
}

func (t *GetUserFactsTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	// Out-of-range limits are clamped rather than rejected.
	limit := intArg(args, "limit", t.cfg.DefaultLimit)
	if limit < 1 {
		limit = 1
	}
	if limit > t.cfg.MaxResults {
		limit = t.cfg.MaxResults
	}
	includeForgotten := boolArg(args, "include_forgotten", false)

	result, err := t.backend.GetUserFacts(ctx, limit, includeForgotten)
	if err != nil {
		return nil, backendError("get user facts", err)
	}

	facts, _ := result["facts"].([]any)
	total := len(facts)
	if f, ok := numberValue(result["total_count"]); ok {
		total = int(f)
	}

	text := "No facts found for user"
	if len(facts) > 0 {
		text = fmt.Sprintf("Retrieved %d fact(s)", len(facts))
		if total > len(facts) {
			text += fmt.Sprintf(" (total: %d)", total)
		}
	}

	if facts == nil {
		facts = []any{}
	}
	return Success(text, map[string]any{
		"facts":             facts,
		"count":             len(facts),
		"total_count":       total,
		"user_id":           t.backend.UserID(),
		"include_forgotten": includeForgotten,
	}), nil
}

// ForgetContextTool soft-deletes a context with a retention window.
type ForgetContextTool struct {
	backend Backend
	cfg     config.ToolConfig
	events  Emitter
}

// NewForgetContextTool builds the forget_context tool.
func NewForgetContextTool(backend Backend, cfg config.ToolConfig, events Emitter) *ForgetContextTool {
	return &ForgetContextTool{backend: backend, cfg: cfg, events: events}
}

func (t *ForgetContextTool) Name() string { return "forget_context" }

func (t *ForgetContextTool) Description() string {
	return "Soft-delete a context; recoverable within the retention window"
}

func (t *ForgetContextTool) Schema() *Schema {
	return &Schema{
		Properties: map[string]Param{
			"context_id": {
				Type:        "string",
				Description: "ID of the context to forget",
			},
			"retention_days": {
				Type:        "integer",
				Description: "Days the context remains recoverable",
				Default:     30,
				Minimum:     Float(1),
			},
			"reason": {
				Type:        "string",
				Description: "Optional reason recorded with the request",
			},
		},
		Required: []string{"context_id"},
	}
}

func (t *ForgetContextTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	contextID := strings.TrimSpace(stringArg(args, "context_id", ""))
	if contextID == "" {
		return nil, &ToolError{Code: "invalid_context_id", Message: "Context ID cannot be empty"}
	}
	retentionDays := intArg(args, "retention_days", 30)
	reason := stringArg(args, "reason", "")

	result, err := t.backend.ForgetContext(ctx, contextID, retentionDays, reason)
	if err != nil {
		return nil, backendError("forget context", err)
	}

	if success, ok := result["success"].(bool); ok && !success {
		msg, _ := result["error"].(string)
		if msg == "" {
			msg = "unknown error"
		}
		return nil, &ToolError{
			Code:    "forget_failed",
			Message: fmt.Sprintf("Failed to forget context: %s", msg),
			Details: map[string]any{"context_id": contextID},
		}
	}

	text := fmt.Sprintf("Successfully forgot context %s", contextID)
	if reason != "" {
		text += fmt.Sprintf(" (reason: %s)", reason)
	}

	data := map[string]any{
		"context_id":     contextID,
		"retention_days": retentionDays,
	}
	if forgottenAt, ok := result["forgotten_at"]; ok {
		data["forgotten_at"] = forgottenAt
	}

	t.events.Emit("context.deleted", map[string]any{
		"context_id":     contextID,
		"soft_delete":    true,
		"retention_days": retentionDays,
	}, nil)

	return Success(text, data), nil
}
