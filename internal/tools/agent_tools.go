package tools

import (
	"context"
	"fmt"

	"github.com/veris-memory/veris-mcp-go/internal/config"
)

// UpdateScratchpadTool replaces or merges an agent's working scratchpad.
type UpdateScratchpadTool struct {
	backend Backend
	cfg     config.ToolConfig
}

// NewUpdateScratchpadTool builds the update_scratchpad tool.
func NewUpdateScratchpadTool(backend Backend, cfg config.ToolConfig) *UpdateScratchpadTool {
	return &UpdateScratchpadTool{backend: backend, cfg: cfg}
}

func (t *UpdateScratchpadTool) Name() string { return "update_scratchpad" }

func (t *UpdateScratchpadTool) Description() string {
	return "Update an agent's transient scratchpad content"
}

func (t *UpdateScratchpadTool) Schema() *Schema {
	return &Schema{
		Properties: map[string]Param{
			"content": {
				Type:        "string",
				Description: "Scratchpad content",
			},
			"agent_id": {
				Type:        "string",
				Description: "Agent identifier",
				Default:     "default",
			},
			"merge": {
				Type:        "boolean",
				Description: "Merge into existing content instead of replacing",
				Default:     false,
			},
		},
		Required: []string{"content"},
	}
}

func (t *UpdateScratchpadTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	content := stringArg(args, "content", "")
	if len(content) > t.cfg.MaxContentSize {
		return nil, &ToolError{
			Code:    "content_too_large",
			Message: fmt.Sprintf("Content exceeds maximum size of %d bytes", t.cfg.MaxContentSize),
			Details: map[string]any{"max_size": t.cfg.MaxContentSize, "actual_size": len(content)},
		}
	}

	agentID := stringArg(args, "agent_id", "default")
	if agentID == "" {
		agentID = "default"
	}
	merge := boolArg(args, "merge", false)

	result, err := t.backend.UpdateScratchpad(ctx, content, agentID, merge)
	if err != nil {
		return nil, backendError("update scratchpad", err)
	}

	verb := "Updated"
	if merge {
		verb = "Merged into"
	}
	text := fmt.Sprintf("%s scratchpad", verb)
	scratchpadID, _ := result["scratchpad_id"].(string)
	if scratchpadID != "" {
		text += fmt.Sprintf(" (%s)", scratchpadID)
	}

	return Success(text, map[string]any{
		"agent_id":      agentID,
		"scratchpad_id": scratchpadID,
		"merged":        merge,
		"content_size":  len(content),
	}), nil
}

// GetAgentStateTool reads back an agent's persisted state and scratchpad.
type GetAgentStateTool struct {
	backend Backend
	cfg     config.ToolConfig
}

// NewGetAgentStateTool builds the get_agent_state tool.
func NewGetAgentStateTool(backend Backend, cfg config.ToolConfig) *GetAgentStateTool {
	return &GetAgentStateTool{backend: backend, cfg: cfg}
}

func (t *GetAgentStateTool) Name() string { return "get_agent_state" }

func (t *GetAgentStateTool) Description() string {
	return "Retrieve an agent's stored state, optionally with scratchpad content"
}

func (t *GetAgentStateTool) Schema() *Schema {
	return &Schema{
		Properties: map[string]Param{
			"agent_id": {
				Type:        "string",
				Description: "Agent identifier",
				Default:     "default",
			},
			"include_scratchpad": {
				Type:        "boolean",
				Description: "Include scratchpad content in the response",
				Default:     true,
			},
		},
	}
}

func (t *GetAgentStateTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	agentID := stringArg(args, "agent_id", "default")
	if agentID == "" {
		agentID = "default"
	}
	includeScratchpad := boolArg(args, "include_scratchpad", true)

	result, err := t.backend.GetAgentState(ctx, agentID, includeScratchpad)
	if err != nil {
		return nil, backendError("get agent state", err)
	}

	data := map[string]any{
		"agent_id": agentID,
		"state":    result["state"],
	}
	if lastUpdated, ok := result["last_updated"]; ok {
		data["last_updated"] = lastUpdated
	}

	text := "Retrieved agent state (no scratchpad content)"
	if includeScratchpad {
		if scratchpad, ok := result["scratchpad"]; ok && scratchpad != nil {
			data["scratchpad"] = scratchpad
			text = "Retrieved agent state with scratchpad"
		}
	}

	return Success(text, data), nil
}
