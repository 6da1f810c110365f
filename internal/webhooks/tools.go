package webhooks

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/veris-memory/veris-mcp-go/internal/tools"
)

// ManagementTool is webhook_management: registry CRUD plus statistics.
type ManagementTool struct {
	manager *Manager
}

// NewManagementTool builds the webhook_management tool.
func NewManagementTool(manager *Manager) *ManagementTool {
	return &ManagementTool{manager: manager}
}

func (t *ManagementTool) Name() string { return "webhook_management" }

func (t *ManagementTool) Description() string {
	return "Register, update, list, and inspect webhook subscriptions"
}

func (t *ManagementTool) Schema() *tools.Schema {
	return &tools.Schema{
		Properties: map[string]tools.Param{
			"action": {
				Type:        "string",
				Description: "Management action",
				Enum:        []string{"register", "unregister", "update", "list", "get", "stats"},
			},
			"url": {
				Type:        "string",
				Description: "Webhook endpoint URL (register/update)",
			},
			"webhook_id": {
				Type:        "string",
				Description: "Target subscription (unregister/update/get)",
			},
			"event_types": {
				Type:        "array",
				Description: "Event types to subscribe to; empty means all",
			},
			"headers": {
				Type:        "object",
				Description: "Extra headers sent with each delivery",
			},
			"signing_secret": {
				Type:        "string",
				Description: "Per-subscription HMAC signing secret",
			},
			"description": {
				Type:        "string",
				Description: "Human-readable label",
			},
			"active": {
				Type:        "boolean",
				Description: "Enable or disable delivery (update)",
			},
		},
		Required: []string{"action"},
	}
}

func (t *ManagementTool) Execute(ctx context.Context, args map[string]any) (*tools.Result, error) {
	action, _ := args["action"].(string)
	switch action {
	case "register":
		return t.register(args)
	case "unregister":
		return t.unregister(args)
	case "update":
		return t.update(args)
	case "list":
		return t.list()
	case "get":
		return t.get(args)
	case "stats":
		return tools.Success("Webhook system statistics", t.manager.Stats()), nil
	default:
		return nil, &tools.ToolError{
			Code:    "invalid_action",
			Message: fmt.Sprintf("Unknown action: %s", action),
		}
	}
}

func (t *ManagementTool) register(args map[string]any) (*tools.Result, error) {
	url, _ := args["url"].(string)
	if url == "" {
		return nil, &tools.ToolError{Code: "missing_url", Message: "URL is required for register"}
	}

	sub, err := t.manager.Register(
		url,
		stringSlice(args["event_types"]),
		stringMap(args["headers"]),
		str(args["signing_secret"]),
		str(args["description"]),
	)
	if err != nil {
		return nil, &tools.ToolError{
			Code:    "registration_failed",
			Message: err.Error(),
			Details: map[string]any{"url": url},
		}
	}

	return tools.Success(
		fmt.Sprintf("Webhook registered successfully with ID: %s", sub.WebhookID),
		sub.Describe(),
	), nil
}

func (t *ManagementTool) unregister(args map[string]any) (*tools.Result, error) {
	webhookID, _ := args["webhook_id"].(string)
	if webhookID == "" {
		return nil, &tools.ToolError{Code: "missing_webhook_id", Message: "webhook_id is required"}
	}
	if !t.manager.Unregister(webhookID) {
		return nil, &tools.ToolError{
			Code:    "webhook_not_found",
			Message: fmt.Sprintf("Webhook %s not found", webhookID),
		}
	}
	return tools.Success(
		fmt.Sprintf("Webhook %s unregistered successfully", webhookID),
		map[string]any{"webhook_id": webhookID},
	), nil
}

func (t *ManagementTool) update(args map[string]any) (*tools.Result, error) {
	webhookID, _ := args["webhook_id"].(string)
	if webhookID == "" {
		return nil, &tools.ToolError{Code: "missing_webhook_id", Message: "webhook_id is required"}
	}

	var update SubscriptionUpdate
	touched := false
	if url, ok := args["url"].(string); ok {
		update.URL = &url
		touched = true
	}
	if _, ok := args["event_types"]; ok {
		update.EventTypes = stringSlice(args["event_types"])
		if update.EventTypes == nil {
			update.EventTypes = []string{}
		}
		touched = true
	}
	if active, ok := args["active"].(bool); ok {
		update.Active = &active
		touched = true
	}
	if _, ok := args["headers"]; ok {
		update.Headers = stringMap(args["headers"])
		touched = true
	}
	if desc, ok := args["description"].(string); ok {
		update.Description = &desc
		touched = true
	}
	if !touched {
		return nil, &tools.ToolError{
			Code:    "no_update_params",
			Message: "At least one parameter must be provided for update",
		}
	}

	sub, err := t.manager.Update(webhookID, update)
	if err != nil {
		return nil, &tools.ToolError{Code: "webhook_not_found", Message: err.Error()}
	}
	return tools.Success(
		fmt.Sprintf("Webhook %s updated successfully", webhookID),
		sub.Describe(),
	), nil
}

func (t *ManagementTool) list() (*tools.Result, error) {
	subs := t.manager.List()
	described := make([]any, 0, len(subs))
	for _, sub := range subs {
		described = append(described, sub.Describe())
	}
	return tools.Success(
		fmt.Sprintf("Found %d webhook subscriptions", len(subs)),
		map[string]any{"webhooks": described, "count": len(subs)},
	), nil
}

func (t *ManagementTool) get(args map[string]any) (*tools.Result, error) {
	webhookID, _ := args["webhook_id"].(string)
	if webhookID == "" {
		return nil, &tools.ToolError{Code: "missing_webhook_id", Message: "webhook_id is required"}
	}
	sub, ok := t.manager.Get(webhookID)
	if !ok {
		return nil, &tools.ToolError{
			Code:    "webhook_not_found",
			Message: fmt.Sprintf("Webhook %s not found", webhookID),
		}
	}
	return tools.Success(fmt.Sprintf("Webhook %s details", webhookID), sub.Describe()), nil
}

// NotificationTool is event_notification: emit an event into the fabric,
// by default in test mode.
type NotificationTool struct {
	manager *Manager
}

// NewNotificationTool builds the event_notification tool.
func NewNotificationTool(manager *Manager) *NotificationTool {
	return &NotificationTool{manager: manager}
}

func (t *NotificationTool) Name() string { return "event_notification" }

func (t *NotificationTool) Description() string {
	return "Emit an event to matching webhook subscriptions"
}

func (t *NotificationTool) Schema() *tools.Schema {
	names := make([]string, len(AllEventTypes))
	for i, et := range AllEventTypes {
		names[i] = string(et)
	}
	return &tools.Schema{
		Properties: map[string]tools.Param{
			"event_type": {
				Type:        "string",
				Description: "Event to emit",
				Enum:        names,
			},
			"event_data": {
				Type:        "object",
				Description: "Event payload data",
			},
			"event_metadata": {
				Type:        "object",
				Description: "Event metadata",
			},
			"test_mode": {
				Type:        "boolean",
				Description: "Mark the event as a test emission",
				Default:     true,
			},
		},
		Required: []string{"event_type"},
	}
}

func (t *NotificationTool) Execute(ctx context.Context, args map[string]any) (*tools.Result, error) {
	eventTypeName, _ := args["event_type"].(string)
	if !ValidEventType(eventTypeName) {
		return nil, &tools.ToolError{
			Code:    "invalid_event_type",
			Message: fmt.Sprintf("Invalid event type: %s", eventTypeName),
		}
	}
	eventType := EventType(eventTypeName)

	data := stringAnyMap(args["event_data"])
	metadata := stringAnyMap(args["event_metadata"])
	testMode := true
	if v, ok := args["test_mode"].(bool); ok {
		testMode = v
	}

	event := NewEvent(eventType, data, metadata)
	if testMode {
		event.EventID = "test-" + uuid.NewString()
		if event.Metadata == nil {
			event.Metadata = map[string]any{}
		}
		event.Metadata["test_mode"] = true
	}

	matching := 0
	for _, sub := range t.manager.List() {
		if sub.Matches(eventType) {
			matching++
		}
	}

	t.manager.EmitEvent(event)

	return tools.Success(
		fmt.Sprintf("Event %s emitted successfully to %d webhooks", eventTypeName, matching),
		map[string]any{
			"event_id":          event.EventID,
			"event_type":        eventTypeName,
			"test_mode":         testMode,
			"matching_webhooks": matching,
			"event_data":        event.Data,
			"event_metadata":    event.Metadata,
		},
	), nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func stringMap(v any) map[string]string {
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, val := range raw {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}

func stringAnyMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
