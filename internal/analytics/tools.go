package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/veris-memory/veris-mcp-go/internal/config"
	"github.com/veris-memory/veris-mcp-go/internal/tools"
)

// AnalyticsTool is analytics: formatted usage, performance, and real-time
// views over the upstream dashboard, enriched with the local collector.
type AnalyticsTool struct {
	backend   tools.Backend
	collector *Collector
	cfg       config.AnalyticsConfig
}

// NewAnalyticsTool builds the analytics tool. collector may be nil when
// local collection is disabled.
func NewAnalyticsTool(backend tools.Backend, collector *Collector, cfg config.AnalyticsConfig) *AnalyticsTool {
	return &AnalyticsTool{backend: backend, collector: collector, cfg: cfg}
}

func (t *AnalyticsTool) Name() string { return "analytics" }

func (t *AnalyticsTool) Description() string {
	return "Usage statistics, performance insights, and real-time metrics"
}

func (t *AnalyticsTool) Schema() *tools.Schema {
	return &tools.Schema{
		Properties: map[string]tools.Param{
			"analytics_type": {
				Type:        "string",
				Description: "Which view to return",
				Enum:        []string{"usage_stats", "performance_insights", "real_time_metrics", "summary"},
			},
			"timeframe": {
				Type:        "string",
				Description: "Reporting window (5m, 15m, 1h, 6h, 24h, 7d, 30d)",
				Default:     t.cfg.DefaultTimeframe,
			},
			"include_recommendations": {
				Type:        "boolean",
				Description: "Include actionable recommendations",
				Default:     false,
			},
		},
		Required: []string{"analytics_type"},
	}
}

func (t *AnalyticsTool) Execute(ctx context.Context, args map[string]any) (*tools.Result, error) {
	analyticsType, _ := args["analytics_type"].(string)
	timeframe, _ := args["timeframe"].(string)
	if timeframe == "" {
		timeframe = t.cfg.DefaultTimeframe
	}
	includeRecommendations := false
	if v, ok := args["include_recommendations"].(bool); ok {
		includeRecommendations = v
	}

	data, err := t.backend.GetAnalytics(ctx, analyticsType, timeframe, includeRecommendations)
	if err != nil {
		return nil, &tools.ToolError{
			Code:    tools.CodeBackendError,
			Message: fmt.Sprintf("Failed to get analytics: %v", err),
			Details: map[string]any{"original_error": err.Error()},
		}
	}

	switch analyticsType {
	case "usage_stats":
		return tools.Success(formatUsageStatsText(timeframe, data), data), nil
	case "performance_insights":
		if !includeRecommendations {
			delete(data, "recommendations")
		}
		return tools.Success(formatInsightsText(timeframe, data), data), nil
	case "real_time_metrics":
		t.patchRealTime(data)
		return tools.Success(formatRealTimeText(data), data), nil
	default: // summary
		return tools.Success(formatSummaryText(timeframe, data), data), nil
	}
}

// patchRealTime overlays the live local collector state onto the
// backend-derived snapshot.
func (t *AnalyticsTool) patchRealTime(data map[string]any) {
	if t.collector == nil || !t.collector.Running() {
		return
	}
	stats := t.collector.Stats()
	data["active_operations"] = stats["active_operations"]
	data["collector_stats"] = stats
}

func formatUsageStatsText(timeframe string, data map[string]any) string {
	operations := getMap(data, "operations")
	performance := getMap(data, "performance")
	contextOps := getMap(data, "context_operations")
	search := getMap(data, "search")

	var sb strings.Builder
	fmt.Fprintf(&sb, "Usage Statistics for %s:", timeframe)
	fmt.Fprintf(&sb, "\n• Total Operations: %s", formatCount(getFloat(operations, "total")))
	fmt.Fprintf(&sb, "\n• Success Rate: %.1f%%", getFloat(operations, "success_rate_percent"))
	fmt.Fprintf(&sb, "\n• Average Response Time: %.0fms", getFloat(performance, "avg_response_time_ms"))
	if stored := getFloat(contextOps, "stored"); stored > 0 {
		fmt.Fprintf(&sb, "\n• Contexts Stored: %s", formatCount(stored))
	}
	if retrieved := getFloat(contextOps, "retrieved"); retrieved > 0 {
		fmt.Fprintf(&sb, "\n• Contexts Retrieved: %s", formatCount(retrieved))
	}
	if queries := getFloat(search, "total_queries"); queries > 0 {
		fmt.Fprintf(&sb, "\n• Search Queries: %s", formatCount(queries))
	}
	return sb.String()
}

func formatInsightsText(timeframe string, data map[string]any) string {
	summary := getMap(data, "summary")
	insights, _ := data["insights"].([]any)
	recommendations, _ := data["recommendations"].([]any)

	highPriority := 0
	for _, r := range recommendations {
		if rec, ok := r.(map[string]any); ok && getFloat(rec, "priority") >= 8 {
			highPriority++
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Performance Insights for %s:", timeframe)
	fmt.Fprintf(&sb, "\n• Performance Score: %.1f/100", getFloat(summary, "performance_score"))
	fmt.Fprintf(&sb, "\n• Total Insights: %d", len(insights))
	fmt.Fprintf(&sb, "\n• Recommendations: %d", len(recommendations))
	fmt.Fprintf(&sb, "\n• High Priority Actions: %d", highPriority)

	if len(insights) > 0 {
		sb.WriteString("\n\nTop Insights:")
		for i, item := range insights {
			if i == 3 {
				break
			}
			if insight, ok := item.(map[string]any); ok {
				fmt.Fprintf(&sb, "\n• %s (%s)", getString(insight, "title"), getString(insight, "severity"))
			}
		}
	}
	if len(recommendations) > 0 {
		sb.WriteString("\n\nTop Recommendations:")
		for i, item := range recommendations {
			if i == 3 {
				break
			}
			if rec, ok := item.(map[string]any); ok {
				fmt.Fprintf(&sb, "\n• %s (Priority: %.0f)", getString(rec, "title"), getFloat(rec, "priority"))
			}
		}
	}
	return sb.String()
}

func formatRealTimeText(data map[string]any) string {
	var sb strings.Builder
	sb.WriteString("Real-time Metrics (Last 5 minutes):")
	fmt.Fprintf(&sb, "\n• Operations/min: %.1f", getFloat(data, "operations_per_minute"))
	fmt.Fprintf(&sb, "\n• Avg Response Time: %.0fms", getFloat(data, "avg_response_time_ms"))
	fmt.Fprintf(&sb, "\n• Error Rate: %.1f%%", getFloat(data, "error_rate_percent"))
	fmt.Fprintf(&sb, "\n• Active Operations: %.0f", getFloat(data, "active_operations"))
	return sb.String()
}

func formatSummaryText(timeframe string, data map[string]any) string {
	usage := getMap(data, "usage_stats")
	operations := getMap(usage, "operations")
	performance := getMap(usage, "performance")
	search := getMap(usage, "search")
	streaming := getMap(usage, "streaming")
	webhooks := getMap(usage, "webhooks")
	insights := getMap(data, "performance_insights")
	insightSummary := getMap(insights, "summary")

	var sb strings.Builder
	fmt.Fprintf(&sb, "Analytics Summary for %s:", timeframe)
	fmt.Fprintf(&sb, "\n\n📊 Operations: %s total, %.1f%% success",
		formatCount(getFloat(operations, "total")),
		getFloat(operations, "success_rate_percent"))
	fmt.Fprintf(&sb, "\n⚡ Performance: %.0fms avg response, score %.1f/100",
		getFloat(performance, "avg_response_time_ms"),
		getFloat(insightSummary, "performance_score"))
	fmt.Fprintf(&sb, "\n🔍 Search: %s queries", formatCount(getFloat(search, "total_queries")))
	fmt.Fprintf(&sb, "\n🌊 Streaming: %s streams, %s chunks delivered",
		formatCount(getFloat(streaming, "total_streams")),
		formatCount(getFloat(streaming, "chunks_delivered")))
	fmt.Fprintf(&sb, "\n🔔 Webhooks: %.0f active subscriptions",
		getFloat(webhooks, "active_subscriptions"))
	fmt.Fprintf(&sb, "\n💡 Insights: %.0f insights, %.0f recommendations",
		getFloat(insightSummary, "total_insights"),
		getFloat(insightSummary, "total_recommendations"))
	return sb.String()
}

// MetricsTool is metrics: raw access to the local collector, with an
// optional pass-through to the backend-derived metrics.
type MetricsTool struct {
	backend   tools.Backend
	collector *Collector
}

// NewMetricsTool builds the metrics tool.
func NewMetricsTool(backend tools.Backend, collector *Collector) *MetricsTool {
	return &MetricsTool{backend: backend, collector: collector}
}

func (t *MetricsTool) Name() string { return "metrics" }

func (t *MetricsTool) Description() string {
	return "Inspect collected metric points and collector state"
}

func (t *MetricsTool) Schema() *tools.Schema {
	return &tools.Schema{
		Properties: map[string]tools.Param{
			"action": {
				Type:        "string",
				Description: "What to return",
				Enum:        []string{"list_metrics", "get_metrics", "collector_stats", "aggregated_metrics"},
			},
			"metric_name": {
				Type:        "string",
				Description: "Substring filter on metric names",
			},
			"metric_type": {
				Type:        "string",
				Description: "Filter points by type",
				Enum:        []string{TypeCounter, TypeGauge, TypeHistogram, TypeTimer},
			},
			"since_minutes": {
				Type:        "integer",
				Description: "How far back to look",
				Default:     60,
				Minimum:     tools.Float(1),
			},
			"labels": {
				Type:        "object",
				Description: "Exact-match label filters",
			},
			"limit": {
				Type:        "integer",
				Description: "Maximum points returned",
				Default:     100,
				Minimum:     tools.Float(1),
			},
			"source": {
				Type:        "string",
				Description: "local collector or backend dashboard",
				Enum:        []string{"local", "backend"},
				Default:     "local",
			},
		},
		Required: []string{"action"},
	}
}

func (t *MetricsTool) Execute(ctx context.Context, args map[string]any) (*tools.Result, error) {
	action, _ := args["action"].(string)
	metricName, _ := args["metric_name"].(string)
	sinceMinutes := intFromArgs(args, "since_minutes", 60)
	limit := intFromArgs(args, "limit", 100)

	if source, _ := args["source"].(string); source == "backend" {
		data, err := t.backend.GetMetrics(ctx, action, metricName, sinceMinutes, limit)
		if err != nil {
			return nil, &tools.ToolError{
				Code:    tools.CodeBackendError,
				Message: fmt.Sprintf("Failed to get metrics: %v", err),
				Details: map[string]any{"original_error": err.Error()},
			}
		}
		return tools.Success(fmt.Sprintf("Backend metrics for action '%s'", action), data), nil
	}

	// Local actions need the collector, which only exists when analytics
	// collection is enabled in configuration.
	if t.collector == nil {
		return nil, &tools.ToolError{
			Code:    "collector_disabled",
			Message: "Local metrics collection is disabled; enable analytics or use source 'backend'",
		}
	}

	switch action {
	case "list_metrics":
		return t.listMetrics(metricName), nil
	case "get_metrics":
		return t.getMetrics(args, metricName, sinceMinutes, limit)
	case "collector_stats":
		return t.collectorStats(), nil
	case "aggregated_metrics":
		return t.aggregatedMetrics(), nil
	default:
		return nil, &tools.ToolError{
			Code:    "invalid_action",
			Message: fmt.Sprintf("Unknown action: %s", action),
		}
	}
}

func (t *MetricsTool) listMetrics(filter string) *tools.Result {
	names := t.collector.MetricNames()
	if filter != "" {
		kept := names[:0]
		for _, n := range names {
			if strings.Contains(n, filter) {
				kept = append(kept, n)
			}
		}
		names = kept
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Available Metrics (%d unique names):", len(names))
	for _, name := range names {
		fmt.Fprintf(&sb, "\n• %s", name)
	}
	return tools.Success(sb.String(), map[string]any{"metrics": names, "count": len(names)})
}

func (t *MetricsTool) getMetrics(args map[string]any, metricName string, sinceMinutes, limit int) (*tools.Result, error) {
	metricType, _ := args["metric_type"].(string)
	if metricType != "" {
		switch metricType {
		case TypeCounter, TypeGauge, TypeHistogram, TypeTimer:
		default:
			return nil, &tools.ToolError{
				Code:    "invalid_type",
				Message: fmt.Sprintf("Unknown metric type: %s", metricType),
			}
		}
	}

	labels := map[string]string{}
	if raw, ok := args["labels"].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				labels[k] = s
			}
		}
	}

	since := time.Now().Add(-time.Duration(sinceMinutes) * time.Minute)
	points := t.collector.Points(metricName, since, labels, limit)
	if metricType != "" {
		kept := points[:0]
		for _, p := range points {
			if p.Type == metricType {
				kept = append(kept, p)
			}
		}
		points = kept
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Retrieved %d metric points", len(points))
	fmt.Fprintf(&sb, "\nTime Range: Last %d minutes", sinceMinutes)
	if metricName != "" {
		fmt.Fprintf(&sb, "\nMetric Pattern: %s", metricName)
	}
	if len(labels) > 0 {
		if encoded, err := json.Marshal(labels); err == nil {
			fmt.Fprintf(&sb, "\nLabels: %s", encoded)
		}
	}

	serialized := make([]any, len(points))
	for i, p := range points {
		serialized[i] = p
	}
	return tools.Success(sb.String(), map[string]any{
		"points":        serialized,
		"count":         len(points),
		"since_minutes": sinceMinutes,
	}), nil
}

func (t *MetricsTool) collectorStats() *tools.Result {
	stats := t.collector.Stats()

	status := "Stopped"
	if running, _ := stats["running"].(bool); running {
		status = "Running"
	}

	var sb strings.Builder
	sb.WriteString("Metrics Collector Statistics:")
	fmt.Fprintf(&sb, "\n• Status: %s", status)
	fmt.Fprintf(&sb, "\n• Uptime: %.0f seconds", getFloat(stats, "uptime_seconds"))
	fmt.Fprintf(&sb, "\n• Total Points: %s", formatCount(getFloat(stats, "total_points_collected")))
	fmt.Fprintf(&sb, "\n• Unique Metrics: %.0f", getFloat(stats, "unique_metrics"))
	fmt.Fprintf(&sb, "\n• Active Operations: %.0f", getFloat(stats, "active_operations"))
	fmt.Fprintf(&sb, "\n• Aggregated Metrics: %.0f", getFloat(stats, "aggregated_metrics"))
	return tools.Success(sb.String(), stats)
}

func (t *MetricsTool) aggregatedMetrics() *tools.Result {
	t.collector.Aggregate()
	aggregated := t.collector.Aggregated()

	keys := make([]string, 0, len(aggregated))
	for k := range aggregated {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Aggregated Metrics (%d metrics):", len(keys))
	for i, key := range keys {
		if i == 10 {
			fmt.Fprintf(&sb, "\n... and %d more", len(keys)-10)
			break
		}
		entry := aggregated[key]
		switch entry["type"] {
		case TypeCounter:
			fmt.Fprintf(&sb, "\n• %s: %.0f total", key, getFloat(entry, "sum"))
		case TypeGauge:
			fmt.Fprintf(&sb, "\n• %s: %.2f current", key, getFloat(entry, "current"))
		default:
			fmt.Fprintf(&sb, "\n• %s: %.2f avg", key, getFloat(entry, "avg"))
		}
	}

	data := make(map[string]any, len(aggregated)+1)
	for k, v := range aggregated {
		data[k] = v
	}
	return tools.Success(sb.String(), map[string]any{
		"aggregated": data,
		"count":      len(aggregated),
	})
}

// formatCount renders a whole number with thousands separators.
func formatCount(v float64) string {
	s := strconv.FormatInt(int64(v), 10)
	negative := strings.HasPrefix(s, "-")
	if negative {
		s = s[1:]
	}
	var parts []string
	for len(s) > 3 {
		parts = append([]string{s[len(s)-3:]}, parts...)
		s = s[:len(s)-3]
	}
	parts = append([]string{s}, parts...)
	out := strings.Join(parts, ",")
	if negative {
		out = "-" + out
	}
	return out
}

func getMap(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return map[string]any{}
}

func getFloat(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0.0
	}
}

func getString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func intFromArgs(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}
