package client

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Cache TTLs for the dashboard facades.
const (
	analyticsCacheTTL = 30 * time.Second
	metricsCacheTTL   = 60 * time.Second
)

// timeframeMinutes maps the tool-facing timeframe strings onto the minutes
// parameter of the dashboard endpoint.
var timeframeMinutes = map[string]int{
	"5m": 5, "15m": 15, "1h": 60, "6h": 360, "24h": 1440, "7d": 10080, "30d": 43200,
}

type ttlCache struct {
	mu    sync.Mutex
	items map[string]ttlEntry
}

type ttlEntry struct {
	value   map[string]any
	expires time.Time
}

func newTTLCache() *ttlCache {
	return &ttlCache{items: map[string]ttlEntry{}}
}

func (c *ttlCache) get(key string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.items[key]
	if !ok || time.Now().After(entry.expires) {
		delete(c.items, key)
		return nil, false
	}
	return entry.value, true
}

func (c *ttlCache) set(key string, value map[string]any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = ttlEntry{value: value, expires: time.Now().Add(ttl)}
}

// fetchDashboard calls the analytics endpoint, caching per (minutes,
// insights) pair.
func (c *Client) fetchDashboard(ctx context.Context, minutes int, includeInsights bool, ttl time.Duration) (map[string]any, error) {
	key := fmt.Sprintf("dashboard_%d_%t", minutes, includeInsights)
	if cached, ok := c.analyticsCache.get(key); ok {
		return cached, nil
	}

	path := fmt.Sprintf("/api/dashboard/analytics?minutes=%d&include_insights=%t", minutes, includeInsights)
	result, err := c.doJSON(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	c.analyticsCache.set(key, result, ttl)
	return result, nil
}

// GetAnalytics is the read-side facade over the dashboard endpoint. It
// transforms the upstream payload into one of four fixed shapes; missing
// upstream keys degrade to zeros rather than errors.
func (c *Client) GetAnalytics(ctx context.Context, analyticsType, timeframe string, includeRecommendations bool) (map[string]any, error) {
	minutes, ok := timeframeMinutes[timeframe]
	if !ok {
		minutes = 60
		timeframe = "1h"
	}

	api, err := c.fetchDashboard(ctx, minutes, includeRecommendations, analyticsCacheTTL)
	if err != nil {
		return nil, err
	}

	switch analyticsType {
	case "usage_stats":
		return c.formatUsageStats(api, timeframe), nil
	case "performance_insights":
		return c.formatPerformanceInsights(api), nil
	case "real_time_metrics":
		return c.formatRealTimeMetrics(api), nil
	case "summary":
		return map[string]any{
			"timeframe":            timeframe,
			"usage_stats":          c.formatUsageStats(api, timeframe),
			"performance_insights": c.formatPerformanceInsights(api),
			"real_time_metrics":    c.formatRealTimeMetrics(api),
			"summary": map[string]any{
				"timeframe":            timeframe,
				"performance_score":    performanceScore(api),
				"success_rate_percent": 100.0 - getFloat(getMap(api, "global_request_stats"), "error_rate_percent"),
				"operations_per_minute": getFloat(
					getMap(api, "global_request_stats"), "requests_per_minute"),
			},
		}, nil
	default:
		return nil, fmt.Errorf("unknown analytics type %q", analyticsType)
	}
}

// GetMetrics serves the backend-derived actions of the metrics tool.
func (c *Client) GetMetrics(ctx context.Context, action, metricName string, sinceMinutes, limit int) (map[string]any, error) {
	if sinceMinutes <= 0 {
		sinceMinutes = 60
	}
	if limit <= 0 {
		limit = 1000
	}

	api, err := c.fetchDashboard(ctx, sinceMinutes, true, metricsCacheTTL)
	if err != nil {
		return nil, err
	}

	switch action {
	case "collector_stats":
		return collectorStatsFrom(api), nil
	case "list_metrics":
		names := endpointNames(api)
		if metricName != "" {
			filtered := names[:0]
			for _, n := range names {
				if strings.Contains(n, metricName) {
					filtered = append(filtered, n)
				}
			}
			names = filtered
		}
		return map[string]any{"metrics": names, "count": len(names)}, nil
	case "get_metrics":
		trending, _ := api["trending_data"].([]any)
		if len(trending) > limit {
			trending = trending[:limit]
		}
		if trending == nil {
			trending = []any{}
		}
		return map[string]any{"metrics": trending, "count": len(trending)}, nil
	default:
		return map[string]any{"action": action, "data": api}, nil
	}
}

func (c *Client) formatUsageStats(api map[string]any, timeframe string) map[string]any {
	now := float64(time.Now().Unix())
	window := 86400.0
	if timeframe == "1h" {
		window = 3600.0
	}

	stats := getMap(api, "global_request_stats")
	total := getFloat(stats, "total_requests")
	errorRate := getFloat(stats, "error_rate_percent")
	failed := float64(int(total * errorRate / 100.0))

	endpoints := getMap(api, "endpoint_statistics")
	stored := countEndpointRequests(endpoints, "store_context")
	retrieved := countEndpointRequests(endpoints, "retrieve_context")
	searched := countEndpointRequests(endpoints, "search")

	return map[string]any{
		"timeframe": timeframe,
		"period":    map[string]any{"start": now - window, "end": now},
		"operations": map[string]any{
			"total":                total,
			"successful":           total - failed,
			"failed":               failed,
			"success_rate_percent": 100.0 - errorRate,
		},
		"performance": map[string]any{
			"avg_response_time_ms": getFloat(stats, "avg_duration_ms"),
			"p95_response_time_ms": getFloat(stats, "p95_duration_ms"),
			"p99_response_time_ms": getFloat(stats, "p99_duration_ms"),
		},
		"context_operations": map[string]any{
			"stored":    stored,
			"retrieved": retrieved,
			"searched":  searched,
			"deleted":   0.0,
		},
		"search": map[string]any{
			"total_queries":         searched,
			"avg_results_per_query": 0.0,
		},
		"streaming": map[string]any{
			"total_streams":    0.0,
			"chunks_delivered": 0.0,
			"active_streams":   0.0,
		},
		"webhooks": map[string]any{
			"active_subscriptions": 0.0,
			"events_delivered":     0.0,
			"events_failed":        0.0,
		},
		"errors": map[string]any{
			"total_errors": failed,
			"breakdown":    map[string]any{},
		},
		"top_operations": []any{},
	}
}

func (c *Client) formatPerformanceInsights(api map[string]any) map[string]any {
	score := performanceScore(api)

	var insights []any
	if alerts, ok := api["alerts"].([]any); ok {
		for _, a := range alerts {
			alert, ok := a.(map[string]any)
			if !ok {
				continue
			}
			insights = append(insights, map[string]any{
				"title":    getString(alert, "message"),
				"severity": getString(alert, "severity"),
				"category": getString(alert, "type"),
			})
		}
	}
	if insights == nil {
		insights = []any{}
	}

	var recommendations []any
	if recs, ok := api["recommendations"].([]any); ok {
		for _, r := range recs {
			if rec, ok := r.(string); ok {
				recommendations = append(recommendations, map[string]any{
					"title":       rec,
					"priority":    8,
					"description": rec,
				})
			}
		}
	}
	if recommendations == nil {
		recommendations = []any{}
	}

	return map[string]any{
		"performance_score": score,
		"insights":          insights,
		"recommendations":   recommendations,
		"summary": map[string]any{
			"total_insights":                len(insights),
			"total_recommendations":         len(recommendations),
			"high_priority_recommendations": len(recommendations),
			"performance_score":             score,
		},
	}
}

func (c *Client) formatRealTimeMetrics(api map[string]any) map[string]any {
	stats := getMap(api, "global_request_stats")
	return map[string]any{
		"timestamp":             float64(time.Now().Unix()),
		"window_seconds":        300,
		"operations_per_minute": getFloat(stats, "requests_per_minute"),
		"avg_response_time_ms":  getFloat(stats, "avg_duration_ms"),
		"error_rate_percent":    getFloat(stats, "error_rate_percent"),
		"active_operations":     0,
		"collector_stats":       collectorStatsFrom(api),
	}
}

func collectorStatsFrom(api map[string]any) map[string]any {
	stats := getMap(api, "global_request_stats")
	return map[string]any{
		"running":                true,
		"uptime_seconds":         0.0,
		"total_points_collected": getFloat(stats, "total_requests"),
		"unique_metrics":         len(getMap(api, "endpoint_statistics")),
		"active_operations":      0,
		"aggregated_metrics":     0,
		"configuration": map[string]any{
			"retention_seconds":            3600,
			"max_points_per_metric":        10000,
			"aggregation_interval_seconds": 60,
		},
	}
}

func performanceScore(api map[string]any) float64 {
	switch getString(api, "health_status") {
	case "healthy":
		return 100.0
	case "warning":
		return 50.0
	default:
		return 0.0
	}
}

func endpointNames(api map[string]any) []string {
	endpoints := getMap(api, "endpoint_statistics")
	names := make([]string, 0, len(endpoints))
	for name := range endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// countEndpointRequests sums total_requests across endpoint statistics
// whose key contains the given substring.
func countEndpointRequests(endpoints map[string]any, substr string) float64 {
	var total float64
	for name, v := range endpoints {
		if !strings.Contains(name, substr) {
			continue
		}
		if stats, ok := v.(map[string]any); ok {
			total += getFloat(stats, "total_requests")
		}
	}
	return total
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
	default:
		return 0.0
	}
}

func getString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
