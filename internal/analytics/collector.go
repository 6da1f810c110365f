// Package analytics implements the local metrics collector and the
// analytics tool surface over it and the upstream dashboard.
package analytics

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/veris-memory/veris-mcp-go/internal/config"
)

// Metric point types.
const (
	TypeCounter   = "counter"
	TypeGauge     = "gauge"
	TypeHistogram = "histogram"
	TypeTimer     = "timer"
)

// Point is one recorded measurement.
type Point struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Labels    map[string]string `json:"labels,omitempty"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
}

// series holds the bounded point history for one metric/label combination.
type series struct {
	points []Point
}

type activeOperation struct {
	name    string
	labels  map[string]string
	started time.Time
}

// Collector accumulates metric points in memory, aggregates them on a
// timer, and expires old points. All methods are safe for concurrent use.
type Collector struct {
	cfg    config.AnalyticsConfig
	logger *slog.Logger

	mu         sync.RWMutex
	series     map[string]*series
	aggregated map[string]map[string]any
	operations map[string]activeOperation

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started atomic.Bool
	closed  atomic.Bool

	startTime   time.Time
	totalPoints atomic.Int64
}

// NewCollector builds a collector; Start launches the background loops.
func NewCollector(cfg config.AnalyticsConfig, logger *slog.Logger) *Collector {
	if cfg.MaxPointsPerMetric <= 0 {
		cfg.MaxPointsPerMetric = 10000
	}
	if cfg.RetentionSeconds <= 0 {
		cfg.RetentionSeconds = 3600
	}
	if cfg.AggregationIntervalSeconds <= 0 {
		cfg.AggregationIntervalSeconds = 60
	}
	return &Collector{
		cfg:        cfg,
		logger:     logger,
		series:     make(map[string]*series),
		aggregated: make(map[string]map[string]any),
		operations: make(map[string]activeOperation),
	}
}

// Start launches the aggregation and cleanup loops.
func (c *Collector) Start(ctx context.Context) error {
	if c.started.Swap(true) {
		return nil
	}
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.startTime = time.Now()

	c.wg.Add(2)
	go c.aggregationLoop()
	go c.cleanupLoop()
	return nil
}

// Stop halts the background loops.
func (c *Collector) Stop(ctx context.Context) error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Running reports whether the collector is live.
func (c *Collector) Running() bool {
	return c.started.Load() && !c.closed.Load()
}

// Record appends a point to its series, evicting the oldest point when the
// series is full.
func (c *Collector) Record(p Point) {
	if c.closed.Load() {
		return
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	key := seriesKey(p.Name, p.Labels)

	c.mu.Lock()
	s, ok := c.series[key]
	if !ok {
		s = &series{}
		c.series[key] = s
	}
	s.points = append(s.points, p)
	if len(s.points) > c.cfg.MaxPointsPerMetric {
		s.points = s.points[len(s.points)-c.cfg.MaxPointsPerMetric:]
	}
	c.mu.Unlock()

	c.totalPoints.Add(1)
}

// Counter records an additive value.
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.Record(Point{Name: name, Value: value, Type: TypeCounter, Labels: labels})
}

// Gauge records a point-in-time value.
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.Record(Point{Name: name, Value: value, Type: TypeGauge, Labels: labels})
}

// Histogram records a value distribution sample.
func (c *Collector) Histogram(name string, value float64, labels map[string]string) {
	c.Record(Point{Name: name, Value: value, Type: TypeHistogram, Labels: labels})
}

// Timer records a duration sample in milliseconds.
func (c *Collector) Timer(name string, ms float64, labels map[string]string) {
	c.Record(Point{Name: name, Value: ms, Type: TypeTimer, Labels: labels})
}

// StartOperation opens a timed operation and returns its id.
func (c *Collector) StartOperation(name string, labels map[string]string) string {
	opID := uuid.NewString()
	c.mu.Lock()
	c.operations[opID] = activeOperation{name: name, labels: labels, started: time.Now()}
	c.mu.Unlock()
	return opID
}

// CompleteOperation closes a timed operation, recording its duration and
// outcome.
func (c *Collector) CompleteOperation(opID string, success bool, errorType string) {
	c.mu.Lock()
	op, ok := c.operations[opID]
	if ok {
		delete(c.operations, opID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	labels := map[string]string{"operation": op.name}
	for k, v := range op.labels {
		labels[k] = v
	}
	if success {
		labels["success"] = "true"
	} else {
		labels["success"] = "false"
		if errorType != "" {
			labels["error_type"] = errorType
		}
	}

	durationMs := float64(time.Since(op.started).Microseconds()) / 1000.0
	c.Timer("operation.duration_ms", durationMs, labels)
	c.Counter("operation.total", 1, labels)
}

// MetricNames returns the distinct metric names, sorted.
func (c *Collector) MetricNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := map[string]bool{}
	for key := range c.series {
		name := key
		if idx := strings.IndexByte(key, '['); idx >= 0 {
			name = key[:idx]
		}
		seen[name] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Points returns recorded points, newest last, filtered by name substring,
// age, and labels. limit 0 means no cap.
func (c *Collector) Points(namePattern string, since time.Time, labels map[string]string, limit int) []Point {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Point
	for _, s := range c.series {
		for _, p := range s.points {
			if namePattern != "" && !strings.Contains(p.Name, namePattern) {
				continue
			}
			if !since.IsZero() && p.Timestamp.Before(since) {
				continue
			}
			if !labelsMatch(p.Labels, labels) {
				continue
			}
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Aggregated returns the latest aggregation snapshot keyed by series.
func (c *Collector) Aggregated() map[string]map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]map[string]any, len(c.aggregated))
	for k, v := range c.aggregated {
		entry := make(map[string]any, len(v))
		for ek, ev := range v {
			entry[ek] = ev
		}
		out[k] = entry
	}
	return out
}

// Stats reports the collector's operational state.
func (c *Collector) Stats() map[string]any {
	c.mu.RLock()
	uniqueMetrics := len(c.series)
	activeOps := len(c.operations)
	aggregatedCount := len(c.aggregated)
	c.mu.RUnlock()

	uptime := 0.0
	if c.Running() {
		uptime = time.Since(c.startTime).Seconds()
	}
	return map[string]any{
		"running":                c.Running(),
		"uptime_seconds":         uptime,
		"total_points_collected": c.totalPoints.Load(),
		"unique_metrics":         uniqueMetrics,
		"active_operations":      activeOps,
		"aggregated_metrics":     aggregatedCount,
		"configuration": map[string]any{
			"retention_seconds":            c.cfg.RetentionSeconds,
			"max_points_per_metric":        c.cfg.MaxPointsPerMetric,
			"aggregation_interval_seconds": c.cfg.AggregationIntervalSeconds,
		},
	}
}

func (c *Collector) aggregationLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(time.Duration(c.cfg.AggregationIntervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.Aggregate()
		}
	}
}

func (c *Collector) cleanupLoop() {
	defer c.wg.Done()
	interval := time.Duration(c.cfg.RetentionSeconds) * time.Second / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			removed := c.expirePoints()
			if removed > 0 {
				c.logger.Debug("expired metric points", "removed", removed)
			}
		}
	}
}

// Aggregate computes per-series statistics over the aggregation window.
// Exported so tests and the stats tool can force a pass.
func (c *Collector) Aggregate() {
	window := time.Duration(c.cfg.AggregationIntervalSeconds) * time.Second
	cutoff := time.Now().Add(-window)

	c.mu.Lock()
	defer c.mu.Unlock()

	aggregated := make(map[string]map[string]any)
	for key, s := range c.series {
		var values []float64
		var pointType string
		for _, p := range s.points {
			if p.Timestamp.Before(cutoff) {
				continue
			}
			values = append(values, p.Value)
			pointType = p.Type
		}
		if len(values) == 0 {
			continue
		}
		aggregated[key] = aggregateValues(pointType, values)
	}
	c.aggregated = aggregated
}

func aggregateValues(pointType string, values []float64) map[string]any {
	sum := 0.0
	minV := values[0]
	maxV := values[0]
	for _, v := range values {
		sum += v
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	avg := sum / float64(len(values))

	switch pointType {
	case TypeCounter:
		return map[string]any{"type": pointType, "sum": sum, "count": len(values)}
	case TypeGauge:
		return map[string]any{
			"type": pointType, "current": values[len(values)-1],
			"min": minV, "max": maxV, "avg": avg,
		}
	default: // histogram, timer
		sorted := make([]float64, len(values))
		copy(sorted, values)
		sort.Float64s(sorted)
		return map[string]any{
			"type": pointType, "count": len(values),
			"min": minV, "max": maxV, "avg": avg,
			"p50": percentile(sorted, 0.50),
			"p95": percentile(sorted, 0.95),
			"p99": percentile(sorted, 0.99),
		}
	}
}

// percentile interpolates linearly between the two nearest ranks of an
// ascending-sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	weight := rank - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

func (c *Collector) expirePoints() int {
	cutoff := time.Now().Add(-time.Duration(c.cfg.RetentionSeconds) * time.Second)

	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, s := range c.series {
		kept := s.points[:0]
		for _, p := range s.points {
			if p.Timestamp.After(cutoff) {
				kept = append(kept, p)
			} else {
				removed++
			}
		}
		s.points = kept
		if len(s.points) == 0 {
			delete(c.series, key)
		}
	}
	return removed
}

// seriesKey is "name[k=v,...]" with labels sorted, or just the name when
// unlabeled.
func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteByte('[')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(labels[k])
	}
	sb.WriteByte(']')
	return sb.String()
}

func labelsMatch(have map[string]string, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
