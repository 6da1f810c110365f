// Package health runs liveness checks over the server's dependencies and
// aggregates them into a single status.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/veris-memory/veris-mcp-go/internal/tools"
)

// Status is the outcome of a check or of the aggregate report.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Result is a single check outcome.
type Result struct {
	Name       string         `json:"name"`
	Status     Status         `json:"status"`
	Message    string         `json:"message"`
	DurationMs float64        `json:"duration_ms"`
	CheckedAt  time.Time      `json:"checked_at"`
	Details    map[string]any `json:"details,omitempty"`
}

// CheckFunc performs one probe. A returned error marks the check unhealthy
// regardless of the partial result.
type CheckFunc func(ctx context.Context) (*Result, error)

// Check is a named probe with its own deadline. Critical checks pull the
// aggregate status down to unhealthy when they fail; non-critical checks
// only degrade it.
type Check struct {
	Name     string
	Func     CheckFunc
	Timeout  time.Duration
	Critical bool
}

// Report is the aggregate of one RunAll pass.
type Report struct {
	Status     Status             `json:"status"`
	Checks     map[string]*Result `json:"checks"`
	CheckedAt  time.Time          `json:"checked_at"`
	DurationMs float64            `json:"duration_ms"`
}

// Checker owns the registered checks and runs them concurrently.
type Checker struct {
	logger *slog.Logger
	events tools.Emitter

	mu     sync.RWMutex
	checks []Check
}

// NewChecker builds an empty checker. events may be nil.
func NewChecker(logger *slog.Logger, events tools.Emitter) *Checker {
	if events == nil {
		events = tools.NoopEmitter{}
	}
	return &Checker{logger: logger, events: events}
}

// Register adds a check. Registration order is preserved in logs only; the
// report is keyed by name.
func (c *Checker) Register(check Check) {
	if check.Timeout <= 0 {
		check.Timeout = 5 * time.Second
	}
	c.mu.Lock()
	c.checks = append(c.checks, check)
	c.mu.Unlock()
}

// Names lists the registered check names.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.checks))
	for i, check := range c.checks {
		names[i] = check.Name
	}
	return names
}

// RunAll executes every registered check concurrently and aggregates the
// outcomes.
func (c *Checker) RunAll(ctx context.Context) *Report {
	c.mu.RLock()
	checks := make([]Check, len(c.checks))
	copy(checks, c.checks)
	c.mu.RUnlock()

	started := time.Now()
	results := make([]*Result, len(checks))

	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func(i int, check Check) {
			defer wg.Done()
			results[i] = c.runOne(ctx, check)
		}(i, check)
	}
	wg.Wait()

	report := &Report{
		Status:     StatusHealthy,
		Checks:     make(map[string]*Result, len(results)),
		CheckedAt:  started.UTC(),
		DurationMs: float64(time.Since(started).Microseconds()) / 1000.0,
	}
	for i, result := range results {
		report.Checks[result.Name] = result
		switch result.Status {
		case StatusUnhealthy:
			if checks[i].Critical {
				report.Status = StatusUnhealthy
			} else if report.Status != StatusUnhealthy {
				report.Status = StatusDegraded
			}
		case StatusDegraded:
			if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
		}
	}
	return report
}

// Run executes a single check by name.
func (c *Checker) Run(ctx context.Context, name string) (*Result, error) {
	c.mu.RLock()
	var found *Check
	for i := range c.checks {
		if c.checks[i].Name == name {
			found = &c.checks[i]
			break
		}
	}
	c.mu.RUnlock()
	if found == nil {
		return nil, fmt.Errorf("unknown health check: %s", name)
	}
	return c.runOne(ctx, *found), nil
}

func (c *Checker) runOne(ctx context.Context, check Check) *Result {
	started := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := check.Func(checkCtx)
		done <- outcome{result, err}
	}()

	var result *Result
	select {
	case <-checkCtx.Done():
		result = &Result{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("Health check timed out after %gs", check.Timeout.Seconds()),
		}
	case o := <-done:
		switch {
		case o.err != nil:
			result = &Result{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("Health check failed: %v", o.err),
			}
		case o.result == nil:
			result = &Result{Status: StatusHealthy}
		default:
			result = o.result
		}
	}

	result.Name = check.Name
	result.CheckedAt = started.UTC()
	result.DurationMs = float64(time.Since(started).Microseconds()) / 1000.0

	if result.Status != StatusHealthy {
		c.logger.Warn("health check not healthy",
			"check", check.Name,
			"status", string(result.Status),
			"message", result.Message)
		if result.Status == StatusUnhealthy {
			c.events.Emit("health.check.failed", map[string]any{
				"check":       check.Name,
				"status":      string(result.Status),
				"message":     result.Message,
				"critical":    check.Critical,
				"duration_ms": result.DurationMs,
			}, nil)
		}
	}
	return result
}
