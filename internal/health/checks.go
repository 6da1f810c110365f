package health

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/veris-memory/veris-mcp-go/internal/cache"
)

// backendProbe is the slice of the backend the connection check needs.
type backendProbe interface {
	Connected() bool
	ListContextTypes(ctx context.Context) ([]string, error)
}

// VerisConnectionCheck probes the upstream Veris Memory API. It is the one
// critical check: the server is useless without its backend.
func VerisConnectionCheck(backend backendProbe) Check {
	return Check{
		Name:     "veris_connection",
		Timeout:  10 * time.Second,
		Critical: true,
		Func: func(ctx context.Context) (*Result, error) {
			if !backend.Connected() {
				return &Result{
					Status:  StatusUnhealthy,
					Message: "Not connected to Veris Memory API",
					Details: map[string]any{"connected": false},
				}, nil
			}
			types, err := backend.ListContextTypes(ctx)
			if err != nil {
				return nil, err
			}
			return &Result{
				Status:  StatusHealthy,
				Message: "Veris Memory API connection is healthy",
				Details: map[string]any{
					"connected":           true,
					"context_types_count": len(types),
				},
			}, nil
		},
	}
}

// CacheCheck reports cache pressure. High utilization means the LRU is
// evicting live entries, which shows up as upstream load.
func CacheCheck(c *cache.Cache) Check {
	return Check{
		Name:    "cache",
		Timeout: 2 * time.Second,
		Func: func(ctx context.Context) (*Result, error) {
			utilization := c.Utilization()
			stats := c.Stats()
			details := map[string]any{
				"utilization":  utilization,
				"active_items": stats.ActiveItems,
				"max_size":     stats.MaxSize,
				"evictions":    stats.Evictions,
			}
			if utilization > 0.9 {
				return &Result{
					Status:  StatusDegraded,
					Message: "Cache utilization is high",
					Details: details,
				}, nil
			}
			return &Result{
				Status:  StatusHealthy,
				Message: "Cache system is healthy",
				Details: details,
			}, nil
		},
	}
}

// SystemResourcesCheck samples host memory and CPU via gopsutil.
func SystemResourcesCheck() Check {
	return Check{
		Name:    "system_resources",
		Timeout: 5 * time.Second,
		Func: func(ctx context.Context) (*Result, error) {
			vm, err := mem.VirtualMemoryWithContext(ctx)
			if err != nil {
				return nil, err
			}
			cpuPercents, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false)
			if err != nil {
				return nil, err
			}
			cpuPercent := 0.0
			if len(cpuPercents) > 0 {
				cpuPercent = cpuPercents[0]
			}

			details := map[string]any{
				"memory_used_percent": vm.UsedPercent,
				"memory_available_mb": vm.Available / (1 << 20),
				"cpu_percent":         cpuPercent,
			}
			switch {
			case vm.UsedPercent > 95 || cpuPercent > 95:
				return &Result{
					Status:  StatusUnhealthy,
					Message: "System resources critically low",
					Details: details,
				}, nil
			case vm.UsedPercent > 85 || cpuPercent > 85:
				return &Result{
					Status:  StatusDegraded,
					Message: "System resources under pressure",
					Details: details,
				}, nil
			default:
				return &Result{
					Status:  StatusHealthy,
					Message: "System resources are healthy",
					Details: details,
				}, nil
			}
		},
	}
}
