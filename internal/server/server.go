// Package server wires the MCP server together: backend client, cache,
// webhook manager, metrics collector, streaming engine, health checks, the
// protocol engine, and the stdio transport.
package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/veris-memory/veris-mcp-go/internal/analytics"
	"github.com/veris-memory/veris-mcp-go/internal/cache"
	"github.com/veris-memory/veris-mcp-go/internal/client"
	"github.com/veris-memory/veris-mcp-go/internal/config"
	"github.com/veris-memory/veris-mcp-go/internal/health"
	"github.com/veris-memory/veris-mcp-go/internal/otel"
	"github.com/veris-memory/veris-mcp-go/internal/protocol"
	"github.com/veris-memory/veris-mcp-go/internal/streaming"
	"github.com/veris-memory/veris-mcp-go/internal/tools"
	"github.com/veris-memory/veris-mcp-go/internal/transport"
	"github.com/veris-memory/veris-mcp-go/internal/webhooks"
)

// Server identity reported in the initialize handshake.
const (
	Name    = "veris-memory-mcp-server"
	Version = "0.1.0"
)

// defaultCacheSize bounds the LRU entry count.
const defaultCacheSize = 1000

// healthInterval is how often the background health sweep runs.
const healthInterval = 60 * time.Second

// Server owns every long-lived component and their start/stop ordering.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	client    *client.Client
	backend   tools.Backend
	cache     *cache.Cache
	manager   *webhooks.Manager
	collector *analytics.Collector
	streams   *streaming.Engine
	checker   *health.Checker
	engine    *protocol.Engine
	metrics   *otel.Metrics
	tracer    *otel.Tracer

	emitter tools.Emitter

	started atomic.Bool
	stopped atomic.Bool
}

// New builds a fully wired but not yet connected server.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger}

	metrics, tracer, err := otel.FromConfig(ctx, cfg.Otel, Name, Version)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}
	s.metrics = metrics
	s.tracer = tracer

	s.client = client.New(cfg.VerisMemory, logger.With("component", "client"))
	s.client.SetTracer(tracer)
	s.backend = s.client
	if cfg.Server.CacheEnabled {
		s.cache = cache.New(defaultCacheSize)
		s.backend = cache.NewCachedClient(s.client, s.cache)
	}

	s.emitter = tools.NoopEmitter{}
	if cfg.Webhooks.Enabled {
		s.manager = webhooks.NewManager(cfg.Webhooks, logger.With("component", "webhooks"))
		s.emitter = s.manager
	}

	if cfg.Analytics.Enabled {
		s.collector = analytics.NewCollector(cfg.Analytics, logger.With("component", "analytics"))
	}

	s.streams = streaming.NewEngine(s.backend, cfg.Streaming, s.emitter, logger.With("component", "streaming"))

	s.checker = health.NewChecker(logger.With("component", "health"), s.emitter)
	s.checker.Register(health.VerisConnectionCheck(s.client))
	if s.cache != nil {
		s.checker.Register(health.CacheCheck(s.cache))
	}
	s.checker.Register(health.SystemResourcesCheck())

	s.engine = protocol.NewEngine(
		transport.ServerInfo{Name: Name, Version: Version},
		s.runTool,
		logger.With("component", "protocol"),
	)
	s.registerTools()

	return s, nil
}

// registerTools adds every enabled tool in the canonical listing order.
func (s *Server) registerTools() {
	register := func(name string, build func(tc config.ToolConfig) tools.Tool) {
		tc := s.cfg.Tool(name)
		if !tc.Enabled {
			s.logger.Info("tool disabled by configuration", "tool", name)
			return
		}
		s.engine.Register(build(tc))
	}

	register("store_context", func(tc config.ToolConfig) tools.Tool {
		return tools.NewStoreContextTool(s.backend, tc, s.emitter)
	})
	register("retrieve_context", func(tc config.ToolConfig) tools.Tool {
		return tools.NewRetrieveContextTool(s.backend, tc, s.emitter)
	})
	register("search_context", func(tc config.ToolConfig) tools.Tool {
		return tools.NewSearchContextTool(s.backend, tc, s.emitter)
	})
	register("delete_context", func(tc config.ToolConfig) tools.Tool {
		return tools.NewDeleteContextTool(s.backend, tc, s.emitter)
	})
	register("list_context_types", func(tc config.ToolConfig) tools.Tool {
		return tools.NewListContextTypesTool(s.backend, tc)
	})
	register("upsert_fact", func(tc config.ToolConfig) tools.Tool {
		return tools.NewUpsertFactTool(s.backend, tc, s.emitter)
	})
	register("get_user_facts", func(tc config.ToolConfig) tools.Tool {
		return tools.NewGetUserFactsTool(s.backend, tc)
	})
	register("forget_context", func(tc config.ToolConfig) tools.Tool {
		return tools.NewForgetContextTool(s.backend, tc, s.emitter)
	})
	register("query_graph", func(tc config.ToolConfig) tools.Tool {
		return tools.NewQueryGraphTool(s.backend, tc)
	})
	register("update_scratchpad", func(tc config.ToolConfig) tools.Tool {
		return tools.NewUpdateScratchpadTool(s.backend, tc)
	})
	register("get_agent_state", func(tc config.ToolConfig) tools.Tool {
		return tools.NewGetAgentStateTool(s.backend, tc)
	})
	register("streaming_search", func(tc config.ToolConfig) tools.Tool {
		return streaming.NewSearchTool(s.streams, tc)
	})
	register("batch_operations", func(tc config.ToolConfig) tools.Tool {
		return streaming.NewBatchTool(s.streams, tc, s.emitter)
	})
	register("analytics", func(tc config.ToolConfig) tools.Tool {
		return analytics.NewAnalyticsTool(s.backend, s.collector, s.cfg.Analytics)
	})
	register("metrics", func(tc config.ToolConfig) tools.Tool {
		return analytics.NewMetricsTool(s.backend, s.collector)
	})
	if s.manager != nil {
		register("webhook_management", func(tc config.ToolConfig) tools.Tool {
			return webhooks.NewManagementTool(s.manager)
		})
		register("event_notification", func(tc config.ToolConfig) tools.Tool {
			return webhooks.NewNotificationTool(s.manager)
		})
	}
}

// Engine exposes the protocol engine, mainly for tests.
func (s *Server) Engine() *protocol.Engine { return s.engine }

// Health runs one health sweep.
func (s *Server) Health(ctx context.Context) *health.Report {
	return s.checker.RunAll(ctx)
}

// runTool is the instrumented executor installed into the protocol engine.
func (s *Server) runTool(ctx context.Context, t tools.Tool, args map[string]any) (*tools.Result, error) {
	ctx, span := s.tracer.StartToolSpan(ctx, otel.ToolSpanOptions{
		ToolName: t.Name(),
		UserID:   s.client.UserID(),
	})
	defer span.End()

	var opID string
	if s.collector != nil {
		opID = s.collector.StartOperation(t.Name(), map[string]string{"tool": t.Name()})
	}

	started := time.Now()
	result := tools.Run(ctx, t, args)
	latencyMs := float64(time.Since(started).Microseconds()) / 1000.0
	success := !result.IsError

	s.metrics.RecordToolLatency(ctx, t.Name(), latencyMs, success)
	if !success {
		s.metrics.RecordError(ctx, "tool_error")
	}
	if opID != "" {
		errorType := ""
		if !success {
			errorType = "tool_error"
		}
		s.collector.CompleteOperation(opID, success, errorType)
	}

	s.logger.Debug("tool call completed",
		"tool", t.Name(),
		"success", success,
		"latency_ms", latencyMs)
	return result, nil
}

// Start connects the backend and launches the background components. It
// does not serve the transport; Run does both.
func (s *Server) Start(ctx context.Context) error {
	if s.started.Swap(true) {
		return nil
	}

	if err := s.client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to Veris Memory API: %w", err)
	}
	if s.collector != nil {
		if err := s.collector.Start(ctx); err != nil {
			return fmt.Errorf("start metrics collector: %w", err)
		}
	}
	if s.manager != nil {
		if err := s.manager.Start(ctx); err != nil {
			return fmt.Errorf("start webhook manager: %w", err)
		}
	}

	report := s.checker.RunAll(ctx)
	if report.Status != health.StatusHealthy {
		s.logger.Warn("startup health sweep not healthy", "status", string(report.Status))
	}

	s.emitter.Emit("server.started", map[string]any{
		"server_name":    Name,
		"server_version": Version,
		"tools":          s.engine.ToolNames(),
		"health_status":  string(report.Status),
	}, nil)
	s.logger.Info("server started",
		"name", Name,
		"version", Version,
		"tools", len(s.engine.ToolNames()))
	return nil
}

// Run starts the server and serves MCP over the given streams until the
// input closes or ctx is cancelled, then shuts everything down.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.healthLoop(serveCtx)

	stdio := transport.NewStdio(r, w, s.cfg.Server.MaxConcurrentRequests, s.logger.With("component", "transport"))
	serveErr := stdio.Serve(serveCtx, s.engine)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer shutdownCancel()
	if err := s.Stop(shutdownCtx); err != nil {
		s.logger.Error("shutdown failed", "error", err)
	}
	if serveErr != nil && ctx.Err() == nil {
		return serveErr
	}
	return nil
}

// Stop tears the components down in reverse start order.
func (s *Server) Stop(ctx context.Context) error {
	if s.stopped.Swap(true) {
		return nil
	}

	s.emitter.Emit("server.stopping", map[string]any{
		"server_name": Name,
	}, nil)

	var firstErr error
	if s.manager != nil {
		if err := s.manager.Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop webhook manager: %w", err)
		}
	}
	if s.collector != nil {
		if err := s.collector.Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop metrics collector: %w", err)
		}
	}
	s.client.Disconnect()

	if err := s.tracer.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("shutdown tracer: %w", err)
	}
	if err := s.metrics.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("shutdown metrics: %w", err)
	}

	s.logger.Info("server stopped")
	return firstErr
}

// healthLoop runs the periodic background health sweep. Failures surface
// through the checker's health.check.failed events.
func (s *Server) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checker.RunAll(ctx)
		}
	}
}
