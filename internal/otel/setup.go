package otel

import (
	"context"

	"github.com/veris-memory/veris-mcp-go/internal/config"
)

// FromConfig builds the metrics and tracer instances from the server
// configuration. Disabled or unset exporters come back as no-ops, never as
// errors.
func FromConfig(ctx context.Context, cfg config.OtelConfig, serviceName, serviceVersion string) (*Metrics, *Tracer, error) {
	metricsExporter := ExporterType(cfg.MetricsExporter)
	if metricsExporter == "" {
		metricsExporter = ExporterNone
	}
	tracesExporter := ExporterType(cfg.TracesExporter)
	if tracesExporter == "" {
		tracesExporter = ExporterNone
	}
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}

	metrics, err := NewMetrics(ctx, &MetricsConfig{
		Enabled:        cfg.MetricsEnabled,
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		ExporterType:   metricsExporter,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		OTLPInsecure:   cfg.OTLPInsecure,
	})
	if err != nil {
		return nil, nil, err
	}

	tracer, err := NewTracer(ctx, &Config{
		Enabled:        cfg.TracesEnabled,
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		ExporterType:   tracesExporter,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		OTLPInsecure:   cfg.OTLPInsecure,
		SampleRate:     sampleRate,
	})
	if err != nil {
		_ = metrics.Shutdown(ctx)
		return nil, nil, err
	}

	return metrics, tracer, nil
}
