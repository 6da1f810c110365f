package otel

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/propagation"
)

// InjectHeaders writes the current trace context into outbound HTTP headers
// as W3C traceparent/baggage, so backend requests made inside a tool span
// join the same trace. No-op when tracing is disabled.
func InjectHeaders(ctx context.Context, headers http.Header, tracer *Tracer) {
	if tracer == nil || !tracer.Enabled() {
		return
	}
	tracer.Propagator().Inject(ctx, propagation.HeaderCarrier(headers))
}
