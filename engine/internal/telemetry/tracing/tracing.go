// Package tracing bridges OpenTelemetry span context into plain trace/span
// ID strings so the logging and events packages can enrich records without
// importing the OTEL SDK directly.
package tracing

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// ExtractIDs returns the active span's trace and span IDs, or empty strings
// if ctx carries no valid span context.
func ExtractIDs(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}

// NewTraceID mints a fresh trace identifier for callers that have no active
// span and were not handed one explicitly (e.g. a bare CLI invocation).
func NewTraceID() string {
	return uuid.NewString()
}

// Tracer starts spans for named operations. Kept as a narrow interface so
// callers needing only span creation don't have to depend on the otel API
// surface directly.
type Tracer interface {
	Start(ctx context.Context, name string) (context.Context, trace.Span)
}

type otelTracer struct {
	tracer trace.Tracer
}

// NewTracer returns a Tracer backed by a no-op OTEL tracer provider under
// the given instrumentation name.
func NewTracer(name string) Tracer {
	return &otelTracer{tracer: trace.NewNoopTracerProvider().Tracer(name)}
}

// NewTracerFromProvider allows callers (e.g. the service binary) to supply a
// configured TracerProvider instead of the no-op default.
func NewTracerFromProvider(p trace.TracerProvider, name string) Tracer {
	return &otelTracer{tracer: p.Tracer(name)}
}

func (t *otelTracer) Start(ctx context.Context, name string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name)
}

// TraceIDFromSpan resolves the trace ID to use for a persisted envelope: the
// active span's trace ID if tracing produced one, else the supplied
// fallback (an operator-provided or generated trace ID).
func TraceIDFromSpan(ctx context.Context, fallback string) string {
	if id, _ := ExtractIDs(ctx); id != "" {
		return id
	}
	return fallback
}
