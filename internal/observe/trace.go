package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the framesync tracer.
const tracerName = "github.com/MrWong99/framesync"

// Tracer returns the package-level [trace.Tracer]. It uses the globally
// registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartNodeSpan starts a span for a graph operation on one node, e.g.
// StartNodeSpan(ctx, "graph.build", "mix", "mixer").
func StartNodeSpan(ctx context.Context, op, node, kind string) (context.Context, trace.Span) {
	return StartSpan(ctx, op, trace.WithAttributes(
		attribute.String("framesync.node", node),
		attribute.String("framesync.kind", kind),
	))
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns [slog.Default] enriched with the trace of ctx. See
// [LoggerWith].
func Logger(ctx context.Context) *slog.Logger {
	return LoggerWith(ctx, slog.Default())
}

// LoggerWith returns base enriched with trace_id and span_id from the span
// context in ctx, or base itself when ctx carries no span.
func LoggerWith(ctx context.Context, base *slog.Logger) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return base
	}
	return base.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
