package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newTestTracerProvider returns a TracerProvider with an in-memory exporter
// installed as the global provider for the duration of the test.
func newTestTracerProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return tp, exp
}

func TestCorrelationID_EmptyByDefault(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
}

func TestStartSpan_CreatesSpan(t *testing.T) {
	_, exp := newTestTracerProvider(t)

	ctx, span := StartSpan(context.Background(), "test-op")
	cid := CorrelationID(ctx)
	if len(cid) != 32 {
		t.Errorf("correlation ID length = %d, want 32", len(cid))
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "test-op" {
		t.Fatalf("spans = %+v", spans)
	}
}

func TestStartNodeSpan_Attributes(t *testing.T) {
	_, exp := newTestTracerProvider(t)

	_, span := StartNodeSpan(context.Background(), "graph.build", "mix", "mixer")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	want := map[string]string{"framesync.node": "mix", "framesync.kind": "mixer"}
	for _, kv := range spans[0].Attributes {
		if v, ok := want[string(kv.Key)]; ok {
			if kv.Value.AsString() != v {
				t.Errorf("%s = %q, want %q", kv.Key, kv.Value.AsString(), v)
			}
			delete(want, string(kv.Key))
		}
	}
	if len(want) != 0 {
		t.Errorf("missing attributes: %v", want)
	}
}

func TestLoggerWith(t *testing.T) {
	tp, _ := newTestTracerProvider(t)

	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	LoggerWith(context.Background(), base).Info("no span")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log output should not contain trace_id, got: %s", buf.String())
	}

	buf.Reset()
	ctx, span := tp.Tracer("test").Start(context.Background(), "log-test")
	defer span.End()
	LoggerWith(ctx, base).Info("with span")
	logged := buf.String()
	if !strings.Contains(logged, "trace_id="+CorrelationID(ctx)) {
		t.Errorf("log output missing trace_id, got: %s", logged)
	}
	if !strings.Contains(logged, "span_id=") {
		t.Errorf("log output missing span_id, got: %s", logged)
	}
}

func TestLogger_UsesDefault(t *testing.T) {
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	Logger(context.Background()).Info("hello")
	if !strings.Contains(buf.String(), "hello") {
		t.Errorf("default logger not used, got: %s", buf.String())
	}
}
