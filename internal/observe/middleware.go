package observe

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// statusRecorder wraps [http.ResponseWriter] to capture the status code
// written by the downstream handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code and delegates to the wrapped writer.
func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("observe: response writer does not support hijacking")
	}
	r.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap exposes the wrapped writer to [http.ResponseController].
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	logger *slog.Logger
	quiet  map[string]bool
}

// WithQuietPaths logs completed requests for the given paths at debug level
// instead of info. Use it for probes and scrapes.
func WithQuietPaths(paths ...string) MiddlewareOption {
	return func(c *middlewareConfig) {
		for _, p := range paths {
			c.quiet[p] = true
		}
	}
}

// WithMiddlewareLogger sets the logger. Defaults to [slog.Default].
func WithMiddlewareLogger(l *slog.Logger) MiddlewareOption {
	return func(c *middlewareConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// Middleware returns an [http.Handler] wrapper that:
//
//  1. Extracts W3C Trace Context from incoming request headers (or starts a
//     new trace).
//  2. Starts a server span for the request.
//  3. Sets the X-Correlation-ID response header from the trace ID.
//  4. Records request duration to [Metrics.HTTPRequestDuration].
//  5. Logs request completion with status code and duration through a
//     logger carrying the trace and span IDs.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}
	cfg := &middlewareConfig{quiet: make(map[string]bool)}
	for _, o := range opts {
		o(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			r = r.WithContext(ctx)
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			duration := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("path", r.URL.Path),
				),
			)
			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))

			level := slog.LevelInfo
			if cfg.quiet[r.URL.Path] {
				level = slog.LevelDebug
			}
			log := Logger(ctx)
			if cfg.logger != nil {
				log = LoggerWith(ctx, cfg.logger)
			}
			log.LogAttrs(ctx, level, "request completed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", duration),
			)
		})
	}
}
