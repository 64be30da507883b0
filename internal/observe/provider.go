package observe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName is the service name reported in telemetry. Default: "framesync".
	ServiceName string

	// ServiceVersion is the service version reported in telemetry.
	ServiceVersion string

	// TraceExporter is an optional span exporter. When nil, spans are
	// recorded but not exported.
	TraceExporter sdktrace.SpanExporter

	// SetGlobal registers the providers as the OTel globals.
	SetGlobal bool
}

// Provider bundles the SDK providers and the Prometheus scrape handler.
type Provider struct {
	MeterProvider  *sdkmetric.MeterProvider
	TracerProvider *sdktrace.TracerProvider

	// Handler serves the Prometheus text exposition for /metrics.
	Handler http.Handler

	shutdownFuncs []func(context.Context) error
}

// InitProvider initialises the OTel SDK. Metrics are exported through a
// Prometheus registry private to the returned [Provider], together with the
// Go runtime and process collectors.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "framesync"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	promExp, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}

	p := &Provider{
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}

	p.MeterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	p.shutdownFuncs = append(p.shutdownFuncs, p.MeterProvider.Shutdown)

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	p.TracerProvider = sdktrace.NewTracerProvider(tpOpts...)
	p.shutdownFuncs = append(p.shutdownFuncs, p.TracerProvider.Shutdown)

	if cfg.SetGlobal {
		otel.SetMeterProvider(p.MeterProvider)
		otel.SetTracerProvider(p.TracerProvider)
	}
	return p, nil
}

// Shutdown flushes and closes both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdownFuncs {
		if e := fn(ctx); e != nil {
			errs = append(errs, e)
		}
	}
	return errors.Join(errs...)
}
