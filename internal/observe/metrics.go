// Package observe provides application-wide observability primitives for
// framesync: OpenTelemetry metrics, tracing, trace-aware logging and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported in
// Prometheus format via [InitProvider]. Hot-path state (buffer and worker
// counters) is never recorded per frame; it is read at collection time from a
// [Snapshot] callback registered with [Metrics.Observe]. Tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all framesync metrics.
const meterName = "github.com/MrWong99/framesync"

// Metrics holds all OpenTelemetry metric instruments for the application.
type Metrics struct {
	meter metric.Meter

	// --- Clock ---

	// ClockTicks counts frame clock ticks.
	ClockTicks metric.Int64Counter

	// TickLateness tracks how far each tick fired after its deadline.
	TickLateness metric.Float64Histogram

	// ClockResets counts frame count resets.
	ClockResets metric.Int64Counter

	// --- Nodes ---

	// MeterLevel tracks meter readings in dBFS. Use with attribute:
	//   attribute.String("node", ...)
	MeterLevel metric.Float64Histogram

	// IngestPackets counts packets received over the ingest endpoint. Use
	// with attributes:
	//   attribute.String("node", ...), attribute.String("status", ...)
	IngestPackets metric.Int64Counter

	// --- Monitor ---

	// MonitorClients tracks connected telemetry clients.
	MonitorClients metric.Int64UpDownCounter

	// MonitorDrops counts telemetry events dropped for slow clients.
	MonitorDrops metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// Observable instruments, fed by Observe.
	frameCount    metric.Int64ObservableGauge
	usedRatio     metric.Float64ObservableGauge
	bufferOps     metric.Int64ObservableCounter
	workerCycles  metric.Int64ObservableCounter
	decoderEvents metric.Int64ObservableCounter
}

// latenessBuckets are histogram boundaries in seconds for tick lateness.
var latenessBuckets = []float64{
	0.0005, 0.001, 0.002, 0.005, 0.01, 0.02, 0.05, 0.1,
}

// levelBuckets are histogram boundaries in dBFS.
var levelBuckets = []float64{
	-96, -72, -60, -48, -36, -24, -18, -12, -6, -3, 0,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	// Clock.
	if met.ClockTicks, err = m.Int64Counter("framesync.clock.ticks",
		metric.WithDescription("Total frame clock ticks."),
	); err != nil {
		return nil, err
	}
	if met.TickLateness, err = m.Float64Histogram("framesync.clock.tick_lateness",
		metric.WithDescription("Delay between a tick's deadline and when it fired."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latenessBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ClockResets, err = m.Int64Counter("framesync.clock.resets",
		metric.WithDescription("Total frame count resets."),
	); err != nil {
		return nil, err
	}

	// Nodes.
	if met.MeterLevel, err = m.Float64Histogram("framesync.meter.level",
		metric.WithDescription("Level meter readings by node."),
		metric.WithUnit("dBFS"),
		metric.WithExplicitBucketBoundaries(levelBuckets...),
	); err != nil {
		return nil, err
	}
	if met.IngestPackets, err = m.Int64Counter("framesync.ingest.packets",
		metric.WithDescription("Packets received for decoder nodes by node and status."),
	); err != nil {
		return nil, err
	}

	// Monitor.
	if met.MonitorClients, err = m.Int64UpDownCounter("framesync.monitor.clients",
		metric.WithDescription("Number of connected telemetry clients."),
	); err != nil {
		return nil, err
	}
	if met.MonitorDrops, err = m.Int64Counter("framesync.monitor.drops",
		metric.WithDescription("Telemetry events dropped for slow clients."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("framesync.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Observables.
	if met.frameCount, err = m.Int64ObservableGauge("framesync.clock.frame_count",
		metric.WithDescription("Current frame count."),
	); err != nil {
		return nil, err
	}
	if met.usedRatio, err = m.Float64ObservableGauge("framesync.buffer.used_ratio",
		metric.WithDescription("Fraction of ring buffer slots holding a frame, by buffer."),
	); err != nil {
		return nil, err
	}
	if met.bufferOps, err = m.Int64ObservableCounter("framesync.buffer.operations",
		metric.WithDescription("Ring buffer operations by buffer and op (push, reject, hit, miss, evict)."),
	); err != nil {
		return nil, err
	}
	if met.workerCycles, err = m.Int64ObservableCounter("framesync.worker.cycles",
		metric.WithDescription("Consumer worker ticks by node and outcome (processed, skipped, incomplete)."),
	); err != nil {
		return nil, err
	}
	if met.decoderEvents, err = m.Int64ObservableCounter("framesync.decoder.events",
		metric.WithDescription("Opus decoder events by node and event (packet, drop, error, frame)."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTick records one clock tick and its lateness in seconds.
func (m *Metrics) RecordTick(ctx context.Context, lateness float64) {
	m.ClockTicks.Add(ctx, 1)
	m.TickLateness.Record(ctx, max(lateness, 0))
}

// RecordLevel records a meter reading.
func (m *Metrics) RecordLevel(ctx context.Context, node string, dbfs float64) {
	m.MeterLevel.Record(ctx, dbfs, metric.WithAttributes(attribute.String("node", node)))
}

// RecordIngest records one packet offered to a decoder node.
func (m *Metrics) RecordIngest(ctx context.Context, node string, accepted bool) {
	status := "ok"
	if !accepted {
		status = "dropped"
	}
	m.IngestPackets.Add(ctx, 1, metric.WithAttributes(
		attribute.String("node", node),
		attribute.String("status", status),
	))
}

// BufferSnapshot is the collected state of one ring buffer.
type BufferSnapshot struct {
	Name      string
	UsedRatio float64
	Pushes    uint64
	Rejected  uint64
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// WorkerSnapshot is the collected state of one consumer worker.
type WorkerSnapshot struct {
	Node       string
	Cycles     uint64
	Skipped    uint64
	Incomplete uint64
}

// DecoderSnapshot is the collected state of one Opus decoder.
type DecoderSnapshot struct {
	Node         string
	Packets      uint64
	Dropped      uint64
	DecodeErrors uint64
	Frames       uint64
}

// Snapshot is a point-in-time view of the running graph.
type Snapshot struct {
	FrameCount int64
	Buffers    []BufferSnapshot
	Workers    []WorkerSnapshot
	Decoders   []DecoderSnapshot
}

// Observe registers fn to be called on every metric collection. Unregister
// the returned registration when the graph it reads goes away.
func (m *Metrics) Observe(fn func() Snapshot) (metric.Registration, error) {
	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := fn()
		o.ObserveInt64(m.frameCount, s.FrameCount)
		for _, b := range s.Buffers {
			name := attribute.String("buffer", b.Name)
			o.ObserveFloat64(m.usedRatio, b.UsedRatio, metric.WithAttributes(name))
			observeOps(o, m.bufferOps, "op", []attribute.KeyValue{name}, map[string]uint64{
				"push":   b.Pushes,
				"reject": b.Rejected,
				"hit":    b.Hits,
				"miss":   b.Misses,
				"evict":  b.Evictions,
			})
		}
		for _, w := range s.Workers {
			observeOps(o, m.workerCycles, "outcome", []attribute.KeyValue{attribute.String("node", w.Node)}, map[string]uint64{
				"processed":  w.Cycles,
				"skipped":    w.Skipped,
				"incomplete": w.Incomplete,
			})
		}
		for _, d := range s.Decoders {
			observeOps(o, m.decoderEvents, "event", []attribute.KeyValue{attribute.String("node", d.Node)}, map[string]uint64{
				"packet": d.Packets,
				"drop":   d.Dropped,
				"error":  d.DecodeErrors,
				"frame":  d.Frames,
			})
		}
		return nil
	}, m.frameCount, m.usedRatio, m.bufferOps, m.workerCycles, m.decoderEvents)
}

func observeOps(o metric.Observer, inst metric.Int64Observable, key string, base []attribute.KeyValue, values map[string]uint64) {
	for label, v := range values {
		attrs := append(base[:len(base):len(base)], attribute.String(key, label))
		o.ObserveInt64(inst, int64(v), metric.WithAttributes(attrs...))
	}
}
