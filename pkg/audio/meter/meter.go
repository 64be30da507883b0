// Package meter provides a level-meter consumer node.
package meter

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/MrWong99/framesync/pkg/audio"
	"github.com/MrWong99/framesync/pkg/audio/node"
	"github.com/MrWong99/framesync/pkg/notify"
	"github.com/MrWong99/framesync/pkg/ringbuf"
)

var _ node.Consumer = (*Meter)(nil)

// Floor is the dBFS reported for digital silence.
const Floor = -120.0

// Level is one meter reading.
type Level struct {
	Node       string  `json:"node"`
	FrameCount int64   `json:"frame_count"`
	RMS        float64 `json:"rms"`
	Peak       float64 `json:"peak"`
	DBFS       float64 `json:"dbfs"`
}

// Measure computes the level of a 16-bit frame. Multi-channel frames are
// downmixed first.
func Measure(f audio.AudioFrame) (rms, peak, dbfs float64) {
	samples := audio.MonoFloats(f)
	if len(samples) == 0 {
		return 0, 0, Floor
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
		peak = math.Max(peak, math.Abs(v))
	}
	rms = math.Sqrt(sum / float64(len(samples)))
	return rms, peak, ToDBFS(rms)
}

// ToDBFS converts a linear amplitude to dBFS, bounded below by [Floor].
func ToDBFS(amplitude float64) float64 {
	if amplitude <= 0 {
		return Floor
	}
	return math.Max(20*math.Log10(amplitude), Floor)
}

// Option configures a [Meter].
type Option func(*Meter)

// WithPollInterval sets the worker timer period.
func WithPollInterval(d time.Duration) Option { return func(m *Meter) { m.poll = d } }

// WithTolerance sets how many frame counts the input frame may lag.
func WithTolerance(frames int64) Option { return func(m *Meter) { m.tolerance = frames } }

// WithLevelHook registers fn to receive every reading on the worker goroutine.
// fn must not block.
func WithLevelHook(fn func(Level)) Option { return func(m *Meter) { m.hook = fn } }

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(m *Meter) {
		if l != nil {
			m.logger = l
		}
	}
}

// Meter measures its single input once per frame count.
type Meter struct {
	name      string
	poll      time.Duration
	tolerance int64
	hook      func(Level)
	logger    *slog.Logger

	levels *notify.Broadcaster[Level]
	last   atomic.Pointer[Level]
	worker *node.Worker
}

// New creates a stopped meter.
func New(name string, clock node.FrameSource, opts ...Option) *Meter {
	m := &Meter{
		name:   name,
		poll:   node.DefaultPollInterval,
		logger: slog.Default(),
		levels: notify.New[Level](),
	}
	for _, o := range opts {
		o(m)
	}
	m.worker = node.NewWorker(name, clock,
		node.WithInputs(1),
		node.WithPollInterval(m.poll),
		node.WithTolerance(m.tolerance),
		node.WithProcessFunc(m.process),
		node.WithWorkerLogger(m.logger),
	)
	return m
}

// Name returns the node name.
func (m *Meter) Name() string { return m.name }

// Worker returns the underlying worker.
func (m *Meter) Worker() *node.Worker { return m.worker }

// NumInputs returns 1.
func (m *Meter) NumInputs() int { return 1 }

// SetInput connects the measured buffer.
func (m *Meter) SetInput(port int, buf *ringbuf.Buffer) error {
	return m.worker.SetInput(port, buf)
}

// DisconnectInput clears the input.
func (m *Meter) DisconnectInput(port int) { m.worker.DisconnectInput(port) }

// Start begins metering.
func (m *Meter) Start(ctx context.Context) { m.worker.Start(ctx) }

// Stop halts metering.
func (m *Meter) Stop() { m.worker.Stop() }

// Close stops the meter and closes all level subscriptions.
func (m *Meter) Close() error {
	m.worker.Stop()
	m.levels.Close()
	return nil
}

// Subscribe returns an advisory subscription to level readings.
func (m *Meter) Subscribe(buffer int) *notify.Subscription[Level] {
	return m.levels.Subscribe(buffer)
}

// Last returns the most recent reading. ok is false before the first one.
func (m *Meter) Last() (Level, bool) {
	l := m.last.Load()
	if l == nil {
		return Level{}, false
	}
	return *l, true
}

func (m *Meter) process(_ context.Context, count int64, frames []audio.AudioFrame, _ []bool) {
	rms, peak, dbfs := Measure(frames[0])
	l := Level{Node: m.name, FrameCount: count, RMS: rms, Peak: peak, DBFS: dbfs}
	m.last.Store(&l)
	if m.hook != nil {
		m.hook(l)
	}
	m.levels.Publish(l)
}
