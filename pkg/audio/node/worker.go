package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/framesync/pkg/audio"
	"github.com/MrWong99/framesync/pkg/ringbuf"
)

// DefaultPollInterval is shorter than one frame at every supported rate so a
// new frame count is picked up within a fraction of a frame.
const DefaultPollInterval = 15 * time.Millisecond

// State is the lifecycle state of a [Worker].
type State int32

const (
	StateIdle State = iota
	StateProcessing
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProcessing:
		return "processing"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ProcessFunc handles one frame count. frames[i] is the frame read from input
// i and is only meaningful when present[i] is true. It runs on the worker
// goroutine and must not retain the slices.
type ProcessFunc func(ctx context.Context, count int64, frames []audio.AudioFrame, present []bool)

// Stats holds cumulative worker counters.
type Stats struct {
	// Cycles counts calls to the process function.
	Cycles uint64
	// Skipped counts ticks where the frame count had not advanced.
	Skipped uint64
	// Incomplete counts new frame counts dropped for missing inputs.
	Incomplete uint64
}

// WorkerOption configures a [Worker].
type WorkerOption func(*Worker)

// WithPollInterval sets the timer period. Non-positive values are ignored.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithLatencyOffset sets the number of frames added to outgoing timestamps to
// account for this stage's processing delay.
func WithLatencyOffset(frames int64) WorkerOption {
	return func(w *Worker) {
		w.latencyOffset = frames
	}
}

// WithTolerance lets the worker accept an input frame up to frames counts
// older than the one being processed (or half that many newer) when no frame
// matches exactly. Zero, the default, requires exact timestamps.
func WithTolerance(frames int64) WorkerOption {
	return func(w *Worker) {
		w.tolerance = max(frames, 0)
	}
}

// WithInputs sets the number of input ports.
func WithInputs(n int) WorkerOption {
	return func(w *Worker) {
		w.inputs = make([]*ringbuf.Buffer, max(n, 0))
	}
}

// WithProcessFunc sets the per-count callback.
func WithProcessFunc(fn ProcessFunc) WorkerOption {
	return func(w *Worker) {
		w.process = fn
	}
}

// WithRequireAllInputs controls whether every input port must be connected
// and deliver a frame before the process function runs (the default). When
// false, one present input is enough.
func WithRequireAllInputs(all bool) WorkerOption {
	return func(w *Worker) {
		w.requireAll = all
	}
}

// WithWorkerLogger sets the logger. Defaults to [slog.Default].
func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// Worker is the reusable producer/consumer adapter: a goroutine that polls a
// [FrameSource] and, once per new frame count, gathers the matching frames
// from its inputs and hands them to a [ProcessFunc].
//
// A Worker with no inputs calls its process function once per frame count,
// which is how clock-driven producers are paced.
type Worker struct {
	name          string
	clock         FrameSource
	pollInterval  time.Duration
	latencyOffset int64
	tolerance     int64
	requireAll    bool
	process       ProcessFunc
	logger        *slog.Logger

	mu     sync.RWMutex
	inputs []*ringbuf.Buffer

	lifeMu sync.Mutex
	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}
	state  atomic.Int32

	cycles     atomic.Uint64
	skipped    atomic.Uint64
	incomplete atomic.Uint64
}

var _ Consumer = (*Worker)(nil)

// NewWorker creates an idle worker. Call [Worker.Start] to begin polling.
func NewWorker(name string, clock FrameSource, opts ...WorkerOption) *Worker {
	w := &Worker{
		name:         name,
		clock:        clock,
		pollInterval: DefaultPollInterval,
		requireAll:   true,
		logger:       slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	w.logger = w.logger.With("node", name)
	return w
}

// Name returns the worker name.
func (w *Worker) Name() string { return w.name }

// Tolerance returns the accepted timestamp drift in frames.
func (w *Worker) Tolerance() int64 { return w.tolerance }

// LatencyOffset returns the configured latency offset in frames.
func (w *Worker) LatencyOffset() int64 { return w.latencyOffset }

// Stamp returns the timestamp for a frame produced while processing count.
func (w *Worker) Stamp(count int64) int64 {
	return count + w.latencyOffset
}

// StampNow stamps against the current frame count. Push-driven producers
// (decoders, device callbacks) use it outside the polling loop.
func (w *Worker) StampNow() int64 {
	return w.Stamp(w.clock.CurrentFrameCount())
}

// NumInputs returns the number of input ports.
func (w *Worker) NumInputs() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.inputs)
}

// SetInput connects buf to an input port. The worker shares the pointer with
// the producer that owns it.
func (w *Worker) SetInput(port int, buf *ringbuf.Buffer) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if port < 0 || port >= len(w.inputs) {
		return fmt.Errorf("%w: %s input %d of %d", ErrPortOutOfRange, w.name, port, len(w.inputs))
	}
	w.inputs[port] = buf
	return nil
}

// DisconnectInput clears an input port. Out-of-range ports are ignored.
func (w *Worker) DisconnectInput(port int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if port >= 0 && port < len(w.inputs) {
		w.inputs[port] = nil
	}
}

// Input returns the buffer connected to port, or nil.
func (w *Worker) Input(port int) *ringbuf.Buffer {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if port < 0 || port >= len(w.inputs) {
		return nil
	}
	return w.inputs[port]
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Stats returns a snapshot of the worker counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Cycles:     w.cycles.Load(),
		Skipped:    w.skipped.Load(),
		Incomplete: w.incomplete.Load(),
	}
}

// Start moves the worker from Idle to Processing and launches its goroutine.
// The goroutine stops when ctx is cancelled or [Worker.Stop] is called.
// Calling Start while processing is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.lifeMu.Lock()
	defer w.lifeMu.Unlock()

	if w.State() == StateProcessing {
		if w.runCtx.Err() == nil {
			return
		}
		// The parent context ended; let the old loop finish first.
		<-w.done
	}
	ctx, cancel := context.WithCancel(ctx)
	w.runCtx = ctx
	w.cancel = cancel
	w.done = make(chan struct{})
	w.state.Store(int32(StateProcessing))

	go w.run(ctx, w.done)
	w.logger.Debug("worker started", "poll_interval", w.pollInterval, "latency_offset", w.latencyOffset)
}

// Stop moves the worker back to Idle and waits for its goroutine to exit.
// Stop is idempotent.
func (w *Worker) Stop() {
	w.lifeMu.Lock()
	defer w.lifeMu.Unlock()

	if w.State() == StateIdle {
		return
	}
	w.cancel()
	<-w.done
	w.state.Store(int32(StateIdle))
	w.logger.Debug("worker stopped", "cycles", w.cycles.Load())
}

// Close stops the worker. It always returns nil.
func (w *Worker) Close() error {
	w.Stop()
	return nil
}

func (w *Worker) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	// A cancelled parent context ends the loop without Stop; the worker
	// must read as idle so a later Start relaunches it.
	defer w.state.CompareAndSwap(int32(StateProcessing), int32(StateIdle))

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	last := int64(-1)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		count := w.clock.CurrentFrameCount()
		if count == last {
			w.skipped.Add(1)
			continue
		}
		last = count
		w.Tick(ctx, count)
	}
}

// Tick runs one processing cycle for count. The polling loop calls it once per
// new frame count; it is exported so owners can drive a worker manually.
// It reports whether the process function ran.
func (w *Worker) Tick(ctx context.Context, count int64) bool {
	w.mu.RLock()
	inputs := make([]*ringbuf.Buffer, len(w.inputs))
	copy(inputs, w.inputs)
	w.mu.RUnlock()

	frames := make([]audio.AudioFrame, len(inputs))
	present := make([]bool, len(inputs))
	found := 0
	for i, in := range inputs {
		if in == nil || !in.IsActive() {
			continue
		}
		if f, ok := in.NearestFrame(count, w.tolerance); ok {
			frames[i] = f
			present[i] = true
			found++
		}
	}

	if len(inputs) > 0 {
		if (w.requireAll && found < len(inputs)) || found == 0 {
			w.incomplete.Add(1)
			return false
		}
	}

	w.cycles.Add(1)
	if w.process != nil {
		w.process(ctx, count, frames, present)
	}
	return true
}
