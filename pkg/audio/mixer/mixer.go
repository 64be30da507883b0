// Package mixer provides a matrix mixer node: N mono inputs routed to M mono
// outputs through a gain matrix.
package mixer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/framesync/pkg/audio"
	"github.com/MrWong99/framesync/pkg/audio/node"
	"github.com/MrWong99/framesync/pkg/ringbuf"
)

// Compile-time interface assertions.
var (
	_ node.Producer = (*Mixer)(nil)
	_ node.Consumer = (*Mixer)(nil)
)

// DefaultLatencyOffset is the number of frames added to outgoing timestamps.
const DefaultLatencyOffset = 2

// ErrMatrixShape is returned when a gain matrix does not match the mixer's
// input and output counts.
var ErrMatrixShape = errors.New("mixer: matrix shape mismatch")

// Matrix holds linear gains indexed [input][output].
type Matrix [][]float64

// Identity returns an inputs×outputs matrix routing input i to output i at
// unity gain.
func Identity(inputs, outputs int) Matrix {
	m := make(Matrix, inputs)
	for i := range m {
		m[i] = make([]float64, outputs)
		if i < outputs {
			m[i][i] = 1
		}
	}
	return m
}

// Check reports whether m has exactly inputs rows of outputs columns.
func (m Matrix) Check(inputs, outputs int) error {
	if len(m) != inputs {
		return fmt.Errorf("%w: %d rows, want %d", ErrMatrixShape, len(m), inputs)
	}
	for i, row := range m {
		if len(row) != outputs {
			return fmt.Errorf("%w: row %d has %d columns, want %d", ErrMatrixShape, i, len(row), outputs)
		}
	}
	return nil
}

// Clone returns a deep copy of m.
func (m Matrix) Clone() Matrix {
	out := make(Matrix, len(m))
	for i, row := range m {
		out[i] = append([]float64(nil), row...)
	}
	return out
}

// Option configures a [Mixer] during construction.
type Option func(*Mixer)

// WithMatrix sets the initial gain matrix. It is checked by [New].
func WithMatrix(m Matrix) Option {
	return func(x *Mixer) {
		x.matrix = m.Clone()
	}
}

// WithLatencyOffset overrides [DefaultLatencyOffset].
func WithLatencyOffset(frames int64) Option {
	return func(x *Mixer) {
		x.offset = frames
	}
}

// WithTolerance sets how many frame counts an input frame may lag and still
// be mixed. See [node.WithTolerance].
func WithTolerance(frames int64) Option {
	return func(x *Mixer) {
		x.tolerance = frames
	}
}

// WithCapacity sets the slot count of each output buffer.
func WithCapacity(n int) Option {
	return func(x *Mixer) {
		x.capacity = n
	}
}

// WithPollInterval sets the worker timer period.
func WithPollInterval(d time.Duration) Option {
	return func(x *Mixer) {
		x.poll = d
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(x *Mixer) {
		if l != nil {
			x.logger = l
		}
	}
}

// Mixer is a consumer of N mono inputs and a producer of M mono outputs.
//
// Every frame count for which at least one input delivers a frame, each
// output is computed as the gain-weighted sum of the inputs, clamped to
// [-1, 1] and written as 16-bit PCM. Missing inputs count as silence. The
// frame length is that of the longest present input; shorter inputs are
// zero-padded.
//
// The gain matrix can be replaced at any time with [Mixer.SetMatrix]; the
// next cycle uses the new gains.
type Mixer struct {
	name      string
	inputs    int
	offset    int64
	tolerance int64
	capacity  int
	poll      time.Duration
	logger    *slog.Logger

	mu     sync.RWMutex
	matrix Matrix

	outputs *ringbuf.Set
	worker  *node.Worker
}

// New creates a stopped mixer with the given port counts. Without
// [WithMatrix] the mixer starts with [Identity].
func New(name string, clock node.FrameSource, inputs, outputs int, opts ...Option) (*Mixer, error) {
	if inputs <= 0 || outputs <= 0 {
		return nil, fmt.Errorf("mixer: new %s: need at least one input and one output, got %d×%d", name, inputs, outputs)
	}
	m := &Mixer{
		name:     name,
		inputs:   inputs,
		offset:   DefaultLatencyOffset,
		capacity: ringbuf.DefaultCapacity,
		poll:     node.DefaultPollInterval,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.matrix == nil {
		m.matrix = Identity(inputs, outputs)
	}
	if err := m.matrix.Check(inputs, outputs); err != nil {
		return nil, fmt.Errorf("mixer: new %s: %w", name, err)
	}

	m.outputs = ringbuf.NewSet(name, outputs, m.capacity)
	m.worker = node.NewWorker(name, clock,
		node.WithInputs(inputs),
		node.WithRequireAllInputs(false),
		node.WithPollInterval(m.poll),
		node.WithLatencyOffset(m.offset),
		node.WithTolerance(m.tolerance),
		node.WithProcessFunc(m.process),
		node.WithWorkerLogger(m.logger),
	)
	return m, nil
}

// Name returns the node name.
func (m *Mixer) Name() string { return m.name }

// Outputs returns the per-channel output buffers.
func (m *Mixer) Outputs() []*ringbuf.Buffer { return m.outputs.Buffers() }

// Output returns one output buffer, or nil.
func (m *Mixer) Output(port int) *ringbuf.Buffer { return m.outputs.Channel(port) }

// Set returns the output buffer set.
func (m *Mixer) Set() *ringbuf.Set { return m.outputs }

// Worker returns the underlying worker.
func (m *Mixer) Worker() *node.Worker { return m.worker }

// NumInputs returns the number of input ports.
func (m *Mixer) NumInputs() int { return m.inputs }

// SetInput connects an upstream buffer.
func (m *Mixer) SetInput(port int, buf *ringbuf.Buffer) error {
	return m.worker.SetInput(port, buf)
}

// DisconnectInput clears an input port.
func (m *Mixer) DisconnectInput(port int) { m.worker.DisconnectInput(port) }

// Start begins mixing.
func (m *Mixer) Start(ctx context.Context) { m.worker.Start(ctx) }

// Stop halts mixing.
func (m *Mixer) Stop() { m.worker.Stop() }

// Close stops the mixer. Close is idempotent and returns nil.
func (m *Mixer) Close() error { return m.worker.Close() }

// SetMatrix replaces the gain matrix. The new matrix must have the same shape.
func (m *Mixer) SetMatrix(mat Matrix) error {
	if err := mat.Check(m.inputs, m.outputs.Len()); err != nil {
		return fmt.Errorf("mixer: set matrix %s: %w", m.name, err)
	}
	m.mu.Lock()
	m.matrix = mat.Clone()
	m.mu.Unlock()
	m.logger.Info("mixer matrix updated", "node", m.name)
	return nil
}

// Matrix returns a copy of the current gain matrix.
func (m *Mixer) Matrix() Matrix {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.matrix.Clone()
}

func (m *Mixer) process(_ context.Context, count int64, frames []audio.AudioFrame, present []bool) {
	out := m.Mix(m.worker.Stamp(count), frames, present)
	for i, f := range out {
		m.outputs.Push(i, f)
	}
}

// Mix computes one output frame per output channel from the given inputs and
// stamps them with ts. It returns nil when no input is present.
func (m *Mixer) Mix(ts int64, frames []audio.AudioFrame, present []bool) []audio.AudioFrame {
	samples, sampleRate, found := 0, 0, false
	in := make([][]int16, len(frames))
	for i := range frames {
		if !present[i] {
			continue
		}
		in[i] = audio.BytesToInt16s(frames[i].Data)
		if !found {
			sampleRate = frames[i].SampleRate
			found = true
		}
		samples = max(samples, len(in[i]))
	}
	if !found {
		return nil
	}

	m.mu.RLock()
	gains := m.matrix
	m.mu.RUnlock()

	outputs := m.outputs.Len()
	out := make([]audio.AudioFrame, outputs)
	acc := make([]float32, samples)
	for o := range outputs {
		clear(acc)
		for i, pcm := range in {
			if i >= len(gains) {
				break
			}
			g := float32(gains[i][o])
			if g == 0 || pcm == nil {
				continue
			}
			for s, v := range pcm {
				acc[s] += audio.Int16ToFloat(v) * g
			}
		}
		pcm := make([]int16, samples)
		for s, v := range acc {
			pcm[s] = audio.FloatToInt16(v)
		}
		out[o] = audio.AudioFrame{
			Data:          audio.Int16sToBytes(pcm),
			SampleRate:    sampleRate,
			Channels:      1,
			BitsPerSample: audio.BitsPerSample16,
			Timestamp:     ts,
		}
	}
	return out
}
