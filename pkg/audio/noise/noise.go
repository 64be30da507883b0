// Package noise provides a clock-driven test-signal producer that fills its
// output buffers with white or pink noise.
package noise

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/MrWong99/framesync/pkg/audio"
	"github.com/MrWong99/framesync/pkg/audio/node"
	"github.com/MrWong99/framesync/pkg/ringbuf"
)

// Color selects the noise spectrum.
type Color int

const (
	White Color = iota
	Pink
)

// String implements [fmt.Stringer].
func (c Color) String() string {
	switch c {
	case White:
		return "white"
	case Pink:
		return "pink"
	default:
		return fmt.Sprintf("Color(%d)", int(c))
	}
}

// ParseColor maps "white" or "pink" to a [Color].
func ParseColor(s string) (Color, error) {
	switch s {
	case "", "white":
		return White, nil
	case "pink":
		return Pink, nil
	default:
		return White, fmt.Errorf("noise: unknown color %q", s)
	}
}

const (
	// DefaultLatencyOffset is the number of frames added to outgoing
	// timestamps.
	DefaultLatencyOffset = 5
	DefaultChannels      = 2
	DefaultSampleRate    = 48000
	DefaultBlockSize     = 2048
)

// Option configures a [Generator].
type Option func(*Generator)

// WithColor selects white or pink noise.
func WithColor(c Color) Option { return func(g *Generator) { g.color = c } }

// WithVolumeDB sets the output level in dBFS. 0 is full scale.
func WithVolumeDB(db float64) Option { return func(g *Generator) { g.volumeDB = db } }

// WithChannels sets the number of output buffers.
func WithChannels(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.channels = n
		}
	}
}

// WithFormat sets the block size in samples and the sample rate.
func WithFormat(blockSize, sampleRate int) Option {
	return func(g *Generator) {
		if blockSize > 0 {
			g.blockSize = blockSize
		}
		if sampleRate > 0 {
			g.sampleRate = sampleRate
		}
	}
}

// WithCapacity sets the slot count of each output buffer.
func WithCapacity(n int) Option { return func(g *Generator) { g.capacity = n } }

// WithLatencyOffset overrides [DefaultLatencyOffset].
func WithLatencyOffset(frames int64) Option { return func(g *Generator) { g.offset = frames } }

// WithPollInterval sets the worker timer period.
func WithPollInterval(d time.Duration) Option { return func(g *Generator) { g.poll = d } }

// WithSeed makes the output deterministic.
func WithSeed(seed uint64) Option {
	return func(g *Generator) { g.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) {
		if l != nil {
			g.logger = l
		}
	}
}

// Generator produces one block of noise per frame count and pushes it, with
// identical content, to every output buffer.
//
// Blocks are stamped with a continuous sequence that starts at the first
// processed count plus the latency offset. If the sequence drifts more than
// one frame away from the clock (after a clock reset or a stall) it is
// re-anchored.
type Generator struct {
	name       string
	channels   int
	blockSize  int
	sampleRate int
	capacity   int
	offset     int64
	poll       time.Duration
	logger     *slog.Logger
	rng        *rand.Rand

	mu       sync.Mutex
	color    Color
	volumeDB float64
	pink     [7]float64
	seq      int64

	outputs *ringbuf.Set
	worker  *node.Worker
}

var _ node.Producer = (*Generator)(nil)

// New creates a stopped generator driven by clock.
func New(name string, clock node.FrameSource, opts ...Option) *Generator {
	g := &Generator{
		name:       name,
		channels:   DefaultChannels,
		blockSize:  DefaultBlockSize,
		sampleRate: DefaultSampleRate,
		capacity:   ringbuf.DefaultCapacity,
		offset:     DefaultLatencyOffset,
		poll:       node.DefaultPollInterval,
		logger:     slog.Default(),
		seq:        -1,
	}
	for _, o := range opts {
		o(g)
	}
	if g.rng == nil {
		g.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	g.outputs = ringbuf.NewSet(name, g.channels, g.capacity)
	g.worker = node.NewWorker(name, clock,
		node.WithPollInterval(g.poll),
		node.WithLatencyOffset(g.offset),
		node.WithProcessFunc(g.process),
		node.WithWorkerLogger(g.logger),
	)
	return g
}

// Name returns the node name.
func (g *Generator) Name() string { return g.name }

// Outputs returns the per-channel output buffers.
func (g *Generator) Outputs() []*ringbuf.Buffer { return g.outputs.Buffers() }

// Output returns the buffer of one channel, or nil.
func (g *Generator) Output(port int) *ringbuf.Buffer { return g.outputs.Channel(port) }

// Set returns the output buffer set.
func (g *Generator) Set() *ringbuf.Set { return g.outputs }

// Worker returns the underlying worker.
func (g *Generator) Worker() *node.Worker { return g.worker }

// Start begins generating. The sequence is re-anchored on every start.
func (g *Generator) Start(ctx context.Context) {
	g.mu.Lock()
	g.seq = -1
	g.mu.Unlock()
	g.outputs.SetActive(true)
	g.worker.Start(ctx)
}

// Stop halts generation. Buffered frames stay readable.
func (g *Generator) Stop() { g.worker.Stop() }

// Close stops the generator.
func (g *Generator) Close() error { return g.worker.Close() }

// SetVolumeDB changes the output level.
func (g *Generator) SetVolumeDB(db float64) {
	g.mu.Lock()
	g.volumeDB = db
	g.mu.Unlock()
}

// VolumeDB returns the output level.
func (g *Generator) VolumeDB() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.volumeDB
}

// SetColor switches the spectrum. Switching to pink resets the filter state.
func (g *Generator) SetColor(c Color) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.color = c
	if c == Pink {
		g.pink = [7]float64{}
	}
}

// Color returns the current spectrum.
func (g *Generator) Color() Color {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.color
}

func (g *Generator) process(_ context.Context, count int64, _ []audio.AudioFrame, _ []bool) {
	f, ok := g.Generate(count)
	if !ok {
		return
	}
	for i := range g.outputs.Len() {
		g.outputs.Push(i, f)
	}
}

// Generate renders the block for count and returns it as a mono frame with
// its sequence timestamp. ok is false for timestamps that would be invalid.
func (g *Generator) Generate(count int64) (f audio.AudioFrame, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	target := g.worker.Stamp(count)
	switch {
	case g.seq < 0:
		g.seq = target
	case g.seq+1 < target-1 || g.seq+1 > target+1:
		g.logger.Debug("noise: sequence re-anchored", "node", g.name, "seq", g.seq+1, "stamp", target)
		g.seq = target
	default:
		g.seq++
	}
	if g.seq <= 0 {
		return audio.AudioFrame{}, false
	}

	gain := math.Pow(10, g.volumeDB/20)
	pcm := make([]int16, g.blockSize)
	for i := range pcm {
		var s float64
		switch g.color {
		case Pink:
			s = g.pinkSample()
		default:
			s = g.whiteSample()
		}
		pcm[i] = audio.FloatToInt16(float32(s * gain))
	}

	return audio.AudioFrame{
		Data:          audio.Int16sToBytes(pcm),
		SampleRate:    g.sampleRate,
		Channels:      1,
		BitsPerSample: audio.BitsPerSample16,
		Timestamp:     g.seq,
	}, true
}

func (g *Generator) whiteSample() float64 {
	return g.rng.Float64()*2 - 1
}

// pinkSample filters white noise with Paul Kellet's refined -3dB/octave
// approximation.
func (g *Generator) pinkSample() float64 {
	w := g.whiteSample()
	p := &g.pink
	p[0] = 0.99886*p[0] + w*0.0555179
	p[1] = 0.99332*p[1] + w*0.0750759
	p[2] = 0.96900*p[2] + w*0.1538520
	p[3] = 0.86650*p[3] + w*0.3104856
	p[4] = 0.55000*p[4] + w*0.5329522
	p[5] = -0.7616*p[5] - w*0.0168980
	out := p[0] + p[1] + p[2] + p[3] + p[4] + p[5] + p[6] + w*0.5362
	p[6] = w * 0.115926
	return out * 0.11
}
