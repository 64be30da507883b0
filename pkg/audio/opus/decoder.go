// Package opus provides a push-driven producer node that decodes Opus packets
// into per-channel ring buffers.
package opus

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"layeh.com/gopus"

	"github.com/MrWong99/framesync/pkg/audio"
	"github.com/MrWong99/framesync/pkg/audio/node"
	"github.com/MrWong99/framesync/pkg/ringbuf"
)

var _ node.Producer = (*Decoder)(nil)

const (
	DefaultSampleRate = 48000
	DefaultChannels   = 2
	DefaultBlockSize  = 2048
	DefaultQueueSize  = 64

	// maxPacketMs is the longest duration a single Opus packet can carry.
	maxPacketMs = 120
)

// Stats holds cumulative decoder counters.
type Stats struct {
	Packets      uint64
	Dropped      uint64
	DecodeErrors uint64
	Frames       uint64
}

// Option configures a [Decoder].
type Option func(*Decoder)

// WithFormat sets the decoded sample rate (one of 8000, 12000, 16000, 24000
// or 48000) and channel count (1 or 2).
func WithFormat(sampleRate, channels int) Option {
	return func(d *Decoder) {
		d.sampleRate = sampleRate
		d.channels = channels
	}
}

// WithBlockSize sets how many samples per channel are collected into one
// output frame. Match it to the frame clock's block size so one frame is
// produced per tick.
func WithBlockSize(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.blockSize = n
		}
	}
}

// WithQueueSize sets the packet queue length. Packets fed into a full queue
// are dropped.
func WithQueueSize(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.queueSize = n
		}
	}
}

// WithVolumeDB applies a gain in dB to decoded audio.
func WithVolumeDB(db float64) Option {
	return func(d *Decoder) { d.volumeDB = db }
}

// WithCapacity sets the slot count of each output buffer.
func WithCapacity(n int) Option { return func(d *Decoder) { d.capacity = n } }

// WithLatencyOffset sets the frames added to outgoing timestamps.
func WithLatencyOffset(frames int64) Option { return func(d *Decoder) { d.offset = frames } }

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(d *Decoder) {
		if l != nil {
			d.logger = l
		}
	}
}

// Decoder decodes Opus packets fed through [Decoder.Feed] and pushes the PCM,
// split by channel, into its output buffers.
//
// Decoded samples are accumulated into blocks of the configured size. Each
// block is stamped with the current frame count plus the latency offset.
type Decoder struct {
	name       string
	sampleRate int
	channels   int
	blockSize  int
	queueSize  int
	capacity   int
	offset     int64
	volumeDB   float64
	logger     *slog.Logger

	dec      *gopus.Decoder
	outputs  *ringbuf.Set
	splitter *node.Splitter
	stamper  *node.Worker

	feedMu  sync.RWMutex
	packets chan []byte
	closed  bool

	lifeMu sync.Mutex
	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}

	pending  []int16
	lastTS   int64
	lastBase int64

	// gain holds math.Float64bits of the linear gain.
	gain atomic.Uint64

	packetsIn    atomic.Uint64
	dropped      atomic.Uint64
	decodeErrors atomic.Uint64
	frames       atomic.Uint64
}

// New creates a stopped decoder.
func New(name string, clock node.FrameSource, opts ...Option) (*Decoder, error) {
	d := &Decoder{
		name:       name,
		sampleRate: DefaultSampleRate,
		channels:   DefaultChannels,
		blockSize:  DefaultBlockSize,
		queueSize:  DefaultQueueSize,
		capacity:   ringbuf.DefaultCapacity,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}

	dec, err := gopus.NewDecoder(d.sampleRate, d.channels)
	if err != nil {
		return nil, fmt.Errorf("opus: new decoder %s: %w", name, err)
	}
	d.dec = dec
	d.SetVolumeDB(d.volumeDB)
	d.packets = make(chan []byte, d.queueSize)
	d.outputs = ringbuf.NewSet(name, d.channels, d.capacity)
	d.splitter = node.NewSplitter(d.outputs)
	d.stamper = node.NewWorker(name, clock, node.WithLatencyOffset(d.offset), node.WithWorkerLogger(d.logger))
	return d, nil
}

// Name returns the node name.
func (d *Decoder) Name() string { return d.name }

// Outputs returns the per-channel output buffers.
func (d *Decoder) Outputs() []*ringbuf.Buffer { return d.outputs.Buffers() }

// Output returns one output buffer, or nil.
func (d *Decoder) Output(port int) *ringbuf.Buffer { return d.outputs.Channel(port) }

// Set returns the output buffer set.
func (d *Decoder) Set() *ringbuf.Set { return d.outputs }

// SetVolumeDB changes the gain applied to decoded audio. Safe to call while
// running.
func (d *Decoder) SetVolumeDB(db float64) {
	d.gain.Store(math.Float64bits(math.Pow(10, db/20)))
}

// VolumeDB returns the current gain in dB.
func (d *Decoder) VolumeDB() float64 {
	return 20 * math.Log10(math.Float64frombits(d.gain.Load()))
}

// Stats returns a snapshot of the decoder counters.
func (d *Decoder) Stats() Stats {
	return Stats{
		Packets:      d.packetsIn.Load(),
		Dropped:      d.dropped.Load(),
		DecodeErrors: d.decodeErrors.Load(),
		Frames:       d.frames.Load(),
	}
}

// Feed queues an Opus packet for decoding without blocking. It returns false
// when the queue is full or the decoder is closed. pkt must not be modified
// after the call.
func (d *Decoder) Feed(pkt []byte) bool {
	d.feedMu.RLock()
	defer d.feedMu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.packets <- pkt:
		d.packetsIn.Add(1)
		return true
	default:
		d.dropped.Add(1)
		return false
	}
}

// Start launches the decode goroutine. Calling Start while running is a no-op.
// A decoder whose parent context was cancelled counts as stopped.
func (d *Decoder) Start(ctx context.Context) {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()
	if d.runningLocked() {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	d.runCtx = ctx
	d.cancel = cancel
	d.done = make(chan struct{})
	d.outputs.SetActive(true)
	go d.run(ctx, d.done)
}

// Stop halts decoding and waits for the goroutine to exit. Queued packets are
// kept for the next Start. Stop is idempotent.
func (d *Decoder) Stop() {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
	d.cancel = nil
}

// State reports whether the decode goroutine is running.
func (d *Decoder) State() node.State {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()
	if d.runningLocked() {
		return node.StateProcessing
	}
	return node.StateIdle
}

// runningLocked reports whether the decode goroutine is alive. A goroutine
// whose parent context ended is waited for and cleared. Callers hold lifeMu.
func (d *Decoder) runningLocked() bool {
	if d.cancel == nil {
		return false
	}
	if d.runCtx.Err() == nil {
		return true
	}
	<-d.done
	d.cancel()
	d.cancel = nil
	return false
}

// Close stops the decoder, rejects further packets and discards queued ones.
func (d *Decoder) Close() error {
	d.Stop()

	d.feedMu.Lock()
	defer d.feedMu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	close(d.packets)
	go audio.Drain(d.packets)
	return nil
}

func (d *Decoder) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-d.packets:
			if !ok {
				return
			}
			d.decode(pkt)
		}
	}
}

// decode decodes one packet and emits every block it completes.
func (d *Decoder) decode(pkt []byte) {
	pcm, err := d.dec.Decode(pkt, d.sampleRate*maxPacketMs/1000, false)
	if err != nil {
		d.decodeErrors.Add(1)
		d.logger.Warn("opus: decode error", "node", d.name, "error", err)
		return
	}
	if gain := math.Float64frombits(d.gain.Load()); gain != 1 {
		for i, s := range pcm {
			pcm[i] = audio.FloatToInt16(audio.Int16ToFloat(s) * float32(gain))
		}
	}
	d.pending = append(d.pending, pcm...)

	block := d.blockSize * d.channels
	for len(d.pending) >= block {
		d.emit(d.pending[:block])
		d.pending = d.pending[block:]
	}
	if cap(d.pending) > 4*block {
		d.pending = append(make([]int16, 0, block), d.pending...)
	}
}

func (d *Decoder) emit(pcm []int16) {
	base := d.stamper.StampNow()
	ts := base
	// Within one frame, later blocks take the following counts. A base below
	// the previous one means the clock was restarted, so stamps re-anchor.
	if base >= d.lastBase && ts <= d.lastTS && d.lastTS-ts < int64(max(d.capacity, 1)) {
		ts = d.lastTS + 1
	}
	ts = max(ts, 1)
	d.lastBase = base
	d.lastTS = ts

	d.splitter.Push(audio.AudioFrame{
		Data:          audio.Int16sToBytes(pcm),
		SampleRate:    d.sampleRate,
		Channels:      d.channels,
		BitsPerSample: audio.BitsPerSample16,
		Timestamp:     ts,
	})
	d.frames.Add(1)
}
