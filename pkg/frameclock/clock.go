// Package frameclock provides the shared time base of the audio graph: a
// monotonic frame counter that ticks at a fixed rate and correlates frame
// numbers with absolute time.
//
// Every producer stamps its frames with [Clock.CurrentFrameCount] (plus its own
// latency offset) and every consumer looks frames up by that same count, so
// nodes running on independent goroutines agree on "now" without a shared
// scheduler. Create one [Clock] with [New] when the graph is loaded and pass it
// to every node; [Default] exists for code that cannot be handed a clock.
package frameclock

import (
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/framesync/pkg/notify"
)

const (
	// DefaultSampleRate and DefaultBlockSize define the default tick rate:
	// one frame per audio block of DefaultBlockSize samples.
	DefaultSampleRate = 48000
	DefaultBlockSize  = 2048

	// DefaultFrameRate is DefaultSampleRate / DefaultBlockSize (23.4375 fps).
	DefaultFrameRate = float64(DefaultSampleRate) / DefaultBlockSize
)

// anchor correlates frame 0 with monotonic and absolute time. It is replaced
// as a whole on Start and ResetFrameCount so readers never see a torn pair.
type anchor struct {
	start          time.Time
	baseAbsoluteMs int64
}

// Option configures a [Clock].
type Option func(*Clock)

// WithFrameRate sets the tick rate in frames per second. Non-positive values
// are ignored.
func WithFrameRate(fps float64) Option {
	return func(c *Clock) {
		if fps > 0 && !math.IsInf(fps, 0) {
			c.frameRate = fps
		}
	}
}

// WithBlockSize derives the tick rate from the audio block size: one frame per
// blockSize samples at sampleRate. Non-positive values are ignored.
func WithBlockSize(blockSize, sampleRate int) Option {
	return func(c *Clock) {
		if blockSize > 0 && sampleRate > 0 {
			c.frameRate = float64(sampleRate) / float64(blockSize)
		}
	}
}

// WithNowFunc replaces the time source used for absolute-time correlation.
// The ticker itself always schedules against the real monotonic clock.
func WithNowFunc(now func() time.Time) Option {
	return func(c *Clock) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Clock) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTickHook registers fn to be called on the ticker goroutine after every
// tick with the new frame and how late the wake-up was. fn must not block.
func WithTickHook(fn func(info FrameInfo, lateness time.Duration)) Option {
	return func(c *Clock) {
		c.onTick = fn
	}
}

// Clock is a monotonic frame counter driven by a dedicated goroutine.
//
// Reads ([Clock.CurrentFrameCount], [Clock.CurrentFrameInfo]) are lock-free.
// All methods are safe for concurrent use.
type Clock struct {
	frameRate  float64
	intervalMs float64
	interval   time.Duration
	now        func() time.Time
	logger     *slog.Logger
	onTick     func(FrameInfo, time.Duration)
	events     *notify.Broadcaster[Event]

	counter atomic.Int64
	anchor  atomic.Pointer[anchor]
	running atomic.Bool

	// resetMu serialises the compound re-anchoring in ResetFrameCount.
	resetMu  sync.Mutex
	reanchor chan struct{}

	// lifeMu serialises Start and Stop.
	lifeMu sync.Mutex
	stop   chan struct{}
	done   chan struct{}
}

// New creates a stopped Clock. Call [Clock.Start] to begin ticking. The clock
// is anchored at construction time so the time calculations are usable before
// Start.
func New(opts ...Option) *Clock {
	c := &Clock{
		frameRate: DefaultFrameRate,
		now:       time.Now,
		logger:    slog.Default(),
		events:    notify.New[Event](),
		reanchor:  make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(c)
	}
	c.intervalMs = 1000 / c.frameRate
	c.interval = time.Duration(float64(time.Second) / c.frameRate)
	if c.interval <= 0 {
		c.logger.Warn("frameclock: frame rate too high, falling back to default",
			"frame_rate", c.frameRate,
			"default", DefaultFrameRate,
		)
		c.frameRate = DefaultFrameRate
		c.intervalMs = 1000 / c.frameRate
		c.interval = time.Duration(float64(time.Second) / c.frameRate)
	}
	c.anchorNow()
	return c
}

// Start resets the counter to 0, re-anchors the clock and launches the ticker
// goroutine. It emits an initial frame event followed by [EventStarted].
// Start is a no-op if the clock is already running.
func (c *Clock) Start() {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if c.running.Load() {
		return
	}

	c.counter.Store(0)
	c.anchorNow()
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.running.Store(true)

	go c.run(c.stop, c.done)

	c.logger.Debug("frameclock started",
		"frame_rate", c.frameRate,
		"interval", c.interval,
	)
	info := c.CurrentFrameInfo()
	c.events.Publish(Event{Type: EventFrame, Info: info})
	c.events.Publish(Event{Type: EventStarted, Info: info})
}

// Stop halts the ticker goroutine and waits for it to exit. The wait is
// bounded: the goroutine observes the stop signal immediately. The counter
// keeps its last value. Stop is idempotent.
func (c *Clock) Stop() {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if !c.running.Load() {
		return
	}
	close(c.stop)
	<-c.done
	c.running.Store(false)

	c.logger.Debug("frameclock stopped", "frame_count", c.counter.Load())
	c.events.Publish(Event{Type: EventStopped, Info: c.CurrentFrameInfo()})
}

// Restart is Stop followed by Start.
func (c *Clock) Restart() {
	c.Stop()
	c.Start()
}

// Close stops the clock and closes every event subscription.
func (c *Clock) Close() error {
	c.Stop()
	c.events.Close()
	return nil
}

// IsRunning reports whether the ticker goroutine is active.
func (c *Clock) IsRunning() bool {
	return c.running.Load()
}

// CurrentFrameCount returns the current frame number. It never blocks.
func (c *Clock) CurrentFrameCount() int64 {
	return c.counter.Load()
}

// CurrentFrameInfo returns the current frame number with its time correlation.
func (c *Clock) CurrentFrameInfo() FrameInfo {
	return c.frameInfo(c.counter.Load(), c.now())
}

// NextFrameCount atomically claims and returns the next frame number. Use it
// when a producer needs a unique count independent of the ticker.
func (c *Clock) NextFrameCount() int64 {
	return c.counter.Add(1)
}

// NextFrameInfo is [Clock.NextFrameCount] with time correlation.
func (c *Clock) NextFrameInfo() FrameInfo {
	return c.frameInfo(c.counter.Add(1), c.now())
}

// ResetFrameCount zeroes the counter and re-anchors start and absolute time.
// A running ticker schedules its following deadlines from the new anchor.
func (c *Clock) ResetFrameCount() {
	c.resetMu.Lock()
	c.counter.Store(0)
	c.anchorNow()
	c.resetMu.Unlock()

	select {
	case c.reanchor <- struct{}{}:
	default:
	}

	info := c.CurrentFrameInfo()
	c.logger.Debug("frameclock reset", "base_absolute_ms", info.AbsoluteTimeMs)
	c.events.Publish(Event{Type: EventFrame, Info: info})
	c.events.Publish(Event{Type: EventReset, Info: info})
}

// FrameRate returns the tick rate in frames per second.
func (c *Clock) FrameRate() float64 { return c.frameRate }

// FrameInterval returns the tick interval in milliseconds.
func (c *Clock) FrameInterval() float64 { return c.intervalMs }

// FrameDuration returns the tick interval as a [time.Duration].
func (c *Clock) FrameDuration() time.Duration { return c.interval }

// BaseTime returns the monotonic time point of frame 0.
func (c *Clock) BaseTime() time.Time { return c.anchor.Load().start }

// BaseAbsoluteTime returns the Unix millisecond timestamp of frame 0.
func (c *Clock) BaseAbsoluteTime() int64 { return c.anchor.Load().baseAbsoluteMs }

// Subscribe returns an advisory subscription to clock events. Events that do
// not fit into the subscription buffer are dropped; see package notify.
func (c *Clock) Subscribe(buffer int) *notify.Subscription[Event] {
	return c.events.Subscribe(buffer)
}

// FrameCountByTimeDelta returns the frame number deltaMs away from the current
// one, rounded to the nearest frame and clamped at 0.
func (c *Clock) FrameCountByTimeDelta(deltaMs float64) int64 {
	n := c.counter.Load() + int64(math.Round(deltaMs/c.intervalMs))
	return max(n, 0)
}

// FrameInfoByTimeDelta returns the [FrameInfo] of the frame deltaMs away from
// now, with its time fields projected by the same delta.
func (c *Clock) FrameInfoByTimeDelta(deltaMs float64) FrameInfo {
	n := c.FrameCountByTimeDelta(deltaMs)
	t := c.now().Add(time.Duration(deltaMs * float64(time.Millisecond)))
	return c.frameInfo(n, t)
}

// FrameCountByAbsoluteTime converts a Unix millisecond timestamp into a frame
// number. It returns -1 when absMs precedes the clock's base time.
func (c *Clock) FrameCountByAbsoluteTime(absMs int64) int64 {
	base := c.anchor.Load().baseAbsoluteMs
	if absMs < base {
		return -1
	}
	return c.FrameCountByRelativeTime(float64(absMs - base))
}

// FrameCountByRelativeTime converts milliseconds since frame 0 into a frame
// number, rounded to the nearest frame. Negative input yields 0.
func (c *Clock) FrameCountByRelativeTime(relMs float64) int64 {
	if relMs < 0 {
		return 0
	}
	return int64(math.Round(relMs / c.intervalMs))
}

func (c *Clock) anchorNow() {
	t := c.now()
	c.anchor.Store(&anchor{start: t, baseAbsoluteMs: t.UnixMilli()})
}

func (c *Clock) frameInfo(count int64, t time.Time) FrameInfo {
	a := c.anchor.Load()
	return FrameInfo{
		FrameCount:     count,
		AbsoluteTimeMs: a.baseAbsoluteMs + t.Sub(a.start).Milliseconds(),
		PreciseTime:    t,
	}
}

// run is the ticker goroutine. Each deadline is the previous deadline plus one
// interval, so wake-up jitter never accumulates into drift.
func (c *Clock) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	next := time.Now()
	timer := time.NewTimer(c.interval)
	defer timer.Stop()

	// Drop a reanchor signal left over from a reset while stopped.
	select {
	case <-c.reanchor:
	default:
	}

	for {
		next = next.Add(c.interval)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(time.Until(next))

		select {
		case <-stop:
			return
		case <-c.reanchor:
			next = time.Now()
			continue
		case <-timer.C:
		}

		lateness := time.Since(next)
		n := c.counter.Add(1)
		info := c.frameInfo(n, c.now())
		if c.onTick != nil {
			c.onTick(info, lateness)
		}
		c.events.Publish(Event{Type: EventFrame, Info: info})
	}
}
