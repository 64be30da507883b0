// Package ringbuf implements the frame-addressed ring buffer that connects a
// producer node to its consumers.
//
// A [Buffer] holds a fixed number of slots. Frames are written in ring order
// and looked up by their timestamp (the frame-clock count they were stamped
// with) in O(1) via an index map. Frames older than the capacity are silently
// evicted; a lookup for an evicted or not-yet-written timestamp is a miss,
// which callers treat as "try again next tick".
package ringbuf

import (
	"sync"
	"sync/atomic"

	"github.com/MrWong99/framesync/pkg/audio"
	"github.com/MrWong99/framesync/pkg/notify"
)

// DefaultCapacity is the slot count used by the built-in nodes.
const DefaultCapacity = 16

// FrameWritten is published after every accepted push.
type FrameWritten struct {
	Buffer string
	Slot   int
	Frame  audio.AudioFrame
}

// Stats holds cumulative buffer counters.
type Stats struct {
	Pushes    uint64
	Rejected  uint64
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Option configures a [Buffer].
type Option func(*Buffer)

// WithName labels the buffer in events, logs and metrics.
func WithName(name string) Option {
	return func(b *Buffer) {
		b.name = name
	}
}

// Buffer is a fixed-capacity, timestamp-indexed ring of audio frames. One
// producer writes; any number of consumers read. All methods are safe for
// concurrent use.
type Buffer struct {
	name     string
	capacity int
	events   *notify.Broadcaster[FrameWritten]

	mu          sync.Mutex
	slots       []audio.AudioFrame
	index       map[int64]int
	writeIndex  int
	validFrames int
	active      bool

	// Adjacency cache for consumers polling increasing timestamps.
	lastHitIndex     int
	lastHitTimestamp int64

	pushes    atomic.Uint64
	rejected  atomic.Uint64
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// New creates an active buffer with the given number of slots. A non-positive
// capacity yields a buffer that rejects every push and misses every lookup.
func New(capacity int, opts ...Option) *Buffer {
	capacity = max(capacity, 0)
	b := &Buffer{
		capacity:     capacity,
		events:       notify.New[FrameWritten](),
		slots:        make([]audio.AudioFrame, capacity),
		index:        make(map[int64]int, capacity),
		active:       true,
		lastHitIndex: -1,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Name returns the buffer label.
func (b *Buffer) Name() string { return b.name }

// Capacity returns the number of slots.
func (b *Buffer) Capacity() int { return b.capacity }

// Push copies f into the next slot. It returns false when the buffer is
// inactive or has no slots.
//
// If f's timestamp is already stored, that slot is replaced in place and the
// write position does not move. Otherwise the slot at the write position is
// overwritten, evicting the frame it held.
func (b *Buffer) Push(f audio.AudioFrame) bool {
	b.mu.Lock()
	if !b.active || b.capacity == 0 {
		b.mu.Unlock()
		b.rejected.Add(1)
		return false
	}

	slot, replace := -1, false
	if f.Valid() {
		slot, replace = b.index[f.Timestamp]
	}
	if !replace {
		slot = b.writeIndex
		old := b.slots[slot]
		if old.Valid() && old.Timestamp != f.Timestamp {
			if b.index[old.Timestamp] == slot {
				delete(b.index, old.Timestamp)
			}
			b.evictions.Add(1)
		}
		switch {
		case old.Valid() && !f.Valid():
			b.validFrames--
		case !old.Valid() && f.Valid():
			b.validFrames++
		}
		b.writeIndex = (b.writeIndex + 1) % b.capacity
	}

	dst := &b.slots[slot]
	dst.Data = append(dst.Data[:0], f.Data...)
	dst.SampleRate = f.SampleRate
	dst.Channels = f.Channels
	dst.BitsPerSample = f.BitsPerSample
	dst.Timestamp = f.Timestamp
	if f.Valid() {
		b.index[f.Timestamp] = slot
	}
	if slot == b.lastHitIndex {
		b.lastHitIndex = -1
		b.lastHitTimestamp = 0
	}
	b.mu.Unlock()

	b.pushes.Add(1)
	if b.events.Len() > 0 {
		b.events.Publish(FrameWritten{Buffer: b.name, Slot: slot, Frame: f.Clone()})
	}
	return true
}

// FrameByTimestamp returns a copy of the frame stamped target. ok is false if
// no such frame is stored, either because it has not been produced yet or
// because it was already evicted.
func (b *Buffer) FrameByTimestamp(target int64) (f audio.AudioFrame, ok bool) {
	if target <= 0 {
		b.misses.Add(1)
		return audio.AudioFrame{}, false
	}

	b.mu.Lock()
	slot := b.lookupLocked(target)
	if slot >= 0 {
		f = b.slots[slot].Clone()
		b.lastHitIndex = slot
		b.lastHitTimestamp = target
	}
	b.mu.Unlock()

	if slot < 0 {
		b.misses.Add(1)
		return audio.AudioFrame{}, false
	}
	b.hits.Add(1)
	return f, true
}

func (b *Buffer) lookupLocked(target int64) int {
	if b.capacity == 0 {
		return -1
	}
	if i := b.lastHitIndex; i >= 0 {
		if b.lastHitTimestamp == target && b.slots[i].Timestamp == target {
			return i
		}
		if next := (i + 1) % b.capacity; b.slots[next].Timestamp == target {
			return next
		}
	}
	if slot, ok := b.index[target]; ok {
		return slot
	}
	return -1
}

// NearestFrame returns the latest frame stamped at or before target and no
// more than tolerance frames older. If there is none it falls back to the
// earliest frame after target within tolerance/2. A tolerance of 0 behaves
// like [Buffer.FrameByTimestamp].
func (b *Buffer) NearestFrame(target, tolerance int64) (audio.AudioFrame, bool) {
	if tolerance <= 0 {
		return b.FrameByTimestamp(target)
	}

	b.mu.Lock()
	best := b.lookupLocked(target)
	if best < 0 {
		best = b.scanLocked(func(ts int64) bool {
			return ts < target && target-ts <= tolerance
		}, func(a, c int64) bool { return a > c })
	}
	if best < 0 {
		best = b.scanLocked(func(ts int64) bool {
			return ts > target && ts-target <= tolerance/2
		}, func(a, c int64) bool { return a < c })
	}
	var f audio.AudioFrame
	if best >= 0 {
		f = b.slots[best].Clone()
	}
	b.mu.Unlock()

	if best < 0 {
		b.misses.Add(1)
		return audio.AudioFrame{}, false
	}
	b.hits.Add(1)
	return f, true
}

// scanLocked returns the slot of the stored timestamp that matches and is
// preferred over every other match, or -1.
func (b *Buffer) scanLocked(match func(ts int64) bool, better func(a, c int64) bool) int {
	best, bestTS := -1, int64(0)
	for ts, slot := range b.index {
		if match(ts) && (best < 0 || better(ts, bestTS)) {
			best, bestTS = slot, ts
		}
	}
	return best
}

// UsedRatio returns the fraction of slots holding a valid frame.
func (b *Buffer) UsedRatio() float64 {
	if b.capacity <= 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return float64(b.validFrames) / float64(b.capacity)
}

// Len returns the number of slots holding a valid frame.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.validFrames
}

// Clear drops every stored frame. Capacity and the active flag are kept.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.slots {
		b.slots[i] = audio.AudioFrame{}
	}
	clear(b.index)
	b.writeIndex = 0
	b.validFrames = 0
	b.lastHitIndex = -1
	b.lastHitTimestamp = 0
}

// SetActive pauses (false) or resumes (true) the buffer. While paused, pushes
// are rejected and the stored history is left untouched.
func (b *Buffer) SetActive(active bool) {
	b.mu.Lock()
	b.active = active
	b.mu.Unlock()
}

// IsActive reports whether the buffer accepts pushes.
func (b *Buffer) IsActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// Stats returns a snapshot of the buffer counters.
func (b *Buffer) Stats() Stats {
	return Stats{
		Pushes:    b.pushes.Load(),
		Rejected:  b.rejected.Load(),
		Hits:      b.hits.Load(),
		Misses:    b.misses.Load(),
		Evictions: b.evictions.Load(),
	}
}

// Subscribe returns an advisory subscription to write events. Events are
// dropped for subscribers that fall behind.
func (b *Buffer) Subscribe(buffer int) *notify.Subscription[FrameWritten] {
	return b.events.Subscribe(buffer)
}
