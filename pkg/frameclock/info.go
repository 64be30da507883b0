package frameclock

import (
	"sync"
	"time"
)

// FrameInfo correlates a frame number with wall-clock time.
type FrameInfo struct {
	FrameCount int64

	// AbsoluteTimeMs is the Unix millisecond timestamp at which the info was
	// captured, derived from the clock's base time plus elapsed monotonic time.
	AbsoluteTimeMs int64

	// PreciseTime is the monotonic time point at capture.
	PreciseTime time.Time
}

// RelativeTime returns how long after base this frame was captured.
func (fi FrameInfo) RelativeTime(base time.Time) time.Duration {
	return fi.PreciseTime.Sub(base)
}

// TheoreticalTimeMs returns the ideal offset of this frame from frame 0 in
// milliseconds at the given frame rate. It returns 0 for a non-positive rate.
func (fi FrameInfo) TheoreticalTimeMs(frameRate float64) float64 {
	if frameRate <= 0 {
		return 0
	}
	return float64(fi.FrameCount) * 1000 / frameRate
}

// EventType discriminates clock events.
type EventType int

const (
	// EventFrame is published on every tick, on Start and after a reset.
	EventFrame EventType = iota
	EventStarted
	EventStopped
	EventReset
)

// String implements [fmt.Stringer].
func (t EventType) String() string {
	switch t {
	case EventFrame:
		return "frame"
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Event is an advisory clock notification.
type Event struct {
	Type EventType
	Info FrameInfo
}

var (
	defaultOnce  sync.Once
	defaultClock *Clock
)

// Default returns the process-wide clock, creating and starting it with the
// default frame rate on first use. Prefer injecting a [Clock] created with
// [New]; Default is for call sites that cannot receive one.
func Default() *Clock {
	defaultOnce.Do(func() {
		defaultClock = New()
		defaultClock.Start()
	})
	return defaultClock
}
