// Package monitor streams clock, buffer and level telemetry to WebSocket
// clients and accepts Opus packets for decoder nodes.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/framesync/internal/observe"
	"github.com/MrWong99/framesync/pkg/audio/meter"
	"github.com/MrWong99/framesync/pkg/frameclock"
	"github.com/MrWong99/framesync/pkg/notify"
	"github.com/MrWong99/framesync/pkg/ringbuf"
)

// Message types.
const (
	TypeClock  = "clock"
	TypeBuffer = "buffer"
	TypeLevel  = "level"
)

// Message is one telemetry event as sent to clients.
type Message struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`

	Clock  *ClockEvent  `json:"clock,omitempty"`
	Buffer *BufferEvent `json:"buffer,omitempty"`
	Level  *meter.Level `json:"level,omitempty"`
}

// ClockEvent mirrors a frame clock event.
type ClockEvent struct {
	Event          string `json:"event"`
	FrameCount     int64  `json:"frame_count"`
	AbsoluteTimeMs int64  `json:"absolute_time_ms"`
}

// BufferEvent reports one accepted ring buffer write.
type BufferEvent struct {
	Buffer    string `json:"buffer"`
	Slot      int    `json:"slot"`
	Timestamp int64  `json:"timestamp"`
	Samples   int    `json:"samples"`
}

// FromClockEvent converts a clock event.
func FromClockEvent(e frameclock.Event) Message {
	return Message{
		Type: TypeClock,
		Time: e.Info.PreciseTime,
		Clock: &ClockEvent{
			Event:          e.Type.String(),
			FrameCount:     e.Info.FrameCount,
			AbsoluteTimeMs: e.Info.AbsoluteTimeMs,
		},
	}
}

// FromFrameWritten converts a buffer write notification.
func FromFrameWritten(w ringbuf.FrameWritten) Message {
	return Message{
		Type: TypeBuffer,
		Time: time.Now(),
		Buffer: &BufferEvent{
			Buffer:    w.Buffer,
			Slot:      w.Slot,
			Timestamp: w.Frame.Timestamp,
			Samples:   w.Frame.Samples(),
		},
	}
}

// FromLevel converts a meter reading.
func FromLevel(l meter.Level) Message {
	return Message{Type: TypeLevel, Time: time.Now(), Level: &l}
}

// HubOption configures a [Hub].
type HubOption func(*Hub)

// WithQueueSize sets the per-client queue length.
func WithQueueSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.queue = n
		}
	}
}

// WithMetrics records client counts and drops.
func WithMetrics(m *observe.Metrics) HubOption { return func(h *Hub) { h.metrics = m } }

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) HubOption {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// Hub fans telemetry out to connected clients. Delivery is best effort: a
// client whose queue is full misses events.
type Hub struct {
	queue   int
	metrics *observe.Metrics
	logger  *slog.Logger

	messages *notify.Broadcaster[Message]
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{queue: notify.DefaultBuffer * 4, logger: slog.Default()}
	for _, o := range opts {
		o(h)
	}
	h.messages = notify.New[Message](notify.WithDropHook(func(string) {
		if h.metrics != nil {
			h.metrics.MonitorDrops.Add(context.Background(), 1)
		}
	}))
	return h
}

// Publish sends m to every client.
func (h *Hub) Publish(m Message) { h.messages.Publish(m) }

// Clients returns the number of connected clients.
func (h *Hub) Clients() int { return h.messages.Len() }

// Subscribe registers a client queue.
func (h *Hub) Subscribe() *notify.Subscription[Message] {
	return h.messages.Subscribe(h.queue)
}

// Close disconnects every client.
func (h *Hub) Close() { h.messages.Close() }

// Forward publishes every event of sub, converted by conv, until ctx is done
// or sub is closed. It closes sub before returning. Run it in its own
// goroutine.
func Forward[T any](ctx context.Context, h *Hub, sub *notify.Subscription[T], conv func(T) Message) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-sub.C():
			if !ok {
				return
			}
			h.Publish(conv(v))
		}
	}
}
