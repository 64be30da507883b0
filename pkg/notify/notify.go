// Package notify provides an advisory, best-effort fan-out of events to any
// number of subscribers.
//
// Publishing never blocks: each subscriber owns a bounded channel, and an
// event that does not fit is dropped for that subscriber and counted. This is
// the only notification mechanism used by the clock and the ring buffers, so
// a slow telemetry reader can never stall a producer's write path. No
// component may rely on receiving every event for correctness.
package notify

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// DefaultBuffer is the subscriber channel capacity used when Subscribe is
// called with a non-positive size.
const DefaultBuffer = 16

// Stats reports delivery counters for a single subscription.
type Stats struct {
	Sent    uint64
	Dropped uint64
}

// Option configures a [Broadcaster].
type Option func(*options)

type options struct {
	onDrop func(subscriberID string)
}

// WithDropHook registers fn to be called (on the publishing goroutine) every
// time an event is dropped for a subscriber. fn must not block.
func WithDropHook(fn func(subscriberID string)) Option {
	return func(o *options) {
		o.onDrop = fn
	}
}

// Broadcaster fans events of type T out to its subscribers.
// All methods are safe for concurrent use.
type Broadcaster[T any] struct {
	opts options

	mu     sync.RWMutex
	subs   map[string]*Subscription[T]
	closed bool

	published atomic.Uint64
}

// New returns an empty Broadcaster.
func New[T any](opts ...Option) *Broadcaster[T] {
	b := &Broadcaster[T]{subs: make(map[string]*Subscription[T])}
	for _, o := range opts {
		o(&b.opts)
	}
	return b
}

// Subscribe registers a new subscriber with a channel of the given capacity.
// On a closed Broadcaster the returned subscription's channel is already
// closed.
func (b *Broadcaster[T]) Subscribe(buffer int) *Subscription[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &Subscription[T]{
		id: uuid.NewString(),
		ch: make(chan T, buffer),
		b:  b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closed = true
		close(s.ch)
		return s
	}
	b.subs[s.id] = s
	return s
}

// Publish delivers v to every subscriber whose channel has room.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed || len(b.subs) == 0 {
		return
	}
	b.published.Add(1)

	for id, s := range b.subs {
		select {
		case s.ch <- v:
			s.sent.Add(1)
		default:
			s.dropped.Add(1)
			if b.opts.onDrop != nil {
				b.opts.onDrop(id)
			}
		}
	}
}

// Len returns the number of live subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Published returns how many events reached at least the fan-out stage, i.e.
// were published while one or more subscribers existed.
func (b *Broadcaster[T]) Published() uint64 {
	return b.published.Load()
}

// Close unsubscribes and closes every subscriber. Further Publish calls are
// no-ops. Close is idempotent.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		s.closeLocked()
		delete(b.subs, id)
	}
}

func (b *Broadcaster[T]) remove(s *Subscription[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subs, s.id)
	s.closeLocked()
}

// Subscription is one subscriber's view of a [Broadcaster].
type Subscription[T any] struct {
	id string
	ch chan T
	b  *Broadcaster[T]

	// closed is guarded by b.mu.
	closed bool

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// ID returns the unique subscriber identifier.
func (s *Subscription[T]) ID() string { return s.id }

// C returns the receive channel. It is closed by [Subscription.Close] or
// when the Broadcaster is closed.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Stats returns the delivery counters of this subscription.
func (s *Subscription[T]) Stats() Stats {
	return Stats{Sent: s.sent.Load(), Dropped: s.dropped.Load()}
}

// Close unsubscribes and closes the channel. It is safe to call more than once.
func (s *Subscription[T]) Close() {
	s.b.remove(s)
}

func (s *Subscription[T]) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
