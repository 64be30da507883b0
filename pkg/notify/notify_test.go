package notify_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/framesync/pkg/notify"
)

func TestPublish_DeliversToAllSubscribers(t *testing.T) {
	t.Parallel()

	b := notify.New[int]()
	s1 := b.Subscribe(4)
	s2 := b.Subscribe(4)

	b.Publish(7)

	for i, s := range []*notify.Subscription[int]{s1, s2} {
		select {
		case v := <-s.C():
			if v != 7 {
				t.Errorf("subscriber %d got %d, want 7", i, v)
			}
		default:
			t.Errorf("subscriber %d received nothing", i)
		}
	}
	if got := b.Published(); got != 1 {
		t.Errorf("Published() = %d, want 1", got)
	}
}

func TestPublish_DropsWhenFull(t *testing.T) {
	t.Parallel()

	var hookCalls atomic.Int64
	b := notify.New[int](notify.WithDropHook(func(string) { hookCalls.Add(1) }))
	s := b.Subscribe(2)

	for i := range 5 {
		b.Publish(i)
	}

	st := s.Stats()
	if st.Sent != 2 || st.Dropped != 3 {
		t.Fatalf("stats = %+v, want Sent=2 Dropped=3", st)
	}
	if hookCalls.Load() != 3 {
		t.Fatalf("drop hook called %d times, want 3", hookCalls.Load())
	}
	// The oldest events are the ones kept.
	if v := <-s.C(); v != 0 {
		t.Fatalf("first event = %d, want 0", v)
	}
}

func TestPublish_NoSubscribersIsNoop(t *testing.T) {
	t.Parallel()

	b := notify.New[string]()
	b.Publish("x")
	if b.Published() != 0 {
		t.Fatalf("Published() = %d, want 0", b.Published())
	}
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	b := notify.New[int]()
	s := b.Subscribe(1)
	s.Close()
	s.Close()

	if _, ok := <-s.C(); ok {
		t.Fatal("channel still open after Close")
	}
	if b.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", b.Len())
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(1)
}

func TestBroadcaster_Close(t *testing.T) {
	t.Parallel()

	b := notify.New[int]()
	s := b.Subscribe(1)
	b.Close()
	b.Close()

	if _, ok := <-s.C(); ok {
		t.Fatal("subscriber channel still open after Broadcaster.Close")
	}
	s.Close()

	late := b.Subscribe(1)
	if _, ok := <-late.C(); ok {
		t.Fatal("subscription on a closed broadcaster should be closed")
	}
	b.Publish(1)
}

func TestBroadcaster_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	t.Parallel()

	b := notify.New[int]()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range 2000 {
			b.Publish(i)
		}
	}()

	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				s := b.Subscribe(1)
				s.Close()
			}
		}()
	}
	wg.Wait()
}
