package frameclock_test

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/framesync/pkg/frameclock"
)

// fakeNow returns a controllable time source.
type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeNow) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeNow) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	c := frameclock.New()
	if got := c.FrameRate(); got != 23.4375 {
		t.Errorf("FrameRate() = %v, want 23.4375", got)
	}
	if got := c.FrameInterval(); math.Abs(got-1000/23.4375) > 1e-9 {
		t.Errorf("FrameInterval() = %v, want %v", got, 1000/23.4375)
	}
	if c.IsRunning() {
		t.Error("new clock must not be running")
	}
	if c.CurrentFrameCount() != 0 {
		t.Errorf("CurrentFrameCount() = %d, want 0", c.CurrentFrameCount())
	}
}

func TestNew_Options(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts []frameclock.Option
		want float64
	}{
		{"frame rate", []frameclock.Option{frameclock.WithFrameRate(25)}, 25},
		{"block size", []frameclock.Option{frameclock.WithBlockSize(1024, 48000)}, 46.875},
		{"non-positive rate ignored", []frameclock.Option{frameclock.WithFrameRate(-3)}, frameclock.DefaultFrameRate},
		{"zero block ignored", []frameclock.Option{frameclock.WithBlockSize(0, 48000)}, frameclock.DefaultFrameRate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := frameclock.New(tt.opts...)
			if got := c.FrameRate(); got != tt.want {
				t.Fatalf("FrameRate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClock_Ticks(t *testing.T) {
	t.Parallel()

	c := frameclock.New(frameclock.WithFrameRate(25))
	c.Start()
	defer c.Stop()

	if got := c.CurrentFrameCount(); got != 0 {
		t.Fatalf("count immediately after Start = %d, want 0", got)
	}

	time.Sleep(90 * time.Millisecond)
	if got := c.CurrentFrameCount(); got < 2 || got > 3 {
		t.Fatalf("count after 90ms at 25fps = %d, want 2..3", got)
	}
}

func TestClock_MonotonicWhileRunning(t *testing.T) {
	t.Parallel()

	c := frameclock.New(frameclock.WithFrameRate(500))
	c.Start()
	defer c.Stop()

	var prev int64
	deadline := time.Now().Add(50 * time.Millisecond)
	for time.Now().Before(deadline) {
		n := c.CurrentFrameCount()
		if n < prev {
			t.Fatalf("count went backwards: %d after %d", n, prev)
		}
		prev = n
	}
	if prev == 0 {
		t.Fatal("clock never ticked")
	}
}

func TestClock_StartStopIdempotent(t *testing.T) {
	t.Parallel()

	c := frameclock.New(frameclock.WithFrameRate(200))
	c.Start()
	c.Start()
	if !c.IsRunning() {
		t.Fatal("IsRunning() = false after Start")
	}

	time.Sleep(20 * time.Millisecond)
	c.Stop()
	c.Stop()
	if c.IsRunning() {
		t.Fatal("IsRunning() = true after Stop")
	}

	frozen := c.CurrentFrameCount()
	time.Sleep(20 * time.Millisecond)
	if got := c.CurrentFrameCount(); got != frozen {
		t.Fatalf("count changed after Stop: %d -> %d", frozen, got)
	}

	c.Restart()
	defer c.Stop()
	if got := c.CurrentFrameCount(); got != 0 {
		t.Fatalf("count after Restart = %d, want 0", got)
	}
}

func TestClock_ConcurrentStartStop(t *testing.T) {
	t.Parallel()

	c := frameclock.New(frameclock.WithFrameRate(1000))
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				if i%2 == 0 {
					c.Start()
				} else {
					c.Stop()
				}
			}
		}()
	}
	wg.Wait()
	c.Stop()
	if c.IsRunning() {
		t.Fatal("clock still running after final Stop")
	}
}

func TestClock_ResetFrameCount(t *testing.T) {
	t.Parallel()

	now := &fakeNow{t: time.Unix(1_700_000_000, 0)}
	c := frameclock.New(frameclock.WithNowFunc(now.Now))

	c.NextFrameCount()
	c.NextFrameCount()
	now.Advance(5 * time.Second)
	c.ResetFrameCount()

	if got := c.CurrentFrameCount(); got != 0 {
		t.Fatalf("count after reset = %d, want 0", got)
	}
	if got, want := c.BaseAbsoluteTime(), now.Now().UnixMilli(); got != want {
		t.Fatalf("BaseAbsoluteTime() = %d, want %d", got, want)
	}
}

func TestClock_NextFrameCount(t *testing.T) {
	t.Parallel()

	c := frameclock.New()
	if got := c.NextFrameCount(); got != 1 {
		t.Fatalf("first NextFrameCount() = %d, want 1", got)
	}
	if got := c.NextFrameInfo().FrameCount; got != 2 {
		t.Fatalf("NextFrameInfo().FrameCount = %d, want 2", got)
	}
	if got := c.CurrentFrameCount(); got != 2 {
		t.Fatalf("CurrentFrameCount() = %d, want 2", got)
	}
}

func TestClock_TimeConversions(t *testing.T) {
	t.Parallel()

	now := &fakeNow{t: time.Unix(1_700_000_000, 0)}
	c := frameclock.New(frameclock.WithFrameRate(25), frameclock.WithNowFunc(now.Now))
	base := c.BaseAbsoluteTime()

	tests := []struct {
		name string
		got  int64
		want int64
	}{
		{"relative 0", c.FrameCountByRelativeTime(0), 0},
		{"relative 100ms", c.FrameCountByRelativeTime(100), 3}, // 2.5 rounds away from zero
		{"relative 119ms", c.FrameCountByRelativeTime(119), 3},
		{"relative negative clamps", c.FrameCountByRelativeTime(-50), 0},
		{"absolute before base", c.FrameCountByAbsoluteTime(base - 1), -1},
		{"absolute at base", c.FrameCountByAbsoluteTime(base), 0},
		{"absolute 1s later", c.FrameCountByAbsoluteTime(base + 1000), 25},
		{"delta forward", c.FrameCountByTimeDelta(80), 2},
		{"delta backward clamps", c.FrameCountByTimeDelta(-400), 0},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %d, want %d", tt.name, tt.got, tt.want)
		}
	}
}

func TestClock_FrameInfo(t *testing.T) {
	t.Parallel()

	now := &fakeNow{t: time.Unix(1_700_000_000, 0)}
	c := frameclock.New(frameclock.WithFrameRate(25), frameclock.WithNowFunc(now.Now))
	base := c.BaseAbsoluteTime()

	now.Advance(250 * time.Millisecond)
	info := c.CurrentFrameInfo()
	if got, want := info.AbsoluteTimeMs, base+250; got != want {
		t.Errorf("AbsoluteTimeMs = %d, want %d", got, want)
	}
	if got := info.RelativeTime(c.BaseTime()); got != 250*time.Millisecond {
		t.Errorf("RelativeTime = %v, want 250ms", got)
	}

	ahead := c.FrameInfoByTimeDelta(120)
	if ahead.FrameCount != 3 {
		t.Errorf("FrameInfoByTimeDelta(120).FrameCount = %d, want 3", ahead.FrameCount)
	}
	if got, want := ahead.AbsoluteTimeMs, base+370; got != want {
		t.Errorf("FrameInfoByTimeDelta(120).AbsoluteTimeMs = %d, want %d", got, want)
	}
	if got := ahead.TheoreticalTimeMs(25); got != 120 {
		t.Errorf("TheoreticalTimeMs(25) = %v, want 120", got)
	}
}

func TestDefault_SharedAndRunning(t *testing.T) {
	t.Parallel()

	const callers = 16
	got := make([]*frameclock.Clock, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i] = frameclock.Default()
		}()
	}
	wg.Wait()

	for i, c := range got {
		if c == nil || c != got[0] {
			t.Fatalf("Default() call %d returned %p, want %p", i, c, got[0])
		}
	}
	c := got[0]
	if !c.IsRunning() {
		t.Fatal("Default() clock is not running")
	}
	if c.FrameRate() != frameclock.DefaultFrameRate {
		t.Fatalf("FrameRate() = %v, want %v", c.FrameRate(), frameclock.DefaultFrameRate)
	}
}

func TestClock_Events(t *testing.T) {
	t.Parallel()

	c := frameclock.New(frameclock.WithFrameRate(100))
	sub := c.Subscribe(64)
	defer sub.Close()

	c.Start()
	time.Sleep(35 * time.Millisecond)
	c.Stop()

	seen := map[frameclock.EventType]int{}
	var lastFrame int64 = -1
	for {
		select {
		case ev := <-sub.C():
			seen[ev.Type]++
			if ev.Type == frameclock.EventFrame {
				if ev.Info.FrameCount < lastFrame {
					t.Fatalf("frame events out of order: %d after %d", ev.Info.FrameCount, lastFrame)
				}
				lastFrame = ev.Info.FrameCount
			}
			continue
		default:
		}
		break
	}

	if seen[frameclock.EventStarted] != 1 || seen[frameclock.EventStopped] != 1 {
		t.Fatalf("lifecycle events = %v, want one started and one stopped", seen)
	}
	if seen[frameclock.EventFrame] < 2 {
		t.Fatalf("frame events = %d, want at least 2", seen[frameclock.EventFrame])
	}
}

func TestClock_TickHook(t *testing.T) {
	t.Parallel()

	ticks := make(chan int64, 16)
	c := frameclock.New(
		frameclock.WithFrameRate(200),
		frameclock.WithTickHook(func(info frameclock.FrameInfo, _ time.Duration) {
			select {
			case ticks <- info.FrameCount:
			default:
			}
		}),
	)
	c.Start()
	defer c.Close()

	select {
	case n := <-ticks:
		if n != 1 {
			t.Fatalf("first hooked tick = %d, want 1", n)
		}
	case <-time.After(time.Second):
		t.Fatal("tick hook never called")
	}
}

func TestEventType_String(t *testing.T) {
	t.Parallel()

	if frameclock.EventReset.String() != "reset" {
		t.Fatalf("EventReset.String() = %q", frameclock.EventReset.String())
	}
	if frameclock.EventType(42).String() != "unknown" {
		t.Fatal("unknown event type should stringify as unknown")
	}
}
