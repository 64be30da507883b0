package health

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/framesync/pkg/ringbuf"
)

type fakeClock struct {
	running bool
	count   atomic.Int64
	advance bool
}

func (c *fakeClock) IsRunning() bool { return c.running }

func (c *fakeClock) CurrentFrameCount() int64 {
	if c.advance {
		return c.count.Add(1)
	}
	return c.count.Load()
}

func (c *fakeClock) FrameDuration() time.Duration { return 10 * time.Millisecond }

func TestClockRunning(t *testing.T) {
	t.Parallel()

	if err := ClockRunning(&fakeClock{running: true}).Check(context.Background()); err != nil {
		t.Errorf("running clock: %v", err)
	}
	if err := ClockRunning(&fakeClock{}).Check(context.Background()); err == nil {
		t.Error("stopped clock passed")
	}
}

func TestClockAdvancing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		clock   *fakeClock
		wantErr string
	}{
		{"advancing", &fakeClock{running: true, advance: true}, ""},
		{"stuck", &fakeClock{running: true}, "stuck at 0"},
		{"stopped", &fakeClock{}, "stopped"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ClockAdvancing(tt.clock).Check(context.Background())
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestClockAdvancing_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ClockAdvancing(&fakeClock{running: true}).Check(ctx); err == nil {
		t.Fatal("expected context error")
	}
}

func TestBuffersActive(t *testing.T) {
	t.Parallel()

	set := ringbuf.NewSet("noise", 2, 4)
	check := BuffersActive(set.Buffers)

	set.SetActive(true)
	if err := check.Check(context.Background()); err != nil {
		t.Fatalf("all active: %v", err)
	}

	set.Channel(1).SetActive(false)
	err := check.Check(context.Background())
	if err == nil || !strings.Contains(err.Error(), "noise:1") {
		t.Fatalf("error = %v, want naming noise:1", err)
	}
}
