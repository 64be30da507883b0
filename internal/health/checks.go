package health

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/framesync/pkg/ringbuf"
)

// Clock is the part of the frame clock the built-in checkers need.
type Clock interface {
	IsRunning() bool
	CurrentFrameCount() int64
	FrameDuration() time.Duration
}

// ClockRunning fails when the clock is stopped.
func ClockRunning(c Clock) Checker {
	return Checker{
		Name: "clock",
		Check: func(context.Context) error {
			if !c.IsRunning() {
				return errors.New("frame clock is stopped")
			}
			return nil
		},
	}
}

// ClockAdvancing fails when the frame count does not change within two frame
// durations.
func ClockAdvancing(c Clock) Checker {
	return Checker{
		Name: "clock_advancing",
		Check: func(ctx context.Context) error {
			if !c.IsRunning() {
				return errors.New("frame clock is stopped")
			}
			start := c.CurrentFrameCount()
			wait := 2 * c.FrameDuration()
			poll := time.NewTicker(max(c.FrameDuration()/4, time.Millisecond))
			defer poll.Stop()
			deadline := time.NewTimer(wait)
			defer deadline.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-deadline.C:
					return fmt.Errorf("frame count stuck at %d for %v", start, wait)
				case <-poll.C:
					if c.CurrentFrameCount() != start {
						return nil
					}
				}
			}
		},
	}
}

// BuffersActive fails when any buffer returned by list is inactive.
func BuffersActive(list func() []*ringbuf.Buffer) Checker {
	return Checker{
		Name: "buffers",
		Check: func(context.Context) error {
			var inactive []string
			for _, b := range list() {
				if !b.IsActive() {
					inactive = append(inactive, b.Name())
				}
			}
			if len(inactive) > 0 {
				return fmt.Errorf("inactive: %s", strings.Join(inactive, ", "))
			}
			return nil
		},
	}
}
