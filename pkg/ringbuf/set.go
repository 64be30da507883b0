package ringbuf

import (
	"fmt"

	"github.com/MrWong99/framesync/pkg/audio"
)

// Set is the group of output buffers owned by one producer, one per logical
// output channel. Buffers are named "<name>:<index>".
type Set struct {
	name    string
	buffers []*Buffer
}

// NewSet creates channels buffers of the given capacity.
func NewSet(name string, channels, capacity int) *Set {
	s := &Set{name: name, buffers: make([]*Buffer, max(channels, 0))}
	for i := range s.buffers {
		s.buffers[i] = New(capacity, WithName(fmt.Sprintf("%s:%d", name, i)))
	}
	return s
}

// Name returns the owning producer's name.
func (s *Set) Name() string { return s.name }

// Len returns the number of buffers.
func (s *Set) Len() int { return len(s.buffers) }

// Channel returns buffer i, or nil when i is out of range.
func (s *Set) Channel(i int) *Buffer {
	if i < 0 || i >= len(s.buffers) {
		return nil
	}
	return s.buffers[i]
}

// Buffers returns all buffers in channel order. The slice must not be modified.
func (s *Set) Buffers() []*Buffer { return s.buffers }

// Push writes f to buffer i. It returns false when i is out of range or the
// buffer rejected the frame.
func (s *Set) Push(i int, f audio.AudioFrame) bool {
	b := s.Channel(i)
	if b == nil {
		return false
	}
	return b.Push(f)
}

// SetActive pauses or resumes every buffer.
func (s *Set) SetActive(active bool) {
	for _, b := range s.buffers {
		b.SetActive(active)
	}
}

// Clear clears every buffer.
func (s *Set) Clear() {
	for _, b := range s.buffers {
		b.Clear()
	}
}

// UsedRatio returns the mean used ratio across active buffers, or -1 when no
// buffer is active.
func (s *Set) UsedRatio() float64 {
	var sum float64
	n := 0
	for _, b := range s.buffers {
		if !b.IsActive() {
			continue
		}
		sum += b.UsedRatio()
		n++
	}
	if n == 0 {
		return -1
	}
	return sum / float64(n)
}
