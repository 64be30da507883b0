package node

import (
	"github.com/MrWong99/framesync/pkg/audio"
	"github.com/MrWong99/framesync/pkg/ringbuf"
)

// Splitter distributes interleaved frames over the per-channel buffers of a
// [ringbuf.Set]. Channel i of the frame goes to buffer i; a mono frame is
// copied to every buffer, and surplus channels without a buffer are dropped.
type Splitter struct {
	set *ringbuf.Set
}

// NewSplitter returns a Splitter writing into set.
func NewSplitter(set *ringbuf.Set) *Splitter {
	return &Splitter{set: set}
}

// Push splits f and pushes the parts. It returns how many buffers accepted a
// frame.
func (s *Splitter) Push(f audio.AudioFrame) int {
	parts := audio.Deinterleave(f)
	if len(parts) == 0 {
		return 0
	}

	accepted := 0
	for i := range s.set.Len() {
		var part audio.AudioFrame
		switch {
		case len(parts) == 1:
			part = parts[0]
		case i < len(parts):
			part = parts[i]
		default:
			continue
		}
		if s.set.Push(i, part) {
			accepted++
		}
	}
	return accepted
}
