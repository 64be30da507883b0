// Package node defines the producer/consumer contract shared by every
// audio-bearing node and provides [Worker], the timer-driven adapter that
// implements it.
//
// A producer owns one [ringbuf.Buffer] per output channel and stamps every
// frame it pushes with the current frame count plus its latency offset. A
// consumer holds the same buffer pointers, polls on its own timer, reads the
// clock once per tick and fetches the frame for that count from every input.
// A node may be both (mixers, transforms).
package node

import (
	"context"
	"errors"

	"github.com/MrWong99/framesync/pkg/ringbuf"
)

// ErrPortOutOfRange is returned when an input or output port index does not
// exist on a node.
var ErrPortOutOfRange = errors.New("node: port out of range")

// FrameSource is the part of the frame clock a worker depends on.
// *frameclock.Clock satisfies it.
type FrameSource interface {
	CurrentFrameCount() int64
}

// Node is a named processing unit with a start/stop lifecycle.
type Node interface {
	Name() string
	Start(ctx context.Context)
	Stop()
}

// Producer exposes the output buffers a node owns. Consumers receive these
// exact pointers when connected.
type Producer interface {
	Node
	Outputs() []*ringbuf.Buffer
	Output(port int) *ringbuf.Buffer
}

// Consumer accepts upstream buffers on numbered input ports.
type Consumer interface {
	Node
	NumInputs() int
	SetInput(port int, buf *ringbuf.Buffer) error
	DisconnectInput(port int)
}
