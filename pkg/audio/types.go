// Package audio defines the frame type exchanged between synchronised audio
// nodes and a handful of PCM helpers shared by the built-in nodes.
//
// Frames are addressed by frame-clock count, not by wall-clock time: a
// producer stamps each [AudioFrame] with the current count of the shared
// frameclock (plus its own latency offset), and consumers look frames up by
// that count in a ringbuf.Buffer.
package audio

// AudioFrame represents a single block of PCM audio flowing through the graph.
//
// A zero Timestamp is the sentinel for "never written" and marks an invalid
// frame; producers must never publish a frame stamped 0.
type AudioFrame struct {
	// Data holds interleaved little-endian PCM samples.
	Data []byte

	// SampleRate in Hz (e.g., 48000).
	SampleRate int

	// Channels is the number of interleaved channels in Data.
	Channels int

	// BitsPerSample is the sample width; the built-in nodes only produce 16.
	BitsPerSample int

	// Timestamp is the frame-clock count this block belongs to.
	Timestamp int64
}

// Valid reports whether f carries a real timestamp.
func (f AudioFrame) Valid() bool {
	return f.Timestamp > 0
}

// Clone returns a copy of f whose Data does not alias the original.
func (f AudioFrame) Clone() AudioFrame {
	if f.Data != nil {
		f.Data = append([]byte(nil), f.Data...)
	}
	return f
}

// Samples returns the number of samples per channel contained in f, or 0
// when the format fields are unset.
func (f AudioFrame) Samples() int {
	bytesPerSample := f.BitsPerSample / 8
	if bytesPerSample <= 0 || f.Channels <= 0 {
		return 0
	}
	return len(f.Data) / (bytesPerSample * f.Channels)
}
