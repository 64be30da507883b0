package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to keep an upstream writer from blocking once its reader has gone
// away (e.g., the packet channel of a stopped decoder node).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
