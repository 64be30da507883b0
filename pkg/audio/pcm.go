package audio

import "encoding/binary"

// BitsPerSample16 is the only sample width produced by the built-in nodes.
const BitsPerSample16 = 16

// Int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

// BytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
// A trailing odd byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return pcm
}

// Int16ToFloat scales an int16 sample into [-1, 1).
func Int16ToFloat(s int16) float32 {
	return float32(s) / 32768
}

// FloatToInt16 clamps f to [-1, 1] and scales it to the int16 range.
func FloatToInt16(f float32) int16 {
	if f > 1 {
		f = 1
	} else if f < -1 {
		f = -1
	}
	return int16(f * 32767)
}

// MonoFloats downmixes an interleaved 16-bit frame into float samples in
// [-1, 1). Stereo is averaged; wider layouts use the first channel only.
func MonoFloats(f AudioFrame) []float32 {
	pcm := BytesToInt16s(f.Data)
	channels := max(f.Channels, 1)
	n := len(pcm) / channels
	out := make([]float32, n)
	for i := range n {
		switch channels {
		case 1:
			out[i] = Int16ToFloat(pcm[i])
		case 2:
			out[i] = (Int16ToFloat(pcm[i*2]) + Int16ToFloat(pcm[i*2+1])) * 0.5
		default:
			out[i] = Int16ToFloat(pcm[i*channels])
		}
	}
	return out
}

// Deinterleave splits an interleaved 16-bit frame into one mono frame per
// channel. Every output frame inherits the timestamp and sample rate of f.
// A frame with fewer than one channel yields nil.
func Deinterleave(f AudioFrame) []AudioFrame {
	if f.Channels < 1 {
		return nil
	}
	pcm := BytesToInt16s(f.Data)
	perChannel := len(pcm) / f.Channels

	out := make([]AudioFrame, f.Channels)
	for ch := range f.Channels {
		data := make([]byte, perChannel*2)
		for i := range perChannel {
			s := pcm[i*f.Channels+ch]
			data[i*2] = byte(s)
			data[i*2+1] = byte(s >> 8)
		}
		out[ch] = AudioFrame{
			Data:          data,
			SampleRate:    f.SampleRate,
			Channels:      1,
			BitsPerSample: BitsPerSample16,
			Timestamp:     f.Timestamp,
		}
	}
	return out
}
