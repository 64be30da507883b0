package mixer_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/framesync/pkg/audio"
	"github.com/MrWong99/framesync/pkg/audio/mixer"
	"github.com/MrWong99/framesync/pkg/ringbuf"
)

type manualClock struct{ n atomic.Int64 }

func (c *manualClock) CurrentFrameCount() int64 { return c.n.Load() }

// mono builds a 16-bit mono frame from float samples.
func mono(ts int64, samples ...float32) audio.AudioFrame {
	pcm := make([]int16, len(samples))
	for i, s := range samples {
		pcm[i] = audio.FloatToInt16(s)
	}
	return audio.AudioFrame{
		Data:          audio.Int16sToBytes(pcm),
		SampleRate:    48000,
		Channels:      1,
		BitsPerSample: 16,
		Timestamp:     ts,
	}
}

func floats(f audio.AudioFrame) []float32 {
	pcm := audio.BytesToInt16s(f.Data)
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32767
	}
	return out
}

func approx(a, b float32) bool {
	d := a - b
	return d < 2e-4 && d > -2e-4
}

func TestNew_Validation(t *testing.T) {
	if _, err := mixer.New("m", &manualClock{}, 0, 2); err == nil {
		t.Fatal("expected error for zero inputs")
	}
	_, err := mixer.New("m", &manualClock{}, 2, 2, mixer.WithMatrix(mixer.Matrix{{1, 0}}))
	if !errors.Is(err, mixer.ErrMatrixShape) {
		t.Fatalf("error = %v, want ErrMatrixShape", err)
	}

	m, err := mixer.New("m", &manualClock{}, 3, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	want := mixer.Identity(3, 2)
	got := m.Matrix()
	for i := range want {
		for o := range want[i] {
			if got[i][o] != want[i][o] {
				t.Fatalf("default matrix = %v, want %v", got, want)
			}
		}
	}
}

func TestMix(t *testing.T) {
	tests := []struct {
		name    string
		matrix  mixer.Matrix
		frames  []audio.AudioFrame
		present []bool
		want    [][]float32
	}{
		{
			name:    "sum with gains",
			matrix:  mixer.Matrix{{1, 0.5}, {1, 0}},
			frames:  []audio.AudioFrame{mono(1, 0.2, -0.4), mono(1, 0.1, 0.1)},
			present: []bool{true, true},
			want:    [][]float32{{0.3, -0.3}, {0.1, -0.2}},
		},
		{
			name:    "clamped",
			matrix:  mixer.Matrix{{1}, {1}},
			frames:  []audio.AudioFrame{mono(1, 0.8, -0.8), mono(1, 0.8, -0.8)},
			present: []bool{true, true},
			want:    [][]float32{{1, -1}},
		},
		{
			name:    "missing input is silence",
			matrix:  mixer.Matrix{{1}, {1}},
			frames:  []audio.AudioFrame{{}, mono(1, 0.25)},
			present: []bool{false, true},
			want:    [][]float32{{0.25}},
		},
		{
			name:    "short input zero padded",
			matrix:  mixer.Matrix{{1}, {1}},
			frames:  []audio.AudioFrame{mono(1, 0.1), mono(1, 0.1, 0.2, 0.3)},
			present: []bool{true, true},
			want:    [][]float32{{0.2, 0.2, 0.3}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := mixer.New("m", &manualClock{}, len(tt.matrix), len(tt.matrix[0]), mixer.WithMatrix(tt.matrix))
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			out := m.Mix(9, tt.frames, tt.present)
			if len(out) != len(tt.want) {
				t.Fatalf("got %d outputs, want %d", len(out), len(tt.want))
			}
			for o, want := range tt.want {
				if out[o].Timestamp != 9 || out[o].Channels != 1 || out[o].SampleRate != 48000 {
					t.Fatalf("output %d header = %+v", o, out[o])
				}
				got := floats(out[o])
				if len(got) != len(want) {
					t.Fatalf("output %d = %v, want %v", o, got, want)
				}
				for s := range want {
					if !approx(got[s], want[s]) {
						t.Fatalf("output %d = %v, want %v", o, got, want)
					}
				}
			}
		})
	}
}

func TestMix_NoInputs(t *testing.T) {
	m, _ := mixer.New("m", &manualClock{}, 2, 1)
	if out := m.Mix(1, make([]audio.AudioFrame, 2), make([]bool, 2)); out != nil {
		t.Fatalf("Mix with no inputs = %v, want nil", out)
	}
}

func TestSetMatrix(t *testing.T) {
	m, _ := mixer.New("m", &manualClock{}, 1, 2)

	if err := m.SetMatrix(mixer.Matrix{{0, 1, 0}}); !errors.Is(err, mixer.ErrMatrixShape) {
		t.Fatalf("SetMatrix wrong shape error = %v", err)
	}

	swap := mixer.Matrix{{0, 0.5}}
	if err := m.SetMatrix(swap); err != nil {
		t.Fatalf("SetMatrix: %v", err)
	}
	swap[0][1] = 9 // must not alias
	out := m.Mix(1, []audio.AudioFrame{mono(1, 0.5)}, []bool{true})
	if got := floats(out[0]); !approx(got[0], 0) {
		t.Fatalf("output 0 = %v, want 0", got)
	}
	if got := floats(out[1]); !approx(got[0], 0.25) {
		t.Fatalf("output 1 = %v, want 0.25", got)
	}
}

func TestMixer_EndToEnd(t *testing.T) {
	clk := &manualClock{}
	clk.n.Store(4)

	src := ringbuf.New(8)
	m, err := mixer.New("m", clk, 1, 2, mixer.WithPollInterval(time.Millisecond), mixer.WithMatrix(mixer.Matrix{{1, 1}}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.SetInput(0, src); err != nil {
		t.Fatalf("SetInput: %v", err)
	}
	src.Push(mono(4, 0.5))

	m.Start(context.Background())
	defer m.Close()

	deadline := time.Now().Add(2 * time.Second)
	for m.Output(1).Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	// Stamped with count 4 plus the default offset of 2.
	for o := range 2 {
		f, ok := m.Output(o).FrameByTimestamp(4 + mixer.DefaultLatencyOffset)
		if !ok {
			t.Fatalf("output %d missing frame %d", o, 4+mixer.DefaultLatencyOffset)
		}
		if got := floats(f); !approx(got[0], 0.5) {
			t.Fatalf("output %d = %v, want 0.5", o, got)
		}
	}
}
