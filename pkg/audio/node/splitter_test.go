package node_test

import (
	"testing"

	"github.com/MrWong99/framesync/pkg/audio"
	"github.com/MrWong99/framesync/pkg/audio/node"
	"github.com/MrWong99/framesync/pkg/ringbuf"
)

func TestSplitter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		channels int
		samples  []int16
		bufs     int
		want     [][]int16
	}{
		{"stereo to two", 2, []int16{1, 10, 2, 20}, 2, [][]int16{{1, 2}, {10, 20}}},
		{"mono to all", 1, []int16{7, 8}, 3, [][]int16{{7, 8}, {7, 8}, {7, 8}}},
		{"surplus channels dropped", 3, []int16{1, 2, 3}, 2, [][]int16{{1}, {2}}},
		{"missing channels left empty", 2, []int16{1, 2}, 3, [][]int16{{1}, {2}, nil}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			set := ringbuf.NewSet("dec", tt.bufs, 4)
			f := audio.AudioFrame{
				Data:          audio.Int16sToBytes(tt.samples),
				SampleRate:    48000,
				Channels:      tt.channels,
				BitsPerSample: 16,
				Timestamp:     9,
			}
			accepted := node.NewSplitter(set).Push(f)

			wantAccepted := 0
			for i, want := range tt.want {
				got, ok := set.Channel(i).FrameByTimestamp(9)
				if want == nil {
					if ok {
						t.Errorf("buffer %d received a frame", i)
					}
					continue
				}
				wantAccepted++
				if !ok {
					t.Fatalf("buffer %d missed", i)
				}
				pcm := audio.BytesToInt16s(got.Data)
				if len(pcm) != len(want) {
					t.Fatalf("buffer %d: got %v, want %v", i, pcm, want)
				}
				for j := range want {
					if pcm[j] != want[j] {
						t.Fatalf("buffer %d: got %v, want %v", i, pcm, want)
					}
				}
			}
			if accepted != wantAccepted {
				t.Fatalf("Push accepted %d, want %d", accepted, wantAccepted)
			}
		})
	}
}
