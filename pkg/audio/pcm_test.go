package audio_test

import (
	"math"
	"testing"

	"github.com/skylark-voice/skylark/pkg/audio"
)

func TestFloat32ToPCM16Boundaries(t *testing.T) {
	tests := []struct {
		name string
		in   float32
		want int16
	}{
		{"positive full scale", 1.0, 32767},
		{"negative full scale", -1.0, -32768},
		{"clipped above", 1.5, 32767},
		{"clipped below", -1.5, -32768},
		{"silence", 0, 0},
		{"half scale", 0.5, 16383},
		{"negative half scale", -0.5, -16384},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := audio.Float32ToPCM16([]float32{tt.in})
			got := audio.BytesToInt16s(b)[0]
			if got != tt.want {
				t.Errorf("Float32ToPCM16(%v) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

// Converting float samples to PCM16 and back must stay within two
// quantisation steps: one from truncation, one from the asymmetric
// 32767/32768 scale pair.
func TestPCMRoundTrip(t *testing.T) {
	in := make([]float32, 480)
	for i := range in {
		switch i % 4 {
		case 0:
			in[i] = 0.5
		case 1:
			in[i] = -0.25
		case 2:
			in[i] = float32(math.Sin(float64(i) / 16))
		default:
			in[i] = 0
		}
	}

	out := audio.PCM16ToFloat32(audio.Float32ToPCM16(in))
	if len(out) != len(in) {
		t.Fatalf("length = %d, want %d", len(out), len(in))
	}
	const step = 2.0 / 32768
	for i := range in {
		if diff := math.Abs(float64(out[i] - in[i])); diff > step {
			t.Fatalf("sample %d: got %v, want %v ± %v", i, out[i], in[i], step)
		}
	}
}

func TestInt16BytesRoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768, 12345, -12345}
	got := audio.BytesToInt16s(audio.Int16sToBytes(in))
	if len(got) != len(in) {
		t.Fatalf("length = %d, want %d", len(got), len(in))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], in[i])
		}
	}
}

func TestFrameBufferSize(t *testing.T) {
	tests := []struct {
		sampleRate int
		frameMs    int
		want       int
	}{
		{16000, 60, 1024}, // 960 samples
		{16000, 20, 512},  // 320 samples
		{24000, 60, 2048}, // 1440 samples
		{8000, 16, 128},   // 128 samples, already a power of two
	}
	for _, tt := range tests {
		if got := audio.FrameBufferSize(tt.sampleRate, tt.frameMs); got != tt.want {
			t.Errorf("FrameBufferSize(%d, %d) = %d, want %d", tt.sampleRate, tt.frameMs, got, tt.want)
		}
	}
}
