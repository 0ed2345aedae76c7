package audio_test

import (
	"math"
	"testing"

	"github.com/voxray-ai/console/pkg/audio"
)

func TestRMS(t *testing.T) {
	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v, want 0", got)
	}
	if got := audio.RMS([]float32{0.5, -0.5, 0.5, -0.5}); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("RMS = %v, want 0.5", got)
	}
}

func TestPCM16ToFloat(t *testing.T) {
	got := audio.PCM16ToFloat(samplesToBytes([]int16{0, 16384, -32768}))
	want := []float32{0, 0.5, -1}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestAnalyser_RollingWindow(t *testing.T) {
	a := audio.NewAnalyser(4)
	if got := a.RMS(); got != 0 {
		t.Errorf("RMS before audio = %v, want 0", got)
	}

	loud := samplesToBytes([]int16{16384, -16384, 16384, -16384})
	a.Write(loud)
	if got := a.RMS(); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("RMS = %v, want 0.5", got)
	}

	// Four silent samples evict the loud window entirely.
	a.Write(samplesToBytes([]int16{0, 0, 0, 0}))
	if got := a.RMS(); got != 0 {
		t.Errorf("RMS after silence = %v, want 0", got)
	}

	// Partial overwrite: two loud samples among two silent ones.
	a.Write(samplesToBytes([]int16{16384, 16384}))
	want := math.Sqrt((0.25 + 0.25) / 4)
	if got := a.RMS(); math.Abs(got-want) > 1e-9 {
		t.Errorf("RMS = %v, want %v", got, want)
	}
}

func TestAnalyser_PartialFill(t *testing.T) {
	a := audio.NewAnalyser(0)
	a.Write(samplesToBytes([]int16{16384, -16384}))
	if got := a.RMS(); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("RMS = %v, want 0.5 over filled samples only", got)
	}
}
