package audio

import (
	"math"
	"sync"
)

// DefaultAnalyserSize is the number of most recent samples the [Analyser]
// keeps, matching a 512-point time-domain analysis window.
const DefaultAnalyserSize = 512

// PCM16ToFloat converts little-endian int16 PCM to samples in [-1, 1).
func PCM16ToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(sampleAt(pcm, i)) / 32768
	}
	return out
}

// RMS returns the root-mean-square amplitude of normalised samples. An empty
// slice has an RMS of zero.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Analyser keeps a rolling window of the most recent captured samples so the
// current loudness can be polled independently of frame arrival.
// It is safe for concurrent use.
type Analyser struct {
	mu     sync.Mutex
	buf    []float32
	next   int
	filled bool
}

// NewAnalyser returns an analyser over the last size samples. A non-positive
// size selects [DefaultAnalyserSize].
func NewAnalyser(size int) *Analyser {
	if size <= 0 {
		size = DefaultAnalyserSize
	}
	return &Analyser{buf: make([]float32, size)}
}

// Write appends int16 PCM samples to the window.
func (a *Analyser) Write(pcm []byte) {
	samples := PCM16ToFloat(pcm)
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range samples {
		a.buf[a.next] = s
		a.next++
		if a.next == len(a.buf) {
			a.next = 0
			a.filled = true
		}
	}
}

// RMS returns the RMS amplitude of the samples currently in the window.
// Before any audio arrives it reports zero.
func (a *Analyser) RMS() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.filled {
		return RMS(a.buf)
	}
	return RMS(a.buf[:a.next])
}
