package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// RecordingFormat is the format recordings are normalised to before they are
// encoded and sent for transcription.
var RecordingFormat = Format{SampleRate: 16000, Channels: 1}

// Normalizer converts captured frames to a single mono target format. Browser
// capture commonly arrives as 44.1 or 48 kHz stereo.
// Create one per stream; it is not safe for concurrent use.
type Normalizer struct {
	Target Format

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Normalize returns frame converted to the target format. Frames that already
// match are returned unchanged. Frames with misaligned PCM are dropped (empty
// Data). Channel counts above two are not supported and are dropped too.
func (n *Normalizer) Normalize(frame Frame) Frame {
	out := Frame{SampleRate: n.Target.SampleRate, Channels: n.Target.Channels, Timestamp: frame.Timestamp}

	if len(frame.Data)%(2*max(frame.Channels, 1)) != 0 || frame.Channels > 2 || frame.Channels < 1 {
		n.warnedCorrupt.Do(func() {
			slog.Warn("audio: dropping malformed capture frame",
				"bytes", len(frame.Data),
				"format", frame.Format().String(),
			)
		})
		return out
	}
	if frame.Format() == n.Target {
		return frame
	}

	n.warnedMismatch.Do(func() {
		slog.Debug("audio: normalising capture format",
			"from", frame.Format().String(),
			"to", n.Target.String(),
		)
	})

	pcm := frame.Data
	if frame.Channels == 2 {
		pcm = StereoToMono(pcm)
	}
	out.Data = ResampleMono16(pcm, frame.SampleRate, n.Target.SampleRate)
	return out
}

// StereoToMono averages interleaved L/R int16 samples into mono.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(sampleAt(pcm, i*2))
		r := int32(sampleAt(pcm, i*2+1))
		putSample(out, i, int16((l+r)/2))
	}
	return out
}

// ResampleMono16 resamples mono int16 PCM from srcRate to dstRate with linear
// interpolation. Invalid rates or equal rates return the input unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstSamples {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := sampleAt(pcm, idx)
		s1 := s0
		if idx+1 < srcSamples {
			s1 = sampleAt(pcm, idx+1)
		}
		putSample(out, i, int16(float64(s0)*(1-frac)+float64(s1)*frac))
	}
	return out
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

func putSample(pcm []byte, i int, s int16) {
	pcm[i*2] = byte(s)
	pcm[i*2+1] = byte(s >> 8)
}
