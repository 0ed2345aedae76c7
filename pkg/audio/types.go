package audio

import "time"

// Frame is a chunk of captured audio. Data holds little-endian signed 16-bit
// PCM; sample rate and channel count travel with every frame because browser
// capture devices choose their own native format.
type Frame struct {
	Data       []byte
	SampleRate int
	Channels   int

	// Timestamp is the capture offset relative to stream start.
	Timestamp time.Duration
}

// Format returns the frame's sample rate and channel count.
func (f Frame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Duration returns how much audio the frame carries.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Clip is an encoded audio resource such as a recorded WAV file or a
// synthesized speech response.
type Clip struct {
	Data     []byte
	MIMEType string
}

// Empty reports whether the clip carries no audio.
func (c Clip) Empty() bool { return len(c.Data) == 0 }
