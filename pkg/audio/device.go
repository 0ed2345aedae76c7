// Package audio defines the audio capture and playback abstractions used by
// the voice assistant, plus the PCM helpers needed to analyse and encode
// recordings.
//
// The two device abstractions are:
//
//   - [Microphone] opens a capture [Stream] delivering PCM [Frame] values.
//   - [Player] loads an encoded [Clip] into a [Track] that can be played,
//     stopped and released.
//
// Implementations live in sub-packages: audio/relay bridges both to a browser
// over WebSocket, audio/mock provides scripted test doubles.
package audio

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied is returned by [Microphone.Open] when the user or
	// the host refused access to the capture device.
	ErrPermissionDenied = errors.New("audio: microphone permission denied")

	// ErrNoDevice is returned when no capture or playback device is attached.
	ErrNoDevice = errors.New("audio: no device available")

	// ErrDeviceBusy is returned when the device is already in use by another
	// stream or track.
	ErrDeviceBusy = errors.New("audio: device busy")

	// ErrReleased is returned by [Track] methods after Release.
	ErrReleased = errors.New("audio: track released")
)

// Microphone opens capture streams.
//
// Implementations must be safe for concurrent use.
type Microphone interface {
	// Open acquires the capture device. ctx bounds the acquisition only; the
	// stream lives until Close.
	Open(ctx context.Context) (Stream, error)
}

// Stream is an open capture session.
type Stream interface {
	// Frames delivers captured audio. The channel is closed when the stream
	// is closed or the device goes away.
	Frames() <-chan Frame

	// Close stops capture and releases the device. It is safe to call more
	// than once.
	Close() error
}

// Player loads audio clips for playback.
//
// Implementations must be safe for concurrent use.
type Player interface {
	Load(ctx context.Context, clip Clip) (Track, error)
}

// Track is a loaded clip.
type Track interface {
	// Play starts playback from the current position and blocks until the
	// clip ends (nil), Stop is called (nil) or playback fails. Cancelling ctx
	// stops playback and returns ctx.Err().
	Play(ctx context.Context) error

	// Stop halts playback and rewinds to the start.
	Stop() error

	// Release frees the underlying resource. Further calls fail with
	// [ErrReleased]. Release is idempotent.
	Release() error
}
