package voice

import (
	"context"
	"errors"
	"net/http"

	"github.com/voxray-ai/console/internal/resilience"
	"github.com/voxray-ai/console/pkg/audio"
	"github.com/voxray-ai/console/pkg/backend"
)

var (
	// ErrBusy is returned when a trigger arrives while the controller is not
	// in the state it requires, e.g. a second query during PROCESSING.
	ErrBusy = errors.New("voice: busy")

	// ErrNotListening is returned by StopRecording outside LISTENING.
	ErrNotListening = errors.New("voice: not listening")

	// ErrNotSpeaking is returned by StopPlayback outside SPEAKING.
	ErrNotSpeaking = errors.New("voice: not speaking")

	// ErrEmptyText is returned for blank text queries.
	ErrEmptyText = errors.New("voice: empty text")

	// ErrEmptyTranscription marks a transcription with no speech in it.
	ErrEmptyTranscription = errors.New("voice: empty transcription")

	// ErrUnknownMessage is returned by Retry for an ID not in the store.
	ErrUnknownMessage = errors.New("voice: unknown message")

	// ErrNotRetryable is returned by Retry for messages without a retry input.
	ErrNotRetryable = errors.New("voice: message is not retryable")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("voice: controller closed")

	// ErrIllegalTransition is returned for a from → to pair missing from the
	// transition table.
	ErrIllegalTransition = errors.New("voice: illegal transition")

	// ErrWrongState is returned when the machine is not in the expected
	// source state.
	ErrWrongState = errors.New("voice: wrong state")
)

// FailureKind classifies a failure shown to the user.
type FailureKind string

const (
	KindPermissionDenied    FailureKind = "permission-denied"
	KindEmptyTranscription  FailureKind = "empty-transcription"
	KindNetwork             FailureKind = "network-unreachable"
	KindAuthExpired         FailureKind = "auth-expired"
	KindUnavailable         FailureKind = "backend-unavailable"
	KindTranscriptionFailed FailureKind = "transcription-failed"
	KindPlaybackFailed      FailureKind = "playback-failed"
	KindUnclassified        FailureKind = "unclassified"
)

// Failure is the user-facing rendering of an error.
type Failure struct {
	Kind      FailureKind
	Text      string
	Retryable bool
}

var failures = map[FailureKind]Failure{
	KindPermissionDenied:    {KindPermissionDenied, "Microphone access denied. Please check permissions.", false},
	KindEmptyTranscription:  {KindEmptyTranscription, "I didn't catch that. Please try again.", false},
	KindNetwork:             {KindNetwork, "Network error. Please check your connection.", true},
	KindAuthExpired:         {KindAuthExpired, "Session expired. Please refresh the page.", false},
	KindUnavailable:         {KindUnavailable, "Server is unavailable. Please try again later.", true},
	KindTranscriptionFailed: {KindTranscriptionFailed, "Couldn't process audio. Please try again.", false},
	KindPlaybackFailed:      {KindPlaybackFailed, "Failed to play audio response.", false},
	KindUnclassified:        {KindUnclassified, "Something went wrong. Please try again.", true},
}

// FailureFor returns the canned failure of the given kind.
func FailureFor(kind FailureKind) Failure {
	if f, ok := failures[kind]; ok {
		return f
	}
	return failures[KindUnclassified]
}

// Classify maps an error from the pipeline onto the failure taxonomy.
func Classify(err error) Failure {
	switch {
	case errors.Is(err, audio.ErrPermissionDenied),
		errors.Is(err, audio.ErrNoDevice),
		errors.Is(err, audio.ErrDeviceBusy):
		return FailureFor(KindPermissionDenied)
	case errors.Is(err, ErrEmptyTranscription):
		return FailureFor(KindEmptyTranscription)
	}

	if code, ok := backend.StatusCode(err); ok {
		switch code {
		case http.StatusUnauthorized:
			return FailureFor(KindAuthExpired)
		case http.StatusServiceUnavailable:
			return FailureFor(KindUnavailable)
		}
	}

	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return FailureFor(KindUnavailable)
	case errors.Is(err, backend.ErrNetwork), errors.Is(err, context.DeadlineExceeded):
		return FailureFor(KindNetwork)
	}
	return FailureFor(KindUnclassified)
}
