package voice

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/voxray-ai/console/internal/resilience"
	"github.com/voxray-ai/console/pkg/audio"
	"github.com/voxray-ai/console/pkg/backend"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      FailureKind
		text      string
		retryable bool
	}{
		{"permission", fmt.Errorf("open: %w", audio.ErrPermissionDenied), KindPermissionDenied, "Microphone access denied. Please check permissions.", false},
		{"no device", audio.ErrNoDevice, KindPermissionDenied, "Microphone access denied. Please check permissions.", false},
		{"empty transcription", ErrEmptyTranscription, KindEmptyTranscription, "I didn't catch that. Please try again.", false},
		{"network", fmt.Errorf("chat: %w: dial tcp: refused", backend.ErrNetwork), KindNetwork, "Network error. Please check your connection.", true},
		{"timeout", fmt.Errorf("chat: %w", context.DeadlineExceeded), KindNetwork, "Network error. Please check your connection.", true},
		{"401", &backend.StatusError{Op: "chat", Code: http.StatusUnauthorized}, KindAuthExpired, "Session expired. Please refresh the page.", false},
		{"503", &backend.StatusError{Op: "chat", Code: http.StatusServiceUnavailable}, KindUnavailable, "Server is unavailable. Please try again later.", true},
		{"breaker open", fmt.Errorf("%w: %w", resilience.ErrAllFailed, resilience.ErrCircuitOpen), KindUnavailable, "Server is unavailable. Please try again later.", true},
		{"500", &backend.StatusError{Op: "speech", Code: http.StatusInternalServerError}, KindUnclassified, "Something went wrong. Please try again.", true},
		{"other", errors.New("boom"), KindUnclassified, "Something went wrong. Please try again.", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Classify(tt.err)
			if f.Kind != tt.kind || f.Text != tt.text || f.Retryable != tt.retryable {
				t.Errorf("Classify = %+v, want {%s %q %v}", f, tt.kind, tt.text, tt.retryable)
			}
		})
	}
}

func TestFailureFor(t *testing.T) {
	if f := FailureFor(KindPlaybackFailed); f.Text != "Failed to play audio response." || f.Retryable {
		t.Errorf("playback failure = %+v", f)
	}
	if f := FailureFor(KindTranscriptionFailed); f.Text != "Couldn't process audio. Please try again." || f.Retryable {
		t.Errorf("transcription failure = %+v", f)
	}
	if f := FailureFor("nonsense"); f.Kind != KindUnclassified {
		t.Errorf("unknown kind = %+v", f)
	}
}

func TestFormatContext(t *testing.T) {
	got := FormatContext(backend.Diagnosis{Diagnosis: "Pneumonia", Confidence: 0.87})
	if want := "Diagnosis: Pneumonia, Confidence: 87.0%"; got != want {
		t.Errorf("FormatContext = %q, want %q", got, want)
	}
}
