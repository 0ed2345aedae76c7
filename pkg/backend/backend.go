// Package backend defines the remote collaborators the console depends on:
// speech-to-text, chat, text-to-speech, image diagnosis and explainability.
//
// Every collaborator is an opaque HTTP service. Implementations live in
// sub-packages (backend/voxray for the inference server, backend/openai for
// an OpenAI-compatible chat model, backend/anyllm for other hosted or local
// chat models, backend/mock for tests) and report
// failures with [*StatusError] for non-2xx responses and [ErrNetwork] for
// transport failures so callers can classify them uniformly.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/voxray-ai/console/pkg/audio"
	"github.com/voxray-ai/console/pkg/conversation"
)

// DefaultSystemPrompt frames hosted chat models for radiology questions.
const DefaultSystemPrompt = "You are VoxRay, a concise assistant helping clinicians interpret chest X-ray " +
	"classifier results. Answer in plain spoken English suitable for text-to-speech, " +
	"at most four sentences, and remind the user that findings require confirmation " +
	"by a qualified radiologist when giving clinical advice."

// ErrNetwork marks failures to reach a backend at all: DNS, connection
// refused, reset, TLS and similar transport errors.
var ErrNetwork = errors.New("backend: network unreachable")

// StatusError is returned when a backend answered with a non-2xx status.
type StatusError struct {
	Op   string
	Code int
	Body string
}

// Error implements error.
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend: %s: HTTP %d", e.Op, e.Code)
	}
	return fmt.Sprintf("backend: %s: HTTP %d: %s", e.Op, e.Code, e.Body)
}

// StatusCode returns the HTTP status carried by err, if any.
func StatusCode(err error) (int, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code, true
	}
	return 0, false
}

// ChatRequest is one turn submitted to a chat backend.
type ChatRequest struct {
	// Message is the user's text for this turn.
	Message string

	// Context describes the current diagnosis. Empty when none is available.
	Context string

	// History holds earlier turns, oldest first, excluding Message.
	History []conversation.HistoryEntry
}

// Image is an uploaded scan.
type Image struct {
	Name     string
	Data     []byte
	MIMEType string
}

// Diagnosis is the classifier's verdict for an image.
type Diagnosis struct {
	Diagnosis  string  `json:"diagnosis"`
	Confidence float64 `json:"confidence"`
}

// Heatmap is an explainability overlay for an image.
type Heatmap struct {
	// PNG is the decoded overlay image.
	PNG []byte
	// Base64 is the overlay as received, suitable for a data URL.
	Base64 string
}

// Transcriber converts recorded speech to text.
type Transcriber interface {
	Transcribe(ctx context.Context, clip audio.Clip) (string, error)
}

// Chatter produces an assistant reply for a user turn.
type Chatter interface {
	Chat(ctx context.Context, req ChatRequest) (string, error)
}

// Synthesizer converts text to speech.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (audio.Clip, error)
}

// Predictor classifies an image.
type Predictor interface {
	Predict(ctx context.Context, img Image) (Diagnosis, error)
}

// Explainer produces a heatmap for an image.
type Explainer interface {
	Explain(ctx context.Context, img Image) (Heatmap, error)
}

// Inference is a backend serving every stage: the voice pipeline and image
// analysis.
type Inference interface {
	Transcriber
	Chatter
	Synthesizer
	Predictor
	Explainer
}
