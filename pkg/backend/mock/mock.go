// Package mock provides configurable test doubles for every [backend]
// collaborator interface.
//
// Each mock records its calls and returns the configured result or error.
// Function fields take precedence over static results when set, so tests can
// script per-call behaviour. Blocking behaviour for re-entrancy tests can be
// injected through the Gate channel: when non-nil, calls wait until a value
// is received from it (or ctx ends).
package mock

import (
	"context"
	"sync"

	"github.com/voxray-ai/console/pkg/audio"
	"github.com/voxray-ai/console/pkg/backend"
)

// Compile-time interface checks.
var (
	_ backend.Transcriber = (*Transcriber)(nil)
	_ backend.Chatter     = (*Chatter)(nil)
	_ backend.Synthesizer = (*Synthesizer)(nil)
	_ backend.Predictor   = (*Predictor)(nil)
	_ backend.Explainer   = (*Explainer)(nil)
)

func wait(ctx context.Context, gate <-chan struct{}) error {
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ─── Transcriber ─────────────────────────────────────────────────────────────

// Transcriber is a mock [backend.Transcriber].
type Transcriber struct {
	mu sync.Mutex

	Text string
	Err  error
	Gate chan struct{}

	calls []audio.Clip
}

// Transcribe implements [backend.Transcriber].
func (m *Transcriber) Transcribe(ctx context.Context, clip audio.Clip) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, clip)
	text, err, gate := m.Text, m.Err, m.Gate
	m.mu.Unlock()

	if werr := wait(ctx, gate); werr != nil {
		return "", werr
	}
	return text, err
}

// Calls returns the clips passed to Transcribe.
func (m *Transcriber) Calls() []audio.Clip {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audio.Clip(nil), m.calls...)
}

// ─── Chatter ─────────────────────────────────────────────────────────────────

// Chatter is a mock [backend.Chatter].
type Chatter struct {
	mu sync.Mutex

	Reply string
	Err   error
	Gate  chan struct{}

	// ChatFunc, when set, overrides Reply and Err.
	ChatFunc func(ctx context.Context, req backend.ChatRequest) (string, error)

	calls []backend.ChatRequest
}

// Chat implements [backend.Chatter].
func (m *Chatter) Chat(ctx context.Context, req backend.ChatRequest) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	reply, err, gate, fn := m.Reply, m.Err, m.Gate, m.ChatFunc
	m.mu.Unlock()

	if werr := wait(ctx, gate); werr != nil {
		return "", werr
	}
	if fn != nil {
		return fn(ctx, req)
	}
	return reply, err
}

// Calls returns the requests passed to Chat.
func (m *Chatter) Calls() []backend.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]backend.ChatRequest(nil), m.calls...)
}

// SetResult replaces Reply and Err under the lock.
func (m *Chatter) SetResult(reply string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Reply, m.Err = reply, err
}

// ─── Synthesizer ─────────────────────────────────────────────────────────────

// Synthesizer is a mock [backend.Synthesizer]. A zero Clip result is replaced
// by a short placeholder so callers always get playable data.
type Synthesizer struct {
	mu sync.Mutex

	Clip audio.Clip
	Err  error

	calls []string
}

// Synthesize implements [backend.Synthesizer].
func (m *Synthesizer) Synthesize(_ context.Context, text string) (audio.Clip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, text)
	if m.Err != nil {
		return audio.Clip{}, m.Err
	}
	if m.Clip.Empty() {
		return audio.Clip{Data: []byte("ID3"), MIMEType: "audio/mpeg"}, nil
	}
	return m.Clip, nil
}

// Calls returns the texts passed to Synthesize.
func (m *Synthesizer) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// ─── Predictor / Explainer ───────────────────────────────────────────────────

// Predictor is a mock [backend.Predictor].
type Predictor struct {
	mu sync.Mutex

	Result backend.Diagnosis
	Err    error

	calls []backend.Image
}

// Predict implements [backend.Predictor].
func (m *Predictor) Predict(_ context.Context, img backend.Image) (backend.Diagnosis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, img)
	return m.Result, m.Err
}

// Calls returns the images passed to Predict.
func (m *Predictor) Calls() []backend.Image {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]backend.Image(nil), m.calls...)
}

// Explainer is a mock [backend.Explainer].
type Explainer struct {
	mu sync.Mutex

	Result backend.Heatmap
	Err    error

	calls int
}

// Explain implements [backend.Explainer].
func (m *Explainer) Explain(_ context.Context, _ backend.Image) (backend.Heatmap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.Result, m.Err
}

// CallCount returns the number of Explain invocations.
func (m *Explainer) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
