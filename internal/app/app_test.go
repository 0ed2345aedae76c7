package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/voxray-ai/console/internal/app"
	"github.com/voxray-ai/console/internal/archive"
	"github.com/voxray-ai/console/internal/config"
	audiomock "github.com/voxray-ai/console/pkg/audio/mock"
	"github.com/voxray-ai/console/pkg/backend/mock"
	"github.com/voxray-ai/console/pkg/conversation"
)

type inference struct {
	mock.Transcriber
	mock.Chatter
	mock.Synthesizer
	mock.Predictor
	mock.Explainer
}

// storeArchive adds the read side and a probe to memArchive.
type storeArchive struct {
	*memArchive
	pingErr error
}

func (s *storeArchive) Ping(context.Context) error { return s.pingErr }

func (s *storeArchive) Recent(_ context.Context, sessionID string, limit int) ([]archive.Entry, error) {
	var out []archive.Entry
	for _, ev := range s.eventsFor(sessionID) {
		out = append(out, archive.Entry{SessionID: sessionID, Kind: ev.Kind, Message: ev.Message})
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *storeArchive) Search(context.Context, string, archive.SearchOpts) ([]archive.Entry, error) {
	return nil, nil
}

// testConfig returns a minimal config with defaults applied.
func testConfig() *config.Config {
	cfg := &config.Config{
		Server:  config.ServerConfig{ListenAddr: "127.0.0.1:0", LogLevel: config.LogInfo},
		Backend: config.BackendConfig{BackendEntry: config.BackendEntry{Name: config.BackendVoxRay}},
	}
	config.ApplyDefaults(cfg)
	// No reachability probe against a server that is not running.
	cfg.Backend.BaseURL = ""
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newApp(t *testing.T, cfg *config.Config, providers *app.Providers, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{
		app.WithLogger(quietLogger()),
		app.WithAudio(&audiomock.Microphone{}, &audiomock.Player{AutoFinish: true}),
	}, opts...)
	a, err := app.New(context.Background(), cfg, providers, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func hasAssistant(store *conversation.Store, text string) bool {
	for _, m := range store.Messages() {
		if m.Role == conversation.RoleAssistant && m.Text == text {
			return true
		}
	}
	return false
}

func TestNew_RequiresInference(t *testing.T) {
	t.Parallel()
	if _, err := app.New(context.Background(), testConfig(), &app.Providers{}); err == nil {
		t.Error("New without an inference backend should fail")
	}
	if _, err := app.New(context.Background(), testConfig(), nil); err == nil {
		t.Error("New with nil providers should fail")
	}
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig(), &app.Providers{Inference: &inference{}})
	h := a.Handler()

	if rec := do(t, h, http.MethodGet, "/api/voice", ""); rec.Code != http.StatusOK {
		t.Errorf("GET /api/voice = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/viewport", ""); rec.Code != http.StatusOK {
		t.Errorf("GET /api/viewport = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/readyz", ""); rec.Code != http.StatusOK {
		t.Errorf("GET /readyz = %d: %s", rec.Code, rec.Body)
	}
	if rec := do(t, h, http.MethodGet, "/api/audio", ""); rec.Code != http.StatusNotFound {
		t.Errorf("GET /api/audio with injected audio = %d, want 404", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/archive/recent", ""); rec.Code != http.StatusNotFound {
		t.Errorf("GET /api/archive/recent without archive = %d, want 404", rec.Code)
	}
	if !a.Sessions().IsActive() {
		t.Error("a review session should be active after New")
	}
}

func TestNew_DefaultAudioRelay(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(), &app.Providers{Inference: &inference{}},
		app.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	if rec := do(t, a.Handler(), http.MethodGet, "/api/audio", ""); rec.Code == http.StatusNotFound {
		t.Error("/api/audio should be served by the relay")
	}
}

func TestTextTurn_FailsOverToFallbackChat(t *testing.T) {
	t.Parallel()

	inf := &inference{}
	inf.Chatter.SetResult("", errors.New("primary down"))
	fallback := &mock.Chatter{Reply: "fallback answer"}

	a := newApp(t, testConfig(), &app.Providers{
		Inference:     inf,
		ChatFallbacks: []app.ChatBackend{{Name: "openai", Chatter: fallback}},
	})

	rec := do(t, a.Handler(), http.MethodPost, "/api/voice/text", `{"text":"What does the scan show?"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /api/voice/text = %d: %s", rec.Code, rec.Body)
	}
	waitUntil(t, func() bool { return hasAssistant(a.Conversation(), "fallback answer") })

	if calls := fallback.Calls(); len(calls) != 1 || calls[0].Message != "What does the scan show?" {
		t.Errorf("fallback calls = %+v", calls)
	}
	if rec := do(t, a.Handler(), http.MethodGet, "/readyz", ""); rec.Code != http.StatusOK {
		t.Errorf("readyz with a healthy fallback = %d: %s", rec.Code, rec.Body)
	}
}

func TestArchiveWiring(t *testing.T) {
	t.Parallel()

	store := &storeArchive{memArchive: newMemArchive()}
	inf := &inference{}
	inf.Chatter.SetResult("Findings are stable.", nil)
	a := newApp(t, testConfig(), &app.Providers{Inference: inf}, app.WithArchive(store))
	h := a.Handler()
	first := a.Sessions().SessionID()

	do(t, h, http.MethodPost, "/api/voice/text", `{"text":"Any changes?"}`)
	waitUntil(t, func() bool { return len(store.eventsFor(first)) >= 2 })

	rec := do(t, h, http.MethodGet, "/api/archive/recent", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/archive/recent = %d: %s", rec.Code, rec.Body)
	}
	var entries []archive.Entry
	if err := json.NewDecoder(rec.Body).Decode(&entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) < 2 || entries[0].Message.Text != "Any changes?" {
		t.Errorf("entries = %+v", entries)
	}

	if rec := do(t, h, http.MethodDelete, "/api/conversation", ""); rec.Code/100 != 2 {
		t.Fatalf("DELETE /api/conversation = %d", rec.Code)
	}
	if second := a.Sessions().SessionID(); second == first || second == "" {
		t.Errorf("clearing the conversation kept session %q", second)
	}

	store.pingErr = errors.New("connection refused")
	if rec := do(t, h, http.MethodGet, "/readyz", ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"degraded"`) {
		t.Errorf("readyz with failing archive = %d: %s", rec.Code, rec.Body)
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()

	level := new(slog.LevelVar)
	old := testConfig()
	a := newApp(t, old, &app.Providers{Inference: &inference{}}, app.WithLevelVar(level))

	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	next.Voice.HandsFree = true
	a.ApplyConfig(old, next)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	if !a.Controller().HandsFree() {
		t.Error("hands-free should be enabled after reload")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig(), &app.Providers{Inference: &inference{}})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestShutdown(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(), &app.Providers{Inference: &inference{}},
		app.WithLogger(quietLogger()),
		app.WithAudio(&audiomock.Microphone{}, &audiomock.Player{AutoFinish: true}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if a.Sessions().IsActive() {
		t.Error("session still active after Shutdown")
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestShutdown_Deadline(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(), &app.Providers{Inference: &inference{}},
		app.WithLogger(quietLogger()),
		app.WithAudio(&audiomock.Microphone{}, &audiomock.Player{AutoFinish: true}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown with expired ctx = %v, want context.Canceled", err)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := app.SlogLevel(tt.in); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
