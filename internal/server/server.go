// Package server exposes the console over HTTP: JSON endpoints for the
// viewport, voice assistant, conversation and image analysis, a WebSocket
// event stream, the audio relay, health probes, and Prometheus metrics.
//
// Routes:
//
//	GET    /api/viewport                     current view state
//	POST   /api/viewport/{action}            container, wheel, zoom, zoom-in, zoom-out,
//	                                         drag/start, drag, drag/end, reset, window, overlay
//	GET    /api/voice                        controller snapshot
//	POST   /api/voice/{action}               click, start, stop, text, retry,
//	                                         playback/stop, hands-free
//	GET    /api/voice/quick-actions          canned questions
//	POST   /api/voice/quick-actions/{id}     submit a canned question
//	GET    /api/conversation                 messages
//	DELETE /api/conversation                 clear
//	POST   /api/conversation/{id}/seen       clear the new-message flag
//	POST   /api/analyze                      multipart image_file
//	GET    /api/archive/recent|search        archived conversation events
//	GET    /api/events                       WebSocket event stream
//	GET    /api/audio                        WebSocket audio relay
//	GET    /healthz, /readyz, /metrics
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/voxray-ai/console/internal/analysis"
	"github.com/voxray-ai/console/internal/archive"
	"github.com/voxray-ai/console/internal/health"
	"github.com/voxray-ai/console/internal/observe"
	"github.com/voxray-ai/console/internal/voice"
	"github.com/voxray-ai/console/pkg/conversation"
	"github.com/voxray-ai/console/pkg/viewport"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

// SessionTracker scopes archived data to the current review session.
type SessionTracker interface {
	SessionID() string
	Rotate(ctx context.Context) error
	RecordAnalysis(ctx context.Context, res *analysis.Result)
}

// ArchiveReader queries archived conversation events.
type ArchiveReader interface {
	Recent(ctx context.Context, sessionID string, limit int) ([]archive.Entry, error)
	Search(ctx context.Context, query string, opts archive.SearchOpts) ([]archive.Entry, error)
}

// Deps are the components the server exposes. Viewport, Voice and
// Conversation are required; the rest are optional and their routes are
// omitted when nil.
type Deps struct {
	Viewport     *viewport.Engine
	Voice        *voice.Controller
	Conversation *conversation.Store
	Analysis     *analysis.Service
	Audio        http.Handler
	Health       *health.Handler
	Metrics      http.Handler
	Sessions     SessionTracker
	Archive      ArchiveReader
}

// Option is a functional option for [New].
type Option func(*Server)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics instruments every request with [observe.Middleware].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithOriginPatterns allows cross-origin WebSocket clients on /api/events.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// Server routes HTTP requests to the console components. Create one with
// [New] and release its subscriptions with [Server.Close].
type Server struct {
	deps    Deps
	logger  *slog.Logger
	metrics *observe.Metrics
	origins []string

	hub     *Hub
	mux     *http.ServeMux
	handler http.Handler
	unsubs  []func()
}

// New builds the router and subscribes the event stream to the conversation
// and the voice controller.
func New(deps Deps, opts ...Option) (*Server, error) {
	if deps.Viewport == nil || deps.Voice == nil || deps.Conversation == nil {
		return nil, errors.New("server: viewport, voice and conversation are required")
	}
	s := &Server{deps: deps, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "server")
	s.hub = NewHub(s.logger, s.origins...)

	s.mux = http.NewServeMux()
	s.routes()
	s.handler = s.mux
	if s.metrics != nil {
		s.handler = observe.Middleware(s.metrics, observe.WithRequestLogger(s.logger))(s.mux)
	}

	s.unsubs = append(s.unsubs,
		deps.Conversation.Subscribe(func(ev conversation.Event) {
			s.hub.Publish(EventConversation, ev)
		}),
		deps.Voice.Subscribe(func(ev voice.Event) {
			s.hub.Publish(EventVoice, ev)
		}),
	)
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Hub returns the event stream.
func (s *Server) Hub() *Hub { return s.hub }

// Close removes the server's subscriptions and disconnects event clients.
func (s *Server) Close() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	s.hub.Close()
}

func (s *Server) routes() {
	s.registerViewport()
	s.registerVoice()
	s.registerConversation()
	if s.deps.Analysis != nil {
		s.mux.HandleFunc("POST /api/analyze", s.handleAnalyze)
	}
	if s.deps.Archive != nil {
		s.mux.HandleFunc("GET /api/archive/recent", s.handleArchiveRecent)
		s.mux.HandleFunc("GET /api/archive/search", s.handleArchiveSearch)
	}
	s.mux.Handle("GET /api/events", s.hub)
	if s.deps.Audio != nil {
		s.mux.Handle("GET /api/audio", s.deps.Audio)
	}
	if s.deps.Health != nil {
		s.deps.Health.Register(s.mux)
	}
	if s.deps.Metrics != nil {
		s.mux.Handle("GET /metrics", s.deps.Metrics)
	}
}

// ─── helpers ─────────────────────────────────────────────────────────────────

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// decode reads a JSON body into v. An empty body leaves v unchanged.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}
