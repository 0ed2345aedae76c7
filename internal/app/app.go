// Package app wires all console subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context ends, and Shutdown tears
// everything down in reverse-init order.
//
// For testing, inject doubles via functional options (WithAudio,
// WithArchive, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxray-ai/console/internal/analysis"
	"github.com/voxray-ai/console/internal/archive"
	"github.com/voxray-ai/console/internal/config"
	"github.com/voxray-ai/console/internal/health"
	"github.com/voxray-ai/console/internal/observe"
	"github.com/voxray-ai/console/internal/resilience"
	"github.com/voxray-ai/console/internal/server"
	"github.com/voxray-ai/console/internal/voice"
	"github.com/voxray-ai/console/pkg/audio"
	"github.com/voxray-ai/console/pkg/audio/relay"
	"github.com/voxray-ai/console/pkg/backend"
	"github.com/voxray-ai/console/pkg/conversation"
	"github.com/voxray-ai/console/pkg/viewport"
)

const (
	serverShutdownTimeout = 10 * time.Second
	readHeaderTimeout     = 10 * time.Second
	sessionCloseTimeout   = 5 * time.Second
)

// ChatBackend is a named chat fallback.
type ChatBackend struct {
	Name    string
	Chatter backend.Chatter
}

// Providers holds the remote backends. Populated by main.go via the config
// registry.
type Providers struct {
	// Inference serves transcription, chat, synthesis, prediction and
	// explanation. Required.
	Inference backend.Inference

	// Name labels Inference in metrics, logs and breaker state.
	Name string

	// ChatFallbacks are tried in order when the primary chat fails.
	ChatFallbacks []ChatBackend
}

// ArchiveStore is the durable archive: written by the session manager, read
// by the server, and probed by readiness checks.
type ArchiveStore interface {
	Archive
	server.ArchiveReader
	health.Pinger
}

// App owns all subsystem lifetimes.
type App struct {
	cfg        *config.Config
	providers  *Providers
	logger     *slog.Logger
	level      *slog.LevelVar
	metrics    *observe.Metrics
	metricsH   http.Handler
	configPath string

	// Subsystems, initialised in New and torn down in Shutdown.
	mic          audio.Microphone
	player       audio.Player
	audioHandler http.Handler
	chat         *resilience.ChatFallback
	store        *conversation.Store
	controller   *voice.Controller
	viewport     *viewport.Engine
	analysis     *analysis.Service
	archive      ArchiveStore
	sessions     *SessionManager
	health       *health.Handler
	server       *server.Server

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithLevelVar lets configuration reloads change the log level. The same
// LevelVar must back the logger's handler.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics sets the metrics instruments. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler served on /metrics. Default:
// observe.MetricsHandler().
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsH = h }
}

// WithConfigPath makes Run watch path and apply reloadable changes.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithAudio injects the microphone and player instead of creating the
// WebSocket audio relay. /api/audio is not served in that case.
func WithAudio(mic audio.Microphone, player audio.Player) Option {
	return func(a *App) { a.mic, a.player = mic, player }
}

// WithArchive injects an archive instead of opening one from
// archive.postgres_dsn.
func WithArchive(s ArchiveStore) Option {
	return func(a *App) { a.archive = s }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: chat failover, audio,
// conversation, voice controller, viewport, analysis, archive connection,
// the first review session, health checks and the HTTP router.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Inference == nil {
		return nil, errors.New("app: an inference backend is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsH == nil {
		a.metricsH = observe.MetricsHandler()
	}
	if a.providers.Name == "" {
		a.providers.Name = cfg.Backend.Name
	}

	// ── 1. Chat failover ─────────────────────────────────────────────────
	a.initChat()

	// ── 2. Audio ─────────────────────────────────────────────────────────
	a.initAudio()

	// ── 3. Conversation + voice ──────────────────────────────────────────
	if err := a.initVoice(); err != nil {
		return nil, fmt.Errorf("app: init voice: %w", err)
	}

	// ── 4. Viewport + analysis ───────────────────────────────────────────
	if err := a.initAnalysis(); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init analysis: %w", err)
	}

	// ── 5. Archive + review session ──────────────────────────────────────
	if err := a.initArchive(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	// ── 6. Health + HTTP ─────────────────────────────────────────────────
	if err := a.initServer(); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init server: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initChat puts the primary chat and every configured fallback behind
// circuit breakers.
func (a *App) initChat() {
	br := a.cfg.Backend.Breaker
	a.chat = resilience.NewChatFallback(a.providers.Inference, a.providers.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  br.MaxFailures,
			ResetTimeout: br.ResetTimeout,
			HalfOpenMax:  br.HalfOpenMax,
			OnStateChange: func(name string, _, to resilience.State) {
				a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
			},
		},
		Logger: a.logger,
	})
	for _, fb := range a.providers.ChatFallbacks {
		a.chat.AddFallback(fb.Name, fb.Chatter)
		a.logger.Info("registered chat fallback", "name", fb.Name)
	}
}

// initAudio creates the audio relay unless a microphone and player were
// injected.
func (a *App) initAudio() {
	if a.mic != nil && a.player != nil {
		return
	}
	r := relay.New(relay.WithLogger(a.logger))
	a.mic, a.player, a.audioHandler = r, r, r
}

// initVoice creates the conversation store and the voice controller.
func (a *App) initVoice() error {
	var storeOpts []conversation.Option
	if d := a.cfg.Voice.DedupWindow; d > 0 {
		storeOpts = append(storeOpts, conversation.WithDedupWindow(d))
	}
	a.store = conversation.New(storeOpts...)

	inf := a.providers.Inference
	ctrl, err := voice.New(a.mic, a.player, inf, a.chat, inf, a.store,
		voice.WithConfig(voiceConfig(a.cfg.Voice)),
		voice.WithLogger(a.logger),
		voice.WithMetrics(a.metrics),
		voice.WithBackendName(a.providers.Name),
	)
	if err != nil {
		return err
	}
	a.controller = ctrl
	a.closers = append(a.closers, ctrl.Close)
	return nil
}

// initAnalysis creates the viewport and the analysis service. Diagnoses
// flow into the voice controller as chat context.
func (a *App) initAnalysis() error {
	var vpOpts []viewport.Option
	if pan := a.cfg.Viewer.Pan; pan != (config.PanConfig{}) {
		vpOpts = append(vpOpts, viewport.WithPanConfig(viewport.PanConfig{
			Deadzone:    pan.Deadzone,
			Sensitivity: pan.Sensitivity,
			Smoothing:   pan.Smoothing,
			MaxVelocity: pan.MaxVelocity,
		}))
	}
	if s := a.cfg.Viewer.ZoomSensitivity; s > 0 {
		vpOpts = append(vpOpts, viewport.WithZoomSensitivity(s))
	}
	a.viewport = viewport.New(vpOpts...)

	inf := a.providers.Inference
	opts := []analysis.Option{
		analysis.WithExplainer(inf),
		analysis.WithViewer(a.viewport),
		analysis.WithDiagnosisSink(a.controller),
		analysis.WithLogger(a.logger),
		analysis.WithMetrics(a.metrics),
		analysis.WithBackendName(a.providers.Name),
	}
	if d := a.cfg.Voice.RequestTimeout; d > 0 {
		opts = append(opts, analysis.WithTimeout(d))
	}
	svc, err := analysis.New(inf, a.chat, opts...)
	if err != nil {
		return err
	}
	a.analysis = svc
	return nil
}

// initArchive connects the archive, if configured, and starts the first
// review session.
func (a *App) initArchive(ctx context.Context) error {
	if a.archive == nil && a.cfg.Archive.PostgresDSN != "" {
		st, err := archive.Open(ctx, a.cfg.Archive.PostgresDSN)
		if err != nil {
			return err
		}
		a.archive = st
		a.closers = append(a.closers, func() error {
			st.Close()
			return nil
		})
	}

	var w Archive
	if a.archive != nil {
		w = a.archive
	}
	a.sessions = NewSessionManager(SessionManagerConfig{
		Archive:      w,
		Conversation: a.store,
		QueueSize:    a.cfg.Archive.QueueSize,
		Logger:       a.logger,
	})
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), sessionCloseTimeout)
		defer cancel()
		return a.sessions.Close(ctx)
	})
	return a.sessions.Start(ctx)
}

// initServer builds the readiness checks and the HTTP router.
func (a *App) initServer() error {
	var checks []health.Checker
	if a.archive != nil {
		checks = append(checks, health.Optional(health.Ping("archive", a.archive)))
	}
	checks = append(checks, health.Breakers("chat", a.chat.Breakers()))
	if u := a.cfg.Backend.BaseURL; u != "" {
		checks = append(checks, health.Reachable("inference", u, nil))
	}
	a.health = health.New(checks...)

	deps := server.Deps{
		Viewport:     a.viewport,
		Voice:        a.controller,
		Conversation: a.store,
		Analysis:     a.analysis,
		Audio:        a.audioHandler,
		Health:       a.health,
		Metrics:      a.metricsH,
		Sessions:     a.sessions,
	}
	if a.archive != nil {
		deps.Archive = a.archive
	}
	srv, err := server.New(deps, server.WithLogger(a.logger), server.WithMetrics(a.metrics))
	if err != nil {
		return err
	}
	a.server = srv
	a.closers = append(a.closers, func() error {
		srv.Close()
		return nil
	})
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Controller returns the voice controller.
func (a *App) Controller() *voice.Controller { return a.controller }

// Conversation returns the conversation store.
func (a *App) Conversation() *conversation.Store { return a.store }

// Sessions returns the review session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on server.listen_addr and blocks until ctx is cancelled or
// the listener fails. When ctx is done, Run drains in-flight requests and
// returns context.Canceled (or the underlying cause).
func (a *App) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(a.logger.Handler(), slog.LevelWarn),
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.ApplyConfig, config.WithWatcherLogger(a.logger))
		if err != nil {
			a.logger.Warn("config hot reload disabled", "path", a.configPath, "err", err)
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serverShutdownTimeout)
		defer cancel()
		// Hijacked WebSocket connections are not tracked by Shutdown.
		a.server.Hub().Close()
		return httpSrv.Shutdown(shutdownCtx)
	})

	a.logger.Info("app running", "listen_addr", a.cfg.Server.ListenAddr, "session_id", a.sessions.SessionID())
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ApplyConfig applies the reloadable differences between old and new. It is
// the config watcher's callback.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		if a.level != nil {
			a.level.Set(SlogLevel(d.NewLogLevel))
		}
		a.logger.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.HandsFreeChanged {
		a.controller.SetHandsFree(d.NewHandsFree)
		a.logger.Info("hands-free mode changed", "enabled", d.NewHandsFree)
	}
	if d.RestartRequired {
		a.logger.Warn("config changes need a restart to take effect", "path", a.configPath)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.logger.Warn("closer error", "index", i, "err", err)
			}
		}

		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}

// close runs the closers registered so far after a failed New.
func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// SlogLevel converts a config.LogLevel to a slog.Level. Unknown levels map
// to Info.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// voiceConfig converts config.VoiceConfig to voice.Config. Zero values take
// the controller defaults.
func voiceConfig(vc config.VoiceConfig) voice.Config {
	c := voice.DefaultConfig()
	c.SilenceDetection = vc.SilenceDetection
	c.HandsFree = vc.HandsFree
	if vc.RecordingLimit > 0 {
		c.RecordingLimit = vc.RecordingLimit
	}
	if vc.SilenceThreshold > 0 {
		c.SilenceThreshold = vc.SilenceThreshold
	}
	if vc.SilenceDuration > 0 {
		c.SilenceDuration = vc.SilenceDuration
	}
	if vc.MinSpeechDuration > 0 {
		c.MinSpeechDuration = vc.MinSpeechDuration
	}
	if vc.PollInterval > 0 {
		c.PollInterval = vc.PollInterval
	}
	if vc.MaxHistory > 0 {
		c.HistoryLimit = vc.MaxHistory
	}
	if vc.MaxMessageLength > 0 {
		c.MaxMessageLength = vc.MaxMessageLength
	}
	if vc.RequestTimeout > 0 {
		c.RequestTimeout = vc.RequestTimeout
	}
	if vc.AutoListenDelay > 0 {
		c.AutoListenDelay = vc.AutoListenDelay
	}
	if vc.AutoPromptDelay > 0 {
		c.AutoPromptDelay = vc.AutoPromptDelay
	}
	if vc.AutoPrompt != "" {
		c.AutoPrompt = vc.AutoPrompt
	}
	return c
}
