// Command voxray is the main entry point for the VoxRay review console.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voxray-ai/console/internal/app"
	"github.com/voxray-ai/console/internal/config"
	"github.com/voxray-ai/console/internal/observe"
	"github.com/voxray-ai/console/pkg/backend"
	"github.com/voxray-ai/console/pkg/backend/anyllm"
	"github.com/voxray-ai/console/pkg/backend/openai"
	"github.com/voxray-ai/console/pkg/backend/voxray"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload log level and hands-free mode when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxray: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxray: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("voxray starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Telemetry.Environment,
		SampleRatio:    cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	slog.Info("telemetry ready", "instance_id", telemetry.InstanceID, "trace_sample_ratio", cfg.Telemetry.TraceSampleRatio)

	// ── Backend registry ──────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg, logger)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build backends", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	opts := []app.Option{
		app.WithLogger(logger),
		app.WithLevelVar(level),
		app.WithMetricsHandler(telemetry.Handler()),
	}
	if *watch {
		opts = append(opts, app.WithConfigPath(*configPath))
	}
	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// registerBuiltinBackends wires the backend factories that ship with the
// console into reg.
func registerBuiltinBackends(reg *config.Registry, logger *slog.Logger) {
	reg.RegisterInference(config.BackendVoxRay, func(entry config.BackendEntry) (backend.Inference, error) {
		opts := []voxray.Option{voxray.WithLogger(logger)}
		if entry.AuthToken != "" {
			opts = append(opts, voxray.WithAuthToken(entry.AuthToken))
		}
		if entry.AuthHeader != "" {
			opts = append(opts, voxray.WithAuthHeader(entry.AuthHeader))
		}
		if entry.Timeout > 0 {
			opts = append(opts, voxray.WithHTTPClient(&http.Client{Timeout: entry.Timeout}))
		}
		return voxray.New(entry.BaseURL, opts...)
	})

	reg.RegisterChat(config.BackendOpenAI, func(entry config.BackendEntry) (backend.Chatter, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if entry.Timeout > 0 {
			opts = append(opts, openai.WithTimeout(entry.Timeout))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// Hosted and local models without an OpenAI endpoint go through any-llm-go.
	// An empty api_key leaves the provider to read its environment variable.
	for _, name := range config.AnyLLMBackendNames {
		reg.RegisterChat(name, func(entry config.BackendEntry) (backend.Chatter, error) {
			var providerOpts []anyllmlib.Option
			if entry.APIKey != "" {
				providerOpts = append(providerOpts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				providerOpts = append(providerOpts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			var opts []anyllm.Option
			if entry.Timeout > 0 {
				opts = append(opts, anyllm.WithTimeout(entry.Timeout))
			}
			return anyllm.New(name, entry.Model, providerOpts, opts...)
		})
	}

	for _, name := range config.InferenceBackendNames {
		slog.Debug("registered backend", "kind", "inference", "name", name)
	}
	for _, name := range config.ChatBackendNames {
		slog.Debug("registered backend", "kind", "chat", "name", name)
	}
}

// buildProviders instantiates the primary backend and every chat fallback
// named in cfg.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	inf, err := reg.CreateInference(cfg.Backend.BackendEntry)
	if err != nil {
		return nil, fmt.Errorf("create inference backend %q: %w", cfg.Backend.Name, err)
	}
	slog.Info("backend created", "kind", "inference", "name", cfg.Backend.Name, "base_url", cfg.Backend.BaseURL)

	ps := &app.Providers{Inference: inf, Name: cfg.Backend.Name}
	for i, entry := range cfg.Backend.ChatFallbacks {
		c, err := reg.CreateChat(entry)
		if err != nil {
			return nil, fmt.Errorf("create chat fallback %q (index %d): %w", entry.Name, i, err)
		}
		name := entry.Name
		if entry.Model != "" {
			name += "/" + entry.Model
		}
		ps.ChatFallbacks = append(ps.ChatFallbacks, app.ChatBackend{Name: name, Chatter: c})
		slog.Info("backend created", "kind", "chat", "name", name)
	}
	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        VoxRay, startup summary        ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Backend", cfg.Backend.Name+" @ "+cfg.Backend.BaseURL)
	printRow("Chat fallbacks", fmt.Sprint(len(cfg.Backend.ChatFallbacks)))
	if cfg.Archive.PostgresDSN != "" {
		printRow("Archive", "postgres")
	} else {
		printRow("Archive", "(disabled)")
	}
	printRow("Hands-free", fmt.Sprint(cfg.Voice.HandsFree))
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:18]) + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}
