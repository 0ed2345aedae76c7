package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/voxray-ai/console/internal/voice"
	"github.com/voxray-ai/console/pkg/conversation"
	"github.com/voxray-ai/console/pkg/viewport"
)

// Backend names understood by the default registry.
const (
	BackendVoxRay = "voxray"
	BackendOpenAI = "openai"
)

// InferenceBackendNames lists backends able to serve as the primary backend.
var InferenceBackendNames = []string{BackendVoxRay}

// AnyLLMBackendNames lists chat backends reached through any-llm-go. They
// read their API key from the provider's usual environment variable when
// api_key is empty; ollama and llamacpp need none.
var AnyLLMBackendNames = []string{"anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp"}

// ChatBackendNames lists backends usable as chat fallbacks.
var ChatBackendNames = append([]string{BackendVoxRay, BackendOpenAI}, AnyLLMBackendNames...)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr   = ":8080"
	DefaultServiceName  = "voxray"
	DefaultBaseURL      = "http://localhost:8000"
	DefaultMaxFailures  = 5
	DefaultResetTimeout = 30 * time.Second
	DefaultHalfOpenMax  = 1
	DefaultQueueSize    = 256
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Unknown keys are rejected. An empty document yields
// the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field of cfg with its default value.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Backend.Name == "" {
		cfg.Backend.Name = BackendVoxRay
	}
	if cfg.Backend.Name == BackendVoxRay && cfg.Backend.BaseURL == "" {
		cfg.Backend.BaseURL = DefaultBaseURL
	}
	if cfg.Backend.Breaker.MaxFailures <= 0 {
		cfg.Backend.Breaker.MaxFailures = DefaultMaxFailures
	}
	if cfg.Backend.Breaker.ResetTimeout <= 0 {
		cfg.Backend.Breaker.ResetTimeout = DefaultResetTimeout
	}
	if cfg.Backend.Breaker.HalfOpenMax <= 0 {
		cfg.Backend.Breaker.HalfOpenMax = DefaultHalfOpenMax
	}

	vd := voice.DefaultConfig()
	v := &cfg.Voice
	setDuration(&v.RecordingLimit, vd.RecordingLimit)
	setFloat(&v.SilenceThreshold, vd.SilenceThreshold)
	setDuration(&v.SilenceDuration, vd.SilenceDuration)
	setDuration(&v.MinSpeechDuration, vd.MinSpeechDuration)
	setDuration(&v.PollInterval, vd.PollInterval)
	setDuration(&v.DedupWindow, conversation.DefaultDedupWindow)
	setInt(&v.MaxHistory, vd.HistoryLimit)
	setInt(&v.MaxMessageLength, vd.MaxMessageLength)
	setDuration(&v.RequestTimeout, vd.RequestTimeout)
	setDuration(&v.AutoListenDelay, vd.AutoListenDelay)
	setDuration(&v.AutoPromptDelay, vd.AutoPromptDelay)
	if v.AutoPrompt == "" {
		v.AutoPrompt = vd.AutoPrompt
	}

	pd := viewport.DefaultPanConfig()
	setFloat(&cfg.Viewer.ZoomSensitivity, viewport.DefaultZoomSensitivity)
	setFloat(&cfg.Viewer.Pan.Deadzone, pd.Deadzone)
	setFloat(&cfg.Viewer.Pan.Sensitivity, pd.Sensitivity)
	setFloat(&cfg.Viewer.Pan.Smoothing, pd.Smoothing)
	setFloat(&cfg.Viewer.Pan.MaxVelocity, pd.MaxVelocity)

	setInt(&cfg.Archive.QueueSize, DefaultQueueSize)

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
	setFloat(&cfg.Telemetry.TraceSampleRatio, 1)
}

func setDuration(p *time.Duration, d time.Duration) {
	if *p == 0 {
		*p = d
	}
}

func setFloat(p *float64, d float64) {
	if *p == 0 {
		*p = d
	}
}

func setInt(p *int, d int) {
	if *p == 0 {
		*p = d
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Backends
	if !slices.Contains(InferenceBackendNames, cfg.Backend.Name) {
		errs = append(errs, fmt.Errorf("backend.name %q is invalid; valid values: %v", cfg.Backend.Name, InferenceBackendNames))
	}
	errs = append(errs, validateEntry("backend", cfg.Backend.BackendEntry)...)
	seen := map[string]int{}
	for i, fb := range cfg.Backend.ChatFallbacks {
		prefix := fmt.Sprintf("backend.chat_fallbacks[%d]", i)
		if !slices.Contains(ChatBackendNames, fb.Name) {
			errs = append(errs, fmt.Errorf("%s.name %q is invalid; valid values: %v", prefix, fb.Name, ChatBackendNames))
		}
		errs = append(errs, validateEntry(prefix, fb)...)
		key := fb.Name + "|" + fb.BaseURL + "|" + fb.Model
		if prev, ok := seen[key]; ok {
			errs = append(errs, fmt.Errorf("%s duplicates backend.chat_fallbacks[%d]", prefix, prev))
		}
		seen[key] = i
	}

	// Voice
	v := cfg.Voice
	if v.SilenceThreshold <= 0 || v.SilenceThreshold >= 1 {
		errs = append(errs, fmt.Errorf("voice.silence_threshold %.3f is out of range (0, 1)", v.SilenceThreshold))
	}
	for name, d := range map[string]time.Duration{
		"recording_limit":     v.RecordingLimit,
		"silence_duration":    v.SilenceDuration,
		"min_speech_duration": v.MinSpeechDuration,
		"poll_interval":       v.PollInterval,
		"dedup_window":        v.DedupWindow,
		"request_timeout":     v.RequestTimeout,
		"auto_listen_delay":   v.AutoListenDelay,
		"auto_prompt_delay":   v.AutoPromptDelay,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("voice.%s must not be negative", name))
		}
	}
	if v.MinSpeechDuration >= v.RecordingLimit {
		errs = append(errs, fmt.Errorf("voice.min_speech_duration %s must be shorter than voice.recording_limit %s", v.MinSpeechDuration, v.RecordingLimit))
	}
	if v.MaxHistory < 0 {
		errs = append(errs, errors.New("voice.max_history must not be negative"))
	}
	if v.MaxMessageLength < 0 {
		errs = append(errs, errors.New("voice.max_message_length must not be negative"))
	}

	// Viewer
	if cfg.Viewer.ZoomSensitivity < 0 {
		errs = append(errs, errors.New("viewer.zoom_sensitivity must not be negative"))
	}
	if s := cfg.Viewer.Pan.Smoothing; s <= 0 || s > 1 {
		errs = append(errs, fmt.Errorf("viewer.pan.smoothing %.2f is out of range (0, 1]", s))
	}
	if cfg.Viewer.Pan.Deadzone < 0 || cfg.Viewer.Pan.MaxVelocity < 0 {
		errs = append(errs, errors.New("viewer.pan.deadzone and viewer.pan.max_velocity must not be negative"))
	}

	// Archive
	if cfg.Archive.PostgresDSN == "" {
		slog.Warn("archive.postgres_dsn is empty; conversations will not be archived")
	}
	if cfg.Archive.QueueSize < 0 {
		errs = append(errs, errors.New("archive.queue_size must not be negative"))
	}

	// Telemetry
	if r := cfg.Telemetry.TraceSampleRatio; r <= 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %.2f is out of range (0, 1]", r))
	}

	return errors.Join(errs...)
}

// validateEntry checks the fields each backend kind requires.
func validateEntry(prefix string, e BackendEntry) []error {
	var errs []error
	switch e.Name {
	case BackendVoxRay:
		if e.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s.base_url is required for %s", prefix, e.Name))
		}
	case BackendOpenAI:
		if e.APIKey == "" {
			errs = append(errs, fmt.Errorf("%s.api_key is required for %s", prefix, e.Name))
		}
		if e.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model is required for %s", prefix, e.Name))
		}
	default:
		if slices.Contains(AnyLLMBackendNames, e.Name) && e.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model is required for %s", prefix, e.Name))
		}
	}
	if e.BaseURL != "" {
		if u, err := url.Parse(e.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s.base_url %q is not an absolute URL", prefix, e.BaseURL))
		}
	}
	if e.Timeout < 0 {
		errs = append(errs, fmt.Errorf("%s.timeout must not be negative", prefix))
	}
	return errs
}
