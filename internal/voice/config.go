package voice

import (
	"log/slog"
	"time"

	"github.com/voxray-ai/console/internal/observe"
	"github.com/voxray-ai/console/pkg/audio"
	"github.com/voxray-ai/console/pkg/conversation"
)

// DefaultAutoPrompt is submitted in hands-free mode once a diagnosis arrives
// in an empty conversation.
const DefaultAutoPrompt = "Explain the findings detected in this scan"

// Config holds the controller's timing and threshold settings.
type Config struct {
	// RecordingLimit force-stops a recording. Default: 60s.
	RecordingLimit time.Duration

	// WarningAfter and CriticalAfter set the recording timer levels shown by
	// the front end. Defaults: 30s and 50s.
	WarningAfter  time.Duration
	CriticalAfter time.Duration

	// TickInterval is the recording timer period. Default: 1s.
	TickInterval time.Duration

	// SilenceDetection enables voice-activity auto-stop outside hands-free
	// mode. Hands-free mode always enables it.
	SilenceDetection bool

	// SilenceThreshold is the RMS below which audio counts as silence.
	// Default: 0.025.
	SilenceThreshold float64

	// SilenceDuration is how long silence must last to stop. Default: 1.5s.
	SilenceDuration time.Duration

	// MinSpeechDuration is the recording time before silence is considered.
	// Default: 0.5s.
	MinSpeechDuration time.Duration

	// PollInterval is the silence poll period. Default: 50ms.
	PollInterval time.Duration

	// AnalyserSize is the RMS window in samples. Default: 512.
	AnalyserSize int

	// HistoryLimit and MaxMessageLength bound the chat history.
	// Defaults: 6 and 500.
	HistoryLimit     int
	MaxMessageLength int

	// RequestTimeout bounds every backend call. Default: 30s.
	RequestTimeout time.Duration

	// HandsFree is the initial hands-free mode.
	HandsFree bool

	// AutoListenDelay is the hands-free pause after a reply before listening
	// again. Default: 2s.
	AutoListenDelay time.Duration

	// AutoPromptDelay is the hands-free pause before AutoPrompt is submitted
	// for a fresh diagnosis. Default: 1s.
	AutoPromptDelay time.Duration

	// AutoPrompt defaults to [DefaultAutoPrompt].
	AutoPrompt string
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		RecordingLimit:    60 * time.Second,
		WarningAfter:      30 * time.Second,
		CriticalAfter:     50 * time.Second,
		TickInterval:      time.Second,
		SilenceThreshold:  0.025,
		SilenceDuration:   1500 * time.Millisecond,
		MinSpeechDuration: 500 * time.Millisecond,
		PollInterval:      50 * time.Millisecond,
		AnalyserSize:      audio.DefaultAnalyserSize,
		HistoryLimit:      conversation.DefaultHistoryLimit,
		MaxMessageLength:  conversation.DefaultMaxTextLen,
		RequestTimeout:    30 * time.Second,
		AutoListenDelay:   2 * time.Second,
		AutoPromptDelay:   time.Second,
		AutoPrompt:        DefaultAutoPrompt,
	}
}

// withDefaults fills zero fields from [DefaultConfig].
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RecordingLimit <= 0 {
		c.RecordingLimit = d.RecordingLimit
	}
	if c.WarningAfter <= 0 {
		c.WarningAfter = d.WarningAfter
	}
	if c.CriticalAfter <= 0 {
		c.CriticalAfter = d.CriticalAfter
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = d.SilenceThreshold
	}
	if c.SilenceDuration <= 0 {
		c.SilenceDuration = d.SilenceDuration
	}
	if c.MinSpeechDuration <= 0 {
		c.MinSpeechDuration = d.MinSpeechDuration
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.AnalyserSize <= 0 {
		c.AnalyserSize = d.AnalyserSize
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	if c.MaxMessageLength <= 0 {
		c.MaxMessageLength = d.MaxMessageLength
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.AutoListenDelay <= 0 {
		c.AutoListenDelay = d.AutoListenDelay
	}
	if c.AutoPromptDelay <= 0 {
		c.AutoPromptDelay = d.AutoPromptDelay
	}
	if c.AutoPrompt == "" {
		c.AutoPrompt = d.AutoPrompt
	}
	return c
}

// Option configures a [Controller].
type Option func(*Controller)

// WithConfig replaces the default configuration. Zero fields keep their
// defaults.
func WithConfig(cfg Config) Option {
	return func(c *Controller) { c.cfg = cfg }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithBackendName labels backend metrics. Default: "voxray".
func WithBackendName(name string) Option {
	return func(c *Controller) { c.backendName = name }
}
