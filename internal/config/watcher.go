package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often [Watcher.Run] polls the config file.
const DefaultWatchInterval = 5 * time.Second

// Watcher reloads the console config while it runs. An edit reaches the
// callback only when the parsed config differs from the current one, so
// comment or formatting changes and bare touches are absorbed silently.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	logger   *slog.Logger

	mu      sync.Mutex
	current *Config
	stamp   fileStamp
}

// fileStamp identifies the last file contents the watcher has seen, valid or
// not.
type fileStamp struct {
	modTime time.Time
	size    int64
	sum     [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger. Default: slog.Default().
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWatcher loads path and returns a watcher holding it as the current
// config. Polling starts with [Watcher.Run].
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "config", "path", path)

	stamp, data, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current = cfg
	w.stamp = stamp
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls the file every interval until ctx is done. Poll failures are
// logged and the previous config stays in effect. Run always returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.Poll(); err != nil {
				w.logger.Warn("config reload rejected, keeping previous config", "err", err)
			}
		}
	}
}

// Poll checks the file once. It reports true when a changed config was
// accepted and handed to the callback. An invalid file yields an error and
// is not reported again until it is edited.
func (w *Watcher) Poll() (bool, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	last := w.stamp
	w.mu.Unlock()
	if info.ModTime().Equal(last.modTime) && info.Size() == last.size {
		return false, nil
	}

	stamp, data, err := w.read()
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	w.stamp = stamp
	if stamp.sum == last.sum {
		w.mu.Unlock()
		return false, nil
	}
	w.mu.Unlock()

	next, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	old := w.current
	w.current = next
	w.mu.Unlock()

	d := Diff(old, next)
	if !d.Changed() && !d.RestartRequired {
		w.logger.Debug("config file edited without effective changes")
		return false, nil
	}

	w.logger.Info("config reloaded",
		"log_level_changed", d.LogLevelChanged,
		"hands_free_changed", d.HandsFreeChanged,
		"restart_required", d.RestartRequired,
	)
	if w.onChange != nil {
		w.onChange(old, next)
	}
	return true, nil
}

func (w *Watcher) read() (fileStamp, []byte, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return fileStamp{}, nil, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fileStamp{}, nil, err
	}
	return fileStamp{
		modTime: info.ModTime(),
		size:    info.Size(),
		sum:     sha256.Sum256(data),
	}, data, nil
}
