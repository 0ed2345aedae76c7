package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] failed or was
// skipped because its breaker is open. The last entry's error stays in the
// chain, so callers can still match it with errors.Is/As.
var ErrAllFailed = errors.New("resilience: all backends failed")

// FallbackConfig configures the breaker created for every entry of a
// [FallbackGroup]. The breaker's Name is overwritten with the entry name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig

	// Logger receives failover logs. Default: slog.Default().
	Logger *slog.Logger
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary and optional fallback values of the same
// backend type, each behind its own [CircuitBreaker]. Entries are tried in
// registration order.
//
// AddFallback must not be called concurrently with Execute; register all
// fallbacks during start-up.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
	logger  *slog.Logger
}

// NewFallbackGroup creates a [FallbackGroup] with primary as its first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CircuitBreaker.Logger == nil {
		cfg.CircuitBreaker.Logger = logger
	}
	fg := &FallbackGroup[T]{cfg: cfg, logger: logger.With("component", "fallback")}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a fallback entry.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Len returns the number of entries including the primary.
func (fg *FallbackGroup[T]) Len() int { return len(fg.entries) }

// Breakers returns the per-entry breakers in registration order.
func (fg *FallbackGroup[T]) Breakers() []*CircuitBreaker {
	out := make([]*CircuitBreaker, len(fg.entries))
	for i := range fg.entries {
		out[i] = fg.entries[i].breaker
	}
	return out
}

// Execute calls fn for each entry until one succeeds. If stop is non-nil and
// returns true for an error, the remaining entries are not tried and that
// error is returned unwrapped.
func (fg *FallbackGroup[T]) Execute(fn func(T) error, stop func(error) bool) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	}, stop)
	return err
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that produce a value.
// It is a function because methods cannot declare type parameters.
func ExecuteWithResult[T, R any](fg *FallbackGroup[T], fn func(T) (R, error), stop func(error) bool) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		var result R
		err := entry.breaker.Execute(func() error {
			var callErr error
			result, callErr = fn(entry.value)
			return callErr
		})
		if err == nil {
			if i > 0 {
				fg.logger.Info("served by fallback backend", "backend", entry.name)
			}
			return result, nil
		}
		if stop != nil && stop(err) {
			return zero, err
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			fg.logger.Debug("skipping backend with open circuit", "backend", entry.name)
			continue
		}
		fg.logger.Warn("backend failed, trying next", "backend", entry.name, "err", err)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
