// Package resilience keeps the console usable when a backend degrades.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open) that
// stops hammering a backend after repeated failures. [FallbackGroup] puts
// several interchangeable backends behind per-entry breakers and tries them in
// registration order. [ChatFallback] applies that to chat backends.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker is
// open and its reset timeout has not elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Enough
	// successful probes close the breaker; any failure re-opens it.
	StateHalfOpen
)

// String returns the state name used in logs and metrics.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the protected backend in logs.
	Name string

	// MaxFailures is the number of consecutive failures that opens a closed
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long an open breaker waits before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probes allowed (and required to succeed)
	// in the half-open state. Default: 3.
	HalfOpenMax int

	// OnStateChange, when set, is called after every transition. It runs
	// with the breaker's lock released.
	OnStateChange func(name string, from, to State)

	// Logger receives transition logs. Default: slog.Default().
	Logger *slog.Logger
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	onStateChange func(name string, from, to State)
	logger        *slog.Logger
	now           func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probes    int
	probeWins int
}

// NewCircuitBreaker creates a closed [CircuitBreaker]. Zero-value config
// fields fall back to their defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		onStateChange: cfg.OnStateChange,
		logger:        logger.With("component", "breaker", "backend", cfg.Name),
		now:           time.Now,
		state:         StateClosed,
	}
}

// Execute runs fn unless the breaker rejects the call. An open breaker returns
// [ErrCircuitOpen] without calling fn; a half-open breaker admits at most
// HalfOpenMax probes.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn()

	cb.mu.Lock()
	from := cb.state
	if err != nil {
		cb.onFailure(probe)
	} else {
		cb.onSuccess(probe)
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return err
}

// admit decides whether a call may proceed and whether it counts as a probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	from := cb.state
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes, cb.probeWins = 0, 0
	case StateHalfOpen:
		if cb.probes >= cb.halfOpenMax {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
	}
	probe = cb.state == StateHalfOpen
	if probe {
		cb.probes++
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return probe, nil
}

// onFailure must be called with cb.mu held.
func (cb *CircuitBreaker) onFailure(probe bool) {
	if probe || cb.state == StateHalfOpen {
		cb.trip()
		return
	}
	cb.failures++
	if cb.failures >= cb.maxFailures {
		cb.trip()
	}
}

// onSuccess must be called with cb.mu held.
func (cb *CircuitBreaker) onSuccess(probe bool) {
	if !probe {
		cb.failures = 0
		return
	}
	if cb.state != StateHalfOpen {
		return
	}
	cb.probeWins++
	if cb.probeWins >= cb.halfOpenMax {
		cb.state = StateClosed
		cb.failures, cb.probes, cb.probeWins = 0, 0, 0
	}
}

// trip must be called with cb.mu held.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.failures = cb.maxFailures
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from == to {
		return
	}
	switch to {
	case StateOpen:
		cb.logger.Warn("circuit breaker opened", "from", from.String())
	default:
		cb.logger.Info("circuit breaker state changed", "from", from.String(), "to", to.String())
	}
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}

// Name returns the configured backend label.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures, cb.probes, cb.probeWins = 0, 0, 0
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}
