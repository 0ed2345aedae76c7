package resilience

import (
	"context"
	"errors"

	"github.com/voxray-ai/console/pkg/backend"
)

var _ backend.Chatter = (*ChatFallback)(nil)

// ChatFallback implements [backend.Chatter] with failover across several chat
// backends. A cancelled or expired request context stops the failover.
type ChatFallback struct {
	group *FallbackGroup[backend.Chatter]
}

// NewChatFallback creates a [ChatFallback] with primary as the preferred
// backend.
func NewChatFallback(primary backend.Chatter, primaryName string, cfg FallbackConfig) *ChatFallback {
	return &ChatFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another chat backend, tried after the ones already
// registered.
func (f *ChatFallback) AddFallback(name string, c backend.Chatter) {
	f.group.AddFallback(name, c)
}

// Breakers exposes the per-backend breakers for readiness reporting.
func (f *ChatFallback) Breakers() []*CircuitBreaker { return f.group.Breakers() }

// Chat implements [backend.Chatter].
func (f *ChatFallback) Chat(ctx context.Context, req backend.ChatRequest) (string, error) {
	return ExecuteWithResult(f.group, func(c backend.Chatter) (string, error) {
		return c.Chat(ctx, req)
	}, func(err error) bool {
		return ctx.Err() != nil || errors.Is(err, context.Canceled)
	})
}
