package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/voxray-ai/console/pkg/backend"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested backend name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps backend names to their constructor functions for each
// backend role. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	inference map[string]func(BackendEntry) (backend.Inference, error)
	chat      map[string]func(BackendEntry) (backend.Chatter, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		inference: make(map[string]func(BackendEntry) (backend.Inference, error)),
		chat:      make(map[string]func(BackendEntry) (backend.Chatter, error)),
	}
}

// RegisterInference registers a factory for a backend serving every stage.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterInference(name string, factory func(BackendEntry) (backend.Inference, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inference[name] = factory
}

// RegisterChat registers a chat backend factory under name.
func (r *Registry) RegisterChat(name string, factory func(BackendEntry) (backend.Chatter, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chat[name] = factory
}

// CreateInference instantiates the backend registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateInference(entry BackendEntry) (backend.Inference, error) {
	r.mu.RLock()
	factory, ok := r.inference[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: inference/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateChat instantiates a chat backend using the factory registered under
// entry.Name. Inference backends also satisfy chat lookups.
func (r *Registry) CreateChat(entry BackendEntry) (backend.Chatter, error) {
	r.mu.RLock()
	factory, ok := r.chat[entry.Name]
	inf, infOK := r.inference[entry.Name]
	r.mu.RUnlock()
	switch {
	case ok:
		return factory(entry)
	case infOK:
		return inf(entry)
	}
	return nil, fmt.Errorf("%w: chat/%q", ErrProviderNotRegistered, entry.Name)
}
