package clocksync

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Session is an engine managed by a Registry. Server and Client implement
// it.
type Session interface {
	Init(ctx context.Context) error
	Tick(dt float64)
	Shutdown() error
}

// Registry owns a set of named sessions and ticks them together.
type Registry struct {
	mu       sync.Mutex
	names    []string
	sessions map[string]Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]Session)}
}

// Add initializes s and registers it under name. A session that fails to
// initialize is not registered.
func (r *Registry) Add(ctx context.Context, name string, s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[name]; exists {
		return fmt.Errorf("%w: %s", ErrSessionExists, name)
	}
	if err := s.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize session %s: %w", name, err)
	}
	r.sessions[name] = s
	r.names = append(r.names, name)
	return nil
}

// Get returns the session registered under name.
func (r *Registry) Get(name string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[name]
	return s, ok
}

// Names returns the registered names in the order they were added.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Remove shuts down the session registered under name and forgets it.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	s, ok := r.sessions[name]
	if ok {
		delete(r.sessions, name)
		for i, n := range r.names {
			if n == name {
				r.names = append(r.names[:i], r.names[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, name)
	}
	return s.Shutdown()
}

// TickAll ticks every session in registration order.
func (r *Registry) TickAll(dt float64) {
	r.mu.Lock()
	sessions := make([]Session, 0, len(r.names))
	for _, name := range r.names {
		sessions = append(sessions, r.sessions[name])
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Tick(dt)
	}
}

// Close shuts down every session, newest first, and empties the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	names := r.names
	sessions := r.sessions
	r.names = nil
	r.sessions = make(map[string]Session)
	r.mu.Unlock()

	var errs []error
	for i := len(names) - 1; i >= 0; i-- {
		if err := sessions[names[i]].Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", names[i], err))
		}
	}
	return errors.Join(errs...)
}
