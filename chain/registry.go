package chain

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a handler instance. Registration stores factories rather
// than instances so each registry owns its handlers (and their caches).
type Factory func() (Handler, error)

// Registry maps blockchain names to handlers. Lookup is fail-closed: an
// unregistered name yields ErrUnimplemented, never a partial handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register instantiates the factory and installs its handler. Registering a
// name twice is an error.
func (r *Registry) Register(f Factory) error {
	h, err := f()
	if err != nil {
		return err
	}
	name := h.Blockchain()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("chain: handler %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// MustRegister is Register for static setup paths.
func (r *Registry) MustRegister(f Factory) {
	if err := r.Register(f); err != nil {
		panic(err)
	}
}

// Handler looks up the handler for a blockchain name.
func (r *Registry) Handler(blockchain string) (Handler, error) {
	r.mu.RLock()
	h, ok := r.handlers[blockchain]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnimplemented, blockchain)
	}
	return h, nil
}

// Blockchains returns the registered names, sorted.
func (r *Registry) Blockchains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
