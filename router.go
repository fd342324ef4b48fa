package bridge

import (
	"sort"
	"sync"
)

// Router is a name → handler registry shared by both endpoints. The
// handler shape differs per transport (socket command handlers return a
// payload, proxy handlers respond through an HTTP writer), so the
// registry is generic over it. Lookup misses are the caller's problem to
// report as a protocol error; the router itself never fails.
type Router[H any] struct {
	mu       sync.RWMutex
	handlers map[string]H
}

// NewRouter creates an empty registry.
func NewRouter[H any]() *Router[H] {
	return &Router[H]{handlers: make(map[string]H)}
}

// Register binds name to handler, replacing any previous binding.
func (r *Router[H]) Register(name string, handler H) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

// Lookup returns the handler bound to name.
func (r *Router[H]) Lookup(name string) (H, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns all registered names, sorted.
func (r *Router[H]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
