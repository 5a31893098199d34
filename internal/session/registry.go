// ABOUTME: Connection registry fanning out disconnects to every authorizable object.
// ABOUTME: Central coordinator mirroring one daemon process serving many client connections.

package session

import (
	"log/slog"
	"sync"
)

// Registry coordinates connection lifetime across all authorizable objects.
// Objects and other interested parties (authorizers) register hooks that run
// when a connection drops.
type Registry struct {
	mu      sync.Mutex
	objects map[string]*Object
	hooks   []func(connectionID string)
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		objects: make(map[string]*Object),
		logger:  logger.With("component", "session"),
	}
}

// AddObject registers an authorizable object for disconnect fanout.
func (r *Registry) AddObject(o *Object) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects[o.name] = o
}

// Object returns the named object, or nil.
func (r *Registry) Object(name string) *Object {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.objects[name]
}

// OnDisconnect registers an extra hook run when any connection drops.
func (r *Registry) OnDisconnect(fn func(connectionID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// DropConnection removes the connection from every object and runs the
// disconnect hooks. Flows owned by the connection's clients are canceled by
// their objects.
func (r *Registry) DropConnection(connectionID string) {
	r.mu.Lock()
	objects := make([]*Object, 0, len(r.objects))
	for _, o := range r.objects {
		objects = append(objects, o)
	}
	hooks := make([]func(string), len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.Unlock()

	r.logger.Info("connection dropped", "connection_id", connectionID)
	for _, o := range objects {
		o.DropConnection(connectionID)
	}
	for _, fn := range hooks {
		fn(connectionID)
	}
}
