// ABOUTME: Per-object client tracking, single-active-client arbitration, and input-relay stack.
// ABOUTME: Holding the active slot is the right to drive a flow and receive its signals.

package session

import (
	"log/slog"
	"sync"

	"github.com/halcyonos/devicelock/internal/protocol"
)

type clientKey struct {
	connection string
	path       string
}

func keyFor(c protocol.Client) clientKey {
	return clientKey{connection: c.ConnectionID(), path: c.Path()}
}

// Object is the session state of one authorizable object: its attached
// clients, the single active client owning the current flow, and the ordered
// input-relay registration stack (last registered wins).
type Object struct {
	name   string
	logger *slog.Logger

	mu      sync.Mutex
	clients map[clientKey]protocol.Client
	active  protocol.Client
	stack   []protocol.Client

	// cancel runs outside the lock whenever the daemon must cancel the flow
	// owned or presented by a departing client.
	cancel func(protocol.Client)
}

// NewObject creates the session state for one authorizable object.
func NewObject(name string, logger *slog.Logger) *Object {
	return &Object{
		name:    name,
		logger:  logger.With("component", "session", "object", name),
		clients: make(map[clientKey]protocol.Client),
	}
}

// SetCancelHook installs the engine's cancel entry point. Must be called
// before clients attach.
func (o *Object) SetCancelHook(fn func(protocol.Client)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancel = fn
}

// Attach adds a client to the object.
func (o *Object) Attach(c protocol.Client) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clients[keyFor(c)] = c
	o.logger.Info("client attached", "connection_id", c.ConnectionID(), "path", c.Path())
}

// Detach removes a client; equivalent to the client's connection dropping
// for this object only.
func (o *Object) Detach(c protocol.Client) {
	o.remove(func(k clientKey) bool { return k == keyFor(c) })
}

// Claim makes c the active client. Fails when a different client already
// owns the slot; claiming it again is a no-op success.
func (o *Object) Claim(c protocol.Client) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active != nil && keyFor(o.active) != keyFor(c) {
		return false
	}
	o.active = c
	return true
}

// Release clears the active slot if c holds it.
func (o *Object) Release(c protocol.Client) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != nil && keyFor(o.active) == keyFor(c) {
		o.active = nil
	}
}

// Active returns the current active client, or nil.
func (o *Object) Active() protocol.Client {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// SetRegistered adds or removes c from the input-relay stack. Registering
// pushes onto the top; unregistering the current top cancels the flow it was
// presenting.
func (o *Object) SetRegistered(c protocol.Client, registered bool) {
	key := keyFor(c)

	o.mu.Lock()
	wasTop := len(o.stack) > 0 && keyFor(o.stack[len(o.stack)-1]) == key
	o.stack = removeFromStack(o.stack, key)
	if registered {
		o.stack = append(o.stack, c)
	}
	cancelNeeded := wasTop && !registered && o.active != nil
	active := o.active
	cancel := o.cancel
	o.mu.Unlock()

	o.logger.Info("input relay registration", "path", c.Path(), "registered", registered)
	if cancelNeeded && cancel != nil {
		cancel(active)
	}
}

// SetActive moves a registered client to the top of the stack. A client that
// never registered is ignored.
func (o *Object) SetActive(c protocol.Client, active bool) {
	key := keyFor(c)

	o.mu.Lock()
	defer o.mu.Unlock()

	idx := -1
	for i, s := range o.stack {
		if keyFor(s) == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	if active {
		o.stack = append(removeFromStack(o.stack, key), c)
	} else if idx == len(o.stack)-1 && len(o.stack) > 1 {
		// Stepping down moves the client below the next presenter.
		o.stack = append(o.stack[:idx], o.stack[idx+1:]...)
		o.stack = append([]protocol.Client{c}, o.stack...)
	}
}

// Presenter returns the top of the input-relay stack, or nil.
func (o *Object) Presenter() protocol.Client {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.stack) == 0 {
		return nil
	}
	return o.stack[len(o.stack)-1]
}

// DropConnection removes every client of the connection from the object.
func (o *Object) DropConnection(connectionID string) {
	o.remove(func(k clientKey) bool { return k.connection == connectionID })
}

// remove clears matching clients from the client set and stack; if the
// active client or the top presenter was removed, the owned flow is
// canceled.
func (o *Object) remove(match func(clientKey) bool) {
	o.mu.Lock()

	for k := range o.clients {
		if match(k) {
			delete(o.clients, k)
		}
	}

	wasTop := len(o.stack) > 0 && match(keyFor(o.stack[len(o.stack)-1]))
	kept := o.stack[:0]
	for _, s := range o.stack {
		if !match(keyFor(s)) {
			kept = append(kept, s)
		}
	}
	o.stack = kept

	var cancelTarget protocol.Client
	if o.active != nil && match(keyFor(o.active)) {
		cancelTarget = o.active
	} else if wasTop && o.active != nil {
		cancelTarget = o.active
	}
	cancel := o.cancel
	o.mu.Unlock()

	if cancelTarget != nil && cancel != nil {
		cancel(cancelTarget)
	}
}

func removeFromStack(stack []protocol.Client, key clientKey) []protocol.Client {
	kept := make([]protocol.Client, 0, len(stack))
	for _, s := range stack {
		if keyFor(s) != key {
			kept = append(kept, s)
		}
	}
	return kept
}
