package gateway

import (
	"sync"

	"github.com/oakandowl/gamemaster/internal/protocol"
)

// Registry maps a session id to zero or one live connection. Attaching
// a new connection for an id silently supersedes any prior one; the
// orphaned socket fails on its own next read or write. Connection
// lifetime is independent of session lifetime: detach never touches
// the session store.
type Registry struct {
	mu    sync.Mutex
	conns map[string]protocol.Sender
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]protocol.Sender)}
}

// Attach binds conn as the session's live connection, returning the
// superseded connection if one was bound (nil otherwise).
func (r *Registry) Attach(sessionID string, conn protocol.Sender) protocol.Sender {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.conns[sessionID]
	r.conns[sessionID] = conn
	return prev
}

// Detach removes the binding only if conn is still the current one, so
// a stale handler unwinding after being superseded cannot evict its
// replacement.
func (r *Registry) Detach(sessionID string, conn protocol.Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[sessionID] == conn {
		delete(r.conns, sessionID)
	}
}

// Get returns the session's live connection, or nil.
func (r *Registry) Get(sessionID string) protocol.Sender {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[sessionID]
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
