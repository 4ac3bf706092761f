package realtime

import (
	"sync"

	"github.com/google/uuid"
)

// Connection is one live transport connection held by this process instance.
// The WebSocket gateway provides the concrete implementation.
type Connection interface {
	// ID uniquely identifies the connection within the process
	ID() string
	// Send enqueues an event frame; it must not block the caller
	Send(event string, payload interface{}) error
}

// Registry is the process-local map from user identity to live connections.
// It is strictly local by design: recipients connected to other instances are
// reached through the managed relay instead.
type Registry struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]map[string]Connection
}

// NewRegistry creates an empty connection registry
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[uuid.UUID]map[string]Connection),
	}
}

// Add registers a connection under the user. Returns true when this is the
// user's first live connection.
func (r *Registry) Add(userID uuid.UUID, conn Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[userID]
	if !ok {
		set = make(map[string]Connection)
		r.conns[userID] = set
	}
	set[conn.ID()] = conn
	return !ok
}

// Remove unregisters a connection. Returns true when it was the user's last
// live connection.
func (r *Registry) Remove(userID uuid.UUID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[userID]
	if !ok {
		return false
	}
	if _, exists := set[connID]; !exists {
		return false
	}

	delete(set, connID)
	if len(set) == 0 {
		delete(r.conns, userID)
		return true
	}
	return false
}

// Connections returns the user's live connections, if any
func (r *Registry) Connections(userID uuid.UUID) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.conns[userID]
	if len(set) == 0 {
		return nil
	}
	out := make([]Connection, 0, len(set))
	for _, conn := range set {
		out = append(out, conn)
	}
	return out
}

// ConnectionCount returns the number of live connections for a user
func (r *Registry) ConnectionCount(userID uuid.UUID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[userID])
}

// Deliver sends the event to every local connection of the user. Returns the
// number of connections written to; zero means the user is not local.
func (r *Registry) Deliver(userID uuid.UUID, event string, payload interface{}) int {
	delivered := 0
	for _, conn := range r.Connections(userID) {
		if err := conn.Send(event, payload); err == nil {
			delivered++
		}
	}
	return delivered
}
