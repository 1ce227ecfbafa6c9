package websocket

import (
	"sync"

	"codesync/pkg/interfaces"
	"codesync/pkg/types"
)

// Registry maps connection ids to live connections and delivers events to them
// ARCHITECTURAL DISCOVERY: Pure connection tracking; which connections should receive
// an event is decided by the router, the registry only knows how to reach them
type Registry struct {
	mu          sync.RWMutex
	connections map[string]interfaces.Connection
}

var _ interfaces.Delivery = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{connections: make(map[string]interfaces.Connection)}
}

// Register adds a connection under its id
func (r *Registry) Register(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	id := conn.GetConnectionID()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.connections[id]; exists {
		return ErrDuplicateConnection
	}
	r.connections[id] = conn
	return nil
}

// Unregister removes conn if it is still the registered instance for its id
// FUNCTIONAL DISCOVERY: Idempotent, and a stale instance can never evict a newer one
func (r *Registry) Unregister(conn interfaces.Connection) {
	if conn == nil {
		return
	}
	id := conn.GetConnectionID()

	r.mu.Lock()
	defer r.mu.Unlock()
	if registered, exists := r.connections[id]; exists && registered == conn {
		delete(r.connections, id)
	}
}

func (r *Registry) Get(connectionID string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[connectionID]
	return conn, ok
}

// Send delivers an event to one connection
func (r *Registry) Send(connectionID string, event *types.Event) error {
	conn, ok := r.Get(connectionID)
	if !ok {
		return ErrConnectionNotFound
	}
	return conn.WriteJSON(event)
}

// CloseAll closes every registered connection; their read pumps unregister them
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]interfaces.Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

// GetStats returns registry statistics for monitoring
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]int{"total_connections": len(r.connections)}
}
