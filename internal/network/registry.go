package network

import (
	"sort"
	"sync"
)

// ConnectionRegistry tracks the live client connections by id.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[uint64]*Connection
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{conns: make(map[uint64]*Connection)}
}

// Register adds c to the registry.
func (r *ConnectionRegistry) Register(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID()] = c
}

// Unregister removes the connection with the given id.
func (r *ConnectionRegistry) Unregister(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// Count returns the number of registered connections.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns the registered connections ordered by id.
func (r *ConnectionRegistry) Snapshot() []*Connection {
	r.mu.RLock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// CloseAll closes every registered connection.
func (r *ConnectionRegistry) CloseAll() {
	for _, c := range r.Snapshot() {
		c.Close()
	}
}
