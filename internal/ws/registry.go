package ws

import (
	"sync"
)

// ConnRegistry tracks open connections by connection ID. Pure connection
// bookkeeping; session membership lives in the broadcaster's delivery groups.
type ConnRegistry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	byWorkspace map[string]int
}

// NewConnRegistry creates an empty connection registry.
func NewConnRegistry() *ConnRegistry {
	return &ConnRegistry{
		connections: make(map[string]*Connection),
		byWorkspace: make(map[string]int),
	}
}

// Register tracks an authenticated connection.
func (r *ConnRegistry) Register(conn *Connection) {
	if conn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[conn.ID()] = conn
	r.byWorkspace[conn.Identity().WorkspaceID]++
}

// Unregister forgets a connection on disconnect. Idempotent.
func (r *ConnRegistry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, exists := r.connections[connID]
	if !exists {
		return
	}
	delete(r.connections, connID)

	workspaceID := conn.Identity().WorkspaceID
	if r.byWorkspace[workspaceID] > 1 {
		r.byWorkspace[workspaceID]--
	} else {
		delete(r.byWorkspace, workspaceID)
	}
}

// Get looks a connection up by ID.
func (r *ConnRegistry) Get(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, exists := r.connections[connID]
	return conn, exists
}

// Count returns the number of open connections.
func (r *ConnRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// WorkspaceCounts returns open connections per workspace.
func (r *ConnRegistry) WorkspaceCounts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int, len(r.byWorkspace))
	for workspaceID, count := range r.byWorkspace {
		counts[workspaceID] = count
	}
	return counts
}

// CloseAll tears down every tracked connection, used during shutdown.
func (r *ConnRegistry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	r.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}
