package broadcast

import (
	"log"
	"sync"

	"rollcall/pkg/types"
)

// Receiver is one deliverable connection. Implementations must make Send
// safe for concurrent use; the WebSocket connection satisfies this with its
// single-writer channel.
type Receiver interface {
	ID() string
	UserID() string
	Send(ev *types.Event) error
}

// Broadcaster fans session events out to joined connections and summary
// events out to every connection in a workspace. Delivery happens in the
// caller's goroutine: the coordinator emits from inside a session's
// serialized step, so all participants observe that session's events in
// processing order.
type Broadcaster struct {
	mu         sync.RWMutex
	sessions   map[string]map[string]Receiver // sessionID -> connID -> conn
	workspaces map[string]map[string]Receiver // workspaceID -> connID -> conn

	delivered func(count int) // optional metrics hook
}

// New creates an empty broadcaster.
func New() *Broadcaster {
	return &Broadcaster{
		sessions:   make(map[string]map[string]Receiver),
		workspaces: make(map[string]map[string]Receiver),
	}
}

// OnDelivered installs a hook called with the recipient count of each
// fan-out, used for metrics.
func (b *Broadcaster) OnDelivered(fn func(count int)) {
	b.mu.Lock()
	b.delivered = fn
	b.mu.Unlock()
}

// Subscribe adds a connection to a session's delivery group. Called from
// inside the session's serialized join step so no event can slip between the
// join snapshot and the first delivered broadcast.
func (b *Broadcaster) Subscribe(sessionID string, conn Receiver) {
	if conn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sessions[sessionID] == nil {
		b.sessions[sessionID] = make(map[string]Receiver)
	}
	b.sessions[sessionID][conn.ID()] = conn
}

// Unsubscribe removes a connection from a session's delivery group.
// Idempotent; empty groups are cleaned up.
func (b *Broadcaster) Unsubscribe(sessionID, connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if conns, exists := b.sessions[sessionID]; exists {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(b.sessions, sessionID)
		}
	}
}

// DropSession discards a session's delivery group entirely, once the session
// has been closed, persisted and removed from the registry.
func (b *Broadcaster) DropSession(sessionID string) {
	b.mu.Lock()
	delete(b.sessions, sessionID)
	b.mu.Unlock()
}

// JoinWorkspace registers a connection for workspace-scoped summary events.
// Called once at connection registration.
func (b *Broadcaster) JoinWorkspace(workspaceID string, conn Receiver) {
	if conn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.workspaces[workspaceID] == nil {
		b.workspaces[workspaceID] = make(map[string]Receiver)
	}
	b.workspaces[workspaceID][conn.ID()] = conn
}

// LeaveWorkspace removes a connection from its workspace group on disconnect.
func (b *Broadcaster) LeaveWorkspace(workspaceID, connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if conns, exists := b.workspaces[workspaceID]; exists {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(b.workspaces, workspaceID)
		}
	}
}

// ToSession delivers an event to every connection joined to the session.
// Failed sends are logged and skipped; one slow or dead connection never
// blocks the others.
func (b *Broadcaster) ToSession(sessionID string, ev *types.Event) {
	b.deliver(b.snapshotGroup(b.sessions, sessionID), ev)
}

// ToWorkspace delivers a summary event to every connection in the workspace,
// session participants or not.
func (b *Broadcaster) ToWorkspace(workspaceID string, ev *types.Event) {
	b.deliver(b.snapshotGroup(b.workspaces, workspaceID), ev)
}

// SessionConnectionCount returns the number of connections joined to a
// session's delivery group.
func (b *Broadcaster) SessionConnectionCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions[sessionID])
}

func (b *Broadcaster) snapshotGroup(groups map[string]map[string]Receiver, key string) []Receiver {
	b.mu.RLock()
	defer b.mu.RUnlock()

	conns := groups[key]
	receivers := make([]Receiver, 0, len(conns))
	for _, conn := range conns {
		receivers = append(receivers, conn)
	}
	return receivers
}

func (b *Broadcaster) deliver(receivers []Receiver, ev *types.Event) {
	for _, conn := range receivers {
		if err := conn.Send(ev); err != nil {
			log.Printf("failed to deliver %s to connection %s: %v", ev.Type, conn.ID(), err)
		}
	}

	b.mu.RLock()
	hook := b.delivered
	b.mu.RUnlock()
	if hook != nil {
		hook(len(receivers))
	}
}
