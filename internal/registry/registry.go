package registry

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"rollcall/pkg/types"
)

// Registry is the authoritative in-memory map of active sessions. It owns
// session existence and the one-active-session-per-(class, date) rule; all
// mutation of a session's interior state happens in the coordinator's
// serialized steps. The registry itself is safe for concurrent
// create/get/remove across sessions.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*types.Session // sessionID -> session
	byClassDate map[classDate]string      // scope key -> sessionID
}

type classDate struct {
	classID string
	date    string
}

// New creates an empty session registry.
func New() *Registry {
	return &Registry{
		sessions:    make(map[string]*types.Session),
		byClassDate: make(map[classDate]string),
	}
}

// Create registers a new active session. The uniqueness check and the insert
// happen under one lock so two concurrent creates for the same (class, date)
// cannot both succeed.
func (r *Registry) Create(classID, workspaceID, date string, totalStudents int, createdBy string) (*types.Session, error) {
	if totalStudents < 0 {
		return nil, ErrInvalidTotalStudents
	}
	if !types.IsValidID(classID) || !types.IsValidID(workspaceID) {
		return nil, types.ErrInvalidID
	}
	if !types.IsValidDate(date) {
		return nil, types.ErrInvalidDate
	}

	key := classDate{classID: classID, date: date}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byClassDate[key]; exists {
		return nil, ErrDuplicateActiveSession
	}

	session := &types.Session{
		ID:            uuid.New().String(),
		ClassID:       classID,
		WorkspaceID:   workspaceID,
		Date:          date,
		CreatedBy:     createdBy,
		CreatedAt:     time.Now(),
		TotalStudents: totalStudents,
		State:         types.SessionStateActive,
		Records:       make(map[string]*types.AttendanceRecord),
		Participants:  make(map[string]types.Identity),
	}

	r.sessions[session.ID] = session
	r.byClassDate[key] = session.ID

	log.Printf("session created: id=%s class=%s date=%s total=%d by=%s",
		session.ID, classID, date, totalStudents, createdBy)
	return session, nil
}

// Get returns the session for sessionID.
func (r *Registry) Get(sessionID string) (*types.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.sessions[sessionID]
	if !exists {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// GetByClassDate returns the active session for (classID, date), if any.
func (r *Registry) GetByClassDate(classID, date string) (*types.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessionID, exists := r.byClassDate[classDate{classID: classID, date: date}]
	if !exists {
		return nil, false
	}
	session, exists := r.sessions[sessionID]
	return session, exists
}

// Remove frees a session once it is closed and durably persisted. The scope
// key is released, so a new session for the same (class, date) may be created
// afterwards.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, exists := r.sessions[sessionID]
	if !exists {
		return
	}

	delete(r.sessions, sessionID)
	key := classDate{classID: session.ClassID, date: session.Date}
	if r.byClassDate[key] == sessionID {
		delete(r.byClassDate, key)
	}

	log.Printf("session removed: id=%s class=%s date=%s", sessionID, session.ClassID, session.Date)
}

// ActiveIDs returns the IDs of all registered sessions.
func (r *Registry) ActiveIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
