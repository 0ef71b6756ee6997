package types

import (
	"time"
)

// Session states
const (
	SessionStateActive = "active"
	SessionStateClosed = "closed"
)

// Attendance statuses
const (
	StatusPresent = "present"
	StatusAbsent  = "absent"
	StatusLate    = "late"
)

// Identity describes an authenticated connection. It is extracted from the
// handshake token and never trusted from message payloads.
type Identity struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	Role        string `json:"role"`
	WorkspaceID string `json:"workspace_id"`
}

// PublicIdentity is the subset of Identity broadcast to other participants.
type PublicIdentity struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

// Public returns the broadcast-safe view of the identity.
func (i Identity) Public() PublicIdentity {
	return PublicIdentity{UserID: i.UserID, Email: i.Email, Role: i.Role}
}

// AttendanceRecord is one student's mark within a session. Marking the same
// student again replaces the record entirely (last write wins).
type AttendanceRecord struct {
	StudentID string    `json:"student_id"`
	Status    string    `json:"status"`
	MarkedBy  string    `json:"marked_by"`
	Timestamp time.Time `json:"timestamp"`
	Notes     string    `json:"notes,omitempty"`
}

// Session is the unit of coordination: one class, one date, one record set.
// All fields except the scope key are mutated only inside the coordinator's
// serialized step for the session.
type Session struct {
	ID            string                       `json:"id"`
	ClassID       string                       `json:"class_id"`
	WorkspaceID   string                       `json:"workspace_id"`
	Date          string                       `json:"date"`
	CreatedBy     string                       `json:"created_by"`
	CreatedAt     time.Time                    `json:"created_at"`
	TotalStudents int                          `json:"total_students"`
	State         string                       `json:"state"`
	ClosedBy      string                       `json:"closed_by,omitempty"`
	ClosedAt      *time.Time                   `json:"closed_at,omitempty"`
	Records       map[string]*AttendanceRecord `json:"-"`
	Participants  map[string]Identity          `json:"-"`

	// HandedOff guards the exactly-once persistence handoff after close.
	HandedOff bool `json:"-"`
}

// Progress returns the derived completion summary for the session.
func (s *Session) Progress() Progress {
	return ComputeProgress(len(s.Records), s.TotalStudents)
}

// SessionSnapshot is a deep copy of session state safe to marshal and hand to
// clients or the store outside the serialized step that produced it.
type SessionSnapshot struct {
	ID            string             `json:"id"`
	ClassID       string             `json:"class_id"`
	WorkspaceID   string             `json:"workspace_id"`
	Date          string             `json:"date"`
	CreatedBy     string             `json:"created_by"`
	CreatedAt     time.Time          `json:"created_at"`
	TotalStudents int                `json:"total_students"`
	State         string             `json:"state"`
	ClosedBy      string             `json:"closed_by,omitempty"`
	ClosedAt      *time.Time         `json:"closed_at,omitempty"`
	Records       []AttendanceRecord `json:"records"`
	Participants  []PublicIdentity   `json:"participants"`
	Progress      Progress           `json:"progress"`
}

// Snapshot copies the session's current state. Records are ordered by student
// ID so snapshots are deterministic.
func (s *Session) Snapshot() *SessionSnapshot {
	snap := &SessionSnapshot{
		ID:            s.ID,
		ClassID:       s.ClassID,
		WorkspaceID:   s.WorkspaceID,
		Date:          s.Date,
		CreatedBy:     s.CreatedBy,
		CreatedAt:     s.CreatedAt,
		TotalStudents: s.TotalStudents,
		State:         s.State,
		ClosedBy:      s.ClosedBy,
		Records:       make([]AttendanceRecord, 0, len(s.Records)),
		Participants:  make([]PublicIdentity, 0, len(s.Participants)),
		Progress:      s.Progress(),
	}
	if s.ClosedAt != nil {
		closedAt := *s.ClosedAt
		snap.ClosedAt = &closedAt
	}
	for _, studentID := range sortedRecordKeys(s.Records) {
		snap.Records = append(snap.Records, *s.Records[studentID])
	}
	for _, userID := range sortedParticipantKeys(s.Participants) {
		snap.Participants = append(snap.Participants, s.Participants[userID].Public())
	}
	return snap
}

// BulkEntry is one record within a bulk mark request.
type BulkEntry struct {
	StudentID string `json:"student_id"`
	Status    string `json:"status"`
	Notes     string `json:"notes,omitempty"`
}

// BulkRecordError reports one rejected entry of a bulk mark by position.
type BulkRecordError struct {
	Index     int    `json:"index"`
	StudentID string `json:"student_id,omitempty"`
	Reason    string `json:"reason"`
}

// BulkResult is the outcome of a bulk mark: valid entries apply, invalid
// entries are reported individually.
type BulkResult struct {
	AppliedCount int               `json:"applied_count"`
	Errors       []BulkRecordError `json:"errors"`
	Progress     Progress          `json:"progress"`
}

// MarkResult is the outcome of a single mark.
type MarkResult struct {
	Record         AttendanceRecord `json:"record"`
	PreviousStatus string           `json:"previous_status,omitempty"`
	Progress       Progress         `json:"progress"`
}

// StatusCounts aggregates a session's records by status.
type StatusCounts struct {
	Present int `json:"present"`
	Absent  int `json:"absent"`
	Late    int `json:"late"`
	Marked  int `json:"marked"`
	Total   int `json:"total"`
}

// CountRecords tallies records by status.
func CountRecords(records []AttendanceRecord, total int) StatusCounts {
	counts := StatusCounts{Marked: len(records), Total: total}
	for _, record := range records {
		switch record.Status {
		case StatusPresent:
			counts.Present++
		case StatusAbsent:
			counts.Absent++
		case StatusLate:
			counts.Late++
		}
	}
	return counts
}

// SessionSummary is one row of the paginated reporting listing served from
// the durable store after sessions close.
type SessionSummary struct {
	ID            string     `json:"id"`
	ClassID       string     `json:"class_id"`
	WorkspaceID   string     `json:"workspace_id"`
	Date          string     `json:"date"`
	CreatedBy     string     `json:"created_by"`
	TotalStudents int        `json:"total_students"`
	Marked        int        `json:"marked"`
	ClosedBy      string     `json:"closed_by"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
}
