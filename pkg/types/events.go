package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Request types sent by clients
const (
	MessageTypeCreateSession = "create_session"
	MessageTypeJoinSession   = "join_session"
	MessageTypeLeaveSession  = "leave_session"
	MessageTypeMarkOne       = "mark_one"
	MessageTypeMarkBulk      = "mark_bulk"
	MessageTypeGetStatus     = "get_status"
	MessageTypeCloseSession  = "close_session"
	MessageTypeGetStats      = "get_stats"
)

// Response and broadcast types emitted by the server. Session-scoped events
// carry full detail to joined connections; the *_summary and announce
// variants are the reduced-information workspace broadcasts.
const (
	MessageTypeConnected           = "connected"
	MessageTypeError               = "error"
	MessageTypeSessionCreated      = "session_created"
	MessageTypeNewSessionAnnounced = "new_session_announced"
	MessageTypeSessionJoined       = "session_joined"
	MessageTypeSessionLeft         = "session_left"
	MessageTypeUserJoined          = "user_joined"
	MessageTypeUserLeft            = "user_left"
	MessageTypeMarkApplied         = "mark_applied"
	MessageTypeMarkSummary         = "mark_summary"
	MessageTypeBulkApplied         = "bulk_applied"
	MessageTypeBulkSummary         = "bulk_summary"
	MessageTypeSessionClosed       = "session_closed"
	MessageTypeStatus              = "status"
	MessageTypeStats               = "stats"
)

// Error codes carried in error frames
const (
	CodeDuplicateActiveSession = "DUPLICATE_ACTIVE_SESSION"
	CodeInvalidTotalStudents   = "INVALID_TOTAL_STUDENTS"
	CodeSessionNotFound        = "SESSION_NOT_FOUND"
	CodeSessionClosed          = "SESSION_CLOSED"
	CodeAlreadyClosed          = "ALREADY_CLOSED"
	CodeInvalidStatus          = "INVALID_STATUS"
	CodeInvalidPayload         = "INVALID_PAYLOAD"
	CodeRateLimited            = "RATE_LIMITED"
	CodeUnauthorized           = "UNAUTHORIZED"
	CodeInternal               = "INTERNAL"
)

// Event is one frame on the wire: a response when RequestID is set, a
// broadcast otherwise. Payload is a concrete struct on the sending side and
// raw JSON after decoding; DecodePayload bridges the two.
type Event struct {
	ID        string      `json:"id,omitempty"`
	Type      string      `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewEvent builds a broadcast event with a server-generated ID.
func NewEvent(eventType string, payload interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// NewResponse builds a response to the request identified by requestID.
func NewResponse(eventType, requestID string, payload interface{}) *Event {
	ev := NewEvent(eventType, payload)
	ev.RequestID = requestID
	return ev
}

// NewErrorEvent builds an error frame for the requesting connection only.
func NewErrorEvent(requestID, code, message string) *Event {
	return NewResponse(MessageTypeError, requestID, ErrorPayload{Code: code, Message: message})
}

// DecodePayload unmarshals an event's payload into v. It accepts both raw
// JSON (events read off the wire) and struct payloads (events delivered
// in-process, as in tests).
func DecodePayload(ev *Event, v interface{}) error {
	if ev == nil || ev.Payload == nil {
		return fmt.Errorf("event has no payload")
	}
	switch payload := ev.Payload.(type) {
	case json.RawMessage:
		return json.Unmarshal(payload, v)
	case []byte:
		return json.Unmarshal(payload, v)
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to re-marshal payload: %w", err)
		}
		return json.Unmarshal(data, v)
	}
}

// Envelope is the decoded form of an incoming frame, payload left raw for
// per-type decoding.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload is the payload of an error frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Request payloads

type CreateSessionRequest struct {
	ClassID       string `json:"class_id"`
	Date          string `json:"date"`
	TotalStudents int    `json:"total_students"`
}

type JoinSessionRequest struct {
	SessionID string `json:"session_id"`
	ClassID   string `json:"class_id,omitempty"`
}

type LeaveSessionRequest struct {
	SessionID string `json:"session_id"`
}

type MarkOneRequest struct {
	SessionID string `json:"session_id"`
	StudentID string `json:"student_id"`
	Status    string `json:"status"`
	Notes     string `json:"notes,omitempty"`
}

type MarkBulkRequest struct {
	SessionID string      `json:"session_id"`
	Records   []BulkEntry `json:"records"`
}

type GetStatusRequest struct {
	SessionID string `json:"session_id"`
}

type CloseSessionRequest struct {
	SessionID string `json:"session_id"`
}

type GetStatsRequest struct {
	ClassID string `json:"class_id"`
	Date    string `json:"date"`
}

// Broadcast payloads

// ConnectedPayload acknowledges a successful handshake.
type ConnectedPayload struct {
	Identity Identity `json:"identity"`
}

// UserJoinedPayload announces a new participant to a session.
type UserJoinedPayload struct {
	SessionID   string         `json:"session_id"`
	User        PublicIdentity `json:"user"`
	Participant int            `json:"participant_count"`
}

// UserLeftPayload announces a departure, public identity fields only.
type UserLeftPayload struct {
	SessionID   string         `json:"session_id"`
	User        PublicIdentity `json:"user"`
	Participant int            `json:"participant_count"`
}

// MarkAppliedPayload carries a mark and the resulting progress to session
// participants.
type MarkAppliedPayload struct {
	SessionID      string           `json:"session_id"`
	Record         AttendanceRecord `json:"record"`
	PreviousStatus string           `json:"previous_status,omitempty"`
	Progress       Progress         `json:"progress"`
}

// BulkAppliedPayload carries a bulk outcome to session participants.
type BulkAppliedPayload struct {
	SessionID    string            `json:"session_id"`
	AppliedCount int               `json:"applied_count"`
	Errors       []BulkRecordError `json:"errors,omitempty"`
	MarkedBy     string            `json:"marked_by"`
	Progress     Progress          `json:"progress"`
}

// SessionActivityPayload is the reduced-information workspace broadcast for
// session creation, marks, bulk marks and close.
type SessionActivityPayload struct {
	SessionID string   `json:"session_id"`
	ClassID   string   `json:"class_id"`
	Date      string   `json:"date"`
	Activity  string   `json:"activity"`
	Progress  Progress `json:"progress"`
}

// SessionClosedPayload announces a terminal close.
type SessionClosedPayload struct {
	SessionID string   `json:"session_id"`
	ClassID   string   `json:"class_id"`
	Date      string   `json:"date"`
	ClosedBy  string   `json:"closed_by"`
	Progress  Progress `json:"progress"`
}

// StatusPayload answers a get_status request.
type StatusPayload struct {
	Session  *SessionSnapshot `json:"session"`
	Progress Progress         `json:"progress"`
}

// StatsPayload answers a get_stats request.
type StatsPayload struct {
	ClassID string       `json:"class_id"`
	Date    string       `json:"date"`
	Counts  StatusCounts `json:"counts"`
	Source  string       `json:"source"` // "live" or "store"
}
