package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"rollcall/internal/coordinator"
	"rollcall/internal/registry"
	"rollcall/pkg/types"
)

const requestTimeout = 30 * time.Second

// mutating request types count against the per-connection rate limit; pure
// reads do not.
func isMutating(messageType string) bool {
	switch messageType {
	case types.MessageTypeCreateSession,
		types.MessageTypeJoinSession,
		types.MessageTypeLeaveSession,
		types.MessageTypeMarkOne,
		types.MessageTypeMarkBulk,
		types.MessageTypeCloseSession:
		return true
	}
	return false
}

// dispatch decodes one incoming frame and routes it to the coordinator.
// Responses and error frames go only to the requesting connection;
// broadcasts are the coordinator's job.
func (h *Handler) dispatch(conn *Connection, data []byte) {
	var envelope types.Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		h.sendError(conn, "", types.CodeInvalidPayload, "malformed frame")
		return
	}

	if isMutating(envelope.Type) && !h.limiter.Allow(conn.ID()) {
		h.sendError(conn, envelope.RequestID, types.CodeRateLimited, "rate limit exceeded")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	identity := conn.Identity()

	switch envelope.Type {
	case types.MessageTypeCreateSession:
		var req types.CreateSessionRequest
		if !h.decode(conn, envelope, &req) {
			return
		}
		snap, err := h.coordinator.Create(ctx, identity, req)
		if err != nil {
			h.sendCoordinatorError(conn, envelope.RequestID, err)
			return
		}
		h.respond(conn, types.MessageTypeSessionCreated, envelope.RequestID, snap)

	case types.MessageTypeJoinSession:
		var req types.JoinSessionRequest
		if !h.decode(conn, envelope, &req) {
			return
		}
		snap, err := h.coordinator.Join(ctx, req, identity, conn)
		if err != nil {
			h.sendCoordinatorError(conn, envelope.RequestID, err)
			return
		}
		conn.MarkJoined(snap.ID)
		h.respond(conn, types.MessageTypeSessionJoined, envelope.RequestID, snap)

	case types.MessageTypeLeaveSession:
		var req types.LeaveSessionRequest
		if !h.decode(conn, envelope, &req) {
			return
		}
		if err := h.coordinator.Leave(ctx, req.SessionID, identity, conn.ID()); err != nil {
			h.sendCoordinatorError(conn, envelope.RequestID, err)
			return
		}
		conn.ClearJoined(req.SessionID)
		h.respond(conn, types.MessageTypeSessionLeft, envelope.RequestID, req)

	case types.MessageTypeMarkOne:
		var req types.MarkOneRequest
		if !h.decode(conn, envelope, &req) {
			return
		}
		result, err := h.coordinator.MarkOne(ctx, identity, req)
		if err != nil {
			h.sendCoordinatorError(conn, envelope.RequestID, err)
			return
		}
		h.respond(conn, types.MessageTypeMarkApplied, envelope.RequestID, types.MarkAppliedPayload{
			SessionID:      req.SessionID,
			Record:         result.Record,
			PreviousStatus: result.PreviousStatus,
			Progress:       result.Progress,
		})

	case types.MessageTypeMarkBulk:
		var req types.MarkBulkRequest
		if !h.decode(conn, envelope, &req) {
			return
		}
		result, err := h.coordinator.MarkBulk(ctx, identity, req)
		if err != nil {
			h.sendCoordinatorError(conn, envelope.RequestID, err)
			return
		}
		h.respond(conn, types.MessageTypeBulkApplied, envelope.RequestID, types.BulkAppliedPayload{
			SessionID:    req.SessionID,
			AppliedCount: result.AppliedCount,
			Errors:       result.Errors,
			MarkedBy:     identity.UserID,
			Progress:     result.Progress,
		})

	case types.MessageTypeGetStatus:
		var req types.GetStatusRequest
		if !h.decode(conn, envelope, &req) {
			return
		}
		status, err := h.coordinator.Status(ctx, req.SessionID)
		if err != nil {
			h.sendCoordinatorError(conn, envelope.RequestID, err)
			return
		}
		h.respond(conn, types.MessageTypeStatus, envelope.RequestID, status)

	case types.MessageTypeCloseSession:
		var req types.CloseSessionRequest
		if !h.decode(conn, envelope, &req) {
			return
		}
		closed, err := h.coordinator.Close(ctx, req.SessionID, identity)
		if err != nil {
			h.sendCoordinatorError(conn, envelope.RequestID, err)
			return
		}
		h.respond(conn, types.MessageTypeSessionClosed, envelope.RequestID, closed)

	case types.MessageTypeGetStats:
		var req types.GetStatsRequest
		if !h.decode(conn, envelope, &req) {
			return
		}
		stats, err := h.coordinator.Stats(ctx, req.ClassID, req.Date)
		if err != nil {
			h.sendCoordinatorError(conn, envelope.RequestID, err)
			return
		}
		h.respond(conn, types.MessageTypeStats, envelope.RequestID, stats)

	default:
		h.sendError(conn, envelope.RequestID, types.CodeInvalidPayload, "unknown message type: "+envelope.Type)
	}
}

func (h *Handler) decode(conn *Connection, envelope types.Envelope, v interface{}) bool {
	if len(envelope.Payload) == 0 {
		h.sendError(conn, envelope.RequestID, types.CodeInvalidPayload, "missing payload")
		return false
	}
	if err := json.Unmarshal(envelope.Payload, v); err != nil {
		h.sendError(conn, envelope.RequestID, types.CodeInvalidPayload, "malformed payload")
		return false
	}
	return true
}

func (h *Handler) respond(conn *Connection, eventType, requestID string, payload interface{}) {
	if err := conn.Send(types.NewResponse(eventType, requestID, payload)); err != nil {
		log.Printf("failed to send %s response to %s: %v", eventType, conn.ID(), err)
	}
}

func (h *Handler) sendError(conn *Connection, requestID, code, message string) {
	if err := conn.Send(types.NewErrorEvent(requestID, code, message)); err != nil {
		log.Printf("failed to send error frame to %s: %v", conn.ID(), err)
	}
}

// sendCoordinatorError maps sentinel errors onto wire codes. Unknown errors
// become INTERNAL without leaking detail to the client.
func (h *Handler) sendCoordinatorError(conn *Connection, requestID string, err error) {
	code := types.CodeInternal
	switch {
	case errors.Is(err, registry.ErrDuplicateActiveSession):
		code = types.CodeDuplicateActiveSession
	case errors.Is(err, registry.ErrInvalidTotalStudents):
		code = types.CodeInvalidTotalStudents
	case errors.Is(err, registry.ErrSessionNotFound):
		code = types.CodeSessionNotFound
	case errors.Is(err, coordinator.ErrSessionClosed):
		code = types.CodeSessionClosed
	case errors.Is(err, coordinator.ErrAlreadyClosed):
		code = types.CodeAlreadyClosed
	case errors.Is(err, types.ErrInvalidStatus):
		code = types.CodeInvalidStatus
	case errors.Is(err, types.ErrInvalidID),
		errors.Is(err, types.ErrInvalidStudentID),
		errors.Is(err, types.ErrInvalidDate),
		errors.Is(err, types.ErrInvalidTotalStudents):
		code = types.CodeInvalidPayload
	}
	message := err.Error()
	if code == types.CodeInternal {
		log.Printf("internal error for conn %s: %v", conn.ID(), err)
		message = "internal error"
	}
	h.sendError(conn, requestID, code, message)
}
