package coordinator

import (
	"context"
	"errors"
	"log"
	"time"

	"rollcall/internal/broadcast"
	"rollcall/internal/metrics"
	"rollcall/internal/registry"
	"rollcall/internal/store"
	"rollcall/pkg/types"
)

// Broadcaster is the fan-out surface the coordinator drives. Session-group
// membership is mutated only from inside serialized steps, which keeps joins
// ordered against the broadcasts around them.
type Broadcaster interface {
	Subscribe(sessionID string, conn broadcast.Receiver)
	Unsubscribe(sessionID, connID string)
	DropSession(sessionID string)
	ToSession(sessionID string, ev *types.Event)
	ToWorkspace(workspaceID string, ev *types.Event)
}

// ArchiveStore is the durable collaborator that receives final session state
// on close and answers stats queries for dates with no live session.
type ArchiveStore interface {
	SaveFinal(ctx context.Context, snap *types.SessionSnapshot) error
	StatsByClassDate(ctx context.Context, classID, date string) (*types.StatusCounts, error)
}

// Config controls the coordinator's shard pool.
type Config struct {
	Shards    int
	QueueSize int
}

// Coordinator owns the session state machine. Every mutating operation for a
// session runs as one serialized step on the executor; progress is
// recomputed and broadcasts are emitted inside that same step, so observers
// never see progress stale relative to the mutation that produced it.
type Coordinator struct {
	registry    *registry.Registry
	exec        *Executor
	broadcaster Broadcaster
	archive     ArchiveStore
	metrics     *metrics.Metrics
}

// New creates a coordinator. metrics may be nil.
func New(reg *registry.Registry, b Broadcaster, archive ArchiveStore, m *metrics.Metrics, cfg Config) *Coordinator {
	return &Coordinator{
		registry:    reg,
		exec:        NewExecutor(cfg.Shards, cfg.QueueSize),
		broadcaster: b,
		archive:     archive,
		metrics:     m,
	}
}

// Start launches the shard pool.
func (c *Coordinator) Start() {
	c.exec.Start()
}

// Stop drains in-flight operations and stops the shard pool.
func (c *Coordinator) Stop() {
	c.exec.Stop()
}

// Create registers a new active session and announces it to the workspace.
// The requester gets the full snapshot; workspace observers get the summary.
func (c *Coordinator) Create(ctx context.Context, identity types.Identity, req types.CreateSessionRequest) (*types.SessionSnapshot, error) {
	session, err := c.registry.Create(req.ClassID, identity.WorkspaceID, req.Date, req.TotalStudents, identity.UserID)
	if err != nil {
		return nil, err
	}

	// The session is unreachable by other clients until this snapshot is
	// returned, so creation needs no serialized step.
	snap := session.Snapshot()

	c.broadcaster.ToWorkspace(identity.WorkspaceID, types.NewEvent(
		types.MessageTypeNewSessionAnnounced,
		types.SessionActivityPayload{
			SessionID: snap.ID,
			ClassID:   snap.ClassID,
			Date:      snap.Date,
			Activity:  "created",
			Progress:  snap.Progress,
		}))

	c.metrics.SessionCreated()
	c.metrics.SetActiveSessions(c.registry.Count())
	return snap, nil
}

// Join adds the identity to the session's participants and subscribes the
// connection to session-scoped events. Idempotent per userID: a second tab
// joins the fan-out group but does not duplicate presence or re-announce.
func (c *Coordinator) Join(ctx context.Context, req types.JoinSessionRequest, identity types.Identity, conn broadcast.Receiver) (*types.SessionSnapshot, error) {
	var snap *types.SessionSnapshot
	var opErr error

	err := c.exec.Do(ctx, req.SessionID, func() {
		session, err := c.registry.Get(req.SessionID)
		if err != nil {
			opErr = err
			return
		}
		if req.ClassID != "" && req.ClassID != session.ClassID {
			opErr = registry.ErrSessionNotFound
			return
		}
		if session.State != types.SessionStateActive {
			opErr = ErrSessionClosed
			return
		}

		_, alreadyPresent := session.Participants[identity.UserID]
		session.Participants[identity.UserID] = identity
		c.broadcaster.Subscribe(session.ID, conn)

		snap = session.Snapshot()

		if !alreadyPresent {
			c.broadcaster.ToSession(session.ID, types.NewEvent(
				types.MessageTypeUserJoined,
				types.UserJoinedPayload{
					SessionID:   session.ID,
					User:        identity.Public(),
					Participant: len(session.Participants),
				}))
		}
	})
	if err != nil {
		return nil, err
	}
	return snap, opErr
}

// Leave removes the identity from the session's participants and the
// connection from the fan-out group. No-op if either is already gone; the
// departure is announced only to the remaining participants.
func (c *Coordinator) Leave(ctx context.Context, sessionID string, identity types.Identity, connID string) error {
	return c.exec.Do(ctx, sessionID, func() {
		c.broadcaster.Unsubscribe(sessionID, connID)

		session, err := c.registry.Get(sessionID)
		if err != nil {
			return
		}

		if _, present := session.Participants[identity.UserID]; !present {
			return
		}
		delete(session.Participants, identity.UserID)

		c.broadcaster.ToSession(session.ID, types.NewEvent(
			types.MessageTypeUserLeft,
			types.UserLeftPayload{
				SessionID:   session.ID,
				User:        identity.Public(),
				Participant: len(session.Participants),
			}))
	})
}

// MarkOne applies one attendance mark with last-write-wins semantics and
// returns the resulting progress. A rejected mark leaves the record set
// untouched.
func (c *Coordinator) MarkOne(ctx context.Context, identity types.Identity, req types.MarkOneRequest) (*types.MarkResult, error) {
	var result *types.MarkResult
	var opErr error

	err := c.exec.Do(ctx, req.SessionID, func() {
		session, err := c.registry.Get(req.SessionID)
		if err != nil {
			opErr = err
			return
		}
		if session.State != types.SessionStateActive {
			opErr = ErrSessionClosed
			return
		}
		if !types.IsValidID(req.StudentID) {
			opErr = types.ErrInvalidStudentID
			return
		}
		if !types.IsValidStatus(req.Status) {
			opErr = types.ErrInvalidStatus
			return
		}

		var previousStatus string
		if previous, exists := session.Records[req.StudentID]; exists {
			previousStatus = previous.Status
		}

		record := &types.AttendanceRecord{
			StudentID: req.StudentID,
			Status:    req.Status,
			MarkedBy:  identity.UserID,
			Timestamp: time.Now(),
			Notes:     req.Notes,
		}
		session.Records[req.StudentID] = record

		progress := session.Progress()
		result = &types.MarkResult{
			Record:         *record,
			PreviousStatus: previousStatus,
			Progress:       progress,
		}

		c.broadcaster.ToSession(session.ID, types.NewEvent(
			types.MessageTypeMarkApplied,
			types.MarkAppliedPayload{
				SessionID:      session.ID,
				Record:         *record,
				PreviousStatus: previousStatus,
				Progress:       progress,
			}))
		c.broadcaster.ToWorkspace(session.WorkspaceID, types.NewEvent(
			types.MessageTypeMarkSummary,
			types.SessionActivityPayload{
				SessionID: session.ID,
				ClassID:   session.ClassID,
				Date:      session.Date,
				Activity:  "marked",
				Progress:  progress,
			}))

		c.metrics.MarksApplied(1)
	})
	if err != nil {
		return nil, err
	}
	return result, opErr
}

// MarkBulk applies a batch of marks with per-record partial success: invalid
// entries are reported by position while valid entries in the same call
// still apply. Only a closed session rejects the call as a whole.
func (c *Coordinator) MarkBulk(ctx context.Context, identity types.Identity, req types.MarkBulkRequest) (*types.BulkResult, error) {
	var result *types.BulkResult
	var opErr error

	err := c.exec.Do(ctx, req.SessionID, func() {
		session, err := c.registry.Get(req.SessionID)
		if err != nil {
			opErr = err
			return
		}
		if session.State != types.SessionStateActive {
			opErr = ErrSessionClosed
			return
		}

		result = &types.BulkResult{}
		now := time.Now()
		for i, entry := range req.Records {
			if err := types.ValidateEntry(entry); err != nil {
				result.Errors = append(result.Errors, types.BulkRecordError{
					Index:     i,
					StudentID: entry.StudentID,
					Reason:    err.Error(),
				})
				continue
			}
			session.Records[entry.StudentID] = &types.AttendanceRecord{
				StudentID: entry.StudentID,
				Status:    entry.Status,
				MarkedBy:  identity.UserID,
				Timestamp: now,
				Notes:     entry.Notes,
			}
			result.AppliedCount++
		}

		result.Progress = session.Progress()

		c.broadcaster.ToSession(session.ID, types.NewEvent(
			types.MessageTypeBulkApplied,
			types.BulkAppliedPayload{
				SessionID:    session.ID,
				AppliedCount: result.AppliedCount,
				Errors:       result.Errors,
				MarkedBy:     identity.UserID,
				Progress:     result.Progress,
			}))
		c.broadcaster.ToWorkspace(session.WorkspaceID, types.NewEvent(
			types.MessageTypeBulkSummary,
			types.SessionActivityPayload{
				SessionID: session.ID,
				ClassID:   session.ClassID,
				Date:      session.Date,
				Activity:  "bulk_marked",
				Progress:  result.Progress,
			}))

		c.metrics.MarksApplied(result.AppliedCount)
	})
	if err != nil {
		return nil, err
	}
	return result, opErr
}

// Close transitions the session to its terminal state and hands the final
// record set to the durable store. The close is acknowledged and broadcast
// immediately; persistence happens asynchronously and the session leaves the
// registry only after the store confirms.
func (c *Coordinator) Close(ctx context.Context, sessionID string, identity types.Identity) (*types.SessionClosedPayload, error) {
	var payload *types.SessionClosedPayload
	var handoff *types.SessionSnapshot
	var opErr error

	err := c.exec.Do(ctx, sessionID, func() {
		session, err := c.registry.Get(sessionID)
		if err != nil {
			opErr = err
			return
		}
		if session.State != types.SessionStateActive {
			if session.HandedOff {
				opErr = ErrAlreadyClosed
				return
			}
			// The earlier close already broadcast but its persistence
			// failed; re-attempt the handoff without re-announcing.
			session.HandedOff = true
			snap := session.Snapshot()
			handoff = snap
			payload = &types.SessionClosedPayload{
				SessionID: session.ID,
				ClassID:   session.ClassID,
				Date:      session.Date,
				ClosedBy:  session.ClosedBy,
				Progress:  snap.Progress,
			}
			return
		}

		now := time.Now()
		session.State = types.SessionStateClosed
		session.ClosedBy = identity.UserID
		session.ClosedAt = &now
		session.HandedOff = true

		snap := session.Snapshot()
		handoff = snap
		payload = &types.SessionClosedPayload{
			SessionID: session.ID,
			ClassID:   session.ClassID,
			Date:      session.Date,
			ClosedBy:  identity.UserID,
			Progress:  snap.Progress,
		}

		ev := types.NewEvent(types.MessageTypeSessionClosed, payload)
		c.broadcaster.ToSession(session.ID, ev)
		c.broadcaster.ToWorkspace(session.WorkspaceID, ev)

		c.metrics.SessionClosed()
	})
	if err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}

	if handoff != nil {
		go c.persistFinal(handoff)
	}
	return payload, nil
}

// persistFinal hands the final record set to the store and frees the session
// once it is durable. The store retries internally; if it still fails the
// session stays in the registry with its handoff flag cleared, so status
// reads keep working and a repeated close re-attempts the handoff, at the
// cost of blocking the (class, date) key until one succeeds.
func (c *Coordinator) persistFinal(snap *types.SessionSnapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := c.archive.SaveFinal(ctx, snap); err != nil {
		log.Printf("final handoff failed for session %s (class=%s date=%s): %v",
			snap.ID, snap.ClassID, snap.Date, err)
		resetErr := c.exec.Do(context.Background(), snap.ID, func() {
			if session, getErr := c.registry.Get(snap.ID); getErr == nil {
				session.HandedOff = false
			}
		})
		if resetErr != nil {
			log.Printf("handoff retry unavailable for session %s: %v", snap.ID, resetErr)
		}
		return
	}

	c.registry.Remove(snap.ID)
	c.broadcaster.DropSession(snap.ID)
	c.metrics.SetActiveSessions(c.registry.Count())
	log.Printf("session finalized: id=%s class=%s date=%s marked=%d/%d",
		snap.ID, snap.ClassID, snap.Date, snap.Progress.Marked, snap.Progress.Total)
}

// Status is a pure read of session state and progress. It never fails for a
// closed session that is still awaiting removal.
func (c *Coordinator) Status(ctx context.Context, sessionID string) (*types.StatusPayload, error) {
	var payload *types.StatusPayload
	var opErr error

	err := c.exec.Do(ctx, sessionID, func() {
		session, err := c.registry.Get(sessionID)
		if err != nil {
			opErr = err
			return
		}
		snap := session.Snapshot()
		payload = &types.StatusPayload{Session: snap, Progress: snap.Progress}
	})
	if err != nil {
		return nil, err
	}
	return payload, opErr
}

// Stats aggregates status counts for (classID, date): from the live session
// when one exists, otherwise from the durable store. A date with no data
// returns zero counts.
func (c *Coordinator) Stats(ctx context.Context, classID, date string) (*types.StatsPayload, error) {
	if session, ok := c.registry.GetByClassDate(classID, date); ok {
		var payload *types.StatsPayload
		err := c.exec.Do(ctx, session.ID, func() {
			snap := session.Snapshot()
			payload = &types.StatsPayload{
				ClassID: classID,
				Date:    date,
				Counts:  types.CountRecords(snap.Records, snap.TotalStudents),
				Source:  "live",
			}
		})
		if err != nil {
			return nil, err
		}
		return payload, nil
	}

	counts, err := c.archive.StatsByClassDate(ctx, classID, date)
	if errors.Is(err, store.ErrNotFound) {
		// A date nobody has marked yet is not an error to the caller.
		counts = &types.StatusCounts{}
	} else if err != nil {
		return nil, err
	}
	return &types.StatsPayload{
		ClassID: classID,
		Date:    date,
		Counts:  *counts,
		Source:  "store",
	}, nil
}
