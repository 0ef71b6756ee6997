package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"rollcall/internal/broadcast"
	"rollcall/internal/registry"
	"rollcall/internal/store"
	"rollcall/pkg/types"
)

// mockBroadcaster records every fan-out by scope.
type mockBroadcaster struct {
	mu         sync.Mutex
	session    map[string][]*types.Event // sessionID -> events
	workspace  map[string][]*types.Event // workspaceID -> events
	subscribed map[string]map[string]broadcast.Receiver
}

func newMockBroadcaster() *mockBroadcaster {
	return &mockBroadcaster{
		session:    make(map[string][]*types.Event),
		workspace:  make(map[string][]*types.Event),
		subscribed: make(map[string]map[string]broadcast.Receiver),
	}
}

func (m *mockBroadcaster) Subscribe(sessionID string, conn broadcast.Receiver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn == nil {
		return
	}
	if m.subscribed[sessionID] == nil {
		m.subscribed[sessionID] = make(map[string]broadcast.Receiver)
	}
	m.subscribed[sessionID][conn.ID()] = conn
}

func (m *mockBroadcaster) Unsubscribe(sessionID, connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscribed[sessionID], connID)
}

func (m *mockBroadcaster) DropSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscribed, sessionID)
}

func (m *mockBroadcaster) ToSession(sessionID string, ev *types.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session[sessionID] = append(m.session[sessionID], ev)
	for _, conn := range m.subscribed[sessionID] {
		_ = conn.Send(ev)
	}
}

func (m *mockBroadcaster) ToWorkspace(workspaceID string, ev *types.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workspace[workspaceID] = append(m.workspace[workspaceID], ev)
}

func (m *mockBroadcaster) sessionEvents(sessionID string) []*types.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*types.Event(nil), m.session[sessionID]...)
}

func (m *mockBroadcaster) workspaceEvents(workspaceID string) []*types.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*types.Event(nil), m.workspace[workspaceID]...)
}

func (m *mockBroadcaster) lastSessionEvent(sessionID, eventType string) *types.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := m.session[sessionID]
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == eventType {
			return events[i]
		}
	}
	return nil
}

// mockArchive captures final handoffs and serves canned stats.
type mockArchive struct {
	mu       sync.Mutex
	saved    []*types.SessionSnapshot
	savedCh  chan *types.SessionSnapshot
	failedCh chan struct{}
	gate     chan struct{} // when set, SaveFinal blocks until it closes
	failSave bool
	stats    map[string]*types.StatusCounts // classID|date
}

func newMockArchive() *mockArchive {
	return &mockArchive{
		savedCh:  make(chan *types.SessionSnapshot, 8),
		failedCh: make(chan struct{}, 8),
		stats:    make(map[string]*types.StatusCounts),
	}
}

func (m *mockArchive) SaveFinal(ctx context.Context, snap *types.SessionSnapshot) error {
	m.mu.Lock()
	gate := m.gate
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave {
		select {
		case m.failedCh <- struct{}{}:
		default:
		}
		return errors.New("archive unavailable")
	}
	m.saved = append(m.saved, snap)
	m.savedCh <- snap
	return nil
}

func (m *mockArchive) setFailSave(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSave = fail
}

func (m *mockArchive) StatsByClassDate(ctx context.Context, classID, date string) (*types.StatusCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts, exists := m.stats[classID+"|"+date]
	if !exists {
		return nil, store.ErrNotFound
	}
	return counts, nil
}

func (m *mockArchive) waitForSave(t *testing.T) *types.SessionSnapshot {
	t.Helper()
	select {
	case snap := <-m.savedCh:
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for final handoff")
		return nil
	}
}

func (m *mockArchive) waitForFailure(t *testing.T) {
	t.Helper()
	select {
	case <-m.failedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handoff failure")
	}
}

// fakeConn implements broadcast.Receiver for join/leave tests.
type fakeConn struct {
	id     string
	userID string
	mu     sync.Mutex
	events []*types.Event
}

func (f *fakeConn) ID() string     { return f.id }
func (f *fakeConn) UserID() string { return f.userID }
func (f *fakeConn) Send(ev *types.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}
func (f *fakeConn) received() []*types.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Event(nil), f.events...)
}

type fixture struct {
	coord       *Coordinator
	registry    *registry.Registry
	broadcaster *mockBroadcaster
	archive     *mockArchive
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := registry.New()
	b := newMockBroadcaster()
	archive := newMockArchive()
	coord := New(reg, b, archive, nil, Config{Shards: 4, QueueSize: 64})
	coord.Start()
	t.Cleanup(coord.Stop)
	return &fixture{coord: coord, registry: reg, broadcaster: b, archive: archive}
}

var (
	teacher1 = types.Identity{UserID: "teacher1", Email: "t1@school.edu", Role: "teacher", WorkspaceID: "w1"}
	teacher2 = types.Identity{UserID: "teacher2", Email: "t2@school.edu", Role: "teacher", WorkspaceID: "w1"}
)

func createSession(t *testing.T, f *fixture, classID string, total int) *types.SessionSnapshot {
	t.Helper()
	snap, err := f.coord.Create(context.Background(), teacher1, types.CreateSessionRequest{
		ClassID: classID, Date: "2026-09-01", TotalStudents: total,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return snap
}

func TestCoordinator_CreateAnnouncesToWorkspace(t *testing.T) {
	f := newFixture(t)
	snap := createSession(t, f, "c1", 30)

	if snap.Progress.Marked != 0 || snap.Progress.Total != 30 || snap.Progress.Percentage != 0 {
		t.Errorf("initial progress = %+v", snap.Progress)
	}

	events := f.broadcaster.workspaceEvents("w1")
	if len(events) != 1 || events[0].Type != types.MessageTypeNewSessionAnnounced {
		t.Fatalf("workspace events = %+v", events)
	}
	var payload types.SessionActivityPayload
	if err := types.DecodePayload(events[0], &payload); err != nil {
		t.Fatal(err)
	}
	if payload.SessionID != snap.ID || payload.Activity != "created" {
		t.Errorf("announce payload = %+v", payload)
	}
}

func TestCoordinator_JoinIdempotentPerUser(t *testing.T) {
	f := newFixture(t)
	snap := createSession(t, f, "c1", 30)
	ctx := context.Background()

	tab1 := &fakeConn{id: "conn1", userID: teacher1.UserID}
	tab2 := &fakeConn{id: "conn2", userID: teacher1.UserID}

	first, err := f.coord.Join(ctx, types.JoinSessionRequest{SessionID: snap.ID}, teacher1, tab1)
	if err != nil {
		t.Fatalf("first Join: %v", err)
	}
	if len(first.Participants) != 1 {
		t.Fatalf("participants after first join = %d", len(first.Participants))
	}

	// Same user, second tab: presence must not duplicate.
	second, err := f.coord.Join(ctx, types.JoinSessionRequest{SessionID: snap.ID}, teacher1, tab2)
	if err != nil {
		t.Fatalf("second Join: %v", err)
	}
	if len(second.Participants) != 1 {
		t.Errorf("participants after duplicate join = %d, want 1", len(second.Participants))
	}

	// Only the first join announces.
	joined := 0
	for _, ev := range f.broadcaster.sessionEvents(snap.ID) {
		if ev.Type == types.MessageTypeUserJoined {
			joined++
		}
	}
	if joined != 1 {
		t.Errorf("user_joined broadcasts = %d, want 1", joined)
	}
}

func TestCoordinator_JoinErrors(t *testing.T) {
	f := newFixture(t)
	f.archive.failSave = true // keep the closed session resident
	snap := createSession(t, f, "c1", 30)
	ctx := context.Background()
	conn := &fakeConn{id: "conn1", userID: teacher1.UserID}

	if _, err := f.coord.Join(ctx, types.JoinSessionRequest{SessionID: "missing"}, teacher1, conn); !errors.Is(err, registry.ErrSessionNotFound) {
		t.Errorf("unknown session: err = %v", err)
	}
	if _, err := f.coord.Join(ctx, types.JoinSessionRequest{SessionID: snap.ID, ClassID: "other-class"}, teacher1, conn); !errors.Is(err, registry.ErrSessionNotFound) {
		t.Errorf("class mismatch: err = %v", err)
	}

	if _, err := f.coord.Close(ctx, snap.ID, teacher1); err != nil {
		t.Fatal(err)
	}
	if _, err := f.coord.Join(ctx, types.JoinSessionRequest{SessionID: snap.ID}, teacher2, conn); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("closed session: err = %v", err)
	}
}

func TestCoordinator_LeaveVisibleToRemainingOnly(t *testing.T) {
	f := newFixture(t)
	snap := createSession(t, f, "c1", 30)
	ctx := context.Background()

	conn1 := &fakeConn{id: "conn1", userID: teacher1.UserID}
	conn2 := &fakeConn{id: "conn2", userID: teacher2.UserID}

	if _, err := f.coord.Join(ctx, types.JoinSessionRequest{SessionID: snap.ID}, teacher1, conn1); err != nil {
		t.Fatal(err)
	}
	if _, err := f.coord.Join(ctx, types.JoinSessionRequest{SessionID: snap.ID}, teacher2, conn2); err != nil {
		t.Fatal(err)
	}

	if err := f.coord.Leave(ctx, snap.ID, teacher1, conn1.ID()); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	status, err := f.coord.Status(ctx, snap.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(status.Session.Participants) != 1 {
		t.Errorf("participants after leave = %d, want 1", len(status.Session.Participants))
	}

	// The leaver was unsubscribed before the broadcast; only the remaining
	// participant sees user_left, and only public identity fields travel.
	var leaverSaw, remainingSaw int
	for _, ev := range conn1.received() {
		if ev.Type == types.MessageTypeUserLeft {
			leaverSaw++
		}
	}
	var leftPayload types.UserLeftPayload
	for _, ev := range conn2.received() {
		if ev.Type == types.MessageTypeUserLeft {
			remainingSaw++
			if err := types.DecodePayload(ev, &leftPayload); err != nil {
				t.Fatal(err)
			}
		}
	}
	if leaverSaw != 0 {
		t.Errorf("leaver saw %d user_left events, want 0", leaverSaw)
	}
	if remainingSaw != 1 {
		t.Errorf("remaining participant saw %d user_left events, want 1", remainingSaw)
	}
	if leftPayload.User.UserID != teacher1.UserID || leftPayload.User.Email != teacher1.Email {
		t.Errorf("user_left payload = %+v", leftPayload.User)
	}

	// Leaving again is a no-op.
	if err := f.coord.Leave(ctx, snap.ID, teacher1, conn1.ID()); err != nil {
		t.Errorf("repeat Leave: %v", err)
	}
	// Leaving an unknown session is a no-op too.
	if err := f.coord.Leave(ctx, "missing", teacher1, conn1.ID()); err != nil {
		t.Errorf("Leave unknown session: %v", err)
	}
}

func TestCoordinator_MarkOne_LastWriteWins(t *testing.T) {
	f := newFixture(t)
	snap := createSession(t, f, "c1", 30)
	ctx := context.Background()

	first, err := f.coord.MarkOne(ctx, teacher1, types.MarkOneRequest{
		SessionID: snap.ID, StudentID: "stu1", Status: types.StatusPresent,
	})
	if err != nil {
		t.Fatalf("first mark: %v", err)
	}
	if first.Progress.Marked != 1 || first.Progress.Percentage != 3 {
		t.Errorf("first progress = %+v", first.Progress)
	}
	if first.PreviousStatus != "" {
		t.Errorf("first mark PreviousStatus = %q", first.PreviousStatus)
	}

	second, err := f.coord.MarkOne(ctx, teacher2, types.MarkOneRequest{
		SessionID: snap.ID, StudentID: "stu1", Status: types.StatusAbsent, Notes: "left early",
	})
	if err != nil {
		t.Fatalf("second mark: %v", err)
	}
	if second.Progress.Marked != 1 {
		t.Errorf("remarking the same student changed marked count: %+v", second.Progress)
	}
	if second.PreviousStatus != types.StatusPresent {
		t.Errorf("PreviousStatus = %q, want %q", second.PreviousStatus, types.StatusPresent)
	}

	status, err := f.coord.Status(ctx, snap.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(status.Session.Records) != 1 {
		t.Fatalf("records = %d, want exactly 1", len(status.Session.Records))
	}
	record := status.Session.Records[0]
	if record.Status != types.StatusAbsent || record.MarkedBy != teacher2.UserID || record.Notes != "left early" {
		t.Errorf("surviving record = %+v", record)
	}
}

func TestCoordinator_MarkOne_Validation(t *testing.T) {
	f := newFixture(t)
	snap := createSession(t, f, "c1", 30)
	ctx := context.Background()

	if _, err := f.coord.MarkOne(ctx, teacher1, types.MarkOneRequest{
		SessionID: snap.ID, StudentID: "stu1", Status: "tardy",
	}); !errors.Is(err, types.ErrInvalidStatus) {
		t.Errorf("invalid status: err = %v", err)
	}
	if _, err := f.coord.MarkOne(ctx, teacher1, types.MarkOneRequest{
		SessionID: snap.ID, StudentID: "", Status: types.StatusPresent,
	}); !errors.Is(err, types.ErrInvalidStudentID) {
		t.Errorf("empty student: err = %v", err)
	}

	// Rejected marks leave the record set untouched.
	status, _ := f.coord.Status(ctx, snap.ID)
	if len(status.Session.Records) != 0 {
		t.Errorf("records after rejected marks = %d, want 0", len(status.Session.Records))
	}
}

func TestCoordinator_MarkBulk_PartialSuccess(t *testing.T) {
	f := newFixture(t)
	snap := createSession(t, f, "c1", 10)
	ctx := context.Background()

	// 10 records, 3 invalid: 2 bad statuses and 1 empty student ID.
	records := make([]types.BulkEntry, 0, 10)
	for i := 0; i < 10; i++ {
		entry := types.BulkEntry{StudentID: fmt.Sprintf("stu%d", i), Status: types.StatusAbsent}
		switch i {
		case 2, 5:
			entry.Status = "skipped"
		case 7:
			entry.StudentID = ""
		}
		records = append(records, entry)
	}

	result, err := f.coord.MarkBulk(ctx, teacher1, types.MarkBulkRequest{SessionID: snap.ID, Records: records})
	if err != nil {
		t.Fatalf("MarkBulk: %v", err)
	}
	if result.AppliedCount != 7 {
		t.Errorf("AppliedCount = %d, want 7", result.AppliedCount)
	}
	if len(result.Errors) != 3 {
		t.Fatalf("len(Errors) = %d, want 3", len(result.Errors))
	}
	wantIndexes := map[int]bool{2: true, 5: true, 7: true}
	for _, recErr := range result.Errors {
		if !wantIndexes[recErr.Index] {
			t.Errorf("unexpected error index %d (%s)", recErr.Index, recErr.Reason)
		}
	}
	if result.Progress.Marked != 7 || result.Progress.Total != 10 || result.Progress.Percentage != 70 {
		t.Errorf("bulk progress = %+v", result.Progress)
	}
}

func TestCoordinator_ScenarioFullSessionLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Create a 30-student session: progress {0, 30, 0%}.
	snap := createSession(t, f, "C1", 30)

	// Mark S1 present: {1, 30, 3%}.
	mark, err := f.coord.MarkOne(ctx, teacher1, types.MarkOneRequest{
		SessionID: snap.ID, StudentID: "S1", Status: types.StatusPresent,
	})
	if err != nil {
		t.Fatal(err)
	}
	if mark.Progress != (types.Progress{Marked: 1, Total: 30, Percentage: 3}) {
		t.Errorf("progress after S1 = %+v", mark.Progress)
	}

	// Bulk-mark the remaining 29 absent: {30, 30, 100%}.
	var rest []types.BulkEntry
	for i := 2; i <= 30; i++ {
		rest = append(rest, types.BulkEntry{StudentID: fmt.Sprintf("S%d", i), Status: types.StatusAbsent})
	}
	bulk, err := f.coord.MarkBulk(ctx, teacher1, types.MarkBulkRequest{SessionID: snap.ID, Records: rest})
	if err != nil {
		t.Fatal(err)
	}
	if bulk.AppliedCount != 29 || len(bulk.Errors) != 0 {
		t.Fatalf("bulk result = %+v", bulk)
	}
	if bulk.Progress != (types.Progress{Marked: 30, Total: 30, Percentage: 100}) {
		t.Errorf("progress after bulk = %+v", bulk.Progress)
	}

	// Hold the handoff open so the closed session is still resident while we
	// verify the terminal state rejects further marks.
	gate := make(chan struct{})
	f.archive.gate = gate

	if _, err := f.coord.Close(ctx, snap.ID, teacher1); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := f.coord.MarkOne(ctx, teacher1, types.MarkOneRequest{
		SessionID: snap.ID, StudentID: "S1", Status: types.StatusLate,
	}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("mark after close: err = %v", err)
	}
	if _, err := f.coord.MarkBulk(ctx, teacher1, types.MarkBulkRequest{
		SessionID: snap.ID,
		Records:   []types.BulkEntry{{StudentID: "S1", Status: types.StatusLate}},
	}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("bulk after close: err = %v", err)
	}

	close(gate)
	saved := f.archive.waitForSave(t)
	if saved.ID != snap.ID || len(saved.Records) != 30 {
		t.Errorf("handoff = id %s with %d records", saved.ID, len(saved.Records))
	}
	for _, record := range saved.Records {
		if record.StudentID == "S1" && record.Status != types.StatusPresent {
			t.Errorf("S1 final status = %q, rejected mark leaked into handoff", record.Status)
		}
	}
}

func TestCoordinator_CloseTwiceFailsAlreadyClosed(t *testing.T) {
	f := newFixture(t)
	// Hold the handoff open so the closed session is still resident and its
	// persistence is still in flight during the second close.
	gate := make(chan struct{})
	f.archive.gate = gate
	snap := createSession(t, f, "c1", 5)
	ctx := context.Background()

	if _, err := f.coord.Close(ctx, snap.ID, teacher1); err != nil {
		t.Fatal(err)
	}
	if _, err := f.coord.Close(ctx, snap.ID, teacher1); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("second close: err = %v", err)
	}
	if _, err := f.coord.Close(ctx, "missing", teacher1); !errors.Is(err, registry.ErrSessionNotFound) {
		t.Errorf("close unknown: err = %v", err)
	}
	close(gate)
	f.archive.waitForSave(t)
}

func TestCoordinator_CloseRetriesFailedHandoff(t *testing.T) {
	f := newFixture(t)
	f.archive.setFailSave(true)
	snap := createSession(t, f, "c1", 2)
	ctx := context.Background()

	if _, err := f.coord.MarkOne(ctx, teacher1, types.MarkOneRequest{
		SessionID: snap.ID, StudentID: "stu1", Status: types.StatusPresent,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.coord.Close(ctx, snap.ID, teacher1); err != nil {
		t.Fatal(err)
	}
	f.archive.waitForFailure(t)

	// The session stays resident and its (class, date) key stays blocked
	// until a close hands off successfully.
	if _, err := f.coord.Create(ctx, teacher2, types.CreateSessionRequest{
		ClassID: "c1", Date: "2026-09-01", TotalStudents: 2,
	}); !errors.Is(err, registry.ErrDuplicateActiveSession) {
		t.Errorf("create while handoff pending: err = %v", err)
	}

	// Once the store recovers, a repeated close re-attempts the handoff.
	// The handoff flag resets asynchronously after the failure, so the
	// retry may briefly still see ErrAlreadyClosed.
	f.archive.setFailSave(false)
	deadline := time.Now().Add(2 * time.Second)
	var closed *types.SessionClosedPayload
	for {
		var err error
		closed, err = f.coord.Close(ctx, snap.ID, teacher1)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrAlreadyClosed) {
			t.Fatalf("retry close: err = %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("close retry never accepted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if closed.ClosedBy != teacher1.UserID {
		t.Errorf("retried close payload = %+v", closed)
	}

	saved := f.archive.waitForSave(t)
	if saved.ID != snap.ID || len(saved.Records) != 1 {
		t.Errorf("handoff = id %s with %d records", saved.ID, len(saved.Records))
	}

	// The retry does not re-announce the close; only the original close
	// broadcast session_closed.
	closedEvents := 0
	for _, ev := range f.broadcaster.sessionEvents(snap.ID) {
		if ev.Type == types.MessageTypeSessionClosed {
			closedEvents++
		}
	}
	if closedEvents != 1 {
		t.Errorf("session_closed broadcasts = %d, want 1", closedEvents)
	}

	// With the handoff durable the key frees.
	deadline = time.Now().Add(2 * time.Second)
	for f.registry.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.registry.Count() != 0 {
		t.Fatal("session not removed after successful retry")
	}
	if _, err := f.coord.Create(ctx, teacher2, types.CreateSessionRequest{
		ClassID: "c1", Date: "2026-09-01", TotalStudents: 2,
	}); err != nil {
		t.Errorf("recreate after retry: %v", err)
	}
}

func TestCoordinator_CloseHandsOffExactlyOnceAndFreesRegistry(t *testing.T) {
	f := newFixture(t)
	snap := createSession(t, f, "c1", 2)
	ctx := context.Background()

	if _, err := f.coord.MarkOne(ctx, teacher1, types.MarkOneRequest{
		SessionID: snap.ID, StudentID: "stu1", Status: types.StatusPresent,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.coord.Close(ctx, snap.ID, teacher1); err != nil {
		t.Fatal(err)
	}

	saved := f.archive.waitForSave(t)
	if saved.State != types.SessionStateClosed || saved.ClosedAt == nil || saved.ClosedBy != teacher1.UserID {
		t.Errorf("handoff snapshot = %+v", saved)
	}

	// Exactly one handoff, and once persisted the (class, date) key frees.
	deadline := time.Now().Add(2 * time.Second)
	for f.registry.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.registry.Count() != 0 {
		t.Fatal("session not removed from registry after persistence")
	}
	select {
	case extra := <-f.archive.savedCh:
		t.Errorf("unexpected second handoff: %+v", extra)
	default:
	}

	if _, err := f.coord.Create(ctx, teacher1, types.CreateSessionRequest{
		ClassID: "c1", Date: "2026-09-01", TotalStudents: 2,
	}); err != nil {
		t.Errorf("recreate after finalize: %v", err)
	}
}

func TestCoordinator_CloseBroadcastsToSessionAndWorkspace(t *testing.T) {
	f := newFixture(t)
	snap := createSession(t, f, "c1", 5)

	if _, err := f.coord.Close(context.Background(), snap.ID, teacher1); err != nil {
		t.Fatal(err)
	}

	if ev := f.broadcaster.lastSessionEvent(snap.ID, types.MessageTypeSessionClosed); ev == nil {
		t.Error("no session_closed broadcast to session scope")
	}
	var workspaceSaw bool
	for _, ev := range f.broadcaster.workspaceEvents("w1") {
		if ev.Type == types.MessageTypeSessionClosed {
			workspaceSaw = true
		}
	}
	if !workspaceSaw {
		t.Error("no session_closed broadcast to workspace scope")
	}
}

func TestCoordinator_StatusAvailableAfterClose(t *testing.T) {
	f := newFixture(t)
	f.archive.failSave = true // keep the closed session in the registry
	snap := createSession(t, f, "c1", 5)
	ctx := context.Background()

	if _, err := f.coord.Close(ctx, snap.ID, teacher1); err != nil {
		t.Fatal(err)
	}

	status, err := f.coord.Status(ctx, snap.ID)
	if err != nil {
		t.Fatalf("Status after close: %v", err)
	}
	if status.Session.State != types.SessionStateClosed {
		t.Errorf("State = %q", status.Session.State)
	}
}

func TestCoordinator_ProgressInvariantAfterEveryOperation(t *testing.T) {
	f := newFixture(t)
	snap := createSession(t, f, "c1", 4)
	ctx := context.Background()

	check := func(label string) {
		status, err := f.coord.Status(ctx, snap.ID)
		if err != nil {
			t.Fatalf("%s: %v", label, err)
		}
		if status.Progress.Marked != len(status.Session.Records) {
			t.Errorf("%s: marked %d != |records| %d", label, status.Progress.Marked, len(status.Session.Records))
		}
	}

	check("fresh session")
	_, _ = f.coord.MarkOne(ctx, teacher1, types.MarkOneRequest{SessionID: snap.ID, StudentID: "a", Status: types.StatusLate})
	check("after markOne")
	_, _ = f.coord.MarkBulk(ctx, teacher1, types.MarkBulkRequest{SessionID: snap.ID, Records: []types.BulkEntry{
		{StudentID: "b", Status: types.StatusPresent},
		{StudentID: "a", Status: types.StatusPresent}, // overwrite
		{StudentID: "", Status: types.StatusPresent},  // rejected
	}})
	check("after markBulk")
}

func TestCoordinator_StatsLiveAndStore(t *testing.T) {
	f := newFixture(t)
	snap := createSession(t, f, "c1", 3)
	ctx := context.Background()

	if _, err := f.coord.MarkOne(ctx, teacher1, types.MarkOneRequest{
		SessionID: snap.ID, StudentID: "stu1", Status: types.StatusPresent,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.coord.MarkOne(ctx, teacher1, types.MarkOneRequest{
		SessionID: snap.ID, StudentID: "stu2", Status: types.StatusLate,
	}); err != nil {
		t.Fatal(err)
	}

	live, err := f.coord.Stats(ctx, "c1", "2026-09-01")
	if err != nil {
		t.Fatal(err)
	}
	if live.Source != "live" || live.Counts.Present != 1 || live.Counts.Late != 1 || live.Counts.Total != 3 {
		t.Errorf("live stats = %+v", live)
	}

	// No active session: the durable store answers.
	f.archive.stats["c2|2026-09-01"] = &types.StatusCounts{Present: 9, Absent: 1, Marked: 10, Total: 10}
	stored, err := f.coord.Stats(ctx, "c2", "2026-09-01")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Source != "store" || stored.Counts.Present != 9 {
		t.Errorf("store stats = %+v", stored)
	}

	// Nothing anywhere: zero counts, no error.
	empty, err := f.coord.Stats(ctx, "c3", "2026-09-01")
	if err != nil {
		t.Fatal(err)
	}
	if empty.Counts != (types.StatusCounts{}) {
		t.Errorf("empty stats = %+v", empty.Counts)
	}
}

func TestCoordinator_EventsDeliveredInProcessingOrder(t *testing.T) {
	f := newFixture(t)
	snap := createSession(t, f, "c1", 100)
	ctx := context.Background()

	conn := &fakeConn{id: "conn1", userID: teacher2.UserID}
	if _, err := f.coord.Join(ctx, types.JoinSessionRequest{SessionID: snap.ID}, teacher2, conn); err != nil {
		t.Fatal(err)
	}

	// Concurrent markers; whatever order the coordinator applies, the
	// observer must see mark_applied progress strictly increasing.
	var wg sync.WaitGroup
	for worker := 0; worker < 4; worker++ {
		worker := worker
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, _ = f.coord.MarkOne(ctx, teacher1, types.MarkOneRequest{
					SessionID: snap.ID,
					StudentID: fmt.Sprintf("w%d-s%d", worker, i),
					Status:    types.StatusPresent,
				})
			}
		}()
	}
	wg.Wait()

	lastMarked := 0
	for _, ev := range conn.received() {
		if ev.Type != types.MessageTypeMarkApplied {
			continue
		}
		var payload types.MarkAppliedPayload
		if err := types.DecodePayload(ev, &payload); err != nil {
			t.Fatal(err)
		}
		if payload.Progress.Marked != lastMarked+1 {
			t.Fatalf("marked jumped from %d to %d: events out of order", lastMarked, payload.Progress.Marked)
		}
		lastMarked = payload.Progress.Marked
	}
	if lastMarked != 40 {
		t.Errorf("observer saw %d marks, want 40", lastMarked)
	}
}
