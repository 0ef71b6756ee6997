package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	dbconfig "rollcall/pkg/database"
	"rollcall/pkg/types"
)

// Manager is the durable side of the close handoff: finalized sessions and
// their records land here exactly once, and the reporting reads (paginated
// listing, closed-date stats) are served from it. SQLite writes are funneled
// through a single writer goroutine.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
	retryDelay   time.Duration
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the store, applies migrations and starts the writer.
func NewManager(config *dbconfig.Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid store configuration: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applySQLitePragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite pragmas: %w", err)
	}

	if err := dbconfig.NewMigrationManager(db).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		retryDelay:   5 * time.Second,
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine. Failed
// writes are retried once after a delay before the error is surfaced.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil {
				log.Printf("store write failed, retrying in %v: %v", m.retryDelay, err)
				time.Sleep(m.retryDelay)
				err = op.operation(m.db)
				if err != nil {
					log.Printf("store write failed after retry: %v", err)
				}
			}
			op.result <- err

		case <-m.shutdown:
			log.Println("store write loop shutting down")
			return
		}
	}
}

func (m *Manager) executeWrite(operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrStoreClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
		return <-result
	case <-time.After(30 * time.Second):
		return ErrWriteTimeout
	case <-m.shutdown:
		return ErrStoreClosed
	}
}

// SaveFinal persists a closed session and its full record set atomically.
// The coordinator calls this once per session; a second call for the same
// session ID fails on the primary key, which protects the exactly-once
// contract against bugs upstream.
func (m *Manager) SaveFinal(ctx context.Context, snap *types.SessionSnapshot) error {
	if snap.State != types.SessionStateClosed || snap.ClosedAt == nil {
		return ErrSessionNotClosed
	}

	return m.executeWrite(func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO attendance_sessions
				(id, class_id, workspace_id, date, created_by, created_at, total_students, closed_by, closed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			snap.ID,
			snap.ClassID,
			snap.WorkspaceID,
			snap.Date,
			snap.CreatedBy,
			snap.CreatedAt,
			snap.TotalStudents,
			snap.ClosedBy,
			*snap.ClosedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}

		for _, record := range snap.Records {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO attendance_records
					(session_id, student_id, status, marked_by, marked_at, notes)
				VALUES (?, ?, ?, ?, ?, ?)`,
				snap.ID,
				record.StudentID,
				record.Status,
				record.MarkedBy,
				record.Timestamp,
				record.Notes,
			)
			if err != nil {
				return fmt.Errorf("failed to insert record for %s: %w", record.StudentID, err)
			}
		}

		if err = tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit final session: %w", err)
		}

		return nil
	})
}

// StatsByClassDate aggregates status counts for the most recently closed
// session of (classID, date). Serves get_stats when no active session exists.
func (m *Manager) StatsByClassDate(ctx context.Context, classID, date string) (*types.StatusCounts, error) {
	var sessionID string
	var total int
	err := m.db.QueryRowContext(ctx, `
		SELECT id, total_students
		FROM attendance_sessions
		WHERE class_id = ? AND date = ?
		ORDER BY closed_at DESC
		LIMIT 1`, classID, date).Scan(&sessionID, &total)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM attendance_records
		WHERE session_id = ?
		GROUP BY status`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query status counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := &types.StatusCounts{Total: total}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		switch status {
		case types.StatusPresent:
			counts.Present = count
		case types.StatusAbsent:
			counts.Absent = count
		case types.StatusLate:
			counts.Late = count
		}
		counts.Marked += count
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status counts: %w", err)
	}

	return counts, nil
}

// ListSessions returns finalized sessions for a workspace, newest first,
// with mark counts. limit is capped at 100.
func (m *Manager) ListSessions(ctx context.Context, workspaceID string, limit, offset int) ([]*types.SessionSummary, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT s.id, s.class_id, s.workspace_id, s.date, s.created_by,
		       s.total_students, s.closed_by, s.closed_at,
		       (SELECT COUNT(*) FROM attendance_records r WHERE r.session_id = s.id)
		FROM attendance_sessions s
		WHERE s.workspace_id = ?
		ORDER BY s.closed_at DESC
		LIMIT ? OFFSET ?`, workspaceID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var summaries []*types.SessionSummary
	for rows.Next() {
		var summary types.SessionSummary
		var closedAt time.Time
		err := rows.Scan(
			&summary.ID,
			&summary.ClassID,
			&summary.WorkspaceID,
			&summary.Date,
			&summary.CreatedBy,
			&summary.TotalStudents,
			&summary.ClosedBy,
			&closedAt,
			&summary.Marked,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		summary.ClosedAt = &closedAt
		summaries = append(summaries, &summary)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}

	return summaries, nil
}

// HealthCheck validates connectivity and basic read access.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM attendance_sessions").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying handle, for schema validation in tests.
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close shuts down the writer and closes the database.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func applySQLitePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}
