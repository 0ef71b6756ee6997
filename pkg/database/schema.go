package database

import (
	"database/sql"
	"fmt"
)

// Schema DDL for the durable attendance store. attendance_sessions holds one
// row per finalized session; attendance_records holds its marks. Only closed
// sessions reach the store, so there is no state column beyond closed_at.
const (
	SchemaSessions = `
		CREATE TABLE IF NOT EXISTS attendance_sessions (
			id             TEXT PRIMARY KEY,
			class_id       TEXT NOT NULL,
			workspace_id   TEXT NOT NULL,
			date           TEXT NOT NULL,
			created_by     TEXT NOT NULL,
			created_at     DATETIME NOT NULL,
			total_students INTEGER NOT NULL,
			closed_by      TEXT NOT NULL,
			closed_at      DATETIME NOT NULL
		)`

	SchemaRecords = `
		CREATE TABLE IF NOT EXISTS attendance_records (
			session_id TEXT NOT NULL,
			student_id TEXT NOT NULL,
			status     TEXT NOT NULL,
			marked_by  TEXT NOT NULL,
			marked_at  DATETIME NOT NULL,
			notes      TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (session_id, student_id),
			FOREIGN KEY (session_id) REFERENCES attendance_sessions(id)
		)`

	IndexSessionsClassDate = `
		CREATE INDEX IF NOT EXISTS idx_sessions_class_date
		ON attendance_sessions (class_id, date, closed_at)`

	IndexSessionsWorkspace = `
		CREATE INDEX IF NOT EXISTS idx_sessions_workspace
		ON attendance_sessions (workspace_id, closed_at)`
)

// SchemaValidator verifies the store schema after migration.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a validator over an open database handle.
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// ValidateTablesExist verifies that all required tables exist.
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"attendance_sessions": "finalized session storage",
		"attendance_records":  "finalized record storage",
		"schema_migrations":   "migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.tableExists(table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}

	return nil
}

func (v *SchemaValidator) tableExists(name string) (bool, error) {
	var count int
	query := `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`
	if err := v.db.QueryRow(query, name).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}
