package storage

import (
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned for lookups of unknown runs or frames.
var ErrNotFound = errors.New("not found")

// Store wraps SQLite-backed persistence for runs, stage results, the frame
// catalog and the settings store.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer; frame workers serialize through the pool
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            status TEXT NOT NULL,
            input_root TEXT,
            config_json TEXT,
            counts_json TEXT,
            started_at TEXT NOT NULL,
            completed_at TEXT,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS stage_results (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL,
            pass INTEGER NOT NULL,
            frame_path TEXT,
            input_path TEXT NOT NULL,
            stage TEXT NOT NULL,
            outcome TEXT NOT NULL,
            output_path TEXT,
            masters_json TEXT,
            reason TEXT,
            duration_ms INTEGER,
            recorded_at TEXT NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS frames (
            path TEXT PRIMARY KEY,
            run_id TEXT,
            stage TEXT,
            descriptor_json TEXT NOT NULL,
            updated_at TEXT NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS settings (
            namespace TEXT NOT NULL,
            key TEXT NOT NULL,
            type TEXT NOT NULL,
            value TEXT NOT NULL,
            PRIMARY KEY (namespace, key)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_stage_results_run ON stage_results(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_stage_results_input ON stage_results(input_path);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// timeLayout is fixed width so TEXT columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
