package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures the time entry table exists.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The plugin serves one request at a time; one connection is enough.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := BootstrapSQLite(pctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
// Timestamps are stored as RFC 3339 UTC text with second precision so that
// lexical order equals chronological order.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS time_entries (
  id            TEXT PRIMARY KEY,
  description   TEXT NOT NULL,
  project_id    TEXT,
  project_name  TEXT,
  customer_id   TEXT,
  customer_name TEXT,
  started_at    TEXT NOT NULL,
  ended_at      TEXT NOT NULL,
  tags          JSON NOT NULL DEFAULT '[]',
  source        TEXT,
  source_url    TEXT,
  billable      INTEGER NOT NULL DEFAULT 1,
  CHECK (ended_at >= started_at)
);`,
		`CREATE INDEX IF NOT EXISTS time_entries_started_at_idx ON time_entries(started_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
