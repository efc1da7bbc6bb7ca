// Package sqlite is the SQLite audit backend.
//
// Timestamps are stored as RFC3339Nano TEXT: modernc.org/sqlite has no native
// timestamp type and strings round-trip reliably.
package sqlite

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"gdetl/internal/audit"
)

func init() {
	audit.Register("sqlite", New)
}

var ddl = []string{
	`CREATE TABLE IF NOT EXISTS etl_runs (
  run_id TEXT PRIMARY KEY,
  sis TEXT NOT NULL,
  school_year INTEGER NOT NULL,
  started_at TEXT NOT NULL,
  finished_at TEXT,
  outcome TEXT NOT NULL,
  rows_written INTEGER NOT NULL DEFAULT 0,
  rows_dropped INTEGER NOT NULL DEFAULT 0,
  warnings INTEGER NOT NULL DEFAULT 0
);`,
	`CREATE TABLE IF NOT EXISTS etl_run_warnings (
  run_id TEXT NOT NULL,
  seq INTEGER NOT NULL,
  kind TEXT NOT NULL,
  stage TEXT NOT NULL,
  entity TEXT,
  source_file TEXT,
  line INTEGER,
  ref_key TEXT,
  detail TEXT NOT NULL,
  PRIMARY KEY (run_id, seq)
);`,
}

func New(ctx context.Context, cfg audit.Config) (audit.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	repo := audit.NewSQL(db, audit.Dialect{
		Name:        "sqlite",
		Placeholder: func(int) string { return "?" },
		Time:        func(t time.Time) any { return t.UTC().Format(time.RFC3339Nano) },
	})
	if err := repo.EnsureSchema(ctx, ddl); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}
