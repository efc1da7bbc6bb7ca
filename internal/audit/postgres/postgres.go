// Package postgres is the PostgreSQL audit backend, via the pgx stdlib
// driver.
package postgres

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"gdetl/internal/audit"
)

func init() {
	audit.Register("postgres", New)
}

var ddl = []string{
	`CREATE TABLE IF NOT EXISTS etl_runs (
  run_id TEXT PRIMARY KEY,
  sis TEXT NOT NULL,
  school_year INT NOT NULL,
  started_at TIMESTAMPTZ NOT NULL,
  finished_at TIMESTAMPTZ,
  outcome TEXT NOT NULL,
  rows_written BIGINT NOT NULL DEFAULT 0,
  rows_dropped BIGINT NOT NULL DEFAULT 0,
  warnings BIGINT NOT NULL DEFAULT 0
);`,
	`CREATE TABLE IF NOT EXISTS etl_run_warnings (
  run_id TEXT NOT NULL,
  seq INT NOT NULL,
  kind TEXT NOT NULL,
  stage TEXT NOT NULL,
  entity TEXT,
  source_file TEXT,
  line INT,
  ref_key TEXT,
  detail TEXT NOT NULL,
  PRIMARY KEY (run_id, seq)
);`,
}

func New(ctx context.Context, cfg audit.Config) (audit.Repository, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	repo := audit.NewSQL(db, audit.Dialect{
		Name:        "postgres",
		Placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
		Time:        func(t time.Time) any { return t.UTC() },
	})
	if err := repo.EnsureSchema(ctx, ddl); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}
