// Package mssql is the SQL Server audit backend.
//
// DDL uses the IF NOT EXISTS object_id guard because SQL Server has no
// CREATE TABLE IF NOT EXISTS.
package mssql

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"gdetl/internal/audit"
)

func init() {
	audit.Register("mssql", New)
}

var ddl = []string{
	`IF OBJECT_ID('etl_runs', 'U') IS NULL
CREATE TABLE etl_runs (
  run_id NVARCHAR(64) PRIMARY KEY,
  sis NVARCHAR(64) NOT NULL,
  school_year INT NOT NULL,
  started_at DATETIMEOFFSET NOT NULL,
  finished_at DATETIMEOFFSET,
  outcome NVARCHAR(32) NOT NULL,
  rows_written BIGINT NOT NULL DEFAULT 0,
  rows_dropped BIGINT NOT NULL DEFAULT 0,
  warnings BIGINT NOT NULL DEFAULT 0
);`,
	`IF OBJECT_ID('etl_run_warnings', 'U') IS NULL
CREATE TABLE etl_run_warnings (
  run_id NVARCHAR(64) NOT NULL,
  seq INT NOT NULL,
  kind NVARCHAR(32) NOT NULL,
  stage NVARCHAR(32) NOT NULL,
  entity NVARCHAR(64),
  source_file NVARCHAR(256),
  line INT,
  ref_key NVARCHAR(256),
  detail NVARCHAR(MAX) NOT NULL,
  PRIMARY KEY (run_id, seq)
);`,
}

func New(ctx context.Context, cfg audit.Config) (audit.Repository, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	repo := audit.NewSQL(db, audit.Dialect{
		Name:        "mssql",
		Placeholder: func(n int) string { return "@p" + strconv.Itoa(n) },
		Time:        func(t time.Time) any { return t.UTC() },
	})
	if err := repo.EnsureSchema(ctx, ddl); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}
