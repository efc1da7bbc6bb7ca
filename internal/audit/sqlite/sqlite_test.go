package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"gdetl/internal/audit"
)

func openRepo(t *testing.T) (audit.Repository, string) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "audit.db")
	repo, err := audit.Open(context.Background(), audit.Config{Kind: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(repo.Close)
	return repo, dsn
}

func TestRunRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo, dsn := openRepo(t)

	started := time.Date(2025, 9, 2, 6, 30, 0, 0, time.UTC)
	rec := audit.RunRecord{RunID: "run-1", SIS: "myedbc", StartedAt: started}
	if err := repo.Begin(ctx, rec); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	// 250 warnings forces more than one insert batch.
	warnings := make([]audit.WarningRecord, 250)
	for i := range warnings {
		warnings[i] = audit.WarningRecord{
			Seq:    i + 1,
			Kind:   "join",
			Stage:  "resolve",
			Entity: "Enrollments",
			File:   "StudentSchedule.txt",
			Line:   i + 2,
			Key:    fmt.Sprintf("key-%d", i),
			Detail: "enrollment dropped: class not present in Classes",
		}
	}
	if err := repo.RecordWarnings(ctx, "run-1", warnings); err != nil {
		t.Fatalf("RecordWarnings: %v", err)
	}

	rec.FinishedAt = started.Add(3 * time.Second)
	rec.SchoolYear = 2025
	rec.Outcome = "ok"
	rec.RowsWritten = 1234
	rec.RowsDropped = 7
	rec.Warnings = len(warnings)
	if err := repo.Finish(ctx, rec); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open verification handle: %v", err)
	}
	defer db.Close()

	var outcome string
	var rows, warns int
	err = db.QueryRow(`SELECT outcome, rows_written, warnings FROM etl_runs WHERE run_id = ?`, "run-1").
		Scan(&outcome, &rows, &warns)
	if err != nil {
		t.Fatalf("query run: %v", err)
	}
	if outcome != "ok" || rows != 1234 || warns != 250 {
		t.Fatalf("run row = (%s, %d, %d), want (ok, 1234, 250)", outcome, rows, warns)
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM etl_run_warnings WHERE run_id = ?`, "run-1").Scan(&n); err != nil {
		t.Fatalf("count warnings: %v", err)
	}
	if n != 250 {
		t.Fatalf("warnings stored = %d, want 250", n)
	}

	var detail string
	err = db.QueryRow(`SELECT detail FROM etl_run_warnings WHERE run_id = ? AND seq = ?`, "run-1", 250).Scan(&detail)
	if err != nil {
		t.Fatalf("query last warning: %v", err)
	}
	if detail == "" {
		t.Fatalf("last warning has empty detail")
	}
}

func TestSchemaIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "audit.db")

	for i := 0; i < 2; i++ {
		repo, err := audit.Open(ctx, audit.Config{Kind: "sqlite", DSN: dsn})
		if err != nil {
			t.Fatalf("Open pass %d: %v", i, err)
		}
		repo.Close()
	}
}

func TestRecordWarnings_EmptyIsNoop(t *testing.T) {
	repo, _ := openRepo(t)
	if err := repo.RecordWarnings(context.Background(), "run-x", nil); err != nil {
		t.Fatalf("RecordWarnings(nil): %v", err)
	}
}
