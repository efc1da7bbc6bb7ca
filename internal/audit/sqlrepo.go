package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Dialect captures the per-engine differences the shared SQL repository
// needs: placeholder style and how a timestamp travels to the driver.
type Dialect struct {
	Name string

	// Placeholder renders the n-th bind parameter, 1-based ("?", "$1", "@p1").
	Placeholder func(n int) string

	// Time converts a timestamp into the driver's preferred argument form.
	Time func(t time.Time) any
}

// warningBatch bounds the multi-row insert so the statement stays well under
// every engine's bind-parameter limit (SQL Server caps at 2100).
const warningBatch = 100

// SQLRepo implements Repository over database/sql. Backend packages open the
// driver, apply their DDL, and wrap the handle here.
type SQLRepo struct {
	db *sql.DB
	d  Dialect
}

// NewSQL wraps an open handle. The caller has already ensured the schema.
func NewSQL(db *sql.DB, d Dialect) *SQLRepo {
	return &SQLRepo{db: db, d: d}
}

// EnsureSchema applies DDL statements in order. Statements are expected to be
// create-if-not-exists so startup is idempotent.
func (r *SQLRepo) EnsureSchema(ctx context.Context, ddl []string) error {
	for _, stmt := range ddl {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("audit %s: ensure schema: %w", r.d.Name, err)
		}
	}
	return nil
}

func (r *SQLRepo) Begin(ctx context.Context, rec RunRecord) error {
	q := fmt.Sprintf(
		`INSERT INTO etl_runs (run_id, sis, school_year, started_at, outcome, rows_written, rows_dropped, warnings) VALUES (%s)`,
		r.placeholders(8),
	)
	_, err := r.db.ExecContext(ctx, q,
		rec.RunID, rec.SIS, rec.SchoolYear, r.d.Time(rec.StartedAt), "running", 0, 0, 0)
	if err != nil {
		return fmt.Errorf("audit %s: begin run %s: %w", r.d.Name, rec.RunID, err)
	}
	return nil
}

func (r *SQLRepo) RecordWarnings(ctx context.Context, runID string, warnings []WarningRecord) error {
	for len(warnings) > 0 {
		n := len(warnings)
		if n > warningBatch {
			n = warningBatch
		}
		if err := r.insertWarnings(ctx, runID, warnings[:n]); err != nil {
			return err
		}
		warnings = warnings[n:]
	}
	return nil
}

func (r *SQLRepo) insertWarnings(ctx context.Context, runID string, batch []WarningRecord) error {
	const cols = 9
	var b strings.Builder
	b.WriteString("INSERT INTO etl_run_warnings (run_id, seq, kind, stage, entity, source_file, line, ref_key, detail) VALUES ")

	args := make([]any, 0, len(batch)*cols)
	for i, w := range batch {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for c := 0; c < cols; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			b.WriteString(r.d.Placeholder(i*cols + c + 1))
		}
		b.WriteString(")")
		args = append(args, runID, w.Seq, w.Kind, w.Stage, w.Entity, w.File, w.Line, w.Key, w.Detail)
	}

	if _, err := r.db.ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("audit %s: record %d warning(s) for run %s: %w", r.d.Name, len(batch), runID, err)
	}
	return nil
}

func (r *SQLRepo) Finish(ctx context.Context, rec RunRecord) error {
	q := fmt.Sprintf(
		`UPDATE etl_runs SET finished_at = %s, outcome = %s, rows_written = %s, rows_dropped = %s, warnings = %s WHERE run_id = %s`,
		r.d.Placeholder(1), r.d.Placeholder(2), r.d.Placeholder(3), r.d.Placeholder(4), r.d.Placeholder(5), r.d.Placeholder(6),
	)
	_, err := r.db.ExecContext(ctx, q,
		r.d.Time(rec.FinishedAt), rec.Outcome, rec.RowsWritten, rec.RowsDropped, rec.Warnings, rec.RunID)
	if err != nil {
		return fmt.Errorf("audit %s: finish run %s: %w", r.d.Name, rec.RunID, err)
	}
	return nil
}

func (r *SQLRepo) Close() { _ = r.db.Close() }

func (r *SQLRepo) placeholders(n int) string {
	out := make([]string, n)
	for i := range out {
		out[i] = r.d.Placeholder(i + 1)
	}
	return strings.Join(out, ", ")
}
