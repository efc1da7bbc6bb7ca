// Package run orchestrates one conversion: load the mapping, read the
// extracts, resolve the five canonical tables in order, write CSVs, and
// report the outcome to the audit and metrics sinks.
//
// Failure policy: configuration problems and missing source files abort
// before any output is written. A table whose mapped columns are missing is
// recorded and skipped while the rest of the run continues; the run then
// fails because every table must write at least one row. Sink failures never
// fail a run, they become warnings.
package run

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"gdetl/internal/assemble"
	"gdetl/internal/audit"
	"gdetl/internal/extract"
	"gdetl/internal/mapping"
	"gdetl/internal/metrics"
	"gdetl/internal/report"
	"gdetl/internal/resolve"
	"gdetl/internal/transform"
)

// Logger is the minimal logging seam, satisfied by *log.Logger and the slog
// adapter in cmd.
type Logger interface {
	Printf(format string, v ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Options configures one run.
type Options struct {
	SIS         string
	InputDir    string
	OutputDir   string
	MappingsDir string

	Audit   audit.Repository // nil means discard
	Metrics metrics.Backend  // nil means discard
	Log     Logger           // nil means silent

	// Test seams; production leaves them nil.
	now      func() time.Time
	newRunID func() string
}

// Run executes the pipeline once. The returned report is non-nil whenever
// source files were readable, even when the run ultimately fails.
func Run(ctx context.Context, opts Options) (*report.Report, error) {
	logf := opts.Log
	if logf == nil {
		logf = nopLogger{}
	}
	sink := opts.Audit
	if sink == nil {
		sink = audit.Nop{}
	}
	meter := opts.Metrics
	if meter == nil {
		meter = metrics.Nop{}
	}
	now := opts.now
	if now == nil {
		now = time.Now
	}
	newRunID := opts.newRunID
	if newRunID == nil {
		newRunID = uuid.NewString
	}

	spec, err := mapping.Load(opts.MappingsDir, opts.SIS)
	if err != nil {
		return nil, err
	}

	rep := &report.Report{RunID: newRunID(), SIS: opts.SIS, Started: now()}
	logf.Printf("stage=run run_id=%s sis=%s input=%s output=%s", rep.RunID, rep.SIS, opts.InputDir, opts.OutputDir)

	if err := sink.Begin(ctx, audit.RunRecord{RunID: rep.RunID, SIS: rep.SIS, StartedAt: rep.Started}); err != nil {
		sinkWarn(rep, logf, "audit begin failed: %v", err)
	}

	tables, segs, err := extract.LoadAll(ctx, opts.InputDir, spec.RequiredFiles(), logf)
	if err != nil {
		finishSinks(ctx, rep, sink, meter, logf, now(), "failed")
		return nil, err
	}
	rep.MergeSorted(segs)

	year := transform.DetectYear(tables, roleSources(spec), now())
	rep.SchoolYear = year.Value
	logf.Printf("stage=run run_id=%s school_year=%d span=%s..%s", rep.RunID, year.Value, year.Start, year.End)

	res := &resolve.Resolver{Spec: spec, Tables: tables, Year: year}
	if err := writeTables(res, rep, tables, opts.OutputDir, logf); err != nil {
		finishSinks(ctx, rep, sink, meter, logf, now(), "failed")
		return rep, err
	}

	rep.Finished = now()

	var reasons []string
	if n := len(rep.TableErrors); n > 0 {
		reasons = append(reasons, fmt.Sprintf("%d table(s) failed schema checks", n))
	}
	for _, name := range mapping.EntityOrder {
		if rep.Table(name).Written == 0 {
			reasons = append(reasons, fmt.Sprintf("table %s wrote zero rows", name))
		}
	}
	outcome := "ok"
	if len(reasons) > 0 {
		outcome = "failed"
	}

	finishSinks(ctx, rep, sink, meter, logf, rep.Finished, outcome)
	logf.Printf("stage=run run_id=%s outcome=%s duration=%s tables=%d warnings=%d",
		rep.RunID, outcome, rep.Duration(), len(rep.Tables), rep.WarningCount())

	if len(reasons) > 0 {
		return rep, fmt.Errorf("run %s failed: %s", rep.RunID, strings.Join(reasons, "; "))
	}
	return rep, nil
}

// writeTables resolves and writes each canonical table in the fixed entity
// order. Students resolves first because Family and Enrollments filter
// against it; Classes resolves before Enrollments to supply class IDs.
func writeTables(res *resolve.Resolver, rep *report.Report, tables map[string]*extract.SourceTable, outDir string, logf Logger) error {
	var (
		students  *transform.RecordSet
		homerooms []resolve.HomeroomClass
		classes   *transform.RecordSet
	)

	for _, name := range mapping.EntityOrder {
		ent, _ := res.Spec.Entity(name)
		seg := &report.Segment{Name: "resolve/" + name}

		var (
			rs  *transform.RecordSet
			err error
		)
		switch name {
		case mapping.EntityStudents:
			rs, err = res.Students(seg)
			students = rs
		case mapping.EntityStaff:
			rs, err = res.Staff(seg)
		case mapping.EntityFamily:
			rs, err = res.Family(seg, orEmpty(students, res, mapping.EntityStudents))
		case mapping.EntityClasses:
			rs, homerooms, err = res.Classes(seg)
			classes = rs
		case mapping.EntityEnrollments:
			rs, err = res.Enrollments(seg, homerooms,
				orEmpty(classes, res, mapping.EntityClasses),
				orEmpty(students, res, mapping.EntityStudents))
		}

		counts := rep.Table(name)
		counts.SourceRows = sourceRows(ent, tables)

		if err != nil {
			var schemaErr *transform.SchemaError
			if !errors.As(err, &schemaErr) {
				return err
			}
			rep.TableErrors = append(rep.TableErrors, schemaErr.Error())
			seg.Warnf(report.Warning{Kind: report.KindSchema, Stage: "transform", Entity: name, File: schemaErr.File},
				"table skipped: %v", schemaErr)
			logf.Printf("stage=transform table=%s skipped err=%q", name, schemaErr.Error())
			rep.Merge(seg)
			continue
		}

		counts.Transformed = len(rs.Records)

		table, dropped := assemble.Build(rs, ent.UniqueBy, seg)
		counts.Skipped = seg.Skipped
		counts.Dropped = dropped + countKind(seg, report.KindJoin)

		checksum, err := assemble.Write(outDir, table)
		if err != nil {
			rep.Merge(seg)
			return err
		}
		counts.Written = len(table.Rows)
		counts.Checksum = checksum

		logf.Printf("stage=assemble table=%s written=%d dropped=%d skipped=%d sha256=%s",
			name, counts.Written, counts.Dropped, counts.Skipped, checksum)
		rep.Merge(seg)
	}
	return nil
}

// orEmpty substitutes an empty record set when an upstream table failed, so
// downstream filters see "no known keys" instead of dereferencing nil.
func orEmpty(rs *transform.RecordSet, res *resolve.Resolver, entity string) *transform.RecordSet {
	if rs != nil {
		return rs
	}
	ent, _ := res.Spec.Entity(entity)
	return transform.NewRecordSet(ent.Name, ent.Targets())
}

func sourceRows(ent *mapping.EntitySpec, tables map[string]*extract.SourceTable) int {
	seen := make(map[string]struct{}, len(ent.SourceFiles))
	total := 0
	for _, f := range ent.SourceFiles {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		if t, ok := tables[f]; ok {
			total += t.Len()
		}
	}
	return total
}

func countKind(seg *report.Segment, kind report.Kind) int {
	n := 0
	for _, w := range seg.Warnings {
		if w.Kind == kind {
			n++
		}
	}
	return n
}

// roleSources picks the files school-year detection scans: the document's
// explicit school_year_sources when present, otherwise the union of every
// entity's role bindings.
func roleSources(spec *mapping.Spec) map[string]string {
	if len(spec.Global.SchoolYearSources) > 0 {
		return spec.Global.SchoolYearSources
	}
	out := make(map[string]string)
	for i := range spec.Entities {
		for role, f := range spec.Entities[i].SourceFiles {
			out[role] = f
		}
	}
	return out
}

// finishSinks flushes the run into the audit repository and metrics backend.
// Sink failures become warnings; they never change the run outcome.
func finishSinks(ctx context.Context, rep *report.Report, sink audit.Repository, meter metrics.Backend, logf Logger, finished time.Time, outcome string) {
	if rep.Finished.IsZero() {
		rep.Finished = finished
	}

	sisTag := "sis:" + rep.SIS
	totalWritten, totalDropped := 0, 0
	for _, t := range rep.Tables {
		totalWritten += t.Written
		totalDropped += t.Dropped
		tags := []string{sisTag, "table:" + t.Entity}
		meter.Count(metrics.TableRows, float64(t.Written), tags)
		meter.Count(metrics.TableDropped, float64(t.Dropped), tags)
	}
	meter.Count(metrics.RunWarnings, float64(rep.WarningCount()), []string{sisTag})
	meter.Timing(metrics.RunDuration, rep.Duration(), []string{sisTag, "outcome:" + outcome})

	meter.Stop()
	if err := meter.Flush(ctx); err != nil {
		sinkWarn(rep, logf, "metrics flush failed: %v", err)
	}

	if err := sink.RecordWarnings(ctx, rep.RunID, warningRecords(rep)); err != nil {
		sinkWarn(rep, logf, "audit warnings failed: %v", err)
	}
	if err := sink.Finish(ctx, audit.RunRecord{
		RunID:       rep.RunID,
		SIS:         rep.SIS,
		SchoolYear:  rep.SchoolYear,
		StartedAt:   rep.Started,
		FinishedAt:  rep.Finished,
		Outcome:     outcome,
		RowsWritten: totalWritten,
		RowsDropped: totalDropped,
		Warnings:    rep.WarningCount(),
	}); err != nil {
		sinkWarn(rep, logf, "audit finish failed: %v", err)
	}
}

func warningRecords(rep *report.Report) []audit.WarningRecord {
	out := make([]audit.WarningRecord, len(rep.Warnings))
	for i, w := range rep.Warnings {
		out[i] = audit.WarningRecord{
			Seq:    i + 1,
			Kind:   string(w.Kind),
			Stage:  w.Stage,
			Entity: w.Entity,
			File:   w.File,
			Line:   w.Line,
			Key:    w.Key,
			Detail: w.Detail,
		}
	}
	return out
}

func sinkWarn(rep *report.Report, logf Logger, format string, v ...any) {
	w := report.Warning{Kind: report.KindSink, Stage: "sink", Detail: fmt.Sprintf(format, v...)}
	rep.Warnings = append(rep.Warnings, w)
	logf.Printf("stage=sink warn=%q", w.Detail)
}
