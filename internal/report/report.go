// Package report holds the run report types shared by every pipeline stage.
//
// Stages append warnings into their own Segment; the orchestrator merges
// segments into a single Report in a deterministic order. Warnings are never
// dropped: anything a stage recovers from must leave a trace here.
package report

import (
	"fmt"
	"sort"
	"time"
)

// Kind classifies a recovered problem.
type Kind string

const (
	// KindParse marks a malformed source line (wrong column count, bad quoting).
	KindParse Kind = "parse"
	// KindRow marks a single-row transform or derivation failure.
	KindRow Kind = "row"
	// KindJoin marks a dangling relationship key dropped from output.
	KindJoin Kind = "join"
	// KindSchema marks a table-level mapped-column miss.
	KindSchema Kind = "schema"
	// KindSink marks a non-fatal audit/metrics delivery failure.
	KindSink Kind = "sink"
)

// Warning is one recovered problem. Fatal conditions are errors, not warnings.
type Warning struct {
	Kind   Kind
	Stage  string // extract | transform | resolve | assemble | sink
	Entity string // canonical table name, when known
	File   string // source filename, when known
	Line   int    // 1-based source line, 0 when not row-scoped
	Key    string // dangling or offending key, when known
	Field  string // canonical field, when known
	Detail string
}

func (w Warning) String() string {
	s := fmt.Sprintf("kind=%s stage=%s", w.Kind, w.Stage)
	if w.Entity != "" {
		s += " entity=" + w.Entity
	}
	if w.File != "" {
		s += " file=" + w.File
	}
	if w.Line > 0 {
		s += fmt.Sprintf(" line=%d", w.Line)
	}
	if w.Key != "" {
		s += fmt.Sprintf(" key=%q", w.Key)
	}
	if w.Field != "" {
		s += fmt.Sprintf(" field=%q", w.Field)
	}
	return s + " detail=" + w.Detail
}

// TableCounts summarizes one canonical output table.
type TableCounts struct {
	Entity      string
	SourceRows  int    // rows seen across the table's source extracts
	Transformed int    // canonical records produced
	Skipped     int    // rows demoted by RowError-class failures
	Dropped     int    // rows removed by dedupe or dangling-key joins
	Written     int    // rows serialized to CSV
	Checksum    string // sha256 of the written file, empty when not written
}

// Segment is the per-stage (or per-file) accumulator. Each concurrent loader
// owns exactly one Segment, so no locking is needed; Merge happens after join.
type Segment struct {
	Name     string
	Warnings []Warning
	Rows     int

	// Skipped counts rows actually demoted from output. Warnings alone do not
	// imply a lost row (a blank derived field leaves the row in place), so the
	// stages that drop a row increment this alongside their warning.
	Skipped int
}

// Warnf appends a warning built from a format string.
func (s *Segment) Warnf(w Warning, format string, v ...any) {
	w.Detail = fmt.Sprintf(format, v...)
	s.Warnings = append(s.Warnings, w)
}

// Add appends a fully built warning.
func (s *Segment) Add(w Warning) {
	s.Warnings = append(s.Warnings, w)
}

// Report is the structured outcome of one run.
type Report struct {
	RunID      string
	SIS        string
	SchoolYear int
	Started    time.Time
	Finished   time.Time

	Tables   []TableCounts
	Warnings []Warning

	// TableErrors records per-table fatal conditions (SchemaError class) that
	// did not abort the run. Keyed messages, sorted for stable output.
	TableErrors []string
}

// Merge folds a segment's warnings into the report.
func (r *Report) Merge(seg *Segment) {
	if seg == nil {
		return
	}
	r.Warnings = append(r.Warnings, seg.Warnings...)
}

// MergeSorted folds several segments in name order so that concurrent loaders
// always produce the same report regardless of completion order.
func (r *Report) MergeSorted(segs []*Segment) {
	ordered := make([]*Segment, len(segs))
	copy(ordered, segs)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })
	for _, s := range ordered {
		r.Merge(s)
	}
}

// Table returns the counts slot for an entity, appending one when absent.
func (r *Report) Table(entity string) *TableCounts {
	for i := range r.Tables {
		if r.Tables[i].Entity == entity {
			return &r.Tables[i]
		}
	}
	r.Tables = append(r.Tables, TableCounts{Entity: entity})
	return &r.Tables[len(r.Tables)-1]
}

// WarningCount reports the total number of recovered problems.
func (r *Report) WarningCount() int { return len(r.Warnings) }

// Duration is the wall-clock span of the run.
func (r *Report) Duration() time.Duration {
	if r.Finished.IsZero() || r.Started.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}
