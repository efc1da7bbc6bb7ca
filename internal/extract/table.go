// Package extract loads SIS extract files into in-memory source tables.
//
// Each required file is located by exact name, decoded from whatever
// encoding the SIS exported (UTF-8, UTF-16, Windows-1252), sniffed for its
// delimiter, and parsed into a SourceTable with normalized headers. Files
// load in parallel; each loader owns its own report segment so no locking
// is needed. A missing required file is fatal for the whole run.
package extract

import (
	"fmt"
	"strings"
)

// SourceTable is one extract in memory. Headers are normalized (trimmed,
// lowercased) at load; rows are aligned to the header width. The table is
// read-only after construction.
type SourceTable struct {
	File    string
	Headers []string
	Rows    [][]string

	// Lines holds the 1-based source line of each row for diagnostics.
	Lines []int

	colIdx map[string]int
}

// NewSourceTable builds a table from already-normalized headers and aligned
// rows. The resolver uses this to assemble joined intermediate tables; the
// loader uses it for parsed extracts.
func NewSourceTable(file string, headers []string, rows [][]string) *SourceTable {
	t := &SourceTable{File: file, Headers: headers, Rows: rows}
	t.colIdx = make(map[string]int, len(headers))
	for i, h := range headers {
		if _, dup := t.colIdx[h]; !dup {
			t.colIdx[h] = i
		}
	}
	return t
}

// Col returns the index of a normalized header name.
func (t *SourceTable) Col(name string) (int, bool) {
	i, ok := t.colIdx[name]
	return i, ok
}

// HasCol reports whether the table carries a column.
func (t *SourceTable) HasCol(name string) bool {
	_, ok := t.colIdx[name]
	return ok
}

// Value returns the trimmed cell at (row, column); empty when the column is
// absent.
func (t *SourceTable) Value(row int, col string) string {
	i, ok := t.colIdx[col]
	if !ok || row < 0 || row >= len(t.Rows) {
		return ""
	}
	return strings.TrimSpace(t.Rows[row][i])
}

// Line returns the 1-based source line of a row, 0 for synthetic tables.
func (t *SourceTable) Line(row int) int {
	if row < 0 || row >= len(t.Lines) {
		return 0
	}
	return t.Lines[row]
}

// Len returns the number of data rows.
func (t *SourceTable) Len() int { return len(t.Rows) }

// KeyIndex builds a natural-key index over the given columns: composite key
// to row indexes, first occurrence first. Blank keys are not indexed.
// Columns absent from the table contribute an empty component.
func (t *SourceTable) KeyIndex(cols ...string) map[string][]int {
	idx := make(map[string][]int)
	for r := range t.Rows {
		k := t.Key(r, cols...)
		if k == "" {
			continue
		}
		idx[k] = append(idx[k], r)
	}
	return idx
}

// Key builds the composite natural key of a row. A key is empty when every
// component is blank.
func (t *SourceTable) Key(row int, cols ...string) string {
	parts := make([]string, len(cols))
	blank := true
	for i, c := range cols {
		parts[i] = t.Value(row, c)
		if parts[i] != "" {
			blank = false
		}
	}
	if blank {
		return ""
	}
	return strings.Join(parts, "\x1f")
}

// MissingFileError reports required extracts absent from the input
// directory. It is fatal: every canonical table may depend on any source, so
// the run aborts before writing anything.
type MissingFileError struct {
	Dir   string
	Files []string
}

func (e *MissingFileError) Error() string {
	return fmt.Sprintf("input %s: missing required file(s): %s", e.Dir, strings.Join(e.Files, ", "))
}
