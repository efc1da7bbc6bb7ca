// Package transform turns source tables into canonical record sets.
//
// An entity's compiled field rules are bound to a table's headers exactly
// once (the plan), converting column names into integer indexes; applying
// the plan is then a straight per-row walk with no map lookups. A mapped
// column missing from the header is a SchemaError naming every miss; a
// single row's derivation failure only demotes that row.
package transform

import (
	"fmt"
	"strings"
)

// RecordSet holds every canonical record produced for one entity. Fields are
// aligned to the entity's declared target order.
type RecordSet struct {
	Entity  string
	Targets []string
	Records []Record

	targetIdx map[string]int
}

// Record is one entity instance after transformation. Every declared
// canonical field is present, possibly empty. Line is the source line for
// diagnostics, 0 for synthesized records.
type Record struct {
	Fields []string
	Line   int
}

// NewRecordSet builds an empty set for an entity's target columns.
func NewRecordSet(entity string, targets []string) *RecordSet {
	rs := &RecordSet{Entity: entity, Targets: targets}
	rs.targetIdx = make(map[string]int, len(targets))
	for i, t := range targets {
		rs.targetIdx[t] = i
	}
	return rs
}

// ColumnOf returns the field index of a target column, -1 when undeclared.
func (rs *RecordSet) ColumnOf(target string) int {
	if i, ok := rs.targetIdx[target]; ok {
		return i
	}
	return -1
}

// Field returns a record's value for a target column, empty when undeclared.
func (rs *RecordSet) Field(rec Record, target string) string {
	i := rs.ColumnOf(target)
	if i < 0 {
		return ""
	}
	return rec.Fields[i]
}

// Append adds a record; its Fields must already be aligned to Targets.
func (rs *RecordSet) Append(rec Record) {
	rs.Records = append(rs.Records, rec)
}

// ValueSet collects the distinct non-blank values of one target column.
func (rs *RecordSet) ValueSet(target string) map[string]struct{} {
	out := make(map[string]struct{}, len(rs.Records))
	i := rs.ColumnOf(target)
	if i < 0 {
		return out
	}
	for _, rec := range rs.Records {
		if v := rec.Fields[i]; v != "" {
			out[v] = struct{}{}
		}
	}
	return out
}

// SchemaError reports mapped columns absent from an extract's header. It is
// fatal for the entity's outputs but the run may still complete the other
// tables.
type SchemaError struct {
	Entity  string
	File    string
	Missing []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("entity %s: file %s is missing mapped column(s): %s",
		e.Entity, e.File, strings.Join(e.Missing, ", "))
}
