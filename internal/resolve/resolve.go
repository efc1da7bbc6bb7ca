// Package resolve joins canonical record sets across entity boundaries.
//
// All joins go through key-indexed lookups built once per table: inner
// joins for required relationships (a schedule line with no matching course
// is dropped with a join warning), left joins for optional ones (staff with
// no schedule appearance keep a blank sourceId). No dangling key survives
// into output.
package resolve

import (
	"fmt"
	"strings"

	"gdetl/internal/extract"
	"gdetl/internal/mapping"
	"gdetl/internal/report"
	"gdetl/internal/transform"
)

// Well-known SIS column names shared across extracts. Everything else comes
// from the mapping document.
const (
	schoolNumberCol       = "school number"
	teacherIDCol          = "teacher id"
	teacherNameCol        = "teacher name"
	studentNumberCol      = "student number"
	courseCodeCol         = "course code"
	districtCourseCodeCol = "district course code"
	courseTitleCol        = "title"
	lastNameCol           = "last name"
	staffSourceIDCol      = "staff sourceid"
	scheduleGradeCol      = "grade"
	studentIDCol          = "student id"
)

// Canonical output field names the resolver writes directly.
const (
	classIDField       = "Class ID"
	classNameField     = "Name"
	gradeField         = "Grade"
	schoolIDField      = "School ID"
	startDateField     = "Start Date"
	endDateField       = "End Date"
	userIDField        = "User ID"
	roleField          = "Role"
	studentSourceField = "Student SourceId"
)

// Resolver carries the shared inputs of every cross-table join.
type Resolver struct {
	Spec   *mapping.Spec
	Tables map[string]*extract.SourceTable
	Year   transform.Year
}

// HomeroomClass is one synthesized homeroom class, kept for enrollment
// generation after the Classes table is built.
type HomeroomClass struct {
	School    string
	Homeroom  string
	ClassID   string
	TeacherID string
}

func (r *Resolver) table(ent *mapping.EntitySpec, role string) (*extract.SourceTable, bool) {
	f, ok := ent.Role(role)
	if !ok {
		return nil, false
	}
	t, ok := r.Tables[f]
	return t, ok
}

// Students transforms the demographics extract into Student records.
func (r *Resolver) Students(seg *report.Segment) (*transform.RecordSet, error) {
	ent, _ := r.Spec.Entity(mapping.EntityStudents)
	tbl, ok := r.table(ent, mapping.RoleStudentDemographic)
	if !ok {
		return nil, fmt.Errorf("entity %s: source file %s not loaded", ent.Name, ent.PrimaryFile())
	}
	plan, err := transform.Compile(ent, tbl, r.Year)
	if err != nil {
		return nil, err
	}
	return transform.Apply(plan, seg), nil
}

// Family transforms the emergency-contact extract and drops contacts whose
// student is absent from the transformed Students set. Family output is
// guardian-row-major: every surviving contact row is one Family row. A
// student with zero guardians still has a Students row and no Family rows.
func (r *Resolver) Family(seg *report.Segment, students *transform.RecordSet) (*transform.RecordSet, error) {
	ent, _ := r.Spec.Entity(mapping.EntityFamily)
	tbl, ok := r.table(ent, mapping.RoleEmergencyContact)
	if !ok {
		return nil, fmt.Errorf("entity %s: source file %s not loaded", ent.Name, ent.PrimaryFile())
	}
	plan, err := transform.Compile(ent, tbl, r.Year)
	if err != nil {
		return nil, err
	}
	rs := transform.Apply(plan, seg)

	keyIdx := rs.ColumnOf(studentSourceField)
	if keyIdx < 0 || students == nil {
		return rs, nil
	}
	known := students.ValueSet(studentSourceField)

	kept := rs.Records[:0]
	for _, rec := range rs.Records {
		key := rec.Fields[keyIdx]
		if _, ok := known[key]; !ok {
			seg.Warnf(report.Warning{Kind: report.KindJoin, Stage: "resolve", Entity: ent.Name, File: tbl.File, Line: rec.Line, Key: key},
				"contact dropped: student not present in Students")
			continue
		}
		kept = append(kept, rec)
	}
	rs.Records = kept
	return rs, nil
}

// Staff transforms the staff roster. When the schedule roster role is bound,
// the staff sourceId backfills from the schedule (first occurrence per
// teacher id, left join): staff with no schedule appearance keep a blank
// sourceId without a warning.
func (r *Resolver) Staff(seg *report.Segment) (*transform.RecordSet, error) {
	ent, _ := r.Spec.Entity(mapping.EntityStaff)
	tbl, ok := r.table(ent, mapping.RoleStaffInfo)
	if !ok {
		return nil, fmt.Errorf("entity %s: source file %s not loaded", ent.Name, ent.PrimaryFile())
	}

	if roster, ok := r.table(ent, mapping.RoleRoster); ok {
		tbl = backfillSourceID(tbl, roster)
	}

	plan, err := transform.Compile(ent, tbl, r.Year)
	if err != nil {
		return nil, err
	}
	return transform.Apply(plan, seg), nil
}

// backfillSourceID left-joins the roster's first "staff sourceid" per
// teacher id onto the staff table. The staff table is never mutated; a new
// table is built only when the roster can contribute.
func backfillSourceID(staff, roster *extract.SourceTable) *extract.SourceTable {
	if !staff.HasCol(teacherIDCol) || !roster.HasCol(teacherIDCol) || !roster.HasCol(staffSourceIDCol) {
		return staff
	}

	firstByTeacher := make(map[string]string)
	for i := 0; i < roster.Len(); i++ {
		id := roster.Value(i, teacherIDCol)
		if id == "" {
			continue
		}
		if _, seen := firstByTeacher[id]; !seen {
			firstByTeacher[id] = roster.Value(i, staffSourceIDCol)
		}
	}

	headers := append([]string(nil), staff.Headers...)
	srcIdx, hadCol := staff.Col(staffSourceIDCol)
	if !hadCol {
		headers = append(headers, staffSourceIDCol)
		srcIdx = len(headers) - 1
	}

	rows := make([][]string, staff.Len())
	for i := 0; i < staff.Len(); i++ {
		row := make([]string, len(headers))
		copy(row, staff.Rows[i])
		if !hadCol || strings.TrimSpace(row[srcIdx]) == "" {
			row[srcIdx] = firstByTeacher[staff.Value(i, teacherIDCol)]
		}
		rows[i] = row
	}

	out := extract.NewSourceTable(staff.File, headers, rows)
	out.Lines = staff.Lines
	return out
}
