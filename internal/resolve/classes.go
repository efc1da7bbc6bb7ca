package resolve

import (
	"fmt"

	"gdetl/internal/extract"
	"gdetl/internal/mapping"
	"gdetl/internal/report"
	"gdetl/internal/transform"
)

// Classes builds the Classes table from two sources:
//
//   - homeroom classes, synthesized from demographics rows whose normalized
//     grade falls inside the homeroom band: one class per distinct
//     (school, homeroom, teacher) triple;
//   - subject classes, from schedule rows outside the band joined with the
//     course catalog (inner) and the staff roster (left, naming only).
//
// Homeroom classes come first so first-wins dedup keeps them stable. The
// returned HomeroomClass list feeds enrollment generation.
func (r *Resolver) Classes(seg *report.Segment) (*transform.RecordSet, []HomeroomClass, error) {
	ent, _ := r.Spec.Entity(mapping.EntityClasses)
	rs := transform.NewRecordSet(ent.Name, ent.Targets())

	homerooms := r.homeroomClasses(ent, rs, seg)
	if err := r.subjectClasses(ent, rs, seg); err != nil {
		return nil, nil, err
	}
	return rs, homerooms, nil
}

// homeroomGradeColumns resolves the demographics grade and homeroom column
// names from the Students field map so both paths classify identically.
func (r *Resolver) homeroomGradeColumns() (gradeCol, homeroomCol string) {
	gradeCol, homeroomCol = "grade", "homeroom"
	students, ok := r.Spec.Entity(mapping.EntityStudents)
	if !ok {
		return
	}
	if rule, ok := students.RuleFor(gradeField); ok && rule.Column != "" {
		gradeCol = rule.Column
	}
	if rule, ok := students.RuleFor("Homeroom"); ok && rule.Column != "" {
		homeroomCol = rule.Column
	}
	return
}

func (r *Resolver) homeroomClasses(ent *mapping.EntitySpec, rs *transform.RecordSet, seg *report.Segment) []HomeroomClass {
	demo, ok := r.table(ent, mapping.RoleStudentDemographic)
	if !ok {
		return nil
	}
	gradeCol, homeroomCol := r.homeroomGradeColumns()

	var out []HomeroomClass
	seen := make(map[string]struct{})

	for i := 0; i < demo.Len(); i++ {
		ceds := mapping.GradeToCEDS(demo.Value(i, gradeCol))
		if !r.Spec.IsHomeroomGrade(ceds) {
			continue
		}

		school := demo.Value(i, schoolNumberCol)
		homeroom := demo.Value(i, homeroomCol)
		teacherID := demo.Value(i, teacherIDCol)

		triple := school + "\x1f" + homeroom + "\x1f" + teacherID
		if _, dup := seen[triple]; dup {
			continue
		}
		seen[triple] = struct{}{}

		hc := HomeroomClass{
			School:    school,
			Homeroom:  homeroom,
			ClassID:   homeroomClassID(school, homeroom, r.Year),
			TeacherID: teacherID,
		}
		out = append(out, hc)

		fields := make([]string, len(rs.Targets))
		set := func(target, v string) {
			if idx := rs.ColumnOf(target); idx >= 0 {
				fields[idx] = v
			}
		}
		set(classIDField, hc.ClassID)
		set(classNameField, homeroomClassName(homeroom, demo.Value(i, teacherNameCol), r.Year))
		set(gradeField, ceds)
		set(schoolIDField, school)
		set(startDateField, r.Year.Start)
		set(endDateField, r.Year.End)
		rs.Append(transform.Record{Fields: fields, Line: demo.Line(i)})
	}
	return out
}

func homeroomClassID(school, homeroom string, year transform.Year) string {
	if homeroom == "" {
		homeroom = "UnassignedHomeroom"
	}
	return fmt.Sprintf("%s_%s_%d", school, homeroom, year.Value)
}

func homeroomClassName(homeroom, teacher string, year transform.Year) string {
	name := homeroom
	if name == "" {
		name = "Unassigned Homeroom"
	}
	if teacher != "" {
		name += " - " + teacher
	}
	return fmt.Sprintf("%s (%d)", name, year.Value)
}

// subjectClasses joins the non-homeroom schedule lines with the course
// catalog and staff roster, then applies the Classes field rules over the
// merged table. The course join is inner: a line whose (school, course)
// pair has no catalog entry is dropped with a join warning.
func (r *Resolver) subjectClasses(ent *mapping.EntitySpec, rs *transform.RecordSet, seg *report.Segment) error {
	schedule, ok := r.table(ent, mapping.RoleStudentSchedule)
	if !ok {
		return fmt.Errorf("entity %s: schedule file not loaded", ent.Name)
	}
	merged, err := r.mergeSubjectLines(ent, schedule, seg)
	if err != nil {
		return err
	}
	if merged.Len() == 0 {
		return nil
	}

	plan, err := transform.Compile(ent, merged, r.Year)
	if err != nil {
		return err
	}
	for _, rec := range transform.Apply(plan, seg).Records {
		rs.Append(rec)
	}
	return nil
}

// mergeSubjectLines builds the joined intermediate table for subject
// classes: surviving schedule rows widened with the course title and the
// teacher's last name. "district course code" is accepted as the schedule's
// course-code column alias. Lines with a blank timetable ID are skipped with
// a row warning so no class ever carries an empty key.
func (r *Resolver) mergeSubjectLines(ent *mapping.EntitySpec, schedule *extract.SourceTable, seg *report.Segment) (*extract.SourceTable, error) {
	codeCol := courseCodeCol
	if !schedule.HasCol(codeCol) && schedule.HasCol(districtCourseCodeCol) {
		codeCol = districtCourseCodeCol
	}

	idCol, err := classIDColumn(ent)
	if err != nil {
		return nil, err
	}
	// An absent ID column is a schema miss; the field plan reports it once the
	// merged rows reach Compile.
	checkID := schedule.HasCol(idCol)

	var courseIdx map[string][]int
	var courses *extract.SourceTable
	if c, ok := r.table(ent, mapping.RoleCourseInfo); ok {
		courses = c
		courseIdx = c.KeyIndex(schoolNumberCol, courseCodeCol)
	}

	var staffIdx map[string][]int
	var staff *extract.SourceTable
	if s, ok := r.table(ent, mapping.RoleStaffInfo); ok {
		staff = s
		staffIdx = s.KeyIndex(teacherIDCol)
	}

	headers := append([]string(nil), schedule.Headers...)
	titleIdx, hadTitle := schedule.Col(courseTitleCol)
	if !hadTitle {
		headers = append(headers, courseTitleCol)
		titleIdx = len(headers) - 1
	}
	lastIdx, hadLast := schedule.Col(lastNameCol)
	if !hadLast {
		headers = append(headers, lastNameCol)
		lastIdx = len(headers) - 1
	}

	var rows [][]string
	var lines []int
	for i := 0; i < schedule.Len(); i++ {
		if r.Spec.IsHomeroomGrade(mapping.GradeToCEDS(schedule.Value(i, scheduleGradeCol))) {
			continue
		}
		if checkID && schedule.Value(i, idCol) == "" {
			seg.Warnf(report.Warning{Kind: report.KindRow, Stage: "resolve", Entity: ent.Name, File: schedule.File, Line: schedule.Line(i)},
				"schedule line skipped: blank %s", idCol)
			seg.Skipped++
			continue
		}

		row := make([]string, len(headers))
		copy(row, schedule.Rows[i])

		if courses != nil {
			key := schedule.Value(i, schoolNumberCol) + "\x1f" + schedule.Value(i, codeCol)
			matches := courseIdx[key]
			if len(matches) == 0 {
				seg.Warnf(report.Warning{Kind: report.KindJoin, Stage: "resolve", Entity: ent.Name, File: schedule.File, Line: schedule.Line(i), Key: schedule.Value(i, codeCol)},
					"schedule line dropped: no course for school %q code %q", schedule.Value(i, schoolNumberCol), schedule.Value(i, codeCol))
				continue
			}
			row[titleIdx] = courses.Value(matches[0], courseTitleCol)
		}

		if staff != nil {
			if matches := staffIdx[schedule.Value(i, teacherIDCol)]; len(matches) > 0 {
				row[lastIdx] = staff.Value(matches[0], lastNameCol)
			}
		}

		rows = append(rows, row)
		lines = append(lines, schedule.Line(i))
	}

	out := extract.NewSourceTable(schedule.File, headers, rows)
	out.Lines = lines
	return out, nil
}
