package resolve

import (
	"fmt"
	"sort"

	"gdetl/internal/mapping"
	"gdetl/internal/report"
	"gdetl/internal/transform"
)

// Enrollments fans schedule lines and homeroom memberships out into
// per-user enrollment rows:
//
//   - homeroom: each homeroom-band student joins their homeroom class on
//     (school, homeroom), one "student" row per match; each homeroom class
//     with a teacher contributes one "teacher" row;
//   - subject: each non-homeroom schedule line yields one "student" row and,
//     when the line names a teacher, one "teacher" row, with the Class ID
//     stamped exactly like the Classes table stamps it.
//
// A final referential pass drops any row whose Class ID is absent from the
// resolved Classes or whose User ID is unknown to Students/Staff; each drop
// is a join warning. N schedule lines for the same (class, user) collapse
// later under the Enrollments uniqueness key, first occurrence wins.
func (r *Resolver) Enrollments(
	seg *report.Segment,
	homerooms []HomeroomClass,
	classes *transform.RecordSet,
	students *transform.RecordSet,
) (*transform.RecordSet, error) {
	ent, _ := r.Spec.Entity(mapping.EntityEnrollments)
	rs := transform.NewRecordSet(ent.Name, ent.Targets())

	r.homeroomEnrollments(ent, rs, homerooms, seg)
	if err := r.subjectEnrollments(ent, rs, seg); err != nil {
		return nil, err
	}

	r.enforceReferences(ent, rs, classes, students, seg)
	return rs, nil
}

func (rs *enrollmentAppender) add(line int, classID, userID, school, role string) {
	fields := make([]string, len(rs.set.Targets))
	put := func(target, v string) {
		if idx := rs.set.ColumnOf(target); idx >= 0 {
			fields[idx] = v
		}
	}
	put(classIDField, classID)
	put(userIDField, userID)
	put(schoolIDField, school)
	put(roleField, role)
	rs.set.Append(transform.Record{Fields: fields, Line: line})
}

type enrollmentAppender struct {
	set *transform.RecordSet
}

func (r *Resolver) homeroomEnrollments(ent *mapping.EntitySpec, rs *transform.RecordSet, homerooms []HomeroomClass, seg *report.Segment) {
	demo, ok := r.table(ent, mapping.RoleStudentDemographic)
	if !ok || len(homerooms) == 0 {
		return
	}
	gradeCol, homeroomCol := r.homeroomGradeColumns()

	byRoom := make(map[string][]HomeroomClass, len(homerooms))
	for _, hc := range homerooms {
		key := hc.School + "\x1f" + hc.Homeroom
		byRoom[key] = append(byRoom[key], hc)
	}
	app := &enrollmentAppender{set: rs}

	for i := 0; i < demo.Len(); i++ {
		if !r.Spec.IsHomeroomGrade(mapping.GradeToCEDS(demo.Value(i, gradeCol))) {
			continue
		}
		school := demo.Value(i, schoolNumberCol)
		student := demo.Value(i, studentNumberCol)
		if student == "" {
			continue
		}

		matches := byRoom[school+"\x1f"+demo.Value(i, homeroomCol)]
		if len(matches) == 0 {
			seg.Warnf(report.Warning{Kind: report.KindJoin, Stage: "resolve", Entity: ent.Name, File: demo.File, Line: demo.Line(i), Key: student},
				"student dropped from homeroom enrollment: no homeroom class for school %q homeroom %q", school, demo.Value(i, homeroomCol))
			continue
		}
		for _, hc := range matches {
			app.add(demo.Line(i), hc.ClassID, student, school, "student")
		}
	}

	for _, hc := range homerooms {
		if hc.TeacherID == "" {
			continue
		}
		app.add(0, hc.ClassID, hc.TeacherID, hc.School, "teacher")
	}
}

func (r *Resolver) subjectEnrollments(ent *mapping.EntitySpec, rs *transform.RecordSet, seg *report.Segment) error {
	schedule, ok := r.table(ent, mapping.RoleStudentSchedule)
	if !ok {
		return fmt.Errorf("entity %s: schedule file not loaded", ent.Name)
	}

	classIDCol, err := classIDColumn(ent)
	if err != nil {
		return err
	}
	studentCol := enrollmentStudentColumn(ent)

	var missing []string
	for _, c := range []string{classIDCol, studentCol, schoolNumberCol} {
		if !schedule.HasCol(c) {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &transform.SchemaError{Entity: ent.Name, File: schedule.File, Missing: missing}
	}

	app := &enrollmentAppender{set: rs}
	for i := 0; i < schedule.Len(); i++ {
		if r.Spec.IsHomeroomGrade(mapping.GradeToCEDS(schedule.Value(i, scheduleGradeCol))) {
			continue
		}
		classID := r.Year.Stamp(schedule.Value(i, classIDCol))
		if classID == "" {
			seg.Warnf(report.Warning{Kind: report.KindRow, Stage: "resolve", Entity: ent.Name, File: schedule.File, Line: schedule.Line(i)},
				"schedule line skipped: blank %s", classIDCol)
			seg.Skipped++
			continue
		}
		school := schedule.Value(i, schoolNumberCol)

		if student := schedule.Value(i, studentCol); student != "" {
			app.add(schedule.Line(i), classID, student, school, "student")
		}
		if teacher := schedule.Value(i, teacherIDCol); teacher != "" {
			app.add(schedule.Line(i), classID, teacher, school, "teacher")
		}
	}
	return nil
}

// classIDColumn reads the schedule column an entity's Class ID stamp rule
// binds, so Classes and Enrollments stamp identical IDs.
func classIDColumn(ent *mapping.EntitySpec) (string, error) {
	rule, ok := ent.RuleFor(classIDField)
	if !ok || rule.Kind != mapping.RuleClassID {
		return "", fmt.Errorf("entity %s: field map needs a %q rule with append_year_to_id", ent.Name, classIDField)
	}
	return rule.Column, nil
}

func enrollmentStudentColumn(ent *mapping.EntitySpec) string {
	if rule, ok := ent.RuleFor(userIDField); ok && rule.Kind == mapping.RuleColumn && rule.Column != "" {
		return rule.Column
	}
	return studentIDCol
}

// enforceReferences drops enrollment rows whose endpoints are missing: the
// Class ID must exist in the resolved Classes and the User ID must be a
// known student (role student) or a known teacher (role teacher). Teacher
// identity is the schedule-facing teacher id from the staff extract, which
// is the key teachers appear under in schedule lines.
func (r *Resolver) enforceReferences(ent *mapping.EntitySpec, rs *transform.RecordSet, classes, students *transform.RecordSet, seg *report.Segment) {
	classIDs := classes.ValueSet(classIDField)
	studentIDs := students.ValueSet(studentSourceField)

	teacherIDs := make(map[string]struct{})
	if sEnt, ok := r.Spec.Entity(mapping.EntityStaff); ok {
		if staff, ok := r.table(sEnt, mapping.RoleStaffInfo); ok {
			for i := 0; i < staff.Len(); i++ {
				if id := staff.Value(i, teacherIDCol); id != "" {
					teacherIDs[id] = struct{}{}
				}
			}
		}
	}

	classIdx := rs.ColumnOf(classIDField)
	userIdx := rs.ColumnOf(userIDField)
	roleIdx := rs.ColumnOf(roleField)
	if classIdx < 0 || userIdx < 0 || roleIdx < 0 {
		return
	}

	kept := rs.Records[:0]
	for _, rec := range rs.Records {
		classID, userID, role := rec.Fields[classIdx], rec.Fields[userIdx], rec.Fields[roleIdx]

		if _, ok := classIDs[classID]; !ok {
			seg.Warnf(report.Warning{Kind: report.KindJoin, Stage: "resolve", Entity: ent.Name, Line: rec.Line, Key: classID},
				"enrollment dropped: class not present in Classes")
			continue
		}
		switch role {
		case "student":
			if _, ok := studentIDs[userID]; !ok {
				seg.Warnf(report.Warning{Kind: report.KindJoin, Stage: "resolve", Entity: ent.Name, Line: rec.Line, Key: userID},
					"enrollment dropped: student not present in Students")
				continue
			}
		case "teacher":
			if _, ok := teacherIDs[userID]; !ok {
				seg.Warnf(report.Warning{Kind: report.KindJoin, Stage: "resolve", Entity: ent.Name, Line: rec.Line, Key: userID},
					"enrollment dropped: teacher not present in Staff")
				continue
			}
		}
		kept = append(kept, rec)
	}
	rs.Records = kept
}
