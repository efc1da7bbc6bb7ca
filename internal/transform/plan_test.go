package transform

import (
	"errors"
	"testing"
	"time"

	"gdetl/internal/extract"
	"gdetl/internal/mapping"
	"gdetl/internal/report"
)

func mustTemplate(t *testing.T, format string) *mapping.Template {
	t.Helper()
	tpl, err := mapping.CompileTemplate(format)
	if err != nil {
		t.Fatalf("CompileTemplate(%q): %v", format, err)
	}
	return tpl
}

func gradeFn(t *testing.T) func(string) string {
	t.Helper()
	fn, ok := mapping.TransformByName("grade_to_ceds")
	if !ok {
		t.Fatalf("grade_to_ceds transform not registered")
	}
	return fn
}

func studentsEntity(t *testing.T) *mapping.EntitySpec {
	return &mapping.EntitySpec{
		Name:        mapping.EntityStudents,
		SourceFiles: map[string]string{mapping.RoleStudentDemographic: "demo.txt"},
		NaturalKey:  []string{"student number"},
		UniqueBy:    []string{"Student SourceId"},
		Rules: []mapping.Rule{
			{Target: "Student SourceId", Kind: mapping.RuleColumn, Column: "student number"},
			{Target: "Grade", Kind: mapping.RuleColumn, Column: "grade", TransformFn: gradeFn(t)},
			{Target: "Email Address", Kind: mapping.RuleTemplate, Template: mustTemplate(t, "{student number}@sd74.bc.ca"), OnMissing: mapping.MissingBlank},
			{Target: "EnrollStatus", Kind: mapping.RuleColumn, Column: "enrolment status"},
		},
	}
}

func TestApply_ColumnTransformAndTemplate(t *testing.T) {
	ent := studentsEntity(t)
	tbl := extract.NewSourceTable("demo.txt",
		[]string{"student number", "grade", "enrolment status"},
		[][]string{
			{"1001", "7", "Active"},
			{"1002", "KF", "PreReg"},
			{"1003", "Z9", "Withdrawn"},
		})

	plan, err := Compile(ent, tbl, NewYear(2025))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	seg := &report.Segment{}
	rs := Apply(plan, seg)

	if len(rs.Records) != 3 {
		t.Fatalf("records = %d, want 3", len(rs.Records))
	}

	tests := []struct {
		row    int
		target string
		want   string
	}{
		{0, "Grade", "07"},
		{1, "Grade", "KG"},
		{2, "Grade", "UG"}, // unknown grade maps to ungraded
		{0, "Email Address", "1001@sd74.bc.ca"},
		{0, "EnrollStatus", "Active"},
		{1, "EnrollStatus", "PreReg"},
		{2, "EnrollStatus", "Inactive"}, // anything else demotes
	}
	for _, tc := range tests {
		if got := rs.Field(rs.Records[tc.row], tc.target); got != tc.want {
			t.Fatalf("row %d %s = %q, want %q", tc.row, tc.target, got, tc.want)
		}
	}
	if len(seg.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", seg.Warnings)
	}
}

func TestApply_EnrollStatusWithdrawFallback(t *testing.T) {
	ent := studentsEntity(t)
	tbl := extract.NewSourceTable("demo.txt",
		[]string{"student number", "grade", "withdraw date"},
		[][]string{
			{"1001", "7", ""},
			{"1002", "8", "2025-01-15"},
		})

	plan, err := Compile(ent, tbl, NewYear(2025))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	rs := Apply(plan, &report.Segment{})

	if got := rs.Field(rs.Records[0], "EnrollStatus"); got != "Active" {
		t.Fatalf("blank withdraw date status = %q, want Active", got)
	}
	if got := rs.Field(rs.Records[1], "EnrollStatus"); got != "Inactive" {
		t.Fatalf("withdrawn status = %q, want Inactive", got)
	}
}

func TestApply_EnrollStatusDefaultWarnsOnce(t *testing.T) {
	ent := studentsEntity(t)
	tbl := extract.NewSourceTable("demo.txt",
		[]string{"student number", "grade"},
		[][]string{{"1001", "7"}, {"1002", "8"}})

	plan, err := Compile(ent, tbl, NewYear(2025))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	seg := &report.Segment{}
	rs := Apply(plan, seg)

	for i := range rs.Records {
		if got := rs.Field(rs.Records[i], "EnrollStatus"); got != "Active" {
			t.Fatalf("record %d status = %q, want Active", i, got)
		}
	}
	if len(seg.Warnings) != 1 {
		t.Fatalf("warnings = %d, want exactly one table-level warning", len(seg.Warnings))
	}
	if seg.Warnings[0].Line != 0 {
		t.Fatalf("default-status warning should not be row-scoped: %+v", seg.Warnings[0])
	}
	if seg.Skipped != 0 {
		t.Fatalf("skipped = %d, want 0: the notice demotes no rows", seg.Skipped)
	}
}

func TestApply_TemplateMissingPolicies(t *testing.T) {
	ent := &mapping.EntitySpec{
		Name:        mapping.EntityStudents,
		SourceFiles: map[string]string{mapping.RoleStudentDemographic: "demo.txt"},
		NaturalKey:  []string{"student number"},
		Rules: []mapping.Rule{
			{Target: "Student SourceId", Kind: mapping.RuleColumn, Column: "student number"},
			{Target: "Email Address", Kind: mapping.RuleTemplate, Template: mustTemplate(t, "{email}"), OnMissing: mapping.MissingBlank},
			{Target: "Nickname", Kind: mapping.RuleTemplate, Template: mustTemplate(t, "{nickname}"), OnMissing: mapping.MissingDefault, Default: "n/a"},
			{Target: "EnrollStatus", Kind: mapping.RuleColumn, Column: "enrolment status"},
		},
	}
	// Neither "email" nor "nickname" exists in the source.
	tbl := extract.NewSourceTable("demo.txt",
		[]string{"student number", "enrolment status"},
		[][]string{{"1001", "Active"}})

	plan, err := Compile(ent, tbl, NewYear(2025))
	if err != nil {
		t.Fatalf("Compile: %v (template misses must be row-scoped)", err)
	}
	seg := &report.Segment{}
	rs := Apply(plan, seg)

	if got := rs.Field(rs.Records[0], "Email Address"); got != "" {
		t.Fatalf("blank policy value = %q, want empty", got)
	}
	if got := rs.Field(rs.Records[0], "Nickname"); got != "n/a" {
		t.Fatalf("default policy value = %q, want n/a", got)
	}
	// The blank-policy miss leaves a row warning; the default one does not.
	rowWarnings := 0
	for _, w := range seg.Warnings {
		if w.Kind == report.KindRow && w.Field == "Email Address" {
			rowWarnings++
		}
	}
	if rowWarnings != 1 {
		t.Fatalf("blank-policy warnings = %d, want 1 (%v)", rowWarnings, seg.Warnings)
	}
}

func TestApply_SkipsBlankNaturalKey(t *testing.T) {
	ent := studentsEntity(t)
	tbl := extract.NewSourceTable("demo.txt",
		[]string{"student number", "grade", "enrolment status"},
		[][]string{
			{"1001", "7", "Active"},
			{"  ", "8", "Active"},
		})

	plan, err := Compile(ent, tbl, NewYear(2025))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	seg := &report.Segment{}
	rs := Apply(plan, seg)

	if len(rs.Records) != 1 {
		t.Fatalf("records = %d, want 1 (blank key skipped)", len(rs.Records))
	}
	if len(seg.Warnings) != 1 || seg.Warnings[0].Kind != report.KindRow {
		t.Fatalf("warnings = %v, want one row warning", seg.Warnings)
	}
	if seg.Skipped != 1 {
		t.Fatalf("skipped = %d, want 1", seg.Skipped)
	}
}

func TestCompile_MissingColumnsAccumulate(t *testing.T) {
	ent := &mapping.EntitySpec{
		Name:        mapping.EntityFamily,
		SourceFiles: map[string]string{mapping.RoleEmergencyContact: "contacts.txt"},
		Rules: []mapping.Rule{
			{Target: "Student SourceId", Kind: mapping.RuleColumn, Column: "student number"},
			{Target: "Relationship", Kind: mapping.RuleColumn, Column: "relationship"},
			{Target: "Phone Number", Kind: mapping.RuleColumn, Column: "phone"},
		},
	}
	tbl := extract.NewSourceTable("contacts.txt", []string{"student number"}, nil)

	_, err := Compile(ent, tbl, NewYear(2025))
	var schemaErr *SchemaError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("err = %v, want *SchemaError", err)
	}
	// Sorted, both misses reported at once.
	if len(schemaErr.Missing) != 2 || schemaErr.Missing[0] != "phone" || schemaErr.Missing[1] != "relationship" {
		t.Fatalf("Missing = %v, want [phone relationship]", schemaErr.Missing)
	}
}

func TestApply_ClassRules(t *testing.T) {
	ent := &mapping.EntitySpec{
		Name:        mapping.EntityClasses,
		SourceFiles: map[string]string{mapping.RoleStudentSchedule: "sched.txt"},
		Rules: []mapping.Rule{
			{Target: "Class ID", Kind: mapping.RuleClassID, Column: "master timetable id", AppendYear: true},
			{Target: "Name", Kind: mapping.RuleClassName, CourseTitleCol: "title", SectionCol: "section letter", TeacherLastCol: "last name", TeacherFlagCol: "primary teacher flag"},
			{Target: "Start Date", Kind: mapping.RuleAcademicSpan},
			{Target: "End Date", Kind: mapping.RuleAcademicSpan},
			{Target: "Role", Kind: mapping.RuleLiteral, Value: "student"},
		},
	}
	tbl := extract.NewSourceTable("sched.txt",
		[]string{"master timetable id", "title", "section letter", "last name", "primary teacher flag"},
		[][]string{
			{"MT-1", "Science 8", "B", "Singh", "Y"},
			{"MT-2", "Math 9", "", "Singh", "n"},
			{"MT-3", "", "A", "", ""},
			{"", "Art", "", "", ""},
		})

	plan, err := Compile(ent, tbl, NewYear(2025))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	rs := Apply(plan, &report.Segment{})

	tests := []struct {
		row    int
		target string
		want   string
	}{
		{0, "Class ID", "MT-1_2025"},
		{0, "Name", "Singh Science 8 (B) 2025"},
		{1, "Name", "Math 9 2025"}, // flag not "y": teacher excluded
		{2, "Name", "Unknown Course (A) 2025"},
		{3, "Class ID", ""}, // blank ID never becomes "_2025"
		{0, "Start Date", "2025-08-25"},
		{0, "End Date", "2026-07-25"},
		{0, "Role", "student"},
	}
	for _, tc := range tests {
		if got := rs.Field(rs.Records[tc.row], tc.target); got != tc.want {
			t.Fatalf("row %d %s = %q, want %q", tc.row, tc.target, got, tc.want)
		}
	}
}

func TestDetectYear(t *testing.T) {
	mkTable := func(yearValue string) *extract.SourceTable {
		return extract.NewSourceTable("sched.txt",
			[]string{"school year", "student id"},
			[][]string{{yearValue, "1001"}})
	}

	tests := []struct {
		name    string
		tables  map[string]*extract.SourceTable
		sources map[string]string
		now     time.Time
		want    int
	}{
		{
			name:    "explicit_column_wins",
			tables:  map[string]*extract.SourceTable{"sched.txt": mkTable("2024-2025")},
			sources: map[string]string{"student_schedule": "sched.txt"},
			now:     time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC),
			want:    2024,
		},
		{
			name:    "short_values_skipped_then_fallback",
			tables:  map[string]*extract.SourceTable{"sched.txt": mkTable("25")},
			sources: map[string]string{"student_schedule": "sched.txt"},
			now:     time.Date(2025, time.September, 1, 0, 0, 0, 0, time.UTC),
			want:    2025,
		},
		{
			name:    "fallback_before_august",
			tables:  map[string]*extract.SourceTable{},
			sources: map[string]string{},
			now:     time.Date(2026, time.February, 10, 0, 0, 0, 0, time.UTC),
			want:    2025,
		},
		{
			name:    "fallback_august_or_later",
			tables:  map[string]*extract.SourceTable{},
			sources: map[string]string{},
			now:     time.Date(2025, time.August, 30, 0, 0, 0, 0, time.UTC),
			want:    2025,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := DetectYear(tc.tables, tc.sources, tc.now)
			if got.Value != tc.want {
				t.Fatalf("DetectYear = %d, want %d", got.Value, tc.want)
			}
		})
	}
}

func TestYearSpan(t *testing.T) {
	y := NewYear(2025)
	if y.Start != "2025-08-25" || y.End != "2026-07-25" {
		t.Fatalf("span = %s..%s, want 2025-08-25..2026-07-25", y.Start, y.End)
	}
	if got := y.Stamp("MT-1"); got != "MT-1_2025" {
		t.Fatalf("Stamp = %q", got)
	}
	if got := y.Stamp(""); got != "" {
		t.Fatalf("Stamp of blank = %q, want blank", got)
	}
}
