// Package mapping loads and compiles SIS mapping documents.
//
// A mapping document is a YAML file describing, per canonical entity, which
// extract files feed it and how source columns become canonical fields. The
// document is parsed into a strongly typed Spec and fully validated before
// any extract I/O happens: unknown transform names, malformed templates and
// inconsistent uniqueness keys are ConfigErrors at load, not row-time
// surprises. Derivation templates compile once into closures here.
package mapping

import (
	"fmt"
	"sort"
	"strings"
)

// Canonical entity names, in emission order.
const (
	EntityStudents    = "Students"
	EntityStaff       = "Staff"
	EntityFamily      = "Family"
	EntityClasses     = "Classes"
	EntityEnrollments = "Enrollments"
)

// EntityOrder is the fixed order tables are transformed and written in.
var EntityOrder = []string{EntityStudents, EntityStaff, EntityFamily, EntityClasses, EntityEnrollments}

// Source-file roles a mapping document may bind filenames to.
const (
	RoleStudentDemographic = "student_demographic"
	RoleStudentSchedule    = "student_schedule"
	RoleStaffInfo          = "staff_info"
	RoleCourseInfo         = "course_info"
	RoleEmergencyContact   = "emergency_contact"
	RoleRoster             = "roster"
)

// requiredRoles names the roles each entity must bind for the resolver to
// have its join inputs. Extra roles are allowed.
var requiredRoles = map[string][]string{
	EntityStudents:    {RoleStudentDemographic},
	EntityStaff:       {RoleStaffInfo},
	EntityFamily:      {RoleEmergencyContact},
	EntityClasses:     {RoleStudentSchedule, RoleStudentDemographic, RoleCourseInfo, RoleStaffInfo},
	EntityEnrollments: {RoleStudentSchedule, RoleStudentDemographic},
}

// RuleKind discriminates the compiled field rules.
type RuleKind int

const (
	// RuleColumn copies a source column, optionally through a named transform.
	RuleColumn RuleKind = iota
	// RuleTemplate renders a compiled substitution template over the row.
	RuleTemplate
	// RuleLiteral emits a constant.
	RuleLiteral
	// RuleAcademicSpan emits the academic start or end date by target name.
	RuleAcademicSpan
	// RuleClassID stamps a source column with the school year.
	RuleClassID
	// RuleClassName builds a class display name from teacher/title/section.
	RuleClassName
)

func (k RuleKind) String() string {
	switch k {
	case RuleColumn:
		return "column"
	case RuleTemplate:
		return "template"
	case RuleLiteral:
		return "literal"
	case RuleAcademicSpan:
		return "academic_span"
	case RuleClassID:
		return "class_id"
	case RuleClassName:
		return "class_name"
	}
	return fmt.Sprintf("RuleKind(%d)", int(k))
}

// MissingPolicy controls what a template emits when a referenced attribute is
// blank or absent from the row. Explicit per field, never hard-coded.
type MissingPolicy string

const (
	// MissingBlank emits "" and demotes the field with a row warning.
	MissingBlank MissingPolicy = "blank"
	// MissingDefault emits the rule's Default without a warning.
	MissingDefault MissingPolicy = "default"
)

// Rule is one compiled field rule: how a single canonical output column is
// produced. Column references are stored lowercased; binding them to header
// indexes happens once per table in the transform plan.
type Rule struct {
	Target string
	Kind   RuleKind

	Column      string
	Transform   string
	TransformFn func(string) string

	Template  *Template
	OnMissing MissingPolicy
	Default   string

	Value string

	AppendYear bool

	// Class-name component columns. Blank TeacherFlagCol means the teacher
	// last name is used unconditionally.
	TeacherFlagCol string
	TeacherLastCol string
	CourseTitleCol string
	SectionCol     string
}

// EntitySpec is one entity's mapping section.
type EntitySpec struct {
	Name        string
	SourceFiles map[string]string `validate:"required,min=1,dive,required"`
	NaturalKey  []string
	UniqueBy    []string `validate:"required,min=1,dive,required"`
	Rules       []Rule   `validate:"required,min=1"`
}

// Role returns the filename bound to a source role.
func (e *EntitySpec) Role(role string) (string, bool) {
	f, ok := e.SourceFiles[role]
	return f, ok
}

// PrimaryFile returns the filename of the entity's first required role.
func (e *EntitySpec) PrimaryFile() string {
	for _, role := range requiredRoles[e.Name] {
		if f, ok := e.SourceFiles[role]; ok {
			return f
		}
	}
	for _, f := range e.SourceFiles {
		return f
	}
	return ""
}

// Targets returns the canonical output columns in declared order.
func (e *EntitySpec) Targets() []string {
	out := make([]string, len(e.Rules))
	for i, r := range e.Rules {
		out[i] = r.Target
	}
	return out
}

// RuleFor returns the rule producing a target column.
func (e *EntitySpec) RuleFor(target string) (*Rule, bool) {
	for i := range e.Rules {
		if e.Rules[i].Target == target {
			return &e.Rules[i], true
		}
	}
	return nil, false
}

// GlobalConfig carries the cross-entity knobs of a mapping document.
type GlobalConfig struct {
	// HomeroomGrades is the homeroom band as CEDS codes.
	HomeroomGrades []string `validate:"required,min=1,dive,required"`
	// SchoolYearSources maps roles to filenames scanned for a school year.
	SchoolYearSources map[string]string `validate:"omitempty,dive,required"`
}

// Spec is a fully loaded, validated, compiled mapping document.
// Immutable after Load; safe for concurrent readers.
type Spec struct {
	SIS      string
	Path     string
	Global   GlobalConfig
	Entities map[string]*EntitySpec `validate:"required"`

	homeroom map[string]struct{}
}

// Entity returns an entity's mapping section.
func (s *Spec) Entity(name string) (*EntitySpec, bool) {
	e, ok := s.Entities[name]
	return e, ok
}

// IsHomeroomGrade reports whether a CEDS grade code is inside the band.
// Matching is case-insensitive so "Other" and "OTHER" agree.
func (s *Spec) IsHomeroomGrade(ceds string) bool {
	_, ok := s.homeroom[strings.ToUpper(ceds)]
	return ok
}

// RequiredFiles is the sorted union of every entity's source files plus the
// school-year sources. Every name on this list must exist in the input dir.
func (s *Spec) RequiredFiles() []string {
	set := make(map[string]struct{})
	for _, e := range s.Entities {
		for _, f := range e.SourceFiles {
			set[f] = struct{}{}
		}
	}
	for _, f := range s.Global.SchoolYearSources {
		set[f] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// ConfigError wraps any problem with the mapping document itself.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("mapping document %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }
