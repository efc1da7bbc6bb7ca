package mapping

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"
)

// rawDocument mirrors the YAML document before compilation. Field maps decode
// as yaml.MapSlice so the declared field order becomes the output column
// order.
type rawDocument struct {
	Global   rawGlobal            `yaml:"global_config"`
	Mappings map[string]rawEntity `yaml:"mappings"`
}

type rawGlobal struct {
	HomeroomGrades    []string          `yaml:"homeroom_grades"`
	SchoolYearSources map[string]string `yaml:"school_year_sources"`
}

type rawEntity struct {
	SourceFiles map[string]string `yaml:"source_files"`
	NaturalKey  []string          `yaml:"natural_key"`
	UniqueBy    []string          `yaml:"unique_by"`
	FieldMap    yaml.MapSlice     `yaml:"field_map"`
}

// Load reads, validates and compiles the mapping document for a SIS key.
// The document is expected at <dir>/<sis>_mapping.yaml. Any failure, from a
// missing file to an unknown transform name, comes back as a *ConfigError
// before any extract I/O has happened.
func Load(dir, sis string) (*Spec, error) {
	path := filepath.Join(dir, sis+"_mapping.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	spec, err := Parse(data, sis)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	spec.Path = path
	return spec, nil
}

// Parse decodes and compiles a mapping document from bytes. Callers normally
// go through Load; Parse exists so documents can be checked without touching
// the filesystem.
func Parse(data []byte, sis string) (*Spec, error) {
	var raw rawDocument
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if len(raw.Mappings) == 0 {
		return nil, fmt.Errorf("document has no mappings section")
	}

	spec := &Spec{
		SIS:      sis,
		Entities: make(map[string]*EntitySpec, len(raw.Mappings)),
		Global: GlobalConfig{
			SchoolYearSources: make(map[string]string, len(raw.Global.SchoolYearSources)),
		},
		homeroom: make(map[string]struct{}, len(raw.Global.HomeroomGrades)),
	}

	for _, g := range raw.Global.HomeroomGrades {
		g = strings.TrimSpace(g)
		if g == "" {
			return nil, fmt.Errorf("global_config: blank homeroom grade")
		}
		spec.Global.HomeroomGrades = append(spec.Global.HomeroomGrades, g)
		spec.homeroom[strings.ToUpper(g)] = struct{}{}
	}
	for role, file := range raw.Global.SchoolYearSources {
		role = strings.ToLower(strings.TrimSpace(role))
		file = strings.TrimSpace(file)
		if role == "" || file == "" {
			return nil, fmt.Errorf("global_config: blank school_year_sources entry")
		}
		spec.Global.SchoolYearSources[role] = file
	}

	known := make(map[string]struct{}, len(EntityOrder))
	for _, name := range EntityOrder {
		known[name] = struct{}{}
	}
	for name, rawEnt := range raw.Mappings {
		if _, ok := known[name]; !ok {
			return nil, fmt.Errorf("unknown entity %q (expected one of %s)", name, strings.Join(EntityOrder, ", "))
		}
		ent, err := buildEntity(name, rawEnt)
		if err != nil {
			return nil, err
		}
		spec.Entities[name] = ent
	}
	for _, name := range EntityOrder {
		if _, ok := spec.Entities[name]; !ok {
			return nil, fmt.Errorf("entity %s has no mapping section", name)
		}
	}

	if err := validateSpec(spec); err != nil {
		return nil, err
	}
	return spec, nil
}

func buildEntity(name string, raw rawEntity) (*EntitySpec, error) {
	ent := &EntitySpec{
		Name:        name,
		SourceFiles: make(map[string]string, len(raw.SourceFiles)),
	}
	for role, file := range raw.SourceFiles {
		role = strings.ToLower(strings.TrimSpace(role))
		file = strings.TrimSpace(file)
		if role == "" || file == "" {
			return nil, fmt.Errorf("entity %s: blank source_files entry", name)
		}
		ent.SourceFiles[role] = file
	}
	for _, k := range raw.NaturalKey {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			return nil, fmt.Errorf("entity %s: blank natural_key column", name)
		}
		ent.NaturalKey = append(ent.NaturalKey, k)
	}
	for _, k := range raw.UniqueBy {
		k = strings.TrimSpace(k)
		if k == "" {
			return nil, fmt.Errorf("entity %s: blank unique_by column", name)
		}
		ent.UniqueBy = append(ent.UniqueBy, k)
	}

	seen := make(map[string]struct{}, len(raw.FieldMap))
	for _, item := range raw.FieldMap {
		target, ok := item.Key.(string)
		if !ok {
			return nil, fmt.Errorf("entity %s: field_map key %v is not a string", name, item.Key)
		}
		target = strings.TrimSpace(target)
		if target == "" {
			return nil, fmt.Errorf("entity %s: blank field_map key", name)
		}
		if _, dup := seen[target]; dup {
			return nil, fmt.Errorf("entity %s: duplicate field %q", name, target)
		}
		seen[target] = struct{}{}

		rule, err := decodeRule(target, item.Value)
		if err != nil {
			return nil, fmt.Errorf("entity %s: %w", name, err)
		}
		ent.Rules = append(ent.Rules, rule)
	}
	return ent, nil
}

// decodeRule turns one field_map entry into a compiled Rule. The entry is
// either a bare source column name or a map in one of the rule forms; the
// forms are dispatched in a fixed precedence matching how documents are
// written: literal, academic span, class-ID stamp, class name, template,
// plain column.
func decodeRule(target string, v interface{}) (Rule, error) {
	rule := Rule{Target: target, Kind: RuleColumn, OnMissing: MissingBlank}

	switch src := v.(type) {
	case string:
		col := strings.ToLower(strings.TrimSpace(src))
		if col == "" {
			return rule, fmt.Errorf("field %q: blank source column", target)
		}
		rule.Column = col
		return rule, nil
	case yaml.MapSlice:
		return decodeRuleMap(target, src)
	default:
		return rule, fmt.Errorf("field %q: rule must be a string or a map, got %T", target, v)
	}
}

func decodeRuleMap(target string, src yaml.MapSlice) (Rule, error) {
	rule := Rule{Target: target, OnMissing: MissingBlank}

	var (
		column, transform, format, onMissing, defaultValue, value string
		hasValue, hasDefault, useYear, appendYear                 bool
		classCols                                                 map[string]string
	)
	for _, item := range src {
		key, ok := item.Key.(string)
		if !ok {
			return rule, fmt.Errorf("field %q: rule key %v is not a string", target, item.Key)
		}
		switch key {
		case "column":
			column = strings.ToLower(scalarString(item.Value))
		case "transform":
			transform = strings.TrimSpace(scalarString(item.Value))
		case "format":
			format = scalarString(item.Value)
		case "on_missing":
			onMissing = strings.ToLower(scalarString(item.Value))
		case "default_value":
			defaultValue = scalarString(item.Value)
			hasDefault = true
		case "value":
			value = scalarString(item.Value)
			hasValue = true
		case "use_academic_year":
			useYear = scalarBool(item.Value)
		case "append_year_to_id":
			appendYear = scalarBool(item.Value)
		case "course_title", "section_letter", "teacher_last_name", "primary_teacher_flag":
			if classCols == nil {
				classCols = make(map[string]string, 4)
			}
			classCols[key] = strings.ToLower(scalarString(item.Value))
		default:
			return rule, fmt.Errorf("field %q: unknown rule key %q", target, key)
		}
	}

	switch {
	case hasValue:
		rule.Kind = RuleLiteral
		rule.Value = value
	case useYear:
		rule.Kind = RuleAcademicSpan
	case appendYear:
		if column == "" {
			return rule, fmt.Errorf("field %q: append_year_to_id requires a column", target)
		}
		rule.Kind = RuleClassID
		rule.Column = column
		rule.AppendYear = true
	case classCols != nil:
		rule.Kind = RuleClassName
		rule.TeacherFlagCol = classCols["primary_teacher_flag"]
		rule.TeacherLastCol = pick(classCols["teacher_last_name"], "last name")
		rule.CourseTitleCol = pick(classCols["course_title"], "title")
		rule.SectionCol = pick(classCols["section_letter"], "section letter")
	case format != "":
		tmpl, err := CompileTemplate(format)
		if err != nil {
			return rule, fmt.Errorf("field %q: %w", target, err)
		}
		rule.Kind = RuleTemplate
		rule.Template = tmpl
		switch onMissing {
		case "", string(MissingBlank):
			rule.OnMissing = MissingBlank
		case string(MissingDefault):
			if !hasDefault {
				return rule, fmt.Errorf("field %q: on_missing: default requires default_value", target)
			}
			rule.OnMissing = MissingDefault
			rule.Default = defaultValue
		default:
			return rule, fmt.Errorf("field %q: unknown on_missing policy %q", target, onMissing)
		}
	case column != "":
		rule.Kind = RuleColumn
		rule.Column = column
		if transform != "" {
			fn, ok := TransformByName(transform)
			if !ok {
				names := TransformNames()
				sort.Strings(names)
				return rule, fmt.Errorf("field %q: unknown transform %q (have %s)", target, transform, strings.Join(names, ", "))
			}
			rule.Transform = transform
			rule.TransformFn = fn
		}
	default:
		return rule, fmt.Errorf("field %q: rule has no column, format, value, use_academic_year or class-name keys", target)
	}
	return rule, nil
}

func scalarString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	}
}

func scalarBool(v interface{}) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(strings.TrimSpace(b), "true")
	default:
		return false
	}
}

func pick(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

// validateSpec runs the struct tags plus the cross-field checks the tags
// cannot express: every entity binds its required source roles, and every
// unique_by column is a declared output field.
func validateSpec(spec *Spec) error {
	v := validator.New()
	if err := v.Struct(spec); err != nil {
		return fmt.Errorf("validate document: %w", err)
	}
	for _, name := range EntityOrder {
		ent := spec.Entities[name]
		if err := v.Struct(ent); err != nil {
			return fmt.Errorf("validate entity %s: %w", name, err)
		}
		for _, role := range requiredRoles[name] {
			if _, ok := ent.SourceFiles[role]; !ok {
				return fmt.Errorf("entity %s: missing source_files role %q", name, role)
			}
		}
		targets := make(map[string]struct{}, len(ent.Rules))
		for _, r := range ent.Rules {
			targets[r.Target] = struct{}{}
		}
		for _, k := range ent.UniqueBy {
			if _, ok := targets[k]; !ok {
				return fmt.Errorf("entity %s: unique_by column %q is not a mapped field", name, k)
			}
		}
	}
	return nil
}
