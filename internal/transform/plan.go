package transform

import (
	"sort"
	"strconv"
	"strings"

	"gdetl/internal/extract"
	"gdetl/internal/mapping"
	"gdetl/internal/report"
)

// Columns the Students EnrollStatus fallback chain looks for.
const (
	enrollStatusField  = "EnrollStatus"
	enrolmentStatusCol = "enrolment status"
	withdrawDateCol    = "withdraw date"
)

type statusMode int

const (
	statusNone statusMode = iota
	statusExplicit
	statusWithdraw
	statusDefault
)

// Plan is one entity's rules bound to one table's headers. Compiling once
// means applying is a plain index walk per row.
type Plan struct {
	Entity *mapping.EntitySpec
	Table  *extract.SourceTable
	Year   Year

	rules  []boundRule
	keyIdx []int
}

type boundRule struct {
	rule   *mapping.Rule
	srcIdx int

	tmplIdx map[string]int

	flagIdx    int
	lastIdx    int
	titleIdx   int
	sectionIdx int

	status statusMode
}

// Compile binds an entity's compiled rules to a table's header. Every
// mapped source column absent from the header accumulates into one
// *SchemaError so the operator sees the full list at once.
//
// Template column references are bound too, but a miss there is row-scoped:
// the per-field missing policy decides at apply time. Class-name component
// columns tolerate absence because they arrive via optional joins.
func Compile(ent *mapping.EntitySpec, tbl *extract.SourceTable, year Year) (*Plan, error) {
	p := &Plan{Entity: ent, Table: tbl, Year: year}
	var missing []string

	for i := range ent.Rules {
		rule := &ent.Rules[i]
		b := boundRule{rule: rule, srcIdx: -1, flagIdx: -1, lastIdx: -1, titleIdx: -1, sectionIdx: -1}

		if ent.Name == mapping.EntityStudents && rule.Target == enrollStatusField && rule.Kind == mapping.RuleColumn {
			b.status, b.srcIdx = bindEnrollStatus(tbl)
			p.rules = append(p.rules, b)
			continue
		}

		switch rule.Kind {
		case mapping.RuleColumn, mapping.RuleClassID:
			idx, ok := tbl.Col(rule.Column)
			if !ok {
				missing = append(missing, rule.Column)
				continue
			}
			b.srcIdx = idx

		case mapping.RuleTemplate:
			b.tmplIdx = make(map[string]int, len(rule.Template.Columns()))
			for _, c := range rule.Template.Columns() {
				if idx, ok := tbl.Col(c); ok {
					b.tmplIdx[c] = idx
				} else {
					b.tmplIdx[c] = -1
				}
			}

		case mapping.RuleClassName:
			if rule.TeacherFlagCol != "" {
				if idx, ok := tbl.Col(rule.TeacherFlagCol); ok {
					b.flagIdx = idx
				}
			}
			if idx, ok := tbl.Col(rule.TeacherLastCol); ok {
				b.lastIdx = idx
			}
			if idx, ok := tbl.Col(rule.CourseTitleCol); ok {
				b.titleIdx = idx
			}
			if idx, ok := tbl.Col(rule.SectionCol); ok {
				b.sectionIdx = idx
			}

		case mapping.RuleLiteral, mapping.RuleAcademicSpan:
			// Nothing to bind.
		}
		p.rules = append(p.rules, b)
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &SchemaError{Entity: ent.Name, File: tbl.File, Missing: missing}
	}

	for _, k := range ent.NaturalKey {
		if idx, ok := tbl.Col(k); ok {
			p.keyIdx = append(p.keyIdx, idx)
		}
	}
	return p, nil
}

func bindEnrollStatus(tbl *extract.SourceTable) (statusMode, int) {
	if idx, ok := tbl.Col(enrolmentStatusCol); ok {
		return statusExplicit, idx
	}
	if idx, ok := tbl.Col(withdrawDateCol); ok {
		return statusWithdraw, idx
	}
	return statusDefault, -1
}

// Apply runs the plan over every row. Rows whose natural key is entirely
// blank are skipped with a row warning; a template miss follows the field's
// missing policy. The returned set has every declared field present in
// every record.
func Apply(p *Plan, seg *report.Segment) *RecordSet {
	rs := NewRecordSet(p.Entity.Name, p.Entity.Targets())

	statusDefaulted := false
	for _, b := range p.rules {
		if b.status == statusDefault {
			statusDefaulted = true
		}
	}
	if statusDefaulted {
		seg.Warnf(report.Warning{Kind: report.KindRow, Stage: "transform", Entity: p.Entity.Name, File: p.Table.File, Field: enrollStatusField},
			"no %q or %q column; defaulting every row to Active", enrolmentStatusCol, withdrawDateCol)
	}

	for r := 0; r < p.Table.Len(); r++ {
		if len(p.keyIdx) > 0 && blankKey(p.Table.Rows[r], p.keyIdx) {
			seg.Warnf(report.Warning{Kind: report.KindRow, Stage: "transform", Entity: p.Entity.Name, File: p.Table.File, Line: p.Table.Line(r)},
				"row skipped: natural key (%s) is blank", strings.Join(p.Entity.NaturalKey, ", "))
			seg.Skipped++
			continue
		}
		rs.Append(Record{Fields: applyRow(p, r, seg), Line: p.Table.Line(r)})
	}
	return rs
}

func applyRow(p *Plan, r int, seg *report.Segment) []string {
	row := p.Table.Rows[r]
	out := make([]string, len(p.rules))

	for i, b := range p.rules {
		rule := b.rule

		if b.status != statusNone {
			out[i] = enrollStatus(b, row)
			continue
		}

		switch rule.Kind {
		case mapping.RuleColumn:
			v := cell(row, b.srcIdx)
			if rule.TransformFn != nil {
				v = rule.TransformFn(v)
			}
			out[i] = v

		case mapping.RuleTemplate:
			v, err := rule.Template.Render(func(col string) (string, bool) {
				idx, ok := b.tmplIdx[col]
				if !ok || idx < 0 {
					return "", false
				}
				return row[idx], true
			})
			if err != nil {
				if rule.OnMissing == mapping.MissingDefault {
					out[i] = rule.Default
					continue
				}
				out[i] = ""
				seg.Warnf(report.Warning{Kind: report.KindRow, Stage: "transform", Entity: p.Entity.Name, File: p.Table.File, Line: p.Table.Line(r), Field: rule.Target},
					"derivation failed, field left blank: %v", err)
				continue
			}
			out[i] = v

		case mapping.RuleLiteral:
			out[i] = rule.Value

		case mapping.RuleAcademicSpan:
			if strings.Contains(strings.ToLower(rule.Target), "end") {
				out[i] = p.Year.End
			} else {
				out[i] = p.Year.Start
			}

		case mapping.RuleClassID:
			out[i] = p.Year.Stamp(cell(row, b.srcIdx))

		case mapping.RuleClassName:
			out[i] = className(p, b, row)
		}
	}
	return out
}

func enrollStatus(b boundRule, row []string) string {
	switch b.status {
	case statusExplicit:
		v := cell(row, b.srcIdx)
		if v == "Active" || v == "PreReg" {
			return v
		}
		return "Inactive"
	case statusWithdraw:
		if cell(row, b.srcIdx) == "" {
			return "Active"
		}
		return "Inactive"
	default:
		return "Active"
	}
}

// className builds "<TeacherLast> <Title> (<Section>) <Year>". The teacher
// last name participates only when the primary-teacher flag says "y", or
// unconditionally when no flag column is bound. Blank parts collapse.
func className(p *Plan, b boundRule, row []string) string {
	title := cell(row, b.titleIdx)
	if title == "" {
		title = "Unknown Course"
	}

	teacherLast := ""
	if b.flagIdx >= 0 {
		if strings.EqualFold(cell(row, b.flagIdx), "y") {
			teacherLast = cell(row, b.lastIdx)
		}
	} else {
		teacherLast = cell(row, b.lastIdx)
	}

	var parts []string
	if teacherLast != "" {
		parts = append(parts, teacherLast)
	}
	parts = append(parts, title)
	if section := cell(row, b.sectionIdx); section != "" {
		parts[len(parts)-1] += " (" + section + ")"
	}
	parts = append(parts, strconv.Itoa(p.Year.Value))
	return strings.Join(parts, " ")
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func blankKey(row []string, keyIdx []int) bool {
	for _, i := range keyIdx {
		if strings.TrimSpace(row[i]) != "" {
			return false
		}
	}
	return true
}
