package mapping

import (
	"fmt"
	"strings"
)

// Template is a compiled substitution template such as
// "{student number}@sd74.bc.ca". Column references are resolved against a
// row's lowercased headers. Compilation happens once at document load;
// rendering is a straight segment walk with no parsing.
type Template struct {
	Format   string
	segments []segment
	columns  []string
}

type segment struct {
	lit string
	col string // non-empty means a column reference
}

// CompileTemplate parses a template string into segments.
//
// Errors:
//   - unbalanced or nested braces
//   - empty column reference "{}"
//   - no column reference at all (a template must depend on the row)
func CompileTemplate(format string) (*Template, error) {
	t := &Template{Format: format}

	var lit strings.Builder
	i := 0
	for i < len(format) {
		switch format[i] {
		case '{':
			end := strings.IndexByte(format[i+1:], '}')
			if end < 0 {
				return nil, fmt.Errorf("template %q: unbalanced '{' at offset %d", format, i)
			}
			col := strings.ToLower(strings.TrimSpace(format[i+1 : i+1+end]))
			if col == "" {
				return nil, fmt.Errorf("template %q: empty column reference at offset %d", format, i)
			}
			if strings.ContainsRune(col, '{') {
				return nil, fmt.Errorf("template %q: nested '{' in column reference", format)
			}
			if lit.Len() > 0 {
				t.segments = append(t.segments, segment{lit: lit.String()})
				lit.Reset()
			}
			t.segments = append(t.segments, segment{col: col})
			t.columns = append(t.columns, col)
			i += end + 2
		case '}':
			return nil, fmt.Errorf("template %q: unbalanced '}' at offset %d", format, i)
		default:
			lit.WriteByte(format[i])
			i++
		}
	}
	if lit.Len() > 0 {
		t.segments = append(t.segments, segment{lit: lit.String()})
	}
	if len(t.columns) == 0 {
		return nil, fmt.Errorf("template %q: no column references", format)
	}
	return t, nil
}

// Columns returns the referenced column names, lowercased, in order.
func (t *Template) Columns() []string {
	return append([]string(nil), t.columns...)
}

// Render substitutes column values obtained through get. A referenced column
// that is absent or blank aborts rendering with an error naming the column;
// the caller applies the rule's missing policy.
func (t *Template) Render(get func(col string) (string, bool)) (string, error) {
	var b strings.Builder
	for _, s := range t.segments {
		if s.col == "" {
			b.WriteString(s.lit)
			continue
		}
		v, ok := get(s.col)
		if !ok {
			return "", fmt.Errorf("template %q: row has no column %q", t.Format, s.col)
		}
		v = strings.TrimSpace(v)
		if v == "" {
			return "", fmt.Errorf("template %q: column %q is blank", t.Format, s.col)
		}
		b.WriteString(v)
	}
	return b.String(), nil
}
