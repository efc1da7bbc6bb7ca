package transform

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"gdetl/internal/extract"
)

const schoolYearColumn = "school year"

// Year is the resolved school year with its academic span. The span runs
// August 25 through July 25 of the following year.
type Year struct {
	Value int
	Start string
	End   string
}

// NewYear derives the academic span for a school year.
func NewYear(v int) Year {
	return Year{
		Value: v,
		Start: fmt.Sprintf("%d-08-25", v),
		End:   fmt.Sprintf("%d-07-25", v+1),
	}
}

// Stamp appends the school year to a class identifier. Blank IDs stay blank
// so a missing timetable ID never becomes a bare "_2025" key.
func (y Year) Stamp(id string) string {
	if id == "" {
		return ""
	}
	return fmt.Sprintf("%s_%d", id, y.Value)
}

// DetectYear resolves the school year from the configured source files: the
// first non-blank "school year" value's first four digits win. Sources are
// scanned in role order so the result is deterministic. When no source
// carries a usable value, the fallback is the calendar heuristic: August or
// later means the school year just started.
func DetectYear(tables map[string]*extract.SourceTable, sources map[string]string, now time.Time) Year {
	roles := make([]string, 0, len(sources))
	for r := range sources {
		roles = append(roles, r)
	}
	sort.Strings(roles)

	for _, role := range roles {
		tbl, ok := tables[sources[role]]
		if !ok || !tbl.HasCol(schoolYearColumn) {
			continue
		}
		for r := 0; r < tbl.Len(); r++ {
			v := tbl.Value(r, schoolYearColumn)
			if len(v) < 4 {
				continue
			}
			if y, err := strconv.Atoi(v[:4]); err == nil {
				return NewYear(y)
			}
		}
	}

	if now.Month() >= time.August {
		return NewYear(now.Year())
	}
	return NewYear(now.Year() - 1)
}
