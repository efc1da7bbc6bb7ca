package mapping

import "strings"

// cedsByGrade maps raw SIS grade spellings to CEDS grade-level codes.
// Lookup is on the trimmed, uppercased raw value.
var cedsByGrade = map[string]string{
	"INFANT/TODDLER":            "IT",
	"PRESCHOOL":                 "PR",
	"PRE-K":                     "PK",
	"PREKINDERGARTEN":           "PK",
	"TK":                        "TK",
	"TRANSITIONAL KINDERGARTEN": "TK",
	"KINDERGARTEN":              "KG",
	"K":                         "KG",
	"EL":                        "KG",
	"KF":                        "KG",
	"01":                        "01",
	"1":                         "01",
	"02":                        "02",
	"2":                         "02",
	"03":                        "03",
	"3":                         "03",
	"04":                        "04",
	"4":                         "04",
	"05":                        "05",
	"5":                         "05",
	"06":                        "06",
	"6":                         "06",
	"07":                        "07",
	"7":                         "07",
	"08":                        "08",
	"8":                         "08",
	"09":                        "09",
	"9":                         "09",
	"10":                        "10",
	"11":                        "11",
	"12":                        "12",
	"13":                        "13",
	"POSTSECONDARY":             "PS",
	"UGRADED":                   "UG",
	"UNGRADED":                  "UG",
	"UG":                        "UG",
	"OTHER":                     "Other",
}

// GradeToCEDS normalizes a raw grade value to its CEDS code.
// Unrecognized values map to "UG" rather than failing the row.
func GradeToCEDS(v string) string {
	key := strings.ToUpper(strings.TrimSpace(v))
	if key == "" {
		return "UG"
	}
	if code, ok := cedsByGrade[key]; ok {
		return code
	}
	return "UG"
}

// MapRole converts a teaching flag into a platform role.
// Only an explicit "y" marks a teacher; everything else is administrator.
func MapRole(v string) string {
	if strings.EqualFold(strings.TrimSpace(v), "y") {
		return "teacher"
	}
	return "administrator"
}

// transforms is the registry of named column transforms a mapping document
// may reference. Names are validated at load time, never at row time.
var transforms = map[string]func(string) string{
	"grade_to_ceds": GradeToCEDS,
	"map_role":      MapRole,
}

// TransformByName resolves a transform reference from a mapping document.
func TransformByName(name string) (func(string) string, bool) {
	fn, ok := transforms[name]
	return fn, ok
}

// TransformNames lists the registered transform names for error messages.
func TransformNames() []string {
	out := make([]string, 0, len(transforms))
	for n := range transforms {
		out = append(out, n)
	}
	return out
}
