package roster

import (
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// GenderUnknown is stored when the source gender code is not recognized.
const GenderUnknown = "U"

// gradeAliases maps direct source grade labels to their canonical form.
// Roman numerals cover grades I..X; the two kindergarten labels only vary in
// casing.
var gradeAliases = map[string]string{
	"JR.KG": "JR.KG",
	"SR.KG": "SR.KG",
	"I":     "1",
	"II":    "2",
	"III":   "3",
	"IV":    "4",
	"V":     "5",
	"VI":    "6",
	"VII":   "7",
	"VIII":  "8",
	"IX":    "9",
	"X":     "10",
}

// Anomaly flags a field that could not be fully normalized. The record is
// still processed with best-effort values; callers log one warning per
// anomaly.
type Anomaly struct {
	Field string
	Value string
}

// CollapseSpaces trims v and folds internal whitespace runs to single spaces.
func CollapseSpaces(v string) string {
	return strings.Join(strings.Fields(v), " ")
}

// NormalizeSchoolName collapses whitespace and upper-cases the school name.
// This runs before key derivation so "oak" and " OAK " yield the same key.
func NormalizeSchoolName(v string) string {
	return strings.ToUpper(CollapseSpaces(v))
}

// CleanStudentName collapses whitespace and title-cases the student name.
//
// A Caser carries transformer state, so a fresh one is built per call instead
// of sharing a package-level instance across goroutines.
func CleanStudentName(v string) string {
	return cases.Title(language.English).String(strings.ToLower(CollapseSpaces(v)))
}

// ConvertGradeName maps a raw grade label to its canonical form.
//
// Recognized shapes (case-insensitive):
//   - direct aliases: Jr.KG, Sr.KG, Roman numerals I..X
//   - "GRADE <roman>" and "GRADE <digits>"
//   - bare digits
//
// Unrecognized labels pass through trimmed and upper-cased with ok=false so
// the caller can log a warning; they are never dropped.
func ConvertGradeName(v string) (grade string, ok bool) {
	s := strings.ToUpper(CollapseSpaces(v))
	if s == "" {
		return "", false
	}

	if rest, found := strings.CutPrefix(s, "GRADE "); found {
		if n, known := gradeAliases[rest]; known {
			return "GRADE " + n, true
		}
		if isDigits(rest) {
			return "GRADE " + rest, true
		}
		return s, false
	}

	if mapped, known := gradeAliases[s]; known {
		return mapped, true
	}
	if isDigits(s) {
		return s, true
	}
	return s, false
}

// CleanGender maps a source gender code to a single canonical character.
// Unrecognized input yields GenderUnknown with ok=false.
func CleanGender(v string) (gender string, ok bool) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "MALE", "M":
		return "M", true
	case "FEMALE", "F":
		return "F", true
	default:
		return GenderUnknown, false
	}
}

// ExtractDivision returns the first alphabetic run of v, upper-cased.
// Source divisions arrive as "A", "B-2", "c / morning" and similar; only the
// letter block identifies the division.
func ExtractDivision(v string) string {
	s := strings.TrimSpace(v)
	start := -1
	for i, r := range s {
		if unicode.IsLetter(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			return strings.ToUpper(s[start:i])
		}
	}
	if start >= 0 {
		return strings.ToUpper(s[start:])
	}
	return strings.ToUpper(s)
}

// Normalize applies every cleaning rule to raw and returns the canonical
// Student plus any per-field anomalies.
//
// The academic year is taken from the record when the source provides one,
// otherwise defaultYear (derived from the clock by the caller) is used.
// Normalization must happen before key derivation and before comparison so
// cosmetic source differences never register as changes.
func Normalize(raw RawStudent, defaultYear string, now time.Time) (Student, []Anomaly) {
	var anomalies []Anomaly

	grade, gradeOK := ConvertGradeName(raw.GradeName)
	if !gradeOK && grade != "" {
		anomalies = append(anomalies, Anomaly{Field: FieldGradeName, Value: raw.GradeName})
	}

	gender, genderOK := CleanGender(raw.Gender)
	if !genderOK {
		anomalies = append(anomalies, Anomaly{Field: FieldGender, Value: raw.Gender})
	}

	year := strings.TrimSpace(raw.AcademicYear)
	if year == "" {
		year = defaultYear
	}

	s := Student{
		SchoolName:   NormalizeSchoolName(raw.SchoolName),
		Status:       CollapseSpaces(raw.Status),
		GradeName:    grade,
		StudentName:  CleanStudentName(raw.StudentName),
		StudentID:    strings.ToUpper(strings.TrimSpace(raw.StudentID)),
		Gender:       gender,
		DivisionName: ExtractDivision(raw.DivisionName),
		AcademicYear: year,
		Timestamp:    now,
	}
	s.UniqueKey = UniqueKey(s.SchoolName, s.StudentID, s.AcademicYear, s.GradeName)

	return s, anomalies
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
