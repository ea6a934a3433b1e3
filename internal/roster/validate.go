package roster

import (
	"fmt"
	"strings"
)

// Validate checks that raw carries the fields required to form an identity.
//
// Only key components plus the student name are required; everything else
// degrades to a best-effort normalized value with a warning (unknown grade,
// unrecognized gender). The run's record-error policy decides whether a
// failing record aborts the run or is skipped with a warning.
func Validate(raw RawStudent) error {
	if strings.TrimSpace(raw.SchoolName) == "" {
		return fmt.Errorf("missing school_name")
	}
	if strings.TrimSpace(raw.StudentID) == "" {
		return fmt.Errorf("missing student_id")
	}
	if strings.TrimSpace(raw.StudentName) == "" {
		return fmt.Errorf("missing student_name")
	}
	return nil
}

// FromObject coerces one decoded JSON object into a RawStudent.
//
// The upstream API is loose about types (student_id arrives as a number for
// some schools), so every field goes through Stringify.
func FromObject(obj map[string]any) RawStudent {
	return RawStudent{
		SchoolName:   Stringify(obj["school_name"]),
		Status:       Stringify(obj["status"]),
		GradeName:    Stringify(obj["grade_name"]),
		StudentName:  Stringify(obj["student_name"]),
		StudentID:    Stringify(obj["student_id"]),
		Gender:       Stringify(obj["gender"]),
		DivisionName: Stringify(obj["division_name"]),
		AcademicYear: Stringify(obj["academic_year"]),
	}
}

// Stringify converts a decoded JSON scalar to its canonical string form.
// Backends must not assume a particular underlying type for source values;
// this helper keeps coercion consistent across the pipeline.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case fmt.Stringer:
		return strings.TrimSpace(t.String())
	case float64:
		// encoding/json default for numbers when UseNumber is off.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
