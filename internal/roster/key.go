package roster

import "strings"

// keySeparator joins unique key components. Component values are normalized
// before joining, so the separator never needs escaping in practice.
const keySeparator = "_"

// UniqueKey derives the deterministic identity of a roster row from its
// already-normalized components: school name, student id, academic year and
// grade.
//
// The function is pure: the same inputs always yield the same key, regardless
// of call order. Callers must normalize components first (NormalizeSchoolName,
// ConvertGradeName); Normalize does this for the whole record.
func UniqueKey(schoolName, studentID, academicYear, gradeName string) string {
	return strings.Join([]string{
		NormalizeSchoolName(schoolName),
		strings.ToUpper(strings.TrimSpace(studentID)),
		strings.TrimSpace(academicYear),
		strings.ToUpper(strings.TrimSpace(gradeName)),
	}, keySeparator)
}

// RawKey derives the unique key straight from a raw record, applying the same
// normalization Normalize would. Used by tools that need the key without a
// full normalization pass.
func RawKey(raw RawStudent, defaultYear string) string {
	grade, _ := ConvertGradeName(raw.GradeName)
	year := strings.TrimSpace(raw.AcademicYear)
	if year == "" {
		year = defaultYear
	}
	return UniqueKey(raw.SchoolName, raw.StudentID, year, grade)
}
