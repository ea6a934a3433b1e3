// Package roster defines the student roster domain types and the
// normalization rules applied to raw API records before reconciliation.
package roster

import "time"

// RawStudent is one record as fetched from the upstream API, with every field
// coerced to a string but otherwise untouched.
type RawStudent struct {
	SchoolName   string
	Status       string
	GradeName    string
	StudentName  string
	StudentID    string
	Gender       string
	DivisionName string
	AcademicYear string
}

// Student is a fully normalized roster row as stored in active_student_data.
//
// UniqueKey is the deterministic identity of the row; see UniqueKey().
// Timestamp is the last time the row was inserted or any tracked field was
// updated. Unchanged syncs never bump it.
type Student struct {
	SchoolName   string
	Status       string
	GradeName    string
	StudentName  string
	StudentID    string
	Gender       string
	DivisionName string
	AcademicYear string
	UniqueKey    string
	Timestamp    time.Time
}

// Tracked field column names, in the order they are compared and reported.
// School name, student id and academic year are key components and therefore
// immutable; everything else may change between syncs.
const (
	FieldStatus      = "status"
	FieldGradeName   = "grade_name"
	FieldStudentName = "student_name"
	FieldGender      = "gender"
	FieldDivision    = "division_name"
)

// TrackedFields is the comparison/update order for mutable columns.
var TrackedFields = []string{
	FieldStatus,
	FieldGradeName,
	FieldStudentName,
	FieldGender,
	FieldDivision,
}

// Tracked returns the mutable columns of s keyed by column name.
func (s Student) Tracked() map[string]string {
	return map[string]string{
		FieldStatus:      s.Status,
		FieldGradeName:   s.GradeName,
		FieldStudentName: s.StudentName,
		FieldGender:      s.Gender,
		FieldDivision:    s.DivisionName,
	}
}

// ChangeType classifies a history entry.
type ChangeType string

const (
	ChangeInsert     ChangeType = "INSERT"
	ChangeUpdate     ChangeType = "UPDATE"
	ChangeInactivate ChangeType = "INACTIVATE"
)

// FieldChange records one tracked field differing between the stored row and
// the incoming record.
type FieldChange struct {
	Field string
	Old   string
	New   string
}

// HistoryEntry is one append-only audit row in student_data_history.
type HistoryEntry struct {
	UniqueKey    string
	ChangeType   ChangeType
	FieldChanged string
	OldValue     string
	NewValue     string
	ChangedAt    time.Time
}
