// Package sqlite implements storage.Repository on modernc.org/sqlite.
//
// Key design points vs the server backends:
//   - SQLite has no native timestamp type; the driver stores whatever you
//     hand it with TEXT affinity. Timestamps are therefore written as
//     RFC3339Nano strings and parsed back manually, which round-trips
//     reliably and stays debuggable.
//   - Idempotent DDL uses CREATE TABLE IF NOT EXISTS, mirroring the server
//     backends.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"studentsync/internal/roster"
	"studentsync/internal/storage"
)

type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

const createStudentsSQL = `CREATE TABLE IF NOT EXISTS ` + storage.StudentsTable + ` (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  school_name TEXT NOT NULL,
  status TEXT,
  grade_name TEXT,
  student_name TEXT NOT NULL,
  student_id TEXT NOT NULL,
  gender TEXT,
  division_name TEXT,
  academic_year TEXT NOT NULL,
  unique_key TEXT NOT NULL UNIQUE,
  timestamp TEXT NOT NULL
);`

const createHistorySQL = `CREATE TABLE IF NOT EXISTS ` + storage.HistoryTable + ` (
  history_id INTEGER PRIMARY KEY AUTOINCREMENT,
  unique_key TEXT NOT NULL,
  change_type TEXT NOT NULL,
  field_changed TEXT,
  old_value TEXT,
  new_value TEXT,
  change_timestamp TEXT NOT NULL
);`

const createHistoryKeyIdxSQL = `CREATE INDEX IF NOT EXISTS idx_history_unique_key ON ` +
	storage.HistoryTable + ` (unique_key);`

func (r *Repo) EnsureSchema(ctx context.Context) error {
	for _, q := range []string{createStudentsSQL, createHistorySQL, createHistoryKeyIdxSQL} {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("sqlite: ensure schema: %w", err)
		}
	}
	return nil
}

const studentColumns = `school_name, status, grade_name, student_name, student_id, gender, division_name, academic_year, unique_key, timestamp`

func (r *Repo) SelectCurrent(ctx context.Context, academicYear string) (map[string]roster.Student, error) {
	q := `SELECT ` + studentColumns + ` FROM ` + storage.StudentsTable
	var args []any
	if academicYear != "" {
		q += ` WHERE academic_year = ?`
		args = append(args, academicYear)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]roster.Student{}
	for rows.Next() {
		var s roster.Student
		var status, grade, gender, division sql.NullString
		var ts string
		if err := rows.Scan(
			&s.SchoolName, &status, &grade, &s.StudentName, &s.StudentID,
			&gender, &division, &s.AcademicYear, &s.UniqueKey, &ts,
		); err != nil {
			return nil, err
		}
		s.Status = status.String
		s.GradeName = grade.String
		s.Gender = gender.String
		s.DivisionName = division.String
		if s.Timestamp, err = parseSQLiteTime(ts); err != nil {
			return nil, fmt.Errorf("sqlite: %s.timestamp=%q: %w", storage.StudentsTable, ts, err)
		}
		out[s.UniqueKey] = s
	}
	return out, rows.Err()
}

func (r *Repo) InsertStudent(ctx context.Context, s roster.Student) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO `+storage.StudentsTable+` (`+studentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.SchoolName, s.Status, s.GradeName, s.StudentName, s.StudentID,
		s.Gender, s.DivisionName, s.AcademicYear, s.UniqueKey, formatSQLiteTime(s.Timestamp),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("sqlite: unique_key=%s: %w", s.UniqueKey, storage.ErrDuplicateKey)
	}
	return err
}

// isUniqueViolation matches on message text; modernc.org/sqlite does not
// export a stable error code type for constraint failures.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (r *Repo) UpdateStudent(ctx context.Context, uniqueKey string, fields map[string]string, ts time.Time) error {
	if err := storage.ValidateUpdateFields(fields); err != nil {
		return err
	}

	names := sortedFieldNames(fields)
	setParts := make([]string, 0, len(names)+1)
	args := make([]any, 0, len(names)+2)
	for _, f := range names {
		setParts = append(setParts, sqlIdent(f)+" = ?")
		args = append(args, fields[f])
	}
	setParts = append(setParts, `timestamp = ?`)
	args = append(args, formatSQLiteTime(ts), uniqueKey)

	res, err := r.db.ExecContext(ctx,
		`UPDATE `+storage.StudentsTable+` SET `+strings.Join(setParts, ", ")+` WHERE unique_key = ?`,
		args...,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: no row for unique_key=%s", uniqueKey)
	}
	return nil
}

func (r *Repo) MarkInactive(ctx context.Context, uniqueKey string, ts time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE `+storage.StudentsTable+` SET status = ?, timestamp = ? WHERE unique_key = ? AND status != ?`,
		storage.InactiveStatus, formatSQLiteTime(ts), uniqueKey, storage.InactiveStatus,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *Repo) AppendHistory(ctx context.Context, e roster.HistoryEntry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO `+storage.HistoryTable+
			` (unique_key, change_type, field_changed, old_value, new_value, change_timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		e.UniqueKey, string(e.ChangeType), e.FieldChanged, e.OldValue, e.NewValue, formatSQLiteTime(e.ChangedAt),
	)
	return err
}

func (r *Repo) CountStudents(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+storage.StudentsTable).Scan(&n)
	return n, err
}

func (r *Repo) DuplicateKeys(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT unique_key, COUNT(*) FROM `+storage.StudentsTable+` GROUP BY unique_key HAVING COUNT(*) > 1`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var k string
		var n int64
		if err := rows.Scan(&k, &n); err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, rows.Err()
}

func (r *Repo) RekeyStudent(ctx context.Context, oldKey, newKey string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE `+storage.StudentsTable+` SET unique_key = ? WHERE unique_key = ?`,
		newKey, oldKey,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("sqlite: unique_key=%s: %w", newKey, storage.ErrDuplicateKey)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: no row for unique_key=%s", oldKey)
	}
	return nil
}

func (r *Repo) DeleteStudent(ctx context.Context, uniqueKey string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM `+storage.StudentsTable+` WHERE unique_key = ?`, uniqueKey,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func sortedFieldNames(fields map[string]string) []string {
	names := make([]string, 0, len(fields))
	for f := range fields {
		names = append(names, f)
	}
	sort.Strings(names)
	return names
}

// formatSQLiteTime formats a time as RFC3339Nano in UTC.
// Timestamps are stored as TEXT for reliable scanning with modernc.org/sqlite.
func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseSQLiteTime parses timestamps returned by SQLite into time.Time.
//
// Supported formats:
//   - RFC3339Nano (what we write)
//   - RFC3339
//   - Common "SQLite-like" formats used by other tools/libs:
//     "2006-01-02 15:04:05Z07:00"
//     "2006-01-02 15:04:05" (interpreted as UTC)
func parseSQLiteTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}

	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if layout == "2006-01-02 15:04:05" {
			if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return ts.UTC(), nil
			}
			continue
		}
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}
