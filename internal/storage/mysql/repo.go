// Package mysql implements storage.Repository on go-sql-driver/mysql.
//
// This is the backend the production deployment runs; the schema matches the
// long-lived tables already in place there (AUTO_INCREMENT ids, ENUM change
// type, UNIQUE unique_key).
//
// Timestamps are written as "2006-01-02 15:04:05" DATETIME strings and parsed
// back the same way, so the backend works whether or not the DSN carries
// parseTime=true.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"studentsync/internal/roster"
	"studentsync/internal/storage"
)

type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("mysql", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(3 * time.Minute)
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

const createStudentsSQL = `CREATE TABLE IF NOT EXISTS ` + storage.StudentsTable + ` (
  id INT AUTO_INCREMENT PRIMARY KEY,
  school_name VARCHAR(255) NOT NULL,
  status VARCHAR(50),
  grade_name VARCHAR(50),
  student_name VARCHAR(500) NOT NULL,
  student_id VARCHAR(50) NOT NULL,
  gender CHAR(1),
  division_name VARCHAR(10),
  academic_year VARCHAR(10) NOT NULL,
  unique_key VARCHAR(255) NOT NULL UNIQUE,
  timestamp DATETIME NOT NULL
)`

const createHistorySQL = `CREATE TABLE IF NOT EXISTS ` + storage.HistoryTable + ` (
  history_id INT AUTO_INCREMENT PRIMARY KEY,
  unique_key VARCHAR(255) NOT NULL,
  change_type ENUM('INSERT', 'UPDATE', 'INACTIVATE') NOT NULL,
  field_changed VARCHAR(255),
  old_value TEXT,
  new_value TEXT,
  change_timestamp DATETIME NOT NULL,
  INDEX (unique_key),
  INDEX (change_timestamp)
)`

func (r *Repo) EnsureSchema(ctx context.Context) error {
	for _, q := range []string{createStudentsSQL, createHistorySQL} {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("mysql: ensure schema: %w", err)
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
		var ts sql.RawBytes
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
		if s.Timestamp, err = parseMySQLTime(string(ts)); err != nil {
			return nil, fmt.Errorf("mysql: %s.timestamp=%q: %w", storage.StudentsTable, ts, err)
		}
		out[s.UniqueKey] = s
	}
	return out, rows.Err()
}

func (r *Repo) InsertStudent(ctx context.Context, s roster.Student) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO `+storage.StudentsTable+` (`+studentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.SchoolName, s.Status, s.GradeName, s.StudentName, s.StudentID,
		s.Gender, s.DivisionName, s.AcademicYear, s.UniqueKey, formatMySQLTime(s.Timestamp),
	)
	if isDuplicateEntry(err) {
		return fmt.Errorf("mysql: unique_key=%s: %w", s.UniqueKey, storage.ErrDuplicateKey)
	}
	return err
}

func (r *Repo) UpdateStudent(ctx context.Context, uniqueKey string, fields map[string]string, ts time.Time) error {
	if err := storage.ValidateUpdateFields(fields); err != nil {
		return err
	}

	names := make([]string, 0, len(fields))
	for f := range fields {
		names = append(names, f)
	}
	sort.Strings(names)

	setParts := make([]string, 0, len(names)+1)
	args := make([]any, 0, len(names)+2)
	for _, f := range names {
		setParts = append(setParts, "`"+f+"` = ?")
		args = append(args, fields[f])
	}
	setParts = append(setParts, "`timestamp` = ?")
	args = append(args, formatMySQLTime(ts), uniqueKey)

	res, err := r.db.ExecContext(ctx,
		`UPDATE `+storage.StudentsTable+` SET `+strings.Join(setParts, ", ")+` WHERE unique_key = ?`,
		args...,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// RowsAffected is 0 both for a missing row and for a same-value
		// update; the engine only updates changed fields, so treat as missing.
		return fmt.Errorf("mysql: no row for unique_key=%s", uniqueKey)
	}
	return nil
}

func (r *Repo) MarkInactive(ctx context.Context, uniqueKey string, ts time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE `+storage.StudentsTable+` SET status = ?, timestamp = ? WHERE unique_key = ? AND status != ?`,
		storage.InactiveStatus, formatMySQLTime(ts), uniqueKey, storage.InactiveStatus,
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
		e.UniqueKey, string(e.ChangeType), e.FieldChanged, e.OldValue, e.NewValue, formatMySQLTime(e.ChangedAt),
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
	if isDuplicateEntry(err) {
		return fmt.Errorf("mysql: unique_key=%s: %w", newKey, storage.ErrDuplicateKey)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mysql: no row for unique_key=%s", oldKey)
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

// isDuplicateEntry reports MySQL error 1062 (ER_DUP_ENTRY).
func isDuplicateEntry(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}

func formatMySQLTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}

func parseMySQLTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339Nano, time.RFC3339} {
		if layout == "2006-01-02 15:04:05" {
			if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return ts, nil
			}
			continue
		}
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}
