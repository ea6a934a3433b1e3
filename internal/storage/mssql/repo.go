// Package mssql implements storage.Repository on Microsoft SQL Server.
//
// Differences from the other backends:
//   - Placeholders are @p1..@pN.
//   - "CREATE TABLE IF NOT EXISTS" does not exist; DDL is guarded with
//     OBJECT_ID checks instead.
//   - Unique-key violations surface as error numbers 2627/2601.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	mssql "github.com/microsoft/go-mssqldb"

	"studentsync/internal/roster"
	"studentsync/internal/storage"
)

type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("mssql", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
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

const createStudentsSQL = `IF OBJECT_ID(N'` + storage.StudentsTable + `', N'U') IS NULL
CREATE TABLE ` + storage.StudentsTable + ` (
  id INT IDENTITY(1,1) PRIMARY KEY,
  school_name NVARCHAR(255) NOT NULL,
  status NVARCHAR(50),
  grade_name NVARCHAR(50),
  student_name NVARCHAR(500) NOT NULL,
  student_id NVARCHAR(50) NOT NULL,
  gender NCHAR(1),
  division_name NVARCHAR(10),
  academic_year NVARCHAR(10) NOT NULL,
  unique_key NVARCHAR(255) NOT NULL UNIQUE,
  [timestamp] DATETIME2 NOT NULL
);`

const createHistorySQL = `IF OBJECT_ID(N'` + storage.HistoryTable + `', N'U') IS NULL
CREATE TABLE ` + storage.HistoryTable + ` (
  history_id INT IDENTITY(1,1) PRIMARY KEY,
  unique_key NVARCHAR(255) NOT NULL,
  change_type NVARCHAR(20) NOT NULL,
  field_changed NVARCHAR(255),
  old_value NVARCHAR(MAX),
  new_value NVARCHAR(MAX),
  change_timestamp DATETIME2 NOT NULL,
  INDEX idx_history_unique_key (unique_key)
);`

func (r *Repo) EnsureSchema(ctx context.Context) error {
	for _, q := range []string{createStudentsSQL, createHistorySQL} {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("mssql: ensure schema: %w", err)
		}
	}
	return nil
}

const studentColumns = `school_name, status, grade_name, student_name, student_id, gender, division_name, academic_year, unique_key, [timestamp]`

func (r *Repo) SelectCurrent(ctx context.Context, academicYear string) (map[string]roster.Student, error) {
	q := `SELECT ` + studentColumns + ` FROM ` + storage.StudentsTable
	var args []any
	if academicYear != "" {
		q += ` WHERE academic_year = @p1`
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
		if err := rows.Scan(
			&s.SchoolName, &status, &grade, &s.StudentName, &s.StudentID,
			&gender, &division, &s.AcademicYear, &s.UniqueKey, &s.Timestamp,
		); err != nil {
			return nil, err
		}
		s.Status = status.String
		s.GradeName = grade.String
		// NCHAR(1) pads with spaces; trim for stable comparison.
		s.Gender = strings.TrimSpace(gender.String)
		s.DivisionName = division.String
		s.Timestamp = s.Timestamp.UTC()
		out[s.UniqueKey] = s
	}
	return out, rows.Err()
}

func (r *Repo) InsertStudent(ctx context.Context, s roster.Student) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO `+storage.StudentsTable+` (`+studentColumns+
			`) VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7, @p8, @p9, @p10)`,
		s.SchoolName, s.Status, s.GradeName, s.StudentName, s.StudentID,
		s.Gender, s.DivisionName, s.AcademicYear, s.UniqueKey, s.Timestamp.UTC(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("mssql: unique_key=%s: %w", s.UniqueKey, storage.ErrDuplicateKey)
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
	for i, f := range names {
		setParts = append(setParts, fmt.Sprintf("[%s] = @p%d", f, i+1))
		args = append(args, fields[f])
	}
	setParts = append(setParts, fmt.Sprintf("[timestamp] = @p%d", len(names)+1))
	args = append(args, ts.UTC(), uniqueKey)

	res, err := r.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET %s WHERE unique_key = @p%d`,
			storage.StudentsTable, strings.Join(setParts, ", "), len(names)+2),
		args...,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mssql: no row for unique_key=%s", uniqueKey)
	}
	return nil
}

func (r *Repo) MarkInactive(ctx context.Context, uniqueKey string, ts time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE `+storage.StudentsTable+
			` SET status = @p1, [timestamp] = @p2 WHERE unique_key = @p3 AND status != @p1`,
		storage.InactiveStatus, ts.UTC(), uniqueKey,
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
			` (unique_key, change_type, field_changed, old_value, new_value, change_timestamp) VALUES (@p1, @p2, @p3, @p4, @p5, @p6)`,
		e.UniqueKey, string(e.ChangeType), e.FieldChanged, e.OldValue, e.NewValue, e.ChangedAt.UTC(),
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
		`UPDATE `+storage.StudentsTable+` SET unique_key = @p1 WHERE unique_key = @p2`,
		newKey, oldKey,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("mssql: unique_key=%s: %w", newKey, storage.ErrDuplicateKey)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mssql: no row for unique_key=%s", oldKey)
	}
	return nil
}

func (r *Repo) DeleteStudent(ctx context.Context, uniqueKey string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM `+storage.StudentsTable+` WHERE unique_key = @p1`, uniqueKey,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// isUniqueViolation reports SQL Server errors 2627 (unique constraint) and
// 2601 (unique index).
func isUniqueViolation(err error) bool {
	var se mssql.Error
	if errors.As(err, &se) {
		return se.Number == 2627 || se.Number == 2601
	}
	return false
}
