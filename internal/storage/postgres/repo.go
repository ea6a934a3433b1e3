// Package postgres implements storage.Repository on jackc/pgx.
//
// Timestamps use TIMESTAMPTZ and go through pgx's native time.Time mapping;
// no string round-tripping is needed here, unlike the SQLite backend.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"studentsync/internal/roster"
	"studentsync/internal/storage"
)

type Repo struct {
	pool *pgxpool.Pool
}

func init() {
	storage.Register("postgres", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Repo{pool: pool}, nil
}

func (r *Repo) Close() { r.pool.Close() }

const createStudentsSQL = `CREATE TABLE IF NOT EXISTS ` + storage.StudentsTable + ` (
  id BIGSERIAL PRIMARY KEY,
  school_name TEXT NOT NULL,
  status TEXT,
  grade_name TEXT,
  student_name TEXT NOT NULL,
  student_id TEXT NOT NULL,
  gender CHAR(1),
  division_name TEXT,
  academic_year TEXT NOT NULL,
  unique_key TEXT NOT NULL UNIQUE,
  timestamp TIMESTAMPTZ NOT NULL
);`

const createHistorySQL = `CREATE TABLE IF NOT EXISTS ` + storage.HistoryTable + ` (
  history_id BIGSERIAL PRIMARY KEY,
  unique_key TEXT NOT NULL,
  change_type TEXT NOT NULL,
  field_changed TEXT,
  old_value TEXT,
  new_value TEXT,
  change_timestamp TIMESTAMPTZ NOT NULL
);`

const createHistoryKeyIdxSQL = `CREATE INDEX IF NOT EXISTS idx_history_unique_key ON ` +
	storage.HistoryTable + ` (unique_key);`

func (r *Repo) EnsureSchema(ctx context.Context) error {
	for _, q := range []string{createStudentsSQL, createHistorySQL, createHistoryKeyIdxSQL} {
		if _, err := r.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("postgres: ensure schema: %w", err)
		}
	}
	return nil
}

const studentColumns = `school_name, status, grade_name, student_name, student_id, gender, division_name, academic_year, unique_key, timestamp`

func (r *Repo) SelectCurrent(ctx context.Context, academicYear string) (map[string]roster.Student, error) {
	q := `SELECT ` + studentColumns + ` FROM ` + storage.StudentsTable
	var args []any
	if academicYear != "" {
		q += ` WHERE academic_year = $1`
		args = append(args, academicYear)
	}

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]roster.Student{}
	for rows.Next() {
		var s roster.Student
		var status, grade, gender, division *string
		if err := rows.Scan(
			&s.SchoolName, &status, &grade, &s.StudentName, &s.StudentID,
			&gender, &division, &s.AcademicYear, &s.UniqueKey, &s.Timestamp,
		); err != nil {
			return nil, err
		}
		s.Status = deref(status)
		// CHAR(1) pads with spaces when the sentinel ever widens; trim to be safe.
		s.Gender = strings.TrimSpace(deref(gender))
		s.GradeName = deref(grade)
		s.DivisionName = deref(division)
		out[s.UniqueKey] = s
	}
	return out, rows.Err()
}

func (r *Repo) InsertStudent(ctx context.Context, s roster.Student) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO `+storage.StudentsTable+` (`+studentColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.SchoolName, s.Status, s.GradeName, s.StudentName, s.StudentID,
		s.Gender, s.DivisionName, s.AcademicYear, s.UniqueKey, s.Timestamp.UTC(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("postgres: unique_key=%s: %w", s.UniqueKey, storage.ErrDuplicateKey)
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
		setParts = append(setParts, fmt.Sprintf("%s = $%d", pgIdent(f), i+1))
		args = append(args, fields[f])
	}
	setParts = append(setParts, fmt.Sprintf(`"timestamp" = $%d`, len(names)+1))
	args = append(args, ts.UTC(), uniqueKey)

	tag, err := r.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET %s WHERE unique_key = $%d`,
			storage.StudentsTable, strings.Join(setParts, ", "), len(names)+2),
		args...,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: no row for unique_key=%s", uniqueKey)
	}
	return nil
}

func (r *Repo) MarkInactive(ctx context.Context, uniqueKey string, ts time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE `+storage.StudentsTable+` SET status = $1, "timestamp" = $2 WHERE unique_key = $3 AND status != $1`,
		storage.InactiveStatus, ts.UTC(), uniqueKey,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repo) AppendHistory(ctx context.Context, e roster.HistoryEntry) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO `+storage.HistoryTable+
			` (unique_key, change_type, field_changed, old_value, new_value, change_timestamp) VALUES ($1, $2, $3, $4, $5, $6)`,
		e.UniqueKey, string(e.ChangeType), e.FieldChanged, e.OldValue, e.NewValue, e.ChangedAt.UTC(),
	)
	return err
}

func (r *Repo) CountStudents(ctx context.Context) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+storage.StudentsTable).Scan(&n)
	return n, err
}

func (r *Repo) DuplicateKeys(ctx context.Context) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx,
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
	tag, err := r.pool.Exec(ctx,
		`UPDATE `+storage.StudentsTable+` SET unique_key = $1 WHERE unique_key = $2`,
		newKey, oldKey,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("postgres: unique_key=%s: %w", newKey, storage.ErrDuplicateKey)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: no row for unique_key=%s", oldKey)
	}
	return nil
}

func (r *Repo) DeleteStudent(ctx context.Context, uniqueKey string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM `+storage.StudentsTable+` WHERE unique_key = $1`, uniqueKey,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// isUniqueViolation reports SQLSTATE 23505.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
