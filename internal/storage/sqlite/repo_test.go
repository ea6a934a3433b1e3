package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"studentsync/internal/roster"
	"studentsync/internal/storage"
)

func newTestRepo(t *testing.T) storage.Repository {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "roster.db")
	repo, err := New(context.Background(), storage.Config{Kind: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(repo.Close)

	if err := repo.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	// Idempotent: running DDL twice must not fail.
	if err := repo.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema (second): %v", err)
	}
	return repo
}

func testStudent(ts time.Time) roster.Student {
	return roster.Student{
		SchoolName:   "OAK",
		Status:       "Active",
		GradeName:    "GRADE 1",
		StudentName:  "Priya Sharma",
		StudentID:    "42",
		Gender:       "F",
		DivisionName: "A",
		AcademicYear: "2026-2027",
		UniqueKey:    "OAK_42_2026-2027_GRADE 1",
		Timestamp:    ts,
	}
}

func TestRepo_InsertSelectRoundTrip(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t)
	ctx := context.Background()

	ts := time.Date(2026, 8, 25, 7, 30, 0, 0, time.UTC)
	s := testStudent(ts)

	if err := repo.InsertStudent(ctx, s); err != nil {
		t.Fatalf("InsertStudent: %v", err)
	}

	got, err := repo.SelectCurrent(ctx, "2026-2027")
	if err != nil {
		t.Fatalf("SelectCurrent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("want 1 row, got %d", len(got))
	}
	row := got[s.UniqueKey]
	if row != s {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", row, s)
	}

	// Year filter excludes the row.
	other, err := repo.SelectCurrent(ctx, "2025-2026")
	if err != nil {
		t.Fatalf("SelectCurrent(other year): %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("want 0 rows for other year, got %d", len(other))
	}

	n, err := repo.CountStudents(ctx)
	if err != nil || n != 1 {
		t.Fatalf("CountStudents = (%d, %v), want (1, nil)", n, err)
	}
}

func TestRepo_DuplicateInsertIsErrDuplicateKey(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t)
	ctx := context.Background()

	s := testStudent(time.Now().UTC())
	if err := repo.InsertStudent(ctx, s); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := repo.InsertStudent(ctx, s)
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Fatalf("second insert: got %v, want ErrDuplicateKey", err)
	}
}

func TestRepo_UpdateStudentTouchesNamedFieldsOnly(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t)
	ctx := context.Background()

	ts := time.Date(2026, 8, 25, 7, 30, 0, 0, time.UTC)
	s := testStudent(ts)
	if err := repo.InsertStudent(ctx, s); err != nil {
		t.Fatalf("InsertStudent: %v", err)
	}

	ts2 := ts.Add(24 * time.Hour)
	err := repo.UpdateStudent(ctx, s.UniqueKey, map[string]string{roster.FieldDivision: "B"}, ts2)
	if err != nil {
		t.Fatalf("UpdateStudent: %v", err)
	}

	got, err := repo.SelectCurrent(ctx, "")
	if err != nil {
		t.Fatalf("SelectCurrent: %v", err)
	}
	row := got[s.UniqueKey]
	if row.DivisionName != "B" {
		t.Fatalf("division = %q, want B", row.DivisionName)
	}
	if row.StudentName != s.StudentName || row.GradeName != s.GradeName || row.Status != s.Status {
		t.Fatalf("untouched fields changed: %+v", row)
	}
	if !row.Timestamp.Equal(ts2) {
		t.Fatalf("timestamp = %s, want %s", row.Timestamp, ts2)
	}

	if err := repo.UpdateStudent(ctx, "NO_SUCH_KEY", map[string]string{roster.FieldStatus: "x"}, ts2); err == nil {
		t.Fatalf("expected error for missing key")
	}
	if err := repo.UpdateStudent(ctx, s.UniqueKey, map[string]string{"unique_key": "evil"}, ts2); err == nil {
		t.Fatalf("expected error for non-tracked field")
	}
}

func TestRepo_MarkInactive(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t)
	ctx := context.Background()

	s := testStudent(time.Now().UTC())
	if err := repo.InsertStudent(ctx, s); err != nil {
		t.Fatalf("InsertStudent: %v", err)
	}

	changed, err := repo.MarkInactive(ctx, s.UniqueKey, time.Now().UTC())
	if err != nil || !changed {
		t.Fatalf("MarkInactive = (%v, %v), want (true, nil)", changed, err)
	}
	// Second call is a no-op.
	changed, err = repo.MarkInactive(ctx, s.UniqueKey, time.Now().UTC())
	if err != nil || changed {
		t.Fatalf("second MarkInactive = (%v, %v), want (false, nil)", changed, err)
	}

	got, _ := repo.SelectCurrent(ctx, "")
	if got[s.UniqueKey].Status != storage.InactiveStatus {
		t.Fatalf("status = %q", got[s.UniqueKey].Status)
	}
}

func TestRepo_AppendHistory(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t).(*Repo)
	ctx := context.Background()

	e := roster.HistoryEntry{
		UniqueKey:    "OAK_42_2026-2027_GRADE 1",
		ChangeType:   roster.ChangeUpdate,
		FieldChanged: roster.FieldDivision,
		OldValue:     "A",
		NewValue:     "B",
		ChangedAt:    time.Date(2026, 8, 25, 7, 30, 0, 0, time.UTC),
	}
	if err := repo.AppendHistory(ctx, e); err != nil {
		t.Fatalf("AppendHistory: %v", err)
	}

	var n int64
	if err := repo.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+storage.HistoryTable+` WHERE unique_key = ? AND change_type = ?`,
		e.UniqueKey, string(e.ChangeType),
	).Scan(&n); err != nil {
		t.Fatalf("count history: %v", err)
	}
	if n != 1 {
		t.Fatalf("want 1 history row, got %d", n)
	}
}

func TestRepo_RekeyAndDelete(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t)
	ctx := context.Background()

	s := testStudent(time.Now().UTC())
	if err := repo.InsertStudent(ctx, s); err != nil {
		t.Fatalf("InsertStudent: %v", err)
	}

	newKey := "OAK_42_2026-2027"
	if err := repo.RekeyStudent(ctx, s.UniqueKey, newKey); err != nil {
		t.Fatalf("RekeyStudent: %v", err)
	}

	got, _ := repo.SelectCurrent(ctx, "")
	if _, ok := got[newKey]; !ok {
		t.Fatalf("rekeyed row missing: %v", got)
	}

	existed, err := repo.DeleteStudent(ctx, newKey)
	if err != nil || !existed {
		t.Fatalf("DeleteStudent = (%v, %v), want (true, nil)", existed, err)
	}
	existed, err = repo.DeleteStudent(ctx, newKey)
	if err != nil || existed {
		t.Fatalf("second DeleteStudent = (%v, %v), want (false, nil)", existed, err)
	}
}

func TestRepo_DuplicateKeysEmptyUnderConstraint(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.InsertStudent(ctx, testStudent(time.Now().UTC())); err != nil {
		t.Fatalf("InsertStudent: %v", err)
	}
	dups, err := repo.DuplicateKeys(ctx)
	if err != nil {
		t.Fatalf("DuplicateKeys: %v", err)
	}
	if len(dups) != 0 {
		t.Fatalf("want no duplicates, got %v", dups)
	}
}
