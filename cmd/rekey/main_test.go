package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"studentsync/internal/roster"
	"studentsync/internal/storage"
)

type rekeyRepo struct {
	students map[string]roster.Student
}

func newRekeyRepo(rows ...roster.Student) *rekeyRepo {
	r := &rekeyRepo{students: make(map[string]roster.Student)}
	for _, s := range rows {
		r.students[s.UniqueKey] = s
	}
	return r
}

func (r *rekeyRepo) Close() {}

func (r *rekeyRepo) EnsureSchema(ctx context.Context) error { return nil }

func (r *rekeyRepo) SelectCurrent(ctx context.Context, academicYear string) (map[string]roster.Student, error) {
	out := make(map[string]roster.Student, len(r.students))
	for k, s := range r.students {
		out[k] = s
	}
	return out, nil
}

func (r *rekeyRepo) InsertStudent(ctx context.Context, s roster.Student) error { return nil }

func (r *rekeyRepo) UpdateStudent(ctx context.Context, uniqueKey string, fields map[string]string, ts time.Time) error {
	return nil
}

func (r *rekeyRepo) MarkInactive(ctx context.Context, uniqueKey string, ts time.Time) (bool, error) {
	return false, nil
}

func (r *rekeyRepo) AppendHistory(ctx context.Context, entry roster.HistoryEntry) error { return nil }

func (r *rekeyRepo) CountStudents(ctx context.Context) (int64, error) {
	return int64(len(r.students)), nil
}

func (r *rekeyRepo) DuplicateKeys(ctx context.Context) (map[string]int64, error) { return nil, nil }

func (r *rekeyRepo) RekeyStudent(ctx context.Context, oldKey, newKey string) error {
	if _, ok := r.students[newKey]; ok {
		return storage.ErrDuplicateKey
	}
	s, ok := r.students[oldKey]
	if !ok {
		return nil
	}
	delete(r.students, oldKey)
	s.UniqueKey = newKey
	r.students[newKey] = s
	return nil
}

func (r *rekeyRepo) DeleteStudent(ctx context.Context, uniqueKey string) (bool, error) {
	if _, ok := r.students[uniqueKey]; !ok {
		return false, nil
	}
	delete(r.students, uniqueKey)
	return true, nil
}

func student(key, school, id, year, grade string, ts time.Time) roster.Student {
	return roster.Student{
		UniqueKey:    key,
		SchoolName:   school,
		StudentID:    id,
		AcademicYear: year,
		GradeName:    grade,
		Status:       "Active",
		Timestamp:    ts,
	}
}

var t0 = time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)

func TestRekeyAll_RewritesStaleKeys(t *testing.T) {
	t.Parallel()

	// Stored under a key missing the grade component.
	repo := newRekeyRepo(
		student("OAK_1_2026-2027", "OAK", "1", "2026-2027", "5", t0),
		student("OAK_2_2026-2027_6", "OAK", "2", "2026-2027", "6", t0), // already correct
	)

	var stdout, stderr bytes.Buffer
	rekeyed, deleted, failed := rekeyAll(context.Background(), repo, false, &stdout, &stderr)
	if rekeyed != 1 || deleted != 0 || failed != 0 {
		t.Fatalf("rekeyed=%d deleted=%d failed=%d", rekeyed, deleted, failed)
	}
	if _, ok := repo.students["OAK_1_2026-2027_5"]; !ok {
		t.Fatalf("rewritten key missing; have %v", keysOf(repo))
	}
	if _, ok := repo.students["OAK_1_2026-2027"]; ok {
		t.Fatalf("stale key still present")
	}
	if !strings.Contains(stdout.String(), "OAK_1_2026-2027 -> OAK_1_2026-2027_5") {
		t.Fatalf("stdout: %q", stdout.String())
	}
}

func TestRekeyAll_CollisionKeepsNewestRow(t *testing.T) {
	t.Parallel()

	t.Run("existing_row_newer", func(t *testing.T) {
		t.Parallel()
		repo := newRekeyRepo(
			student("OAK_1_2026-2027", "OAK", "1", "2026-2027", "5", t0),
			student("OAK_1_2026-2027_5", "OAK", "1", "2026-2027", "5", t0.Add(time.Hour)),
		)

		var stdout, stderr bytes.Buffer
		rekeyed, deleted, failed := rekeyAll(context.Background(), repo, false, &stdout, &stderr)
		if rekeyed != 0 || deleted != 1 || failed != 0 {
			t.Fatalf("rekeyed=%d deleted=%d failed=%d", rekeyed, deleted, failed)
		}
		if len(repo.students) != 1 {
			t.Fatalf("rows = %v", keysOf(repo))
		}
		if got := repo.students["OAK_1_2026-2027_5"].Timestamp; !got.Equal(t0.Add(time.Hour)) {
			t.Fatalf("kept the wrong row: ts=%v", got)
		}
	})

	t.Run("stale_row_newer", func(t *testing.T) {
		t.Parallel()
		repo := newRekeyRepo(
			student("OAK_1_2026-2027", "OAK", "1", "2026-2027", "5", t0.Add(time.Hour)),
			student("OAK_1_2026-2027_5", "OAK", "1", "2026-2027", "5", t0),
		)

		var stdout, stderr bytes.Buffer
		rekeyed, deleted, failed := rekeyAll(context.Background(), repo, false, &stdout, &stderr)
		if rekeyed != 1 || deleted != 1 || failed != 0 {
			t.Fatalf("rekeyed=%d deleted=%d failed=%d", rekeyed, deleted, failed)
		}
		if got := repo.students["OAK_1_2026-2027_5"].Timestamp; !got.Equal(t0.Add(time.Hour)) {
			t.Fatalf("newest row lost: ts=%v", got)
		}
	})
}

func TestRekeyAll_DryRunWritesNothing(t *testing.T) {
	t.Parallel()

	repo := newRekeyRepo(
		student("OAK_1_2026-2027", "OAK", "1", "2026-2027", "5", t0),
	)

	var stdout, stderr bytes.Buffer
	rekeyed, _, failed := rekeyAll(context.Background(), repo, true, &stdout, &stderr)
	if rekeyed != 1 || failed != 0 {
		t.Fatalf("rekeyed=%d failed=%d", rekeyed, failed)
	}
	if _, ok := repo.students["OAK_1_2026-2027"]; !ok {
		t.Fatalf("dry run mutated storage: %v", keysOf(repo))
	}
	if len(repo.students) != 1 {
		t.Fatalf("dry run changed row count: %v", keysOf(repo))
	}
}

func keysOf(r *rekeyRepo) []string {
	out := make([]string, 0, len(r.students))
	for k := range r.students {
		out = append(out, k)
	}
	return out
}
