package engine

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"studentsync/internal/config"
	"studentsync/internal/roster"
	"studentsync/internal/runlog"
	"studentsync/internal/storage"
)

// fakeFetcher returns a canned batch or error.
type fakeFetcher struct {
	raws []roster.RawStudent
	err  error
}

func (f *fakeFetcher) Students(ctx context.Context) ([]roster.RawStudent, error) {
	return f.raws, f.err
}

// fakeRepo is an in-memory Repository recording history rows and injected
// failures.
type fakeRepo struct {
	students map[string]roster.Student
	history  []roster.HistoryEntry

	insertErr  map[string]error
	updateErr  map[string]error
	historyErr error
	dups       map[string]int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		students:  make(map[string]roster.Student),
		insertErr: make(map[string]error),
		updateErr: make(map[string]error),
	}
}

func (r *fakeRepo) Close() {}

func (r *fakeRepo) EnsureSchema(ctx context.Context) error { return nil }

func (r *fakeRepo) SelectCurrent(ctx context.Context, academicYear string) (map[string]roster.Student, error) {
	out := make(map[string]roster.Student)
	for k, s := range r.students {
		if academicYear == "" || s.AcademicYear == academicYear {
			out[k] = s
		}
	}
	return out, nil
}

func (r *fakeRepo) InsertStudent(ctx context.Context, s roster.Student) error {
	if err := r.insertErr[s.UniqueKey]; err != nil {
		return err
	}
	if _, ok := r.students[s.UniqueKey]; ok {
		return storage.ErrDuplicateKey
	}
	r.students[s.UniqueKey] = s
	return nil
}

func (r *fakeRepo) UpdateStudent(ctx context.Context, uniqueKey string, fields map[string]string, ts time.Time) error {
	if err := r.updateErr[uniqueKey]; err != nil {
		return err
	}
	s, ok := r.students[uniqueKey]
	if !ok {
		return errors.New("no such row")
	}
	for f, v := range fields {
		switch f {
		case roster.FieldStatus:
			s.Status = v
		case roster.FieldGradeName:
			s.GradeName = v
		case roster.FieldStudentName:
			s.StudentName = v
		case roster.FieldGender:
			s.Gender = v
		case roster.FieldDivision:
			s.DivisionName = v
		}
	}
	s.Timestamp = ts
	r.students[uniqueKey] = s
	return nil
}

func (r *fakeRepo) MarkInactive(ctx context.Context, uniqueKey string, ts time.Time) (bool, error) {
	s, ok := r.students[uniqueKey]
	if !ok || s.Status == storage.InactiveStatus {
		return false, nil
	}
	s.Status = storage.InactiveStatus
	s.Timestamp = ts
	r.students[uniqueKey] = s
	return true, nil
}

func (r *fakeRepo) AppendHistory(ctx context.Context, entry roster.HistoryEntry) error {
	if r.historyErr != nil {
		return r.historyErr
	}
	r.history = append(r.history, entry)
	return nil
}

func (r *fakeRepo) CountStudents(ctx context.Context) (int64, error) {
	return int64(len(r.students)), nil
}

func (r *fakeRepo) DuplicateKeys(ctx context.Context) (map[string]int64, error) {
	return r.dups, nil
}

func (r *fakeRepo) RekeyStudent(ctx context.Context, oldKey, newKey string) error { return nil }
func (r *fakeRepo) DeleteStudent(ctx context.Context, uniqueKey string) (bool, error) {
	if _, ok := r.students[uniqueKey]; !ok {
		return false, nil
	}
	delete(r.students, uniqueKey)
	return true, nil
}

var fixedNow = time.Date(2026, time.August, 25, 10, 0, 0, 0, time.UTC)

func raw(school, id, name, grade, gender, division string) roster.RawStudent {
	return roster.RawStudent{
		SchoolName:   school,
		StudentID:    id,
		StudentName:  name,
		GradeName:    grade,
		Gender:       gender,
		Status:       "Active",
		DivisionName: division,
	}
}

func newEngine(t *testing.T, cfg config.Config, f Fetcher, repo storage.Repository) (*Engine, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	if cfg.Job == "" {
		cfg.Job = "test_sync"
	}
	if cfg.Sync.OnRecordError == "" {
		cfg.Sync.OnRecordError = config.OnRecordErrorAbort
	}
	return New(cfg, f, repo, runlog.Console(&buf), func() time.Time { return fixedNow }), &buf
}

func TestRun_InsertThenIdempotent(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	fetcher := &fakeFetcher{raws: []roster.RawStudent{
		raw("Oak", "1", "priya sharma", "I", "FEMALE", "A"),
		raw("Oak", "2", "rohan mehta", "II", "MALE", "B"),
	}}
	e, _ := newEngine(t, config.Config{History: config.History{Enabled: true}}, fetcher, repo)

	sum, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if sum.Inserted != 2 || sum.Updated != 0 || sum.Unchanged != 0 {
		t.Fatalf("first run: %+v", sum)
	}
	if sum.AcademicYear != "2026-2027" {
		t.Fatalf("year = %q", sum.AcademicYear)
	}
	if sum.TotalStored != 2 {
		t.Fatalf("stored = %d", sum.TotalStored)
	}
	if len(repo.history) != 2 {
		t.Fatalf("history rows = %d, want 2 insert events", len(repo.history))
	}
	for _, h := range repo.history {
		if h.ChangeType != roster.ChangeInsert {
			t.Fatalf("history change type = %q", h.ChangeType)
		}
	}

	// Second run with the same roster must be a no-op.
	sum2, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if sum2.Inserted != 0 || sum2.Updated != 0 || sum2.Unchanged != 2 {
		t.Fatalf("second run not idempotent: %+v", sum2)
	}
	if len(repo.history) != 2 {
		t.Fatalf("idempotent run appended history: %d rows", len(repo.history))
	}
}

func TestRun_UpdateWritesOneHistoryRowPerChangedField(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	fetcher := &fakeFetcher{raws: []roster.RawStudent{
		raw("Oak", "1", "priya sharma", "I", "FEMALE", "A"),
	}}
	e, _ := newEngine(t, config.Config{History: config.History{Enabled: true}}, fetcher, repo)

	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	repo.history = nil

	// Same student, division and grade changed.
	fetcher.raws = []roster.RawStudent{raw("Oak", "1", "priya sharma", "I", "FEMALE", "B")}
	sum, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("update run: %v", err)
	}
	if sum.Updated != 1 {
		t.Fatalf("updated = %d", sum.Updated)
	}
	if len(repo.history) != 1 {
		t.Fatalf("history rows = %d, want 1", len(repo.history))
	}
	h := repo.history[0]
	if h.ChangeType != roster.ChangeUpdate || h.FieldChanged != roster.FieldDivision || h.OldValue != "A" || h.NewValue != "B" {
		t.Fatalf("history row: %+v", h)
	}

	key := roster.UniqueKey("Oak", "1", "2026-2027", "1")
	if got := repo.students[key].DivisionName; got != "B" {
		t.Fatalf("division not applied: %q", got)
	}
}

func TestRun_HistoryDisabledWritesNoHistory(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	fetcher := &fakeFetcher{raws: []roster.RawStudent{
		raw("Oak", "1", "priya sharma", "I", "FEMALE", "A"),
	}}
	e, _ := newEngine(t, config.Config{}, fetcher, repo)

	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(repo.history) != 0 {
		t.Fatalf("history written while disabled: %d rows", len(repo.history))
	}
}

func TestRun_HistoryFailureDoesNotFailRun(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.historyErr = errors.New("history table locked")
	fetcher := &fakeFetcher{raws: []roster.RawStudent{
		raw("Oak", "1", "priya sharma", "I", "FEMALE", "A"),
	}}
	e, buf := newEngine(t, config.Config{History: config.History{Enabled: true}}, fetcher, repo)

	sum, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("run should tolerate history failure: %v", err)
	}
	if sum.Inserted != 1 {
		t.Fatalf("insert lost: %+v", sum)
	}
	if !strings.Contains(buf.String(), "history") {
		t.Fatalf("history failure not logged: %q", buf.String())
	}
}

func TestRun_FetchErrorIsFatal(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	fetcher := &fakeFetcher{err: errors.New("connection refused")}
	e, _ := newEngine(t, config.Config{}, fetcher, repo)

	if _, err := e.Run(context.Background()); err == nil {
		t.Fatalf("expected fetch error to surface")
	}
	if n, _ := repo.CountStudents(context.Background()); n != 0 {
		t.Fatalf("rows written despite fetch failure")
	}
}

func TestRun_RecordErrorPolicies(t *testing.T) {
	t.Parallel()

	batch := []roster.RawStudent{
		raw("Oak", "1", "ok one", "I", "MALE", "A"),
		raw("Oak", "", "missing id", "I", "MALE", "A"), // fails validation
		raw("Oak", "3", "ok two", "I", "MALE", "A"),
	}

	t.Run("abort", func(t *testing.T) {
		t.Parallel()
		repo := newFakeRepo()
		e, _ := newEngine(t, config.Config{}, &fakeFetcher{raws: batch}, repo)

		if _, err := e.Run(context.Background()); err == nil {
			t.Fatalf("expected validation failure under abort")
		}
		if n, _ := repo.CountStudents(context.Background()); n != 0 {
			t.Fatalf("abort run wrote %d rows before failing validation", n)
		}
	})

	t.Run("skip", func(t *testing.T) {
		t.Parallel()
		repo := newFakeRepo()
		cfg := config.Config{Sync: config.Sync{OnRecordError: config.OnRecordErrorSkip}}
		e, buf := newEngine(t, cfg, &fakeFetcher{raws: batch}, repo)

		sum, err := e.Run(context.Background())
		if err != nil {
			t.Fatalf("skip run: %v", err)
		}
		if sum.Skipped != 1 || sum.Inserted != 2 {
			t.Fatalf("skip run: %+v", sum)
		}
		if !strings.Contains(buf.String(), "skipping record 1") {
			t.Fatalf("skip not logged: %q", buf.String())
		}
	})
}

func TestRun_InsertRaceCountsAsRecordErrorUnderSkip(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	key := roster.UniqueKey("Oak", "1", "2026-2027", "1")
	repo.insertErr[key] = storage.ErrDuplicateKey

	cfg := config.Config{Sync: config.Sync{OnRecordError: config.OnRecordErrorSkip}}
	fetcher := &fakeFetcher{raws: []roster.RawStudent{
		raw("Oak", "1", "priya sharma", "I", "FEMALE", "A"),
	}}
	e, buf := newEngine(t, cfg, fetcher, repo)

	sum, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.RecordErrors != 1 || sum.Inserted != 0 {
		t.Fatalf("summary: %+v", sum)
	}
	if !strings.Contains(buf.String(), "lost insert race") {
		t.Fatalf("race not logged: %q", buf.String())
	}
}

func TestRun_UnknownGradeWarnsButUpserts(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	fetcher := &fakeFetcher{raws: []roster.RawStudent{
		raw("Oak", "1", "priya sharma", "Playgroup", "FEMALE", "A"),
	}}
	e, buf := newEngine(t, config.Config{}, fetcher, repo)

	sum, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Warnings != 1 || sum.Inserted != 1 {
		t.Fatalf("summary: %+v", sum)
	}
	if !strings.Contains(buf.String(), "grade_name") {
		t.Fatalf("anomaly not logged: %q", buf.String())
	}
}

func TestRun_DuplicateKeysInBatchLastWins(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	fetcher := &fakeFetcher{raws: []roster.RawStudent{
		raw("Oak", "1", "priya sharma", "I", "FEMALE", "A"),
		raw("OAK", "1", "priya sharma", "I", "FEMALE", "C"),
	}}
	e, _ := newEngine(t, config.Config{}, fetcher, repo)

	sum, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.DuplicateKeysInBatch != 1 || sum.Inserted != 1 {
		t.Fatalf("summary: %+v", sum)
	}
	key := roster.UniqueKey("Oak", "1", "2026-2027", "1")
	if got := repo.students[key].DivisionName; got != "C" {
		t.Fatalf("last occurrence did not win: division %q", got)
	}
}

func TestRun_MarkInactive(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	cfg := config.Config{
		History: config.History{Enabled: true},
		Sync:    config.Sync{MarkInactive: true},
	}
	fetcher := &fakeFetcher{raws: []roster.RawStudent{
		raw("Oak", "1", "priya sharma", "I", "FEMALE", "A"),
		raw("Oak", "2", "rohan mehta", "I", "MALE", "A"),
	}}
	e, _ := newEngine(t, cfg, fetcher, repo)

	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	repo.history = nil

	// Second fetch is missing student 2.
	fetcher.raws = fetcher.raws[:1]
	sum, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if sum.Inactivated != 1 {
		t.Fatalf("inactivated = %d", sum.Inactivated)
	}

	key2 := roster.UniqueKey("Oak", "2", "2026-2027", "1")
	if got := repo.students[key2].Status; got != storage.InactiveStatus {
		t.Fatalf("status = %q", got)
	}
	if len(repo.history) != 1 || repo.history[0].ChangeType != roster.ChangeInactivate {
		t.Fatalf("history: %+v", repo.history)
	}

	// Third run: still absent, already inactive, nothing to do.
	sum3, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("third run: %v", err)
	}
	if sum3.Inactivated != 0 {
		t.Fatalf("re-inactivated an inactive row: %+v", sum3)
	}
}

func TestRun_StoredDuplicateAuditSurfaces(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.dups = map[string]int64{"OAK_9_2026-2027_1": 2}
	fetcher := &fakeFetcher{raws: nil}
	e, buf := newEngine(t, config.Config{}, fetcher, repo)

	sum, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sum.StoredDuplicates) != 1 {
		t.Fatalf("audit missing: %+v", sum)
	}
	if !strings.Contains(buf.String(), "OAK_9_2026-2027_1") {
		t.Fatalf("audit not logged: %q", buf.String())
	}
}
