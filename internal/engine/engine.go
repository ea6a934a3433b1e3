// Package engine runs one sync: fetch the roster, normalize it, reconcile it
// against the stored rows for the academic year, and apply the resulting
// inserts and updates. A run is idempotent; re-running against an unchanged
// roster writes nothing.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"studentsync/internal/config"
	"studentsync/internal/metrics"
	"studentsync/internal/reconcile"
	"studentsync/internal/roster"
	"studentsync/internal/runlog"
	"studentsync/internal/storage"
)

// Fetcher yields the raw roster. Satisfied by *fetch.Client.
type Fetcher interface {
	Students(ctx context.Context) ([]roster.RawStudent, error)
}

// Engine wires the pipeline stages together.
type Engine struct {
	cfg     config.Config
	fetcher Fetcher
	repo    storage.Repository
	log     *runlog.Logger

	// now is injected for deterministic tests.
	now func() time.Time
}

// New builds an Engine. A nil now defaults to time.Now.
func New(cfg config.Config, fetcher Fetcher, repo storage.Repository, log *runlog.Logger, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{cfg: cfg, fetcher: fetcher, repo: repo, log: log, now: now}
}

// Summary reports what one run did.
type Summary struct {
	AcademicYear string

	Fetched   int
	Skipped   int // records dropped by validation under the skip policy
	Warnings  int // normalization anomalies (unknown grade, unknown gender)
	Inserted  int
	Updated   int
	Unchanged int

	// DuplicateKeysInBatch counts extra in-batch occurrences of a key beyond
	// the first; the last occurrence wins.
	DuplicateKeysInBatch int

	// RecordErrors counts per-record apply failures tolerated under the skip
	// policy.
	RecordErrors int

	Inactivated int

	// StoredDuplicates reports unique keys appearing on more than one stored
	// row, from the post-apply audit. Non-empty means the key constraint is
	// not being enforced by the backend.
	StoredDuplicates map[string]int64

	// TotalStored is the row count after the run.
	TotalStored int64

	Duration time.Duration
}

func (s Summary) outcome() metrics.SyncOutcome {
	return metrics.SyncOutcome{
		Fetched:      int64(s.Fetched),
		Inserted:     int64(s.Inserted),
		Updated:      int64(s.Updated),
		Unchanged:    int64(s.Unchanged),
		Skipped:      int64(s.Skipped),
		Warnings:     int64(s.Warnings),
		Duplicates:   int64(s.DuplicateKeysInBatch),
		RecordErrors: int64(s.RecordErrors),
		Inactivated:  int64(s.Inactivated),
	}
}

// Run executes one sync and returns its summary. The returned summary is
// valid even on error, reflecting work done before the failure.
func (e *Engine) Run(ctx context.Context) (sum Summary, err error) {
	start := e.now()
	sum = Summary{AcademicYear: roster.AcademicYear(start)}
	defer func() {
		sum.Duration = e.now().Sub(start)
		metrics.RecordSync(e.cfg.Job, sum.outcome())
		metrics.RecordRunDuration(e.cfg.Job, sum.Duration)
	}()

	raws, err := e.fetcher.Students(ctx)
	if err != nil {
		return sum, err
	}
	sum.Fetched = len(raws)
	e.log.Printf("fetched %d records for year %s", sum.Fetched, sum.AcademicYear)

	batch, err := e.normalize(raws, &sum, start)
	if err != nil {
		return sum, err
	}

	current, err := e.repo.SelectCurrent(ctx, sum.AcademicYear)
	if err != nil {
		return sum, fmt.Errorf("select current rows: %w", err)
	}

	plan := reconcile.Partition(current, batch)
	for key, extra := range plan.DuplicateKeys {
		sum.DuplicateKeysInBatch += extra
		e.log.Printf("warning: key %s appears %d times in batch; keeping last occurrence", key, extra+1)
	}

	if err := e.apply(ctx, plan, &sum); err != nil {
		return sum, err
	}

	if e.cfg.Sync.MarkInactive {
		if err := e.inactivate(ctx, current, batch, start, &sum); err != nil {
			return sum, err
		}
	}

	e.audit(ctx, &sum)
	e.logSummary(&sum)
	return sum, nil
}

// normalize validates and normalizes the raw batch, applying the configured
// record-error policy to validation failures.
func (e *Engine) normalize(raws []roster.RawStudent, sum *Summary, now time.Time) ([]roster.Student, error) {
	skip := e.cfg.Sync.OnRecordError == config.OnRecordErrorSkip

	batch := make([]roster.Student, 0, len(raws))
	for i, raw := range raws {
		if err := roster.Validate(raw); err != nil {
			if skip {
				sum.Skipped++
				e.log.Printf("warning: skipping record %d: %v", i, err)
				continue
			}
			return nil, fmt.Errorf("record %d: %w", i, err)
		}

		s, anomalies := roster.Normalize(raw, sum.AcademicYear, now)
		for _, a := range anomalies {
			sum.Warnings++
			e.log.Printf("warning: record %d (%s): unrecognized %s %q kept as-is", i, s.UniqueKey, a.Field, a.Value)
		}
		batch = append(batch, s)
	}
	return batch, nil
}

// apply executes the plan. History rows are best-effort: a history failure is
// logged but never fails the student write it describes.
func (e *Engine) apply(ctx context.Context, plan reconcile.Plan, sum *Summary) error {
	skip := e.cfg.Sync.OnRecordError == config.OnRecordErrorSkip

	recordErr := func(key string, err error) error {
		if skip {
			sum.RecordErrors++
			e.log.Printf("warning: %s: %v", key, err)
			return nil
		}
		return fmt.Errorf("%s: %w", key, err)
	}

	for _, s := range plan.Inserts {
		if err := e.repo.InsertStudent(ctx, s); err != nil {
			// A concurrent run may have inserted the same key between our
			// read and this write; treat it like any other record error.
			if errors.Is(err, storage.ErrDuplicateKey) {
				err = fmt.Errorf("lost insert race: %w", err)
			}
			if aerr := recordErr(s.UniqueKey, err); aerr != nil {
				return aerr
			}
			continue
		}
		sum.Inserted++
		e.appendHistory(ctx, s.UniqueKey, roster.ChangeInsert, nil, s.Timestamp)
	}

	for _, u := range plan.Updates {
		fields := make(map[string]string, len(u.Changes))
		for _, c := range u.Changes {
			fields[c.Field] = c.New
		}
		if err := e.repo.UpdateStudent(ctx, u.Student.UniqueKey, fields, u.Student.Timestamp); err != nil {
			if aerr := recordErr(u.Student.UniqueKey, err); aerr != nil {
				return aerr
			}
			continue
		}
		sum.Updated++
		e.appendHistory(ctx, u.Student.UniqueKey, roster.ChangeUpdate, u.Changes, u.Student.Timestamp)
	}

	sum.Unchanged = len(plan.Unchanged)
	return nil
}

// inactivate flips stored rows absent from the batch to Inactive.
func (e *Engine) inactivate(ctx context.Context, current map[string]roster.Student, batch []roster.Student, now time.Time, sum *Summary) error {
	skip := e.cfg.Sync.OnRecordError == config.OnRecordErrorSkip

	for _, key := range reconcile.AbsentKeys(current, batch) {
		// Already-inactive rows stay untouched so history is not re-written
		// on every run.
		if current[key].Status == storage.InactiveStatus {
			continue
		}
		changed, err := e.repo.MarkInactive(ctx, key, now)
		if err != nil {
			if !skip {
				return fmt.Errorf("mark inactive %s: %w", key, err)
			}
			sum.RecordErrors++
			e.log.Printf("warning: mark inactive %s: %v", key, err)
			continue
		}
		if !changed {
			continue
		}
		sum.Inactivated++
		old := current[key].Status
		e.appendHistory(ctx, key, roster.ChangeInactivate, []roster.FieldChange{
			{Field: roster.FieldStatus, Old: old, New: storage.InactiveStatus},
		}, now)
	}
	return nil
}

// appendHistory writes one history row per changed field when history is
// enabled. Failures are logged and swallowed; the student write stands.
func (e *Engine) appendHistory(ctx context.Context, key string, ct roster.ChangeType, changes []roster.FieldChange, ts time.Time) {
	if !e.cfg.History.Enabled {
		return
	}

	if len(changes) == 0 {
		// Inserts record the event itself, with no field detail.
		err := e.repo.AppendHistory(ctx, roster.HistoryEntry{
			UniqueKey:  key,
			ChangeType: ct,
			ChangedAt:  ts,
		})
		if err != nil {
			e.log.Printf("warning: history for %s: %v", key, err)
		}
		return
	}

	for _, c := range changes {
		err := e.repo.AppendHistory(ctx, roster.HistoryEntry{
			UniqueKey:    key,
			ChangeType:   ct,
			FieldChanged: c.Field,
			OldValue:     c.Old,
			NewValue:     c.New,
			ChangedAt:    ts,
		})
		if err != nil {
			e.log.Printf("warning: history for %s field %s: %v", key, c.Field, err)
		}
	}
}

// audit runs post-apply consistency checks. Audit failures never fail the
// run; they only lose us the report.
func (e *Engine) audit(ctx context.Context, sum *Summary) {
	dups, err := e.repo.DuplicateKeys(ctx)
	if err != nil {
		e.log.Printf("warning: duplicate key audit: %v", err)
	} else if len(dups) > 0 {
		sum.StoredDuplicates = dups
		for key, n := range dups {
			e.log.Printf("warning: stored key %s has %d rows", key, n)
		}
	}

	total, err := e.repo.CountStudents(ctx)
	if err != nil {
		e.log.Printf("warning: count students: %v", err)
		return
	}
	sum.TotalStored = total
}

func (e *Engine) logSummary(sum *Summary) {
	e.log.Printf("sync complete: year=%s fetched=%d inserted=%d updated=%d unchanged=%d skipped=%d warnings=%d duplicates=%d record_errors=%d inactivated=%d stored=%d",
		sum.AcademicYear, sum.Fetched, sum.Inserted, sum.Updated, sum.Unchanged,
		sum.Skipped, sum.Warnings, sum.DuplicateKeysInBatch, sum.RecordErrors,
		sum.Inactivated, sum.TotalStored)
}
