// Package storage defines the backend-agnostic persistence contract for the
// student roster and the factory registry that backends hook into.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"studentsync/internal/roster"
)

// ErrDuplicateKey is wrapped by backends when an insert hits the unique_key
// constraint. The engine treats it as a lost race (another occurrence of the
// key was applied first) rather than a storage failure.
var ErrDuplicateKey = errors.New("duplicate unique key")

// Table names shared by every backend.
const (
	StudentsTable = "active_student_data"
	HistoryTable  = "student_data_history"
)

// Config is the minimal configuration needed to create a Repository.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is
//     backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// Repository is a backend-agnostic interface over the roster tables.
//
// IMPORTANT: This interface is intentionally minimal and focused on what the
// sync engine and the maintenance commands need. Insert-vs-update is decided
// by the caller, never by upsert SQL; backends only translate each method to
// their dialect (placeholders, timestamp encoding, error codes).
type Repository interface {
	// Close releases backend resources. Treat as "call once" at shutdown.
	Close()

	// EnsureSchema creates both tables if they do not exist. Idempotent.
	EnsureSchema(ctx context.Context) error

	// SelectCurrent returns the persisted rows keyed by unique key.
	// An empty academicYear selects every year (used by maintenance tools).
	SelectCurrent(ctx context.Context, academicYear string) (map[string]roster.Student, error)

	// InsertStudent inserts one new row. A unique-key violation is returned
	// as an error; the engine decides whether that aborts the run.
	InsertStudent(ctx context.Context, s roster.Student) error

	// UpdateStudent overwrites exactly the named tracked fields of the row
	// identified by uniqueKey and stamps its timestamp. Fields outside the
	// tracked set are rejected.
	UpdateStudent(ctx context.Context, uniqueKey string, fields map[string]string, ts time.Time) error

	// MarkInactive sets status to "Inactive" unless it already is.
	// Returns whether a row was actually updated.
	MarkInactive(ctx context.Context, uniqueKey string, ts time.Time) (bool, error)

	// AppendHistory appends one audit row. Failures must never roll back a
	// primary upsert; the caller logs and continues.
	AppendHistory(ctx context.Context, e roster.HistoryEntry) error

	// CountStudents returns the total row count of the current-state table.
	CountStudents(ctx context.Context) (int64, error)

	// DuplicateKeys returns unique keys appearing more than once, with their
	// counts. The UNIQUE constraint should make this always empty; a non-empty
	// result is an integrity alarm.
	DuplicateKeys(ctx context.Context) (map[string]int64, error)

	// RekeyStudent rewrites the unique key of one row (maintenance only).
	RekeyStudent(ctx context.Context, oldKey, newKey string) error

	// DeleteStudent removes one row by key (maintenance only; the sync itself
	// never deletes). Returns whether a row existed.
	DeleteStudent(ctx context.Context, uniqueKey string) (bool, error)
}

// InactiveStatus is the status MarkInactive writes.
const InactiveStatus = "Inactive"

// ValidateUpdateFields rejects column names outside the tracked set before
// they reach SQL text. Backends interpolate column identifiers, so this is
// the shared guard.
func ValidateUpdateFields(fields map[string]string) error {
	if len(fields) == 0 {
		return fmt.Errorf("storage: empty field set for update")
	}
	tracked := make(map[string]bool, len(roster.TrackedFields))
	for _, f := range roster.TrackedFields {
		tracked[f] = true
	}
	for f := range fields {
		if !tracked[f] {
			return fmt.Errorf("storage: field %q is not updatable", f)
		}
	}
	return nil
}

// ---- factories ----

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	factoryMu sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "mysql", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//   - The kind string becomes the lookup key used by New.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered. This is intentional to fail fast and
//     avoid ambiguous backend selection.
func Register(kind string, f factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New constructs a Repository using the registered backend factory.
//
// Concurrency:
//   - Safe for concurrent use with Register. New takes a read lock while
//     selecting the factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing storage.kind")
	}

	factoryMu.RLock()
	f := factories[cfg.Kind]
	factoryMu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}
