// Package reconcile implements the pure decision step of the sync: given the
// persisted roster state and a normalized fetch batch, partition the batch
// into inserts, updates and unchanged records.
//
// The package performs no I/O. Apply-side concerns (SQL, history rows,
// metrics) live in the engine and storage packages.
package reconcile

import (
	"studentsync/internal/roster"
)

// Action is the per-record three-way outcome.
type Action int

const (
	ActionInsert Action = iota
	ActionUpdate
	ActionUnchanged
)

func (a Action) String() string {
	switch a {
	case ActionInsert:
		return "insert"
	case ActionUpdate:
		return "update"
	case ActionUnchanged:
		return "unchanged"
	default:
		return "unknown"
	}
}

// Update pairs an incoming record with the tracked fields that differ from
// the stored row. Changes is never empty.
type Update struct {
	Student roster.Student
	Changes []roster.FieldChange
}

// Plan is the full partition of one batch.
//
// Inserts and Updates preserve batch order. DuplicateKeys counts extra
// occurrences per key when the batch itself contains the same unique key more
// than once; the last occurrence wins (see Partition).
type Plan struct {
	Inserts   []roster.Student
	Updates   []Update
	Unchanged []string

	DuplicateKeys map[string]int
}

// Empty reports whether the plan would perform zero writes.
func (p Plan) Empty() bool {
	return len(p.Inserts) == 0 && len(p.Updates) == 0
}

// Partition decides insert/update/unchanged for every record in batch against
// current (persisted rows keyed by unique key).
//
// Rules:
//   - no row for the key            -> insert
//   - row exists, a tracked field
//     differs                       -> update carrying exactly the differing
//     fields (old and new values)
//   - row exists, nothing differs   -> unchanged (no write, no timestamp bump)
//
// Intra-batch duplicates resolve last-write-wins: a later record for a key
// already planned in this batch replaces the earlier outcome, and the key is
// counted in DuplicateKeys. The upstream API should not produce these, so
// callers log each one.
//
// Partition is pure and deterministic; current is never mutated.
func Partition(current map[string]roster.Student, batch []roster.Student) Plan {
	plan := Plan{DuplicateKeys: map[string]int{}}

	type slot struct {
		action  Action
		student roster.Student
		changes []roster.FieldChange
	}
	// Every occurrence is decided against persisted state; a duplicate key
	// simply overwrites the earlier slot, so the last occurrence wins.
	seen := make(map[string]int, len(batch)) // key -> slot index
	slots := make([]slot, 0, len(batch))

	for _, in := range batch {
		prev, exists := current[in.UniqueKey]

		var out slot
		if !exists {
			out = slot{action: ActionInsert, student: in}
		} else if changes := diffTracked(prev, in); len(changes) > 0 {
			out = slot{action: ActionUpdate, student: in, changes: changes}
		} else {
			out = slot{action: ActionUnchanged, student: prev}
		}

		if i, dup := seen[in.UniqueKey]; dup {
			plan.DuplicateKeys[in.UniqueKey]++
			slots[i] = out
			continue
		}

		seen[in.UniqueKey] = len(slots)
		slots = append(slots, out)
	}

	for _, s := range slots {
		switch s.action {
		case ActionInsert:
			plan.Inserts = append(plan.Inserts, s.student)
		case ActionUpdate:
			plan.Updates = append(plan.Updates, Update{Student: s.student, Changes: s.changes})
		case ActionUnchanged:
			plan.Unchanged = append(plan.Unchanged, s.student.UniqueKey)
		}
	}

	return plan
}

// diffTracked compares every tracked field of prev and next in declaration
// order and returns the differing ones.
func diffTracked(prev, next roster.Student) []roster.FieldChange {
	oldVals := prev.Tracked()
	newVals := next.Tracked()

	var changes []roster.FieldChange
	for _, f := range roster.TrackedFields {
		if oldVals[f] != newVals[f] {
			changes = append(changes, roster.FieldChange{Field: f, Old: oldVals[f], New: newVals[f]})
		}
	}
	return changes
}

// AbsentKeys returns the keys present in current but missing from batch, in
// no particular order. Used by the optional inactivation pass; the default
// sync never touches absent rows.
func AbsentKeys(current map[string]roster.Student, batch []roster.Student) []string {
	inBatch := make(map[string]struct{}, len(batch))
	for _, s := range batch {
		inBatch[s.UniqueKey] = struct{}{}
	}

	var absent []string
	for k := range current {
		if _, ok := inBatch[k]; !ok {
			absent = append(absent, k)
		}
	}
	return absent
}
