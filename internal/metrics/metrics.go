// Package metrics decouples the sync pipeline from any particular metrics
// vendor. The core code calls package-level helpers; a backend (Datadog,
// Prometheus Pushgateway) is installed at startup via SetBackend, and the
// default is a nop so library code never has to check for nil.
package metrics

import (
	"sync"
	"time"
)

// Backend receives metric observations.
//
// Implementations buffer in-memory and submit on Flush(); observation calls
// must be cheap and safe for concurrent use.
type Backend interface {
	// RecordHTTP records one API request attempt.
	RecordHTTP(job string, status int, err error, requestDur, responseDur time.Duration, downloadBytes int64)

	// RecordSync records the outcome counts of one sync run.
	RecordSync(job string, outcome SyncOutcome)

	// RecordRunDuration records wall time of one run.
	RecordRunDuration(job string, d time.Duration)

	// Flush submits buffered metrics.
	Flush() error
}

// SyncOutcome is the per-run counter set.
type SyncOutcome struct {
	Fetched      int64
	Inserted     int64
	Updated      int64
	Unchanged    int64
	Skipped      int64
	Warnings     int64
	Duplicates   int64
	RecordErrors int64
	Inactivated  int64
}

type nopBackend struct{}

func (nopBackend) RecordHTTP(string, int, error, time.Duration, time.Duration, int64) {}
func (nopBackend) RecordSync(string, SyncOutcome)                                     {}
func (nopBackend) RecordRunDuration(string, time.Duration)                            {}
func (nopBackend) Flush() error                                                       { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. Passing nil restores the
// nop backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		backend = nopBackend{}
		return
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// RecordHTTP forwards to the installed backend.
func RecordHTTP(job string, status int, err error, requestDur, responseDur time.Duration, downloadBytes int64) {
	current().RecordHTTP(job, status, err, requestDur, responseDur, downloadBytes)
}

// RecordSync forwards to the installed backend.
func RecordSync(job string, outcome SyncOutcome) {
	current().RecordSync(job, outcome)
}

// RecordRunDuration forwards to the installed backend.
func RecordRunDuration(job string, d time.Duration) {
	current().RecordRunDuration(job, d)
}

// Flush submits buffered metrics through the installed backend.
func Flush() error {
	return current().Flush()
}
