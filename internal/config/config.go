// Package config defines the explicit run configuration for the sync
// binaries. Everything a run needs (API credentials, storage DSN, policy
// switches) lives in one JSON file decoded into Config and passed down at
// construction; no package reads ambient global state.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the root of the JSON config file.
type Config struct {
	// Job names the run in logs and metric tags. Defaults to "student_sync".
	Job string `json:"job"`

	API     API     `json:"api"`
	Storage Storage `json:"storage"`
	History History `json:"history"`
	Sync    Sync    `json:"sync"`
}

// API configures the roster fetch.
type API struct {
	URL        string `json:"url"`
	Key        string `json:"key"`
	SchoolName string `json:"school_name"` // empty means ALL

	// TimeoutSeconds bounds the whole request; 0 means the 30s default.
	TimeoutSeconds int `json:"timeout_seconds"`

	// InsecureSkipVerify disables TLS verification for deployments where the
	// API serves a self-signed certificate.
	InsecureSkipVerify bool `json:"insecure_skip_verify"`
}

// Timeout returns the configured timeout as a duration.
func (a API) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// Storage selects and configures the backend.
type Storage struct {
	Kind string `json:"kind"` // mysql | postgres | sqlite | mssql
	DSN  string `json:"dsn"`
}

// History controls the append-only audit trail.
type History struct {
	Enabled bool `json:"enabled"`
}

// Record-error policies. Whichever is chosen applies uniformly to the whole
// run and is reported in the summary.
const (
	OnRecordErrorAbort = "abort"
	OnRecordErrorSkip  = "skip"
)

// Sync holds reconciliation policy switches.
type Sync struct {
	// MarkInactive flips the status of rows absent from the fetch to
	// "Inactive". Off by default: the sync normally never touches rows for
	// students missing from the current fetch.
	MarkInactive bool `json:"mark_inactive"`

	// OnRecordError is "abort" (default) or "skip".
	OnRecordError string `json:"on_record_error"`
}

// Load reads and decodes the config file at path.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}

	if cfg.Job == "" {
		cfg.Job = "student_sync"
	}
	if cfg.Sync.OnRecordError == "" {
		cfg.Sync.OnRecordError = OnRecordErrorAbort
	}
	return cfg, nil
}
