package config

import (
	"fmt"
	"net/url"
)

// Severity classifies a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding, addressed by a dotted config path.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

var knownStorageKinds = map[string]bool{
	"mysql":    true,
	"postgres": true,
	"sqlite":   true,
	"mssql":    true,
}

// Validate checks cfg and returns every issue found; callers decide whether
// warnings block. An empty result means the config is usable as-is.
func Validate(cfg Config) []Issue {
	var issues []Issue

	errf := func(path, format string, a ...any) {
		issues = append(issues, Issue{Severity: SeverityError, Path: path, Message: fmt.Sprintf(format, a...)})
	}
	warnf := func(path, format string, a ...any) {
		issues = append(issues, Issue{Severity: SeverityWarning, Path: path, Message: fmt.Sprintf(format, a...)})
	}

	if cfg.API.URL == "" {
		errf("api.url", "required")
	} else if u, err := url.Parse(cfg.API.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errf("api.url", "not an absolute URL: %q", cfg.API.URL)
	}
	if cfg.API.Key == "" {
		errf("api.key", "required")
	}
	if cfg.API.TimeoutSeconds < 0 {
		errf("api.timeout_seconds", "must be >= 0")
	}
	if cfg.API.InsecureSkipVerify {
		warnf("api.insecure_skip_verify", "TLS verification disabled")
	}

	if cfg.Storage.Kind == "" {
		errf("storage.kind", "required")
	} else if !knownStorageKinds[cfg.Storage.Kind] {
		errf("storage.kind", "unknown kind %q", cfg.Storage.Kind)
	}
	if cfg.Storage.DSN == "" {
		errf("storage.dsn", "required")
	}

	switch cfg.Sync.OnRecordError {
	case "", OnRecordErrorAbort, OnRecordErrorSkip:
	default:
		errf("sync.on_record_error", "must be %q or %q, got %q", OnRecordErrorAbort, OnRecordErrorSkip, cfg.Sync.OnRecordError)
	}

	return issues
}

// HasError reports whether any issue is severity error.
func HasError(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}
