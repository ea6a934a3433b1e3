// Package runlog opens the per-run log destination. Runs append to a dated
// file under a logs directory while still echoing to the console, so an
// operator can tail the current run and later grep a week's worth of runs in
// one file.
package runlog

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"
)

// FileName returns the log file name for runs at time t, one file per ISO
// week: "August_week35_2026.log".
func FileName(t time.Time) string {
	_, week := t.ISOWeek()
	return fmt.Sprintf("%s_week%02d_%d.log", t.Month(), week, t.Year())
}

// Logger is a run log writing to both a dated file and a console writer.
type Logger struct {
	*log.Logger

	file *os.File
	// Path is the dated file the run appends to.
	Path string
}

// Open creates (or appends to) the dated log file under dir and returns a
// logger that tees every line to console as well. dir is created if missing.
//
// Errors:
//   - Returns an error if the directory or file cannot be created; callers
//     may fall back to console-only logging.
func Open(dir string, console io.Writer, now time.Time) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("runlog: create %s: %w", dir, err)
	}

	path := filepath.Join(dir, FileName(now))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("runlog: open %s: %w", path, err)
	}

	return &Logger{
		Logger: log.New(io.MultiWriter(console, f), "", log.LstdFlags),
		file:   f,
		Path:   path,
	}, nil
}

// Console returns a console-only logger, for when Open fails or no logs
// directory is configured.
func Console(w io.Writer) *Logger {
	return &Logger{Logger: log.New(w, "", log.LstdFlags)}
}

// Close closes the underlying file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
