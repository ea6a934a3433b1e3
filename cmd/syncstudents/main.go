// Command syncstudents runs one roster sync: fetch, normalize, reconcile,
// apply. It is designed to run from cron; each invocation is one complete,
// idempotent run.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"studentsync/internal/config"
	"studentsync/internal/engine"
	"studentsync/internal/fetch"
	"studentsync/internal/metrics"
	"studentsync/internal/metrics/datadog"
	"studentsync/internal/metrics/prompush"
	"studentsync/internal/runlog"
	"studentsync/internal/storage"

	// register all backends with the storage factory; config picks one.
	_ "studentsync/internal/storage/all"
)

// deps are external seams for testability.
//
// When to use:
//   - Unit tests: inject a fake repository and fetcher, capture output.
//   - Production: main() wires the real factories.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	Now        func() time.Time
	OpenRepo   func(ctx context.Context, cfg storage.Config) (storage.Repository, error)
	NewFetcher func(cfg fetch.Config) engine.Fetcher
}

func main() {
	code := run(context.Background(), os.Args[1:], deps{
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
		Now:      time.Now,
		OpenRepo: storage.New,
		NewFetcher: func(cfg fetch.Config) engine.Fetcher {
			return fetch.NewClient(cfg)
		},
	})
	os.Exit(code)
}

// runConfig holds the parsed flags for a run.
type runConfig struct {
	ConfigPath     string
	Validate       bool
	MetricsBackend string
	PushGatewayURL string
	LogsDir        string
	Verbose        bool
}

// parseFlags parses command arguments into a runConfig.
//
// Errors:
//   - Returns an error for invalid flags.
//   - Does not exit the process (caller decides exit code).
func parseFlags(args []string) (runConfig, error) {
	var cfg runConfig
	fs := flag.NewFlagSet("syncstudents", flag.ContinueOnError)
	fs.StringVar(&cfg.ConfigPath, "config", "configs/studentsync.json", "config JSON path")
	fs.BoolVar(&cfg.Validate, "validate", false, "validate the configuration and exit")
	fs.StringVar(&cfg.MetricsBackend, "metrics-backend", "", "metrics backend (pushgateway, datadog, none); empty reads METRICS_BACKEND")
	fs.StringVar(&cfg.PushGatewayURL, "pushgateway-url", "", "Pushgateway base URL (overrides env PUSHGATEWAY_URL)")
	fs.StringVar(&cfg.LogsDir, "logs-dir", "logs", "directory for dated run logs; empty logs to console only")
	fs.BoolVar(&cfg.Verbose, "v", false, "enable verbose logs")
	if err := fs.Parse(args); err != nil {
		return runConfig{}, err
	}
	return cfg, nil
}

// run executes the sync command and returns an exit code.
//
// Exit codes:
//   - 0: success.
//   - 1: the sync run failed.
//   - 2: configuration/initialization error.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.OpenRepo == nil || d.NewFetcher == nil {
		fmt.Fprintln(d.Stderr, "internal error: missing factory deps")
		return 2
	}

	flags, err := parseFlags(args)
	if err != nil {
		return 2
	}

	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return 2
	}

	issues := config.Validate(cfg)
	for _, iss := range issues {
		fmt.Fprintln(d.Stderr, iss.String())
	}
	if config.HasError(issues) {
		fmt.Fprintf(d.Stderr, "configuration is invalid: %s\n", flags.ConfigPath)
		return 2
	}
	if flags.Validate {
		fmt.Fprintf(d.Stdout, "configuration is valid: %s\n", flags.ConfigPath)
		return 0
	}

	logger, cleanup := openLogger(flags.LogsDir, d.Stderr, d.Now())
	defer cleanup()

	if closer := setupMetrics(flags, cfg.Job, logger); closer != nil {
		defer closer()
	}

	repo, err := d.OpenRepo(ctx, storage.Config{Kind: cfg.Storage.Kind, DSN: cfg.Storage.DSN})
	if err != nil {
		fmt.Fprintf(d.Stderr, "open storage: %v\n", err)
		return 2
	}
	defer repo.Close()

	fetcher := d.NewFetcher(fetch.Config{
		URL:                cfg.API.URL,
		APIKey:             cfg.API.Key,
		SchoolName:         cfg.API.SchoolName,
		Timeout:            cfg.API.Timeout(),
		InsecureSkipVerify: cfg.API.InsecureSkipVerify,
		Job:                cfg.Job,
	})

	eng := engine.New(cfg, fetcher, repo, logger, d.Now)

	start := d.Now()
	sum, err := eng.Run(ctx)
	if err != nil {
		logger.Printf("sync failed: %v", err)
		return 1
	}

	if flags.Verbose {
		logger.Printf("completed in %s", d.Now().Sub(start).Truncate(time.Millisecond))
	}
	fmt.Fprintf(d.Stdout, "year=%s inserted=%d updated=%d unchanged=%d skipped=%d inactivated=%d stored=%d\n",
		sum.AcademicYear, sum.Inserted, sum.Updated, sum.Unchanged, sum.Skipped, sum.Inactivated, sum.TotalStored)
	return 0
}

// openLogger opens the dated run log, falling back to console-only when the
// logs directory is unset or unwritable.
func openLogger(dir string, console io.Writer, now time.Time) (*runlog.Logger, func()) {
	if dir == "" {
		return runlog.Console(console), func() {}
	}
	l, err := runlog.Open(dir, console, now)
	if err != nil {
		fallback := runlog.Console(console)
		fallback.Printf("warning: %v; logging to console only", err)
		return fallback, func() {}
	}
	return l, func() { _ = l.Close() }
}

// setupMetrics installs the selected metrics backend and returns its
// shutdown func, or nil when metrics stay disabled. Backend selection is
// flag, then METRICS_BACKEND, then disabled.
func setupMetrics(flags runConfig, job string, logger *runlog.Logger) func() {
	name := flags.MetricsBackend
	if name == "" {
		name = os.Getenv("METRICS_BACKEND")
	}

	switch name {
	case "pushgateway":
		gwURL := flags.PushGatewayURL
		if gwURL == "" {
			gwURL = os.Getenv("PUSHGATEWAY_URL")
		}
		if gwURL == "" {
			gwURL = "http://localhost:9091"
		}
		b, err := prompush.NewBackend(job, gwURL)
		if err != nil {
			logger.Printf("metrics: pushgateway init failed: %v; metrics disabled", err)
			return nil
		}
		logger.Printf("metrics: backend=pushgateway url=%s job=%s", gwURL, job)
		metrics.SetBackend(b)
		return func() {
			if err := metrics.Flush(); err != nil {
				logger.Printf("metrics: flush error: %v", err)
			}
		}

	case "datadog":
		b, err := datadog.NewBackend(context.Background(), datadog.Options{
			JobName: job,
			Tags:    datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS")),
		})
		if err != nil {
			logger.Printf("metrics: datadog init failed: %v; metrics disabled", err)
			return nil
		}
		logger.Printf("metrics: backend=datadog job=%s", job)
		metrics.SetBackend(b)
		return func() {
			// Close stops the flush loop and performs the final flush.
			if err := b.Close(); err != nil {
				logger.Printf("metrics: datadog close error: %v", err)
			}
		}

	case "", "none":
		return nil

	default:
		logger.Printf("metrics: unknown backend %q; metrics disabled", name)
		return nil
	}
}
