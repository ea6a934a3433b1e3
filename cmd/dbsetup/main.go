// Command dbsetup creates the student tables and indexes for the configured
// backend. It is idempotent; running it against an existing schema is a
// no-op.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"studentsync/internal/config"
	"studentsync/internal/storage"

	_ "studentsync/internal/storage/all"
)

type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	OpenRepo func(ctx context.Context, cfg storage.Config) (storage.Repository, error)
}

func main() {
	code := run(context.Background(), os.Args[1:], deps{
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
		OpenRepo: storage.New,
	})
	os.Exit(code)
}

// run executes schema setup and returns an exit code (0 success, 2 failure).
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}

	fs := flag.NewFlagSet("dbsetup", flag.ContinueOnError)
	cfgPath := fs.String("config", "configs/studentsync.json", "config JSON path")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return 2
	}
	if issues := config.Validate(cfg); config.HasError(issues) {
		for _, iss := range issues {
			fmt.Fprintln(d.Stderr, iss.String())
		}
		return 2
	}

	repo, err := d.OpenRepo(ctx, storage.Config{Kind: cfg.Storage.Kind, DSN: cfg.Storage.DSN})
	if err != nil {
		fmt.Fprintf(d.Stderr, "open storage: %v\n", err)
		return 2
	}
	defer repo.Close()

	if err := repo.EnsureSchema(ctx); err != nil {
		fmt.Fprintf(d.Stderr, "ensure schema: %v\n", err)
		return 2
	}

	fmt.Fprintf(d.Stdout, "schema ready: kind=%s tables=%s,%s\n",
		cfg.Storage.Kind, storage.StudentsTable, storage.HistoryTable)
	return 0
}
