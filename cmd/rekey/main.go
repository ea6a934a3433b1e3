// Command rekey recomputes the unique key of every stored row from its
// current fields and rewrites rows whose stored key no longer matches.
//
// Keys drift when the key recipe changes or when rows were loaded before a
// normalization fix. When two rows collapse onto the same recomputed key,
// the row with the newest timestamp wins and the older row is deleted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"studentsync/internal/config"
	"studentsync/internal/roster"
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

// run executes the rekey and returns an exit code.
//
// Exit codes:
//   - 0: success (including nothing to do).
//   - 1: at least one row could not be rewritten.
//   - 2: configuration/initialization error.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}

	fs := flag.NewFlagSet("rekey", flag.ContinueOnError)
	cfgPath := fs.String("config", "configs/studentsync.json", "config JSON path")
	dryRun := fs.Bool("dry-run", false, "report what would change without writing")
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

	rekeyed, deleted, failed := rekeyAll(ctx, repo, *dryRun, d.Stdout, d.Stderr)

	verb := "rekeyed"
	if *dryRun {
		verb = "would rekey"
	}
	fmt.Fprintf(d.Stdout, "%s %d rows, removed %d older duplicates, %d failures\n", verb, rekeyed, deleted, failed)
	if failed > 0 {
		return 1
	}
	return 0
}

// rekeyAll walks every stored row and rewrites stale keys. Rows are visited
// in key order so a given database always rewrites deterministically.
func rekeyAll(ctx context.Context, repo storage.Repository, dryRun bool, stdout, stderr io.Writer) (rekeyed, deleted, failed int) {
	rows, err := repo.SelectCurrent(ctx, "")
	if err != nil {
		fmt.Fprintf(stderr, "select rows: %v\n", err)
		return 0, 0, 1
	}

	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, oldKey := range keys {
		s := rows[oldKey]
		newKey := roster.UniqueKey(s.SchoolName, s.StudentID, s.AcademicYear, s.GradeName)
		if newKey == oldKey {
			continue
		}

		// Collision with an already-correct row: keep whichever row has the
		// newest timestamp.
		if existing, ok := rows[newKey]; ok {
			loser := oldKey
			if s.Timestamp.After(existing.Timestamp) {
				loser = newKey
			}
			fmt.Fprintf(stdout, "%s and %s collapse to the same key; dropping older row %s\n", oldKey, newKey, loser)
			if !dryRun {
				if _, err := repo.DeleteStudent(ctx, loser); err != nil {
					fmt.Fprintf(stderr, "delete %s: %v\n", loser, err)
					failed++
					continue
				}
			}
			deleted++
			if loser == oldKey {
				continue
			}
			delete(rows, newKey)
		}

		fmt.Fprintf(stdout, "%s -> %s\n", oldKey, newKey)
		if !dryRun {
			if err := repo.RekeyStudent(ctx, oldKey, newKey); err != nil {
				if errors.Is(err, storage.ErrDuplicateKey) {
					fmt.Fprintf(stderr, "rekey %s: target key exists: %v\n", oldKey, err)
				} else {
					fmt.Fprintf(stderr, "rekey %s: %v\n", oldKey, err)
				}
				failed++
				continue
			}
		}
		rekeyed++
		delete(rows, oldKey)
		s.UniqueKey = newKey
		rows[newKey] = s
	}
	return rekeyed, deleted, failed
}
