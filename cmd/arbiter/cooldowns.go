package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/recomma/arbiter/arbiter"
	"github.com/recomma/arbiter/cooldown"
	"github.com/recomma/arbiter/operator"
	"github.com/recomma/arbiter/storage"
	"github.com/recomma/arbiter/suppress"
)

const cooldownsUsage = `usage: arbiter cooldowns [--cooldown-path FILE] list
       arbiter cooldowns [--cooldown-path FILE] clear ROUTE --yes
       arbiter cooldowns [--cooldown-path FILE] extend|shorten ROUTE SECONDS

Edits the cooldown file of a stopped arbiter; the next start picks the
changes up with --resume.`

// runCooldowns administers the cooldown file offline.
func runCooldowns(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("cooldowns", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("cooldown-path", "cooldowns.json", "Cooldown state file")
	yes := fs.Bool("yes", false, "Confirm clearing a cooldown")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return usageError(stderr, cooldownsUsage)
	}

	quiet := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	store := cooldown.New(*path, cooldown.WithLogger(quiet))
	if err := store.Load(time.Now()); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	svc := operator.New(store, suppress.New(suppress.Config{}), operator.WithLogger(quiet))

	switch cmd := rest[0]; cmd {
	case "list":
		w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ROUTE\tREMAINING\tEXPIRES")
		for _, e := range svc.ActiveCooldowns() {
			fmt.Fprintf(w, "%s\t%s\t%s\n", e.Route, e.Remaining.Round(time.Second), e.ExpiresAt.Format(time.RFC3339))
		}
		w.Flush()
		return 0

	case "clear":
		if len(rest) != 2 {
			return usageError(stderr, cooldownsUsage)
		}
		if !*yes {
			return usageError(stderr, "refusing to clear %s without --yes", rest[1])
		}
		cleared, err := svc.ClearCooldown(rest[1])
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		if !cleared {
			fmt.Fprintf(stdout, "no active cooldown on %s\n", rest[1])
			return 1
		}
		fmt.Fprintf(stdout, "cleared %s\n", rest[1])
		return 0

	case "extend", "shorten":
		if len(rest) != 3 {
			return usageError(stderr, cooldownsUsage)
		}
		secs, err := strconv.ParseFloat(rest[2], 64)
		if err != nil {
			return usageError(stderr, "invalid seconds %q", rest[2])
		}
		if cmd == "extend" {
			err = svc.ExtendCooldown(rest[1], secs)
		} else {
			err = svc.ShortenCooldown(rest[1], secs)
		}
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		for _, e := range svc.ActiveCooldowns() {
			if e.Route == operator.NormalizeRoute(rest[1]) {
				fmt.Fprintf(stdout, "%s cooling down for %s\n", e.Route, e.Remaining.Round(time.Second))
				return 0
			}
		}
		fmt.Fprintf(stdout, "%s is not cooling down\n", rest[1])
		return 0
	}
	return usageError(stderr, cooldownsUsage)
}

// runFlagged lists cycles waiting for manual reconciliation or review.
func runFlagged(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("flagged", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("storage-path", "arbiter.sqlite3", "SQLite cycle store path")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, err := storage.New(*path)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer store.Close()

	svc := operator.New(cooldown.New(""), suppress.New(suppress.Config{}), operator.WithFlaggedSource(store))
	cycles, err := svc.FlaggedCycles(context.Background())
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CYCLE\tROUTE\tSTATE\tHOLDING\tNOTE")
	for _, c := range cycles {
		note := ""
		for _, k := range []string{arbiter.MetaManualReconciliation, arbiter.MetaNeedsReview} {
			if v, ok := c.Metadata[k]; ok {
				note = k + ": " + v
				break
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s %s\t%s\n", c.ID, c.RouteKey, c.State, c.CurrentAmount, c.CurrentCurrency, note)
	}
	w.Flush()
	return 0
}
