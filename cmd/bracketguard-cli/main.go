package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"bracketguard/internal/config"
	"bracketguard/internal/store"
	"bracketguard/pkg/bracketguard"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: bracketguard-cli <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version                   Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  status                    Summarise the protected book\n")
	fmt.Fprintf(os.Stderr, "  positions                 List positions and their protection state\n")
	fmt.Fprintf(os.Stderr, "  events [-symbol -action -since -limit]\n")
	fmt.Fprintf(os.Stderr, "                            List audit events, newest first\n")
	fmt.Fprintf(os.Stderr, "  reconcile                 Run a verification pass now\n")
	fmt.Fprintf(os.Stderr, "  partial-exit SYMBOL [-fraction F]\n")
	fmt.Fprintf(os.Stderr, "                            Sell part of a position\n")
	fmt.Fprintf(os.Stderr, "  watch                     Stream protection alerts (gRPC)\n")
	fmt.Fprintf(os.Stderr, "  archive [-day YYYY-MM-DD] Export a day of audit events to Parquet\n")
	fmt.Fprintf(os.Stderr, "\nEnvironment:\n")
	fmt.Fprintf(os.Stderr, "  BRACKETGUARD_ADDR       HTTP API base URL (default http://localhost:8080)\n")
	fmt.Fprintf(os.Stderr, "  BRACKETGUARD_GRPC_ADDR  gRPC address (default localhost:9090)\n")
	fmt.Fprintf(os.Stderr, "  BRACKETGUARD_CONFIG     config file for archive (default config/bracketguard.yaml)\n")
}

func main() {
	flag.Usage = usage
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := bracketguard.NewClient(envOr("BRACKETGUARD_ADDR", "http://localhost:8080"))
	args := os.Args[2:]

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("bracketguard-cli %s\n", version)
	case "status":
		err = cmdStatus(ctx, client)
	case "positions":
		err = cmdPositions(ctx, client)
	case "events":
		err = cmdEvents(ctx, client, args)
	case "reconcile":
		err = cmdReconcile(ctx, client)
	case "partial-exit":
		err = cmdPartialExit(ctx, client, args)
	case "watch":
		err = cmdWatch(ctx)
	case "archive":
		err = cmdArchive(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func cmdStatus(ctx context.Context, c *bracketguard.Client) error {
	st, err := c.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("broker:    %s\n", st.Broker)
	fmt.Printf("positions: %d\n", st.Positions)
	for state, n := range st.States {
		fmt.Printf("  %-12s %d\n", state, n)
	}
	if len(st.Degraded) > 0 {
		fmt.Printf("DEGRADED:  %s\n", strings.Join(st.Degraded, ", "))
	}
	return nil
}

func cmdPositions(ctx context.Context, c *bracketguard.Client) error {
	positions, err := c.Positions(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tSIDE\tQTY\tENTRY\tSTOP\tTARGET\tSTATE\tADJ\tPARTIAL")
	for _, p := range positions {
		fmt.Fprintf(w, "%s\t%s\t%d\t%.2f\t%s\t%s\t%s\t%v\t%v\n",
			p.Symbol, p.Side, p.Qty, p.EntryPrice, price(p.StopPrice), price(p.TargetPrice),
			p.ProtectionState, p.BracketAdjusted, p.PartialExitTaken)
	}
	return w.Flush()
}

func price(p float64) string {
	if p == 0 {
		return "-"
	}
	return fmt.Sprintf("%.2f", p)
}

func cmdEvents(ctx context.Context, c *bracketguard.Client, args []string) error {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	symbol := fs.String("symbol", "", "only events for this symbol")
	action := fs.String("action", "", "only this action (repair, adjust, partial_exit, entry, unwind)")
	since := fs.Duration("since", 0, "only events newer than this age, e.g. 2h")
	limit := fs.Int("limit", 50, "maximum number of events")
	fs.Parse(args)

	q := bracketguard.EventQuery{Symbol: *symbol, Action: *action, Limit: *limit}
	if *since > 0 {
		q.Since = time.Now().Add(-*since)
	}
	events, err := c.Events(ctx, q)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSYMBOL\tACTION\tOUTCOME\tDETAIL")
	for _, ev := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			ev.Time.Local().Format("2006-01-02 15:04:05"), ev.Symbol, ev.Action, ev.Outcome, ev.Detail)
	}
	return w.Flush()
}

func cmdReconcile(ctx context.Context, c *bracketguard.Client) error {
	res, err := c.Reconcile(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("protected: %s\n", list(res.Protected))
	fmt.Printf("repaired:  %s\n", list(res.Repaired))
	fmt.Printf("failed:    %s\n", list(res.Failed))
	if len(res.PriceUnchecked) > 0 {
		fmt.Printf("no price:  %s\n", list(res.PriceUnchecked))
	}
	fmt.Printf("took %s\n", res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
	return nil
}

func list(s []string) string {
	if len(s) == 0 {
		return "-"
	}
	return strings.Join(s, ", ")
}

func cmdPartialExit(ctx context.Context, c *bracketguard.Client, args []string) error {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return fmt.Errorf("usage: partial-exit SYMBOL [-fraction F]")
	}
	fs := flag.NewFlagSet("partial-exit", flag.ExitOnError)
	fraction := fs.Float64("fraction", 0, "fraction to sell, 0 for the server default")
	fs.Parse(args[1:])

	res, err := c.PartialExit(ctx, args[0], *fraction)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s: sold %d of %d requested, %d remaining",
		res.Symbol, res.Outcome, res.SoldQty, res.RequestedQty, res.RemainingQty)
	if res.FillPrice > 0 {
		fmt.Printf(" @ %.2f", res.FillPrice)
	}
	if res.Reason != "" {
		fmt.Printf(" (%s)", res.Reason)
	}
	fmt.Printf(", protection %s\n", res.Protection)
	return nil
}

func cmdWatch(ctx context.Context) error {
	conn, err := bracketguard.Dial(envOr("BRACKETGUARD_GRPC_ADDR", "localhost:9090"))
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Fprintln(os.Stderr, "watching protection alerts, Ctrl-C to stop")
	return bracketguard.WatchAlerts(ctx, conn, func(a bracketguard.Alert) error {
		fmt.Printf("%s  %-6s %s -> %s", a.Time.Local().Format("15:04:05"), a.Symbol, orDash(a.Previous), a.State)
		if a.Reason != "" {
			fmt.Printf("  %s", a.Reason)
		}
		fmt.Println()
		return nil
	})
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func cmdArchive(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("archive", flag.ExitOnError)
	dayFlag := fs.String("day", "", "UTC day to export (default yesterday)")
	fs.Parse(args)

	day := time.Now().UTC().AddDate(0, 0, -1)
	if *dayFlag != "" {
		d, err := time.Parse("2006-01-02", *dayFlag)
		if err != nil {
			return fmt.Errorf("invalid -day %q: %w", *dayFlag, err)
		}
		day = d
	}

	cfg, err := config.Load(envOr("BRACKETGUARD_CONFIG", "config/bracketguard.yaml"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := store.ArchiveDay(ctx, db, store.NewParquetStore(cfg.Storage.DataDir), day)
	if err != nil {
		return err
	}
	fmt.Printf("archived %d events for %s\n", n, day.Format("2006-01-02"))
	return nil
}
