// Command etl performs one pipeline run and exits.
//
//	etl -mode incremental
//	etl -mode reset -confirm RESET -json > report.json
//
// Exit status: 0 success, 1 stage failure, 2 usage or configuration
// error, 3 store unreachable, 4 another run holds the target.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/JonMunkholm/ChinookDW/internal/application"
	"github.com/JonMunkholm/ChinookDW/internal/config"
	"github.com/JonMunkholm/ChinookDW/internal/core"
	"github.com/JonMunkholm/ChinookDW/internal/logging"
	"github.com/JonMunkholm/ChinookDW/internal/store/memory"
)

const (
	exitOK          = 0
	exitFailed      = 1
	exitUsage       = 2
	exitUnreachable = 3
	exitBusy        = 4
)

type options struct {
	mode    core.Mode
	confirm string
	json    bool
	dryRun  bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintln(stderr, "etl:", err)
		return exitUsage
	}

	if err := godotenv.Load(); err == nil {
		fmt.Fprintln(stderr, "etl: loaded .env")
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, "etl:", err)
		return exitUsage
	}
	logging.SetupWriter(stderr, cfg.Logging.Level, cfg.Logging.Format)

	opener := application.DefaultOpener
	if opts.dryRun {
		opener.OpenTarget = dryRunTarget
	}
	app, err := opener.Open(ctx, cfg)
	if err != nil {
		slog.Error("startup failed", "error", err)
		return exitCode(err)
	}
	defer app.Close()

	service := app.Service(cfg)
	start := time.Now()
	report, err := service.TryRefresh(ctx, opts.mode, "cli")
	if report != nil {
		printSummary(stdout, report, opts.json)
	}
	if err != nil {
		msg := core.MapError(err)
		slog.Error("run failed", "error", err, "code", msg.Code, "action", msg.Action)
		return exitCode(err)
	}

	slog.Info("run completed",
		"run_id", report.RunID,
		"mode", string(report.Mode),
		"dry_run", opts.dryRun,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return exitOK
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("etl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		opts options
		mode string
	)
	fs.StringVar(&mode, "mode", string(core.ModeIncremental), "run mode: reset or incremental")
	fs.StringVar(&opts.confirm, "confirm", "", "must be RESET to run in reset mode")
	fs.BoolVar(&opts.json, "json", false, "print the run report as JSON on stdout")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "load into an in-memory target instead of TARGET_URL")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	m, err := core.ParseMode(mode)
	if err != nil {
		return opts, err
	}
	opts.mode = m
	// A dry run never touches the real target, so it needs no confirmation.
	if !opts.dryRun {
		if err := core.ConfirmMode(m, opts.confirm); err != nil {
			return opts, err
		}
	}
	return opts, nil
}

// dryRunTarget is an empty star schema held in memory.
func dryRunTarget(context.Context, *config.Config) (core.Target, func(), error) {
	def, err := core.DefaultDefinition()
	if err != nil {
		return nil, nil, err
	}
	st := memory.New()
	st.DefineStar(def)
	return st, nil, nil
}

func exitCode(err error) int {
	var (
		cfgErr  *core.ConfigurationError
		connErr *core.ConnectivityError
	)
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, core.ErrRunInProgress):
		return exitBusy
	case errors.As(err, &cfgErr):
		return exitUsage
	case errors.As(err, &connErr):
		return exitUnreachable
	default:
		return exitFailed
	}
}

func printSummary(w io.Writer, r *core.RunReport, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(r); err != nil {
			slog.Error("encode report", "error", err)
		}
		return
	}

	fmt.Fprintf(w, "run %s (%s) %s\n", r.RunID, r.Mode, r.Status)
	for _, st := range r.Stages {
		fmt.Fprintf(w, "  %-12s %-7s %6d rows %6d ms\n", st.Stage, st.Status, st.Rows, st.DurationMS)
	}
	for _, d := range r.Dimensions {
		fmt.Fprintf(w, "  %-12s +%d\n", d.Entity, d.Inserted)
	}
	fmt.Fprintf(w, "  %-12s +%d\n", r.Facts.Table, r.Facts.Inserted)
	if r.GapCount > 0 {
		fmt.Fprintf(w, "  referential gaps: %d\n", r.GapCount)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", r.Error)
	}
}
