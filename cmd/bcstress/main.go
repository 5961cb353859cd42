// Command bcstress drives a buffer cache with concurrent workers that
// increment per-block counters, then verifies no committed update was lost.
//
// Usage:
//
//	bcstress [--config file.jsonc] [--buffers N] [--buckets K] [--workers W]
//	         [--ops N] [--blocks B] [--image path] [--iops R] [--report path]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	flag "github.com/spf13/pflag"
)

func main() {
	os.Exit(run(os.Stdout, os.Stderr, os.Args[1:]))
}

func run(out, errOut io.Writer, args []string) int {
	cfg, err := parseArgs(errOut, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(errOut, "error: %v\n", err)
		return 1
	}
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	report, err := stress(ctx, cfg, log)
	if err != nil && !errors.Is(err, errLostUpdates) {
		fmt.Fprintf(errOut, "error: %v\n", err)
		return 1
	}
	printSummary(out, report)
	if cfg.Report != "" {
		if reportErr := writeReport(cfg.Report, report); reportErr != nil {
			fmt.Fprintf(errOut, "error: writing report: %v\n", reportErr)
			return 1
		}
	}
	if err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)
		return 1
	}
	return 0
}
