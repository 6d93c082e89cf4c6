// Command reportsync backfills, consolidates and imports daily report
// archives pulled from a report server.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"
)

func reportFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "report",
		Aliases: []string{"r"},
		Usage:   "Report name (may be omitted when only one report is configured)",
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:  "reportsync",
		Usage: "Incremental backfill and consolidation of daily report archives",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   "config/reportsync.yaml",
				Sources: cli.EnvVars("REPORTSYNC_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "backfill",
				Usage: "Fetch the day before the earliest archived day, or loop until a halt",
				Flags: []cli.Flag{
					reportFlag(),
					&cli.BoolFlag{Name: "continuous", Usage: "Keep stepping until the planner halts"},
					&cli.DurationFlag{Name: "interval", Usage: "Delay between iterations (default from config)"},
				},
				Action: runBackfill,
			},
			{
				Name:  "range",
				Usage: "Fetch every day of a closed interval, newest first",
				Flags: []cli.Flag{
					reportFlag(),
					&cli.StringFlag{Name: "start", Usage: "First day (YYYY-MM-DD)", Required: true},
					&cli.StringFlag{Name: "end", Usage: "Last day (YYYY-MM-DD)", Required: true},
					&cli.BoolFlag{Name: "force", Usage: "Refetch days that are already archived"},
				},
				Action: runRange,
			},
			{
				Name:   "consolidate",
				Usage:  "Rebuild the master file and Parquet snapshot from the archive",
				Flags:  []cli.Flag{reportFlag()},
				Action: runConsolidate,
			},
			{
				Name:   "gaps",
				Usage:  "Report archive coverage and missing days",
				Flags:  []cli.Flag{reportFlag()},
				Action: runGaps,
			},
			{
				Name:   "import",
				Usage:  "Upsert the normalized master file into SQLite",
				Flags:  []cli.Flag{reportFlag()},
				Action: runImport,
			},
			{
				Name:  "runs",
				Usage: "List recent runs",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: 20, Usage: "Number of runs to show"},
				},
				Action: runRuns,
			},
			{
				Name:  "status",
				Usage: "Query a running status server",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "addr", Usage: "Server base URL (default from server config)"},
				},
				Action: runStatus,
			},
			{
				Name:  "serve",
				Usage: "Serve the status API and gRPC health",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "backfill", Usage: "Also run continuous backfill for every report"},
				},
				Action: runServe,
			},
		},
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	start := time.Now()
	if err := newCommand().Run(ctx, os.Args); err != nil {
		slog.Error("reportsync failed", "error", err, "elapsed", time.Since(start).Round(time.Millisecond))
		os.Exit(1)
	}
}
