package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"reportsync/internal/archive"
	"reportsync/internal/config"
	"reportsync/internal/gather"
	"reportsync/internal/ssrs"
	"reportsync/internal/store"
	"reportsync/internal/util"
)

// stdout receives command output; tests replace it.
var stdout io.Writer = os.Stdout

// app carries what every command needs.
type app struct {
	cfg *config.Config
	log *slog.Logger
}

func setup(cmd *cli.Command) (*app, error) {
	path := cmd.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)
	logger.Debug("configuration loaded", "path", path, "reports", len(cfg.Reports))
	return &app{cfg: cfg, log: logger}, nil
}

func (a *app) report(cmd *cli.Command) (*config.Report, error) {
	return a.cfg.FindReport(cmd.String("report"))
}

func (a *app) archive(r *config.Report) *archive.Archive {
	return archive.New(a.cfg.Storage.ArchiveDir, r.Prefix, r.HeaderToken)
}

func (a *app) policy() gather.Policy {
	return gather.Policy{
		Attempts:               a.cfg.Backfill.FetchAttempts,
		Delay:                  a.cfg.Backfill.RetryDelay,
		Retryable:              ssrs.IsTransient,
		MaxConsecutiveFailures: a.cfg.Backfill.MaxConsecutiveFailures,
	}
}

func (a *app) stopFile() gather.StopFile {
	return gather.StopFile{Path: a.cfg.Backfill.StopFile}
}

func (a *app) fetcher(r *config.Report) (gather.Fetcher, error) {
	if err := a.cfg.RequireReportServer(); err != nil {
		return nil, err
	}
	client := ssrs.NewClientFromConfig(a.cfg.ReportServer, a.log)
	f, err := ssrs.NewReportFetcher(client, r)
	if err != nil {
		return nil, fmt.Errorf("report %s: %w", r.Name, err)
	}
	return f, nil
}

func (a *app) incremental(r *config.Report, continuous bool, interval time.Duration, status *gather.Status) (*gather.IncrementalGatherer, error) {
	f, err := a.fetcher(r)
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = a.cfg.Backfill.Interval
	}
	floor, _ := r.Floor()
	return gather.NewIncrementalGatherer(gather.IncrementalOptions{
		Report:     r.Name,
		Archive:    a.archive(r),
		Fetcher:    f,
		StartDate:  r.Start(util.Today(nil)),
		MinDate:    floor,
		OnExisting: r.OnExisting,
		Stop:       a.stopFile(),
		Continuous: continuous,
		Interval:   interval,
		Policy:     a.policy(),
		Status:     status,
		Logger:     a.log,
	}), nil
}

func (a *app) openStore() (*store.SQLiteStore, error) {
	s, err := store.NewSQLiteStore(a.cfg.Storage.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("opening run log %s: %w", a.cfg.Storage.SQLitePath, err)
	}
	return s, nil
}

// recorded runs fn as one entry of the run log. The entry is closed with
// fn's outcome even when ctx has been cancelled.
func recorded(ctx context.Context, runs store.RunStore, report, kind string, fn func(runID string) (string, error)) error {
	run, err := runs.StartRun(ctx, report, kind)
	if err != nil {
		return err
	}
	msg, err := fn(run.ID)
	if err != nil {
		msg = err.Error()
	}
	if ferr := runs.FinishRun(context.WithoutCancel(ctx), run.ID, err == nil, msg); ferr != nil {
		slog.Warn("closing run", "run", run.ID, "error", ferr)
	}
	return err
}
