package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"reportsync/internal/api"
	"reportsync/internal/config"
	"reportsync/internal/consolidate"
	"reportsync/internal/gather"
	"reportsync/internal/store"
	"reportsync/internal/telemetry"
	"reportsync/internal/util"
	client "reportsync/pkg/reportsync"
)

func runBackfill(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	r, err := a.report(cmd)
	if err != nil {
		return err
	}
	g, err := a.incremental(r, cmd.Bool("continuous"), cmd.Duration("interval"), nil)
	if err != nil {
		return err
	}

	runs, err := a.openStore()
	if err != nil {
		return err
	}
	defer runs.Close()

	return recorded(ctx, runs, r.Name, "backfill", func(string) (string, error) {
		if err := g.Run(ctx); err != nil {
			return "", err
		}
		d, err := g.Plan()
		if err != nil {
			return "", err
		}
		fmt.Fprintf(stdout, "%s: next %s\n", r.Name, d)
		return "next " + d.String(), nil
	})
}

func runRange(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	r, err := a.report(cmd)
	if err != nil {
		return err
	}
	start, err := util.ParseDay(cmd.String("start"))
	if err != nil {
		return fmt.Errorf("--start: %w", err)
	}
	end, err := util.ParseDay(cmd.String("end"))
	if err != nil {
		return fmt.Errorf("--end: %w", err)
	}
	f, err := a.fetcher(r)
	if err != nil {
		return err
	}

	g := gather.NewRangeGatherer(gather.RangeOptions{
		Report:  r.Name,
		Archive: a.archive(r),
		Fetcher: f,
		Range:   gather.DateRange{Start: start, End: end},
		Force:   cmd.Bool("force"),
		Stop:    a.stopFile(),
		Limiter: util.NewRateLimiter(a.cfg.Backfill.RateLimitPerMin),
		Policy:  a.policy(),
		Logger:  a.log,
	})
	if err := g.Validate(); err != nil {
		return err
	}

	runs, err := a.openStore()
	if err != nil {
		return err
	}
	defer runs.Close()

	return recorded(ctx, runs, r.Name, "range", func(string) (string, error) {
		sum, err := g.Execute(ctx)
		fmt.Fprintf(stdout, "%s %s..%s: %s\n", r.Name, util.FormatDay(start), util.FormatDay(end), sum)
		if err != nil && !errors.Is(err, gather.ErrStopped) {
			return sum.String(), err
		}
		return sum.String(), sum.Err()
	})
}

func runGaps(_ context.Context, cmd *cli.Command) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	r, err := a.report(cmd)
	if err != nil {
		return err
	}
	engine := &consolidate.Engine{Archive: a.archive(r), Fields: r.Fields, Logger: a.log}
	rep, _, err := engine.Gaps()
	if err != nil {
		return err
	}
	printReport(r, rep)
	return nil
}

func runConsolidate(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	r, err := a.report(cmd)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(a.cfg.Storage.MasterDir, 0o755); err != nil {
		return fmt.Errorf("creating master dir: %w", err)
	}

	engine := &consolidate.Engine{Archive: a.archive(r), Fields: r.Fields, Logger: a.log}
	rep, _, err := engine.Consolidate(a.cfg.Storage.MasterPath(r))
	if err != nil {
		return err
	}
	printReport(r, rep)

	norm, err := consolidate.NormalizeMaster(rep.MasterPath, r.Fields)
	if err != nil {
		return err
	}
	if norm.Rejected > 0 {
		a.log.Warn("rows with a broken column count left out of snapshot", "rejected", norm.Rejected)
	}
	snap, err := store.NewParquetStore(a.cfg.Storage.MasterDir).WriteSnapshot(ctx, store.TableFor(r), norm.Rows)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "snapshot: %s (%d rows)\n", snap, len(norm.Rows))
	return nil
}

func runImport(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	r, err := a.report(cmd)
	if err != nil {
		return err
	}
	path := a.cfg.Storage.MasterPath(r)
	norm, err := consolidate.NormalizeMaster(path, r.Fields)
	if err != nil {
		return fmt.Errorf("reading master %s: %w", path, err)
	}

	db, err := a.openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	tbl := store.TableFor(r)
	return recorded(ctx, db, r.Name, "import", func(runID string) (string, error) {
		res, err := db.Upsert(ctx, tbl, runID, norm.Rows)
		if err != nil {
			return "", err
		}
		msg := fmt.Sprintf("new %d, updated %d, unchanged %d, rejected %d",
			res.New, res.Updated, res.Unchanged, norm.Rejected)
		a.log.Info("import complete", "report", r.Name, "table", tbl.Name, "run", runID,
			"new", res.New, "updated", res.Updated, "unchanged", res.Unchanged,
			"changes", len(res.Changes), "rejected", norm.Rejected)
		fmt.Fprintf(stdout, "%s -> %s: %s (run %s)\n", r.Name, tbl.Name, msg, runID)
		return msg, nil
	})
}

func runRuns(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	db, err := a.openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	runs, err := db.ListRuns(ctx, int(cmd.Int("limit")))
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tREPORT\tKIND\tSTARTED\tRESULT\tMESSAGE")
	for _, run := range runs {
		result := "running"
		if run.Success != nil {
			result = "failed"
			if *run.Success {
				result = "ok"
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", run.ID, run.Report, run.Kind,
			run.StartedAt.Local().Format(time.DateTime), result, run.Message)
	}
	return tw.Flush()
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	db, err := a.openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	statuses := make(map[string]*gather.Status, len(a.cfg.Reports))
	var drivers []*gather.IncrementalGatherer
	if cmd.Bool("backfill") {
		for i := range a.cfg.Reports {
			r := &a.cfg.Reports[i]
			st := gather.NewStatus(r.Name)
			g, err := a.incremental(r, true, 0, st)
			if err != nil {
				return err
			}
			statuses[r.Name] = st
			drivers = append(drivers, g)
		}
	}

	srv := api.NewServer(a.cfg, db, statuses, a.log)
	srv.SetMetrics(telemetry.Install())
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return srv.ListenAndServe(egCtx) })
	for _, g := range drivers {
		eg.Go(func() error {
			// A driver that gives up stays visible through the status API.
			if err := g.Run(egCtx); err != nil {
				a.log.Error("driver stopped", "gatherer", g.Name(), "error", err)
			}
			return nil
		})
	}
	return eg.Wait()
}

func runStatus(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	addr := cmd.String("addr")
	if addr == "" {
		addr = "http://" + a.cfg.Server.HTTPAddr()
	}
	c := client.NewClient(addr)

	reports, err := c.Reports(ctx)
	if err != nil {
		return err
	}
	ready, err := c.Ready(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REPORT\tRUNNING\tLAST DECISION\tFAILURES\tBREAKER\tLAST ERROR")
	for _, r := range reports {
		if r.Status == nil {
			fmt.Fprintf(tw, "%s\t-\t-\t-\t-\t-\n", r.Name)
			continue
		}
		breaker := "closed"
		if r.Status.BreakerOpen {
			breaker = "open"
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\t%d\t%s\t%s\n", r.Name, r.Status.Running, r.Status.LastDecision,
			r.Status.ConsecutiveFailures, breaker, r.Status.LastError)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "ready: %t\n", ready)
	return nil
}

func printReport(r *config.Report, rep *consolidate.Report) {
	w := stdout
	fmt.Fprintf(w, "report:   %s\n", r.Name)
	if rep.MasterPath != "" {
		fmt.Fprintf(w, "master:   %s (%d rows, %d duplicates dropped)\n", rep.MasterPath, rep.Rows, rep.Duplicates)
	}
	fmt.Fprintf(w, "files:    %d\n", rep.Files)
	if rep.Files == 0 {
		fmt.Fprintln(w, "coverage: none")
	} else {
		fmt.Fprintf(w, "coverage: %s .. %s\n", util.FormatDay(rep.Earliest), util.FormatDay(rep.Latest))
	}
	fmt.Fprintf(w, "gaps:     %d\n", len(rep.Gaps))
	for _, d := range rep.Gaps {
		fmt.Fprintf(w, "  %s\n", util.FormatDay(d))
	}
	for _, inv := range rep.Invalid {
		fmt.Fprintf(w, "invalid:  %s: %v\n", inv.Path, inv.Err)
	}
	for _, p := range rep.Mismatched {
		fmt.Fprintf(w, "excluded: %s: header differs from master\n", p)
	}
	if len(rep.MissingFields) > 0 {
		fmt.Fprintf(w, "missing:  %s\n", strings.Join(rep.MissingFields, ", "))
	}
}
