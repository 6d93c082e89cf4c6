package gather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"reportsync/internal/archive"
	"reportsync/internal/util"
)

// RangeOptions configures a RangeGatherer.
type RangeOptions struct {
	Report  string
	Archive *archive.Archive
	Fetcher Fetcher
	Range   DateRange
	// Force refetches days that already have a valid file.
	Force   bool
	Stop    StopFile
	Limiter *util.RateLimiter
	Policy  Policy
	Status  *Status
	Now     func() time.Time
	Logger  *slog.Logger
}

// RangeSummary reports what a range run did, per day.
type RangeSummary struct {
	Fetched []time.Time
	Skipped []time.Time
	Failed  []time.Time
	Stopped bool
}

// RangeGatherer backfills an explicit closed interval, newest day first. It
// is independent of the incremental planner and fills middle gaps too.
type RangeGatherer struct {
	opts  RangeOptions
	guard *guard
	log   *slog.Logger
}

var _ Gatherer = (*RangeGatherer)(nil)

// NewRangeGatherer creates a RangeGatherer.
func NewRangeGatherer(opts RangeOptions) *RangeGatherer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("gatherer", "range", "report", opts.Report)
	return &RangeGatherer{
		opts:  opts,
		guard: newGuard("range:"+opts.Report, opts.Policy, opts.Fetcher, log),
		log:   log,
	}
}

// Name returns the gatherer identifier.
func (g *RangeGatherer) Name() string { return "range:" + g.opts.Report }

// Validate rejects ranges that cannot be fetched.
func (g *RangeGatherer) Validate() error {
	if err := g.opts.Range.Validate(); err != nil {
		return err
	}
	today := util.Today(g.opts.Now)
	if util.Day(g.opts.Range.End).After(today) {
		return fmt.Errorf("date range end %s is after today %s", util.FormatDay(g.opts.Range.End), util.FormatDay(today))
	}
	return nil
}

// Execute walks the range and returns what happened to each day. Fetch
// failures are recorded and the walk continues; a tripped breaker, the stop
// file or ctx end it early.
func (g *RangeGatherer) Execute(ctx context.Context) (RangeSummary, error) {
	var sum RangeSummary
	if err := g.Validate(); err != nil {
		return sum, err
	}

	g.opts.Status.setRunning(true)
	defer g.opts.Status.setRunning(false)

	days := g.opts.Range.Descending()
	g.log.Info("range backfill starting",
		"start", util.FormatDay(g.opts.Range.Start), "end", util.FormatDay(g.opts.Range.End),
		"days", len(days), "force", g.opts.Force)

	for i, day := range days {
		if ctx.Err() != nil || g.opts.Stop.Present() {
			sum.Stopped = true
			g.log.Info("range backfill stopped", "remaining", len(days)-i, "next", util.FormatDay(day))
			return sum, ErrStopped
		}

		if !g.opts.Force && g.opts.Archive.Exists(day) {
			sum.Skipped = append(sum.Skipped, day)
			g.log.Debug("skip existing", "date", util.FormatDay(day))
			continue
		}

		if err := g.opts.Limiter.Wait(ctx); err != nil {
			sum.Stopped = true
			return sum, ErrStopped
		}

		_, err := g.guard.fetch(ctx, day, func(data []byte) error {
			_, werr := g.opts.Archive.Write(day, data)
			return werr
		})
		countFetch(ctx, g.opts.Report, "range", err)
		if err != nil {
			sum.Failed = append(sum.Failed, day)
			g.opts.Status.failed(err, g.guard.open())
			g.log.Error("fetch failed", "date", util.FormatDay(day), "error", err)
			if errors.Is(err, ErrCircuitOpen) {
				return sum, err
			}
			continue
		}
		sum.Fetched = append(sum.Fetched, day)
		g.opts.Status.fetched(day)
		g.log.Info("fetched", "date", util.FormatDay(day))
	}
	return sum, nil
}

// Run executes the range and fails when any day could not be fetched.
func (g *RangeGatherer) Run(ctx context.Context) error {
	sum, err := g.Execute(ctx)
	g.log.Info("range backfill finished",
		"fetched", len(sum.Fetched), "skipped", len(sum.Skipped), "failed", len(sum.Failed), "stopped", sum.Stopped)
	if errors.Is(err, ErrStopped) {
		return nil
	}
	if err != nil {
		return err
	}
	return sum.Err()
}

// String summarises the per-day outcome counts.
func (s RangeSummary) String() string {
	out := fmt.Sprintf("fetched %d, skipped %d, failed %d", len(s.Fetched), len(s.Skipped), len(s.Failed))
	if s.Stopped {
		out += ", stopped early"
	}
	return out
}

// Err lists the failed days, or is nil when none failed.
func (s RangeSummary) Err() error {
	if len(s.Failed) == 0 {
		return nil
	}
	return fmt.Errorf("%d day(s) failed: %s", len(s.Failed), joinDays(s.Failed))
}

func joinDays(days []time.Time) string {
	s := make([]string, len(days))
	for i, d := range days {
		s[i] = util.FormatDay(d)
	}
	return strings.Join(s, ", ")
}
