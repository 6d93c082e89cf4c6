package gather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"reportsync/internal/archive"
	"reportsync/internal/config"
	"reportsync/internal/util"
)

// IncrementalOptions configures an IncrementalGatherer.
type IncrementalOptions struct {
	Report     string
	Archive    *archive.Archive
	Fetcher    Fetcher
	StartDate  time.Time
	MinDate    time.Time // zero: no floor
	OnExisting string    // config.OnExistingHalt or config.OnExistingSkip
	Stop       StopFile
	// Exists reports whether a day is already stored. nil uses
	// Archive.Exists.
	Exists     func(day time.Time) bool
	Continuous bool
	Interval   time.Duration
	Policy     Policy
	Status     *Status
	Now        func() time.Time
	Logger     *slog.Logger
}

// IncrementalGatherer walks backward one day at a time from the earliest
// archived day. The next target is recomputed from disk on every step, so no
// cursor is kept and a failed fetch is simply retried next time.
type IncrementalGatherer struct {
	opts  IncrementalOptions
	guard *guard
	log   *slog.Logger

	// skipped holds days passed over under OnExistingSkip. It lives only as
	// long as this gatherer.
	skipped *archive.Coverage
}

var _ Gatherer = (*IncrementalGatherer)(nil)

// NewIncrementalGatherer creates an IncrementalGatherer.
func NewIncrementalGatherer(opts IncrementalOptions) *IncrementalGatherer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.OnExisting == "" {
		opts.OnExisting = config.OnExistingHalt
	}
	if opts.Exists == nil && opts.Archive != nil {
		opts.Exists = opts.Archive.Exists
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("gatherer", "incremental", "report", opts.Report)
	return &IncrementalGatherer{
		opts:    opts,
		guard:   newGuard("incremental:"+opts.Report, opts.Policy, opts.Fetcher, log),
		log:     log,
		skipped: archive.NewCoverage(),
	}
}

// Name returns the gatherer identifier.
func (g *IncrementalGatherer) Name() string { return "incremental:" + g.opts.Report }

// Plan scans the archive and computes the next decision without acting on it.
func (g *IncrementalGatherer) Plan() (Decision, error) {
	res, err := g.opts.Archive.Scan()
	if err != nil {
		return Decision{}, err
	}
	for _, inv := range res.Invalid {
		g.log.Warn("excluding archive file", "path", inv.Path, "error", inv.Err)
	}

	return Decide(PlanInput{
		Coverage:  res.Coverage.Union(g.skipped),
		StartDate: g.opts.StartDate,
		MinDate:   g.opts.MinDate,
		Stop:      g.opts.Stop.Present(),
		Today:     util.Today(g.opts.Now),
		Exists:    g.opts.Exists,
	}), nil
}

// Step runs one planning step and carries out its decision. The error is
// non-nil when the fetch failed; the decision is still returned.
func (g *IncrementalGatherer) Step(ctx context.Context) (Decision, error) {
	d, err := g.Plan()
	if err != nil {
		return Decision{}, fmt.Errorf("scanning archive: %w", err)
	}
	countDecision(ctx, g.opts.Report, d)
	g.opts.Status.decided(d)

	switch d.Action {
	case ActionHalt:
		if d.Date.IsZero() {
			g.log.Info("halt", "reason", d.Reason.String())
		} else {
			g.log.Info("halt", "reason", d.Reason.String(), "date", util.FormatDay(d.Date))
		}
		return d, nil

	case ActionSkipExisting:
		g.log.Info("target already archived", "date", util.FormatDay(d.Date), "on_existing", g.opts.OnExisting)
		if g.opts.OnExisting == config.OnExistingSkip {
			g.skipped.Add(d.Date)
		}
		return d, nil
	}

	g.log.Info("fetching", "date", util.FormatDay(d.Date))
	start := time.Now()
	var rec archive.Record
	_, err = g.guard.fetch(ctx, d.Date, func(data []byte) error {
		var werr error
		rec, werr = g.opts.Archive.Write(d.Date, data)
		return werr
	})
	countFetch(ctx, g.opts.Report, "incremental", err)
	if err != nil {
		g.opts.Status.failed(err, g.guard.open())
		g.log.Error("fetch failed", "date", util.FormatDay(d.Date), "error", err)
		return d, fmt.Errorf("fetching %s: %w", util.FormatDay(d.Date), err)
	}
	g.opts.Status.fetched(d.Date)
	g.log.Info("fetched", "date", util.FormatDay(d.Date), "path", rec.Path, "bytes", rec.Size,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return d, nil
}

// Run executes a single step, or loops until a halt when Continuous is set.
// Interrupts are observed between iterations only.
func (g *IncrementalGatherer) Run(ctx context.Context) error {
	g.opts.Status.setRunning(true)
	defer g.opts.Status.setRunning(false)

	for {
		if ctx.Err() != nil {
			g.log.Info("interrupted")
			return nil
		}

		d, err := g.Step(ctx)
		switch {
		case errors.Is(err, ErrCircuitOpen):
			g.log.Error("giving up: fetch breaker open",
				"max_consecutive_failures", g.opts.Policy.MaxConsecutiveFailures, "date", util.FormatDay(d.Date))
			return err
		case err != nil && !g.opts.Continuous:
			return err
		case err == nil && d.Action == ActionHalt:
			return nil
		case err == nil && d.Action == ActionSkipExisting && g.opts.OnExisting != config.OnExistingSkip:
			return nil
		}

		if !g.opts.Continuous {
			return nil
		}
		g.opts.Stop.Sleep(ctx, g.opts.Interval, g.log)
	}
}
