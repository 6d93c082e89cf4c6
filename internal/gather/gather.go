package gather

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reportsync/internal/util"
)

// Gatherer is the interface for all report gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run executes the gathering process until it halts or ctx is cancelled.
	Run(ctx context.Context) error
}

// Fetcher renders the report for a single day.
type Fetcher interface {
	Fetch(ctx context.Context, day time.Time) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, day time.Time) ([]byte, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, day time.Time) ([]byte, error) {
	return f(ctx, day)
}

// Driver errors.
var (
	ErrStopped     = errors.New("gather: stopped before completion")
	ErrCircuitOpen = errors.New("gather: too many consecutive fetch failures")
)

// DateRange is a closed interval of calendar days.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Validate rejects ranges whose end precedes their start.
func (r DateRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return errors.New("date range requires both start and end")
	}
	if util.Day(r.End).Before(util.Day(r.Start)) {
		return fmt.Errorf("date range end %s is before start %s", util.FormatDay(r.End), util.FormatDay(r.Start))
	}
	return nil
}

// Descending returns every day of the range from End back to Start.
func (r DateRange) Descending() []time.Time {
	start, end := util.Day(r.Start), util.Day(r.End)
	var days []time.Time
	for d := end; !d.Before(start); d = util.AddDays(d, -1) {
		days = append(days, d)
	}
	return days
}

// Len returns the number of days in the range.
func (r DateRange) Len() int {
	n := util.DaysBetween(r.Start, r.End) + 1
	if n < 0 {
		return 0
	}
	return n
}
