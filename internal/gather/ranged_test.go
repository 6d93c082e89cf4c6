package gather

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportsync/internal/archive"
	"reportsync/internal/util"
)

func newRange(t *testing.T, f Fetcher, r DateRange, mutate func(*RangeOptions)) (*RangeGatherer, *archive.Archive) {
	t.Helper()
	dir := t.TempDir()
	a := archive.New(dir, "SCHLabor", "LoggedDate")
	opts := RangeOptions{
		Report:  "labor",
		Archive: a,
		Fetcher: f,
		Range:   r,
		Stop:    StopFile{Path: filepath.Join(dir, "STOP_BACKFILL.txt")},
		Status:  NewStatus("labor"),
		Now:     fixedNow,
		Logger:  util.Discard(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewRangeGatherer(opts), a
}

func TestRangeFetchesDescendingAndSkipsExisting(t *testing.T) {
	f := &fakeFetcher{}
	g, a := newRange(t, f, DateRange{Start: day("2025-08-01"), End: day("2025-08-05")}, nil)
	_, err := a.Write(day("2025-08-03"), []byte(body))
	require.NoError(t, err)

	sum, err := g.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []time.Time{day("2025-08-05"), day("2025-08-04"), day("2025-08-02"), day("2025-08-01")}, f.Calls())
	assert.Equal(t, []time.Time{day("2025-08-03")}, sum.Skipped)
	assert.Len(t, sum.Fetched, 4)
	assert.False(t, sum.Stopped)

	res, err := a.Scan()
	require.NoError(t, err)
	assert.Empty(t, res.Coverage.Gaps())
	assert.Equal(t, 5, res.Coverage.Len())
}

func TestRangeForceRefetches(t *testing.T) {
	f := &fakeFetcher{}
	g, a := newRange(t, f, DateRange{Start: day("2025-08-02"), End: day("2025-08-03")}, func(o *RangeOptions) {
		o.Force = true
	})
	_, err := a.Write(day("2025-08-03"), []byte(body))
	require.NoError(t, err)

	sum, err := g.Execute(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sum.Skipped)
	assert.Equal(t, []time.Time{day("2025-08-03"), day("2025-08-02")}, f.Calls())
}

func TestRangeContinuesPastFailures(t *testing.T) {
	f := &fakeFetcher{respond: func(_ int, d time.Time) ([]byte, error) {
		if d.Equal(day("2025-08-02")) {
			return nil, errUpstream
		}
		return []byte(body), nil
	}}
	g, a := newRange(t, f, DateRange{Start: day("2025-08-01"), End: day("2025-08-03")}, nil)

	err := g.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2025-08-02")
	assert.Len(t, f.Calls(), 3)
	assert.True(t, a.Exists(day("2025-08-01")))
	assert.False(t, a.Exists(day("2025-08-02")))
}

func TestRangeBreakerAborts(t *testing.T) {
	f := &fakeFetcher{respond: func(int, time.Time) ([]byte, error) { return nil, errUpstream }}
	g, _ := newRange(t, f, DateRange{Start: day("2025-08-01"), End: day("2025-08-10")}, func(o *RangeOptions) {
		o.Policy = Policy{MaxConsecutiveFailures: 2}
	})

	sum, err := g.Execute(context.Background())
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Len(t, f.Calls(), 2)
	assert.Len(t, sum.Failed, 2)
}

func TestRangeRejectsInvalidRanges(t *testing.T) {
	cases := []DateRange{
		{Start: day("2025-08-05"), End: day("2025-08-01")},
		{Start: day("2025-08-20"), End: day("2025-08-23")},
		{Start: day("2025-08-20")},
	}
	for _, r := range cases {
		f := &fakeFetcher{}
		g, _ := newRange(t, f, r, nil)
		_, err := g.Execute(context.Background())
		assert.Error(t, err, "range %v", r)
		assert.Empty(t, f.Calls())
	}
}

func TestRangeStopsOnStopFile(t *testing.T) {
	var stopPath string
	f := &fakeFetcher{}
	f.respond = func(n int, _ time.Time) ([]byte, error) {
		if n == 0 {
			require.NoError(t, os.WriteFile(stopPath, []byte("stop"), 0o644))
		}
		return []byte(body), nil
	}
	g, _ := newRange(t, f, DateRange{Start: day("2025-08-01"), End: day("2025-08-05")}, func(o *RangeOptions) {
		stopPath = o.Stop.Path
	})

	sum, err := g.Execute(context.Background())
	require.ErrorIs(t, err, ErrStopped)
	assert.True(t, sum.Stopped)
	assert.Len(t, f.Calls(), 1)

	// Run treats an operator stop as a clean exit.
	g2, _ := newRange(t, &fakeFetcher{}, DateRange{Start: day("2025-08-01"), End: day("2025-08-01")}, func(o *RangeOptions) {
		o.Stop = StopFile{Path: stopPath}
	})
	assert.NoError(t, g2.Run(context.Background()))
}

func TestRangeHonoursRateLimiterCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := &fakeFetcher{}
	f.respond = func(int, time.Time) ([]byte, error) {
		cancel()
		return []byte(body), nil
	}
	g, _ := newRange(t, f, DateRange{Start: day("2025-08-01"), End: day("2025-08-05")}, func(o *RangeOptions) {
		o.Limiter = util.NewRateLimiter(1)
	})

	sum, err := g.Execute(ctx)
	require.ErrorIs(t, err, ErrStopped)
	assert.Len(t, sum.Fetched, 1)
}
