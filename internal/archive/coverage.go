package archive

import (
	"sort"
	"time"

	"reportsync/internal/util"
)

// Coverage is the set of days with a valid archive file.
type Coverage struct {
	days map[time.Time]struct{}
}

// NewCoverage returns a coverage set holding the given days.
func NewCoverage(days ...time.Time) *Coverage {
	c := &Coverage{days: make(map[time.Time]struct{}, len(days))}
	for _, d := range days {
		c.Add(d)
	}
	return c
}

// Add inserts a day.
func (c *Coverage) Add(day time.Time) {
	c.days[util.Day(day)] = struct{}{}
}

// Contains reports whether day is covered.
func (c *Coverage) Contains(day time.Time) bool {
	_, ok := c.days[util.Day(day)]
	return ok
}

// Len returns the number of covered days.
func (c *Coverage) Len() int { return len(c.days) }

// Empty reports whether no day is covered.
func (c *Coverage) Empty() bool { return len(c.days) == 0 }

// Union returns a new set holding the days of both sets.
func (c *Coverage) Union(other *Coverage) *Coverage {
	out := NewCoverage()
	for d := range c.days {
		out.days[d] = struct{}{}
	}
	if other != nil {
		for d := range other.days {
			out.days[d] = struct{}{}
		}
	}
	return out
}

// Days returns the covered days in ascending order.
func (c *Coverage) Days() []time.Time {
	out := make([]time.Time, 0, len(c.days))
	for d := range c.days {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Earliest returns the minimum covered day. ok is false for an empty set.
func (c *Coverage) Earliest() (time.Time, bool) {
	var min time.Time
	found := false
	for d := range c.days {
		if !found || d.Before(min) {
			min, found = d, true
		}
	}
	return min, found
}

// Latest returns the maximum covered day. ok is false for an empty set.
func (c *Coverage) Latest() (time.Time, bool) {
	var max time.Time
	found := false
	for d := range c.days {
		if !found || d.After(max) {
			max, found = d, true
		}
	}
	return max, found
}

// Gaps returns, in ascending order, every day between Earliest and Latest
// inclusive that is not covered.
func (c *Coverage) Gaps() []time.Time {
	first, ok := c.Earliest()
	if !ok {
		return nil
	}
	last, _ := c.Latest()

	var gaps []time.Time
	for d := first; !d.After(last); d = util.AddDays(d, 1) {
		if !c.Contains(d) {
			gaps = append(gaps, d)
		}
	}
	return gaps
}
