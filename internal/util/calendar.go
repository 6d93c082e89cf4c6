package util

import (
	"fmt"
	"strings"
	"time"
)

// DayLayout is the canonical textual form of a calendar day.
const DayLayout = "2006-01-02"

// Day truncates t to its calendar date, expressed as midnight UTC. All days
// handled by the module go through Day so they compare and hash equally.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Today returns the current local calendar date as a Day.
func Today(now func() time.Time) time.Time {
	if now == nil {
		now = time.Now
	}
	return Day(now())
}

// ParseDay parses a YYYY-MM-DD string into a Day.
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(DayLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing day %q: %w", s, err)
	}
	return t, nil
}

// FormatDay renders a Day as YYYY-MM-DD.
func FormatDay(t time.Time) string {
	return t.Format(DayLayout)
}

// AddDays shifts a Day by n calendar days.
func AddDays(t time.Time, n int) time.Time {
	return Day(t).AddDate(0, 0, n)
}

// DaysBetween returns the number of calendar days from a to b (b - a).
func DaysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)).Hours() / 24)
}

// looseDayLayouts are the day-stamp formats seen in report exports, tried in
// order.
var looseDayLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"2006/01/02",
	"01/02/06",
	"1/2/06",
}

// ParseLooseDay accepts any of the day-stamp formats report exports use. Only
// the leading date portion is considered, so "8/21/2025 12:00:00 AM" parses.
func ParseLooseDay(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if i := strings.IndexAny(s, " T"); i > 0 {
		s = s[:i]
	}
	for _, layout := range looseDayLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
