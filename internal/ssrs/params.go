package ssrs

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"reportsync/internal/config"
)

// DateParams names the report parameters that carry the requested dates. It
// is either a single-date parameter or a start/end pair.
type DateParams struct {
	single string
	start  string
	end    string
}

// SingleDate is a report taking one date parameter.
func SingleDate(name string) DateParams { return DateParams{single: name} }

// DateRange is a report taking a start and an end date parameter.
func DateRange(startName, endName string) DateParams {
	return DateParams{start: startName, end: endName}
}

// IsRange reports whether p is a start/end pair.
func (p DateParams) IsRange() bool { return p.start != "" }

// IsZero reports whether no parameter is named.
func (p DateParams) IsZero() bool { return p == DateParams{} }

// Names returns the parameter names in request order.
func (p DateParams) Names() []string {
	if p.IsRange() {
		return []string{p.start, p.end}
	}
	return []string{p.single}
}

func (p DateParams) String() string {
	if p.IsRange() {
		return fmt.Sprintf("DateRange(%s, %s)", p.start, p.end)
	}
	return fmt.Sprintf("SingleDate(%s)", p.single)
}

// Values renders the parameters for [start, end] using layout. A single-date
// report receives start.
func (p DateParams) Values(start, end time.Time, layout string) url.Values {
	v := url.Values{}
	if p.IsRange() {
		v.Set(p.start, start.Format(layout))
		v.Set(p.end, end.Format(layout))
	} else if p.single != "" {
		v.Set(p.single, start.Format(layout))
	}
	return v
}

var (
	startNameRe = regexp.MustCompile(`(?i)(START|BEGIN|(^|_)FROM($|_))`)
	endNameRe   = regexp.MustCompile(`(?i)((^|_)END|END($|_)|(^|_)(TO|THRU|THROUGH)($|_))`)
	dateNameRe  = regexp.MustCompile(`(?i)(DATE|DAY)`)
)

// InferDateParams resolves report parameter names, as listed in the report's
// metadata, into DateParams. It runs once per report at startup.
func InferDateParams(names []string) (DateParams, error) {
	var start, end, dates []string
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		// A name matching both patterns counts as a start.
		switch {
		case startNameRe.MatchString(n):
			start = append(start, n)
		case endNameRe.MatchString(n):
			end = append(end, n)
		case dateNameRe.MatchString(n):
			dates = append(dates, n)
		}
	}

	switch {
	case len(start) == 1 && len(end) == 1:
		return DateRange(start[0], end[0]), nil
	case len(start) == 0 && len(end) == 0 && len(dates) == 1:
		return SingleDate(dates[0]), nil
	case len(start) == 0 && len(end) == 0 && len(dates) == 0 && len(names) == 1:
		return SingleDate(strings.TrimSpace(names[0])), nil
	}
	return DateParams{}, fmt.Errorf("cannot infer date parameters from %v", names)
}

// ParamsFor resolves a report's configured date parameters.
func ParamsFor(r *config.Report) (DateParams, error) {
	switch {
	case r.Params.Date != "":
		return SingleDate(r.Params.Date), nil
	case r.Params.Start != "":
		return DateRange(r.Params.Start, r.Params.End), nil
	default:
		p, err := InferDateParams(r.Params.Names)
		if err != nil {
			return DateParams{}, fmt.Errorf("report %s: %w", r.Name, err)
		}
		return p, nil
	}
}
