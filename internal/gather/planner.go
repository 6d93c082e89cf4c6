package gather

import (
	"fmt"
	"time"

	"reportsync/internal/archive"
	"reportsync/internal/util"
)

// Action is what the planner asks the driver to do next.
type Action int

const (
	ActionFetch Action = iota
	ActionSkipExisting
	ActionHalt
)

func (a Action) String() string {
	switch a {
	case ActionFetch:
		return "fetch"
	case ActionSkipExisting:
		return "skip_existing"
	case ActionHalt:
		return "halt"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// HaltReason says which condition ended planning.
type HaltReason int

const (
	ReasonNone HaltReason = iota
	ReasonUserRequested
	ReasonFloorReached
	ReasonFutureDate
)

func (r HaltReason) String() string {
	switch r {
	case ReasonNone:
		return ""
	case ReasonUserRequested:
		return "user_requested"
	case ReasonFloorReached:
		return "floor_reached"
	case ReasonFutureDate:
		return "future_date"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Decision is the planner output. Date is zero only for UserRequested halts.
type Decision struct {
	Action Action
	Date   time.Time
	Reason HaltReason
}

func (d Decision) String() string {
	s := d.Action.String()
	if !d.Date.IsZero() {
		s += " " + util.FormatDay(d.Date)
	}
	if d.Reason != ReasonNone {
		s += " (" + d.Reason.String() + ")"
	}
	return s
}

// PlanInput is everything a planning step looks at.
type PlanInput struct {
	Coverage  *archive.Coverage
	StartDate time.Time
	// MinDate is the floor; the zero time means no floor.
	MinDate time.Time
	Stop    bool
	Today   time.Time
	// Exists checks for a valid archive file. Nil means nothing exists
	// beyond Coverage.
	Exists func(day time.Time) bool
}

// Decide computes the next backfill action. It keeps no state: identical
// inputs always produce identical decisions, and the target only ever moves
// backward from the earliest covered day.
func Decide(in PlanInput) Decision {
	if in.Stop {
		return Decision{Action: ActionHalt, Reason: ReasonUserRequested}
	}

	var target time.Time
	if earliest, ok := coverageEarliest(in.Coverage); ok {
		target = util.AddDays(earliest, -1)
	} else {
		target = util.Day(in.StartDate)
	}

	if !in.MinDate.IsZero() && target.Before(util.Day(in.MinDate)) {
		return Decision{Action: ActionHalt, Date: target, Reason: ReasonFloorReached}
	}
	if target.After(util.Day(in.Today)) {
		return Decision{Action: ActionHalt, Date: target, Reason: ReasonFutureDate}
	}
	if in.Exists != nil && in.Exists(target) {
		return Decision{Action: ActionSkipExisting, Date: target}
	}
	return Decision{Action: ActionFetch, Date: target}
}

func coverageEarliest(c *archive.Coverage) (time.Time, bool) {
	if c == nil {
		return time.Time{}, false
	}
	return c.Earliest()
}
