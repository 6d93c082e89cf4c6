package gather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"reportsync/internal/util"
)

// Policy is the driver-level retry strategy. The planner never sees it.
type Policy struct {
	// Attempts bounds tries within one iteration. Values below 1 mean 1.
	Attempts int
	// Delay is the first backoff between in-iteration attempts.
	Delay time.Duration
	// Retryable selects errors worth retrying within the iteration. Nil
	// retries everything.
	Retryable func(error) bool
	// MaxConsecutiveFailures trips the breaker after that many failed
	// iterations in a row. 0 disables the breaker.
	MaxConsecutiveFailures int
}

// guard applies a Policy to a Fetcher.
type guard struct {
	name    string
	policy  Policy
	fetcher Fetcher
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger
}

func newGuard(name string, p Policy, f Fetcher, log *slog.Logger) *guard {
	g := &guard{name: name, policy: p, fetcher: f, log: log}
	if p.MaxConsecutiveFailures > 0 {
		limit := uint32(p.MaxConsecutiveFailures)
		g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: name,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= limit
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("fetch breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			},
		})
	}
	return g
}

// fetch runs one iteration's worth of attempts for day. accept, when set,
// checks and stores the body; its failure counts as a failed attempt. The
// returned error is ErrCircuitOpen once the breaker has tripped.
func (g *guard) fetch(ctx context.Context, day time.Time, accept func([]byte) error) ([]byte, error) {
	// An interrupt lets the attempt in flight finish; only the backoff between
	// attempts observes ctx.
	fetchCtx := context.WithoutCancel(ctx)
	attempt := func() ([]byte, error) {
		var data []byte
		err := util.Retry(ctx, g.policy.Attempts, g.policy.Delay, g.policy.Retryable, func() error {
			var err error
			data, err = g.fetcher.Fetch(fetchCtx, day)
			if err == nil && accept != nil {
				err = accept(data)
			}
			if err != nil {
				g.log.Debug("fetch attempt failed", "date", util.FormatDay(day), "error", err)
			}
			return err
		})
		return data, err
	}

	if g.breaker == nil {
		return attempt()
	}
	out, err := g.breaker.Execute(func() (interface{}, error) {
		return attempt()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	if err != nil {
		if g.open() {
			// This failure tripped the breaker.
			return nil, fmt.Errorf("%w: %w", ErrCircuitOpen, err)
		}
		return nil, err
	}
	return out.([]byte), nil
}

// open reports whether the breaker has tripped.
func (g *guard) open() bool {
	return g.breaker != nil && g.breaker.State() == gobreaker.StateOpen
}
