package gather

import (
	"sync"
	"time"
)

// Status is a concurrency-safe view of one driver's progress, shared with
// the status server.
type Status struct {
	mu    sync.Mutex
	state StatusSnapshot
}

// StatusSnapshot is a copy of a Status at one instant.
type StatusSnapshot struct {
	Report              string    `json:"report"`
	Running             bool      `json:"running"`
	LastDecision        string    `json:"last_decision,omitempty"`
	LastFetched         time.Time `json:"last_fetched,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	BreakerOpen         bool      `json:"breaker_open"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// NewStatus returns a Status for the named report.
func NewStatus(report string) *Status {
	return &Status{state: StatusSnapshot{Report: report}}
}

// Snapshot returns a copy of the current state.
func (s *Status) Snapshot() StatusSnapshot {
	if s == nil {
		return StatusSnapshot{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Healthy is false once the fetch breaker has tripped.
func (s *Status) Healthy() bool {
	return !s.Snapshot().BreakerOpen
}

func (s *Status) update(fn func(*StatusSnapshot)) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
	s.state.UpdatedAt = time.Now()
}

func (s *Status) setRunning(running bool) {
	s.update(func(st *StatusSnapshot) { st.Running = running })
}

func (s *Status) decided(d Decision) {
	s.update(func(st *StatusSnapshot) { st.LastDecision = d.String() })
}

func (s *Status) fetched(day time.Time) {
	s.update(func(st *StatusSnapshot) {
		st.LastFetched = day
		st.LastError = ""
		st.ConsecutiveFailures = 0
	})
}

func (s *Status) failed(err error, breakerOpen bool) {
	s.update(func(st *StatusSnapshot) {
		st.LastError = err.Error()
		st.ConsecutiveFailures++
		st.BreakerOpen = breakerOpen
	})
}
