package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"reportsync/internal/consolidate"
	"reportsync/internal/gather"
	"reportsync/internal/store"
	"reportsync/internal/telemetry"
	"reportsync/internal/util"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// ReportJSON describes one configured report.
type ReportJSON struct {
	Name       string                 `json:"name"`
	Prefix     string                 `json:"prefix"`
	Table      string                 `json:"table"`
	OnExisting string                 `json:"on_existing"`
	StartDate  string                 `json:"start_date,omitempty"`
	MinDate    string                 `json:"min_date,omitempty"`
	Status     *gather.StatusSnapshot `json:"status,omitempty"`
}

// InvalidFileJSON is an archive file excluded from coverage.
type InvalidFileJSON struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// CoverageJSON is the archive diagnostics for one report.
type CoverageJSON struct {
	Report   string            `json:"report"`
	Files    int               `json:"files"`
	Earliest string            `json:"earliest,omitempty"`
	Latest   string            `json:"latest,omitempty"`
	Gaps     []string          `json:"gaps"`
	Invalid  []InvalidFileJSON `json:"invalid"`
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	for name, st := range s.statuses {
		if !st.Healthy() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"report": name,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReports(w http.ResponseWriter, _ *http.Request) {
	out := make([]ReportJSON, 0, len(s.cfg.Reports))
	for _, r := range s.cfg.Reports {
		rj := ReportJSON{
			Name:       r.Name,
			Prefix:     r.Prefix,
			Table:      r.Table,
			OnExisting: r.OnExisting,
			StartDate:  r.StartDate,
			MinDate:    r.MinDate,
		}
		if st, ok := s.statuses[r.Name]; ok {
			snap := st.Snapshot()
			rj.Status = &snap
		}
		out = append(out, rj)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCoverage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	rep, arch, ok := s.report(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown report "+name)
		return
	}

	engine := &consolidate.Engine{Archive: arch, Fields: rep.Fields, Logger: s.log}
	diag, _, err := engine.Gaps()
	if err != nil {
		s.log.Error("scanning archive", "report", name, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := CoverageJSON{
		Report:  name,
		Files:   diag.Files,
		Gaps:    make([]string, 0, len(diag.Gaps)),
		Invalid: make([]InvalidFileJSON, 0, len(diag.Invalid)),
	}
	if diag.Files > 0 {
		out.Earliest = util.FormatDay(diag.Earliest)
		out.Latest = util.FormatDay(diag.Latest)
	}
	for _, d := range diag.Gaps {
		out.Gaps = append(out.Gaps, util.FormatDay(d))
	}
	for _, inv := range diag.Invalid {
		out.Invalid = append(out.Invalid, InvalidFileJSON{Path: inv.Path, Error: inv.Err.Error()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, _, ok := s.report(name); !ok {
		writeError(w, http.StatusNotFound, "unknown report "+name)
		return
	}
	st, ok := s.statuses[name]
	if !ok {
		writeJSON(w, http.StatusOK, gather.StatusSnapshot{Report: name})
		return
	}
	writeJSON(w, http.StatusOK, st.Snapshot())
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run log unavailable")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.runs.ListRuns(r.Context(), limit)
	if err != nil {
		s.log.Error("listing runs", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics not enabled")
		return
	}
	points, err := telemetry.Collect(r.Context(), s.metrics)
	if err != nil {
		s.log.Error("collecting metrics", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if points == nil {
		points = []telemetry.Point{}
	}
	writeJSON(w, http.StatusOK, points)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run log unavailable")
		return
	}
	run, err := s.runs.GetRun(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run log unavailable")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := s.runs.GetRun(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	changes, err := s.runs.ListChanges(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if changes == nil {
		changes = []store.ChangeRecord{}
	}
	writeJSON(w, http.StatusOK, changes)
}

func parseLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxListLimit), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
