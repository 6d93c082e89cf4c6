package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"reportsync/internal/archive"
	"reportsync/internal/config"
	"reportsync/internal/gather"
	"reportsync/internal/store"
	"reportsync/internal/telemetry"
	"reportsync/internal/util"
)

const laborBody = "SCHLabor\nLoggedDate,COMNumber,ActualHours\n8/20/2025,C1,2.5\n"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Storage.ArchiveDir = t.TempDir()
	cfg.Reports = []config.Report{
		{
			Name:        "labor",
			Prefix:      "SCHLabor",
			HeaderToken: "LoggedDate",
			Table:       "labor",
			OnExisting:  config.OnExistingSkip,
			StartDate:   "2025-08-21",
			Fields: []config.Field{
				{Name: "LoggedDate", Kind: config.KindDay},
				{Name: "COMNumber", Kind: config.KindText},
				{Name: "ActualHours", Kind: config.KindHours},
			},
		},
		{
			Name:        "scheduling",
			Prefix:      "SCHSchedulingSummaryReport",
			HeaderToken: "COMNumber",
			Table:       "scheduling",
			OnExisting:  config.OnExistingHalt,
			Fields:      []config.Field{{Name: "ShipDate", Kind: config.KindDay}},
		},
	}
	return cfg
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "reportsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func get(t *testing.T, h http.Handler, path string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func day(s string) time.Time {
	d, err := util.ParseDay(s)
	if err != nil {
		panic(err)
	}
	return d
}

// trippedStatus drives a real gatherer into an open breaker.
func trippedStatus(t *testing.T, cfg *config.Config) *gather.Status {
	t.Helper()
	st := gather.NewStatus("labor")
	g := gather.NewIncrementalGatherer(gather.IncrementalOptions{
		Report:    "labor",
		Archive:   archive.New(t.TempDir(), "SCHLabor", "LoggedDate"),
		StartDate: day("2025-08-21"),
		Fetcher: gather.FetcherFunc(func(context.Context, time.Time) ([]byte, error) {
			return nil, errors.New("upstream unavailable")
		}),
		Policy: gather.Policy{MaxConsecutiveFailures: 1},
		Status: st,
		Now:    func() time.Time { return day("2025-08-22") },
		Logger: util.Discard(),
	})
	_, err := g.Step(context.Background())
	require.ErrorIs(t, err, gather.ErrCircuitOpen)
	require.False(t, st.Healthy())
	return st
}

func TestNewServer(t *testing.T) {
	cfg := testConfig(t)
	s := NewServer(cfg, nil, nil, util.Discard())
	require.NotNil(t, s)
	assert.Equal(t, "127.0.0.1:8080", s.httpAddr)
	assert.Equal(t, "127.0.0.1:9090", s.grpcAddr)
}

func TestLiveAndReady(t *testing.T) {
	cfg := testConfig(t)
	h := NewServer(cfg, nil, nil, util.Discard()).Handler()

	var body map[string]string
	assert.Equal(t, http.StatusOK, get(t, h, "/health/live", &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, http.StatusOK, get(t, h, "/health/ready", nil))

	statuses := map[string]*gather.Status{"labor": trippedStatus(t, cfg)}
	h = NewServer(cfg, nil, statuses, util.Discard()).Handler()
	body = nil
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/health/ready", &body))
	assert.Equal(t, "labor", body["report"])
}

func TestReports(t *testing.T) {
	cfg := testConfig(t)
	statuses := map[string]*gather.Status{"labor": gather.NewStatus("labor")}
	h := NewServer(cfg, nil, statuses, util.Discard()).Handler()

	var out []ReportJSON
	require.Equal(t, http.StatusOK, get(t, h, "/api/reports", &out))
	require.Len(t, out, 2)
	assert.Equal(t, "labor", out[0].Name)
	assert.Equal(t, "skip", out[0].OnExisting)
	require.NotNil(t, out[0].Status)
	assert.Equal(t, "labor", out[0].Status.Report)
	assert.Nil(t, out[1].Status)
}

func TestCoverage(t *testing.T) {
	cfg := testConfig(t)
	a := archive.New(cfg.Storage.ArchiveDir, "SCHLabor", "LoggedDate")
	for _, d := range []string{"2025-08-19", "2025-08-22"} {
		_, err := a.Write(day(d), []byte(laborBody))
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Storage.ArchiveDir, "SCHLabor_20250820.csv"), nil, 0o644))

	h := NewServer(cfg, nil, nil, util.Discard()).Handler()
	var out CoverageJSON
	require.Equal(t, http.StatusOK, get(t, h, "/api/reports/labor/coverage", &out))
	assert.Equal(t, 2, out.Files)
	assert.Equal(t, "2025-08-19", out.Earliest)
	assert.Equal(t, "2025-08-22", out.Latest)
	assert.Equal(t, []string{"2025-08-20", "2025-08-21"}, out.Gaps)
	require.Len(t, out.Invalid, 1)
	assert.Contains(t, out.Invalid[0].Path, "SCHLabor_20250820.csv")

	var empty CoverageJSON
	require.Equal(t, http.StatusOK, get(t, h, "/api/reports/scheduling/coverage", &empty))
	assert.Zero(t, empty.Files)
	assert.Empty(t, empty.Earliest)
	assert.Empty(t, empty.Gaps)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/reports/nope/coverage", nil))
}

func TestStatus(t *testing.T) {
	cfg := testConfig(t)
	statuses := map[string]*gather.Status{"labor": trippedStatus(t, cfg)}
	h := NewServer(cfg, nil, statuses, util.Discard()).Handler()

	var snap gather.StatusSnapshot
	require.Equal(t, http.StatusOK, get(t, h, "/api/reports/labor/status", &snap))
	assert.True(t, snap.BreakerOpen)
	assert.Equal(t, 1, snap.ConsecutiveFailures)
	assert.Contains(t, snap.LastError, "upstream unavailable")

	snap = gather.StatusSnapshot{}
	require.Equal(t, http.StatusOK, get(t, h, "/api/reports/scheduling/status", &snap))
	assert.Equal(t, "scheduling", snap.Report)
	assert.False(t, snap.Running)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/reports/nope/status", nil))
}

func TestRuns(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	h := NewServer(cfg, nil, nil, util.Discard()).Handler()
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/api/runs", nil))

	s := newTestStore(t)
	run, err := s.StartRun(ctx, "labor", "import")
	require.NoError(t, err)
	tbl := store.TableFor(&cfg.Reports[0])
	_, err = s.Upsert(ctx, tbl, run.ID, [][]any{{"2025-08-20", "C1", 2.5}})
	require.NoError(t, err)
	require.NoError(t, s.FinishRun(ctx, run.ID, true, "1 new"))

	h = NewServer(cfg, s, nil, util.Discard()).Handler()

	var runs []store.Run
	require.Equal(t, http.StatusOK, get(t, h, "/api/runs?limit=5", &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
	require.NotNil(t, runs[0].Success)
	assert.True(t, *runs[0].Success)

	var one store.Run
	require.Equal(t, http.StatusOK, get(t, h, "/api/runs/"+run.ID, &one))
	assert.Equal(t, "1 new", one.Message)

	var changes []store.ChangeRecord
	require.Equal(t, http.StatusOK, get(t, h, "/api/runs/"+run.ID+"/changes", &changes))
	require.Len(t, changes, 1)
	assert.Equal(t, store.NewRowColumn, changes[0].Column)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/runs/unknown", nil))
	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/runs/unknown/changes", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/runs?limit=zero", nil))
}

func TestMetrics(t *testing.T) {
	cfg := testConfig(t)
	srv := NewServer(cfg, nil, nil, util.Discard())
	assert.Equal(t, http.StatusServiceUnavailable, get(t, srv.Handler(), "/api/metrics", nil))

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	counter, err := mp.Meter("test").Int64Counter("reportsync.fetches")
	require.NoError(t, err)
	ok := metric.WithAttributes(attribute.String("report", "labor"), attribute.String("outcome", "ok"))
	counter.Add(context.Background(), 2, ok)
	counter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("report", "labor"), attribute.String("outcome", "error")))

	srv.SetMetrics(reader)
	var points []telemetry.Point
	require.Equal(t, http.StatusOK, get(t, srv.Handler(), "/api/metrics", &points))
	require.Len(t, points, 2)
	assert.EqualValues(t, 2, telemetry.Total(points, "reportsync.fetches", map[string]string{"outcome": "ok"}))
	assert.EqualValues(t, 1, telemetry.Total(points, "reportsync.fetches", map[string]string{"outcome": "error"}))
	assert.EqualValues(t, 3, telemetry.Total(points, "reportsync.fetches", map[string]string{"report": "labor"}))
}

func TestRefreshHealth(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	s := NewServer(cfg, nil, map[string]*gather.Status{"labor": gather.NewStatus("labor")}, util.Discard())
	s.refreshHealth()
	resp, err := s.health.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	s.statuses["labor"] = trippedStatus(t, cfg)
	s.refreshHealth()
	resp, err = s.health.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService("labor")})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
	resp, err = s.health.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService("scheduling")})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
	resp, err = s.health.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Port = 0
	cfg.Server.GRPCPort = 0
	s := NewServer(cfg, nil, nil, util.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ListenAndServe did not return after cancel")
	}
}
