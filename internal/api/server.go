// Package api provides the read-only status server for reportsync: a JSON
// HTTP API over archive coverage, driver progress and the run log, plus a
// gRPC health service that follows the backfill drivers.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"reportsync/internal/archive"
	"reportsync/internal/config"
	"reportsync/internal/gather"
	"reportsync/internal/store"
)

const shutdownTimeout = 10 * time.Second

// Server hosts the HTTP status API and the gRPC health endpoint.
type Server struct {
	cfg      *config.Config
	httpAddr string
	grpcAddr string
	runs     store.RunStore
	statuses map[string]*gather.Status
	health   *health.Server
	metrics  sdkmetric.Reader
	log      *slog.Logger

	// healthInterval is how often driver state is copied into the health
	// service.
	healthInterval time.Duration
}

// NewServer creates a Server for cfg. runs may be nil when no run log is
// available; statuses holds the progress of any drivers running in-process,
// keyed by report name.
func NewServer(cfg *config.Config, runs store.RunStore, statuses map[string]*gather.Status, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if statuses == nil {
		statuses = map[string]*gather.Status{}
	}
	return &Server{
		cfg:            cfg,
		httpAddr:       cfg.Server.HTTPAddr(),
		grpcAddr:       cfg.Server.GRPCAddr(),
		runs:           runs,
		statuses:       statuses,
		health:         health.NewServer(),
		log:            log.With("component", "api"),
		healthInterval: time.Second,
	}
}

// SetMetrics exposes the counters read by r on /api/metrics.
func (s *Server) SetMetrics(r sdkmetric.Reader) {
	s.metrics = r
}

// Handler returns the HTTP router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.log))

	r.Get("/health/live", s.handleLive)
	r.Get("/health/ready", s.handleReady)

	r.Route("/api", func(r chi.Router) {
		r.Get("/reports", s.handleReports)
		r.Get("/reports/{name}/coverage", s.handleCoverage)
		r.Get("/reports/{name}/status", s.handleStatus)
		r.Get("/runs", s.handleRuns)
		r.Get("/runs/{id}", s.handleRun)
		r.Get("/runs/{id}/changes", s.handleChanges)
		r.Get("/metrics", s.handleMetrics)
	})
	return r
}

// ListenAndServe starts the HTTP and gRPC listeners and blocks until ctx is
// cancelled or a listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.grpcAddr, err)
	}
	grpcServer := grpc.NewServer()
	s.registerHealth(grpcServer)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("http listening", "addr", s.httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.log.Info("grpc listening", "addr", s.grpcAddr)
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.watchHealth(gCtx)
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		s.log.Info("shutting down status server")
		s.health.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Error("http shutdown", "error", err)
		}
		grpcServer.GracefulStop()
		return nil
	})

	return g.Wait()
}

func (s *Server) report(name string) (*config.Report, *archive.Archive, bool) {
	for i := range s.cfg.Reports {
		r := &s.cfg.Reports[i]
		if r.Name == name {
			return r, archive.New(s.cfg.Storage.ArchiveDir, r.Prefix, r.HeaderToken), true
		}
	}
	return nil, nil, false
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}
