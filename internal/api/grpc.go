package api

import (
	"context"
	"time"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the gRPC health service name reported for one report's
// driver. The empty service name covers the process as a whole.
func HealthService(report string) string { return "reportsync." + report }

func (s *Server) registerHealth(gs *grpc.Server) {
	healthpb.RegisterHealthServer(gs, s.health)
	s.refreshHealth()
}

// refreshHealth copies driver state into the health service. A report whose
// fetch breaker has tripped is NOT_SERVING, and so is the process while any
// report is.
func (s *Server) refreshHealth() {
	overall := healthpb.HealthCheckResponse_SERVING
	for i := range s.cfg.Reports {
		name := s.cfg.Reports[i].Name
		st := healthpb.HealthCheckResponse_SERVING
		if status, ok := s.statuses[name]; ok && !status.Healthy() {
			st = healthpb.HealthCheckResponse_NOT_SERVING
			overall = st
		}
		s.health.SetServingStatus(HealthService(name), st)
	}
	s.health.SetServingStatus("", overall)
}

func (s *Server) watchHealth(ctx context.Context) {
	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshHealth()
		}
	}
}
