package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"saleslens.org/internal/obs"
)

// GRPCHealth serves the standard gRPC health protocol. The overall service
// ("") and serviceName follow readiness; each dependency gets its own entry.
type GRPCHealth struct {
	probe  Prober
	server *health.Server
}

// NewGRPCHealth creates the health service wrapper.
func NewGRPCHealth(probe Prober) *GRPCHealth {
	h := &GRPCHealth{probe: probe, server: health.NewServer()}
	h.server.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	h.server.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Register attaches the health service to s.
func (h *GRPCHealth) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

// Refresh probes dependencies once and updates every serving status.
func (h *GRPCHealth) Refresh(ctx context.Context) bool {
	ready := true
	if h.probe != nil {
		for name, err := range h.probe.Check(ctx) {
			st := healthpb.HealthCheckResponse_SERVING
			if err != nil {
				st = healthpb.HealthCheckResponse_NOT_SERVING
				ready = false
			}
			h.server.SetServingStatus(name, st)
		}
	}
	overall := healthpb.HealthCheckResponse_SERVING
	if !ready {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.server.SetServingStatus("", overall)
	h.server.SetServingStatus(serviceName, overall)
	obs.SetReady(ready)
	return ready
}

// Run refreshes on every tick until ctx is done, then marks everything NOT_SERVING.
func (h *GRPCHealth) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	h.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return
		case <-ticker.C:
			h.Refresh(ctx)
		}
	}
}
