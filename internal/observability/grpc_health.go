package observability

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// NewGRPCHealthServer returns a gRPC server exposing grpc.health.v1 for
// orchestrators that probe over gRPC instead of HTTP.
func NewGRPCHealthServer() (*grpc.Server, *health.Server) {
	server := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return server, hs
}

// SyncReadiness runs the readiness checks and mirrors the result into the
// gRPC health server
func SyncReadiness(ctx context.Context, hs *health.Server, checks map[string]HealthCheckFunc) bool {
	_, ready := CheckDependencies(ctx, checks)
	status := healthpb.HealthCheckResponse_SERVING
	if !ready {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	hs.SetServingStatus("", status)
	return ready
}

// WatchReadiness calls SyncReadiness every interval until ctx is cancelled,
// then marks the server as shutting down
func WatchReadiness(ctx context.Context, hs *health.Server, checks map[string]HealthCheckFunc, interval time.Duration) {
	logger := GetLogger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := true
	for {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		ready := SyncReadiness(checkCtx, hs, checks)
		cancel()
		if ready != last {
			logger.Info().Bool("ready", ready).Msg("Readiness changed")
			last = ready
		}

		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
		}
	}
}
