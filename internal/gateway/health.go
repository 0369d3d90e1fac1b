// ABOUTME: HTTP and gRPC health reporting for the gateway
// ABOUTME: Readiness tracks whether any agent is connected and the store is reachable

package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// AgentsHealthService is the gRPC health service name that reports SERVING
// only while at least one agent is connected.
const AgentsHealthService = "fleet.agents"

// registerHealthService registers the standard gRPC health service.
func registerHealthService(server *grpc.Server, hs *health.Server) {
	healthpb.RegisterHealthServer(server, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(AgentsHealthService, healthpb.HealthCheckResponse_NOT_SERVING)
}

// updateHealth refreshes gRPC serving status from the registry and store.
func (g *Gateway) updateHealth(ctx context.Context) {
	overall := healthpb.HealthCheckResponse_SERVING
	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	if err := g.store.Ping(pingCtx); err != nil {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	cancel()
	g.health.SetServingStatus("", overall)

	agents := healthpb.HealthCheckResponse_NOT_SERVING
	if g.manager.Count() > 0 {
		agents = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus(AgentsHealthService, agents)
}

// watchHealth updates the gRPC health status every interval until ctx ends.
func (g *Gateway) watchHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	g.updateHealth(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.updateHealth(ctx)
		}
	}
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the server has at least one agent connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	count := g.manager.Count()
	if count == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", count)
}
