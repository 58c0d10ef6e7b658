// ABOUTME: gRPC server exposing the standard health service for the relay
// ABOUTME: Reports relay.push, relay.pull and overall serving status from transitions

package gateway

import (
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/coven-relay/internal/relay"
)

// Health service names. The empty name is the overall relay status.
const (
	HealthServiceOverall = ""
	HealthServicePush    = "relay.push"
	HealthServicePull    = "relay.pull"
)

var healthServices = []string{HealthServiceOverall, HealthServicePush, HealthServicePull}

// newHealthServer creates a health server with every service NOT_SERVING until a session runs.
func newHealthServer() *health.Server {
	srv := health.NewServer()
	for _, name := range healthServices {
		srv.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return srv
}

// newGRPCServer creates the gRPC server with keepalive settings and registers health.
func newGRPCServer(healthServer *health.Server) *grpc.Server {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(server, healthServer)
	return server
}

// healthReporter maps relay transitions onto health statuses.
type healthReporter struct {
	srv *health.Server
}

// OnTransition implements relay.Observer.
func (h healthReporter) OnTransition(t relay.Transition) {
	switch t.Component {
	case relay.ComponentSession:
		h.srv.SetServingStatus(HealthServiceOverall, servingIf(t.State == string(relay.StatusRunning)))
		if relay.Status(t.State).Stopped() {
			h.srv.SetServingStatus(HealthServicePush, healthpb.HealthCheckResponse_NOT_SERVING)
			h.srv.SetServingStatus(HealthServicePull, healthpb.HealthCheckResponse_NOT_SERVING)
		}
	case relay.ComponentPush:
		h.srv.SetServingStatus(HealthServicePush, servingIf(t.State == string(relay.PhaseReceiving)))
	case relay.ComponentPull:
		h.srv.SetServingStatus(HealthServicePull, servingIf(t.State == string(relay.PhaseReceiving)))
	}
}

func servingIf(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
