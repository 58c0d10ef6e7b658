// ABOUTME: Tests for the gRPC health service and its transition mapping
// ABOUTME: Serves health over an in-memory bufconn listener

package gateway

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/2389/coven-relay/internal/relay"
)

func TestHealthReporter_Transitions(t *testing.T) {
	srv := newHealthServer()
	h := healthReporter{srv}

	status := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return resp.Status
	}

	for _, name := range healthServices {
		assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(name), "service %q", name)
	}

	h.OnTransition(relay.Transition{Component: relay.ComponentSession, State: string(relay.StatusRunning)})
	h.OnTransition(relay.Transition{Component: relay.ComponentPush, State: string(relay.PhaseReceiving)})
	h.OnTransition(relay.Transition{Component: relay.ComponentPull, State: string(relay.PhaseNegotiationFailed)})

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(HealthServiceOverall))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(HealthServicePush))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(HealthServicePull))

	h.OnTransition(relay.Transition{Component: relay.ComponentSession, State: string(relay.StatusStoppedByFailure)})

	for _, name := range healthServices {
		assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(name), "service %q", name)
	}
}

func TestGRPCServer_ServesHealth(t *testing.T) {
	healthServer := newHealthServer()
	server := newGRPCServer(healthServer)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	healthReporter{healthServer}.OnTransition(relay.Transition{Component: relay.ComponentPull, State: string(relay.PhaseReceiving)})

	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: HealthServicePull})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}
