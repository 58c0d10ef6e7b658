// Package gateway orchestrates the coven-relay server components.
//
// # Overview
//
// The gateway owns the relay Controller and everything around it: the SQLite
// store, the transition journal, the SSE broadcaster, the gRPC health server
// and the HTTP API. Relay sessions started over HTTP run under the gateway's
// own context, not the request's.
//
// # HTTP API
//
//   - POST /api/session/start - Start a session (409 while one is starting or running)
//   - POST /api/session/stop - Stop the running session (409 if none)
//   - GET /api/session - Current session snapshot
//   - GET /api/session/events - SSE stream of transitions
//   - GET /api/sessions - Persisted session history
//   - GET /api/sessions/{id}/transitions - Persisted transitions of one session
//   - GET /api/audit - Operator actions
//   - GET /health - Liveness check
//   - GET /health/ready - 200 only while a session is running
//   - GET /metrics - Prometheus metrics when metrics.enabled is set
//
// /api routes are rate limited per client IP and require a bearer token when
// auth.jwt_secret is set.
//
// # SSE Streaming
//
//	event: snapshot
//	data: {"id":"...","status":"running","push":{"phase":"receiving"},...}
//
//	event: transition
//	data: {"session_id":"...","component":"pull","state":"closed_by_error",...}
//
// # gRPC Health
//
// The standard grpc.health.v1 service reports "relay.push", "relay.pull" and
// the overall ("") status. A side is SERVING while its channel is receiving;
// overall is SERVING while the session is running.
//
// # Negotiation Modes
//
// In "backend" mode the backend registers the socket and the queue. In
// "direct" mode the relay calls apps.connections.open and /api/v1/register
// itself. Polling and forwarding are the same in both modes.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx, autoStart)
//
// Run shuts down when ctx is cancelled: the running session is stopped and
// waited for, then the servers stop, then the journal drains into the store.
package gateway
