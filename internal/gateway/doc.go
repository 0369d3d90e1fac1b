// Package gateway orchestrates the fleet-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator of the fleet-gateway
// server. It owns the agent registry, the command dispatcher and correlator,
// the durable store, the liveness sweeper, and the HTTP and gRPC servers.
//
// # Agent Channel
//
// Agents dial GET /ws/agent and upgrade to a WebSocket. The first frame must
// be a register frame carrying an agent_id; anything else closes the socket
// with a policy-violation close code. After registration the gateway:
//
//  1. Adds the channel to the registry, closing any older channel for the
//     same agent id
//  2. Records the agent as online in the store
//  3. Replies with a welcome frame
//  4. Processes heartbeat, command_result, ping, and pong frames in order
//
// When the socket ends, the session unregisters its own channel and records
// the agent as offline unless a newer channel has already replaced it.
//
// # HTTP API
//
// The gateway exposes HTTP endpoints in api.go:
//
//   - GET /api/agents - List known agents with live connection state
//   - GET /api/agents/{id} - Get one agent
//   - POST /api/agents/{id}/commands - Dispatch a command (waits by default)
//   - GET /api/commands/{request_id} - Poll a dispatched command
//   - POST /api/broadcast - Send a frame to every connected agent
//   - GET /api/stats - Registry and correlator counters
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (at least one agent connected)
//
// When auth.jwt_secret is configured, /api routes require an operator token
// and /ws/agent requires an agent token whose subject is the agent id.
//
// # gRPC Health
//
// When server.grpc_addr is set, the standard grpc.health.v1 service is
// served there. The "fleet.agents" service reports SERVING only while at
// least one agent is connected.
//
// # Lifecycle
//
// Start the gateway:
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Graceful shutdown happens when ctx is canceled. Run closes every agent
// channel, waits for sessions to record their offline status, then closes
// the store.
//
// # Key Files
//
//   - gateway.go: Gateway struct, initialization, Run/Shutdown
//   - session.go: WebSocket agent session lifecycle
//   - api.go: HTTP handlers
//   - health.go: HTTP and gRPC health
//   - tailscale.go: tsnet listeners
package gateway
