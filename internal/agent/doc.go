// Package agent tracks connected fleet agents and dispatches commands to them.
//
// # Manager
//
// The Manager is the connection registry. It maps an agent identity to the
// single live Connection for that agent and keeps per-connection metadata:
//
//	mgr := agent.NewManager(logger)
//	connID := mgr.Connect("host-42", channel)
//	defer mgr.Disconnect(connID)
//
// Key operations:
//
//   - Connect(agentID, ch): register a channel, returns a connection id
//   - Disconnect(connID): remove a connection (guarded against stale ids)
//   - IsConnected(agentID): whether a live channel exists
//   - Send(agentID, env): write one envelope, tearing down on failure
//   - Broadcast(env, excludeConnID): best-effort send to everyone
//   - Touch(connID, t): record the last frame time
//
// The Manager never owns a channel. The session that accepted the
// connection owns it and calls Disconnect when it ends. The one exception
// is reconnection: when an agent connects again, the superseded channel is
// closed so the old session ends instead of lingering without a mapping.
//
// # Dispatcher
//
// The Dispatcher turns a CommandRequest into a command frame:
//
//  1. Fails fast with ErrAgentNotConnected if the agent has no channel
//  2. Mints a request id (unix nanos + random suffix)
//  3. Records the request as pending in the correlator
//  4. Sends the frame; on failure rolls back the pending entry
//  5. Returns the request id without waiting
//
// Callers then poll or await the correlator. Execute combines both steps.
//
// # Thread Safety
//
// Manager and Dispatcher are safe for concurrent use. The registry maps are
// guarded by a RWMutex; per-connection heartbeat times are atomic.
package agent
