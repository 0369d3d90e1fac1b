// ABOUTME: HTTP API handlers for listing agents and dispatching commands
// ABOUTME: Maps agent and correlator errors onto HTTP status codes

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/2389/coven-fleet/internal/agent"
	"github.com/2389/coven-fleet/internal/correlate"
	"github.com/2389/coven-fleet/internal/protocol"
	"github.com/2389/coven-fleet/internal/store"
)

// maxRequestBody caps JSON request bodies
const maxRequestBody = 1 << 20

// AgentResponse is the JSON shape for one agent in GET /api/agents.
type AgentResponse struct {
	ID            string            `json:"id"`
	Hostname      string            `json:"hostname,omitempty"`
	OS            string            `json:"os,omitempty"`
	Version       string            `json:"version,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	Status        store.AgentStatus `json:"status"`
	Connected     bool              `json:"connected"`
	ConnectionID  string            `json:"connection_id,omitempty"`
	ConnectedAt   *time.Time        `json:"connected_at,omitempty"`
	LastHeartbeat *time.Time        `json:"last_heartbeat,omitempty"`
	LastSeen      *time.Time        `json:"last_seen,omitempty"`
	FirstSeen     *time.Time        `json:"first_seen,omitempty"`
	System        *store.SystemInfo `json:"system,omitempty"`
}

// CommandRequest is the JSON request body for POST /api/agents/{id}/commands.
type CommandRequest struct {
	Command          string `json:"command"`
	Timeout          int    `json:"timeout,omitempty"` // seconds
	WorkingDirectory string `json:"working_directory,omitempty"`
	Shell            string `json:"shell,omitempty"`
	Wait             *bool  `json:"wait,omitempty"` // defaults to true
}

// CommandResponse is the JSON response for command submission and polling.
type CommandResponse struct {
	RequestID       string     `json:"request_id"`
	AgentID         string     `json:"agent_id,omitempty"`
	Status          string     `json:"status"`
	Success         *bool      `json:"success,omitempty"`
	Output          string     `json:"output,omitempty"`
	Error           string     `json:"error,omitempty"`
	ExitCode        *int       `json:"exit_code,omitempty"`
	DurationSeconds float64    `json:"execution_time,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// BroadcastRequest is the JSON request body for POST /api/broadcast.
type BroadcastRequest struct {
	Type protocol.MessageType `json:"type"`
	Data json.RawMessage      `json:"data,omitempty"`
}

// StatsResponse is the JSON response for GET /api/stats.
type StatsResponse struct {
	ServerID        string          `json:"server_id"`
	ConnectedAgents int             `json:"connected_agents"`
	Commands        correlate.Stats `json:"commands"`
}

// handleListAgents returns durable agents merged with live connection state.
// Live agents are still listed when the store is unavailable.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	connected := g.manager.ListAgents()
	live := make(map[string]agent.ConnectionInfo, len(connected))
	for _, info := range connected {
		live[info.AgentID] = info
	}

	durable, err := g.store.ListAgents(r.Context())
	if err != nil {
		g.logger.Warn("listing durable agents", "error", err)
	}

	response := make([]AgentResponse, 0, len(durable)+len(live))
	seen := make(map[string]bool, len(durable))
	for _, a := range durable {
		seen[a.ID] = true
		info, ok := live[a.ID]
		response = append(response, buildAgentResponse(a.ID, a, info, ok))
	}
	for _, info := range connected {
		if !seen[info.AgentID] {
			response = append(response, buildAgentResponse(info.AgentID, nil, info, true))
		}
	}

	writeJSON(w, http.StatusOK, response)
}

// handleGetAgent returns one agent by id.
func (g *Gateway) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	durable, err := g.store.GetAgent(r.Context(), id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		g.logger.Warn("loading durable agent", "agent_id", id, "error", err)
	}
	info, connected := g.manager.Info(id)

	if durable == nil && !connected {
		g.sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, buildAgentResponse(id, durable, info, connected))
}

func buildAgentResponse(id string, a *store.Agent, info agent.ConnectionInfo, connected bool) AgentResponse {
	resp := AgentResponse{ID: id, Status: store.AgentStatusOffline}
	if a != nil {
		resp.Hostname = a.Hostname
		resp.OS = a.OS
		resp.Version = a.Version
		resp.Tags = a.Tags
		resp.Status = a.Status
		resp.LastSeen = timePtr(a.LastSeen)
		resp.FirstSeen = timePtr(a.FirstSeen)
		resp.System = a.SystemInfo
	}
	if connected {
		resp.Connected = true
		resp.Status = store.AgentStatusOnline
		resp.ConnectionID = info.ConnectionID
		resp.ConnectedAt = timePtr(info.ConnectedAt)
		resp.LastHeartbeat = timePtr(info.LastHeartbeat)
	}
	return resp
}

// handleSendCommand dispatches a command and, unless wait is false, blocks
// until the result arrives or the command times out.
func (g *Gateway) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	var req CommandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Command == "" {
		g.sendJSONError(w, http.StatusBadRequest, "command is required")
		return
	}
	if req.Timeout < 0 {
		g.sendJSONError(w, http.StatusBadRequest, "timeout must not be negative")
		return
	}

	requestID, err := g.dispatcher.Dispatch(r.Context(), agent.CommandRequest{
		AgentID:    agentID,
		Command:    req.Command,
		Timeout:    time.Duration(req.Timeout) * time.Second,
		WorkingDir: req.WorkingDirectory,
		Shell:      req.Shell,
	})
	switch {
	case errors.Is(err, agent.ErrAgentNotConnected):
		g.sendJSONError(w, http.StatusNotFound, "agent not connected")
		return
	case errors.Is(err, agent.ErrSendFailed):
		g.logger.Warn("command send failed", "agent_id", agentID, "error", err)
		g.sendJSONError(w, http.StatusBadGateway, "failed to send command to agent")
		return
	case err != nil:
		g.logger.Error("dispatching command", "agent_id", agentID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to dispatch command")
		return
	}

	if req.Wait != nil && !*req.Wait {
		writeJSON(w, http.StatusAccepted, CommandResponse{
			RequestID: requestID,
			AgentID:   agentID,
			Status:    correlate.StatePending.String(),
		})
		return
	}

	g.awaitCommand(w, r, requestID, agentID)
}

// awaitCommand blocks until the command completes and writes the outcome.
func (g *Gateway) awaitCommand(w http.ResponseWriter, r *http.Request, requestID, agentID string) {
	// A zero timeout makes the correlator use the request's recorded timeout
	res, err := g.correlator.AwaitResult(r.Context(), requestID, 0)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, completedResponse(requestID, agentID, res))
	case errors.Is(err, correlate.ErrTimedOut):
		writeJSON(w, http.StatusGatewayTimeout, CommandResponse{
			RequestID: requestID,
			AgentID:   agentID,
			Status:    correlate.StateTimedOut.String(),
			Error:     "command timed out",
		})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Client went away; the result stays pollable
		g.logger.Debug("command wait aborted", "request_id", requestID, "error", err)
	case errors.Is(err, correlate.ErrUnknownRequest):
		g.logger.Warn("command evicted before its result arrived", "request_id", requestID)
		g.sendJSONError(w, http.StatusInternalServerError, "command is no longer tracked")
	default:
		g.logger.Error("awaiting command result", "request_id", requestID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to await command result")
	}
}

// handleGetCommand reports the state of a previously dispatched command.
func (g *Gateway) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("request_id")

	res, state, ok := g.correlator.GetResult(requestID)
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, "unknown request_id")
		return
	}

	var agentID string
	if req, ok := g.correlator.Request(requestID); ok {
		agentID = req.AgentID
	}

	switch state {
	case correlate.StateCompleted:
		writeJSON(w, http.StatusOK, completedResponse(requestID, agentID, res))
	case correlate.StateTimedOut:
		writeJSON(w, http.StatusGatewayTimeout, CommandResponse{
			RequestID: requestID,
			AgentID:   agentID,
			Status:    state.String(),
			Error:     "command timed out",
		})
	default:
		writeJSON(w, http.StatusAccepted, CommandResponse{
			RequestID: requestID,
			AgentID:   agentID,
			Status:    state.String(),
		})
	}
}

func completedResponse(requestID, agentID string, res *correlate.Result) CommandResponse {
	return CommandResponse{
		RequestID:       requestID,
		AgentID:         agentID,
		Status:          correlate.StateCompleted.String(),
		Success:         &res.Success,
		Output:          res.Output,
		Error:           res.Error,
		ExitCode:        &res.ExitCode,
		DurationSeconds: res.Duration.Seconds(),
		CompletedAt:     timePtr(res.CompletedAt),
	}
}

// handleBroadcast sends one envelope to every connected agent.
func (g *Gateway) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !req.Type.Valid() {
		g.sendJSONError(w, http.StatusBadRequest, "unknown message type")
		return
	}

	var data any
	if len(req.Data) > 0 {
		data = req.Data
	}
	env, err := protocol.NewEnvelope(req.Type, data)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid data")
		return
	}

	delivered := g.manager.Broadcast(env, "")
	g.logger.Info("broadcast sent", "type", req.Type, "delivered", delivered)
	writeJSON(w, http.StatusOK, map[string]int{"delivered": delivered})
}

// handleStats reports registry and correlator counters.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{
		ServerID:        g.serverID,
		ConnectedAgents: g.manager.Count(),
		Commands:        g.correlator.Stats(),
	})
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
