// ABOUTME: End-to-end tests for the gateway over a real HTTP server and WebSocket agents
// ABOUTME: Covers registration, command round trips, timeouts, teardown, and auth

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-fleet/internal/agent"
	"github.com/2389/coven-fleet/internal/auth"
	"github.com/2389/coven-fleet/internal/config"
	"github.com/2389/coven-fleet/internal/protocol"
	"github.com/2389/coven-fleet/internal/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.ServerID = "test-gateway"
	cfg.Agents.HeartbeatInterval = time.Second
	cfg.Agents.HandshakeTimeout = time.Second
	cfg.Agents.PingInterval = time.Second
	cfg.Agents.WriteTimeout = time.Second
	cfg.Agents.StaleThreshold = 2 * time.Second
	cfg.Agents.DefaultCommandTimeout = 2 * time.Second
	cfg.Agents.MaxCommandTimeout = 5 * time.Second
	return cfg
}

type testEnv struct {
	gw    *Gateway
	store *store.MockStore
	srv   *httptest.Server
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	ms := store.NewMockStore()
	gw := newGateway(cfg, ms, testLogger())
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		gw.manager.CloseAll()
		srv.Close()
		gw.correlator.Close()
	})
	return &testEnv{gw: gw, store: ms, srv: srv}
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws/agent"
}

func (e *testEnv) dial(t *testing.T, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL(), header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (e *testEnv) do(t *testing.T, method, path string, body any, token string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func writeFrame(t *testing.T, conn *websocket.Conn, env *protocol.Envelope) {
	t.Helper()
	data, err := env.Marshal()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readFrame(t *testing.T, conn *websocket.Conn) *protocol.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(raw)
	require.NoError(t, err)
	return env
}

// register performs the handshake and returns the welcome payload.
func register(t *testing.T, conn *websocket.Conn, agentID string) protocol.WelcomeData {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.TypeRegister, protocol.RegisterData{
		AgentID:  agentID,
		Hostname: agentID + "-host",
		OS:       "windows",
		Version:  "1.0.0",
		System:   &protocol.SystemMetrics{CPUPercent: 12.5, MemoryPercent: 40},
	})
	require.NoError(t, err)
	writeFrame(t, conn, env)

	welcome := readFrame(t, conn)
	require.Equal(t, protocol.TypeWelcome, welcome.Type)
	var data protocol.WelcomeData
	require.NoError(t, welcome.DecodeData(&data))
	return data
}

// syncFrames sends a ping and waits for the matching pong, so every frame
// written before it has been processed by the gateway.
func syncFrames(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	ping, err := protocol.NewRequest(protocol.TypePing, "sync", nil)
	require.NoError(t, err)
	writeFrame(t, conn, ping)
	for {
		env := readFrame(t, conn)
		if env.Type == protocol.TypePong {
			require.Equal(t, "sync", env.RequestID)
			return
		}
	}
}

// answerCommands replies to every command frame until the socket closes.
func answerCommands(conn *websocket.Conn, reply func(protocol.CommandData) protocol.CommandResultData) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Decode(raw)
		if err != nil || env.Type != protocol.TypeCommand {
			continue
		}
		var cmd protocol.CommandData
		if err := env.DecodeData(&cmd); err != nil {
			continue
		}
		res, err := protocol.NewRequest(protocol.TypeCommandResult, env.RequestID, reply(cmd))
		if err != nil {
			return
		}
		data, _ := res.Marshal()
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

func TestHandshake_RegisterAndWelcome(t *testing.T) {
	env := newTestEnv(t, testConfig())
	conn := env.dial(t, nil)

	welcome := register(t, conn, "a1")
	assert.Equal(t, "test-gateway", welcome.ServerID)
	assert.Equal(t, "a1", welcome.AgentID)
	assert.NotEmpty(t, welcome.ConnectionID)
	assert.Equal(t, 1, welcome.HeartbeatInterval)

	assert.True(t, env.gw.manager.IsConnected("a1"))

	a, err := env.store.GetAgent(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentStatusOnline, a.Status)
	assert.Equal(t, "a1-host", a.Hostname)
	assert.Equal(t, "windows", a.OS)
	assert.False(t, a.LastSeen.IsZero())
	require.NotNil(t, a.SystemInfo)
	assert.InDelta(t, 12.5, a.SystemInfo.CPUPercent, 0.001)
}

func TestHandshake_RejectsNonRegisterFirstFrame(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"heartbeat first", []byte(`{"type":"heartbeat","data":{}}`)},
		{"register without agent_id", []byte(`{"type":"register","data":{"hostname":"h"}}`)},
		{"malformed json", []byte(`{not json`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, testConfig())
			conn := env.dial(t, nil)
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, tt.frame))

			_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
			_, _, err := conn.ReadMessage()
			require.Error(t, err)
			assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
			assert.Equal(t, 0, env.gw.manager.Count())
		})
	}
}

func TestHandshake_Timeout(t *testing.T) {
	cfg := testConfig()
	cfg.Agents.HandshakeTimeout = 100 * time.Millisecond
	env := newTestEnv(t, cfg)
	conn := env.dial(t, nil)

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.Equal(t, 0, env.gw.manager.Count())
}

func TestSendCommand_RoundTrip(t *testing.T) {
	env := newTestEnv(t, testConfig())
	conn := env.dial(t, nil)
	register(t, conn, "a1")

	go answerCommands(conn, func(cmd protocol.CommandData) protocol.CommandResultData {
		return protocol.CommandResultData{
			Success:         true,
			Output:          "ran: " + cmd.Command,
			ExitCode:        0,
			DurationSeconds: 0.25,
		}
	})

	resp, body := env.do(t, http.MethodPost, "/api/agents/a1/commands",
		map[string]any{"command": "Get-Date", "timeout": 2}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var result CommandResponse
	require.NoError(t, json.Unmarshal(body, &result))
	assert.NotEmpty(t, result.RequestID)
	assert.Equal(t, "a1", result.AgentID)
	assert.Equal(t, "completed", result.Status)
	require.NotNil(t, result.Success)
	assert.True(t, *result.Success)
	assert.Equal(t, "ran: Get-Date", result.Output)
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 0, *result.ExitCode)
	assert.InDelta(t, 0.25, result.DurationSeconds, 0.001)

	resp, body = env.do(t, http.MethodGet, "/api/commands/"+result.RequestID, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	// The agent goes away and the next sweep keeps it offline
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return len(env.store.UpdatesFor("a1", store.AgentStatusOffline)) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.False(t, env.gw.manager.IsConnected("a1"))

	report := env.gw.sweeper.Sweep(context.Background())
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 0, report.MarkedOnline)

	a, err := env.store.GetAgent(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentStatusOffline, a.Status)
	assert.True(t, a.LastSeen.Before(a.OfflineSince))
}

func TestAwaitCommand_Outcomes(t *testing.T) {
	env := newTestEnv(t, testConfig())

	t.Run("unknown request", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/agents/a1/commands", nil)
		env.gw.awaitCommand(rec, req, "evicted-id", "a1")

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		assert.Contains(t, rec.Body.String(), "no longer tracked")
	})

	t.Run("client gone", func(t *testing.T) {
		conn := env.dial(t, nil)
		register(t, conn, "a1")
		id, err := env.gw.dispatcher.Dispatch(context.Background(), agent.CommandRequest{AgentID: "a1", Command: "Get-Date"})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/agents/a1/commands", nil).WithContext(ctx)
		env.gw.awaitCommand(rec, req, id, "a1")

		assert.Empty(t, rec.Body.String())
		_, state, ok := env.gw.correlator.GetResult(id)
		require.True(t, ok)
		assert.Equal(t, "pending", state.String())
	})
}

func TestCommandResult_FromOtherAgentIsDropped(t *testing.T) {
	env := newTestEnv(t, testConfig())
	target := env.dial(t, nil)
	register(t, target, "a1")
	other := env.dial(t, nil)
	register(t, other, "a2")

	resp, body := env.do(t, http.MethodPost, "/api/agents/a1/commands",
		map[string]any{"command": "whoami", "wait": false}, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var accepted CommandResponse
	require.NoError(t, json.Unmarshal(body, &accepted))

	forged, err := protocol.NewRequest(protocol.TypeCommandResult, accepted.RequestID,
		protocol.CommandResultData{Success: true, Output: "from a2"})
	require.NoError(t, err)
	writeFrame(t, other, forged)
	syncFrames(t, other)

	resp, body = env.do(t, http.MethodGet, "/api/commands/"+accepted.RequestID, nil, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	genuine, err := protocol.NewRequest(protocol.TypeCommandResult, accepted.RequestID,
		protocol.CommandResultData{Success: true, Output: "from a1"})
	require.NoError(t, err)
	writeFrame(t, target, genuine)
	syncFrames(t, target)

	resp, body = env.do(t, http.MethodGet, "/api/commands/"+accepted.RequestID, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var done CommandResponse
	require.NoError(t, json.Unmarshal(body, &done))
	assert.Equal(t, "from a1", done.Output)
}

func TestSendCommand_DefaultShellIsPowerShell(t *testing.T) {
	env := newTestEnv(t, testConfig())
	conn := env.dial(t, nil)
	register(t, conn, "a1")

	shells := make(chan string, 1)
	go answerCommands(conn, func(cmd protocol.CommandData) protocol.CommandResultData {
		shells <- cmd.Shell
		return protocol.CommandResultData{Success: true}
	})

	resp, _ := env.do(t, http.MethodPost, "/api/agents/a1/commands", map[string]any{"command": "hostname"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, protocol.DefaultShell, <-shells)
}

func TestSendCommand_NoWaitThenPoll(t *testing.T) {
	env := newTestEnv(t, testConfig())
	conn := env.dial(t, nil)
	register(t, conn, "a1")

	resp, body := env.do(t, http.MethodPost, "/api/agents/a1/commands",
		map[string]any{"command": "Get-Process", "wait": false}, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var accepted CommandResponse
	require.NoError(t, json.Unmarshal(body, &accepted))
	require.NotEmpty(t, accepted.RequestID)

	cmd := readFrame(t, conn)
	require.Equal(t, protocol.TypeCommand, cmd.Type)
	assert.Equal(t, accepted.RequestID, cmd.RequestID)

	resp, body = env.do(t, http.MethodGet, "/api/commands/"+accepted.RequestID, nil, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var pending CommandResponse
	require.NoError(t, json.Unmarshal(body, &pending))
	assert.Equal(t, "pending", pending.Status)

	res, err := protocol.NewRequest(protocol.TypeCommandResult, cmd.RequestID,
		protocol.CommandResultData{Success: false, Error: "access denied", ExitCode: 5})
	require.NoError(t, err)
	writeFrame(t, conn, res)
	syncFrames(t, conn)

	resp, body = env.do(t, http.MethodGet, "/api/commands/"+accepted.RequestID, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var done CommandResponse
	require.NoError(t, json.Unmarshal(body, &done))
	assert.Equal(t, "completed", done.Status)
	require.NotNil(t, done.Success)
	assert.False(t, *done.Success)
	assert.Equal(t, "access denied", done.Error)
	assert.Equal(t, 5, *done.ExitCode)
}

func TestSendCommand_TimeoutDropsLateResult(t *testing.T) {
	cfg := testConfig()
	cfg.Agents.DefaultCommandTimeout = 200 * time.Millisecond
	env := newTestEnv(t, cfg)
	conn := env.dial(t, nil)
	register(t, conn, "a1")

	resp, body := env.do(t, http.MethodPost, "/api/agents/a1/commands", map[string]any{"command": "Start-Sleep 60"}, "")
	require.Equal(t, http.StatusGatewayTimeout, resp.StatusCode, string(body))

	var timedOut CommandResponse
	require.NoError(t, json.Unmarshal(body, &timedOut))
	assert.Equal(t, "timed_out", timedOut.Status)
	require.NotEmpty(t, timedOut.RequestID)

	cmd := readFrame(t, conn)
	require.Equal(t, timedOut.RequestID, cmd.RequestID)

	late, err := protocol.NewRequest(protocol.TypeCommandResult, cmd.RequestID,
		protocol.CommandResultData{Success: true, Output: "too late"})
	require.NoError(t, err)
	writeFrame(t, conn, late)
	syncFrames(t, conn)

	resp, _ = env.do(t, http.MethodGet, "/api/commands/"+timedOut.RequestID, nil, "")
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func TestSendCommand_Errors(t *testing.T) {
	env := newTestEnv(t, testConfig())
	conn := env.dial(t, nil)
	register(t, conn, "a1")

	t.Run("agent not connected", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodPost, "/api/agents/ghost/commands", map[string]any{"command": "Get-Date"}, "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("empty command", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodPost, "/api/agents/a1/commands", map[string]any{"command": ""}, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("negative timeout", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodPost, "/api/agents/a1/commands", map[string]any{"command": "x", "timeout": -1}, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("malformed body", func(t *testing.T) {
		resp, err := http.Post(env.srv.URL+"/api/agents/a1/commands", "application/json", strings.NewReader("{"))
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown request id", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodGet, "/api/commands/nope", nil, "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestHeartbeat_RecordsLastSeenAndMetrics(t *testing.T) {
	env := newTestEnv(t, testConfig())
	conn := env.dial(t, nil)
	register(t, conn, "a1")

	hb, err := protocol.NewEnvelope(protocol.TypeHeartbeat, protocol.HeartbeatData{
		System: &protocol.SystemMetrics{CPUPercent: 77, MemoryPercent: 50, DiskPercent: 10},
	})
	require.NoError(t, err)
	writeFrame(t, conn, hb)
	syncFrames(t, conn)

	updates := env.store.UpdatesFor("a1", store.AgentStatusOnline)
	require.Len(t, updates, 1)
	assert.False(t, updates[0].LastSeen.IsZero())
	require.NotNil(t, updates[0].Info)
	assert.InDelta(t, 77.0, updates[0].Info.CPUPercent, 0.001)

	a, err := env.store.GetAgent(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, updates[0].LastSeen.UnixNano(), a.LastSeen.UnixNano())
}

func TestTeardown_RecordsOfflineOnce(t *testing.T) {
	env := newTestEnv(t, testConfig())
	conn := env.dial(t, nil)
	register(t, conn, "a1")

	// Both sides close at once
	env.gw.manager.CloseAll()
	_ = conn.Close()

	require.Eventually(t, func() bool {
		return len(env.store.UpdatesFor("a1", store.AgentStatusOffline)) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool {
		return len(env.store.UpdatesFor("a1", store.AgentStatusOffline)) > 1
	}, 200*time.Millisecond, 20*time.Millisecond)

	assert.False(t, env.gw.manager.IsConnected("a1"))
	offline := env.store.UpdatesFor("a1", store.AgentStatusOffline)[0]
	assert.True(t, offline.LastSeen.IsZero(), "offline update must not move last_seen")
}

func TestTeardown_Idempotent(t *testing.T) {
	env := newTestEnv(t, testConfig())
	conn := env.dial(t, nil)

	ch := newWSChannel(conn, time.Second)
	s := &session{
		gw:      env.gw,
		ch:      ch,
		logger:  testLogger(),
		agentID: "solo",
	}
	s.connectionID = env.gw.manager.Connect("solo", ch)
	require.True(t, env.gw.manager.IsConnected("solo"))

	s.teardown()
	s.teardown()

	assert.False(t, env.gw.manager.IsConnected("solo"))
	assert.Len(t, env.store.UpdatesFor("solo", store.AgentStatusOffline), 1)
}

func TestReconnect_SupersedesWithoutOffline(t *testing.T) {
	env := newTestEnv(t, testConfig())
	first := env.dial(t, nil)
	register(t, first, "a1")

	second := env.dial(t, nil)
	welcome := register(t, second, "a1")

	// The superseded socket is closed by the gateway
	_ = first.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	assert.Never(t, func() bool {
		return len(env.store.UpdatesFor("a1", store.AgentStatusOffline)) > 0
	}, 300*time.Millisecond, 20*time.Millisecond)

	info, ok := env.gw.manager.Info("a1")
	require.True(t, ok)
	assert.Equal(t, welcome.ConnectionID, info.ConnectionID)
	assert.Equal(t, 1, env.gw.manager.Count())
}

func TestShutdown_RecordsOfflineBeforeStoreClose(t *testing.T) {
	env := newTestEnv(t, testConfig())
	conn := env.dial(t, nil)
	register(t, conn, "a1")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, env.gw.Shutdown(ctx))

	assert.Len(t, env.store.UpdatesFor("a1", store.AgentStatusOffline), 1)
	assert.Equal(t, 0, env.gw.manager.Count())
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, testConfig())

	resp, body := env.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, body = env.do(t, http.MethodGet, "/health/ready", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "no agents connected", string(body))

	conn := env.dial(t, nil)
	register(t, conn, "a1")

	resp, body = env.do(t, http.MethodGet, "/health/ready", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready (1 agents)", string(body))
}

func TestListAndGetAgents(t *testing.T) {
	env := newTestEnv(t, testConfig())
	require.NoError(t, env.store.UpsertAgent(context.Background(), &store.Agent{
		ID:       "old",
		Hostname: "old-host",
		Status:   store.AgentStatusOffline,
		LastSeen: time.Now().Add(-time.Hour),
	}))

	conn := env.dial(t, nil)
	register(t, conn, "a1")

	resp, body := env.do(t, http.MethodGet, "/api/agents", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var agents []AgentResponse
	require.NoError(t, json.Unmarshal(body, &agents))
	require.Len(t, agents, 2)

	byID := make(map[string]AgentResponse)
	for _, a := range agents {
		byID[a.ID] = a
	}
	assert.True(t, byID["a1"].Connected)
	assert.Equal(t, store.AgentStatusOnline, byID["a1"].Status)
	assert.NotEmpty(t, byID["a1"].ConnectionID)
	assert.False(t, byID["old"].Connected)
	assert.Equal(t, store.AgentStatusOffline, byID["old"].Status)

	resp, body = env.do(t, http.MethodGet, "/api/agents/old", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var one AgentResponse
	require.NoError(t, json.Unmarshal(body, &one))
	assert.Equal(t, "old-host", one.Hostname)

	resp, _ = env.do(t, http.MethodGet, "/api/agents/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListAgents_StoreUnavailable(t *testing.T) {
	env := newTestEnv(t, testConfig())
	conn := env.dial(t, nil)
	register(t, conn, "a1")
	env.store.ListErr = assert.AnError

	resp, body := env.do(t, http.MethodGet, "/api/agents", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var agents []AgentResponse
	require.NoError(t, json.Unmarshal(body, &agents))
	require.Len(t, agents, 1)
	assert.Equal(t, "a1", agents[0].ID)
}

func TestBroadcast(t *testing.T) {
	env := newTestEnv(t, testConfig())
	c1 := env.dial(t, nil)
	register(t, c1, "a1")
	c2 := env.dial(t, nil)
	register(t, c2, "a2")

	resp, body := env.do(t, http.MethodPost, "/api/broadcast", map[string]any{"type": "ping"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var out map[string]int
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, 2, out["delivered"])

	for _, c := range []*websocket.Conn{c1, c2} {
		frame := readFrame(t, c)
		assert.Equal(t, protocol.TypePing, frame.Type)
	}

	resp, _ = env.do(t, http.MethodPost, "/api/broadcast", map[string]any{"type": "bogus"}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, testConfig())
	conn := env.dial(t, nil)
	register(t, conn, "a1")

	resp, _ := env.do(t, http.MethodPost, "/api/agents/a1/commands",
		map[string]any{"command": "Get-Date", "wait": false}, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body := env.do(t, http.MethodGet, "/api/stats", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats StatsResponse
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, "test-gateway", stats.ServerID)
	assert.Equal(t, 1, stats.ConnectedAgents)
	assert.Equal(t, 1, stats.Commands.Pending)
}

func TestConcurrentCommands_EachGetsOwnResult(t *testing.T) {
	env := newTestEnv(t, testConfig())
	conn := env.dial(t, nil)
	register(t, conn, "a1")

	go answerCommands(conn, func(cmd protocol.CommandData) protocol.CommandResultData {
		return protocol.CommandResultData{Success: true, Output: cmd.Command}
	})

	const n = 10
	var wg sync.WaitGroup
	outputs := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cmd := "echo " + string(rune('a'+i))
			data, _ := json.Marshal(map[string]any{"command": cmd})
			resp, err := http.Post(env.srv.URL+"/api/agents/a1/commands", "application/json", bytes.NewReader(data))
			if err != nil {
				return
			}
			defer resp.Body.Close()
			var res CommandResponse
			if json.NewDecoder(resp.Body).Decode(&res) == nil {
				outputs[i] = res.Output
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		assert.Equal(t, "echo "+string(rune('a'+i)), outputs[i])
	}
}

func TestAuth(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.JWTSecret = testSecret
	env := newTestEnv(t, cfg)

	issuer := auth.NewJWTVerifier([]byte(testSecret))
	operatorToken, err := issuer.Generate("ops", auth.RoleOperator, time.Hour)
	require.NoError(t, err)
	agentToken, err := issuer.Generate("a1", auth.RoleAgent, time.Hour)
	require.NoError(t, err)

	t.Run("api requires token", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodGet, "/api/stats", nil, "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("api rejects agent role", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodGet, "/api/stats", nil, agentToken)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("api accepts operator", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodGet, "/api/stats", nil, operatorToken)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("health is open", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodGet, "/health", nil, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("agent socket requires token", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(env.wsURL(), nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("agent id must match token subject", func(t *testing.T) {
		header := http.Header{"Authorization": []string{"Bearer " + agentToken}}
		conn := env.dial(t, header)
		reg, err := protocol.NewEnvelope(protocol.TypeRegister, protocol.RegisterData{AgentID: "a2"})
		require.NoError(t, err)
		writeFrame(t, conn, reg)

		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, _, err = conn.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
	})

	t.Run("agent with matching token registers", func(t *testing.T) {
		header := http.Header{"Authorization": []string{"Bearer " + agentToken}}
		conn := env.dial(t, header)
		welcome := register(t, conn, "a1")
		assert.Equal(t, "a1", welcome.AgentID)
	})
}
