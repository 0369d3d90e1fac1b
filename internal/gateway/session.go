// ABOUTME: Agent channel lifecycle over WebSocket: handshake, receive loop, and teardown
// ABOUTME: Each accepted socket becomes one session that owns its wsChannel

package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-fleet/internal/auth"
	"github.com/2389/coven-fleet/internal/correlate"
	"github.com/2389/coven-fleet/internal/protocol"
	"github.com/2389/coven-fleet/internal/store"
)

// maxFrameSize caps inbound frames; command output can be large
const maxFrameSize = 4 << 20

// wsChannel adapts a gorilla WebSocket connection to agent.Channel.
// gorilla allows one concurrent writer, so every write takes writeMu.
type wsChannel struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
	closeErr     error
}

func newWSChannel(conn *websocket.Conn, writeTimeout time.Duration) *wsChannel {
	return &wsChannel{conn: conn, writeTimeout: writeTimeout}
}

// Send writes one envelope as a text frame.
func (c *wsChannel) Send(env *protocol.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ping sends a transport-level keepalive.
func (c *wsChannel) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// reject sends a close frame with the given code and closes the socket.
func (c *wsChannel) reject(code int, reason string) {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(c.writeTimeout))
	c.writeMu.Unlock()
	_ = c.Close()
}

// Close closes the underlying socket once.
func (c *wsChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// session is the server side of one agent channel.
type session struct {
	gw     *Gateway
	ch     *wsChannel
	claims *auth.Claims
	logger *slog.Logger

	agentID      string
	connectionID string

	teardownOnce sync.Once
}

// handleAgentSocket upgrades GET /ws/agent and runs the session to completion.
func (g *Gateway) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response
		g.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	g.sessions.Add(1)
	defer g.sessions.Done()

	s := &session{
		gw:     g,
		ch:     newWSChannel(conn, g.config.Agents.WriteTimeout),
		claims: auth.FromContext(r.Context()),
		logger: g.logger.With("remote", r.RemoteAddr),
	}
	s.run()
}

// run performs the handshake and then processes frames until the channel ends.
func (s *session) run() {
	reg, ok := s.handshake()
	if !ok {
		return
	}

	s.agentID = reg.AgentID
	s.logger = s.logger.With("agent_id", reg.AgentID)
	s.connectionID = s.gw.manager.Connect(reg.AgentID, s.ch)
	defer s.teardown()

	now := time.Now()
	ctx, cancel := storeContext()
	err := s.gw.store.UpsertAgent(ctx, &store.Agent{
		ID:         reg.AgentID,
		Hostname:   reg.Hostname,
		OS:         reg.OS,
		Version:    reg.Version,
		Tags:       reg.Tags,
		Status:     store.AgentStatusOnline,
		LastSeen:   now,
		SystemInfo: toSystemInfo(reg.System),
	})
	cancel()
	if err != nil {
		s.logger.Error("recording agent online", "error", err)
	}

	welcome, err := protocol.NewEnvelope(protocol.TypeWelcome, protocol.WelcomeData{
		ServerID:          s.gw.serverID,
		AgentID:           reg.AgentID,
		ConnectionID:      s.connectionID,
		HeartbeatInterval: int(s.gw.config.Agents.HeartbeatInterval / time.Second),
	})
	if err != nil {
		s.logger.Error("building welcome", "error", err)
		return
	}
	if err := s.ch.Send(welcome); err != nil {
		s.logger.Warn("sending welcome", "error", err)
		return
	}

	s.logger.Info("agent registered",
		"connection_id", s.connectionID,
		"hostname", reg.Hostname,
		"os", reg.OS,
		"version", reg.Version,
	)

	stopPing := make(chan struct{})
	defer close(stopPing)
	go s.keepalive(stopPing)

	s.receiveLoop()
}

// handshake reads the first frame, which must be a register frame naming an
// agent id, within the handshake timeout.
func (s *session) handshake() (*protocol.RegisterData, bool) {
	conn := s.ch.conn
	_ = conn.SetReadDeadline(time.Now().Add(s.gw.config.Agents.HandshakeTimeout))

	_, raw, err := conn.ReadMessage()
	if err != nil {
		s.logger.Warn("agent handshake failed", "error", err)
		s.ch.reject(websocket.ClosePolicyViolation, "register frame required")
		return nil, false
	}

	env, err := protocol.Decode(raw)
	if err != nil || env.Type != protocol.TypeRegister {
		s.logger.Warn("first frame was not register", "error", err)
		s.ch.reject(websocket.ClosePolicyViolation, "first frame must be register")
		return nil, false
	}

	var reg protocol.RegisterData
	if err := env.DecodeData(&reg); err != nil || reg.AgentID == "" {
		s.logger.Warn("register frame without agent_id", "error", err)
		s.ch.reject(websocket.ClosePolicyViolation, "agent_id is required")
		return nil, false
	}

	if s.claims != nil && s.claims.Subject != reg.AgentID {
		s.logger.Warn("agent_id does not match token subject", "agent_id", reg.AgentID, "subject", s.claims.Subject)
		s.ch.reject(websocket.ClosePolicyViolation, "agent_id does not match token")
		return nil, false
	}

	return &reg, true
}

// readTimeout is how long the channel may stay silent before it is dropped.
func (s *session) readTimeout() time.Duration {
	return s.gw.config.Agents.PingInterval + s.gw.config.Agents.StaleThreshold
}

// keepalive sends transport pings until stop is closed or a ping fails.
func (s *session) keepalive(stop <-chan struct{}) {
	ticker := time.NewTicker(s.gw.config.Agents.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.ch.ping(); err != nil {
				s.logger.Debug("keepalive ping failed", "error", err)
				_ = s.ch.Close()
				return
			}
		}
	}
}

// receiveLoop processes frames in arrival order until the socket fails.
func (s *session) receiveLoop() {
	conn := s.ch.conn
	_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout()))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout()))
		s.gw.manager.Touch(s.connectionID, time.Now())
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("agent disconnected")
			} else {
				s.logger.Info("agent channel ended", "error", err)
			}
			return
		}

		now := time.Now()
		_ = conn.SetReadDeadline(now.Add(s.readTimeout()))
		s.gw.manager.Touch(s.connectionID, now)

		env, err := protocol.Decode(raw)
		if err != nil {
			s.logger.Warn("ignoring malformed frame", "error", err)
			continue
		}
		s.handleFrame(env, now)
	}
}

// handleFrame dispatches one decoded frame.
func (s *session) handleFrame(env *protocol.Envelope, now time.Time) {
	switch env.Type {
	case protocol.TypeHeartbeat:
		s.handleHeartbeat(env, now)

	case protocol.TypeCommandResult:
		s.handleCommandResult(env, now)

	case protocol.TypePing:
		pong, err := protocol.NewRequest(protocol.TypePong, env.RequestID, nil)
		if err == nil {
			err = s.ch.Send(pong)
		}
		if err != nil {
			s.logger.Warn("sending pong", "error", err)
		}

	case protocol.TypePong:
		// Liveness already recorded

	case protocol.TypeRegister:
		// Registration should only happen once at the start
		s.logger.Warn("received duplicate registration")

	default:
		s.logger.Warn("received unexpected message type", "type", env.Type)
	}
}

// handleHeartbeat records last-seen and metrics durably.
func (s *session) handleHeartbeat(env *protocol.Envelope, now time.Time) {
	var hb protocol.HeartbeatData
	if len(env.Data) > 0 {
		if err := env.DecodeData(&hb); err != nil {
			s.logger.Warn("heartbeat data unreadable", "error", err)
		}
	}

	ctx, cancel := storeContext()
	defer cancel()
	if err := s.gw.store.UpdateAgentStatus(ctx, s.agentID, store.AgentStatusOnline, now, toSystemInfo(hb.System)); err != nil {
		s.logger.Error("recording heartbeat", "error", err)
	}
	s.logger.Debug("received heartbeat")
}

// handleCommandResult hands a result to the correlator.
func (s *session) handleCommandResult(env *protocol.Envelope, now time.Time) {
	if env.RequestID == "" {
		s.logger.Warn("command result without request_id")
		return
	}

	var data protocol.CommandResultData
	if err := env.DecodeData(&data); err != nil {
		s.logger.Warn("command result unreadable", "request_id", env.RequestID, "error", err)
		return
	}

	// Only the agent a command was sent to may complete it
	if req, ok := s.gw.correlator.Request(env.RequestID); ok && req.AgentID != s.agentID {
		s.logger.Warn("dropping result for another agent's request",
			"request_id", env.RequestID,
			"target_agent_id", req.AgentID,
		)
		return
	}

	stored := s.gw.correlator.StoreResult(env.RequestID, correlate.Result{
		Success:     data.Success,
		Output:      data.Output,
		Error:       data.Error,
		ExitCode:    data.ExitCode,
		Duration:    time.Duration(data.DurationSeconds * float64(time.Second)),
		CompletedAt: now,
	})
	if !stored {
		s.logger.Debug("dropping result for unknown or finished request", "request_id", env.RequestID)
		return
	}
	s.logger.Debug("received command result", "request_id", env.RequestID, "success", data.Success)
}

// teardown unregisters the channel and records offline status unless the
// agent has already reconnected on another channel. Safe to call repeatedly.
func (s *session) teardown() {
	s.teardownOnce.Do(func() {
		s.gw.manager.Disconnect(s.connectionID)
		if err := s.ch.Close(); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			s.logger.Debug("closing agent socket", "error", err)
		}

		if s.gw.manager.IsConnected(s.agentID) {
			s.logger.Info("agent superseded by newer connection", "connection_id", s.connectionID)
			return
		}

		ctx, cancel := storeContext()
		defer cancel()
		if err := s.gw.store.UpdateAgentStatus(ctx, s.agentID, store.AgentStatusOffline, time.Time{}, nil); err != nil {
			s.logger.Error("recording agent offline", "error", err)
		}
		s.logger.Info("agent session closed", "connection_id", s.connectionID)
	})
}

func toSystemInfo(m *protocol.SystemMetrics) *store.SystemInfo {
	if m == nil {
		return nil
	}
	return &store.SystemInfo{
		CPUPercent:    m.CPUPercent,
		MemoryPercent: m.MemoryPercent,
		DiskPercent:   m.DiskPercent,
		UptimeSeconds: m.UptimeSeconds,
	}
}
