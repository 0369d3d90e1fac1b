// ABOUTME: Registry of connected agents keyed by agent identity and connection id.
// ABOUTME: Central coordinator for channel lookup, sends, broadcast, and eviction.

package agent

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-fleet/internal/protocol"
)

// Manager tracks live agent connections. At most one connection is mapped
// per agent identity; connecting again supersedes and closes the old one.
type Manager struct {
	byAgent map[string]*Connection
	byConn  map[string]*Connection
	mu      sync.RWMutex
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager creates a new Manager instance.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		byAgent: make(map[string]*Connection),
		byConn:  make(map[string]*Connection),
		logger:  logger,
		now:     time.Now,
	}
}

// Connect maps agentID to ch and returns a new connection id. A prior
// connection for the same agent is dropped from the registry and its
// channel closed; its owner's later Disconnect becomes a no-op.
func (m *Manager) Connect(agentID string, ch Channel) string {
	conn := newConnection(uuid.New().String(), agentID, ch, m.now())

	m.mu.Lock()
	prev := m.byAgent[agentID]
	if prev != nil {
		delete(m.byConn, prev.ID)
	}
	m.byAgent[agentID] = conn
	m.byConn[conn.ID] = conn
	total := len(m.byAgent)
	m.mu.Unlock()

	m.logger.Info("=== AGENT CONNECTED ===",
		"agent_id", agentID,
		"connection_id", conn.ID,
		"total_agents", total,
	)

	if prev != nil {
		m.logger.Warn("agent reconnected, closing superseded channel",
			"agent_id", agentID,
			"old_connection_id", prev.ID,
			"new_connection_id", conn.ID,
		)
		if err := prev.Close(); err != nil {
			m.logger.Debug("closing superseded channel", "error", err, "connection_id", prev.ID)
		}
	}

	return conn.ID
}

// Disconnect removes the connection's metadata, and the agent mapping if it
// still points at this connection. Returns false when connectionID is unknown.
func (m *Manager) Disconnect(connectionID string) bool {
	m.mu.Lock()
	conn, ok := m.byConn[connectionID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.byConn, connectionID)
	if current, exists := m.byAgent[conn.AgentID]; exists && current.ID == connectionID {
		delete(m.byAgent, conn.AgentID)
	}
	total := len(m.byAgent)
	m.mu.Unlock()

	m.logger.Info("=== AGENT DISCONNECTED ===",
		"agent_id", conn.AgentID,
		"connection_id", connectionID,
		"total_agents", total,
	)
	return true
}

// IsConnected reports whether agentID has a live channel.
func (m *Manager) IsConnected(agentID string) bool {
	_, ok := m.GetAgent(agentID)
	return ok
}

// GetAgent returns the live connection for agentID.
func (m *Manager) GetAgent(agentID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.byAgent[agentID]
	return conn, ok
}

// Send writes env to the agent's channel. A failed write tears the
// connection down and returns a *SendError.
func (m *Manager) Send(agentID string, env *protocol.Envelope) error {
	conn, ok := m.GetAgent(agentID)
	if !ok {
		return ErrAgentNotConnected
	}

	if err := conn.Send(env); err != nil {
		m.logger.Warn("send failed, dropping connection",
			"agent_id", agentID,
			"connection_id", conn.ID,
			"type", env.Type,
			"error", err,
		)
		m.drop(conn)
		return &SendError{AgentID: agentID, Err: err}
	}
	return nil
}

// Broadcast sends env to every live channel except excludeConnectionID.
// Failed channels are dropped; the broadcast continues. Returns the number
// of successful deliveries.
func (m *Manager) Broadcast(env *protocol.Envelope, excludeConnectionID string) int {
	m.mu.RLock()
	targets := make([]*Connection, 0, len(m.byAgent))
	for _, conn := range m.byAgent {
		if conn.ID != excludeConnectionID {
			targets = append(targets, conn)
		}
	}
	m.mu.RUnlock()

	delivered := 0
	for _, conn := range targets {
		if err := conn.Send(env); err != nil {
			m.logger.Warn("broadcast send failed, dropping connection",
				"agent_id", conn.AgentID,
				"connection_id", conn.ID,
				"error", err,
			)
			m.drop(conn)
			continue
		}
		delivered++
	}
	return delivered
}

// drop disconnects and closes conn.
func (m *Manager) drop(conn *Connection) {
	m.Disconnect(conn.ID)
	if err := conn.Close(); err != nil {
		m.logger.Debug("closing dropped channel", "error", err, "connection_id", conn.ID)
	}
}

// Touch records activity on a connection. Returns false if it is no longer registered.
func (m *Manager) Touch(connectionID string, at time.Time) bool {
	m.mu.RLock()
	conn, ok := m.byConn[connectionID]
	m.mu.RUnlock()

	if !ok {
		return false
	}
	conn.touch(at)
	return true
}

// Info returns metadata for the agent's live connection.
func (m *Manager) Info(agentID string) (ConnectionInfo, bool) {
	conn, ok := m.GetAgent(agentID)
	if !ok {
		return ConnectionInfo{}, false
	}
	return conn.Info(), true
}

// ListAgents returns metadata for all connected agents sorted by agent id.
func (m *Manager) ListAgents() []ConnectionInfo {
	m.mu.RLock()
	infos := make([]ConnectionInfo, 0, len(m.byAgent))
	for _, conn := range m.byAgent {
		infos = append(infos, conn.Info())
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].AgentID < infos[j].AgentID })
	return infos
}

// Count returns the number of connected agents.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byAgent)
}

// CloseAll closes every registered channel. Sessions observe the close and
// tear themselves down.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.byConn))
	for _, conn := range m.byConn {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}
