// ABOUTME: Represents a single live agent channel and its connection metadata.
// ABOUTME: The owning session writes through it; the registry only holds a reference.

package agent

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/coven-fleet/internal/protocol"
)

// Channel is the duplex stream a session owns for one agent connection.
// Implementations must be safe for concurrent Send calls.
type Channel interface {
	Send(env *protocol.Envelope) error
	Close() error
}

// Connection binds an agent identity to a live Channel.
type Connection struct {
	ID          string // connection id, unique per accepted channel
	AgentID     string
	ConnectedAt time.Time

	channel       Channel
	lastHeartbeat atomic.Int64 // unix nanos
	closeOnce     sync.Once
	closeErr      error
}

func newConnection(id, agentID string, ch Channel, now time.Time) *Connection {
	c := &Connection{
		ID:          id,
		AgentID:     agentID,
		ConnectedAt: now,
		channel:     ch,
	}
	c.lastHeartbeat.Store(now.UnixNano())
	return c
}

// Send writes an envelope to the agent's channel.
func (c *Connection) Send(env *protocol.Envelope) error {
	return c.channel.Send(env)
}

// Close closes the underlying channel once. Later calls return the first result.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.channel.Close()
	})
	return c.closeErr
}

// LastHeartbeat returns the time the last frame was received on this connection.
func (c *Connection) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

func (c *Connection) touch(at time.Time) {
	c.lastHeartbeat.Store(at.UnixNano())
}

// Info returns a metadata snapshot.
func (c *Connection) Info() ConnectionInfo {
	return ConnectionInfo{
		ConnectionID:  c.ID,
		AgentID:       c.AgentID,
		ConnectedAt:   c.ConnectedAt,
		LastHeartbeat: c.LastHeartbeat(),
	}
}

// ConnectionInfo is a point-in-time copy of a connection's metadata.
type ConnectionInfo struct {
	ConnectionID  string
	AgentID       string
	ConnectedAt   time.Time
	LastHeartbeat time.Time
}
