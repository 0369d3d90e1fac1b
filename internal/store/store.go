// ABOUTME: Store interface and data types for durable agent status
// ABOUTME: Defines Agent records and the operations the gateway and sweeper rely on

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// AgentStatus is the durable connectivity state of an agent
type AgentStatus string

const (
	AgentStatusOnline  AgentStatus = "online"
	AgentStatusOffline AgentStatus = "offline"
)

// Valid reports whether s is a known status
func (s AgentStatus) Valid() bool {
	return s == AgentStatusOnline || s == AgentStatusOffline
}

// SystemInfo is the latest host metrics reported by an agent
type SystemInfo struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	UptimeSeconds int64   `json:"uptime_seconds,omitempty"`
}

// Agent is the durable record for one managed endpoint
type Agent struct {
	ID         string      `json:"id"`
	Hostname   string      `json:"hostname"`
	OS         string      `json:"os"`
	Version    string      `json:"version,omitempty"`
	Tags       []string    `json:"tags,omitempty"`
	Status     AgentStatus `json:"status"`
	LastSeen   time.Time   `json:"last_seen"`
	FirstSeen  time.Time   `json:"first_seen"`
	SystemInfo *SystemInfo `json:"system_info,omitempty"`
	// OfflineSince is when the status last changed to offline; zero while
	// online or when unknown.
	OfflineSince time.Time `json:"offline_since,omitzero"`
}

// Store persists agent records across restarts
type Store interface {
	// UpsertAgent creates or refreshes an agent's identity fields, status and last-seen.
	// FirstSeen is only set on creation. OfflineSince is stored as given for
	// offline records and cleared for online ones.
	UpsertAgent(ctx context.Context, agent *Agent) error

	// GetAgent returns ErrNotFound for unknown ids.
	GetAgent(ctx context.Context, id string) (*Agent, error)

	ListAgents(ctx context.Context) ([]*Agent, error)

	// UpdateAgentStatus sets status, creating the record if needed. A zero lastSeen
	// or nil info leaves the stored value unchanged. A change to offline stamps
	// OfflineSince with the current time; online clears it.
	UpdateAgentStatus(ctx context.Context, id string, status AgentStatus, lastSeen time.Time, info *SystemInfo) error

	// Ping reports whether the backing store is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
