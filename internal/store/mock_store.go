// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject backend failures

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// StatusUpdate records one UpdateAgentStatus call made against a MockStore.
type StatusUpdate struct {
	AgentID  string
	Status   AgentStatus
	LastSeen time.Time
	Info     *SystemInfo
}

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu      sync.RWMutex
	agents  map[string]*Agent
	updates []StatusUpdate

	// PingErr and ListErr make Ping and ListAgents fail when set.
	PingErr error
	ListErr error
	// UpdateErrs makes UpdateAgentStatus fail for specific agent ids.
	UpdateErrs map[string]error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:     make(map[string]*Agent),
		UpdateErrs: make(map[string]error),
	}
}

// Ping returns PingErr.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.PingErr
}

// UpsertAgent stores a copy of the agent, keeping FirstSeen on update.
func (m *MockStore) UpsertAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := *agent
	if existing, ok := m.agents[a.ID]; ok {
		a.FirstSeen = existing.FirstSeen
		if a.LastSeen.IsZero() {
			a.LastSeen = existing.LastSeen
		}
		if a.SystemInfo == nil {
			a.SystemInfo = existing.SystemInfo
		}
	}
	if a.FirstSeen.IsZero() {
		a.FirstSeen = time.Now()
	}
	if a.Status == AgentStatusOnline {
		a.OfflineSince = time.Time{}
	}
	m.agents[a.ID] = &a
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}

	// Return a copy
	result := *a
	return &result, nil
}

// ListAgents returns copies of all agents ordered by id, or ListErr.
func (m *MockStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.ListErr != nil {
		return nil, m.ListErr
	}

	result := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		copied := *a
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// UpdateAgentStatus records the call and applies it unless an error is injected.
func (m *MockStore) UpdateAgentStatus(ctx context.Context, id string, status AgentStatus, lastSeen time.Time, info *SystemInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.updates = append(m.updates, StatusUpdate{AgentID: id, Status: status, LastSeen: lastSeen, Info: info})

	if err := m.UpdateErrs[id]; err != nil {
		return err
	}

	a, ok := m.agents[id]
	if !ok {
		a = &Agent{ID: id, FirstSeen: time.Now()}
		m.agents[id] = a
	}
	switch {
	case status == AgentStatusOnline:
		a.OfflineSince = time.Time{}
	case a.Status != AgentStatusOffline:
		a.OfflineSince = time.Now()
	}
	a.Status = status
	if !lastSeen.IsZero() {
		a.LastSeen = lastSeen
	}
	if info != nil {
		a.SystemInfo = info
	}
	return nil
}

// Updates returns every UpdateAgentStatus call in order.
func (m *MockStore) Updates() []StatusUpdate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]StatusUpdate, len(m.updates))
	copy(out, m.updates)
	return out
}

// UpdatesFor returns the UpdateAgentStatus calls for one agent with the given status.
func (m *MockStore) UpdatesFor(id string, status AgentStatus) []StatusUpdate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []StatusUpdate
	for _, u := range m.updates {
		if u.AgentID == id && u.Status == status {
			out = append(out, u)
		}
	}
	return out
}

// SetUpdateErr makes UpdateAgentStatus fail for id. A nil err clears it.
func (m *MockStore) SetUpdateErr(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.UpdateErrs, id)
		return
	}
	m.UpdateErrs[id] = err
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Ensure the implementations satisfy Store.
var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*RedisStore)(nil)
)
