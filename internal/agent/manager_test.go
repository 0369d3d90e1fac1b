// ABOUTME: Tests for the agent registry including Manager and Connection.
// ABOUTME: Validates connect/disconnect guards, supersede eviction, send and broadcast failures.

package agent

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-fleet/internal/protocol"
)

// mockChannel implements Channel for testing.
type mockChannel struct {
	mu      sync.Mutex
	sent    []*protocol.Envelope
	sendErr error
	closed  int
}

func newMockChannel() *mockChannel {
	return &mockChannel{}
}

func (m *mockChannel) Send(env *protocol.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, env)
	return nil
}

func (m *mockChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *mockChannel) failWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

func (m *mockChannel) sentMessages() []*protocol.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*protocol.Envelope, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *mockChannel) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pingEnvelope(t *testing.T) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.TypePing, nil)
	require.NoError(t, err)
	return env
}

func TestManagerConnect(t *testing.T) {
	t.Run("registers agent", func(t *testing.T) {
		manager := NewManager(testLogger())
		connID := manager.Connect("agent-1", newMockChannel())

		assert.NotEmpty(t, connID)
		assert.True(t, manager.IsConnected("agent-1"))
		assert.Equal(t, 1, manager.Count())

		info, ok := manager.Info("agent-1")
		require.True(t, ok)
		assert.Equal(t, connID, info.ConnectionID)
		assert.False(t, info.ConnectedAt.IsZero())
		assert.Equal(t, info.ConnectedAt, info.LastHeartbeat)
	})

	t.Run("connection ids are unique", func(t *testing.T) {
		manager := NewManager(testLogger())
		a := manager.Connect("agent-1", newMockChannel())
		b := manager.Connect("agent-2", newMockChannel())
		assert.NotEqual(t, a, b)
	})

	t.Run("reconnect supersedes and closes previous channel", func(t *testing.T) {
		manager := NewManager(testLogger())
		old := newMockChannel()
		fresh := newMockChannel()

		oldID := manager.Connect("agent-1", old)
		newID := manager.Connect("agent-1", fresh)

		assert.Equal(t, 1, old.closeCount())
		assert.Equal(t, 0, fresh.closeCount())
		assert.Equal(t, 1, manager.Count())

		info, ok := manager.Info("agent-1")
		require.True(t, ok)
		assert.Equal(t, newID, info.ConnectionID)

		// The old session's teardown must not remove the new mapping.
		assert.False(t, manager.Disconnect(oldID))
		assert.True(t, manager.IsConnected("agent-1"))

		require.NoError(t, manager.Send("agent-1", pingEnvelope(t)))
		assert.Len(t, fresh.sentMessages(), 1)
		assert.Empty(t, old.sentMessages())
	})
}

func TestManagerDisconnect(t *testing.T) {
	t.Run("removes mapping", func(t *testing.T) {
		manager := NewManager(testLogger())
		connID := manager.Connect("agent-1", newMockChannel())

		assert.True(t, manager.Disconnect(connID))
		assert.False(t, manager.IsConnected("agent-1"))
		assert.Empty(t, manager.ListAgents())
	})

	t.Run("unknown connection is no-op", func(t *testing.T) {
		manager := NewManager(testLogger())
		assert.False(t, manager.Disconnect("non-existent"))
	})

	t.Run("second disconnect is no-op", func(t *testing.T) {
		manager := NewManager(testLogger())
		connID := manager.Connect("agent-1", newMockChannel())
		assert.True(t, manager.Disconnect(connID))
		assert.False(t, manager.Disconnect(connID))
	})
}

func TestManagerSend(t *testing.T) {
	t.Run("delivers to agent channel", func(t *testing.T) {
		manager := NewManager(testLogger())
		ch := newMockChannel()
		manager.Connect("agent-1", ch)

		require.NoError(t, manager.Send("agent-1", pingEnvelope(t)))
		sent := ch.sentMessages()
		require.Len(t, sent, 1)
		assert.Equal(t, protocol.TypePing, sent[0].Type)
	})

	t.Run("unknown agent", func(t *testing.T) {
		manager := NewManager(testLogger())
		err := manager.Send("ghost", pingEnvelope(t))
		assert.ErrorIs(t, err, ErrAgentNotConnected)
	})

	t.Run("write failure tears down connection", func(t *testing.T) {
		manager := NewManager(testLogger())
		ch := newMockChannel()
		ch.failWith(errors.New("broken pipe"))
		manager.Connect("agent-1", ch)

		err := manager.Send("agent-1", pingEnvelope(t))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrSendFailed)

		var sendErr *SendError
		require.True(t, errors.As(err, &sendErr))
		assert.Equal(t, "agent-1", sendErr.AgentID)
		assert.EqualError(t, sendErr.Err, "broken pipe")

		assert.False(t, manager.IsConnected("agent-1"))
		assert.Equal(t, 1, ch.closeCount())
	})
}

func TestManagerBroadcast(t *testing.T) {
	manager := NewManager(testLogger())
	good1 := newMockChannel()
	good2 := newMockChannel()
	bad := newMockChannel()
	bad.failWith(errors.New("reset by peer"))
	skipped := newMockChannel()

	manager.Connect("agent-1", good1)
	manager.Connect("agent-2", good2)
	manager.Connect("agent-3", bad)
	skipID := manager.Connect("agent-4", skipped)

	delivered := manager.Broadcast(pingEnvelope(t), skipID)

	assert.Equal(t, 2, delivered)
	assert.Len(t, good1.sentMessages(), 1)
	assert.Len(t, good2.sentMessages(), 1)
	assert.Empty(t, skipped.sentMessages())
	assert.False(t, manager.IsConnected("agent-3"))
	assert.True(t, manager.IsConnected("agent-4"))
	assert.Equal(t, 3, manager.Count())
}

func TestManagerTouch(t *testing.T) {
	manager := NewManager(testLogger())
	connID := manager.Connect("agent-1", newMockChannel())

	later := time.Now().Add(time.Minute)
	assert.True(t, manager.Touch(connID, later))

	info, _ := manager.Info("agent-1")
	assert.True(t, info.LastHeartbeat.Equal(later))

	manager.Disconnect(connID)
	assert.False(t, manager.Touch(connID, later))
}

func TestManagerListAgents_Sorted(t *testing.T) {
	manager := NewManager(testLogger())
	manager.Connect("charlie", newMockChannel())
	manager.Connect("alpha", newMockChannel())
	manager.Connect("bravo", newMockChannel())

	agents := manager.ListAgents()
	require.Len(t, agents, 3)
	assert.Equal(t, "alpha", agents[0].AgentID)
	assert.Equal(t, "bravo", agents[1].AgentID)
	assert.Equal(t, "charlie", agents[2].AgentID)
}

func TestManagerCloseAll(t *testing.T) {
	manager := NewManager(testLogger())
	a := newMockChannel()
	b := newMockChannel()
	manager.Connect("agent-1", a)
	manager.Connect("agent-2", b)

	manager.CloseAll()
	assert.Equal(t, 1, a.closeCount())
	assert.Equal(t, 1, b.closeCount())
}

// TestConcurrentConnect_AtMostOneChannel connects the same identity from many
// goroutines; exactly one channel must remain registered and open.
func TestConcurrentConnect_AtMostOneChannel(t *testing.T) {
	manager := NewManager(testLogger())
	const n = 50

	channels := make([]*mockChannel, n)
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		channels[i] = newMockChannel()
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = manager.Connect("agent-1", channels[i])
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, manager.Count())
	info, ok := manager.Info("agent-1")
	require.True(t, ok)

	open := 0
	for i, ch := range channels {
		if ch.closeCount() == 0 {
			open++
			assert.Equal(t, ids[i], info.ConnectionID)
		}
	}
	assert.Equal(t, 1, open)
}

func TestConcurrentAccess(t *testing.T) {
	manager := NewManager(testLogger())
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(3)
		go func(id int) {
			defer wg.Done()
			connID := manager.Connect(fmt.Sprintf("agent-%d", id), newMockChannel())
			manager.Touch(connID, time.Now())
		}(i)
		go func() {
			defer wg.Done()
			manager.ListAgents()
		}()
		go func() {
			defer wg.Done()
			env, _ := protocol.NewEnvelope(protocol.TypePing, nil)
			manager.Broadcast(env, "")
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, manager.Count())
}
