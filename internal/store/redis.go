// ABOUTME: Redis implementation of the Store interface using go-redis
// ABOUTME: Agents are stored as JSON documents under agent:<id> keys

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
)

const agentKeyPrefix = "agent:"

// maxWatchRetries bounds optimistic-lock retries on concurrent writers
const maxWatchRetries = 5

// RedisStore implements the Store interface on a shared Redis instance,
// for deployments where several gateways report into one status view.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisStore connects to addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}

	logger := slog.Default().With("component", "store")
	logger.Info("Redis store initialized", "addr", addr)
	return &RedisStore{client: client, logger: logger}, nil
}

func agentKey(id string) string {
	return agentKeyPrefix + id
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	s.logger.Info("closing Redis store")
	return s.client.Close()
}

// Ping checks if the Redis connection is alive
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// UpsertAgent stores the agent, keeping FirstSeen and any previous SystemInfo
// or LastSeen the new record omits.
func (s *RedisStore) UpsertAgent(ctx context.Context, agent *Agent) error {
	if agent.ID == "" {
		return errors.New("agent id is required")
	}
	if !agent.Status.Valid() {
		return fmt.Errorf("invalid agent status %q", agent.Status)
	}

	return s.update(ctx, agent.ID, func(existing *Agent) *Agent {
		next := *agent
		if existing != nil {
			next.FirstSeen = existing.FirstSeen
			if next.LastSeen.IsZero() {
				next.LastSeen = existing.LastSeen
			}
			if next.SystemInfo == nil {
				next.SystemInfo = existing.SystemInfo
			}
		}
		if next.FirstSeen.IsZero() {
			next.FirstSeen = time.Now().UTC()
		}
		if next.Status == AgentStatusOnline {
			next.OfflineSince = time.Time{}
		}
		return &next
	})
}

// UpdateAgentStatus sets an agent's status, creating a bare record if needed.
func (s *RedisStore) UpdateAgentStatus(ctx context.Context, id string, status AgentStatus, lastSeen time.Time, info *SystemInfo) error {
	if !status.Valid() {
		return fmt.Errorf("invalid agent status %q", status)
	}

	return s.update(ctx, id, func(existing *Agent) *Agent {
		next := Agent{ID: id, FirstSeen: time.Now().UTC()}
		if existing != nil {
			next = *existing
		}
		switch {
		case status == AgentStatusOnline:
			next.OfflineSince = time.Time{}
		case next.Status != AgentStatusOffline:
			next.OfflineSince = time.Now().UTC()
		}
		next.Status = status
		if !lastSeen.IsZero() {
			next.LastSeen = lastSeen.UTC()
		}
		if info != nil {
			next.SystemInfo = info
		}
		return &next
	})
}

// update runs a read-modify-write on one agent key under WATCH.
func (s *RedisStore) update(ctx context.Context, id string, mutate func(existing *Agent) *Agent) error {
	key := agentKey(id)

	txf := func(tx *redis.Tx) error {
		var existing *Agent
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var a Agent
			if err := json.Unmarshal(data, &a); err != nil {
				s.logger.Warn("overwriting undecodable agent record", "agent_id", id, "error", err)
			} else {
				existing = &a
			}
		}

		next := mutate(existing)
		encoded, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshaling agent: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("updating agent %s: %w", id, err)
		}
		return nil
	}
	return fmt.Errorf("updating agent %s: too many concurrent writers", id)
}

// GetAgent retrieves an agent by ID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *RedisStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	data, err := s.client.Get(ctx, agentKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting agent: %w", err)
	}

	var agent Agent
	if err := json.Unmarshal(data, &agent); err != nil {
		return nil, fmt.Errorf("decoding agent: %w", err)
	}
	return &agent, nil
}

// ListAgents scans agent:* keys and returns the decodable records ordered by id.
func (s *RedisStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, agentKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning agent keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("loading agents: %w", err)
	}

	agents := make([]*Agent, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Key deleted between SCAN and MGET
			continue
		}
		var agent Agent
		if err := json.Unmarshal([]byte(raw), &agent); err != nil {
			s.logger.Warn("skipping undecodable agent record", "key", keys[i], "error", err)
			continue
		}
		agents = append(agents, &agent)
	}

	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}
