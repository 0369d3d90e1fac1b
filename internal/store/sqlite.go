// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent status persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat keeps sub-second precision so liveness math is exact
const timeFormat = time.RFC3339Nano

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if path == ":memory:" {
		// Each pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id               TEXT PRIMARY KEY,
			hostname         TEXT NOT NULL DEFAULT '',
			os               TEXT NOT NULL DEFAULT '',
			version          TEXT NOT NULL DEFAULT '',
			tags_json        TEXT,
			status           TEXT NOT NULL,
			last_seen        TEXT,
			first_seen       TEXT NOT NULL,
			system_info_json TEXT,
			offline_since    TEXT,

			CHECK (status IN ('online', 'offline'))
		);

		CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.addColumnIfMissing("agents", "offline_since", "TEXT")
}

// addColumnIfMissing upgrades databases created before a column existed.
func (s *SQLiteStore) addColumnIfMissing(table, column, decl string) error {
	rows, err := s.db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return fmt.Errorf("reading %s columns: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("reading %s columns: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("reading %s columns: %w", table, err)
	}
	rows.Close()

	if _, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)); err != nil {
		return fmt.Errorf("adding %s.%s: %w", table, column, err)
	}
	s.logger.Info("migrated schema", "table", table, "column", column)
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping verifies the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertAgent inserts the agent or refreshes its identity, status and last-seen.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent *Agent) error {
	if agent.ID == "" {
		return errors.New("agent id is required")
	}
	if !agent.Status.Valid() {
		return fmt.Errorf("invalid agent status %q", agent.Status)
	}

	tagsJSON, err := marshalNullable(agent.Tags, len(agent.Tags) > 0)
	if err != nil {
		return fmt.Errorf("marshaling tags: %w", err)
	}
	infoJSON, err := marshalNullable(agent.SystemInfo, agent.SystemInfo != nil)
	if err != nil {
		return fmt.Errorf("marshaling system info: %w", err)
	}

	firstSeen := agent.FirstSeen
	if firstSeen.IsZero() {
		firstSeen = time.Now()
	}
	var offlineSince time.Time
	if agent.Status == AgentStatusOffline {
		offlineSince = agent.OfflineSince
	}

	query := `
		INSERT INTO agents (id, hostname, os, version, tags_json, status, last_seen, first_seen, system_info_json, offline_since)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			hostname = excluded.hostname,
			os = excluded.os,
			version = excluded.version,
			tags_json = excluded.tags_json,
			status = excluded.status,
			last_seen = COALESCE(excluded.last_seen, agents.last_seen),
			system_info_json = COALESCE(excluded.system_info_json, agents.system_info_json),
			offline_since = excluded.offline_since
	`

	_, err = s.db.ExecContext(ctx, query,
		agent.ID,
		agent.Hostname,
		agent.OS,
		agent.Version,
		tagsJSON,
		string(agent.Status),
		formatNullableTime(agent.LastSeen),
		firstSeen.UTC().Format(timeFormat),
		infoJSON,
		formatNullableTime(offlineSince),
	)
	if err != nil {
		return fmt.Errorf("upserting agent: %w", err)
	}

	s.logger.Debug("upserted agent", "id", agent.ID, "status", agent.Status)
	return nil
}

// UpdateAgentStatus sets an agent's status, creating a bare record if needed.
func (s *SQLiteStore) UpdateAgentStatus(ctx context.Context, id string, status AgentStatus, lastSeen time.Time, info *SystemInfo) error {
	if !status.Valid() {
		return fmt.Errorf("invalid agent status %q", status)
	}

	infoJSON, err := marshalNullable(info, info != nil)
	if err != nil {
		return fmt.Errorf("marshaling system info: %w", err)
	}

	now := time.Now()
	var offlineSince time.Time
	if status == AgentStatusOffline {
		offlineSince = now
	}

	// An already-offline agent keeps its original offline_since
	query := `
		INSERT INTO agents (id, status, last_seen, first_seen, system_info_json, offline_since)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			offline_since = CASE
				WHEN excluded.status = 'offline' AND agents.status = 'offline' THEN agents.offline_since
				ELSE excluded.offline_since
			END,
			status = excluded.status,
			last_seen = COALESCE(excluded.last_seen, agents.last_seen),
			system_info_json = COALESCE(excluded.system_info_json, agents.system_info_json)
	`

	_, err = s.db.ExecContext(ctx, query,
		id,
		string(status),
		formatNullableTime(lastSeen),
		now.UTC().Format(timeFormat),
		infoJSON,
		formatNullableTime(offlineSince),
	)
	if err != nil {
		return fmt.Errorf("updating agent status: %w", err)
	}
	return nil
}

const selectAgentColumns = `
	SELECT id, hostname, os, version, tags_json, status, last_seen, first_seen, system_info_json, offline_since
	FROM agents
`

// GetAgent retrieves an agent by ID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, selectAgentColumns+` WHERE id = ?`, id)

	agent, err := s.scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return agent, nil
}

// ListAgents returns all agents ordered by id.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, selectAgentColumns+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := s.scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agents: %w", err)
	}
	return agents, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanAgent reads one row. Undecodable timestamps or JSON columns are logged
// and left zero so one bad row does not hide the rest.
func (s *SQLiteStore) scanAgent(row rowScanner) (*Agent, error) {
	var (
		agent              Agent
		status, firstSeen  string
		tagsJSON, infoJSON sql.NullString
		lastSeen, offline  sql.NullString
	)
	err := row.Scan(
		&agent.ID,
		&agent.Hostname,
		&agent.OS,
		&agent.Version,
		&tagsJSON,
		&status,
		&lastSeen,
		&firstSeen,
		&infoJSON,
		&offline,
	)
	if err != nil {
		return nil, err
	}
	agent.Status = AgentStatus(status)

	if lastSeen.Valid && lastSeen.String != "" {
		if agent.LastSeen, err = time.Parse(timeFormat, lastSeen.String); err != nil {
			s.logger.Warn("unparseable last_seen", "agent_id", agent.ID, "value", lastSeen.String, "error", err)
			agent.LastSeen = time.Time{}
		}
	}
	if offline.Valid && offline.String != "" {
		if agent.OfflineSince, err = time.Parse(timeFormat, offline.String); err != nil {
			s.logger.Warn("unparseable offline_since", "agent_id", agent.ID, "value", offline.String, "error", err)
			agent.OfflineSince = time.Time{}
		}
	}
	if agent.FirstSeen, err = time.Parse(timeFormat, firstSeen); err != nil {
		s.logger.Warn("unparseable first_seen", "agent_id", agent.ID, "value", firstSeen, "error", err)
		agent.FirstSeen = time.Time{}
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &agent.Tags); err != nil {
			s.logger.Warn("unparseable tags", "agent_id", agent.ID, "error", err)
		}
	}
	if infoJSON.Valid && infoJSON.String != "" {
		var info SystemInfo
		if err := json.Unmarshal([]byte(infoJSON.String), &info); err != nil {
			s.logger.Warn("unparseable system info", "agent_id", agent.ID, "error", err)
		} else {
			agent.SystemInfo = &info
		}
	}
	return &agent, nil
}

func formatNullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeFormat)
}

func marshalNullable(v any, present bool) (any, error) {
	if !present {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
