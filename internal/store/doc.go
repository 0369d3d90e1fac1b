// Package store persists durable agent status for the fleet gateway.
//
// # Backends
//
//   - SQLiteStore: single-node default, WAL mode, schema created on open
//   - RedisStore: shared agent:<id> JSON documents for multi-gateway setups
//   - MockStore: in-memory with injectable failures, for tests
//
// # Data Model
//
// An Agent row carries identity fields from registration (hostname, OS,
// version, tags), the online/offline status, last_seen, first_seen and the
// most recent system metrics. The live connection registry lives in the
// agent package; this package only holds what survives a restart.
//
// # Semantics
//
// UpdateAgentStatus upserts: an unknown id creates a bare record. A zero
// lastSeen or nil SystemInfo leaves the stored value unchanged, so the
// liveness sweeper can flip status without touching timestamps.
//
// Rows with unparseable timestamps are returned with a zero LastSeen rather
// than failing the whole listing.
package store
