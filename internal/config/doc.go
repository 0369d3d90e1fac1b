// Package config handles configuration loading for fleet-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files (or TOML when the path ends in
// .toml) with environment variable expansion. Missing values fall back to
// defaults and the result is validated before use.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${FLEET_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"    # API and agent WebSocket endpoint
//	  grpc_addr: "0.0.0.0:50051"   # gRPC health service (optional)
//	  server_id: "fleet-eu-1"      # sent to agents in welcome frames
//
//	database:
//	  driver: "sqlite"             # sqlite or redis
//	  path: "/var/lib/fleet/fleet.db"
//	  redis_addr: "localhost:6379"
//
//	agents:
//	  heartbeat_interval: "30s"
//	  handshake_timeout: "10s"
//	  ping_interval: "25s"
//	  write_timeout: "10s"
//	  stale_threshold: "60s"
//	  sweep_interval: "30s"
//	  default_command_timeout: "30s"
//	  max_command_timeout: "10m"
//
//	commands:
//	  result_ttl: "15m"
//	  cleanup_interval: "1m"
//	  max_entries: 10000
//
//	telemetry:
//	  otlp_endpoint: "localhost:4317"  # empty disables tracing export
//	  service_name: "fleet-gateway"
//
// Duration values use Go's time.ParseDuration syntax and must be positive.
package config
