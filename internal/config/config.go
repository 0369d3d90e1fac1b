// ABOUTME: Configuration loading and parsing for fleet-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete fleet-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Agents    AgentsConfig    `yaml:"agents" toml:"agents"`
	Commands  CommandsConfig  `yaml:"commands" toml:"commands"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// ServerConfig holds listener addresses and the identity sent to agents
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // gRPC health service; empty disables it
	ServerID string `yaml:"server_id" toml:"server_id"` // defaults to the hostname
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // serve the API on :443 with tailnet certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // expose publicly via Funnel (implies HTTPS)
}

// Database drivers
const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// DatabaseConfig selects and configures the durable agent store
type DatabaseConfig struct {
	Driver    string `yaml:"driver" toml:"driver"`
	Path      string `yaml:"path" toml:"path"`
	RedisAddr string `yaml:"redis_addr" toml:"redis_addr"`
}

// AuthConfig holds authentication configuration.
// An empty secret leaves the API and agent endpoint unauthenticated.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// AgentsConfig holds agent channel timing
type AgentsConfig struct {
	HeartbeatInterval     time.Duration `yaml:"-" toml:"-"`
	HandshakeTimeout      time.Duration `yaml:"-" toml:"-"`
	PingInterval          time.Duration `yaml:"-" toml:"-"`
	WriteTimeout          time.Duration `yaml:"-" toml:"-"`
	StaleThreshold        time.Duration `yaml:"-" toml:"-"`
	SweepInterval         time.Duration `yaml:"-" toml:"-"`
	DefaultCommandTimeout time.Duration `yaml:"-" toml:"-"`
	MaxCommandTimeout     time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	HeartbeatIntervalRaw     string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	HandshakeTimeoutRaw      string `yaml:"handshake_timeout" toml:"handshake_timeout"`
	PingIntervalRaw          string `yaml:"ping_interval" toml:"ping_interval"`
	WriteTimeoutRaw          string `yaml:"write_timeout" toml:"write_timeout"`
	StaleThresholdRaw        string `yaml:"stale_threshold" toml:"stale_threshold"`
	SweepIntervalRaw         string `yaml:"sweep_interval" toml:"sweep_interval"`
	DefaultCommandTimeoutRaw string `yaml:"default_command_timeout" toml:"default_command_timeout"`
	MaxCommandTimeoutRaw     string `yaml:"max_command_timeout" toml:"max_command_timeout"`
}

// CommandsConfig controls retention of command results
type CommandsConfig struct {
	ResultTTL       time.Duration `yaml:"-" toml:"-"`
	CleanupInterval time.Duration `yaml:"-" toml:"-"`
	MaxEntries      int           `yaml:"max_entries" toml:"max_entries"`

	ResultTTLRaw       string `yaml:"result_ttl" toml:"result_ttl"`
	CleanupIntervalRaw string `yaml:"cleanup_interval" toml:"cleanup_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// TelemetryConfig holds OpenTelemetry export configuration.
// An empty endpoint disables export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name" toml:"service_name"`
	Insecure     bool   `yaml:"insecure" toml:"insecure"`
}

// Defaults
const (
	DefaultHTTPAddr          = "0.0.0.0:8080"
	DefaultDatabasePath      = "./fleet.db"
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultPingInterval      = 25 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultStaleThreshold    = 60 * time.Second
	DefaultSweepInterval     = 30 * time.Second
	DefaultCommandTimeout    = 30 * time.Second
	DefaultMaxCommandTimeout = 10 * time.Minute
	DefaultResultTTL         = 15 * time.Minute
	DefaultCleanupInterval   = time.Minute
	DefaultMaxEntries        = 10000
	DefaultServiceName       = "fleet-gateway"
	minJWTSecretLen          = 32
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes configuration from raw bytes, applies defaults and validates.
func Parse(data []byte, isTOML bool) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.ApplyDefaults()
	return &cfg
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Server.ServerID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			c.Server.ServerID = host
		} else {
			c.Server.ServerID = DefaultServiceName
		}
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.Driver == DriverSQLite && c.Database.Path == "" {
		c.Database.Path = DefaultDatabasePath
	}

	setDuration(&c.Agents.HeartbeatInterval, DefaultHeartbeatInterval)
	setDuration(&c.Agents.HandshakeTimeout, DefaultHandshakeTimeout)
	setDuration(&c.Agents.PingInterval, DefaultPingInterval)
	setDuration(&c.Agents.WriteTimeout, DefaultWriteTimeout)
	setDuration(&c.Agents.StaleThreshold, DefaultStaleThreshold)
	setDuration(&c.Agents.SweepInterval, DefaultSweepInterval)
	setDuration(&c.Agents.DefaultCommandTimeout, DefaultCommandTimeout)
	setDuration(&c.Agents.MaxCommandTimeout, DefaultMaxCommandTimeout)
	setDuration(&c.Commands.ResultTTL, DefaultResultTTL)
	setDuration(&c.Commands.CleanupInterval, DefaultCleanupInterval)

	if c.Commands.MaxEntries == 0 {
		c.Commands.MaxEntries = DefaultMaxEntries
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = DefaultServiceName
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverRedis:
		if c.Database.RedisAddr == "" {
			return fmt.Errorf("database.redis_addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverRedis, c.Database.Driver)
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < minJWTSecretLen {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", minJWTSecretLen)
	}

	if c.Agents.MaxCommandTimeout < c.Agents.DefaultCommandTimeout {
		return fmt.Errorf("agents.max_command_timeout (%s) is less than agents.default_command_timeout (%s)",
			c.Agents.MaxCommandTimeout, c.Agents.DefaultCommandTimeout)
	}
	if c.Agents.StaleThreshold <= c.Agents.HeartbeatInterval {
		return fmt.Errorf("agents.stale_threshold (%s) must exceed agents.heartbeat_interval (%s)",
			c.Agents.StaleThreshold, c.Agents.HeartbeatInterval)
	}
	if c.Commands.MaxEntries < 0 {
		return fmt.Errorf("commands.max_entries must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"agents.heartbeat_interval", cfg.Agents.HeartbeatIntervalRaw, &cfg.Agents.HeartbeatInterval},
		{"agents.handshake_timeout", cfg.Agents.HandshakeTimeoutRaw, &cfg.Agents.HandshakeTimeout},
		{"agents.ping_interval", cfg.Agents.PingIntervalRaw, &cfg.Agents.PingInterval},
		{"agents.write_timeout", cfg.Agents.WriteTimeoutRaw, &cfg.Agents.WriteTimeout},
		{"agents.stale_threshold", cfg.Agents.StaleThresholdRaw, &cfg.Agents.StaleThreshold},
		{"agents.sweep_interval", cfg.Agents.SweepIntervalRaw, &cfg.Agents.SweepInterval},
		{"agents.default_command_timeout", cfg.Agents.DefaultCommandTimeoutRaw, &cfg.Agents.DefaultCommandTimeout},
		{"agents.max_command_timeout", cfg.Agents.MaxCommandTimeoutRaw, &cfg.Agents.MaxCommandTimeout},
		{"commands.result_ttl", cfg.Commands.ResultTTLRaw, &cfg.Commands.ResultTTL},
		{"commands.cleanup_interval", cfg.Commands.CleanupIntervalRaw, &cfg.Commands.CleanupInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}
