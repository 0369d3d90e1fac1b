// ABOUTME: Typed payloads for each envelope type on the agent channel.
// ABOUTME: Register/heartbeat flow agent->gateway, command/welcome flow gateway->agent.

package protocol

// SystemMetrics is the host snapshot an agent reports on register and heartbeat.
type SystemMetrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	UptimeSeconds int64   `json:"uptime_seconds,omitempty"`
}

// RegisterData is sent once by the agent immediately after connecting.
type RegisterData struct {
	AgentID  string         `json:"agent_id"`
	Hostname string         `json:"hostname"`
	OS       string         `json:"os"`
	Version  string         `json:"version,omitempty"`
	Tags     []string       `json:"tags,omitempty"`
	System   *SystemMetrics `json:"system,omitempty"`
}

// HeartbeatData carries current metrics on each periodic heartbeat.
type HeartbeatData struct {
	System *SystemMetrics `json:"system,omitempty"`
}

// CommandData asks the agent to run a PowerShell command.
type CommandData struct {
	Command          string `json:"command"`
	TimeoutSeconds   int    `json:"timeout"`
	WorkingDirectory string `json:"working_directory,omitempty"`
	Shell            string `json:"shell,omitempty"`
}

// CommandResultData is the agent's reply to a command frame.
type CommandResultData struct {
	Success         bool    `json:"success"`
	Output          string  `json:"output"`
	Error           string  `json:"error,omitempty"`
	ExitCode        int     `json:"exit_code"`
	DurationSeconds float64 `json:"execution_time"`
}

// WelcomeData is sent by the gateway after a successful handshake.
type WelcomeData struct {
	ServerID          string `json:"server_id"`
	AgentID           string `json:"agent_id"`
	ConnectionID      string `json:"connection_id"`
	HeartbeatInterval int    `json:"heartbeat_interval"`
}

// DefaultShell is the interpreter agents use when a command frame names none.
const DefaultShell = "powershell"
