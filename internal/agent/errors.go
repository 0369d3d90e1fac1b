// ABOUTME: Error taxonomy for registry and dispatch failures.
// ABOUTME: Lets callers tell "never reachable" apart from "write failed".

package agent

import (
	"errors"
	"fmt"
)

// ErrAgentNotConnected indicates the target agent has no live channel.
var ErrAgentNotConnected = errors.New("agent not connected")

// ErrSendFailed indicates a write to an agent channel failed. The channel is
// torn down before the error is returned.
var ErrSendFailed = errors.New("send to agent failed")

// SendError carries the agent and underlying cause of a failed write.
// It matches ErrSendFailed with errors.Is.
type SendError struct {
	AgentID string
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("sending to agent %s: %v", e.AgentID, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrSendFailed.
func (e *SendError) Is(target error) bool {
	return target == ErrSendFailed
}
