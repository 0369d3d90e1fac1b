// ABOUTME: Command execution for the fake agent
// ABOUTME: Echoes commands by default or runs them in a real shell with a timeout

package main

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/2389/coven-fleet/internal/protocol"
)

type executor struct {
	real bool
}

func (e *executor) run(ctx context.Context, cmd protocol.CommandData) protocol.CommandResultData {
	start := time.Now()
	if !e.real {
		return protocol.CommandResultData{
			Success:         true,
			Output:          "Echo: " + cmd.Command,
			DurationSeconds: time.Since(start).Seconds(),
		}
	}

	if cmd.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cmd.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	name, args := shellArgs(cmd.Shell, cmd.Command)
	c := exec.CommandContext(ctx, name, args...)
	c.Dir = cmd.WorkingDirectory
	// Children may keep the output pipe open after the shell is killed
	c.WaitDelay = time.Second
	out, err := c.CombinedOutput()

	result := protocol.CommandResultData{
		Success:         err == nil,
		Output:          string(out),
		DurationSeconds: time.Since(start).Seconds(),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.ExitCode = -1
		result.Error = fmt.Sprintf("command timed out after %ds", cmd.TimeoutSeconds)
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
		result.Error = exitErr.Error()
	default:
		result.ExitCode = -1
		result.Error = err.Error()
	}
	return result
}

// shellArgs returns the program and arguments that run command under shell.
func shellArgs(shell, command string) (string, []string) {
	switch shell {
	case "", protocol.DefaultShell, "pwsh":
		if shell == "" {
			shell = protocol.DefaultShell
		}
		return shell, []string{"-NoProfile", "-NonInteractive", "-Command", command}
	case "cmd":
		return "cmd", []string{"/C", command}
	default:
		return shell, []string{"-c", command}
	}
}
