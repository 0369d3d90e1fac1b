// ABOUTME: Dispatches PowerShell commands to agents and tracks them for correlation.
// ABOUTME: Returns a request id immediately; results arrive later via the correlator.

package agent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/coven-fleet/internal/correlate"
	"github.com/2389/coven-fleet/internal/protocol"
)

const (
	// DefaultCommandTimeout applies when a request has no timeout.
	DefaultCommandTimeout = 30 * time.Second
	// DefaultMaxCommandTimeout caps requested timeouts.
	DefaultMaxCommandTimeout = 10 * time.Minute
)

// CommandRequest describes a command to run on one agent.
type CommandRequest struct {
	AgentID    string
	Command    string
	Timeout    time.Duration
	WorkingDir string
	Shell      string
}

// DispatcherConfig holds the collaborators of a Dispatcher.
type DispatcherConfig struct {
	Manager        *Manager
	Correlator     *correlate.Correlator
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	Logger         *slog.Logger
}

// Dispatcher sends command frames and records them as pending.
type Dispatcher struct {
	manager        *Manager
	correlator     *correlate.Correlator
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	logger         *slog.Logger
	tracer         trace.Tracer
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		manager:        cfg.Manager,
		correlator:     cfg.Correlator,
		defaultTimeout: cfg.DefaultTimeout,
		maxTimeout:     cfg.MaxTimeout,
		logger:         cfg.Logger,
		tracer:         otel.Tracer("github.com/2389/coven-fleet/internal/agent"),
	}
	if d.defaultTimeout <= 0 {
		d.defaultTimeout = DefaultCommandTimeout
	}
	if d.maxTimeout <= 0 {
		d.maxTimeout = DefaultMaxCommandTimeout
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

// Dispatch sends a command to the agent and returns its request id without
// waiting for the result. It fails with ErrAgentNotConnected before any
// correlation state is created, and rolls the pending entry back if the
// send fails.
func (d *Dispatcher) Dispatch(ctx context.Context, req CommandRequest) (string, error) {
	_, span := d.tracer.Start(ctx, "fleet.dispatch", trace.WithAttributes(
		attribute.String("fleet.agent_id", req.AgentID),
	))
	defer span.End()

	if req.Command == "" {
		err := errors.New("command is required")
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	if !d.manager.IsConnected(req.AgentID) {
		span.SetStatus(codes.Error, ErrAgentNotConnected.Error())
		return "", ErrAgentNotConnected
	}

	timeout := d.normalizeTimeout(req.Timeout)

	requestID, err := d.record(req, timeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.String("fleet.request_id", requestID))

	shell := req.Shell
	if shell == "" {
		shell = protocol.DefaultShell
	}
	env, err := protocol.NewRequest(protocol.TypeCommand, requestID, protocol.CommandData{
		Command:          req.Command,
		TimeoutSeconds:   timeoutSeconds(timeout),
		WorkingDirectory: req.WorkingDir,
		Shell:            shell,
	})
	if err != nil {
		d.correlator.Forget(requestID)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	if err := d.manager.Send(req.AgentID, env); err != nil {
		d.correlator.Forget(requestID)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	d.logger.Debug("command dispatched",
		"agent_id", req.AgentID,
		"request_id", requestID,
		"timeout", timeout,
	)
	return requestID, nil
}

// Execute dispatches a command and waits for its result. A missing reply is
// reported as correlate.ErrTimedOut.
func (d *Dispatcher) Execute(ctx context.Context, req CommandRequest) (*correlate.Result, error) {
	requestID, err := d.Dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	return d.correlator.AwaitResult(ctx, requestID, d.normalizeTimeout(req.Timeout))
}

// record mints a request id and registers it as pending, retrying on the
// unlikely event of a collision.
func (d *Dispatcher) record(req CommandRequest, timeout time.Duration) (string, error) {
	const attempts = 3
	for i := 0; i < attempts; i++ {
		id, err := NewRequestID()
		if err != nil {
			return "", err
		}
		err = d.correlator.RecordPending(correlate.Request{
			ID:         id,
			AgentID:    req.AgentID,
			Command:    req.Command,
			Timeout:    timeout,
			WorkingDir: req.WorkingDir,
			CreatedAt:  time.Now(),
		})
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, correlate.ErrDuplicateRequest) {
			return "", err
		}
	}
	return "", fmt.Errorf("allocating request id: %w", correlate.ErrDuplicateRequest)
}

func (d *Dispatcher) normalizeTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return d.defaultTimeout
	}
	if timeout > d.maxTimeout {
		return d.maxTimeout
	}
	return timeout
}

// timeoutSeconds rounds up so a sub-second timeout never reaches the agent as 0.
func timeoutSeconds(timeout time.Duration) int {
	return int((timeout + time.Second - 1) / time.Second)
}

// NewRequestID returns "<unix nanos, base36>-<12 hex chars>".
func NewRequestID() (string, error) {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generating request id: %w", err)
	}
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + hex.EncodeToString(b[:]), nil
}
