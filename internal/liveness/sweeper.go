// ABOUTME: Periodic reconciliation of durable agent status against live connections
// ABOUTME: Marks stale disconnected agents offline and live or recent agents online

package liveness

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/coven-fleet/internal/store"
)

const (
	// DefaultInterval is how often Run sweeps.
	DefaultInterval = 30 * time.Second
	// DefaultStaleThreshold is how long an agent may go unseen while disconnected.
	DefaultStaleThreshold = 60 * time.Second
)

// Registry reports whether an agent currently holds a live channel.
type Registry interface {
	IsConnected(agentID string) bool
}

// Config holds the sweeper's collaborators and timing.
type Config struct {
	Store     store.Store
	Registry  Registry
	Interval  time.Duration
	Threshold time.Duration
	Logger    *slog.Logger
	// Now overrides the clock; defaults to time.Now.
	Now func() time.Time
}

// Report summarises one sweep.
type Report struct {
	Checked       int
	MarkedOnline  int
	MarkedOffline int
	Errors        int
	// Skipped is true when the store was unreachable and nothing was checked.
	Skipped bool
}

// Sweeper reconciles durable status with the connection registry.
type Sweeper struct {
	store     store.Store
	registry  Registry
	interval  time.Duration
	threshold time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewSweeper creates a Sweeper, applying defaults for unset fields.
func NewSweeper(cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultStaleThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sweeper{
		store:     cfg.Store,
		registry:  cfg.Registry,
		interval:  cfg.Interval,
		threshold: cfg.Threshold,
		logger:    cfg.Logger.With("component", "liveness"),
		now:       cfg.Now,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("liveness sweeper started", "interval", s.interval, "threshold", s.threshold)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("liveness sweeper stopped")
			return
		case <-ticker.C:
			report := s.Sweep(ctx)
			if report.MarkedOnline > 0 || report.MarkedOffline > 0 || report.Errors > 0 {
				s.logger.Info("liveness sweep",
					"checked", report.Checked,
					"online", report.MarkedOnline,
					"offline", report.MarkedOffline,
					"errors", report.Errors,
				)
			}
		}
	}
}

// Sweep performs a single reconciliation pass.
func (s *Sweeper) Sweep(ctx context.Context) Report {
	var report Report

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("store unreachable, skipping sweep", "error", err)
		report.Skipped = true
		return report
	}

	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		s.logger.Warn("listing agents failed, skipping sweep", "error", err)
		report.Skipped = true
		return report
	}

	now := s.now()
	for _, a := range agents {
		if ctx.Err() != nil {
			break
		}
		report.Checked++

		connected := s.registry.IsConnected(a.ID)
		// A missing or unparseable last-seen counts as stale.
		stale := a.LastSeen.IsZero() || now.Sub(a.LastSeen) > s.threshold

		var target store.AgentStatus
		switch {
		case !connected && stale && a.Status != store.AgentStatusOffline:
			target = store.AgentStatusOffline
		case (connected || (!stale && seenSinceOffline(a))) && a.Status == store.AgentStatusOffline:
			target = store.AgentStatusOnline
		default:
			continue
		}

		if err := s.store.UpdateAgentStatus(ctx, a.ID, target, time.Time{}, nil); err != nil {
			report.Errors++
			s.logger.Error("updating agent status", "agent_id", a.ID, "status", target, "error", err)
			continue
		}

		if target == store.AgentStatusOffline {
			report.MarkedOffline++
		} else {
			report.MarkedOnline++
		}
		s.logger.Debug("agent status reconciled", "agent_id", a.ID, "status", target, "last_seen", a.LastSeen)
	}

	return report
}

// seenSinceOffline reports whether the agent was heard from after it went
// offline. A torn-down channel leaves last_seen older than offline_since, so
// a recent last_seen alone does not revive it.
func seenSinceOffline(a *store.Agent) bool {
	return a.OfflineSince.IsZero() || a.LastSeen.After(a.OfflineSince)
}
