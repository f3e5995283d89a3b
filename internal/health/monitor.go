// Package health implements the HealthMonitor (C5): a periodic sweep that
// detects agents whose heartbeat has gone stale and issues restart intents
// through the AgentController. It never mutates agent state directly —
// doing so would violate the controller's sole-writer invariant (§4.4).
//
// Grounded on the teacher's internal/scheduler.Scheduler: the same
// gocron.Scheduler wrapping, New/Start/Stop shape, and singleton-mode job
// registration — re-grounded from "run scheduled backup policies" onto "run
// the heartbeat-staleness sweep", a single recurring job instead of one job
// per policy.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/agentsupervisor/server/internal/controller"
	"github.com/agentsupervisor/server/internal/metrics"
	"github.com/agentsupervisor/server/internal/store"
)

// Config carries the sweep interval and restart cap, sourced from env (§6.3).
// The staleness threshold is a fixed 2× HeartbeatInterval.
type Config struct {
	HeartbeatInterval time.Duration // default 30s; sweep cadence and staleness unit
	MaxRestarts       int           // default 3; matches controller's own cap
}

// Monitor wraps a gocron.Scheduler running a single recurring sweep job.
type Monitor struct {
	cron   gocron.Scheduler
	agents store.AgentStore
	ctl    *controller.Controller
	cfg    Config
	logger *zap.Logger
}

// New creates a Monitor. Call Start to begin the periodic sweep.
func New(cfg Config, agents store.AgentStore, ctl *controller.Controller, logger *zap.Logger) (*Monitor, error) {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = 3
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("health: creating gocron scheduler: %w", err)
	}

	return &Monitor{
		cron:   s,
		agents: agents,
		ctl:    ctl,
		cfg:    cfg,
		logger: logger.Named("health"),
	}, nil
}

const sweepTag = "heartbeat-sweep"

// Start registers the sweep job and starts the underlying scheduler.
func (m *Monitor) Start(ctx context.Context) error {
	_, err := m.cron.NewJob(
		gocron.DurationJob(m.cfg.HeartbeatInterval),
		gocron.NewTask(func() { m.sweep(ctx) }),
		gocron.WithTags(sweepTag),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("health: scheduling sweep job: %w", err)
	}

	m.cron.Start()
	m.logger.Info("health monitor started", zap.Duration("interval", m.cfg.HeartbeatInterval))
	return nil
}

// Stop shuts down the underlying scheduler, waiting for an in-flight sweep
// to finish.
func (m *Monitor) Stop() error {
	if err := m.cron.Shutdown(); err != nil {
		return fmt.Errorf("health: scheduler shutdown: %w", err)
	}
	m.logger.Info("health monitor stopped")
	return nil
}

// sweep finds agents whose heartbeat is stale and issues a restart intent
// for each, per §4.5.
func (m *Monitor) sweep(ctx context.Context) {
	m.ctl.RefreshAgentMetrics(ctx)

	threshold := 2 * m.cfg.HeartbeatInterval

	stale, err := m.agents.FindStaleRunning(ctx, threshold)
	if err != nil {
		m.logger.Error("sweep: failed to query stale agents", zap.Error(err))
		return
	}
	if len(stale) == 0 {
		return
	}

	metrics.HealthSweepStale.Add(float64(len(stale)))
	m.logger.Warn("sweep: found stale agents", zap.Int("count", len(stale)))

	for i := range stale {
		agent := &stale[i]
		principal := controller.Principal{UserID: agent.CreatedBy, Role: "admin"}

		if agent.RestartCount >= m.cfg.MaxRestarts {
			m.logger.Warn("sweep: restart cap reached, marking unhealthy",
				zap.String("agent_id", agent.ID.String()), zap.Int("restart_count", agent.RestartCount))
			if err := m.ctl.MarkUnhealthy(ctx, principal, agent.ID, "unhealthy: heartbeat timeout"); err != nil {
				m.logger.Error("sweep: failed to mark agent unhealthy",
					zap.String("agent_id", agent.ID.String()), zap.Error(err))
			}
			continue
		}

		if _, err := m.ctl.RestartAutomatic(ctx, principal, agent.ID); err != nil {
			m.logger.Error("sweep: automatic restart failed, marking agent unhealthy",
				zap.String("agent_id", agent.ID.String()), zap.Error(err))

			if markErr := m.ctl.MarkUnhealthy(ctx, principal, agent.ID, "unhealthy: heartbeat timeout"); markErr != nil {
				m.logger.Error("sweep: failed to mark agent unhealthy after failed restart",
					zap.String("agent_id", agent.ID.String()), zap.Error(markErr))
			}
			continue
		}

		m.logger.Info("sweep: restarted stale agent", zap.String("agent_id", agent.ID.String()))
	}
}
