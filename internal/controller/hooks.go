package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentsupervisor/server/internal/db"
	"github.com/agentsupervisor/server/internal/metrics"
	"github.com/agentsupervisor/server/internal/store"
	"github.com/agentsupervisor/server/internal/supervisor"
	"github.com/agentsupervisor/server/internal/websocket"
)

// onHeartbeat persists the heartbeat timestamp and, if the agent is still
// marked starting (the ready record raced a slow stdout pipe), promotes it
// to running — both paths §4.3 names as valid ways to leave starting.
func (c *Controller) onHeartbeat(id uuid.UUID, rec supervisor.StatusRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, err := c.agents.GetAgent(ctx, id)
	if err != nil {
		c.logger.Warn("heartbeat for unknown agent", zap.String("agent_id", id.String()), zap.Error(err))
		return
	}

	now := time.Now()
	nowPtr := &now
	patch := store.AgentPatch{Status: a.Status, LastHeartbeat: &nowPtr}
	if a.Status == StatusStarting {
		patch.Status = StatusRunning
	}

	if _, err := c.agents.UpdateAgentFields(ctx, id, patch, a.Status); err != nil && !errors.Is(err, store.ErrStatusChanged) {
		c.logger.Warn("failed to persist heartbeat", zap.String("agent_id", id.String()), zap.Error(err))
	}
	metrics.HeartbeatAge.WithLabelValues(id.String()).Set(0)

	c.publish(id, websocket.MsgAgentHeartbeat, map[string]any{"timestamp": now})
	if patch.Status != a.Status {
		c.publish(id, websocket.MsgAgentStatus, map[string]any{"status": patch.Status})
	}
}

// onMetrics appends a metric sample event. Metrics never drive a state
// transition — they are a collaborator stream per §3.
func (c *Controller) onMetrics(id uuid.UUID, rec supervisor.StatusRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m := &db.AgentMetric{
		AgentID:      id,
		MemoryRSS:    rec.Memory.RSS,
		HeapTotal:    rec.Memory.HeapTotal,
		HeapUsed:     rec.Memory.HeapUsed,
		RequestCount: rec.RequestCount,
		ErrorCount:   rec.ErrorCount,
		CPUPercent:   rec.CPU.User + rec.CPU.System,
		SampledAt:    time.Now(),
	}
	if err := c.events.AppendMetric(ctx, m); err != nil {
		c.logger.Warn("failed to append metric sample", zap.String("agent_id", id.String()), zap.Error(err))
	}

	c.publish(id, websocket.MsgAgentMetrics, map[string]any{
		"cpuPercent": m.CPUPercent,
		"memoryRss":  m.MemoryRSS,
		"heapTotal":  m.HeapTotal,
		"heapUsed":   m.HeapUsed,
	})
}

// onStderrLine forwards worker stderr to the log collaborator at error
// level, per the Spawn contract (§4.3 step 2).
func (c *Controller) onStderrLine(id uuid.UUID, line string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.events.AppendLog(ctx, &db.AgentLog{
		AgentID:   id,
		Level:     "error",
		Source:    "stderr",
		Message:   line,
		Timestamp: time.Now(),
	}); err != nil {
		c.logger.Warn("failed to append worker stderr log", zap.String("agent_id", id.String()), zap.Error(err))
	}

	if err := c.events.RaiseAlert(ctx, &db.AgentAlert{
		AgentID: id,
		Kind:    "stderr",
		Message: line,
	}); err != nil {
		c.logger.Debug("failed to raise stderr alert", zap.String("agent_id", id.String()), zap.Error(err))
	}

	c.publish(id, websocket.MsgAgentLog, map[string]any{"level": "error", "message": line})
}

// onExit implements the exit-handling rules of §4.3: clean exit persists
// stopped; a fault persists error and, if restartCount allows it, schedules
// an automatic restart after RESTART_BACKOFF.
func (c *Controller) onExit(id uuid.UUID, exitCode int, execErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, err := c.agents.GetAgent(ctx, id)
	if err != nil {
		c.logger.Warn("exit event for unknown agent", zap.String("agent_id", id.String()), zap.Error(err))
		return
	}

	// A stop already in flight (CAS to stopping already landed) finishes its
	// own transition to stopped in stopLocked; nothing more to do here.
	if a.Status == StatusStopping {
		return
	}

	var noPort, noPID *int

	if exitCode == 0 {
		if _, err := c.agents.UpdateAgentFields(ctx, id, store.AgentPatch{
			Status: StatusStopped,
			Port:   &noPort,
			ProcessID: &noPID,
		}, a.Status); err != nil && !errors.Is(err, store.ErrStatusChanged) {
			c.logger.Warn("failed to persist clean exit", zap.String("agent_id", id.String()), zap.Error(err))
		} else {
			c.publish(id, websocket.MsgAgentStatus, map[string]any{"status": StatusStopped})
		}
		return
	}

	msg := fmt.Sprintf("process exited with code %d", exitCode)
	if _, err := c.agents.UpdateAgentFields(ctx, id, store.AgentPatch{
		Status:       StatusError,
		Port:         &noPort,
		ProcessID:    &noPID,
		ErrorMessage: &msg,
	}, a.Status); err != nil && !errors.Is(err, store.ErrStatusChanged) {
		c.logger.Warn("failed to persist faulted exit", zap.String("agent_id", id.String()), zap.Error(err))
		return
	}
	c.publish(id, websocket.MsgAgentStatus, map[string]any{"status": StatusError, "errorMessage": msg})

	if a.RestartCount >= c.cfg.MaxRestarts {
		c.logger.Info("agent exceeded max restarts, not auto-restarting",
			zap.String("agent_id", id.String()), zap.Int("restart_count", a.RestartCount))
		return
	}

	time.AfterFunc(c.cfg.RestartBackoff, func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		principal := Principal{UserID: a.CreatedBy, Role: "admin"}
		if _, err := c.restartWithTrigger(bgCtx, principal, id, "automatic"); err != nil {
			c.logger.Warn("automatic restart failed", zap.String("agent_id", id.String()), zap.Error(err))
		}
	})
}
