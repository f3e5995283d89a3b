// Package controller implements the AgentController (C4): the sole writer
// of the agent state machine. Every mutating intent — from the API layer or
// from the HealthMonitor — flows through here, never directly through the
// Store or Supervisor.
//
// Grounded on the teacher's internal/auth.AuthService: a service type
// sitting between API handlers and its collaborators (there, two auth
// providers and a token repository; here, the Store, PortAllocator and
// ProcessSupervisor), taking a zap logger and returning sentinel errors the
// API layer maps to status codes.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentsupervisor/server/internal/db"
	"github.com/agentsupervisor/server/internal/metrics"
	"github.com/agentsupervisor/server/internal/portalloc"
	"github.com/agentsupervisor/server/internal/store"
	"github.com/agentsupervisor/server/internal/supervisor"
	"github.com/agentsupervisor/server/internal/websocket"
)

// Principal identifies the caller of a controller intent.
type Principal struct {
	UserID uuid.UUID
	Role   string // admin | operator | viewer
}

// IsAdmin reports whether the principal bypasses ownership checks.
func (p Principal) IsAdmin() bool { return p.Role == "admin" }

// owns reports whether p may act on an agent created by createdBy.
func (p Principal) owns(createdBy uuid.UUID) bool {
	return p.IsAdmin() || p.UserID == createdBy
}

// Config carries the restart/backoff policy knobs sourced from env (§6.3).
type Config struct {
	MaxRestarts    int
	RestartBackoff time.Duration
}

// Controller wires the Store, PortAllocator and ProcessSupervisor behind
// the state machine in statemachine.go.
type Controller struct {
	cfg       Config
	agents    store.AgentStore
	templates store.TemplateStore
	events    store.EventStore
	allocator *portalloc.Allocator
	sup       *supervisor.Supervisor
	hub       *websocket.Hub
	logger    *zap.Logger
	locks     *agentLocks

	shuttingDown bool
	shutdownMu   sync.Mutex
}

// New creates a Controller. The Supervisor is attached separately via
// SetSupervisor, since the Supervisor's Hooks must reference this
// Controller's methods and so cannot be built before it exists — cmd/main
// constructs Controller, then Supervisor with hooks closing over it, then
// calls SetSupervisor.
func New(cfg Config, agents store.AgentStore, templates store.TemplateStore, events store.EventStore, allocator *portalloc.Allocator, logger *zap.Logger) *Controller {
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = 3
	}
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = 5 * time.Second
	}
	return &Controller{
		cfg:       cfg,
		agents:    agents,
		templates: templates,
		events:    events,
		allocator: allocator,
		logger:    logger,
		locks:     newAgentLocks(),
	}
}

// SetSupervisor attaches the ProcessSupervisor. Must be called before any
// Start/Stop/Restart intent is accepted.
func (c *Controller) SetSupervisor(sup *supervisor.Supervisor) {
	c.sup = sup
}

// SetHub attaches the WebSocket Hub that hooks.go publishes agent lifecycle
// events to. Optional — a nil hub leaves publish calls as no-ops, so tests
// and deployments that don't need the live feed can skip it.
func (c *Controller) SetHub(hub *websocket.Hub) {
	c.hub = hub
}

// publish is a nil-safe wrapper around Hub.Publish so hooks.go doesn't need
// to guard every call site.
func (c *Controller) publish(agentID uuid.UUID, msgType websocket.MessageType, payload any) {
	if c.hub == nil {
		return
	}
	c.hub.Publish("agent:"+agentID.String(), websocket.Message{Type: msgType, Topic: "agent:" + agentID.String(), Payload: payload})
}

// Hooks returns the supervisor.Hooks this controller implements, to be
// passed to supervisor.New at wiring time.
func (c *Controller) Hooks() supervisor.Hooks {
	return supervisor.Hooks{
		OnHeartbeat:  c.onHeartbeat,
		OnMetrics:    c.onMetrics,
		OnExit:       c.onExit,
		OnStderrLine: c.onStderrLine,
	}
}

// Get fetches an agent, enforcing ownership for non-admin principals.
func (c *Controller) Get(ctx context.Context, principal Principal, id uuid.UUID) (*db.Agent, error) {
	a, err := c.agents.GetAgent(ctx, id)
	if err != nil {
		return nil, translateStoreErr(err)
	}
	if !principal.owns(a.CreatedBy) {
		return nil, ErrForbidden
	}
	return a, nil
}

// List fetches a page of agents, scoping to the principal's own agents
// unless they are an admin.
func (c *Controller) List(ctx context.Context, principal Principal, filter store.AgentFilter, opts store.ListOptions) ([]db.Agent, int64, error) {
	if !principal.IsAdmin() {
		uid := principal.UserID
		filter.OwnerID = &uid
	}
	rows, total, err := c.agents.ListAgents(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("controller: listing agents: %w", err)
	}
	return rows, total, nil
}

// CreateRequest is the validated input to Create.
type CreateRequest struct {
	Name        string
	Description string
	Config      string // raw JSON
	TemplateID  *uuid.UUID
}

// Create validates and persists a new agent in status stopped. Template
// config (if any) is deep-merged with the caller's config, caller wins.
func (c *Controller) Create(ctx context.Context, principal Principal, req CreateRequest) (*db.Agent, error) {
	effective := req.Config
	if req.TemplateID != nil {
		tpl, err := c.templates.GetTemplate(ctx, *req.TemplateID)
		if err != nil {
			return nil, ErrTemplateNotFound
		}
		if !tpl.IsActive {
			return nil, ErrTemplateNotFound
		}

		tplCfg, err := ValidateConfig(tpl.Config)
		if err != nil {
			return nil, fmt.Errorf("controller: template has invalid config: %w", err)
		}
		userCfg, err := ValidateConfig(req.Config)
		if err != nil {
			return nil, err
		}
		merged, err := marshalConfig(DeepMergeConfig(tplCfg, userCfg))
		if err != nil {
			return nil, err
		}
		effective = merged
	}

	cfg, err := ValidateConfig(effective)
	if err != nil {
		return nil, err
	}
	effective, err = marshalConfig(cfg)
	if err != nil {
		return nil, err
	}

	agent := &db.Agent{
		Name:        req.Name,
		Description: req.Description,
		Status:      StatusStopped,
		Config:      effective,
		TemplateID:  req.TemplateID,
		CreatedBy:   principal.UserID,
	}

	if err := c.agents.CreateAgent(ctx, agent); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrNameConflict
		}
		if errors.Is(err, store.ErrInvalidConfig) {
			return nil, ErrInvalidConfig
		}
		return nil, fmt.Errorf("controller: creating agent: %w", err)
	}

	return agent, nil
}

// UpdateRequest is the validated input to Update. Nil fields leave the
// corresponding column untouched.
type UpdateRequest struct {
	Name        *string
	Description *string
	Config      *string
}

// Update changes name/description/config. Only legal from stopped or error
// (§4.4) — running agents must be stopped first.
func (c *Controller) Update(ctx context.Context, principal Principal, id uuid.UUID, req UpdateRequest) (*db.Agent, error) {
	lock := c.locks.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	a, err := c.agents.GetAgent(ctx, id)
	if err != nil {
		return nil, translateStoreErr(err)
	}
	if !principal.owns(a.CreatedBy) {
		return nil, ErrForbidden
	}
	if !canMutate(a.Status) {
		return nil, ErrInvalidState
	}

	patch := store.AgentPatch{Status: a.Status}
	if req.Name != nil {
		patch.Name = req.Name
	}
	if req.Description != nil {
		patch.Description = req.Description
	}
	if req.Config != nil {
		cfg, err := ValidateConfig(*req.Config)
		if err != nil {
			return nil, err
		}
		effective, err := marshalConfig(cfg)
		if err != nil {
			return nil, err
		}
		patch.Config = &effective
	}

	updated, err := c.agents.UpdateAgentFields(ctx, id, patch, a.Status)
	if err != nil {
		return nil, translateUpdateErr(err)
	}
	return updated, nil
}

// Delete removes an agent. Only legal from stopped or error (§4.4).
func (c *Controller) Delete(ctx context.Context, principal Principal, id uuid.UUID) error {
	lock := c.locks.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	a, err := c.agents.GetAgent(ctx, id)
	if err != nil {
		return translateStoreErr(err)
	}
	if !principal.owns(a.CreatedBy) {
		return ErrForbidden
	}
	if !canMutate(a.Status) {
		return ErrInvalidState
	}

	if err := c.agents.DeleteAgent(ctx, id, []string{StatusStopped, StatusError}); err != nil {
		if errors.Is(err, store.ErrStatusChanged) {
			return ErrConflictingState
		}
		return translateStoreErr(err)
	}
	return nil
}

// StartResult mirrors the success body of POST /api/agents/:id/start.
type StartResult struct {
	AgentID   uuid.UUID
	Port      int
	PID       int
	StartedAt time.Time
}

// Start allocates a port, spawns the worker child and transitions the
// agent through starting to running. On any failure before the child is
// confirmed running, state is rolled back to error.
func (c *Controller) Start(ctx context.Context, principal Principal, id uuid.UUID) (*StartResult, error) {
	c.shutdownMu.Lock()
	draining := c.shuttingDown
	c.shutdownMu.Unlock()
	if draining {
		return nil, ErrShuttingDown
	}

	lock := c.locks.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	a, err := c.agents.GetAgent(ctx, id)
	if err != nil {
		return nil, translateStoreErr(err)
	}
	if !principal.owns(a.CreatedBy) {
		return nil, ErrForbidden
	}

	return c.startUnlocked(ctx, principal, id, true)
}

// Stop transitions the agent to stopping, signals the child and, once it
// has exited, persists stopped and clears pid/port.
func (c *Controller) Stop(ctx context.Context, principal Principal, id uuid.UUID, force bool) error {
	lock := c.locks.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return c.stopLocked(ctx, principal, id, force)
}

func (c *Controller) stopLocked(ctx context.Context, principal Principal, id uuid.UUID, force bool) error {
	a, err := c.agents.GetAgent(ctx, id)
	if err != nil {
		return translateStoreErr(err)
	}
	if !principal.owns(a.CreatedBy) {
		return ErrForbidden
	}
	if !canStop(a.Status, force) {
		return ErrInvalidState
	}
	if a.Status == StatusStopped {
		return nil
	}

	if a.Status != StatusStopping {
		if _, err := c.agents.UpdateAgentFields(ctx, id, store.AgentPatch{Status: StatusStopping}, a.Status); err != nil {
			if errors.Is(err, store.ErrStatusChanged) {
				return ErrConflictingState
			}
			return translateStoreErr(err)
		}
	}

	if c.sup.Running(id) {
		if err := c.sup.Stop(ctx, id, force); err != nil {
			return fmt.Errorf("controller: stopping worker: %w", err)
		}
	}

	var noPort, noPID *int
	if _, err := c.agents.UpdateAgentFields(ctx, id, store.AgentPatch{
		Status:    StatusStopped,
		Port:      &noPort,
		ProcessID: &noPID,
	}, StatusStopping); err != nil && !errors.Is(err, store.ErrStatusChanged) {
		return translateStoreErr(err)
	}
	return nil
}

// Restart stops (graceful) then starts an agent with a fresh port,
// incrementing restartCount. Only legal from running or error (§4.4).
func (c *Controller) Restart(ctx context.Context, principal Principal, id uuid.UUID) (*StartResult, error) {
	return c.restartWithTrigger(ctx, principal, id, "manual")
}

// RestartAutomatic is Restart for callers outside the API layer — the
// HealthMonitor's stale-heartbeat sweep — labeled "automatic" in the
// restarts-by-trigger metric rather than "manual".
func (c *Controller) RestartAutomatic(ctx context.Context, principal Principal, id uuid.UUID) (*StartResult, error) {
	return c.restartWithTrigger(ctx, principal, id, "automatic")
}

func (c *Controller) restartWithTrigger(ctx context.Context, principal Principal, id uuid.UUID, trigger string) (*StartResult, error) {
	lock := c.locks.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	a, err := c.agents.GetAgent(ctx, id)
	if err != nil {
		return nil, translateStoreErr(err)
	}
	if !principal.owns(a.CreatedBy) {
		return nil, ErrForbidden
	}
	if !canRestart(a.Status) {
		return nil, ErrInvalidState
	}

	if a.Status == StatusRunning {
		if err := c.stopLocked(ctx, principal, id, false); err != nil {
			return nil, err
		}
	}

	current, err := c.agents.GetAgent(ctx, id)
	if err != nil {
		return nil, translateStoreErr(err)
	}

	nextCount := a.RestartCount + 1
	if _, err := c.agents.UpdateAgentFields(ctx, id, store.AgentPatch{
		Status:       StatusStopped,
		RestartCount: &nextCount,
	}, current.Status); err != nil && !errors.Is(err, store.ErrStatusChanged) {
		return nil, translateStoreErr(err)
	}
	metrics.RestartsTotal.WithLabelValues(trigger).Inc()

	return c.startUnlocked(ctx, principal, id, false)
}

// startUnlocked is Start's body, reused by Restart which already holds the
// per-agent lock. resetRestartCount is true only for a direct manual Start:
// per §9's decision, a fresh start begins a fresh restart budget, but
// Restart's internal stop-then-start must preserve the count it just
// incremented.
func (c *Controller) startUnlocked(ctx context.Context, principal Principal, id uuid.UUID, resetRestartCount bool) (*StartResult, error) {
	a, err := c.agents.GetAgent(ctx, id)
	if err != nil {
		return nil, translateStoreErr(err)
	}
	if !canStart(a.Status) {
		return nil, ErrInvalidState
	}

	port, err := c.allocator.Next(ctx)
	if err != nil {
		if errors.Is(err, portalloc.ErrNoPortAvailable) {
			return nil, ErrNoPortAvailable
		}
		return nil, fmt.Errorf("controller: allocating port: %w", err)
	}

	portCopy := port
	portPtr := &portCopy
	cleared := ""
	patch := store.AgentPatch{
		Status:       StatusStarting,
		Port:         &portPtr,
		ErrorMessage: &cleared,
	}
	if resetRestartCount {
		zero := 0
		patch.RestartCount = &zero
	}
	starting, err := c.agents.UpdateAgentFields(ctx, id, patch, a.Status)
	if err != nil {
		if errors.Is(err, store.ErrStatusChanged) {
			return nil, ErrConflictingState
		}
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrNoPortAvailable
		}
		return nil, translateStoreErr(err)
	}

	pid, err := c.sup.Spawn(ctx, id, starting.Name, port, starting.Config)
	if err != nil {
		msg := err.Error()
		var noPort *int
		_, _ = c.agents.UpdateAgentFields(ctx, id, store.AgentPatch{
			Status:       StatusError,
			Port:         &noPort,
			ErrorMessage: &msg,
		}, StatusStarting)
		return nil, fmt.Errorf("controller: spawning worker: %w", err)
	}

	now := time.Now()
	pidCopy := pid
	pidPtr := &pidCopy
	nowPtr := &now
	_, _ = c.agents.UpdateAgentFields(ctx, id, store.AgentPatch{
		Status:        StatusRunning,
		ProcessID:     &pidPtr,
		LastHeartbeat: &nowPtr,
	}, StatusStarting)

	return &StartResult{AgentID: id, Port: port, PID: pid, StartedAt: now}, nil
}

// MarkUnhealthy force-transitions an agent to error with message, stopping
// its child if one is still registered. Used by the HealthMonitor when an
// automatic restart is not attempted or has failed (§4.5) — it bypasses the
// normal state-machine preconditions since the agent may be in any state by
// the time the sweep observes it.
func (c *Controller) MarkUnhealthy(ctx context.Context, principal Principal, id uuid.UUID, message string) error {
	lock := c.locks.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	a, err := c.agents.GetAgent(ctx, id)
	if err != nil {
		return translateStoreErr(err)
	}
	if !principal.owns(a.CreatedBy) {
		return ErrForbidden
	}

	if c.sup.Running(id) {
		_ = c.sup.Stop(ctx, id, true)
	}

	var noPort, noPID *int
	if _, err := c.agents.UpdateAgentFields(ctx, id, store.AgentPatch{
		Status:       StatusError,
		Port:         &noPort,
		ProcessID:    &noPID,
		ErrorMessage: &message,
	}, a.Status); err != nil && !errors.Is(err, store.ErrStatusChanged) {
		return translateStoreErr(err)
	}
	return nil
}

// Shutdown rejects new start/restart intents and gracefully stops every
// agent the supervisor still has registered, escalating to force after
// deadline elapses.
func (c *Controller) Shutdown(ctx context.Context, deadline time.Duration) {
	c.shutdownMu.Lock()
	c.shuttingDown = true
	c.shutdownMu.Unlock()

	deadlineCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var wg sync.WaitGroup
	for _, id := range c.sup.Snapshot() {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock := c.locks.lockFor(id)
			lock.Lock()
			defer lock.Unlock()
			err := c.sup.Stop(deadlineCtx, id, false)
			if deadlineCtx.Err() != nil && c.sup.Running(id) {
				err = c.sup.Stop(context.Background(), id, true)
			}
			if err != nil {
				c.logger.Warn("shutdown stop failed",
					zap.String("agent_id", id.String()), zap.Error(err))
			}
		}()
	}
	wg.Wait()
}

// RefreshAgentMetrics recomputes the agents-by-status gauge from the store.
// Called periodically by the HealthMonitor sweep rather than on every
// transition, since CountByStatus is a full-table scan.
func (c *Controller) RefreshAgentMetrics(ctx context.Context) {
	counts, err := c.agents.CountByStatus(ctx)
	if err != nil {
		c.logger.Warn("refreshing agent status metrics", zap.Error(err))
		return
	}
	for _, status := range []string{StatusStopped, StatusStarting, StatusRunning, StatusStopping, StatusError} {
		metrics.AgentsByStatus.WithLabelValues(status).Set(float64(counts[status]))
	}
}

func translateStoreErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("controller: store error: %w", err)
}

func translateUpdateErr(err error) error {
	if errors.Is(err, store.ErrStatusChanged) {
		return ErrConflictingState
	}
	if errors.Is(err, store.ErrConflict) {
		return ErrNameConflict
	}
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("controller: store error: %w", err)
}
