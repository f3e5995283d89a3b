package controller

import "errors"

var (
	// ErrNotFound mirrors store.ErrNotFound at the controller boundary so API
	// handlers never need to import internal/store directly.
	ErrNotFound = errors.New("controller: agent not found")

	// ErrForbidden is returned when a non-admin principal acts on an agent it
	// does not own.
	ErrForbidden = errors.New("controller: principal does not own this agent")

	// ErrNameConflict is returned on create/update when the requested name is
	// already in use by another non-deleted agent.
	ErrNameConflict = errors.New("controller: agent name already in use")

	// ErrInvalidState is returned when the requested intent is not legal from
	// the agent's current status per the state machine in statemachine.go.
	ErrInvalidState = errors.New("controller: intent not valid from current agent status")

	// ErrConflictingState is returned when a concurrent writer changed the
	// agent's status between this call's read and its compare-and-set write.
	ErrConflictingState = errors.New("controller: agent status changed concurrently, retry")

	// ErrInvalidConfig is returned by Create/Update/ValidateConfig when the
	// submitted config fails validation.
	ErrInvalidConfig = errors.New("controller: invalid agent config")

	// ErrTemplateNotFound is returned when Create references a templateId
	// with no active template.
	ErrTemplateNotFound = errors.New("controller: template not found or inactive")

	// ErrNoPortAvailable is returned when Start cannot allocate a port in the
	// configured range.
	ErrNoPortAvailable = errors.New("controller: no port available in configured range")

	// ErrShuttingDown is returned by Start/Restart once graceful shutdown has
	// begun; new agent starts are rejected during drain.
	ErrShuttingDown = errors.New("controller: supervisor is shutting down, new starts are rejected")
)
