package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/agentsupervisor/server/internal/db"
)

// ListOptions carries pagination parameters shared by every List operation.
// Limit is capped by the API layer before reaching the store; the store
// applies whatever it is given.
type ListOptions struct {
	Limit  int
	Offset int

	// SortBy is restricted by the API layer to {createdAt, name, status};
	// the store maps it to a column and falls back to created_at for any
	// other value.
	SortBy    string
	SortDesc  bool
}

// AgentFilter narrows ListAgents. A nil/empty field means "no filter on this
// dimension". OwnerID scopes the list to agents created by a given user —
// the controller supplies it for non-admin callers and leaves it empty for
// admins.
type AgentFilter struct {
	Status          string
	OwnerID         *uuid.UUID
	SearchSubstring string
}

// AgentPatch carries the optional fields UpdateAgentFields may change. A nil
// pointer field leaves the column untouched. Status is mandatory — every
// update is, at minimum, a status transition guarded by ExpectedStatus.
type AgentPatch struct {
	Status        string
	Name          *string
	Description   *string
	Config        *string
	TemplateID    *uuid.UUID
	ProcessID     **int // pointer-to-pointer distinguishes "leave unset" from "clear to nil"
	Port          **int
	LastHeartbeat **time.Time
	ErrorMessage  *string
	RestartCount  *int
}

// AgentStore is the persistence contract for Agent rows. Every mutating
// method that can race with another writer takes the caller's expected
// current status and performs the update as an atomic compare-and-set:
// UpdateAgentFields re-reads the row under a row lock (SELECT ... FOR UPDATE
// on Postgres) inside its transaction, and DeleteAgent is a single
// conditional DELETE.
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *db.Agent) error
	GetAgent(ctx context.Context, id uuid.UUID) (*db.Agent, error)
	GetAgentByName(ctx context.Context, name string) (*db.Agent, error)

	// UpdateAgentFields applies patch to the row identified by id, but only if
	// the row's current status equals expectedStatus. Returns ErrStatusChanged
	// if another writer changed the status first, ErrNotFound if the row does
	// not exist, and ErrConflict if the patch's Name collides with another row.
	UpdateAgentFields(ctx context.Context, id uuid.UUID, patch AgentPatch, expectedStatus string) (*db.Agent, error)

	// DeleteAgent soft-deletes the row, CAS'd on expectedStatus ∈ {stopped, error}.
	DeleteAgent(ctx context.Context, id uuid.UUID, expectedStatus []string) error

	ListAgents(ctx context.Context, filter AgentFilter, opts ListOptions) ([]db.Agent, int64, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)

	// FindPortsInRange returns every port currently assigned to a non-deleted
	// agent within [lo, hi], inclusive. Used by the PortAllocator.
	FindPortsInRange(ctx context.Context, lo, hi int) (map[int]struct{}, error)

	// FindStaleRunning returns agents with status "running" whose last
	// heartbeat is nil or older than threshold. Used by the HealthMonitor.
	FindStaleRunning(ctx context.Context, threshold time.Duration) ([]db.Agent, error)
}

// TemplateStore is the persistence contract for AgentTemplate rows.
type TemplateStore interface {
	CreateTemplate(ctx context.Context, tpl *db.AgentTemplate) error
	GetTemplate(ctx context.Context, id uuid.UUID) (*db.AgentTemplate, error)
	GetActiveTemplateByName(ctx context.Context, name string) (*db.AgentTemplate, error)
	ListTemplates(ctx context.Context, opts ListOptions) ([]db.AgentTemplate, int64, error)
	Deactivate(ctx context.Context, id uuid.UUID) error
}

// UserStore is the persistence contract for User rows.
type UserStore interface {
	Create(ctx context.Context, u *db.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.User, error)
	GetByUsername(ctx context.Context, username string) (*db.User, error)
	GetByEmail(ctx context.Context, email string) (*db.User, error)
	GetByOIDC(ctx context.Context, providerID, sub string) (*db.User, error)
	Update(ctx context.Context, u *db.User) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.User, int64, error)
}

// RefreshTokenStore is the persistence contract for RefreshToken rows.
type RefreshTokenStore interface {
	Create(ctx context.Context, t *db.RefreshToken) error
	GetByHash(ctx context.Context, hash string) (*db.RefreshToken, error)
	DeleteByHash(ctx context.Context, hash string) error
	RevokeAllForUser(ctx context.Context, userID uuid.UUID) error
}

// OIDCProviderStore is the persistence contract for OIDCProvider rows.
type OIDCProviderStore interface {
	GetEnabled(ctx context.Context) (*db.OIDCProvider, error)
	Upsert(ctx context.Context, p *db.OIDCProvider) error
}

// EventStore persists the append-only AgentLog, AgentMetric and AgentAlert
// streams emitted by the supervisor. These are collaborators per spec — the
// controller and supervisor never read them back to make decisions.
type EventStore interface {
	AppendLog(ctx context.Context, l *db.AgentLog) error
	AppendMetric(ctx context.Context, m *db.AgentMetric) error
	RaiseAlert(ctx context.Context, a *db.AgentAlert) error
	ListLogs(ctx context.Context, agentID uuid.UUID, opts ListOptions) ([]db.AgentLog, int64, error)
	ListMetrics(ctx context.Context, agentID uuid.UUID, since time.Time) ([]db.AgentMetric, error)
}
