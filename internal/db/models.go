package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// softDelete extends base with a nullable DeletedAt field for soft deletion.
// GORM automatically filters out soft-deleted records from all queries unless
// Unscoped() is used explicitly.
type softDelete struct {
	base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Users & Auth
// -----------------------------------------------------------------------------

// User represents a local or OIDC-authenticated account. Role establishes a
// strict hierarchy admin >= operator >= viewer, enforced by the controller
// and API middleware rather than by the database.
type User struct {
	base
	Username     string          `gorm:"uniqueIndex;not null"`
	Email        string          `gorm:"uniqueIndex;not null"`
	Password     EncryptedString `gorm:"type:text"` // empty for OIDC users
	DisplayName  string          `gorm:"not null;default:''"`
	Role         string          `gorm:"not null;default:'viewer'"` // admin | operator | viewer
	IsActive     bool            `gorm:"not null;default:true"`
	OIDCProvider string          `gorm:"default:''"`
	OIDCSub      string          `gorm:"default:''"`
	LastLoginAt  *time.Time
}

// RefreshToken stores a hashed refresh token associated with a user session.
// The raw token is never stored — only its SHA-256 hash. Tokens are rotated
// on every use and expire after 7 days.
type RefreshToken struct {
	base
	UserID    uuid.UUID `gorm:"type:text;not null;index"`
	TokenHash string    `gorm:"not null;uniqueIndex"` // SHA-256 hex of the raw token
	ExpiresAt time.Time `gorm:"not null;index"`
	RevokedAt *time.Time
	UserAgent string
	IPAddress string
}

// OIDCProvider stores the configuration for an external OIDC identity provider.
// ClientSecret is encrypted at rest. Only one provider is supported at a time.
type OIDCProvider struct {
	base
	Name         string          `gorm:"not null"`
	Issuer       string          `gorm:"not null"`
	ClientID     string          `gorm:"not null"`
	ClientSecret EncryptedString `gorm:"type:text;not null"`
	RedirectURL  string          `gorm:"not null"`
	Scopes       string          `gorm:"not null;default:'openid email profile'"`
	Enabled      bool            `gorm:"not null;default:false"`
}

// -----------------------------------------------------------------------------
// Templates
// -----------------------------------------------------------------------------

// AgentTemplate is a reusable defaulting source for agent configs. Config is
// stored as a JSON document; agents created from a template deep-merge their
// own config on top of it. At most one template per Name may have
// IsActive = true — enforced by the store as a partial unique index.
type AgentTemplate struct {
	base
	Name        string `gorm:"not null;index"`
	Description string `gorm:"type:text;default:''"`
	Config      string `gorm:"type:text;not null;default:'{}'"` // JSON
	Version     string `gorm:"not null;default:'1.0.0'"`        // semver x.y.z
	IsActive    bool   `gorm:"not null;default:true"`
	CreatedBy   uuid.UUID `gorm:"type:text;not null;index"`
}

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// Agent is the core entity of the supervisor: a persisted definition of a
// worker process plus its observed runtime status. See internal/controller
// for the state machine that owns every mutation of Status, ProcessID, Port,
// LastHeartbeat, ErrorMessage and RestartCount.
//
// ProcessID and Port carry partial unique constraints (see migrations) so
// that two rows can never claim the same OS pid or TCP port at once.
type Agent struct {
	softDelete
	Name          string     `gorm:"uniqueIndex;not null"` // matches /^[A-Za-z0-9_-]+$/
	Description   string     `gorm:"type:text;default:''"`
	Status        string     `gorm:"not null;default:'stopped';index"` // AgentStatus
	Config        string     `gorm:"type:text;not null;default:'{}'"`  // effective, merged JSON config
	TemplateID    *uuid.UUID `gorm:"type:text;index"`
	ProcessID     *int       `gorm:"uniqueIndex:idx_agents_processid,where:process_id IS NOT NULL"`
	Port          *int       `gorm:"uniqueIndex:idx_agents_port,where:port IS NOT NULL"`
	LastHeartbeat *time.Time
	ErrorMessage  string    `gorm:"type:text;default:''"` // non-empty iff Status == error
	RestartCount  int       `gorm:"not null;default:0"`
	CreatedBy     uuid.UUID `gorm:"type:text;not null;index"`
}

// -----------------------------------------------------------------------------
// Logs & Metrics
// -----------------------------------------------------------------------------

// AgentLog is an append-only log line. The controller writes one row
// (Source "stderr", Level "error") for each line a child prints on stderr;
// stdout carries status records and is not logged here.
// Logs cascade-delete with their parent agent.
type AgentLog struct {
	base
	AgentID   uuid.UUID `gorm:"type:text;not null;index"`
	Level     string    `gorm:"not null"` // "debug", "info", "warn", "error"
	Source    string    `gorm:"not null;default:'stdout'"` // "stdout", "stderr", "supervisor"
	Message   string    `gorm:"type:text;not null"`
	Timestamp time.Time `gorm:"not null;index"`
}

// AgentMetric is a periodic resource-usage sample for a running agent,
// taken from the child's self-reported "metrics" status record. Host-level
// samples from the supervisor are not stored here. Metrics cascade-delete
// with their parent agent.
type AgentMetric struct {
	base
	AgentID      uuid.UUID `gorm:"type:text;not null;index"`
	CPUPercent   float64   `gorm:"not null;default:0"`
	MemoryRSS    int64     `gorm:"not null;default:0"`
	HeapTotal    int64     `gorm:"not null;default:0"`
	HeapUsed     int64     `gorm:"not null;default:0"`
	RequestCount int64     `gorm:"not null;default:0"`
	ErrorCount   int64     `gorm:"not null;default:0"`
	SampledAt    time.Time `gorm:"not null;index"`
}

// AgentAlert records an alert raised for an agent so operators have an
// auditable trail distinct from the agent's current errorMessage, which only
// reflects the latest state. The controller writes one row of Kind "stderr"
// for each line a worker prints on stderr; no other kind is written.
type AgentAlert struct {
	base
	AgentID   uuid.UUID `gorm:"type:text;not null;index"`
	Kind      string    `gorm:"not null"` // "stderr"
	Message   string    `gorm:"type:text;not null"`
	Resolved  bool      `gorm:"not null;default:false"`
	CreatedAtEvent time.Time `gorm:"not null;index"`
}

// -----------------------------------------------------------------------------
// Sessions & Settings
// -----------------------------------------------------------------------------

// UserSession mirrors a subset of RefreshToken for auditing purposes — the
// table named "user_sessions" in the persisted schema (§6.4). RefreshToken
// is the operational source of truth for the auth package; no code in this
// module writes UserSession rows.
type UserSession struct {
	base
	UserID     uuid.UUID `gorm:"type:text;not null;index"`
	UserAgent  string    `gorm:"default:''"`
	IPAddress  string    `gorm:"default:''"`
	LastSeenAt time.Time `gorm:"not null"`
	ExpiresAt  time.Time `gorm:"not null;index"`
	RevokedAt  *time.Time
}

// Setting is a generic key-value configuration entry stored in the database.
// Sensitive values are encrypted at the application layer via EncryptedString.
type Setting struct {
	Key       string          `gorm:"primaryKey"`
	Value     EncryptedString `gorm:"type:text;not null"`
	UpdatedAt time.Time       `gorm:"not null;autoUpdateTime"`
}
