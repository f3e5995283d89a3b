package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/agentsupervisor/server/internal/db"
)

// gormAgentStore is the GORM-backed AgentStore implementation.
type gormAgentStore struct {
	db *gorm.DB
}

// NewAgentStore creates an AgentStore backed by gormDB.
func NewAgentStore(gormDB *gorm.DB) AgentStore {
	return &gormAgentStore{db: gormDB}
}

func (s *gormAgentStore) CreateAgent(ctx context.Context, agent *db.Agent) error {
	if err := s.db.WithContext(ctx).Create(agent).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("store: creating agent: %w", err)
	}
	return nil
}

func (s *gormAgentStore) GetAgent(ctx context.Context, id uuid.UUID) (*db.Agent, error) {
	var a db.Agent
	if err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: fetching agent %s: %w", id, err)
	}
	return &a, nil
}

func (s *gormAgentStore) GetAgentByName(ctx context.Context, name string) (*db.Agent, error) {
	var a db.Agent
	if err := s.db.WithContext(ctx).First(&a, "name = ?", name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: fetching agent by name %q: %w", name, err)
	}
	return &a, nil
}

// UpdateAgentFields performs the patch inside a transaction: it re-reads the
// row, verifies expectedStatus still matches, and only then applies the
// changes. The re-read-then-write pattern (rather than a single UPDATE ...
// WHERE status = ?) is used because GORM's Updates with a zero-value struct
// silently skips zero fields — going through the loaded model guarantees
// every patched column, including explicit clears to "", is written.
func (s *gormAgentStore) UpdateAgentFields(ctx context.Context, id uuid.UUID, patch AgentPatch, expectedStatus string) (*db.Agent, error) {
	var result *db.Agent

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a db.Agent
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&a, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("store: fetching agent %s for update: %w", id, err)
		}

		if a.Status != expectedStatus {
			return ErrStatusChanged
		}

		a.Status = patch.Status
		if patch.Name != nil {
			a.Name = *patch.Name
		}
		if patch.Description != nil {
			a.Description = *patch.Description
		}
		if patch.Config != nil {
			a.Config = *patch.Config
		}
		if patch.TemplateID != nil {
			a.TemplateID = patch.TemplateID
		}
		if patch.ProcessID != nil {
			a.ProcessID = *patch.ProcessID
		}
		if patch.Port != nil {
			a.Port = *patch.Port
		}
		if patch.LastHeartbeat != nil {
			a.LastHeartbeat = *patch.LastHeartbeat
		}
		if patch.ErrorMessage != nil {
			a.ErrorMessage = *patch.ErrorMessage
		}
		// I4: errorMessage is non-empty iff status is "error". store cannot import
		// the controller package's status constants (controller imports store), so
		// the literal mirrors controller.StatusError.
		if patch.Status != "error" {
			a.ErrorMessage = ""
		}
		if patch.RestartCount != nil {
			a.RestartCount = *patch.RestartCount
		}

		if err := tx.Save(&a).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("store: saving agent %s: %w", id, err)
		}

		result = &a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *gormAgentStore) DeleteAgent(ctx context.Context, id uuid.UUID, expectedStatus []string) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND status IN ?", id, expectedStatus).
		Delete(&db.Agent{})
	if res.Error != nil {
		return fmt.Errorf("store: deleting agent %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		// Distinguish "does not exist" from "exists but wrong status" with a
		// cheap existence check — both are user-facing errors but different ones.
		var a db.Agent
		if err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("store: checking agent %s existence: %w", id, err)
		}
		return ErrStatusChanged
	}
	return nil
}

func (s *gormAgentStore) ListAgents(ctx context.Context, filter AgentFilter, opts ListOptions) ([]db.Agent, int64, error) {
	q := s.db.WithContext(ctx).Model(&db.Agent{})

	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.OwnerID != nil {
		q = q.Where("created_by = ?", *filter.OwnerID)
	}
	if filter.SearchSubstring != "" {
		q = q.Where("name LIKE ?", "%"+filter.SearchSubstring+"%")
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("store: counting agents: %w", err)
	}

	col := sortColumn(opts.SortBy)
	dir := "ASC"
	if opts.SortDesc {
		dir = "DESC"
	}

	var rows []db.Agent
	if err := q.Order(col + " " + dir).Limit(limitOf(opts)).Offset(opts.Offset).Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("store: listing agents: %w", err)
	}

	return rows, total, nil
}

func (s *gormAgentStore) CountByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	if err := s.db.WithContext(ctx).Model(&db.Agent{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: counting agents by status: %w", err)
	}

	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Count
	}
	return out, nil
}

func (s *gormAgentStore) FindPortsInRange(ctx context.Context, lo, hi int) (map[int]struct{}, error) {
	var ports []int
	if err := s.db.WithContext(ctx).Model(&db.Agent{}).
		Where("port IS NOT NULL AND port BETWEEN ? AND ?", lo, hi).
		Pluck("port", &ports).Error; err != nil {
		return nil, fmt.Errorf("store: finding ports in range [%d,%d]: %w", lo, hi, err)
	}

	out := make(map[int]struct{}, len(ports))
	for _, p := range ports {
		out[p] = struct{}{}
	}
	return out, nil
}

func (s *gormAgentStore) FindStaleRunning(ctx context.Context, threshold time.Duration) ([]db.Agent, error) {
	cutoff := time.Now().Add(-threshold)

	var rows []db.Agent
	if err := s.db.WithContext(ctx).
		Where("status = ?", "running").
		Where("last_heartbeat IS NULL OR last_heartbeat < ?", cutoff).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: finding stale running agents: %w", err)
	}
	return rows, nil
}

// sortColumn maps the API-facing sort key to its database column, defaulting
// to created_at for unrecognized or empty keys. The API layer is responsible
// for restricting SortBy to {createdAt, name, status} before it gets here,
// but the store defends against an unexpected value anyway.
func sortColumn(sortBy string) string {
	switch sortBy {
	case "name":
		return "name"
	case "status":
		return "status"
	default:
		return "created_at"
	}
}

func limitOf(opts ListOptions) int {
	if opts.Limit <= 0 {
		return 10
	}
	return opts.Limit
}

// isUniqueViolation detects a unique-constraint error across both the
// modernc sqlite driver and lib/pq/pgx, neither of which GORM normalizes
// into a common sentinel. Matching on the driver-reported message is the
// same approach GORM's own errors.Translator uses internally for drivers
// that don't implement it.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "unique_violation") ||
		strings.Contains(msg, "duplicate key")
}
