package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/agentsupervisor/server/internal/db"
)

// gormEventStore persists the append-only log/metric/alert streams emitted
// through the controller's supervisor hooks. These writes are fire-and-forget
// from the core's perspective — the spec treats log/metric storage schemas
// as a collaborator, not part of the controller's invariants.
type gormEventStore struct {
	db *gorm.DB
}

// NewEventStore creates an EventStore backed by gormDB.
func NewEventStore(gormDB *gorm.DB) EventStore {
	return &gormEventStore{db: gormDB}
}

func (s *gormEventStore) AppendLog(ctx context.Context, l *db.AgentLog) error {
	if err := s.db.WithContext(ctx).Create(l).Error; err != nil {
		return fmt.Errorf("store: appending agent log: %w", err)
	}
	return nil
}

func (s *gormEventStore) AppendMetric(ctx context.Context, m *db.AgentMetric) error {
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("store: appending agent metric: %w", err)
	}
	return nil
}

func (s *gormEventStore) RaiseAlert(ctx context.Context, a *db.AgentAlert) error {
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("store: raising agent alert: %w", err)
	}
	return nil
}

func (s *gormEventStore) ListLogs(ctx context.Context, agentID uuid.UUID, opts ListOptions) ([]db.AgentLog, int64, error) {
	q := s.db.WithContext(ctx).Model(&db.AgentLog{}).Where("agent_id = ?", agentID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("store: counting agent logs: %w", err)
	}

	var rows []db.AgentLog
	if err := q.Order("timestamp DESC").Limit(limitOf(opts)).Offset(opts.Offset).Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("store: listing agent logs: %w", err)
	}

	return rows, total, nil
}

func (s *gormEventStore) ListMetrics(ctx context.Context, agentID uuid.UUID, since time.Time) ([]db.AgentMetric, error) {
	var rows []db.AgentMetric
	if err := s.db.WithContext(ctx).
		Where("agent_id = ? AND sampled_at >= ?", agentID, since).
		Order("sampled_at ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: listing agent metrics: %w", err)
	}
	return rows, nil
}
