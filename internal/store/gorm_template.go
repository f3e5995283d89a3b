package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/agentsupervisor/server/internal/db"
)

type gormTemplateStore struct {
	db *gorm.DB
}

// NewTemplateStore creates a TemplateStore backed by gormDB.
func NewTemplateStore(gormDB *gorm.DB) TemplateStore {
	return &gormTemplateStore{db: gormDB}
}

func (s *gormTemplateStore) CreateTemplate(ctx context.Context, tpl *db.AgentTemplate) error {
	if err := s.db.WithContext(ctx).Create(tpl).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("store: creating template: %w", err)
	}
	return nil
}

func (s *gormTemplateStore) GetTemplate(ctx context.Context, id uuid.UUID) (*db.AgentTemplate, error) {
	var t db.AgentTemplate
	if err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: fetching template %s: %w", id, err)
	}
	return &t, nil
}

func (s *gormTemplateStore) GetActiveTemplateByName(ctx context.Context, name string) (*db.AgentTemplate, error) {
	var t db.AgentTemplate
	if err := s.db.WithContext(ctx).First(&t, "name = ? AND is_active = ?", name, true).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: fetching active template %q: %w", name, err)
	}
	return &t, nil
}

func (s *gormTemplateStore) ListTemplates(ctx context.Context, opts ListOptions) ([]db.AgentTemplate, int64, error) {
	q := s.db.WithContext(ctx).Model(&db.AgentTemplate{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("store: counting templates: %w", err)
	}

	var rows []db.AgentTemplate
	if err := q.Order("created_at DESC").Limit(limitOf(opts)).Offset(opts.Offset).Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("store: listing templates: %w", err)
	}

	return rows, total, nil
}

// Deactivate sets IsActive = false rather than deleting the row — templates
// referenced by any agent are soft-deactivated per the data model's lifecycle
// rule, never hard-deleted.
func (s *gormTemplateStore) Deactivate(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&db.AgentTemplate{}).
		Where("id = ?", id).
		Update("is_active", false)
	if res.Error != nil {
		return fmt.Errorf("store: deactivating template %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
