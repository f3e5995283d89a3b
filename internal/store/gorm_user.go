package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/agentsupervisor/server/internal/db"
)

type gormUserStore struct {
	db *gorm.DB
}

// NewUserStore creates a UserStore backed by gormDB.
func NewUserStore(gormDB *gorm.DB) UserStore {
	return &gormUserStore{db: gormDB}
}

func (s *gormUserStore) Create(ctx context.Context, u *db.User) error {
	if err := s.db.WithContext(ctx).Create(u).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("store: creating user: %w", err)
	}
	return nil
}

func (s *gormUserStore) GetByID(ctx context.Context, id uuid.UUID) (*db.User, error) {
	var u db.User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: fetching user %s: %w", id, err)
	}
	return &u, nil
}

func (s *gormUserStore) GetByUsername(ctx context.Context, username string) (*db.User, error) {
	var u db.User
	if err := s.db.WithContext(ctx).First(&u, "username = ?", username).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: fetching user by username %q: %w", username, err)
	}
	return &u, nil
}

func (s *gormUserStore) GetByEmail(ctx context.Context, email string) (*db.User, error) {
	var u db.User
	if err := s.db.WithContext(ctx).First(&u, "email = ?", email).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: fetching user by email %q: %w", email, err)
	}
	return &u, nil
}

func (s *gormUserStore) GetByOIDC(ctx context.Context, providerID, sub string) (*db.User, error) {
	var u db.User
	if err := s.db.WithContext(ctx).First(&u, "oidc_provider = ? AND oidc_sub = ?", providerID, sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: fetching user by oidc subject: %w", err)
	}
	return &u, nil
}

func (s *gormUserStore) Update(ctx context.Context, u *db.User) error {
	if err := s.db.WithContext(ctx).Save(u).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("store: updating user %s: %w", u.ID, err)
	}
	return nil
}

func (s *gormUserStore) Delete(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Delete(&db.User{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("store: deleting user %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *gormUserStore) List(ctx context.Context, opts ListOptions) ([]db.User, int64, error) {
	q := s.db.WithContext(ctx).Model(&db.User{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("store: counting users: %w", err)
	}

	var rows []db.User
	if err := q.Order("created_at ASC").Limit(limitOf(opts)).Offset(opts.Offset).Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("store: listing users: %w", err)
	}

	return rows, total, nil
}
