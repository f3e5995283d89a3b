package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/agentsupervisor/server/internal/db"
)

type gormRefreshTokenStore struct {
	db *gorm.DB
}

// NewRefreshTokenStore creates a RefreshTokenStore backed by gormDB.
func NewRefreshTokenStore(gormDB *gorm.DB) RefreshTokenStore {
	return &gormRefreshTokenStore{db: gormDB}
}

func (s *gormRefreshTokenStore) Create(ctx context.Context, t *db.RefreshToken) error {
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("store: creating refresh token: %w", err)
	}
	return nil
}

func (s *gormRefreshTokenStore) GetByHash(ctx context.Context, hash string) (*db.RefreshToken, error) {
	var t db.RefreshToken
	if err := s.db.WithContext(ctx).First(&t, "token_hash = ?", hash).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: fetching refresh token: %w", err)
	}
	return &t, nil
}

func (s *gormRefreshTokenStore) DeleteByHash(ctx context.Context, hash string) error {
	res := s.db.WithContext(ctx).Delete(&db.RefreshToken{}, "token_hash = ?", hash)
	if res.Error != nil {
		return fmt.Errorf("store: deleting refresh token: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *gormRefreshTokenStore) RevokeAllForUser(ctx context.Context, userID uuid.UUID) error {
	now := time.Now()
	if err := s.db.WithContext(ctx).Model(&db.RefreshToken{}).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Update("revoked_at", now).Error; err != nil {
		return fmt.Errorf("store: revoking refresh tokens for user %s: %w", userID, err)
	}
	return nil
}

type gormOIDCProviderStore struct {
	db *gorm.DB
}

// NewOIDCProviderStore creates an OIDCProviderStore backed by gormDB.
func NewOIDCProviderStore(gormDB *gorm.DB) OIDCProviderStore {
	return &gormOIDCProviderStore{db: gormDB}
}

func (s *gormOIDCProviderStore) GetEnabled(ctx context.Context) (*db.OIDCProvider, error) {
	var p db.OIDCProvider
	if err := s.db.WithContext(ctx).First(&p, "enabled = ?", true).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: fetching enabled oidc provider: %w", err)
	}
	return &p, nil
}

func (s *gormOIDCProviderStore) Upsert(ctx context.Context, p *db.OIDCProvider) error {
	if err := s.db.WithContext(ctx).Save(p).Error; err != nil {
		return fmt.Errorf("store: upserting oidc provider: %w", err)
	}
	return nil
}
