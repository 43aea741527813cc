package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/fleetctl/fleetctl/server/internal/db"
)

// SessionRepository persists verified dashboard sessions so they can be
// counted per user (session cap) and revoked independent of token expiry.
type SessionRepository interface {
	Create(ctx context.Context, s *db.Session) error
	GetByTokenID(ctx context.Context, tokenID string) (*db.Session, error)
	CountActiveForUser(ctx context.Context, userID string, now time.Time) (int64, error)
	// OldestActiveForUser returns the least-recently-created active session
	// for userID, used to evict the oldest when the per-user cap is hit.
	OldestActiveForUser(ctx context.Context, userID string, now time.Time) (*db.Session, error)
	Revoke(ctx context.Context, tokenID string) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

type gormSessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository returns a SessionRepository backed by the provided
// *gorm.DB.
func NewSessionRepository(database *gorm.DB) SessionRepository {
	return &gormSessionRepository{db: database}
}

func (r *gormSessionRepository) Create(ctx context.Context, s *db.Session) error {
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		return fmt.Errorf("repository: session create: %w", err)
	}
	return nil
}

func (r *gormSessionRepository) GetByTokenID(ctx context.Context, tokenID string) (*db.Session, error) {
	var s db.Session
	err := r.db.WithContext(ctx).First(&s, "token_id = ?", tokenID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("repository: session get by token id: %w", err)
	}
	return &s, nil
}

func (r *gormSessionRepository) CountActiveForUser(ctx context.Context, userID string, now time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&db.Session{}).
		Where("user_id = ? AND revoked_at IS NULL AND expires_at > ?", userID, now).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("repository: session count active: %w", err)
	}
	return count, nil
}

func (r *gormSessionRepository) OldestActiveForUser(ctx context.Context, userID string, now time.Time) (*db.Session, error) {
	var s db.Session
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND revoked_at IS NULL AND expires_at > ?", userID, now).
		Order("created_at ASC").
		First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("repository: session oldest active: %w", err)
	}
	return &s, nil
}

func (r *gormSessionRepository) Revoke(ctx context.Context, tokenID string) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).Model(&db.Session{}).
		Where("token_id = ?", tokenID).
		Update("revoked_at", now)
	if result.Error != nil {
		return fmt.Errorf("repository: session revoke: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormSessionRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("expires_at < ?", before).Delete(&db.Session{})
	if result.Error != nil {
		return 0, fmt.Errorf("repository: session delete expired: %w", result.Error)
	}
	return result.RowsAffected, nil
}
