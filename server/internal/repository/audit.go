package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/fleetctl/fleetctl/server/internal/db"
)

// AuditRepository is the append-only store the audit sink flushes to.
// Entries are never updated; eviction beyond the sink's cap is a hard
// DeleteOldest call, not a GORM soft delete.
type AuditRepository interface {
	BulkCreate(ctx context.Context, entries []db.AuditEntry) error
	List(ctx context.Context, opts ListOptions) ([]db.AuditEntry, int64, error)
	Count(ctx context.Context) (int64, error)
	// DeleteOldest hard-deletes the n oldest rows by created_at, used by the
	// audit sink's eviction policy once the retention cap is exceeded.
	DeleteOldest(ctx context.Context, n int) (int64, error)
}

type gormAuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository returns an AuditRepository backed by the provided
// *gorm.DB.
func NewAuditRepository(database *gorm.DB) AuditRepository {
	return &gormAuditRepository{db: database}
}

func (r *gormAuditRepository) BulkCreate(ctx context.Context, entries []db.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&entries).Error; err != nil {
		return fmt.Errorf("repository: audit bulk create: %w", err)
	}
	return nil
}

func (r *gormAuditRepository) List(ctx context.Context, opts ListOptions) ([]db.AuditEntry, int64, error) {
	opts = opts.normalized()
	var entries []db.AuditEntry
	var total int64
	if err := r.db.WithContext(ctx).Model(&db.AuditEntry{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("repository: audit list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(opts.Limit).
		Offset(opts.Offset).
		Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("repository: audit list: %w", err)
	}
	return entries, total, nil
}

func (r *gormAuditRepository) Count(ctx context.Context) (int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&db.AuditEntry{}).Count(&total).Error; err != nil {
		return 0, fmt.Errorf("repository: audit count: %w", err)
	}
	return total, nil
}

func (r *gormAuditRepository) DeleteOldest(ctx context.Context, n int) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	sub := r.db.Model(&db.AuditEntry{}).Order("created_at ASC").Limit(n).Select("id")
	result := r.db.WithContext(ctx).Where("id IN (?)", sub).Delete(&db.AuditEntry{})
	if result.Error != nil {
		return 0, fmt.Errorf("repository: audit delete oldest: %w", result.Error)
	}
	return result.RowsAffected, nil
}
