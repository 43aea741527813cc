package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fleetctl/fleetctl/server/internal/db"
)

// CommandPresetRepository is plain CRUD — presets have no dispatch-time
// behavior of their own.
type CommandPresetRepository interface {
	Create(ctx context.Context, p *db.CommandPreset) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.CommandPreset, error)
	Update(ctx context.Context, p *db.CommandPreset) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.CommandPreset, int64, error)
}

type gormCommandPresetRepository struct {
	db *gorm.DB
}

// NewCommandPresetRepository returns a CommandPresetRepository backed by the
// provided *gorm.DB.
func NewCommandPresetRepository(database *gorm.DB) CommandPresetRepository {
	return &gormCommandPresetRepository{db: database}
}

func (r *gormCommandPresetRepository) Create(ctx context.Context, p *db.CommandPreset) error {
	if err := r.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("repository: preset create: %w", err)
	}
	return nil
}

func (r *gormCommandPresetRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.CommandPreset, error) {
	var p db.CommandPreset
	err := r.db.WithContext(ctx).First(&p, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("repository: preset get by id: %w", err)
	}
	return &p, nil
}

func (r *gormCommandPresetRepository) Update(ctx context.Context, p *db.CommandPreset) error {
	result := r.db.WithContext(ctx).Save(p)
	if result.Error != nil {
		return fmt.Errorf("repository: preset update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormCommandPresetRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.CommandPreset{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("repository: preset delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormCommandPresetRepository) List(ctx context.Context, opts ListOptions) ([]db.CommandPreset, int64, error) {
	opts = opts.normalized()
	var presets []db.CommandPreset
	var total int64
	if err := r.db.WithContext(ctx).Model(&db.CommandPreset{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("repository: preset list count: %w", err)
	}
	if err := r.db.WithContext(ctx).Limit(opts.Limit).Offset(opts.Offset).Order("created_at ASC").Find(&presets).Error; err != nil {
		return nil, 0, fmt.Errorf("repository: preset list: %w", err)
	}
	return presets, total, nil
}
