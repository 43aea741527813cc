package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fleetctl/fleetctl/server/internal/db"
)

// AgentRepository persists the durable Agent record — connection-local state
// (socket, subscriptions) lives only in the in-memory registry.
type AgentRepository interface {
	Create(ctx context.Context, agent *db.Agent) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Agent, error)
	Update(ctx context.Context, agent *db.Agent) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, lastSeenAt time.Time) error
	UpdateHeartbeat(ctx context.Context, id uuid.UUID, at time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Agent, int64, error)
}

type gormAgentRepository struct {
	db *gorm.DB
}

// NewAgentRepository returns an AgentRepository backed by the provided *gorm.DB.
func NewAgentRepository(database *gorm.DB) AgentRepository {
	return &gormAgentRepository{db: database}
}

func (r *gormAgentRepository) Create(ctx context.Context, agent *db.Agent) error {
	if err := r.db.WithContext(ctx).Create(agent).Error; err != nil {
		return fmt.Errorf("repository: agent create: %w", err)
	}
	return nil
}

func (r *gormAgentRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Agent, error) {
	var agent db.Agent
	err := r.db.WithContext(ctx).First(&agent, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("repository: agent get by id: %w", err)
	}
	return &agent, nil
}

func (r *gormAgentRepository) Update(ctx context.Context, agent *db.Agent) error {
	result := r.db.WithContext(ctx).Save(agent)
	if result.Error != nil {
		return fmt.Errorf("repository: agent update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus updates only status and last_seen_at, avoiding a full-row
// write on the hot connect/disconnect path.
func (r *gormAgentRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string, lastSeenAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       status,
			"last_seen_at": lastSeenAt,
		})
	if result.Error != nil {
		return fmt.Errorf("repository: agent update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateHeartbeat updates only last_heartbeat_at — called on every liveness
// tick, so it is kept to a single-column write.
func (r *gormAgentRepository) UpdateHeartbeat(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id = ?", id).
		Update("last_heartbeat_at", at)
	if result.Error != nil {
		return fmt.Errorf("repository: agent update heartbeat: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormAgentRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Agent{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("repository: agent delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormAgentRepository) List(ctx context.Context, opts ListOptions) ([]db.Agent, int64, error) {
	opts = opts.normalized()
	var agents []db.Agent
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Agent{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("repository: agent list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&agents).Error; err != nil {
		return nil, 0, fmt.Errorf("repository: agent list: %w", err)
	}
	return agents, total, nil
}
