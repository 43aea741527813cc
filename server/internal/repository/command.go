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

// CommandRepository persists the durable Command record. The authoritative
// in-flight ordering lives in the queue package's in-memory heap; this
// repository is the system of record for history, status, and crash
// recovery.
type CommandRepository interface {
	Create(ctx context.Context, cmd *db.Command) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Command, error)
	Update(ctx context.Context, cmd *db.Command) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, errMsg string) error
	MarkDispatched(ctx context.Context, id uuid.UUID, at time.Time) error
	IncrementAttempt(ctx context.Context, id uuid.UUID) error
	ListByAgent(ctx context.Context, agentID uuid.UUID, opts ListOptions) ([]db.Command, int64, error)
	// ListActiveByAgent returns every command for agentID whose status is one
	// of queued/executing — used to rehydrate the in-memory queue on startup
	// and to resume in-flight work on agent reconnect.
	ListActiveByAgent(ctx context.Context, agentID uuid.UUID) ([]db.Command, error)
}

type gormCommandRepository struct {
	db *gorm.DB
}

// NewCommandRepository returns a CommandRepository backed by the provided
// *gorm.DB.
func NewCommandRepository(database *gorm.DB) CommandRepository {
	return &gormCommandRepository{db: database}
}

func (r *gormCommandRepository) Create(ctx context.Context, cmd *db.Command) error {
	if err := r.db.WithContext(ctx).Create(cmd).Error; err != nil {
		return fmt.Errorf("repository: command create: %w", err)
	}
	return nil
}

func (r *gormCommandRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Command, error) {
	var cmd db.Command
	err := r.db.WithContext(ctx).First(&cmd, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("repository: command get by id: %w", err)
	}
	return &cmd, nil
}

func (r *gormCommandRepository) Update(ctx context.Context, cmd *db.Command) error {
	result := r.db.WithContext(ctx).Save(cmd)
	if result.Error != nil {
		return fmt.Errorf("repository: command update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormCommandRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string, errMsg string) error {
	updates := map[string]interface{}{"status": status, "error": errMsg}
	if status == "completed" || status == "failed" || status == "cancelled" {
		updates["completed_at"] = time.Now().UTC()
	}
	result := r.db.WithContext(ctx).Model(&db.Command{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("repository: command update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormCommandRepository) MarkDispatched(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&db.Command{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":        "executing",
		"dispatched_at": at,
	})
	if result.Error != nil {
		return fmt.Errorf("repository: command mark dispatched: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormCommandRepository) IncrementAttempt(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Model(&db.Command{}).Where("id = ?", id).
		UpdateColumn("attempt_count", gorm.Expr("attempt_count + 1"))
	if result.Error != nil {
		return fmt.Errorf("repository: command increment attempt: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormCommandRepository) ListByAgent(ctx context.Context, agentID uuid.UUID, opts ListOptions) ([]db.Command, int64, error) {
	opts = opts.normalized()
	var cmds []db.Command
	var total int64

	q := r.db.WithContext(ctx).Model(&db.Command{}).Where("agent_id = ?", agentID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("repository: command list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("created_at DESC").
		Limit(opts.Limit).
		Offset(opts.Offset).
		Find(&cmds).Error; err != nil {
		return nil, 0, fmt.Errorf("repository: command list: %w", err)
	}
	return cmds, total, nil
}

func (r *gormCommandRepository) ListActiveByAgent(ctx context.Context, agentID uuid.UUID) ([]db.Command, error) {
	var cmds []db.Command
	err := r.db.WithContext(ctx).
		Where("agent_id = ? AND status IN ?", agentID, []string{"queued", "executing"}).
		Order("priority DESC, created_at ASC").
		Find(&cmds).Error
	if err != nil {
		return nil, fmt.Errorf("repository: command list active: %w", err)
	}
	return cmds, nil
}
