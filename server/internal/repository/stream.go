package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fleetctl/fleetctl/server/internal/db"
)

// StreamRepository persists TERMINAL_OUTPUT and TRACE_EVENT messages so a
// dashboard that subscribes to a command after it has started can backfill
// everything it missed, and so output survives a dashboard's own
// disconnect/reconnect.
type StreamRepository interface {
	AppendOutput(ctx context.Context, o *db.TerminalOutput) error
	ListOutput(ctx context.Context, commandID uuid.UUID, opts ListOptions) ([]db.TerminalOutput, error)
	AppendTrace(ctx context.Context, t *db.TraceEntry) error
	ListTrace(ctx context.Context, commandID uuid.UUID, opts ListOptions) ([]db.TraceEntry, error)
}

type gormStreamRepository struct {
	db *gorm.DB
}

// NewStreamRepository returns a StreamRepository backed by the provided
// *gorm.DB.
func NewStreamRepository(database *gorm.DB) StreamRepository {
	return &gormStreamRepository{db: database}
}

func (r *gormStreamRepository) AppendOutput(ctx context.Context, o *db.TerminalOutput) error {
	if err := r.db.WithContext(ctx).Create(o).Error; err != nil {
		return fmt.Errorf("repository: append terminal output: %w", err)
	}
	return nil
}

func (r *gormStreamRepository) ListOutput(ctx context.Context, commandID uuid.UUID, opts ListOptions) ([]db.TerminalOutput, error) {
	opts = opts.normalized()
	var out []db.TerminalOutput
	err := r.db.WithContext(ctx).
		Where("command_id = ?", commandID).
		Order("sequence ASC").
		Limit(opts.Limit).
		Offset(opts.Offset).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("repository: list terminal output: %w", err)
	}
	return out, nil
}

func (r *gormStreamRepository) AppendTrace(ctx context.Context, t *db.TraceEntry) error {
	if err := r.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("repository: append trace entry: %w", err)
	}
	return nil
}

func (r *gormStreamRepository) ListTrace(ctx context.Context, commandID uuid.UUID, opts ListOptions) ([]db.TraceEntry, error) {
	opts = opts.normalized()
	var out []db.TraceEntry
	err := r.db.WithContext(ctx).
		Where("command_id = ?", commandID).
		Order("sequence ASC").
		Limit(opts.Limit).
		Offset(opts.Offset).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("repository: list trace entries: %w", err)
	}
	return out, nil
}
