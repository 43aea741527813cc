package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fleetctl/fleetctl/server/internal/db"
)

// QueueSnapshotRepository durably mirrors the in-memory priority queue so a
// server restart can rehydrate it without losing ordering. It is a dumb
// add/remove/list primitive — the queue package owns all ordering logic.
type QueueSnapshotRepository interface {
	Put(ctx context.Context, snap *db.QueueSnapshot) error
	Delete(ctx context.Context, commandID uuid.UUID) error
	ListByAgent(ctx context.Context, agentID uuid.UUID) ([]db.QueueSnapshot, error)
	ListAll(ctx context.Context) ([]db.QueueSnapshot, error)
}

type gormQueueSnapshotRepository struct {
	db *gorm.DB
}

// NewQueueSnapshotRepository returns a QueueSnapshotRepository backed by the
// provided *gorm.DB.
func NewQueueSnapshotRepository(database *gorm.DB) QueueSnapshotRepository {
	return &gormQueueSnapshotRepository{db: database}
}

// Put upserts a snapshot row keyed by command id.
func (r *gormQueueSnapshotRepository) Put(ctx context.Context, snap *db.QueueSnapshot) error {
	err := r.db.WithContext(ctx).
		Where("command_id = ?", snap.CommandID).
		Assign(db.QueueSnapshot{
			AgentID:  snap.AgentID,
			Priority: snap.Priority,
			Sequence: snap.Sequence,
		}).
		FirstOrCreate(&db.QueueSnapshot{CommandID: snap.CommandID}).Error
	if err != nil {
		return fmt.Errorf("repository: queue snapshot put: %w", err)
	}
	return nil
}

func (r *gormQueueSnapshotRepository) Delete(ctx context.Context, commandID uuid.UUID) error {
	if err := r.db.WithContext(ctx).Delete(&db.QueueSnapshot{}, "command_id = ?", commandID).Error; err != nil {
		return fmt.Errorf("repository: queue snapshot delete: %w", err)
	}
	return nil
}

func (r *gormQueueSnapshotRepository) ListByAgent(ctx context.Context, agentID uuid.UUID) ([]db.QueueSnapshot, error) {
	var snaps []db.QueueSnapshot
	err := r.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("priority DESC, sequence ASC").
		Find(&snaps).Error
	if err != nil {
		return nil, fmt.Errorf("repository: queue snapshot list by agent: %w", err)
	}
	return snaps, nil
}

func (r *gormQueueSnapshotRepository) ListAll(ctx context.Context) ([]db.QueueSnapshot, error) {
	var snaps []db.QueueSnapshot
	if err := r.db.WithContext(ctx).Order("priority DESC, sequence ASC").Find(&snaps).Error; err != nil {
		return nil, fmt.Errorf("repository: queue snapshot list all: %w", err)
	}
	return snaps, nil
}
