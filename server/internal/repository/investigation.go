package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fleetctl/fleetctl/server/internal/db"
)

// InvestigationReportRepository persists INVESTIGATION_REPORT submissions so
// dashboards can review them after the live broadcast has passed.
type InvestigationReportRepository interface {
	Create(ctx context.Context, r *db.InvestigationReport) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.InvestigationReport, error)
	ListByCommand(ctx context.Context, commandID uuid.UUID) ([]db.InvestigationReport, error)
	ListByAgent(ctx context.Context, agentID uuid.UUID, opts ListOptions) ([]db.InvestigationReport, int64, error)
}

type gormInvestigationReportRepository struct {
	db *gorm.DB
}

// NewInvestigationReportRepository returns an InvestigationReportRepository
// backed by the provided *gorm.DB.
func NewInvestigationReportRepository(database *gorm.DB) InvestigationReportRepository {
	return &gormInvestigationReportRepository{db: database}
}

func (r *gormInvestigationReportRepository) Create(ctx context.Context, rep *db.InvestigationReport) error {
	if err := r.db.WithContext(ctx).Create(rep).Error; err != nil {
		return fmt.Errorf("repository: investigation report create: %w", err)
	}
	return nil
}

func (r *gormInvestigationReportRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.InvestigationReport, error) {
	var rep db.InvestigationReport
	err := r.db.WithContext(ctx).First(&rep, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("repository: investigation report get by id: %w", err)
	}
	return &rep, nil
}

func (r *gormInvestigationReportRepository) ListByCommand(ctx context.Context, commandID uuid.UUID) ([]db.InvestigationReport, error) {
	var reps []db.InvestigationReport
	err := r.db.WithContext(ctx).Where("command_id = ?", commandID).Order("created_at ASC").Find(&reps).Error
	if err != nil {
		return nil, fmt.Errorf("repository: investigation report list by command: %w", err)
	}
	return reps, nil
}

func (r *gormInvestigationReportRepository) ListByAgent(ctx context.Context, agentID uuid.UUID, opts ListOptions) ([]db.InvestigationReport, int64, error) {
	opts = opts.normalized()
	var reps []db.InvestigationReport
	var total int64
	q := r.db.WithContext(ctx).Model(&db.InvestigationReport{}).Where("agent_id = ?", agentID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("repository: investigation report list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("created_at DESC").
		Limit(opts.Limit).
		Offset(opts.Offset).
		Find(&reps).Error; err != nil {
		return nil, 0, fmt.Errorf("repository: investigation report list: %w", err)
	}
	return reps, total, nil
}
