package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/fleetctl/fleetctl/server/internal/db"
	"github.com/fleetctl/fleetctl/server/internal/repository"
)

// ReportHandler groups the investigation-report read handlers (§11's
// supplemented feature — agents submit these live over the INVESTIGATION_REPORT
// message; this surface only exposes after-the-fact listing).
type ReportHandler struct {
	repo   repository.InvestigationReportRepository
	logger *zap.Logger
}

// NewReportHandler creates a new ReportHandler.
func NewReportHandler(repo repository.InvestigationReportRepository, logger *zap.Logger) *ReportHandler {
	return &ReportHandler{repo: repo, logger: logger.Named("report_handler")}
}

type reportResponse struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	CommandID string `json:"command_id"`
	Summary   string `json:"summary"`
	Details   string `json:"details"`
	CreatedAt string `json:"created_at"`
}

func reportToResponse(r *db.InvestigationReport) reportResponse {
	return reportResponse{
		ID:        r.ID.String(),
		AgentID:   r.AgentID.String(),
		CommandID: r.CommandID.String(),
		Summary:   r.Summary,
		Details:   r.Details,
		CreatedAt: r.CreatedAt.UTC().String(),
	}
}

type listReportsResponse struct {
	Items []reportResponse `json:"items"`
	Total int64            `json:"total"`
}

// ListByAgent handles GET /api/v1/agents/{id}/reports.
func (h *ReportHandler) ListByAgent(w http.ResponseWriter, r *http.Request) {
	agentID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	opts := paginationOpts(r)
	reports, total, err := h.repo.ListByAgent(r.Context(), agentID, opts)
	if err != nil {
		h.logger.Error("failed to list reports", zap.String("agent_id", agentID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]reportResponse, len(reports))
	for i := range reports {
		items[i] = reportToResponse(&reports[i])
	}
	Ok(w, listReportsResponse{Items: items, Total: total})
}

// ListByCommand handles GET /api/v1/commands/{id}/reports.
func (h *ReportHandler) ListByCommand(w http.ResponseWriter, r *http.Request) {
	commandID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	reports, err := h.repo.ListByCommand(r.Context(), commandID)
	if err != nil {
		h.logger.Error("failed to list reports by command", zap.String("command_id", commandID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]reportResponse, len(reports))
	for i := range reports {
		items[i] = reportToResponse(&reports[i])
	}
	Ok(w, items)
}

// GetByID handles GET /api/v1/reports/{id}.
func (h *ReportHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	rep, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get report", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, reportToResponse(rep))
}
