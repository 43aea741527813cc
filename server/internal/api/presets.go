package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/fleetctl/fleetctl/server/internal/db"
	"github.com/fleetctl/fleetctl/server/internal/repository"
)

// PresetHandler groups the command-preset CRUD handlers (§11's supplemented
// feature — a saved command template a dashboard can re-submit without
// retyping it).
type PresetHandler struct {
	repo   repository.CommandPresetRepository
	logger *zap.Logger
}

// NewPresetHandler creates a new PresetHandler.
func NewPresetHandler(repo repository.CommandPresetRepository, logger *zap.Logger) *PresetHandler {
	return &PresetHandler{repo: repo, logger: logger.Named("preset_handler")}
}

type presetResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Content  string `json:"content"`
	Priority int    `json:"priority"`
}

func presetToResponse(p *db.CommandPreset) presetResponse {
	return presetResponse{ID: p.ID.String(), Name: p.Name, Type: p.Type, Content: p.Content, Priority: p.Priority}
}

type listPresetsResponse struct {
	Items []presetResponse `json:"items"`
	Total int64            `json:"total"`
}

// List handles GET /api/v1/command-presets.
func (h *PresetHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)
	presets, total, err := h.repo.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list presets", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]presetResponse, len(presets))
	for i := range presets {
		items[i] = presetToResponse(&presets[i])
	}
	Ok(w, listPresetsResponse{Items: items, Total: total})
}

// presetRequest is the JSON body for both create and update.
type presetRequest struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Content  string `json:"content"`
	Priority int    `json:"priority"`
}

// Create handles POST /api/v1/command-presets.
func (h *PresetHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req presetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.Type == "" || req.Content == "" {
		ErrBadRequest(w, "name, type, and content are required")
		return
	}
	preset := &db.CommandPreset{Name: req.Name, Type: req.Type, Content: req.Content, Priority: req.Priority}
	if err := h.repo.Create(r.Context(), preset); err != nil {
		h.logger.Error("failed to create preset", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, presetToResponse(preset))
}

// GetByID handles GET /api/v1/command-presets/{id}.
func (h *PresetHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	preset, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get preset", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, presetToResponse(preset))
}

// Update handles PATCH /api/v1/command-presets/{id}.
func (h *PresetHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req presetRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	preset, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get preset for update", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if req.Name != "" {
		preset.Name = req.Name
	}
	if req.Type != "" {
		preset.Type = req.Type
	}
	if req.Content != "" {
		preset.Content = req.Content
	}
	if req.Priority != 0 {
		preset.Priority = req.Priority
	}

	if err := h.repo.Update(r.Context(), preset); err != nil {
		h.logger.Error("failed to update preset", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, presetToResponse(preset))
}

// Delete handles DELETE /api/v1/command-presets/{id}.
func (h *PresetHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete preset", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}
