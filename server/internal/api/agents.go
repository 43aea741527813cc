package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetctl/fleetctl/server/internal/db"
	"github.com/fleetctl/fleetctl/server/internal/registry"
	"github.com/fleetctl/fleetctl/server/internal/repository"
)

// AgentHandler groups the agent CRUD and status HTTP handlers.
type AgentHandler struct {
	repo   repository.AgentRepository
	reg    *registry.Registry
	logger *zap.Logger
}

// NewAgentHandler creates a new AgentHandler.
func NewAgentHandler(repo repository.AgentRepository, reg *registry.Registry, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{repo: repo, reg: reg, logger: logger.Named("agent_handler")}
}

// agentResponse is the JSON representation of an agent returned by the API.
type agentResponse struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Kind         string  `json:"kind"`
	Status       string  `json:"status"`
	Version      string  `json:"version"`
	Capabilities string  `json:"capabilities"`
	LastSeenAt   *string `json:"last_seen_at"`
	CreatedAt    string  `json:"created_at"`
}

func agentToResponse(a *db.Agent) agentResponse {
	resp := agentResponse{
		ID:           a.ID.String(),
		Name:         a.Name,
		Kind:         a.Kind,
		Status:       a.Status,
		Version:      a.Version,
		Capabilities: a.Capabilities,
		CreatedAt:    a.CreatedAt.UTC().String(),
	}
	if a.LastSeenAt != nil {
		s := a.LastSeenAt.UTC().String()
		resp.LastSeenAt = &s
	}
	return resp
}

// listAgentsResponse wraps a paginated list of agents.
type listAgentsResponse struct {
	Items []agentResponse `json:"items"`
	Total int64           `json:"total"`
}

// List handles GET /api/v1/agents. Soft-deleted agents are excluded.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	agents, total, err := h.repo.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list agents", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]agentResponse, len(agents))
	for i := range agents {
		items[i] = agentToResponse(&agents[i])
	}

	Ok(w, listAgentsResponse{Items: items, Total: total})
}

// createAgentRequest is the JSON body expected by POST /api/v1/agents. This
// pre-registers the durable record; the agent's actual bearer credential is
// provisioned out of band through the credential store, not returned here.
type createAgentRequest struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// Create handles POST /api/v1/agents.
func (h *AgentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}

	agent := &db.Agent{
		Name:         req.Name,
		Kind:         req.Kind,
		Status:       "offline",
		Capabilities: "[]",
	}

	if err := h.repo.Create(r.Context(), agent); err != nil {
		h.logger.Error("failed to create agent", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, agentToResponse(agent))
}

// GetByID handles GET /api/v1/agents/{id}.
func (h *AgentHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	agent, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get agent", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, agentToResponse(agent))
}

// agentStatusResponse is the JSON body returned by GET /api/v1/agents/{id}/status,
// per spec.md §6's `{ id, status, lastPing }` shape.
type agentStatusResponse struct {
	ID       string  `json:"id"`
	Status   string  `json:"status"`
	LastPing *string `json:"lastPing"`
	Online   bool    `json:"online"`
}

// GetStatus handles GET /api/v1/agents/{id}/status. Status reflects the
// durable record (maintained by the liveness sweep); Online additionally
// reflects whether a live WebSocket connection is currently registered,
// since a record can lag the registry by up to one sweep interval.
func (h *AgentHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	agent, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get agent status", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	resp := agentStatusResponse{
		ID:     agent.ID.String(),
		Status: agent.Status,
		Online: h.reg.IsAgentConnected(id.String()),
	}
	if agent.LastSeenAt != nil {
		s := agent.LastSeenAt.UTC().String()
		resp.LastPing = &s
	}
	Ok(w, resp)
}

// updateAgentRequest is the JSON body expected by PATCH /api/v1/agents/{id}.
// All fields are optional — only non-nil values are applied.
type updateAgentRequest struct {
	Name *string `json:"name"`
}

// Update handles PATCH /api/v1/agents/{id}.
func (h *AgentHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req updateAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	agent, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get agent for update", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if req.Name != nil {
		if *req.Name == "" {
			ErrBadRequest(w, "name cannot be empty")
			return
		}
		agent.Name = *req.Name
	}

	if err := h.repo.Update(r.Context(), agent); err != nil {
		h.logger.Error("failed to update agent", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, agentToResponse(agent))
}

// Delete handles DELETE /api/v1/agents/{id}. Soft-deletes the agent — the
// record is retained in the database.
func (h *AgentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete agent", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	NoContent(w)
}

// -----------------------------------------------------------------------------
// Shared handler helpers
// -----------------------------------------------------------------------------

// parseUUID extracts and parses a UUID path parameter by name. Writes a 400
// and returns false if the parameter is missing or malformed.
func parseUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, param)
	id, err := uuid.Parse(raw)
	if err != nil {
		ErrBadRequest(w, "invalid "+param+": must be a valid UUID")
		return uuid.UUID{}, false
	}
	return id, true
}

// paginationOpts reads limit and offset query parameters from the request.
// Defaults: limit=20, offset=0. Max limit is capped at 100.
func paginationOpts(r *http.Request) repository.ListOptions {
	limit := 20
	offset := 0

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 100 {
		limit = 100
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return repository.ListOptions{Limit: limit, Offset: offset}
}
