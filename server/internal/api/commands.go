package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetctl/fleetctl/server/internal/db"
	"github.com/fleetctl/fleetctl/server/internal/dispatch"
	"github.com/fleetctl/fleetctl/server/internal/queue"
	"github.com/fleetctl/fleetctl/server/internal/repository"
)

// CommandHandler groups the command-execution and history HTTP handlers —
// the REST-side entry point into the same dispatcher the dashboard
// WebSocket's COMMAND_REQUEST path uses, per spec.md §6's
// "server-initiated command enqueue path".
type CommandHandler struct {
	commands   repository.CommandRepository
	dispatcher *dispatch.Dispatcher
	logger     *zap.Logger
}

// NewCommandHandler creates a new CommandHandler.
func NewCommandHandler(commands repository.CommandRepository, dispatcher *dispatch.Dispatcher, logger *zap.Logger) *CommandHandler {
	return &CommandHandler{commands: commands, dispatcher: dispatcher, logger: logger.Named("command_handler")}
}

// executeRequest is the JSON body expected by POST /api/v1/agents/{id}/execute.
type executeRequest struct {
	Command     string `json:"command"`
	Args        string `json:"args"`
	Priority    *int   `json:"priority"`
	TimeLimitMs int64  `json:"time_limit_ms"`
	TokenBudget int64  `json:"token_budget"`
}

type commandResponse struct {
	ID           string `json:"id"`
	AgentID      string `json:"agent_id"`
	Type         string `json:"type"`
	Content      string `json:"content"`
	Priority     int    `json:"priority"`
	Status       string `json:"status"`
	AttemptCount int    `json:"attempt_count"`
	CreatedAt    string `json:"created_at"`
}

func commandToResponse(c *db.Command) commandResponse {
	return commandResponse{
		ID:           c.ID.String(),
		AgentID:      c.AgentID.String(),
		Type:         c.Type,
		Content:      c.Content,
		Priority:     c.Priority,
		Status:       c.Status,
		AttemptCount: c.AttemptCount,
		CreatedAt:    c.CreatedAt.UTC().String(),
	}
}

// Execute handles POST /api/v1/agents/{id}/execute: enqueues a command for
// agentID and immediately attempts dispatch if the agent is connected.
// Requires auth.CapCommandIssue, enforced at the route level.
func (h *CommandHandler) Execute(w http.ResponseWriter, r *http.Request) {
	agentID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req executeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Command == "" {
		ErrBadRequest(w, "command is required")
		return
	}

	priority := 10
	if req.Priority != nil {
		// Out-of-range priorities are clamped rather than rejected, per
		// spec.md §4.7.
		priority = queue.ClampPriority(*req.Priority)
	}

	subject := subjectFromCtx(r.Context())
	cmd := &db.Command{
		AgentID:     agentID,
		Type:        req.Command,
		Content:     req.Args,
		Priority:    priority,
		Status:      "pending",
		TimeLimitMs: req.TimeLimitMs,
		TokenBudget: req.TokenBudget,
	}
	if subject != nil {
		cmd.IssuedByUserID = subject.UserID
	}
	cmd.ID = uuid.New()

	if err := h.dispatcher.Enqueue(r.Context(), cmd); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			ErrResourceExhausted(w, "agent command queue is full")
			return
		}
		h.logger.Error("failed to enqueue command", zap.String("agent_id", agentID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, commandToResponse(cmd))
}

// listCommandsResponse wraps a paginated list of commands for one agent.
type listCommandsResponse struct {
	Items []commandResponse `json:"items"`
	Total int64             `json:"total"`
}

// ListByAgent handles GET /api/v1/agents/{id}/commands.
func (h *CommandHandler) ListByAgent(w http.ResponseWriter, r *http.Request) {
	agentID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	opts := paginationOpts(r)
	commands, total, err := h.commands.ListByAgent(r.Context(), agentID, opts)
	if err != nil {
		h.logger.Error("failed to list commands", zap.String("agent_id", agentID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]commandResponse, len(commands))
	for i := range commands {
		items[i] = commandToResponse(&commands[i])
	}
	Ok(w, listCommandsResponse{Items: items, Total: total})
}

// GetByID handles GET /api/v1/commands/{id}.
func (h *CommandHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	cmd, err := h.commands.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get command", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, commandToResponse(cmd))
}
