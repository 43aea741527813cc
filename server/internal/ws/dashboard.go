package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetctl/fleetctl/server/internal/broadcast"
	"github.com/fleetctl/fleetctl/server/internal/db"
	"github.com/fleetctl/fleetctl/server/internal/queue"
	"github.com/fleetctl/fleetctl/server/internal/registry"
	"github.com/fleetctl/fleetctl/shared/protocol"
	"github.com/fleetctl/fleetctl/shared/types"
)

// ServeDashboard handles GET /ws/dashboard?token=<jwt>. The client must send
// DASHBOARD_INIT within handshakeTimeout or the connection is closed with
// code 1008, per spec.md §6.
func (h *Handlers) ServeDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token := bearerOrQueryToken(r)
	if token == "" {
		rejectUpgrade(w, r, closePolicyViolation, "missing token")
		return
	}
	subject, err := h.authSvc.Authenticate(ctx, token, r.RemoteAddr)
	if err != nil {
		h.audit.Record(types.AuditEventAuthFailed, "", "", map[string]string{"remote_addr": r.RemoteAddr, "reason": err.Error()})
		rejectUpgrade(w, r, closePolicyViolation, "authentication failed")
		return
	}

	conn, err := broadcast.Upgrade(w, r)
	if err != nil {
		h.logger.Warn("ws: dashboard upgrade failed", zap.Error(err))
		return
	}

	connID := uuid.NewString()
	client := broadcast.NewClient(h.hub, conn, connID, registry.KindDashboard, "", subject.UserID, h.onDashboardInbound, h.logger)

	env, err := client.ReadHandshake(time.Now().Add(handshakeTimeout))
	if err != nil {
		h.logger.Warn("ws: dashboard handshake failed", zap.String("user_id", subject.UserID), zap.Error(err))
		client.CloseWithCode(closePolicyViolation, "handshake timeout or invalid init message")
		return
	}
	if env.Type != protocol.TypeDashboardInit {
		client.CloseWithCode(closePolicyViolation, "first message must be DASHBOARD_INIT")
		return
	}
	var init protocol.DashboardInitPayload
	if err := env.DecodePayload(&init); err != nil {
		client.CloseWithCode(closePolicyViolation, "malformed DASHBOARD_INIT payload")
		return
	}

	subscribeDashboard(client, init.Subscriptions)

	ackEnv, err := protocol.NewEnvelope(protocol.TypeConnectAck, protocol.ConnectAckPayload{ConnectionID: connID})
	if err == nil {
		client.Enqueue(ackEnv)
	}
	sendTokenRefresh(client, subject, h.logger)

	h.audit.Record(types.AuditEventConnectionOpened, subject.UserID, connID, map[string]string{"kind": "dashboard"})
	h.logger.Info("ws: dashboard connected", zap.String("user_id", subject.UserID), zap.String("connection_id", connID))

	client.Run()

	h.audit.Record(types.AuditEventConnectionClosed, subject.UserID, connID, map[string]string{"kind": "dashboard"})
	h.logger.Info("ws: dashboard disconnected", zap.String("user_id", subject.UserID), zap.String("connection_id", connID))
}

// subscribeDashboard translates a DashboardInitPayload's subscription lists
// into concrete topic subscriptions. Each family's entries are agent ids —
// a dashboard watching an agent receives that agent's status, command
// lifecycle, traces, and terminal output together, rather than needing a
// separate subscription per command id it does not yet know about.
func subscribeDashboard(c *broadcast.Client, subs protocol.DashboardSubscriptions) {
	add := func(family string, ids []string) {
		for _, id := range ids {
			if id == "" {
				continue
			}
			c.Subscribe(family + ":" + id)
		}
	}
	add("agents", subs.Agents)
	add("commands", subs.Commands)
	add("traces", subs.Traces)
	add("terminals", subs.Terminals)
}

// onDashboardInbound routes envelopes a dashboard sends after its initial
// handshake: SUBSCRIBE/UNSUBSCRIBE to adjust topics live, COMMAND_CANCEL to
// interrupt a running command, EMERGENCY_STOP to trigger the coordinator.
func (h *Handlers) onDashboardInbound(c *broadcast.Client, env *protocol.Envelope) {
	ctx := context.Background()

	switch env.Type {
	case protocol.TypeCommandRequest:
		var payload protocol.DashboardCommandRequestPayload
		if err := env.DecodePayload(&payload); err != nil {
			h.sendError(c, "VALIDATION_FAILED", "malformed COMMAND_REQUEST payload", true, env.ID)
			return
		}
		h.handleDashboardCommandRequest(ctx, c, payload, env.ID)

	case protocol.TypeSubscribe:
		var subs protocol.DashboardSubscriptions
		if err := env.DecodePayload(&subs); err != nil {
			h.sendError(c, "VALIDATION_FAILED", "malformed SUBSCRIBE payload", true, env.ID)
			return
		}
		subscribeDashboard(c, subs)

	case protocol.TypeUnsubscribe:
		var subs protocol.DashboardSubscriptions
		if err := env.DecodePayload(&subs); err != nil {
			h.sendError(c, "VALIDATION_FAILED", "malformed UNSUBSCRIBE payload", true, env.ID)
			return
		}
		unsubscribeDashboard(c, subs)

	case protocol.TypeCommandCancel:
		var payload protocol.CommandCancelPayload
		if err := env.DecodePayload(&payload); err != nil {
			h.sendError(c, "VALIDATION_FAILED", "malformed COMMAND_CANCEL payload", true, env.ID)
			return
		}
		h.handleDashboardCancel(ctx, c, payload)

	case protocol.TypeEmergencyStop:
		var payload protocol.EmergencyStopPayload
		if err := env.DecodePayload(&payload); err != nil {
			h.sendError(c, "VALIDATION_FAILED", "malformed EMERGENCY_STOP payload", true, env.ID)
			return
		}
		h.emergency.StopAll(ctx, payload.Reason, c.UserID())
		h.audit.Record(types.AuditEventEmergencyStop, c.UserID(), "", map[string]string{"reason": payload.Reason, "scope": "fleet"})

	default:
		h.sendError(c, "VALIDATION_FAILED", "unexpected message type on dashboard connection: "+string(env.Type), true, env.ID)
	}
}

func unsubscribeDashboard(c *broadcast.Client, subs protocol.DashboardSubscriptions) {
	remove := func(family string, ids []string) {
		for _, id := range ids {
			if id == "" {
				continue
			}
			c.Unsubscribe(family + ":" + id)
		}
	}
	remove("agents", subs.Agents)
	remove("commands", subs.Commands)
	remove("traces", subs.Traces)
	remove("terminals", subs.Terminals)
}

// handleDashboardCommandRequest enqueues a command submitted live over the
// dashboard socket, the WebSocket counterpart of
// CommandHandler.Execute — per spec.md's Scenario 1, "Dashboard posts
// COMMAND_REQUEST{...}".
func (h *Handlers) handleDashboardCommandRequest(ctx context.Context, c *broadcast.Client, payload protocol.DashboardCommandRequestPayload, originalMessageID string) {
	agentID, err := uuid.Parse(payload.AgentID)
	if err != nil {
		h.sendError(c, "VALIDATION_FAILED", "invalid agentId", true, originalMessageID)
		return
	}
	if payload.Command == "" {
		h.sendError(c, "VALIDATION_FAILED", "command is required", true, originalMessageID)
		return
	}

	cmd := &db.Command{
		AgentID:     agentID,
		Type:        payload.Command,
		Content:     payload.Args,
		Priority:    queue.ClampPriority(payload.Priority),
		Status:      "pending",
		TimeLimitMs: payload.TimeLimitMs,
		TokenBudget: payload.TokenBudget,
	}
	if uid := c.UserID(); uid != "" {
		cmd.IssuedByUserID = uid
	}
	cmd.ID = uuid.New()

	if err := h.dispatcher.Enqueue(ctx, cmd); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			h.sendError(c, "RESOURCE_EXHAUSTED", "agent command queue is full", true, originalMessageID)
			return
		}
		h.logger.Warn("ws: failed to enqueue dashboard command request", zap.Error(err))
		h.sendError(c, "INTERNAL_ERROR", "failed to enqueue command", true, originalMessageID)
		return
	}
	h.audit.Record(types.AuditEventCommandIssued, c.UserID(), cmd.ID.String(), map[string]string{"agent_id": agentID.String(), "source": "dashboard_ws"})
}

func (h *Handlers) handleDashboardCancel(ctx context.Context, c *broadcast.Client, payload protocol.CommandCancelPayload) {
	commandID, err := uuid.Parse(payload.CommandID)
	if err != nil {
		h.sendError(c, "VALIDATION_FAILED", "invalid commandId", true, "")
		return
	}
	cmd, err := h.commands.GetByID(ctx, commandID)
	if err != nil {
		h.sendError(c, "VALIDATION_FAILED", "unknown commandId", true, "")
		return
	}

	env, err := protocol.NewEnvelope(protocol.TypeCommandCancel, payload)
	if err != nil {
		h.logger.Warn("ws: failed to build COMMAND_CANCEL envelope", zap.Error(err))
		return
	}
	delivered := h.hub.SendToAgent(cmd.AgentID.String(), env)
	if !delivered {
		h.queueCancelAsTerminal(ctx, commandID)
	}
	h.audit.Record(types.AuditEventCommandCancelled, c.UserID(), commandID.String(), map[string]string{"reason": payload.Reason})
}

// queueCancelAsTerminal handles interrupting a command whose agent is not
// currently connected to receive the COMMAND_CANCEL — there is nothing left
// to deliver to, so the command is marked cancelled directly rather than
// left to time out.
func (h *Handlers) queueCancelAsTerminal(ctx context.Context, commandID uuid.UUID) {
	if err := h.commands.UpdateStatus(ctx, commandID, "cancelled", "cancelled while agent disconnected"); err != nil {
		h.logger.Warn("ws: failed to mark disconnected command cancelled", zap.Error(err))
	}
}

// sendError writes an ERROR envelope back to c, matching spec.md §6's error
// payload shape.
func (h *Handlers) sendError(c *broadcast.Client, code, message string, recoverable bool, originalMessageID string) {
	env, err := protocol.NewEnvelope(protocol.TypeError, protocol.ErrorPayload{
		Code:              code,
		Message:           message,
		Recoverable:       recoverable,
		OriginalMessageID: originalMessageID,
	})
	if err != nil {
		h.logger.Warn("ws: failed to build ERROR envelope", zap.Error(err))
		return
	}
	c.Enqueue(env)
}
