package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetctl/fleetctl/server/internal/broadcast"
	"github.com/fleetctl/fleetctl/server/internal/db"
	"github.com/fleetctl/fleetctl/server/internal/registry"
	"github.com/fleetctl/fleetctl/shared/protocol"
	"github.com/fleetctl/fleetctl/shared/types"
)

// ServeAgent handles GET /ws/agent?token=<jwt>&agentId=<id>. The agent must
// send AGENT_CONNECT within handshakeTimeout or the connection is closed
// with code 1008, per spec.md §6.
func (h *Handlers) ServeAgent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	agentIDRaw := r.URL.Query().Get("agentId")
	agentID, err := uuid.Parse(agentIDRaw)
	if err != nil {
		rejectUpgrade(w, r, closePolicyViolation, "missing or invalid agentId")
		return
	}

	token := bearerOrQueryToken(r)
	if token == "" {
		rejectUpgrade(w, r, closePolicyViolation, "missing token")
		return
	}
	subject, err := h.authSvc.Authenticate(ctx, token, agentIDRaw)
	if err != nil {
		h.audit.Record(types.AuditEventAuthFailed, agentID.String(), "", map[string]string{"remote_addr": r.RemoteAddr, "reason": err.Error()})
		rejectUpgrade(w, r, closePolicyViolation, "authentication failed")
		return
	}

	conn, err := broadcast.Upgrade(w, r)
	if err != nil {
		h.logger.Warn("ws: agent upgrade failed", zap.Error(err))
		return
	}

	connID := uuid.NewString()
	client := broadcast.NewClient(h.hub, conn, connID, registry.KindAgent, agentID.String(), "", h.onAgentInbound, h.logger)

	env, err := client.ReadHandshake(time.Now().Add(handshakeTimeout))
	if err != nil {
		h.logger.Warn("ws: agent handshake failed", zap.String("agent_id", agentID.String()), zap.Error(err))
		client.CloseWithCode(closePolicyViolation, "handshake timeout or invalid init message")
		return
	}
	if env.Type != protocol.TypeAgentConnect {
		client.CloseWithCode(closePolicyViolation, "first message must be AGENT_CONNECT")
		return
	}
	var handshake protocol.AgentConnectPayload
	if err := env.DecodePayload(&handshake); err != nil {
		client.CloseWithCode(closePolicyViolation, "malformed AGENT_CONNECT payload")
		return
	}
	if handshake.AgentID != "" && handshake.AgentID != agentID.String() {
		client.CloseWithCode(closePolicyViolation, "agentId mismatch between query and handshake payload")
		return
	}

	h.updateAgentMetadata(ctx, agentID, handshake)

	ackEnv, err := protocol.NewEnvelope(protocol.TypeConnectAck, protocol.ConnectAckPayload{ConnectionID: connID})
	if err == nil {
		client.Enqueue(ackEnv)
	}
	sendTokenRefresh(client, subject, h.logger)

	h.liveness.Touch(ctx, agentID, time.Now())
	h.audit.Record(types.AuditEventConnectionOpened, agentID.String(), connID, map[string]string{"kind": "agent", "version": handshake.Version})
	h.logger.Info("ws: agent connected", zap.String("agent_id", agentID.String()), zap.String("connection_id", connID))

	if err := h.dispatcher.DispatchPending(ctx, agentID); err != nil {
		h.logger.Warn("ws: failed to dispatch pending commands on connect", zap.String("agent_id", agentID.String()), zap.Error(err))
	}

	client.Run()

	h.liveness.Forget(agentID)
	h.audit.Record(types.AuditEventConnectionClosed, agentID.String(), connID, map[string]string{"kind": "agent"})
	h.logger.Info("ws: agent disconnected", zap.String("agent_id", agentID.String()), zap.String("connection_id", connID))
}

// updateAgentMetadata records the version and capability tags an agent
// reports at connect time, leaving the rest of its record untouched.
func (h *Handlers) updateAgentMetadata(ctx context.Context, agentID uuid.UUID, handshake protocol.AgentConnectPayload) {
	existing, err := h.agents.GetByID(ctx, agentID)
	if err != nil {
		h.logger.Debug("ws: agent metadata update skipped, unknown agent", zap.String("agent_id", agentID.String()), zap.Error(err))
		return
	}
	existing.Version = handshake.Version
	existing.Capabilities = marshalCapabilities(handshake.Capabilities)
	if err := h.agents.Update(ctx, existing); err != nil {
		h.logger.Warn("ws: failed to persist agent metadata", zap.String("agent_id", agentID.String()), zap.Error(err))
	}
}

func marshalCapabilities(caps []string) string {
	if len(caps) == 0 {
		return "[]"
	}
	out := "["
	for i, c := range caps {
		if i > 0 {
			out += ","
		}
		out += `"` + c + `"`
	}
	return out + "]"
}

// onAgentInbound routes envelopes an agent sends: heartbeats, command
// lifecycle acks, streamed output, trace events, and investigation reports.
func (h *Handlers) onAgentInbound(c *broadcast.Client, env *protocol.Envelope) {
	ctx := context.Background()
	agentID, err := uuid.Parse(c.AgentID())
	if err != nil {
		return
	}

	switch env.Type {
	case protocol.TypeAgentHeartbeat:
		h.liveness.Touch(ctx, agentID, time.Now())
		ackEnv, err := protocol.NewEnvelope(protocol.TypeServerHeartbeat, protocol.ServerHeartbeatPayload{ServerTime: time.Now().UTC()})
		if err == nil {
			c.Enqueue(ackEnv)
		}

	case protocol.TypeCommandAck:
		var payload protocol.CommandAckPayload
		if err := env.DecodePayload(&payload); err != nil {
			return
		}
		commandID, err := uuid.Parse(payload.CommandID)
		if err != nil {
			return
		}
		if err := h.dispatcher.OnAck(ctx, commandID); err != nil {
			h.logger.Warn("ws: failed to record command ack", zap.Error(err))
		}

	case protocol.TypeCommandComplete:
		var payload protocol.CommandCompletePayload
		if err := env.DecodePayload(&payload); err != nil {
			return
		}
		commandID, err := uuid.Parse(payload.CommandID)
		if err != nil {
			return
		}
		if err := h.dispatcher.OnComplete(ctx, agentID, commandID, payload.Status, payload.Error); err != nil {
			h.logger.Warn("ws: failed to record command complete", zap.Error(err))
		}
		h.audit.Record(types.AuditEventCommandCompleted, agentID.String(), commandID.String(), map[string]string{"status": payload.Status})
		h.publishToAgentTopics(agentID, "commands", protocol.TypeCommandComplete, payload)

	case protocol.TypeTerminalOutput:
		var payload protocol.TerminalOutputPayload
		if err := env.DecodePayload(&payload); err != nil {
			return
		}
		h.handleTerminalOutput(ctx, agentID, payload)

	case protocol.TypeTraceEvent:
		var payload protocol.TraceEventPayload
		if err := env.DecodePayload(&payload); err != nil {
			return
		}
		h.handleTraceEvent(ctx, agentID, payload)

	case protocol.TypeInvestigationReport:
		var payload protocol.InvestigationReportPayload
		if err := env.DecodePayload(&payload); err != nil {
			return
		}
		h.handleInvestigationReport(ctx, agentID, payload)

	default:
		h.sendError(c, "VALIDATION_FAILED", "unexpected message type on agent connection: "+string(env.Type), true, env.ID)
	}
}

func (h *Handlers) handleTerminalOutput(ctx context.Context, agentID uuid.UUID, payload protocol.TerminalOutputPayload) {
	commandID, err := uuid.Parse(payload.CommandID)
	if err != nil {
		return
	}
	if err := h.streams.AppendOutput(ctx, &db.TerminalOutput{
		CommandID: commandID,
		AgentID:   agentID,
		Stream:    payload.Stream,
		Sequence:  payload.Sequence,
		Chunk:     payload.Chunk,
	}); err != nil {
		h.logger.Warn("ws: failed to persist terminal output", zap.Error(err))
	}
	h.publishToAgentTopics(agentID, "terminals", protocol.TypeTerminalStream, payload)
}

func (h *Handlers) handleTraceEvent(ctx context.Context, agentID uuid.UUID, payload protocol.TraceEventPayload) {
	commandID, err := uuid.Parse(payload.CommandID)
	if err != nil {
		return
	}
	details, marshalErr := marshalJSON(payload.Details)
	if marshalErr != nil {
		details = "{}"
	}
	if err := h.streams.AppendTrace(ctx, &db.TraceEntry{
		CommandID: commandID,
		AgentID:   agentID,
		Sequence:  payload.Sequence,
		Kind:      payload.Kind,
		Details:   details,
	}); err != nil {
		h.logger.Warn("ws: failed to persist trace entry", zap.Error(err))
	}
	h.publishToAgentTopics(agentID, "traces", protocol.TypeTraceUpdate, payload)
}

func (h *Handlers) handleInvestigationReport(ctx context.Context, agentID uuid.UUID, payload protocol.InvestigationReportPayload) {
	commandID, err := uuid.Parse(payload.CommandID)
	if err != nil {
		return
	}
	details, marshalErr := marshalJSON(payload.Details)
	if marshalErr != nil {
		details = "{}"
	}
	if err := h.reports.Create(ctx, &db.InvestigationReport{
		AgentID:   agentID,
		CommandID: commandID,
		Summary:   payload.Summary,
		Details:   details,
	}); err != nil {
		h.logger.Warn("ws: failed to persist investigation report", zap.Error(err))
	}
	h.publishToAgentTopics(agentID, "commands", protocol.TypeInvestigationReport, payload)
}

// publishToAgentTopics fans payload out to every dashboard subscribed to
// family:<agentID> or family:all.
func (h *Handlers) publishToAgentTopics(agentID uuid.UUID, family string, typ protocol.MessageType, payload any) {
	env, err := protocol.NewEnvelope(typ, payload)
	if err != nil {
		h.logger.Warn("ws: failed to build broadcast envelope", zap.Error(err))
		return
	}
	h.hub.PublishTopic(family+":"+agentID.String(), env)
	h.hub.PublishTopic(family+":all", env)
}
