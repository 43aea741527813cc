// Package emergency implements the Emergency-Stop Coordinator (C10): the
// fleet-wide panic button. Stopping an agent cancels every command still
// waiting in its queue, marks its in-flight command cancelled, and pushes an
// EMERGENCY_STOP envelope to the agent so it can abort whatever it is
// currently running.
//
// No direct teacher equivalent exists — the teacher has no concept of
// interrupting a running backup job mid-flight. The snapshot-under-a-short-
// critical-section shape is grounded on broadcast.Hub.Publish's own
// copy-then-act-outside-the-lock idiom; the cancellation plumbing composes
// the already-built queue and broadcast packages rather than introducing new
// locking of its own.
package emergency

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetctl/fleetctl/server/internal/broadcast"
	"github.com/fleetctl/fleetctl/server/internal/queue"
	"github.com/fleetctl/fleetctl/server/internal/registry"
	"github.com/fleetctl/fleetctl/server/internal/repository"
	"github.com/fleetctl/fleetctl/shared/protocol"
)

// Result reports what an emergency stop affected.
type Result struct {
	AgentID            uuid.UUID
	QueuedCancelled    int
	ExecutingCancelled bool
	AgentNotified      bool
}

// Coordinator ties the queue, broadcaster, and command repository together
// to implement a fleet-wide or per-agent emergency stop.
type Coordinator struct {
	queue    *queue.Queue
	hub      *broadcast.Hub
	reg      *registry.Registry
	commands repository.CommandRepository
	logger   *zap.Logger
}

// New constructs a Coordinator.
func New(q *queue.Queue, hub *broadcast.Hub, reg *registry.Registry, commands repository.CommandRepository, logger *zap.Logger) *Coordinator {
	return &Coordinator{queue: q, hub: hub, reg: reg, commands: commands, logger: logger.Named("emergency")}
}

// StopAgent cancels every queued command for agentID, marks its executing
// command (if any) cancelled, and broadcasts EMERGENCY_STOP to the agent's
// live connection.
func (c *Coordinator) StopAgent(ctx context.Context, agentID uuid.UUID, reason, issuedByUserID string) (Result, error) {
	res := Result{AgentID: agentID}

	active, err := c.commands.ListActiveByAgent(ctx, agentID)
	if err != nil {
		return res, fmt.Errorf("emergency: stop agent: list active: %w", err)
	}

	for _, cmd := range active {
		if c.queue.Remove(ctx, agentID, cmd.ID) {
			res.QueuedCancelled++
		} else if cmd.Status == "executing" {
			res.ExecutingCancelled = true
		}
		if err := c.commands.UpdateStatus(ctx, cmd.ID, "cancelled", "cancelled by emergency stop"); err != nil {
			c.logger.Warn("emergency: failed to mark command cancelled",
				zap.String("command_id", cmd.ID.String()), zap.Error(err))
		}
	}

	payload := protocol.EmergencyStopPayload{Reason: reason, IssuedByUserID: issuedByUserID, IssuedAt: time.Now().UTC()}
	env, err := protocol.NewEnvelope(protocol.TypeEmergencyStop, payload)
	if err != nil {
		return res, fmt.Errorf("emergency: stop agent: build envelope: %w", err)
	}
	res.AgentNotified = c.hub.SendToAgent(agentID.String(), env)

	c.logger.Warn("emergency: agent stopped",
		zap.String("agent_id", agentID.String()),
		zap.String("reason", reason),
		zap.String("issued_by", issuedByUserID),
		zap.Int("queued_cancelled", res.QueuedCancelled),
		zap.Bool("executing_cancelled", res.ExecutingCancelled),
		zap.Bool("agent_notified", res.AgentNotified))

	return res, nil
}

// StopAll stops every connected agent, matching spec.md's fleet-wide
// emergency-stop requirement. Errors for individual agents are logged, not
// returned — one unreachable agent must never prevent the rest of the fleet
// from being stopped.
func (c *Coordinator) StopAll(ctx context.Context, reason, issuedByUserID string) []Result {
	conns := c.reg.AllAgents()
	results := make([]Result, 0, len(conns))

	for _, conn := range conns {
		agentID, err := uuid.Parse(conn.AgentID())
		if err != nil {
			c.logger.Warn("emergency: skipping connection with unparseable agent id", zap.String("raw", conn.AgentID()))
			continue
		}
		res, err := c.StopAgent(ctx, agentID, reason, issuedByUserID)
		if err != nil {
			c.logger.Error("emergency: failed to stop agent during fleet-wide stop",
				zap.String("agent_id", agentID.String()), zap.Error(err))
			continue
		}
		results = append(results, res)
	}
	return results
}
