// Package dispatch is the Command Dispatcher (C8): it pulls the next
// eligible command off an agent's queue, sends COMMAND_REQUEST, tracks
// in-flight commands, retries transient send failures with backoff, and
// re-dispatches on reconnect.
//
// Grounded on the teacher's server/internal/scheduler/scheduler.go
// dispatch() method (build a payload, hand it to the connection layer,
// handle the not-connected case) and its DispatchPending reconnect-retry
// method, both generalized from the teacher's restic/destination-specific
// payload to this spec's generic Command entity. Retry backoff reuses
// go-co-op/gocron/v2 one-shot delayed jobs exactly as the teacher schedules
// policies.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetctl/fleetctl/server/internal/broadcast"
	"github.com/fleetctl/fleetctl/server/internal/db"
	"github.com/fleetctl/fleetctl/server/internal/metrics"
	"github.com/fleetctl/fleetctl/server/internal/queue"
	"github.com/fleetctl/fleetctl/server/internal/registry"
	"github.com/fleetctl/fleetctl/server/internal/repository"
	"github.com/fleetctl/fleetctl/shared/protocol"
)

// retryBackoffBase and retryBackoffMax bound the exponential backoff applied
// between dispatch attempts when an agent is connected but a send fails.
const (
	retryBackoffBase = 2 * time.Second
	retryBackoffMax  = 2 * time.Minute
	maxAttempts      = 6
)

// Dispatcher wires the queue to live connections.
type Dispatcher struct {
	queue    *queue.Queue
	hub      *broadcast.Hub
	registry *registry.Registry
	commands repository.CommandRepository
	scheduler gocron.Scheduler
	logger   *zap.Logger
}

// New constructs a Dispatcher. sched is a running gocron.Scheduler used only
// for one-shot backoff retries — it is not started or stopped here, the
// caller owns its lifecycle (matching the teacher's main.go wiring).
func New(q *queue.Queue, hub *broadcast.Hub, reg *registry.Registry, commands repository.CommandRepository, sched gocron.Scheduler, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		queue:     q,
		hub:       hub,
		registry:  reg,
		commands:  commands,
		scheduler: sched,
		logger:    logger.Named("dispatch"),
	}
}

// Enqueue persists a new command and pushes it onto its agent's queue, then
// immediately attempts a dispatch so an idle, connected agent does not wait
// for the next external trigger. cmd.ID must already be set by the caller
// (callers create it via uuid.New() the same way the db layer's BeforeCreate
// hook would, since we need the id before the queue push).
func (d *Dispatcher) Enqueue(ctx context.Context, cmd *db.Command) error {
	if err := d.commands.Create(ctx, cmd); err != nil {
		return fmt.Errorf("dispatch: enqueue: create command: %w", err)
	}
	if err := d.queue.Enqueue(ctx, cmd.AgentID, cmd.ID, cmd.Priority); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			_ = d.commands.UpdateStatus(ctx, cmd.ID, "failed", "queue:full")
			return fmt.Errorf("dispatch: enqueue: %w", err)
		}
		return fmt.Errorf("dispatch: enqueue: %w", err)
	}
	if err := d.commands.UpdateStatus(ctx, cmd.ID, "queued", ""); err != nil {
		d.logger.Warn("dispatch: failed to mark command queued", zap.Error(err))
	}
	d.broadcastCommandStatus(cmd.AgentID, cmd.ID, "queued")
	d.Trigger(ctx, cmd.AgentID)
	return nil
}

// broadcastCommandStatus fans a COMMAND_STATUS event out to every dashboard
// subscribed to this agent's or this command's topic, per spec.md's
// Scenario 1 ("command:queued to dash-1") and §4.8's typed-event list.
func (d *Dispatcher) broadcastCommandStatus(agentID, commandID uuid.UUID, status string) {
	env, err := buildCommandStatusEnvelope(agentID, commandID, status)
	if err != nil {
		d.logger.Warn("dispatch: failed to build COMMAND_STATUS envelope", zap.Error(err))
		return
	}
	d.hub.PublishTopic("commands:"+agentID.String(), env)
	d.hub.PublishTopic("commands:all", env)
	d.hub.PublishTopic("agents:"+agentID.String(), env)
	d.hub.PublishTopic("agents:all", env)
}

func buildCommandStatusEnvelope(agentID, commandID uuid.UUID, status string) (*protocol.Envelope, error) {
	return protocol.NewEnvelope(protocol.TypeCommandStatus, protocol.CommandStatusPayload{
		CommandID: commandID.String(),
		AgentID:   agentID.String(),
		Status:    status,
	})
}

// Trigger attempts to dispatch the next queued command for agentID. It is
// called after Enqueue, on agent reconnect, and after a command completes
// (to pull the next one). A no-op if the queue is empty or the agent is not
// connected — in the latter case the command stays queued for the next
// Trigger (typically fired by the reconnect path).
func (d *Dispatcher) Trigger(ctx context.Context, agentID uuid.UUID) {
	if !d.registry.IsAgentConnected(agentID.String()) {
		return
	}

	entry, ok := d.queue.Pop(ctx, agentID)
	if !ok {
		return
	}

	if err := d.send(ctx, agentID, entry.CommandID, 1); err != nil {
		d.logger.Warn("dispatch: send failed, scheduling retry",
			zap.String("command_id", entry.CommandID.String()), zap.Error(err))
		d.scheduleRetry(agentID, entry.CommandID, entry.Priority, 1)
	}
}

func (d *Dispatcher) send(ctx context.Context, agentID, commandID uuid.UUID, attempt int) error {
	cmd, err := d.commands.GetByID(ctx, commandID)
	if err != nil {
		return fmt.Errorf("load command: %w", err)
	}

	payload := protocol.CommandRequestPayload{
		CommandID:    cmd.ID.String(),
		Type:         cmd.Type,
		Content:      cmd.Content,
		Priority:     cmd.Priority,
		TimeLimitMs:  cmd.TimeLimitMs,
		TokenBudget:  cmd.TokenBudget,
		AttemptCount: attempt,
	}
	env, err := protocol.NewEnvelope(protocol.TypeCommandRequest, payload)
	if err != nil {
		return fmt.Errorf("build envelope: %w", err)
	}

	if ok := d.hub.SendToAgent(agentID.String(), env); !ok {
		return fmt.Errorf("agent %s not connected", agentID)
	}
	if attempt == 1 {
		metrics.DispatchLatency.Observe(time.Since(cmd.CreatedAt).Seconds())
	}

	if err := d.commands.MarkDispatched(ctx, commandID, time.Now().UTC()); err != nil {
		d.logger.Warn("dispatch: failed to mark dispatched", zap.Error(err))
	}
	if err := d.commands.IncrementAttempt(ctx, commandID); err != nil {
		d.logger.Warn("dispatch: failed to increment attempt", zap.Error(err))
	}
	return nil
}

func (d *Dispatcher) scheduleRetry(agentID, commandID uuid.UUID, priority, attempt int) {
	if attempt >= maxAttempts {
		d.logger.Error("dispatch: giving up after max attempts",
			zap.String("command_id", commandID.String()), zap.Int("attempt", attempt))
		ctx := context.Background()
		_ = d.commands.UpdateStatus(ctx, commandID, "failed", "exceeded max dispatch attempts")
		return
	}

	delay := backoff(attempt)
	_, err := d.scheduler.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(time.Now().Add(delay))),
		gocron.NewTask(func() {
			ctx := context.Background()
			if !d.registry.IsAgentConnected(agentID.String()) {
				// Still offline — re-queue for the next reconnect-triggered
				// dispatch instead of retrying into the void.
				_ = d.queue.Enqueue(ctx, agentID, commandID, priority)
				return
			}
			if err := d.send(ctx, agentID, commandID, attempt+1); err != nil {
				d.scheduleRetry(agentID, commandID, priority, attempt+1)
			}
		}),
	)
	if err != nil {
		d.logger.Error("dispatch: failed to schedule retry", zap.Error(err))
	}
}

func backoff(attempt int) time.Duration {
	d := retryBackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > retryBackoffMax {
			return retryBackoffMax
		}
	}
	return d
}

// DispatchPending re-delivers every command still in queued/executing state
// for agentID — called when an agent reconnects, matching the teacher's
// DispatchPending method. A command found "executing" from before a restart
// is requeued at its original priority rather than assumed lost, per
// DESIGN.md's resume (not fail) decision for Open Question 1.
func (d *Dispatcher) DispatchPending(ctx context.Context, agentID uuid.UUID) error {
	active, err := d.commands.ListActiveByAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("dispatch: dispatch pending: %w", err)
	}
	for _, cmd := range active {
		if err := d.queue.Enqueue(ctx, agentID, cmd.ID, cmd.Priority); err != nil {
			d.logger.Warn("dispatch: failed to requeue pending command", zap.Error(err))
			continue
		}
	}
	d.Trigger(ctx, agentID)
	return nil
}

// OnAck marks commandID executing once the agent has acknowledged receipt,
// and broadcasts the transition so subscribed dashboards see
// COMMAND_ACK(executing) without polling, per spec.md's Scenario 1.
func (d *Dispatcher) OnAck(ctx context.Context, commandID uuid.UUID) error {
	if err := d.commands.UpdateStatus(ctx, commandID, "executing", ""); err != nil {
		return err
	}
	if cmd, err := d.commands.GetByID(ctx, commandID); err == nil {
		d.broadcastCommandStatus(cmd.AgentID, commandID, "executing")
	} else {
		d.logger.Warn("dispatch: failed to load command for ack broadcast", zap.Error(err))
	}
	return nil
}

// OnComplete records the final status of commandID and triggers the next
// queued command for the same agent.
func (d *Dispatcher) OnComplete(ctx context.Context, agentID, commandID uuid.UUID, status, errMsg string) error {
	if err := d.commands.UpdateStatus(ctx, commandID, status, errMsg); err != nil {
		return fmt.Errorf("dispatch: on complete: %w", err)
	}
	d.Trigger(ctx, agentID)
	return nil
}
