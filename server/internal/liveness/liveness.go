// Package liveness implements the Heartbeat/Liveness component (C6):
// socket-level ping/pong (handled already by broadcast.Client) plus an
// application-level sweep that marks an agent unresponsive once it has
// missed too many application HEARTBEAT messages, even if its TCP socket is
// still technically open.
//
// Grounded on the teacher's websocket/client.go ping/pong constants and
// SetPongHandler wiring (reused verbatim in broadcast.Client) for the
// socket layer; the periodic sweep reuses the teacher's gocron-driven
// periodic-job shape from scheduler/scheduler.go, but scheduled with
// robfig/cron/v3 instead — gocron/v2 is reserved for the dispatcher's
// one-shot backoff retries, so both of the teacher's scheduling
// dependencies get a distinct, non-overlapping home.
package liveness

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/fleetctl/fleetctl/server/internal/broadcast"
	"github.com/fleetctl/fleetctl/server/internal/registry"
	"github.com/fleetctl/fleetctl/server/internal/repository"
	"github.com/fleetctl/fleetctl/shared/protocol"
)

// Config controls the sweep cadence and missed-heartbeat threshold.
type Config struct {
	// SweepSpec is a robfig/cron schedule expression for how often the sweep
	// runs, e.g. "@every 10s".
	SweepSpec string
	// MissedThreshold is how long an agent may go without a heartbeat before
	// it is marked unresponsive.
	MissedThreshold time.Duration
}

func (c Config) normalized() Config {
	if c.SweepSpec == "" {
		c.SweepSpec = "@every 10s"
	}
	if c.MissedThreshold <= 0 {
		c.MissedThreshold = 30 * time.Second
	}
	return c
}

// Monitor tracks the last heartbeat seen from every connected agent and
// periodically sweeps for agents that have gone quiet.
type Monitor struct {
	cfg    Config
	reg    *registry.Registry
	hub    *broadcast.Hub
	agents repository.AgentRepository
	logger *zap.Logger

	mu       sync.RWMutex
	lastSeen map[uuid.UUID]time.Time

	cron *cron.Cron
}

// New constructs a Monitor.
func New(cfg Config, reg *registry.Registry, hub *broadcast.Hub, agents repository.AgentRepository, logger *zap.Logger) *Monitor {
	return &Monitor{
		cfg:      cfg.normalized(),
		reg:      reg,
		hub:      hub,
		agents:   agents,
		logger:   logger.Named("liveness"),
		lastSeen: make(map[uuid.UUID]time.Time),
	}
}

// Touch records a heartbeat from agentID at time at, persists the
// heartbeat timestamp, and marks the agent online if it was not already.
func (m *Monitor) Touch(ctx context.Context, agentID uuid.UUID, at time.Time) {
	m.mu.Lock()
	_, wasTracked := m.lastSeen[agentID]
	m.lastSeen[agentID] = at
	m.mu.Unlock()

	if err := m.agents.UpdateHeartbeat(ctx, agentID, at); err != nil {
		m.logger.Warn("liveness: failed to persist heartbeat", zap.String("agent_id", agentID.String()), zap.Error(err))
	}
	if !wasTracked {
		m.markStatus(ctx, agentID, "online")
	}
}

// Forget removes agentID from tracking, called on clean disconnect so a
// departed agent is not swept and re-marked unresponsive after it has
// already been marked offline by the connection-close handler.
func (m *Monitor) Forget(agentID uuid.UUID) {
	m.mu.Lock()
	delete(m.lastSeen, agentID)
	m.mu.Unlock()
}

// Start schedules the periodic sweep and runs it until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) error {
	m.cron = cron.New()
	_, err := m.cron.AddFunc(m.cfg.SweepSpec, func() { m.sweep(context.Background()) })
	if err != nil {
		return err
	}
	m.cron.Start()

	go func() {
		<-ctx.Done()
		<-m.cron.Stop().Done()
	}()
	return nil
}

// sweep marks every tracked, connected agent whose last heartbeat exceeds
// MissedThreshold as unresponsive, closes its connection, and broadcasts
// AGENT_STATUS to subscribed dashboards.
func (m *Monitor) sweep(ctx context.Context) {
	now := time.Now()
	var stale []uuid.UUID

	m.mu.RLock()
	for agentID, last := range m.lastSeen {
		if now.Sub(last) > m.cfg.MissedThreshold {
			stale = append(stale, agentID)
		}
	}
	m.mu.RUnlock()

	for _, agentID := range stale {
		m.mu.Lock()
		delete(m.lastSeen, agentID)
		m.mu.Unlock()

		m.logger.Warn("liveness: agent missed heartbeat threshold, marking unresponsive", zap.String("agent_id", agentID.String()))
		m.markStatus(ctx, agentID, "unresponsive")

		if conn, ok := m.reg.ByAgentID(agentID.String()); ok {
			conn.Close("missed heartbeat threshold")
		}
	}
}

func (m *Monitor) markStatus(ctx context.Context, agentID uuid.UUID, status string) {
	if err := m.agents.UpdateStatus(ctx, agentID, status, time.Now().UTC()); err != nil {
		m.logger.Warn("liveness: failed to update agent status", zap.String("agent_id", agentID.String()), zap.Error(err))
	}

	env, err := protocol.NewEnvelope(protocol.TypeAgentStatus, protocol.AgentStatusPayload{AgentID: agentID.String(), Status: status})
	if err != nil {
		m.logger.Warn("liveness: failed to build status envelope", zap.Error(err))
		return
	}
	m.hub.PublishTopic("agents:"+agentID.String(), env)
	m.hub.PublishTopic("agents:all", env)
}
