package liveness

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetctl/fleetctl/server/internal/broadcast"
	"github.com/fleetctl/fleetctl/server/internal/db"
	"github.com/fleetctl/fleetctl/server/internal/registry"
	"github.com/fleetctl/fleetctl/server/internal/repository"
)

type fakeAgents struct {
	mu       sync.Mutex
	statuses map[uuid.UUID]string
	heartbeats map[uuid.UUID]time.Time
}

func newFakeAgents() *fakeAgents {
	return &fakeAgents{statuses: make(map[uuid.UUID]string), heartbeats: make(map[uuid.UUID]time.Time)}
}

func (f *fakeAgents) Create(_ context.Context, _ *db.Agent) error { return nil }
func (f *fakeAgents) GetByID(_ context.Context, _ uuid.UUID) (*db.Agent, error) { return nil, nil }
func (f *fakeAgents) Update(_ context.Context, _ *db.Agent) error { return nil }
func (f *fakeAgents) UpdateStatus(_ context.Context, id uuid.UUID, status string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
	return nil
}
func (f *fakeAgents) UpdateHeartbeat(_ context.Context, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats[id] = at
	return nil
}
func (f *fakeAgents) Delete(_ context.Context, _ uuid.UUID) error { return nil }
func (f *fakeAgents) List(_ context.Context, _ repository.ListOptions) ([]db.Agent, int64, error) {
	return nil, 0, nil
}

func (f *fakeAgents) statusOf(id uuid.UUID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[id]
}

func TestTouchMarksOnlineOnFirstHeartbeat(t *testing.T) {
	ctx := context.Background()
	reg := registry.New()
	hub := broadcast.NewHub(reg)
	agents := newFakeAgents()
	mon := New(Config{}, reg, hub, agents, zap.NewNop())

	agentID := uuid.New()
	mon.Touch(ctx, agentID, time.Now())

	require.Equal(t, "online", agents.statusOf(agentID))
}

func TestSweepMarksUnresponsiveAfterThreshold(t *testing.T) {
	ctx := context.Background()
	reg := registry.New()
	hub := broadcast.NewHub(reg)
	agents := newFakeAgents()
	mon := New(Config{MissedThreshold: 10 * time.Millisecond}, reg, hub, agents, zap.NewNop())

	agentID := uuid.New()
	mon.Touch(ctx, agentID, time.Now().Add(-time.Second))

	mon.sweep(ctx)

	require.Equal(t, "unresponsive", agents.statusOf(agentID))
	mon.mu.RLock()
	_, stillTracked := mon.lastSeen[agentID]
	mon.mu.RUnlock()
	require.False(t, stillTracked)
}

func TestForgetStopsTrackingAgent(t *testing.T) {
	ctx := context.Background()
	reg := registry.New()
	hub := broadcast.NewHub(reg)
	agents := newFakeAgents()
	mon := New(Config{MissedThreshold: 10 * time.Millisecond}, reg, hub, agents, zap.NewNop())

	agentID := uuid.New()
	mon.Touch(ctx, agentID, time.Now().Add(-time.Second))
	mon.Forget(agentID)

	mon.sweep(ctx)

	require.Empty(t, agents.statusOf(agentID))
}
