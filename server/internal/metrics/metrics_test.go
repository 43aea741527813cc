package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetctl/fleetctl/server/internal/broadcast"
	"github.com/fleetctl/fleetctl/server/internal/db"
	"github.com/fleetctl/fleetctl/server/internal/queue"
	"github.com/fleetctl/fleetctl/server/internal/registry"
)

// fakeSnapshots is an in-memory stand-in for repository.QueueSnapshotRepository,
// matching the fake used in the queue package's own tests.
type fakeSnapshots struct {
	rows map[uuid.UUID]db.QueueSnapshot
}

func newFakeSnapshots() *fakeSnapshots {
	return &fakeSnapshots{rows: make(map[uuid.UUID]db.QueueSnapshot)}
}

func (f *fakeSnapshots) Put(_ context.Context, s *db.QueueSnapshot) error {
	f.rows[s.CommandID] = *s
	return nil
}
func (f *fakeSnapshots) Delete(_ context.Context, commandID uuid.UUID) error {
	delete(f.rows, commandID)
	return nil
}
func (f *fakeSnapshots) ListByAgent(_ context.Context, agentID uuid.UUID) ([]db.QueueSnapshot, error) {
	var out []db.QueueSnapshot
	for _, s := range f.rows {
		if s.AgentID == agentID {
			out = append(out, s)
		}
	}
	return out, nil
}
func (f *fakeSnapshots) ListAll(_ context.Context) ([]db.QueueSnapshot, error) {
	var out []db.QueueSnapshot
	for _, s := range f.rows {
		out = append(out, s)
	}
	return out, nil
}

func TestCollectorSamplesRegistryQueueAndHub(t *testing.T) {
	reg := registry.New()
	q := queue.New(newFakeSnapshots(), zap.NewNop())
	hub := broadcast.NewHub(reg)

	agent := uuid.New()
	require.NoError(t, q.Enqueue(context.Background(), agent, uuid.New(), 0))
	require.NoError(t, q.Enqueue(context.Background(), agent, uuid.New(), 0))

	c := NewCollector(reg, q, hub, time.Millisecond)
	c.sample()

	require.Equal(t, float64(0), testutil.ToFloat64(connectedAgents))
	require.Equal(t, float64(2), testutil.ToFloat64(queueDepth))
	require.Equal(t, float64(0), testutil.ToFloat64(broadcastDropped))
}

func TestCollectorDefaultsIntervalWhenNonPositive(t *testing.T) {
	reg := registry.New()
	q := queue.New(newFakeSnapshots(), zap.NewNop())
	hub := broadcast.NewHub(reg)

	c := NewCollector(reg, q, hub, 0)
	require.Equal(t, 5*time.Second, c.interval)
}

func TestCollectorRunStopsOnContextCancel(t *testing.T) {
	reg := registry.New()
	q := queue.New(newFakeSnapshots(), zap.NewNop())
	hub := broadcast.NewHub(reg)
	c := NewCollector(reg, q, hub, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
