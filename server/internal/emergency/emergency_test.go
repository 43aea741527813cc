package emergency

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetctl/fleetctl/server/internal/broadcast"
	"github.com/fleetctl/fleetctl/server/internal/db"
	"github.com/fleetctl/fleetctl/server/internal/queue"
	"github.com/fleetctl/fleetctl/server/internal/registry"
	"github.com/fleetctl/fleetctl/server/internal/repository"
)

type fakeCommands struct {
	rows map[uuid.UUID]*db.Command
}

func newFakeCommands() *fakeCommands { return &fakeCommands{rows: make(map[uuid.UUID]*db.Command)} }

func (f *fakeCommands) Create(_ context.Context, cmd *db.Command) error {
	if cmd.ID == (uuid.UUID{}) {
		cmd.ID = uuid.New()
	}
	cp := *cmd
	f.rows[cmd.ID] = &cp
	return nil
}
func (f *fakeCommands) GetByID(_ context.Context, id uuid.UUID) (*db.Command, error) {
	cmd, ok := f.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *cmd
	return &cp, nil
}
func (f *fakeCommands) Update(_ context.Context, cmd *db.Command) error {
	cp := *cmd
	f.rows[cmd.ID] = &cp
	return nil
}
func (f *fakeCommands) UpdateStatus(_ context.Context, id uuid.UUID, status, errMsg string) error {
	cmd, ok := f.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	cmd.Status = status
	cmd.Error = errMsg
	return nil
}
func (f *fakeCommands) MarkDispatched(_ context.Context, id uuid.UUID, at time.Time) error {
	cmd := f.rows[id]
	cmd.DispatchedAt = &at
	return nil
}
func (f *fakeCommands) IncrementAttempt(_ context.Context, id uuid.UUID) error {
	f.rows[id].AttemptCount++
	return nil
}
func (f *fakeCommands) ListByAgent(_ context.Context, agentID uuid.UUID, _ repository.ListOptions) ([]db.Command, int64, error) {
	var out []db.Command
	for _, cmd := range f.rows {
		if cmd.AgentID == agentID {
			out = append(out, *cmd)
		}
	}
	return out, int64(len(out)), nil
}
func (f *fakeCommands) ListActiveByAgent(_ context.Context, agentID uuid.UUID) ([]db.Command, error) {
	var out []db.Command
	for _, cmd := range f.rows {
		if cmd.AgentID == agentID && (cmd.Status == "queued" || cmd.Status == "executing") {
			out = append(out, *cmd)
		}
	}
	return out, nil
}

type fakeSnapshots struct {
	rows map[uuid.UUID]db.QueueSnapshot
}

func newFakeSnapshots() *fakeSnapshots { return &fakeSnapshots{rows: make(map[uuid.UUID]db.QueueSnapshot)} }
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

func TestStopAgentCancelsQueuedAndExecuting(t *testing.T) {
	ctx := context.Background()
	reg := registry.New()
	hub := broadcast.NewHub(reg)
	q := queue.New(newFakeSnapshots(), zap.NewNop())
	cmds := newFakeCommands()
	coord := New(q, hub, reg, cmds, zap.NewNop())

	agent := uuid.New()
	queued := &db.Command{ID: uuid.New(), AgentID: agent, Status: "queued", Type: "shell", Content: "x", Priority: 10}
	executing := &db.Command{ID: uuid.New(), AgentID: agent, Status: "executing", Type: "shell", Content: "y", Priority: 10}
	require.NoError(t, cmds.Create(ctx, queued))
	require.NoError(t, cmds.Create(ctx, executing))
	require.NoError(t, q.Enqueue(ctx, agent, queued.ID, 10))

	res, err := coord.StopAgent(ctx, agent, "operator requested stop", "user-1")
	require.NoError(t, err)
	require.Equal(t, 1, res.QueuedCancelled)
	require.True(t, res.ExecutingCancelled)
	require.False(t, res.AgentNotified) // no live connection in this test

	q1, err := cmds.GetByID(ctx, queued.ID)
	require.NoError(t, err)
	require.Equal(t, "cancelled", q1.Status)

	q2, err := cmds.GetByID(ctx, executing.ID)
	require.NoError(t, err)
	require.Equal(t, "cancelled", q2.Status)

	require.Equal(t, 0, q.Depth(agent))
}

func TestStopAllSkipsUnparseableAgentIDs(t *testing.T) {
	ctx := context.Background()
	reg := registry.New()
	hub := broadcast.NewHub(reg)
	q := queue.New(newFakeSnapshots(), zap.NewNop())
	cmds := newFakeCommands()
	coord := New(q, hub, reg, cmds, zap.NewNop())

	// The only connected agent has an id that is not a UUID — StopAll skips
	// it and returns an empty, non-nil result set without error.
	reg.Register(broadcast.NewClient(hub, nil, "conn-1", registry.KindAgent, "not-a-uuid", "", nil, zap.NewNop()))
	results := coord.StopAll(ctx, "fleet-wide drill", "user-1")
	require.Empty(t, results)
}
