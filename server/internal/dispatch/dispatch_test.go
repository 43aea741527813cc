package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetctl/fleetctl/server/internal/broadcast"
	"github.com/fleetctl/fleetctl/server/internal/db"
	"github.com/fleetctl/fleetctl/server/internal/queue"
	"github.com/fleetctl/fleetctl/server/internal/registry"
	"github.com/fleetctl/fleetctl/server/internal/repository"
	"github.com/fleetctl/fleetctl/shared/protocol"
)

// fakeCommands is an in-memory stand-in for repository.CommandRepository.
type fakeCommands struct {
	rows map[uuid.UUID]*db.Command
}

func newFakeCommands() *fakeCommands {
	return &fakeCommands{rows: make(map[uuid.UUID]*db.Command)}
}

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
	if _, ok := f.rows[cmd.ID]; !ok {
		return repository.ErrNotFound
	}
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
	cmd, ok := f.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	cmd.Status = "executing"
	cmd.DispatchedAt = &at
	return nil
}

func (f *fakeCommands) IncrementAttempt(_ context.Context, id uuid.UUID) error {
	cmd, ok := f.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	cmd.AttemptCount++
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

// fakeSnapshots is the same in-memory stand-in used by the queue package's
// own tests, duplicated here to keep this package's tests self-contained.
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

func newTestDispatcher(t *testing.T) (*Dispatcher, *registry.Registry, *fakeCommands, *broadcast.Hub) {
	t.Helper()
	reg := registry.New()
	hub := broadcast.NewHub(reg)
	q := queue.New(newFakeSnapshots(), zap.NewNop())
	cmds := newFakeCommands()
	sched, err := gocron.NewScheduler()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sched.Shutdown() })

	return New(q, hub, reg, cmds, sched, zap.NewNop()), reg, cmds, hub
}

func TestEnqueuePersistsAndQueuesWhenAgentOffline(t *testing.T) {
	ctx := context.Background()
	d, _, cmds, _ := newTestDispatcher(t)
	agent := uuid.New()

	cmd := &db.Command{AgentID: agent, Type: "shell", Content: "echo hi", Priority: 10}
	require.NoError(t, d.Enqueue(ctx, cmd))

	stored, err := cmds.GetByID(ctx, cmd.ID)
	require.NoError(t, err)
	require.Equal(t, "queued", stored.Status)

	require.Equal(t, 1, d.queue.Depth(agent))
}

func TestTriggerIsNoopWhenAgentNotConnected(t *testing.T) {
	ctx := context.Background()
	d, _, _, _ := newTestDispatcher(t)
	agent := uuid.New()

	require.NoError(t, d.queue.Enqueue(ctx, agent, uuid.New(), 10))
	d.Trigger(ctx, agent)

	// Agent was never connected, so Trigger must not have popped the entry.
	require.Equal(t, 1, d.queue.Depth(agent))
}

func TestDispatchPendingRequeuesActiveCommands(t *testing.T) {
	ctx := context.Background()
	d, _, cmds, _ := newTestDispatcher(t)
	agent := uuid.New()

	executing := &db.Command{ID: uuid.New(), AgentID: agent, Type: "shell", Content: "run", Priority: 20, Status: "executing"}
	done := &db.Command{ID: uuid.New(), AgentID: agent, Type: "shell", Content: "done", Priority: 20, Status: "completed"}
	require.NoError(t, cmds.Create(ctx, executing))
	require.NoError(t, cmds.Create(ctx, done))

	require.NoError(t, d.DispatchPending(ctx, agent))

	// Only the still-active command is requeued; the completed one is not.
	require.Equal(t, 1, d.queue.Depth(agent))
	entry, ok := d.queue.Pop(ctx, agent)
	require.True(t, ok)
	require.Equal(t, executing.ID, entry.CommandID)
}

func TestBroadcastCommandStatusBuildsCommandStatusEnvelope(t *testing.T) {
	env, err := buildCommandStatusEnvelope(uuid.New(), uuid.New(), "queued")
	require.NoError(t, err)
	require.Equal(t, protocol.TypeCommandStatus, env.Type)

	var payload protocol.CommandStatusPayload
	require.NoError(t, env.DecodePayload(&payload))
	require.Equal(t, "queued", payload.Status)
}

func TestEnqueueBroadcastsQueuedCommandStatusWithoutError(t *testing.T) {
	// No dashboard is subscribed in this test (verifying delivery end-to-end
	// needs a live websocket connection, which no test here sets up) — this
	// only confirms Enqueue's broadcast
	// call is safe and does not itself fail the enqueue when nobody is
	// listening.
	ctx := context.Background()
	d, _, cmds, _ := newTestDispatcher(t)
	agent := uuid.New()

	cmd := &db.Command{AgentID: agent, Type: "shell", Content: "echo hi", Priority: 10}
	require.NoError(t, d.Enqueue(ctx, cmd))

	stored, err := cmds.GetByID(ctx, cmd.ID)
	require.NoError(t, err)
	require.Equal(t, "queued", stored.Status)
}

func TestOnAckTransitionsToExecutingAndBroadcasts(t *testing.T) {
	ctx := context.Background()
	d, _, cmds, _ := newTestDispatcher(t)
	agent := uuid.New()

	cmd := &db.Command{ID: uuid.New(), AgentID: agent, Type: "shell", Content: "echo hi", Priority: 10, Status: "queued"}
	require.NoError(t, cmds.Create(ctx, cmd))

	require.NoError(t, d.OnAck(ctx, cmd.ID))

	stored, err := cmds.GetByID(ctx, cmd.ID)
	require.NoError(t, err)
	require.Equal(t, "executing", stored.Status)
}

func TestOnAckErrorsOnUnknownCommand(t *testing.T) {
	ctx := context.Background()
	d, _, _, _ := newTestDispatcher(t)
	require.Error(t, d.OnAck(ctx, uuid.New()))
}
