package queue

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetctl/fleetctl/server/internal/db"
)

// fakeSnapshots is an in-memory stand-in for repository.QueueSnapshotRepository.
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

func TestEnqueuePopOrdersByPriority(t *testing.T) {
	ctx := context.Background()
	q := New(newFakeSnapshots(), zap.NewNop())
	agent := uuid.New()

	low := uuid.New()
	high := uuid.New()
	normal := uuid.New()

	require.NoError(t, q.Enqueue(ctx, agent, low, 0))
	require.NoError(t, q.Enqueue(ctx, agent, high, 30))
	require.NoError(t, q.Enqueue(ctx, agent, normal, 10))

	first, ok := q.Pop(ctx, agent)
	require.True(t, ok)
	require.Equal(t, high, first.CommandID)

	second, ok := q.Pop(ctx, agent)
	require.True(t, ok)
	require.Equal(t, normal, second.CommandID)

	third, ok := q.Pop(ctx, agent)
	require.True(t, ok)
	require.Equal(t, low, third.CommandID)

	_, ok = q.Pop(ctx, agent)
	require.False(t, ok)
}

func TestPositionIsDerivedFromCurrentContents(t *testing.T) {
	ctx := context.Background()
	q := New(newFakeSnapshots(), zap.NewNop())
	agent := uuid.New()

	a := uuid.New()
	b := uuid.New()
	require.NoError(t, q.Enqueue(ctx, agent, a, 10))
	require.NoError(t, q.Enqueue(ctx, agent, b, 10))

	pos, ok := q.Position(agent, b)
	require.True(t, ok)
	require.Equal(t, 2, pos)

	_, _ = q.Pop(ctx, agent)
	pos, ok = q.Position(agent, b)
	require.True(t, ok)
	require.Equal(t, 1, pos)
}

func TestRemoveCancelsQueuedEntry(t *testing.T) {
	ctx := context.Background()
	q := New(newFakeSnapshots(), zap.NewNop())
	agent := uuid.New()
	cmd := uuid.New()

	require.NoError(t, q.Enqueue(ctx, agent, cmd, 10))
	require.True(t, q.Remove(ctx, agent, cmd))
	require.False(t, q.Remove(ctx, agent, cmd))
	require.Equal(t, 0, q.Depth(agent))
}

func TestPeekReturnsHeadWithoutRemoving(t *testing.T) {
	ctx := context.Background()
	q := New(newFakeSnapshots(), zap.NewNop())
	agent := uuid.New()
	cmd := uuid.New()

	_, ok := q.Peek(agent)
	require.False(t, ok)

	require.NoError(t, q.Enqueue(ctx, agent, cmd, 20))
	e, ok := q.Peek(agent)
	require.True(t, ok)
	require.Equal(t, cmd, e.CommandID)
	require.Equal(t, 1, q.Depth(agent), "Peek must not remove the entry")

	popped, ok := q.Pop(ctx, agent)
	require.True(t, ok)
	require.Equal(t, cmd, popped.CommandID)
}

func TestUpdatePriorityReordersQueuedEntry(t *testing.T) {
	ctx := context.Background()
	q := New(newFakeSnapshots(), zap.NewNop())
	agent := uuid.New()

	first := uuid.New()
	second := uuid.New()
	require.NoError(t, q.Enqueue(ctx, agent, first, 10))
	require.NoError(t, q.Enqueue(ctx, agent, second, 10))

	// first is ahead of second on FIFO-within-priority until second is
	// bumped above it.
	require.True(t, q.UpdatePriority(ctx, agent, second, 50))

	e, ok := q.Pop(ctx, agent)
	require.True(t, ok)
	require.Equal(t, second, e.CommandID)

	require.False(t, q.UpdatePriority(ctx, agent, uuid.New(), 50), "unknown command id")
}

func TestClampPriority(t *testing.T) {
	require.Equal(t, MinPriority, ClampPriority(-5))
	require.Equal(t, MaxPriority, ClampPriority(500))
	require.Equal(t, 42, ClampPriority(42))
	require.Equal(t, MinPriority, ClampPriority(MinPriority))
	require.Equal(t, MaxPriority, ClampPriority(MaxPriority))
}

func TestEnqueueRejectsPastMaxQueueDepth(t *testing.T) {
	ctx := context.Background()
	q := New(newFakeSnapshots(), zap.NewNop())
	agent := uuid.New()

	for i := 0; i < MaxQueueDepth; i++ {
		require.NoError(t, q.Enqueue(ctx, agent, uuid.New(), 10))
	}
	require.Equal(t, MaxQueueDepth, q.Depth(agent))

	err := q.Enqueue(ctx, agent, uuid.New(), 10)
	require.ErrorIs(t, err, ErrQueueFull)
	require.Equal(t, MaxQueueDepth, q.Depth(agent), "a rejected enqueue must not grow the heap")
}

func TestEnqueueDuplicateCommandIDIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q := New(newFakeSnapshots(), zap.NewNop())
	agent := uuid.New()
	cmd := uuid.New()

	require.NoError(t, q.Enqueue(ctx, agent, cmd, 10))
	require.NoError(t, q.Enqueue(ctx, agent, cmd, 90), "re-enqueueing the same command id must not error")
	require.Equal(t, 1, q.Depth(agent))
}

func TestRestoreRehydratesFromSnapshots(t *testing.T) {
	ctx := context.Background()
	snaps := newFakeSnapshots()
	agent := uuid.New()
	cmd := uuid.New()
	snaps.rows[cmd] = db.QueueSnapshot{AgentID: agent, CommandID: cmd, Priority: 20, Sequence: 5}

	q := New(snaps, zap.NewNop())
	require.NoError(t, q.Restore(ctx))
	require.Equal(t, 1, q.Depth(agent))

	e, ok := q.Pop(ctx, agent)
	require.True(t, ok)
	require.Equal(t, cmd, e.CommandID)
}
