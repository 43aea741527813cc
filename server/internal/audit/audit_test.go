package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetctl/fleetctl/server/internal/db"
	"github.com/fleetctl/fleetctl/server/internal/repository"
	"github.com/fleetctl/fleetctl/shared/types"
)

// fakeAuditRepo is an in-memory stand-in for repository.AuditRepository.
type fakeAuditRepo struct {
	mu   sync.Mutex
	rows []db.AuditEntry
}

func (f *fakeAuditRepo) BulkCreate(_ context.Context, entries []db.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, entries...)
	return nil
}

func (f *fakeAuditRepo) List(_ context.Context, _ repository.ListOptions) ([]db.AuditEntry, int64, error) {
	return nil, 0, nil
}

func (f *fakeAuditRepo) Count(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.rows)), nil
}

func (f *fakeAuditRepo) DeleteOldest(_ context.Context, n int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n > len(f.rows) {
		n = len(f.rows)
	}
	f.rows = f.rows[n:]
	return int64(n), nil
}

func (f *fakeAuditRepo) snapshot() []db.AuditEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]db.AuditEntry, len(f.rows))
	copy(out, f.rows)
	return out
}

func TestRecordFlushesOnBatchSize(t *testing.T) {
	repo := &fakeAuditRepo{}
	sink := New(repo, Config{BatchSize: 3, FlushInterval: time.Hour, QueueDepth: 16}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sink.Run(ctx)

	sink.Record(types.AuditEventCommandIssued, "agent-1", "cmd-1", map[string]string{"x": "y"})
	sink.Record(types.AuditEventCommandIssued, "agent-1", "cmd-2", nil)
	sink.Record(types.AuditEventCommandIssued, "agent-1", "cmd-3", nil)

	require.Eventually(t, func() bool {
		return len(repo.snapshot()) == 3
	}, time.Second, 5*time.Millisecond)
}

func TestRecordFlushesOnTicker(t *testing.T) {
	repo := &fakeAuditRepo{}
	sink := New(repo, Config{BatchSize: 100, FlushInterval: 20 * time.Millisecond, QueueDepth: 16}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sink.Run(ctx)

	sink.Record(types.AuditEventAuthFailed, "user-1", "", nil)

	require.Eventually(t, func() bool {
		return len(repo.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRecordDropsWhenQueueFull(t *testing.T) {
	repo := &fakeAuditRepo{}
	// No Run loop draining the queue — depth 1 so the second Record must drop.
	sink := New(repo, Config{QueueDepth: 1}, zap.NewNop())

	sink.Record(types.AuditEventEmergencyStop, "agent-1", "", nil)
	sink.Record(types.AuditEventEmergencyStop, "agent-2", "", nil)

	require.Len(t, sink.queue, 1)
}

func TestEvictionRespectsRetentionCap(t *testing.T) {
	repo := &fakeAuditRepo{rows: make([]db.AuditEntry, 10)}
	sink := New(repo, Config{RetentionCap: 5}, zap.NewNop())

	sink.evict(context.Background())

	require.Len(t, repo.snapshot(), 5)
}
