// Package queue is the Command Queue (C7): one priority queue per agent,
// ordering by priority then insertion order (FIFO within a priority tier),
// with a derived position view and interrupt-and-requeue support.
//
// No direct teacher equivalent exists — the teacher schedules cron-like
// backup policies, not prioritized ad hoc commands — so the ordering
// structure is built fresh on stdlib container/heap. The durable-mirror-on-
// every-mutation discipline is grounded on the teacher's GORM repository
// pattern (repository/agent.go), applied here to repository.QueueSnapshot.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetctl/fleetctl/server/internal/db"
	"github.com/fleetctl/fleetctl/server/internal/repository"
)

// MaxQueueDepth bounds how many commands may wait in a single agent's
// queue at once. Enqueue past this returns ErrQueueFull so a runaway
// submitter cannot grow a per-agent heap without bound.
const MaxQueueDepth = 1000

// ErrQueueFull is returned by Enqueue when agentID's queue is already at
// MaxQueueDepth.
var ErrQueueFull = errors.New("queue: agent queue is full")

// MinPriority and MaxPriority bound a command's priority value. Per
// spec.md §4.7, a priority outside this range is clamped rather than
// rejected.
const (
	MinPriority = 0
	MaxPriority = 100
)

// ClampPriority clamps p into [MinPriority, MaxPriority].
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// Entry is one command waiting to be dispatched to its agent.
type Entry struct {
	CommandID uuid.UUID
	AgentID   uuid.UUID
	Priority  int
	sequence  int64 // insertion order, for FIFO-within-priority; heap index management
	index     int   // heap.Interface bookkeeping
}

// entryHeap is a max-heap on (Priority, -sequence) — higher priority first,
// and within a priority tier, earlier insertion (lower sequence) first.
type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].sequence < h[j].sequence
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *entryHeap) Push(x any) {
	e := x.(*Entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// agentQueue pairs an entryHeap with its own mutex — sharded locking, one
// lock per agent, so commands for different agents never contend.
type agentQueue struct {
	mu       sync.Mutex
	h        entryHeap
	byCmdID  map[uuid.UUID]*Entry
	nextSeq  int64
}

// Queue is the process-wide collection of per-agent queues, backed by a
// durable snapshot repository for crash recovery.
type Queue struct {
	mu       sync.RWMutex
	agents   map[uuid.UUID]*agentQueue
	snapshots repository.QueueSnapshotRepository
	logger   *zap.Logger
}

// New returns an empty Queue. Call Restore after New to rehydrate from the
// durable snapshot table on process startup.
func New(snapshots repository.QueueSnapshotRepository, logger *zap.Logger) *Queue {
	return &Queue{
		agents:    make(map[uuid.UUID]*agentQueue),
		snapshots: snapshots,
		logger:    logger.Named("queue"),
	}
}

func (q *Queue) agentQueueFor(agentID uuid.UUID) *agentQueue {
	q.mu.RLock()
	aq, ok := q.agents[agentID]
	q.mu.RUnlock()
	if ok {
		return aq
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if aq, ok = q.agents[agentID]; ok {
		return aq
	}
	aq = &agentQueue{byCmdID: make(map[uuid.UUID]*Entry)}
	q.agents[agentID] = aq
	return aq
}

// Restore rehydrates every per-agent heap from the durable snapshot table —
// called once at startup so a process restart does not lose queue
// ordering, per spec.md's crash-recovery requirement.
func (q *Queue) Restore(ctx context.Context) error {
	snaps, err := q.snapshots.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("queue: restore: %w", err)
	}
	for _, s := range snaps {
		aq := q.agentQueueFor(s.AgentID)
		aq.mu.Lock()
		e := &Entry{CommandID: s.CommandID, AgentID: s.AgentID, Priority: s.Priority, sequence: s.Sequence}
		heap.Push(&aq.h, e)
		aq.byCmdID[s.CommandID] = e
		if s.Sequence >= aq.nextSeq {
			aq.nextSeq = s.Sequence + 1
		}
		aq.mu.Unlock()
	}
	q.logger.Info("queue: restored from snapshot", zap.Int("entries", len(snaps)))
	return nil
}

// Enqueue adds commandID for agentID at priority, persisting a durable
// mirror before returning.
func (q *Queue) Enqueue(ctx context.Context, agentID, commandID uuid.UUID, priority int) error {
	aq := q.agentQueueFor(agentID)

	aq.mu.Lock()
	if _, dup := aq.byCmdID[commandID]; dup {
		// Double enqueue of the same command-id for the same agent yields
		// one queue entry, per spec.md §8.
		aq.mu.Unlock()
		return nil
	}
	if aq.h.Len() >= MaxQueueDepth {
		aq.mu.Unlock()
		return ErrQueueFull
	}
	seq := aq.nextSeq
	aq.nextSeq++
	e := &Entry{CommandID: commandID, AgentID: agentID, Priority: priority, sequence: seq}
	heap.Push(&aq.h, e)
	aq.byCmdID[commandID] = e
	aq.mu.Unlock()

	if err := q.snapshots.Put(ctx, &db.QueueSnapshot{AgentID: agentID, CommandID: commandID, Priority: priority, Sequence: seq}); err != nil {
		q.logger.Warn("queue: failed to persist snapshot on enqueue", zap.Error(err))
	}
	return nil
}

// Pop removes and returns the highest-priority, earliest entry for agentID.
// Returns false if the agent's queue is empty.
func (q *Queue) Pop(ctx context.Context, agentID uuid.UUID) (*Entry, bool) {
	aq := q.agentQueueFor(agentID)

	aq.mu.Lock()
	if aq.h.Len() == 0 {
		aq.mu.Unlock()
		return nil, false
	}
	e := heap.Pop(&aq.h).(*Entry)
	delete(aq.byCmdID, e.CommandID)
	aq.mu.Unlock()

	if err := q.snapshots.Delete(ctx, e.CommandID); err != nil {
		q.logger.Warn("queue: failed to delete snapshot on pop", zap.Error(err))
	}
	return e, true
}

// Peek returns the entry Pop would return next for agentID, without
// removing it. Returns false if the agent's queue is empty.
func (q *Queue) Peek(agentID uuid.UUID) (*Entry, bool) {
	aq := q.agentQueueFor(agentID)

	aq.mu.Lock()
	defer aq.mu.Unlock()
	if aq.h.Len() == 0 {
		return nil, false
	}
	// aq.h[0] is always the heap root — the same element heap.Pop would
	// remove — so reading it directly costs nothing extra.
	e := aq.h[0]
	cp := *e
	return &cp, true
}

// UpdatePriority changes commandID's priority in agentID's queue, re-
// ordering it in place. Returns false if the command is not currently
// queued for that agent.
func (q *Queue) UpdatePriority(ctx context.Context, agentID, commandID uuid.UUID, newPriority int) bool {
	aq := q.agentQueueFor(agentID)

	aq.mu.Lock()
	e, ok := aq.byCmdID[commandID]
	if !ok {
		aq.mu.Unlock()
		return false
	}
	e.Priority = newPriority
	heap.Fix(&aq.h, e.index)
	aq.mu.Unlock()

	if err := q.snapshots.Put(ctx, &db.QueueSnapshot{AgentID: agentID, CommandID: commandID, Priority: newPriority, Sequence: e.sequence}); err != nil {
		q.logger.Warn("queue: failed to persist snapshot on priority update", zap.Error(err))
	}
	return true
}

// Remove cancels a specific command still waiting in its agent's queue
// (used by the emergency-stop coordinator and explicit cancellation).
// Returns false if the command was not queued (already dispatched or
// unknown).
func (q *Queue) Remove(ctx context.Context, agentID, commandID uuid.UUID) bool {
	aq := q.agentQueueFor(agentID)

	aq.mu.Lock()
	e, ok := aq.byCmdID[commandID]
	if ok {
		heap.Remove(&aq.h, e.index)
		delete(aq.byCmdID, commandID)
	}
	aq.mu.Unlock()

	if ok {
		if err := q.snapshots.Delete(ctx, commandID); err != nil {
			q.logger.Warn("queue: failed to delete snapshot on remove", zap.Error(err))
		}
	}
	return ok
}

// Position returns commandID's 1-indexed position in agentID's queue (1 =
// next to dispatch), derived fresh from current heap contents every call —
// spec.md resolves the stable-vs-derived open question in favor of
// derived, so no position is ever stored.
func (q *Queue) Position(agentID, commandID uuid.UUID) (int, bool) {
	aq := q.agentQueueFor(agentID)

	aq.mu.Lock()
	defer aq.mu.Unlock()

	if _, ok := aq.byCmdID[commandID]; !ok {
		return 0, false
	}

	ordered := make([]*Entry, len(aq.h))
	copy(ordered, aq.h)
	// A fresh copy-then-sort avoids mutating the live heap just to compute
	// a read-only ordering.
	sortEntries(ordered)

	for i, e := range ordered {
		if e.CommandID == commandID {
			return i + 1, true
		}
	}
	return 0, false
}

func sortEntries(entries []*Entry) {
	// Simple insertion sort — O(n^2) over at most MaxQueueDepth entries of
	// one agent's queue, and it avoids importing sort for a one-off
	// comparator identical to Less.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0; j-- {
			a, b := entries[j-1], entries[j]
			less := a.Priority > b.Priority || (a.Priority == b.Priority && a.sequence < b.sequence)
			if less {
				break
			}
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}
}

// Depth returns the current number of queued commands for agentID.
func (q *Queue) Depth(agentID uuid.UUID) int {
	aq := q.agentQueueFor(agentID)
	aq.mu.Lock()
	defer aq.mu.Unlock()
	return aq.h.Len()
}

// TotalDepth returns the queued-command count across every agent, for
// health/metrics endpoints.
func (q *Queue) TotalDepth() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	total := 0
	for _, aq := range q.agents {
		aq.mu.Lock()
		total += aq.h.Len()
		aq.mu.Unlock()
	}
	return total
}
