// Package audit implements the Audit Sink (C11): an append-only, buffered
// record of every security-relevant event in the fleet (connections opened
// and closed, commands issued/completed/cancelled, emergency stops, failed
// auth attempts, agents going unresponsive).
//
// Grounded on the teacher's notification/service.go notify() method: persist
// first, then best-effort fan out to an external channel, with delivery
// errors logged rather than propagated so a webhook outage never blocks the
// record from landing. The teacher's concrete senders are not carried
// as-is, but sender_webhook.go's HMAC-signing, timeout, and non-2xx-is-a-
// failure idiom is reused directly for the optional audit-export webhook.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/fleetctl/fleetctl/server/internal/db"
	"github.com/fleetctl/fleetctl/server/internal/repository"
	"github.com/fleetctl/fleetctl/shared/types"
)

const (
	defaultQueueDepth    = 1024
	defaultBatchSize     = 100
	defaultFlushInterval = 2 * time.Second
)

// Config controls the sink's buffering, flush cadence, and retention cap.
type Config struct {
	// QueueDepth bounds the in-memory buffer between Record and the flush
	// loop. Zero uses defaultQueueDepth.
	QueueDepth int
	// BatchSize is the maximum number of entries written in one bulk insert.
	// Zero uses defaultBatchSize.
	BatchSize int
	// FlushInterval is how often the buffer is flushed even if BatchSize has
	// not been reached. Zero uses defaultFlushInterval.
	FlushInterval time.Duration
	// RetentionCap is the maximum number of audit rows kept; once exceeded,
	// the oldest rows beyond the cap are hard-deleted after each flush. Zero
	// disables eviction.
	RetentionCap int
	// Webhook, if non-nil, receives a best-effort export of every flushed
	// batch.
	Webhook *WebhookExporter
}

// Sink buffers audit entries in memory and flushes them to the durable
// repository on a timer, evicting the oldest rows once RetentionCap is
// exceeded.
type Sink struct {
	repo repository.AuditRepository
	cfg  Config

	queue  chan db.AuditEntry
	logger *zap.Logger
}

// New constructs a Sink. Call Run in its own goroutine to start the flush
// loop; Record is safe to call before Run starts (entries simply queue).
func New(repo repository.AuditRepository, cfg Config, logger *zap.Logger) *Sink {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	return &Sink{
		repo:   repo,
		cfg:    cfg,
		queue:  make(chan db.AuditEntry, cfg.QueueDepth),
		logger: logger.Named("audit"),
	}
}

// Record enqueues an audit entry. It never blocks: if the queue is full, the
// entry is dropped and logged, since an audit-sink backlog must never stall
// the connection, command, or emergency-stop hot paths that call it.
func (s *Sink) Record(eventType types.AuditEventType, subjectID, correlationID string, details any) {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		s.logger.Warn("audit: failed to marshal details, recording without them",
			zap.String("event_type", string(eventType)), zap.Error(err))
		detailsJSON = []byte("{}")
	}

	entry := db.AuditEntry{
		CreatedAt:     time.Now().UTC(),
		EventType:     string(eventType),
		SubjectID:     subjectID,
		CorrelationID: correlationID,
		Details:       string(detailsJSON),
	}

	select {
	case s.queue <- entry:
	default:
		s.logger.Warn("audit: queue full, dropping entry",
			zap.String("event_type", string(eventType)), zap.String("subject_id", subjectID))
	}
}

// Run drains the queue, flushing batches to the repository on BatchSize or
// FlushInterval, whichever comes first, and runs a retention sweep after
// every flush. Blocks until ctx is cancelled, flushing any remaining buffer
// before returning.
func (s *Sink) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]db.AuditEntry, 0, s.cfg.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.repo.BulkCreate(context.Background(), batch); err != nil {
			s.logger.Error("audit: flush failed", zap.Int("count", len(batch)), zap.Error(err))
		} else {
			s.evict(context.Background())
			if s.cfg.Webhook != nil {
				s.cfg.Webhook.Export(context.Background(), batch)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-s.queue:
			batch = append(batch, e)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-ctx.Done():
			// Drain whatever is already queued without blocking on new sends.
			for {
				select {
				case e := <-s.queue:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *Sink) evict(ctx context.Context) {
	if s.cfg.RetentionCap <= 0 {
		return
	}
	total, err := s.repo.Count(ctx)
	if err != nil {
		s.logger.Warn("audit: failed to count rows for retention sweep", zap.Error(err))
		return
	}
	if total <= int64(s.cfg.RetentionCap) {
		return
	}
	excess := int(total - int64(s.cfg.RetentionCap))
	deleted, err := s.repo.DeleteOldest(ctx, excess)
	if err != nil {
		s.logger.Warn("audit: retention eviction failed", zap.Error(err))
		return
	}
	if deleted > 0 {
		s.logger.Info("audit: evicted oldest rows past retention cap", zap.Int64("deleted", deleted))
	}
}
