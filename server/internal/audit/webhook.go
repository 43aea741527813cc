package audit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fleetctl/fleetctl/server/internal/db"
)

// webhookExportPayload is the JSON body POSTed to the configured export
// endpoint for each flushed batch.
type webhookExportPayload struct {
	Entries   []exportedEntry `json:"entries"`
	Timestamp string          `json:"timestamp"`
}

type exportedEntry struct {
	ID            string `json:"id"`
	CreatedAt     string `json:"createdAt"`
	EventType     string `json:"eventType"`
	SubjectID     string `json:"subjectId"`
	CorrelationID string `json:"correlationId"`
	Details       string `json:"details"`
}

// WebhookExporter forwards flushed audit batches to an external HTTP
// endpoint, signing the body with HMAC-SHA256 when a secret is configured —
// the same scheme as the teacher's notification webhook sender, generalized
// from a single notification to a batch of audit entries.
type WebhookExporter struct {
	url    string
	secret string
	client *http.Client
	logger *zap.Logger
}

// NewWebhookExporter constructs an exporter posting to url, signing with
// secret if non-empty.
func NewWebhookExporter(url, secret string, logger *zap.Logger) *WebhookExporter {
	return &WebhookExporter{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.Named("audit.webhook"),
	}
}

// Export POSTs entries to the configured endpoint. Errors are logged, not
// returned — the caller (Sink.Run) treats export as best-effort, matching
// the teacher's notification service never letting a webhook failure
// undo an already-persisted record.
func (w *WebhookExporter) Export(ctx context.Context, entries []db.AuditEntry) {
	if w.url == "" || len(entries) == 0 {
		return
	}

	payload := webhookExportPayload{Timestamp: time.Now().UTC().Format(time.RFC3339)}
	for _, e := range entries {
		payload.Entries = append(payload.Entries, exportedEntry{
			ID:            e.ID.String(),
			CreatedAt:     e.CreatedAt.UTC().Format(time.RFC3339),
			EventType:     e.EventType,
			SubjectID:     e.SubjectID,
			CorrelationID: e.CorrelationID,
			Details:       e.Details,
		})
	}

	data, err := json.Marshal(payload)
	if err != nil {
		w.logger.Warn("audit: failed to marshal export payload", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		w.logger.Warn("audit: failed to build export request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "fleetctl-audit-export/1.0")
	if w.secret != "" {
		mac := hmac.New(sha256.New, []byte(w.secret))
		mac.Write(data)
		req.Header.Set("X-Fleetctl-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Warn("audit: export request failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.logger.Warn("audit: export endpoint returned non-2xx", zap.Int("status", resp.StatusCode))
	}
}
