package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// softDelete extends base with a nullable DeletedAt field for soft deletion.
// GORM automatically filters out soft-deleted records from all queries unless
// Unscoped() is used explicitly.
type softDelete struct {
	base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// Agent is the durable record for a fleet member. The live connection state
// (socket, subscriptions) lives only in the in-memory registry — this row
// survives restarts and holds everything that must.
type Agent struct {
	softDelete
	Name           string     `gorm:"not null"`
	Kind           string     `gorm:"not null;default:''"` // free-form agent type/label
	Status         string     `gorm:"not null;default:'offline'"` // online, offline, unresponsive, error
	Version        string     `gorm:"not null;default:''"`
	Capabilities   string     `gorm:"type:text;default:'[]'"` // JSON array of capability tags
	LastSeenAt     *time.Time
	LastHeartbeatAt *time.Time
}

// -----------------------------------------------------------------------------
// Commands
// -----------------------------------------------------------------------------

// Command is the durable record of a single unit of work dispatched to an
// agent. State transitions mirror the queue/dispatcher state machine:
// pending -> queued -> executing -> {completed, failed, cancelled}.
type Command struct {
	base
	AgentID         uuid.UUID `gorm:"type:text;not null;index"`
	IssuedByUserID  string    `gorm:"not null;default:''"` // subject claim of the issuing dashboard session
	ConnectionID    string    `gorm:"not null;default:''"` // originating dashboard connection, for correlation
	Type            string    `gorm:"not null"`
	Content         string    `gorm:"type:text;not null"`
	Priority        int       `gorm:"not null;default:10"`
	Status          string    `gorm:"not null;default:'pending'"`
	TimeLimitMs     int64     `gorm:"not null;default:0"` // 0 = no limit
	TokenBudget     int64     `gorm:"not null;default:0"` // 0 = no limit
	AttemptCount    int       `gorm:"not null;default:0"`
	DispatchedAt    *time.Time
	CompletedAt     *time.Time
	Error           string `gorm:"type:text;default:''"`
}

// QueueSnapshot durably mirrors one in-flight entry of an agent's in-memory
// priority queue. It exists purely for crash recovery: on restart the queue
// package rehydrates its per-agent heaps from the snapshot rows instead of
// losing ordering. It is not the authoritative ordering while the process is
// running — the in-memory heap is.
type QueueSnapshot struct {
	base
	AgentID   uuid.UUID `gorm:"type:text;not null;index"`
	CommandID uuid.UUID `gorm:"type:text;not null;uniqueIndex"`
	Priority  int       `gorm:"not null"`
	Sequence  int64     `gorm:"not null"` // insertion order, for FIFO-within-priority
}

// -----------------------------------------------------------------------------
// Sessions
// -----------------------------------------------------------------------------

// Session tracks a verified dashboard session derived from a bearer token.
// It exists so the auth package can enforce a per-user session cap and so a
// session can be revoked (logout, admin action) independent of token expiry.
type Session struct {
	base
	UserID      string    `gorm:"not null;index"`
	TokenID     string    `gorm:"not null;uniqueIndex"` // JWT "jti" claim
	Fingerprint string    `gorm:"not null;default:''"`  // sha256(IP + user-agent)
	ExpiresAt   time.Time `gorm:"not null;index"`
	RevokedAt   *time.Time
}

// -----------------------------------------------------------------------------
// Audit
// -----------------------------------------------------------------------------

// AuditEntry is an append-only record written by the audit sink. Entries are
// never updated or soft-deleted; eviction beyond the sink's cap is a hard
// delete of the oldest rows, performed by the audit package, not by GORM
// hooks here.
type AuditEntry struct {
	ID            uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt     time.Time `gorm:"not null;index"`
	EventType     string    `gorm:"not null;index"`
	SubjectID     string    `gorm:"not null;default:''"` // agent id, user id, or connection id
	CorrelationID string    `gorm:"not null;default:''"` // command id or connection id tying related events together
	Details       string    `gorm:"type:text;default:'{}'"` // JSON, opaque to the sink
}

// BeforeCreate gives AuditEntry the same UUIDv7 id generation as base,
// without soft-delete (audit rows are never deleted through GORM).
func (a *AuditEntry) BeforeCreate(tx *gorm.DB) error {
	if a.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		a.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Streamed output
// -----------------------------------------------------------------------------

// TerminalOutput is one persisted chunk of a command's terminal stream,
// written as TERMINAL_OUTPUT envelopes arrive so a dashboard that connects
// after a command has started can still retrieve the output it missed.
type TerminalOutput struct {
	base
	CommandID uuid.UUID `gorm:"type:text;not null;index"`
	AgentID   uuid.UUID `gorm:"type:text;not null;index"`
	Stream    string    `gorm:"not null;default:'stdout'"` // stdout, stderr
	Sequence  int64     `gorm:"not null"`                  // sender-assigned, strictly increasing per (command, stream)
	Chunk     string    `gorm:"type:text;not null"`
}

// TraceEntry is one persisted TRACE_EVENT — a structured step an agent
// reports while executing a command (tool call, reasoning step, file edit),
// distinct from raw terminal output.
type TraceEntry struct {
	base
	CommandID uuid.UUID `gorm:"type:text;not null;index"`
	AgentID   uuid.UUID `gorm:"type:text;not null;index"`
	Sequence  int64     `gorm:"not null"`
	Kind      string    `gorm:"not null;default:''"`
	Details   string    `gorm:"type:text;default:'{}'"` // JSON
}

// -----------------------------------------------------------------------------
// Supplemental: command presets & investigation reports
// -----------------------------------------------------------------------------

// CommandPreset is a saved command template a dashboard can re-submit without
// retyping it. CRUD-only — it has no dispatch-time behavior of its own.
type CommandPreset struct {
	softDelete
	Name     string `gorm:"not null"`
	Type     string `gorm:"not null"`
	Content  string `gorm:"type:text;not null"`
	Priority int    `gorm:"not null;default:10"`
}

// InvestigationReport is a structured finding an agent submits mid-execution
// via an INVESTIGATION_REPORT message. Persisted so dashboards can review it
// after the fact; broadcast live the same way a trace event is.
type InvestigationReport struct {
	base
	AgentID   uuid.UUID `gorm:"type:text;not null;index"`
	CommandID uuid.UUID `gorm:"type:text;not null;index"`
	Summary   string    `gorm:"type:text;not null"`
	Details   string    `gorm:"type:text;default:'{}'"` // JSON
}

// -----------------------------------------------------------------------------
// Settings
// -----------------------------------------------------------------------------

// Setting is a generic key-value configuration entry stored in the database.
// Keys are namespaced by convention (e.g. "audit.webhook_url"). Sensitive
// values are encrypted at the application layer via EncryptedString before
// being persisted.
//
// Setting does not embed base because it uses a string primary key (the key
// itself) rather than a UUID, and does not need CreatedAt.
type Setting struct {
	Key       string          `gorm:"primaryKey"`
	Value     EncryptedString `gorm:"type:text;not null"`
	UpdatedAt time.Time       `gorm:"not null;autoUpdateTime"`
}
