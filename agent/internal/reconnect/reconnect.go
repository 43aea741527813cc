// Package reconnect implements the agent-side Reconnection Engine (C2):
// exponential backoff with jitter, a circuit breaker over repeated
// failures, and persisted agent identity across restarts. The backoff
// constants, jitter formula, and atomic temp-file+rename state persistence
// are carried over from the teacher's agent/internal/connection.Manager
// almost unchanged; the circuit breaker is new — the teacher retried
// forever without ever tripping one.
package reconnect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Defaults match spec.md's reconnection formula: min(base*multiplier^attempt,
// maxDelay) with +/-10% jitter, floor 1s.
const (
	DefaultBaseDelay       = 1 * time.Second
	DefaultMaxDelay        = 30 * time.Second
	DefaultMultiplier      = 2.0
	DefaultJitterFraction  = 0.1
	DefaultMaxAttempts     = 0 // 0 means unlimited
)

// State is the reconnection engine's externally observable phase, returned
// by getState() in spec.md's terms.
type State string

const (
	StateIdle        State = "idle"
	StateConnecting  State = "connecting"
	StateConnected   State = "connected"
	StateBackingOff  State = "backing_off"
	StateCircuitOpen State = "circuit_open"
	StateStopped     State = "stopped"
)

// Event is one of the named transitions spec.md requires the engine to
// emit: attempt_scheduled, attempt_started, attempt_failed,
// reconnection_successful, max_attempts_reached.
type Event struct {
	Name    string
	Attempt int
	Delay   time.Duration
	Err     error
}

// EventSink receives every Event the engine emits. Implementations must not
// block — Run calls it synchronously from its own goroutine.
type EventSink func(Event)

// identity is persisted to <StateDir>/agent-state.json so the agent
// presents the same AgentID across restarts — identical shape and
// persistence mechanics to the teacher's agentState/loadState/saveState.
type identity struct {
	AgentID string `json:"agent_id"`
}

func identityFilePath(stateDir string) string {
	return filepath.Join(stateDir, "agent-state.json")
}

// LoadAgentID returns the persisted agent id, or "" if none has been saved
// yet.
func LoadAgentID(stateDir string) (string, error) {
	data, err := os.ReadFile(identityFilePath(stateDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("reconnect: read state file: %w", err)
	}
	var s identity
	if err := json.Unmarshal(data, &s); err != nil {
		return "", fmt.Errorf("reconnect: corrupted state file: %w", err)
	}
	return s.AgentID, nil
}

// SaveAgentID persists agentID atomically via temp file + rename.
func SaveAgentID(stateDir, agentID string) error {
	data, err := json.Marshal(identity{AgentID: agentID})
	if err != nil {
		return fmt.Errorf("reconnect: marshal state: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0o750); err != nil {
		return fmt.Errorf("reconnect: create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(stateDir, "agent-state.*.tmp")
	if err != nil {
		return fmt.Errorf("reconnect: create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("reconnect: write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("reconnect: close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, identityFilePath(stateDir)); err != nil {
		return fmt.Errorf("reconnect: rename state file: %w", err)
	}
	ok = true
	return nil
}

// Config parameterizes the backoff schedule and circuit breaker.
type Config struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64
	// MaxAttempts stops retrying after this many consecutive failures; 0
	// means retry forever.
	MaxAttempts int

	Breaker BreakerConfig
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = DefaultMultiplier
	}
	if c.JitterFraction <= 0 {
		c.JitterFraction = DefaultJitterFraction
	}
	return c
}

// Dialer is supplied by the caller (wsclient) and performs one connection
// attempt: dial, handshake, then block serving the session until it ends.
// A nil return means the session ended because ctx was cancelled — a
// graceful shutdown, not a failure.
type Dialer func(ctx context.Context) error

// Engine drives Dialer with exponential backoff, jitter, and a circuit
// breaker, emitting Events for observability.
type Engine struct {
	cfg     Config
	dial    Dialer
	sink    EventSink
	logger  *zap.Logger
	breaker *Breaker

	mu    sync.RWMutex
	state State
}

// New creates an Engine. sink may be nil to discard events.
func New(cfg Config, dial Dialer, sink EventSink, logger *zap.Logger) *Engine {
	cfg = cfg.withDefaults()
	if sink == nil {
		sink = func(Event) {}
	}
	return &Engine{
		cfg:     cfg,
		dial:    dial,
		sink:    sink,
		logger:  logger.Named("reconnect"),
		breaker: NewBreaker(cfg.Breaker),
		state:   StateIdle,
	}
}

// GetState returns the engine's current phase.
func (e *Engine) GetState() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Run drives the reconnect loop until ctx is cancelled or MaxAttempts
// consecutive failures are reached. Blocks.
func (e *Engine) Run(ctx context.Context) {
	delay := e.cfg.BaseDelay
	attempt := 0

	for {
		if ctx.Err() != nil {
			e.setState(StateStopped)
			return
		}

		if !e.breaker.Allow() {
			e.setState(StateCircuitOpen)
			wait := e.breaker.TimeUntilHalfOpen()
			e.logger.Warn("reconnect: circuit open, waiting", zap.Duration("wait", wait))
			select {
			case <-ctx.Done():
				e.setState(StateStopped)
				return
			case <-time.After(wait):
			}
			continue
		}

		attempt++
		e.sink(Event{Name: "attempt_scheduled", Attempt: attempt, Delay: delay})
		e.setState(StateConnecting)
		e.sink(Event{Name: "attempt_started", Attempt: attempt})

		err := e.dial(ctx)
		if err != nil && ctx.Err() != nil {
			e.setState(StateStopped)
			return
		}
		if err != nil {
			e.breaker.RecordFailure()
			e.sink(Event{Name: "attempt_failed", Attempt: attempt, Err: err})
			e.logger.Warn("reconnect: attempt failed", zap.Int("attempt", attempt), zap.Error(err))

			if e.cfg.MaxAttempts > 0 && attempt >= e.cfg.MaxAttempts {
				e.sink(Event{Name: "max_attempts_reached", Attempt: attempt})
				e.setState(StateStopped)
				return
			}

			e.setState(StateBackingOff)
			select {
			case <-ctx.Done():
				e.setState(StateStopped)
				return
			case <-time.After(jitter(delay, e.cfg.JitterFraction)):
			}
			delay = nextDelay(delay, e.cfg.Multiplier, e.cfg.MaxDelay)
			continue
		}

		// The dialer returned nil: its session ran and ended without error
		// (including a graceful end on ctx cancellation) — reset backoff and
		// breaker, then loop; the check at the top of the loop stops the
		// engine if ctx was cancelled.
		e.breaker.RecordSuccess()
		e.sink(Event{Name: "reconnection_successful", Attempt: attempt})
		e.setState(StateConnected)
		delay = e.cfg.BaseDelay
		attempt = 0
	}
}

func nextDelay(current time.Duration, multiplier float64, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * multiplier)
	if next > max {
		return max
	}
	if next < time.Second {
		return time.Second
	}
	return next
}

// jitter adds +/-fraction uniform jitter to d.
func jitter(d time.Duration, fraction float64) time.Duration {
	delta := float64(d) * fraction
	offset := (rand.Float64()*2 - 1) * delta
	result := time.Duration(float64(d) + offset)
	if result < time.Second {
		return time.Second
	}
	return result
}
