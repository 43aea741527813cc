package reconnect

import (
	"sync"
	"time"
)

// breakerState is the classic three-state circuit breaker: Closed allows
// every attempt through, Open rejects attempts until OpenDuration elapses,
// HalfOpen allows exactly one trial attempt to decide whether to close or
// re-open.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// BreakerConfig controls when the breaker trips and how long it stays open.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// breaker from Closed to Open.
	FailureThreshold int
	// OpenDuration is how long the breaker stays Open before allowing one
	// HalfOpen trial attempt.
	OpenDuration time.Duration
}

const (
	DefaultFailureThreshold = 5
	DefaultOpenDuration     = 30 * time.Second
)

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = DefaultOpenDuration
	}
	return c
}

// Breaker tracks consecutive dial failures and trips open once
// FailureThreshold is reached, rejecting further attempts until
// OpenDuration has elapsed, at which point it allows exactly one
// half-open trial before closing or re-opening based on its outcome.
//
// This has no analogue in the teacher, which retries forever — added
// because spec.md's C2 names a circuit breaker explicitly alongside
// backoff+jitter.
type Breaker struct {
	cfg BreakerConfig

	mu          sync.Mutex
	state       breakerState
	failures    int
	openedAt    time.Time
	halfOpenUsed bool
}

// NewBreaker creates a Breaker starting Closed.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), state: breakerClosed}
}

// Allow reports whether a connection attempt may proceed right now.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(b.openedAt) >= b.cfg.OpenDuration {
			b.state = breakerHalfOpen
			b.halfOpenUsed = false
		} else {
			return false
		}
		fallthrough
	case breakerHalfOpen:
		if b.halfOpenUsed {
			return false
		}
		b.halfOpenUsed = true
		return true
	}
	return false
}

// TimeUntilHalfOpen returns how long until an Open breaker allows its next
// trial attempt. Returns 0 if the breaker is not Open.
func (b *Breaker) TimeUntilHalfOpen() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != breakerOpen {
		return 0
	}
	remaining := b.cfg.OpenDuration - time.Since(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RecordFailure registers a failed attempt. In Closed state this may trip
// the breaker Open; in HalfOpen it immediately re-opens.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerHalfOpen:
		b.state = breakerOpen
		b.openedAt = time.Now()
	case breakerClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = breakerOpen
			b.openedAt = time.Now()
		}
	}
}

// RecordSuccess registers a successful attempt, closing the breaker and
// resetting its failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failures = 0
}
