package reconnect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, OpenDuration: 50 * time.Millisecond})

	require.True(t, b.Allow())
	b.RecordFailure()
	require.True(t, b.Allow())
	b.RecordFailure()
	require.True(t, b.Allow())
	b.RecordFailure()

	require.False(t, b.Allow(), "breaker should be open after 3 consecutive failures")
}

func TestBreakerHalfOpenAllowsOneTrial(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, OpenDuration: 10 * time.Millisecond})

	b.RecordFailure()
	require.False(t, b.Allow())

	time.Sleep(20 * time.Millisecond)

	require.True(t, b.Allow(), "first attempt after OpenDuration should be allowed")
	require.False(t, b.Allow(), "a second concurrent attempt must not also be allowed while half-open trial is pending")
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, OpenDuration: 10 * time.Millisecond})

	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	require.True(t, b.Allow())
	b.RecordFailure()

	require.False(t, b.Allow(), "failed half-open trial should re-open the breaker")
}

func TestBreakerSuccessClosesAndResets(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 2, OpenDuration: time.Second})

	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	require.True(t, b.Allow(), "failure count should have reset after RecordSuccess")
}
