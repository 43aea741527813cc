package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInMemoryRateLimiterAllowsUpToLimit(t *testing.T) {
	limiter := NewInMemoryRateLimiter(2, time.Minute)

	require.True(t, limiter.Allow("subject-a"))
	require.True(t, limiter.Allow("subject-a"))
	require.False(t, limiter.Allow("subject-a"))
}

func TestInMemoryRateLimiterIsolatesSubjects(t *testing.T) {
	limiter := NewInMemoryRateLimiter(1, time.Minute)

	require.True(t, limiter.Allow("subject-a"))
	require.True(t, limiter.Allow("subject-b"))
}

func TestInMemoryRateLimiterWindowSlides(t *testing.T) {
	limiter := NewInMemoryRateLimiter(1, 10*time.Millisecond)

	require.True(t, limiter.Allow("subject-a"))
	require.False(t, limiter.Allow("subject-a"))

	time.Sleep(20 * time.Millisecond)
	require.True(t, limiter.Allow("subject-a"))
}
