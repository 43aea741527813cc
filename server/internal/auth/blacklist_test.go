package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInMemoryBlacklistAddAndContains(t *testing.T) {
	b := NewInMemoryBlacklist()
	require.False(t, b.Contains("jti-1"))

	b.Add("jti-1", time.Now().Add(time.Minute))
	require.True(t, b.Contains("jti-1"))
}

func TestInMemoryBlacklistExpiresEntries(t *testing.T) {
	b := NewInMemoryBlacklist()
	b.Add("jti-2", time.Now().Add(-time.Second))

	require.False(t, b.Contains("jti-2"))
}
