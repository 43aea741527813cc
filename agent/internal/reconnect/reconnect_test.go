package reconnect

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSaveAndLoadAgentID(t *testing.T) {
	dir := t.TempDir()

	id, err := LoadAgentID(dir)
	require.NoError(t, err)
	require.Empty(t, id)

	require.NoError(t, SaveAgentID(dir, "agent-123"))

	id, err = LoadAgentID(dir)
	require.NoError(t, err)
	require.Equal(t, "agent-123", id)
}

func TestLoadAgentIDCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agent-state.json"), []byte("not json"), 0o600))

	_, err := LoadAgentID(dir)
	require.Error(t, err)
}

func TestEngineRetriesWithBackoffThenSucceeds(t *testing.T) {
	cfg := Config{
		BaseDelay:      1 * time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		Multiplier:     2,
		JitterFraction: 0.01,
		Breaker:        BreakerConfig{FailureThreshold: 10, OpenDuration: time.Second},
	}

	var attempts int
	var mu sync.Mutex
	var events []string

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dial := func(ctx context.Context) error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return errors.New("dial failed")
		}
		cancel()
		<-ctx.Done()
		return nil
	}

	e := New(cfg, dial, func(ev Event) {
		mu.Lock()
		events = append(events, ev.Name)
		mu.Unlock()
	}, zap.NewNop())

	e.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 3, attempts)
	require.Contains(t, events, "attempt_failed")
	require.Contains(t, events, "reconnection_successful")
	require.Equal(t, StateStopped, e.GetState())
}

func TestEngineStopsAfterMaxAttempts(t *testing.T) {
	cfg := Config{
		BaseDelay:      1 * time.Millisecond,
		MaxDelay:       2 * time.Millisecond,
		Multiplier:     2,
		JitterFraction: 0.01,
		MaxAttempts:    2,
		Breaker:        BreakerConfig{FailureThreshold: 10, OpenDuration: time.Second},
	}

	var events []string
	dial := func(ctx context.Context) error { return errors.New("always fails") }

	e := New(cfg, dial, func(ev Event) { events = append(events, ev.Name) }, zap.NewNop())
	e.Run(context.Background())

	require.Contains(t, events, "max_attempts_reached")
	require.Equal(t, StateStopped, e.GetState())
}
