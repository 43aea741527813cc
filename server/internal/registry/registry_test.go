package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	connID  string
	kind    Kind
	agentID string
	userID  string
	closed  bool
	reason  string
}

func (f *fakeConn) ConnectionID() string { return f.connID }
func (f *fakeConn) Kind() Kind           { return f.kind }
func (f *fakeConn) AgentID() string      { return f.agentID }
func (f *fakeConn) UserID() string       { return f.userID }
func (f *fakeConn) Close(reason string)  { f.closed = true; f.reason = reason }

func TestRegisterAndLookupByConnectionID(t *testing.T) {
	r := New()
	c := &fakeConn{connID: "c1", kind: KindDashboard, userID: "u1"}
	r.Register(c)

	got, ok := r.ByConnectionID("c1")
	require.True(t, ok)
	require.Equal(t, c, got)
}

func TestRegisterAgentIndexesByAgentID(t *testing.T) {
	r := New()
	c := &fakeConn{connID: "c1", kind: KindAgent, agentID: "agent-1"}
	r.Register(c)

	got, ok := r.ByAgentID("agent-1")
	require.True(t, ok)
	require.Equal(t, c, got)
	require.True(t, r.IsAgentConnected("agent-1"))
}

func TestRegisterSecondAgentConnectionClosesFirst(t *testing.T) {
	r := New()
	first := &fakeConn{connID: "c1", kind: KindAgent, agentID: "agent-1"}
	r.Register(first)

	second := &fakeConn{connID: "c2", kind: KindAgent, agentID: "agent-1"}
	r.Register(second)

	require.True(t, first.closed)
	require.Equal(t, "superseded by new connection for same agent", first.reason)

	got, ok := r.ByAgentID("agent-1")
	require.True(t, ok)
	require.Equal(t, second, got)
}

func TestDeregisterRemovesFromAllIndices(t *testing.T) {
	r := New()
	c := &fakeConn{connID: "c1", kind: KindAgent, agentID: "agent-1"}
	r.Register(c)
	r.Deregister(c)

	_, ok := r.ByConnectionID("c1")
	require.False(t, ok)
	require.False(t, r.IsAgentConnected("agent-1"))
}

func TestByUserIDReturnsAllDashboardConnectionsForUser(t *testing.T) {
	r := New()
	c1 := &fakeConn{connID: "c1", kind: KindDashboard, userID: "u1"}
	c2 := &fakeConn{connID: "c2", kind: KindDashboard, userID: "u1"}
	c3 := &fakeConn{connID: "c3", kind: KindDashboard, userID: "u2"}
	r.Register(c1)
	r.Register(c2)
	r.Register(c3)

	conns := r.ByUserID("u1")
	require.Len(t, conns, 2)
}

func TestAllAgentsReturnsOnlyAgentConnections(t *testing.T) {
	r := New()
	r.Register(&fakeConn{connID: "c1", kind: KindAgent, agentID: "agent-1"})
	r.Register(&fakeConn{connID: "c2", kind: KindAgent, agentID: "agent-2"})
	r.Register(&fakeConn{connID: "c3", kind: KindDashboard, userID: "u1"})

	require.Len(t, r.AllAgents(), 2)
}

func TestStatsReportsCounts(t *testing.T) {
	r := New()
	r.Register(&fakeConn{connID: "c1", kind: KindAgent, agentID: "agent-1"})
	r.Register(&fakeConn{connID: "c2", kind: KindDashboard, userID: "u1"})

	stats := r.Stats()
	require.Equal(t, 2, stats.TotalConnections)
	require.Equal(t, 1, stats.ConnectedAgents)
	require.Equal(t, 1, stats.DashboardUsers)
}

func TestWaitForAgentReturnsImmediatelyWhenAlreadyConnected(t *testing.T) {
	r := New()
	r.Register(&fakeConn{connID: "c1", kind: KindAgent, agentID: "agent-1"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.WaitForAgent(ctx, "agent-1", time.Second))
}

func TestWaitForAgentUnblocksOnLateRegister(t *testing.T) {
	r := New()
	done := make(chan error, 1)
	go func() {
		done <- r.WaitForAgent(context.Background(), "agent-1", 2*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	r.Register(&fakeConn{connID: "c1", kind: KindAgent, agentID: "agent-1"})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitForAgent did not unblock after registration")
	}
}

func TestWaitForAgentTimesOut(t *testing.T) {
	r := New()
	err := r.WaitForAgent(context.Background(), "agent-missing", 20*time.Millisecond)
	require.Error(t, err)
}

func TestWaitForAgentRespectsContextCancellation(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.WaitForAgent(ctx, "agent-missing", time.Second)
	}()

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("WaitForAgent did not return after context cancellation")
	}
}
