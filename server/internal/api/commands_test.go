package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetctl/fleetctl/server/internal/broadcast"
	"github.com/fleetctl/fleetctl/server/internal/db"
	"github.com/fleetctl/fleetctl/server/internal/dispatch"
	"github.com/fleetctl/fleetctl/server/internal/queue"
	"github.com/fleetctl/fleetctl/server/internal/registry"
	"github.com/fleetctl/fleetctl/server/internal/repository"
)

// fakeCommandRepo is an in-memory stand-in for repository.CommandRepository,
// mirroring the one in dispatch's own test suite.
type fakeCommandRepo struct {
	rows map[uuid.UUID]*db.Command
}

func newFakeCommandRepo() *fakeCommandRepo {
	return &fakeCommandRepo{rows: make(map[uuid.UUID]*db.Command)}
}

func (f *fakeCommandRepo) Create(_ context.Context, cmd *db.Command) error {
	if cmd.ID == (uuid.UUID{}) {
		cmd.ID = uuid.New()
	}
	cp := *cmd
	f.rows[cmd.ID] = &cp
	return nil
}
func (f *fakeCommandRepo) GetByID(_ context.Context, id uuid.UUID) (*db.Command, error) {
	cmd, ok := f.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *cmd
	return &cp, nil
}
func (f *fakeCommandRepo) Update(_ context.Context, cmd *db.Command) error {
	if _, ok := f.rows[cmd.ID]; !ok {
		return repository.ErrNotFound
	}
	cp := *cmd
	f.rows[cmd.ID] = &cp
	return nil
}
func (f *fakeCommandRepo) UpdateStatus(_ context.Context, id uuid.UUID, status, errMsg string) error {
	cmd, ok := f.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	cmd.Status = status
	cmd.Error = errMsg
	return nil
}
func (f *fakeCommandRepo) MarkDispatched(_ context.Context, id uuid.UUID, at time.Time) error {
	cmd, ok := f.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	cmd.DispatchedAt = &at
	return nil
}
func (f *fakeCommandRepo) IncrementAttempt(_ context.Context, id uuid.UUID) error {
	cmd, ok := f.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	cmd.AttemptCount++
	return nil
}
func (f *fakeCommandRepo) ListByAgent(_ context.Context, agentID uuid.UUID, _ repository.ListOptions) ([]db.Command, int64, error) {
	var out []db.Command
	for _, cmd := range f.rows {
		if cmd.AgentID == agentID {
			out = append(out, *cmd)
		}
	}
	return out, int64(len(out)), nil
}
func (f *fakeCommandRepo) ListActiveByAgent(_ context.Context, agentID uuid.UUID) ([]db.Command, error) {
	var out []db.Command
	for _, cmd := range f.rows {
		if cmd.AgentID == agentID && (cmd.Status == "queued" || cmd.Status == "executing") {
			out = append(out, *cmd)
		}
	}
	return out, nil
}

func newTestCommandHandler(t *testing.T) (*CommandHandler, *fakeCommandRepo) {
	t.Helper()
	reg := registry.New()
	hub := broadcast.NewHub(reg)
	q := queue.New(newFakeSnapshots(), zap.NewNop())
	cmds := newFakeCommandRepo()
	sched, err := gocron.NewScheduler()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sched.Shutdown() })

	d := dispatch.New(q, hub, reg, cmds, sched, zap.NewNop())
	return NewCommandHandler(cmds, d, zap.NewNop()), cmds
}

func requestWithURLParam(method, target, param, value string, body []byte) *http.Request {
	r := httptest.NewRequest(method, target, bytes.NewReader(body))
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(param, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestExecuteClampsOutOfRangePriority(t *testing.T) {
	h, _ := newTestCommandHandler(t)
	agentID := uuid.New()

	body, err := json.Marshal(executeRequest{Command: "shell", Args: "echo hi", Priority: intPtr(500)})
	require.NoError(t, err)

	r := requestWithURLParam(http.MethodPost, "/api/v1/agents/"+agentID.String()+"/execute", "id", agentID.String(), body)
	rr := httptest.NewRecorder()
	h.Execute(rr, r)

	require.Equal(t, http.StatusCreated, rr.Code)
	var resp struct {
		Data commandResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, queue.MaxPriority, resp.Data.Priority)
}

func TestExecuteClampsNegativePriority(t *testing.T) {
	h, _ := newTestCommandHandler(t)
	agentID := uuid.New()

	body, err := json.Marshal(executeRequest{Command: "shell", Args: "echo hi", Priority: intPtr(-50)})
	require.NoError(t, err)

	r := requestWithURLParam(http.MethodPost, "/api/v1/agents/"+agentID.String()+"/execute", "id", agentID.String(), body)
	rr := httptest.NewRecorder()
	h.Execute(rr, r)

	require.Equal(t, http.StatusCreated, rr.Code)
	var resp struct {
		Data commandResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, queue.MinPriority, resp.Data.Priority)
}

func TestExecuteReturns429WhenQueueFull(t *testing.T) {
	h, _ := newTestCommandHandler(t)
	agentID := uuid.New()

	for i := 0; i < queue.MaxQueueDepth; i++ {
		body, err := json.Marshal(executeRequest{Command: "shell", Args: "echo hi"})
		require.NoError(t, err)
		r := requestWithURLParam(http.MethodPost, "/api/v1/agents/"+agentID.String()+"/execute", "id", agentID.String(), body)
		rr := httptest.NewRecorder()
		h.Execute(rr, r)
		require.Equal(t, http.StatusCreated, rr.Code)
	}

	body, err := json.Marshal(executeRequest{Command: "shell", Args: "one too many"})
	require.NoError(t, err)
	r := requestWithURLParam(http.MethodPost, "/api/v1/agents/"+agentID.String()+"/execute", "id", agentID.String(), body)
	rr := httptest.NewRecorder()
	h.Execute(rr, r)

	require.Equal(t, http.StatusTooManyRequests, rr.Code)
}

func intPtr(n int) *int { return &n }
