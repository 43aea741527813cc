package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fleetctl/fleetctl/server/internal/db"
	"github.com/fleetctl/fleetctl/server/internal/queue"
	"github.com/fleetctl/fleetctl/server/internal/registry"
)

// fakeSnapshots is an in-memory stand-in for repository.QueueSnapshotRepository,
// matching the fake used elsewhere in the server test suite.
type fakeSnapshots struct {
	rows map[uuid.UUID]db.QueueSnapshot
}

func newFakeSnapshots() *fakeSnapshots {
	return &fakeSnapshots{rows: make(map[uuid.UUID]db.QueueSnapshot)}
}

func (f *fakeSnapshots) Put(_ context.Context, s *db.QueueSnapshot) error {
	f.rows[s.CommandID] = *s
	return nil
}
func (f *fakeSnapshots) Delete(_ context.Context, commandID uuid.UUID) error {
	delete(f.rows, commandID)
	return nil
}
func (f *fakeSnapshots) ListByAgent(_ context.Context, agentID uuid.UUID) ([]db.QueueSnapshot, error) {
	return nil, nil
}
func (f *fakeSnapshots) ListAll(_ context.Context) ([]db.QueueSnapshot, error) {
	return nil, nil
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := db.New(db.Config{Driver: "sqlite", DSN: "file:" + t.Name() + "?mode=memory&cache=shared", Logger: zap.NewNop()})
	require.NoError(t, err)
	return database
}

func TestHealthLiveAlwaysOk(t *testing.T) {
	h := NewHealthHandler(nil, registry.New(), queue.New(newFakeSnapshots(), zap.NewNop()))

	rr := httptest.NewRecorder()
	h.Live(rr, httptest.NewRequest(http.MethodGet, "/api/v1/health/live", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"data":{"status":"ok"}}`, rr.Body.String())
}

func TestHealthReadyReportsOkWhenDatabaseReachable(t *testing.T) {
	database := newTestDB(t)
	h := NewHealthHandler(database, registry.New(), queue.New(newFakeSnapshots(), zap.NewNop()))

	rr := httptest.NewRecorder()
	h.Ready(rr, httptest.NewRequest(http.MethodGet, "/api/v1/health/ready", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"status":"ok"`)
}
