package api

import (
	"net/http"

	"gorm.io/gorm"

	"github.com/fleetctl/fleetctl/server/internal/db"
	"github.com/fleetctl/fleetctl/server/internal/queue"
	"github.com/fleetctl/fleetctl/server/internal/registry"
)

// HealthHandler groups the liveness/readiness probe handlers spec.md §6
// requires, each reporting service-by-service status.
type HealthHandler struct {
	db    *gorm.DB
	reg   *registry.Registry
	queue *queue.Queue
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(db *gorm.DB, reg *registry.Registry, q *queue.Queue) *HealthHandler {
	return &HealthHandler{db: db, reg: reg, queue: q}
}

// Live handles GET /api/v1/health/live — reports only that the process is
// up and serving requests, with no dependency checks.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	Ok(w, envelope{"status": "ok"})
}

// Ready handles GET /api/v1/health/ready — checks every dependency the
// control plane needs to serve traffic correctly: the database connection,
// the connection registry, and the command queue.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	services := envelope{}
	ready := true

	if err := db.Ping(r.Context(), h.db); err != nil {
		services["database"] = "unreachable"
		ready = false
	} else {
		services["database"] = "ok"
	}

	stats := h.reg.Stats()
	services["registry"] = envelope{
		"status":             "ok",
		"total_connections":  stats.TotalConnections,
		"connected_agents":   stats.ConnectedAgents,
		"dashboard_users":    stats.DashboardUsers,
	}

	services["queue"] = envelope{
		"status":      "ok",
		"total_depth": h.queue.TotalDepth(),
	}

	status := http.StatusOK
	overall := "ok"
	if !ready {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	JSON(w, status, envelope{"status": overall, "services": services})
}
