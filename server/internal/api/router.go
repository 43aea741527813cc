package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fleetctl/fleetctl/server/internal/auth"
	"github.com/fleetctl/fleetctl/server/internal/dispatch"
	"github.com/fleetctl/fleetctl/server/internal/queue"
	"github.com/fleetctl/fleetctl/server/internal/registry"
	"github.com/fleetctl/fleetctl/server/internal/repository"
)

// RouterConfig holds all dependencies needed to build the HTTP router. It is
// populated in main.go after every component is constructed and passed to
// NewRouter as a single struct to keep the constructor signature manageable
// as the number of dependencies grows.
type RouterConfig struct {
	Auth       *auth.Service
	Dispatcher *dispatch.Dispatcher
	Registry   *registry.Registry
	Queue      *queue.Queue
	DB         *gorm.DB
	Logger     *zap.Logger

	Agents   repository.AgentRepository
	Commands repository.CommandRepository
	Presets  repository.CommandPresetRepository
	Reports  repository.InvestigationReportRepository

	// AllowedOrigins configures CORS for dashboard clients served from a
	// different origin than the API (local dev, or a separately deployed
	// frontend). Empty means same-origin only.
	AllowedOrigins []string
}

// NewRouter builds and returns the fully configured Chi router. Every route
// is registered under /api/v1; the WebSocket endpoints are mounted
// separately by main.go since they live outside this versioned REST tree.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "PUT", "DELETE"},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
		}))
	}

	// --- Initialize handlers ---
	authHandler := NewAuthHandler(cfg.Auth, cfg.Logger)
	agentHandler := NewAgentHandler(cfg.Agents, cfg.Registry, cfg.Logger)
	commandHandler := NewCommandHandler(cfg.Commands, cfg.Dispatcher, cfg.Logger)
	presetHandler := NewPresetHandler(cfg.Presets, cfg.Logger)
	reportHandler := NewReportHandler(cfg.Reports, cfg.Logger)
	healthHandler := NewHealthHandler(cfg.DB, cfg.Registry, cfg.Queue)

	// /metrics lives outside the versioned REST tree, matching the
	// conventional Prometheus scrape path rather than /api/v1/metrics.
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {

		// --- Public routes (no authentication required) ---
		r.Get("/health/live", healthHandler.Live)
		r.Get("/health/ready", healthHandler.Ready)

		r.Group(func(r chi.Router) {
			r.Post("/auth/login", authHandler.Login)
			r.Post("/auth/refresh", authHandler.Refresh)
		})

		// --- Authenticated routes (valid session required) ---
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.Auth))

			r.Post("/auth/logout", authHandler.Logout)

			// Agents
			r.Get("/agents", agentHandler.List)
			r.Get("/agents/{id}", agentHandler.GetByID)
			r.Get("/agents/{id}/status", agentHandler.GetStatus)
			r.Get("/agents/{id}/commands", commandHandler.ListByAgent)
			r.Get("/agents/{id}/reports", reportHandler.ListByAgent)
			r.With(RequireCapability(auth.CapCommandIssue)).
				Post("/agents/{id}/execute", commandHandler.Execute)
			r.With(RequireCapability(auth.CapAgentManage)).Post("/agents", agentHandler.Create)
			r.With(RequireCapability(auth.CapAgentManage)).Patch("/agents/{id}", agentHandler.Update)
			r.With(RequireCapability(auth.CapAgentManage)).Delete("/agents/{id}", agentHandler.Delete)

			// Commands
			r.Get("/commands/{id}", commandHandler.GetByID)
			r.Get("/commands/{id}/reports", reportHandler.ListByCommand)

			// Command presets
			r.Get("/command-presets", presetHandler.List)
			r.Get("/command-presets/{id}", presetHandler.GetByID)
			r.With(RequireCapability(auth.CapCommandIssue)).Post("/command-presets", presetHandler.Create)
			r.With(RequireCapability(auth.CapCommandIssue)).Patch("/command-presets/{id}", presetHandler.Update)
			r.With(RequireCapability(auth.CapCommandIssue)).Delete("/command-presets/{id}", presetHandler.Delete)

			// Investigation reports
			r.Get("/reports/{id}", reportHandler.GetByID)
		})
	})

	return r
}
