package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-co-op/gocron/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fleetctl/fleetctl/server/internal/api"
	"github.com/fleetctl/fleetctl/server/internal/audit"
	"github.com/fleetctl/fleetctl/server/internal/auth"
	"github.com/fleetctl/fleetctl/server/internal/broadcast"
	"github.com/fleetctl/fleetctl/server/internal/db"
	"github.com/fleetctl/fleetctl/server/internal/dispatch"
	"github.com/fleetctl/fleetctl/server/internal/emergency"
	"github.com/fleetctl/fleetctl/server/internal/liveness"
	"github.com/fleetctl/fleetctl/server/internal/metrics"
	"github.com/fleetctl/fleetctl/server/internal/queue"
	"github.com/fleetctl/fleetctl/server/internal/registry"
	"github.com/fleetctl/fleetctl/server/internal/repository"
	"github.com/fleetctl/fleetctl/server/internal/ws"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr          string
	dbDriver          string
	dbDSN             string
	secretKey         string
	jwtIssuer         string
	logLevel          string
	identityURL       string
	redisURL          string
	sessionMaxPerUser int
	rateLimit         int
	rateLimitPer      time.Duration
	auditWebhookURL   string
	auditWebhookKey   string
	corsOrigins       string
	livenessInterval  time.Duration
	missedThreshold   time.Duration
	natsURL           string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}
	envCfg := loadEnvDefaults()

	root := &cobra.Command{
		Use:   "fleetctl-server",
		Short: "fleetctl server — real-time control plane for a fleet of coding agents",
		Long: `fleetctl server is the control plane dashboards and agents both connect
to: a bidirectional WebSocket hub, a priority command queue, heartbeat
liveness tracking, an emergency-stop coordinator, and an audit trail.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envCfg.HTTPAddr, "HTTP API and WebSocket listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envCfg.DBDriver, "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envCfg.DBDSN, "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envCfg.SecretKey, "Secret key for signing JWTs and encrypting credentials at rest (required)")
	root.PersistentFlags().StringVar(&cfg.jwtIssuer, "jwt-issuer", envCfg.JWTIssuer, "JWT issuer claim")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envCfg.LogLevel, "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.identityURL, "identity-url", envCfg.IdentityURL, "Base URL of the external identity provider (verify/refresh)")
	root.PersistentFlags().StringVar(&cfg.redisURL, "redis-url", envCfg.RedisURL, "Redis URL for distributed rate limiting (empty = in-memory)")
	root.PersistentFlags().IntVar(&cfg.sessionMaxPerUser, "session-max-per-user", 10, "Maximum concurrent sessions per user before the oldest is evicted")
	root.PersistentFlags().IntVar(&cfg.rateLimit, "login-rate-limit", 10, "Maximum login attempts per window per identity")
	root.PersistentFlags().DurationVar(&cfg.rateLimitPer, "login-rate-window", time.Minute, "Login rate limit window")
	root.PersistentFlags().StringVar(&cfg.auditWebhookURL, "audit-webhook-url", envCfg.AuditWebhookURL, "Optional webhook URL audit events are exported to")
	root.PersistentFlags().StringVar(&cfg.auditWebhookKey, "audit-webhook-secret", envCfg.AuditWebhookKey, "HMAC signing secret for the audit webhook")
	root.PersistentFlags().StringVar(&cfg.corsOrigins, "cors-origins", envCfg.CORSOrigins, "Comma-separated list of allowed CORS origins for dashboard clients")
	root.PersistentFlags().DurationVar(&cfg.livenessInterval, "liveness-sweep-interval", 10*time.Second, "How often the heartbeat sweep runs")
	root.PersistentFlags().DurationVar(&cfg.missedThreshold, "liveness-missed-threshold", 30*time.Second, "How long an agent may go without a heartbeat before being marked unresponsive")
	root.PersistentFlags().StringVar(&cfg.natsURL, "nats-url", envCfg.NATSUrl, "Optional NATS server URL for cross-instance broadcast fan-out (empty = single-instance, no remote bus)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fleetctl-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		return fmt.Errorf("secret key is required — set --secret-key or FLEETCTL_SECRET_KEY")
	}
	if cfg.identityURL == "" {
		return fmt.Errorf("identity provider URL is required — set --identity-url or FLEETCTL_IDENTITY_URL")
	}

	logger.Info("starting fleetctl server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Encryption ---
	// InitEncryption must be called before opening the database so that
	// EncryptedString fields (credential material) can encrypt/decrypt
	// transparently on read/write. The secret key is padded or truncated to
	// exactly 32 bytes (AES-256).
	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(cfg.secretKey))
	if err := db.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	// --- 2. Database ---
	gormDB, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// --- 3. Repositories ---
	agentRepo := repository.NewAgentRepository(gormDB)
	commandRepo := repository.NewCommandRepository(gormDB)
	presetRepo := repository.NewCommandPresetRepository(gormDB)
	reportRepo := repository.NewInvestigationReportRepository(gormDB)
	streamRepo := repository.NewStreamRepository(gormDB)
	sessionRepo := repository.NewSessionRepository(gormDB)
	queueSnapshotRepo := repository.NewQueueSnapshotRepository(gormDB)
	auditRepo := repository.NewAuditRepository(gormDB)

	// --- 4. Auth ---
	jwtManager, err := auth.NewJWTManager(keyBytes, cfg.jwtIssuer)
	if err != nil {
		return fmt.Errorf("failed to initialize JWT manager: %w", err)
	}
	sessionMgr := auth.NewSessionManager(sessionRepo, cfg.sessionMaxPerUser)
	blacklist := auth.NewInMemoryBlacklist()

	var rateLimiter auth.RateLimiter
	if cfg.redisURL != "" {
		opts, err := redis.ParseURL(cfg.redisURL)
		if err != nil {
			return fmt.Errorf("invalid redis URL: %w", err)
		}
		rateLimiter = auth.NewRedisRateLimiter(redis.NewClient(opts), int64(cfg.rateLimit), cfg.rateLimitPer, "fleetctl:login")
	} else {
		rateLimiter = auth.NewInMemoryRateLimiter(cfg.rateLimit, cfg.rateLimitPer)
	}

	identityProvider := auth.NewHTTPIdentityProvider(cfg.identityURL)
	authService := auth.NewService(jwtManager, sessionMgr, blacklist, rateLimiter, identityProvider)

	// --- 5. Connection registry and broadcast hub ---
	reg := registry.New()
	hub := broadcast.NewHub(reg)
	go hub.Run(ctx)

	if cfg.natsURL != "" {
		remoteBus, err := broadcast.NewRemoteBus(cfg.natsURL, logger)
		if err != nil {
			return fmt.Errorf("failed to connect remote broadcast bus: %w", err)
		}
		if err := remoteBus.Attach(hub); err != nil {
			return fmt.Errorf("failed to attach remote broadcast bus: %w", err)
		}
		defer remoteBus.Close()
		logger.Info("broadcast: cross-instance fan-out enabled", zap.String("nats_url", cfg.natsURL))
	}

	// --- 6. Command queue ---
	cmdQueue := queue.New(queueSnapshotRepo, logger)
	if err := cmdQueue.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore command queue: %w", err)
	}

	// --- 7. Scheduler (gocron — backs dispatch retry backoff) ---
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer func() {
		if err := sched.Shutdown(); err != nil {
			logger.Warn("scheduler shutdown error", zap.Error(err))
		}
	}()

	// --- 8. Dispatcher, emergency stop, liveness ---
	dispatcher := dispatch.New(cmdQueue, hub, reg, commandRepo, sched, logger)
	emergencyCoordinator := emergency.New(cmdQueue, hub, reg, commandRepo, logger)

	livenessMonitor := liveness.New(liveness.Config{
		SweepSpec:       fmt.Sprintf("@every %s", cfg.livenessInterval),
		MissedThreshold: cfg.missedThreshold,
	}, reg, hub, agentRepo, logger)
	if err := livenessMonitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start liveness monitor: %w", err)
	}

	// --- 9. Audit sink ---
	var webhook *audit.WebhookExporter
	if cfg.auditWebhookURL != "" {
		webhook = audit.NewWebhookExporter(cfg.auditWebhookURL, cfg.auditWebhookKey, logger)
	}
	auditSink := audit.New(auditRepo, audit.Config{Webhook: webhook}, logger)
	go auditSink.Run(ctx)

	metricsCollector := metrics.NewCollector(reg, cmdQueue, hub, 5*time.Second)
	go metricsCollector.Run(ctx)

	// --- 10. WebSocket handlers ---
	wsHandlers := ws.NewHandlers(ws.Config{
		Hub:        hub,
		Registry:   reg,
		Auth:       authService,
		Dispatcher: dispatcher,
		Emergency:  emergencyCoordinator,
		Liveness:   livenessMonitor,
		Audit:      auditSink,
		Streams:    streamRepo,
		Reports:    reportRepo,
		Agents:     agentRepo,
		Commands:   commandRepo,
		Logger:     logger,
	})

	// --- 11. HTTP router (REST) ---
	router := api.NewRouter(api.RouterConfig{
		Auth:           authService,
		Dispatcher:     dispatcher,
		Registry:       reg,
		Queue:          cmdQueue,
		DB:             gormDB,
		Logger:         logger,
		Agents:         agentRepo,
		Commands:       commandRepo,
		Presets:        presetRepo,
		Reports:        reportRepo,
		AllowedOrigins: splitCSV(cfg.corsOrigins),
	})

	mux := http.NewServeMux()
	mux.Handle("/ws/dashboard", http.HandlerFunc(wsHandlers.ServeDashboard))
	mux.Handle("/ws/agent", http.HandlerFunc(wsHandlers.ServeAgent))
	mux.Handle("/", router)

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down fleetctl server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("fleetctl server stopped")
	return nil
}

// gormLogLevel maps the application log level string to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

// envDefaults is decoded once at startup via caarlos0/env and supplies the
// default value each cobra flag falls back to when not passed explicitly.
type envDefaults struct {
	HTTPAddr          string `env:"FLEETCTL_HTTP_ADDR" envDefault:":8080"`
	DBDriver          string `env:"FLEETCTL_DB_DRIVER" envDefault:"sqlite"`
	DBDSN             string `env:"FLEETCTL_DB_DSN" envDefault:"./fleetctl.db"`
	SecretKey         string `env:"FLEETCTL_SECRET_KEY"`
	JWTIssuer         string `env:"FLEETCTL_JWT_ISSUER" envDefault:"fleetctl-server"`
	LogLevel          string `env:"FLEETCTL_LOG_LEVEL" envDefault:"info"`
	IdentityURL       string `env:"FLEETCTL_IDENTITY_URL"`
	RedisURL          string `env:"FLEETCTL_REDIS_URL"`
	AuditWebhookURL   string `env:"FLEETCTL_AUDIT_WEBHOOK_URL"`
	AuditWebhookKey   string `env:"FLEETCTL_AUDIT_WEBHOOK_SECRET"`
	CORSOrigins       string `env:"FLEETCTL_CORS_ORIGINS"`
	NATSUrl           string `env:"FLEETCTL_NATS_URL"`
}

// loadEnvDefaults decodes envDefaults, falling back to its zero value (all
// envDefault tags applied) if the environment is somehow unparseable —
// env.Parse only fails on type mismatches, and every field here is a
// string, so this realistically never happens, but a startup path never
// panics on bad env input.
func loadEnvDefaults() envDefaults {
	var d envDefaults
	if err := env.Parse(&d); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to parse environment config, using defaults: %v\n", err)
	}
	return d
}

// splitCSV splits a comma-separated flag value into a slice, skipping empty
// entries. Returns nil for an empty string so CORS stays same-origin-only by
// default.
func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
