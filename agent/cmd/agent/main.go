// Package main is the entry point for the fleetctl agent binary. It wires
// the credential store, reconnection engine, WebSocket client, and command
// supervisor together and starts the reconnect loop.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Resolve the agent id from --agent-id or the persisted state file
//  4. Open the credential store, bootstrapping it from --bootstrap-token on
//     first run
//  5. Build the supervisor, WebSocket client, and reconnection engine
//  6. Start the supervisor worker and the reconnect loop
//  7. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fleetctl/fleetctl/agent/internal/authsession"
	"github.com/fleetctl/fleetctl/agent/internal/credstore"
	"github.com/fleetctl/fleetctl/agent/internal/reconnect"
	"github.com/fleetctl/fleetctl/agent/internal/supervisor"
	"github.com/fleetctl/fleetctl/agent/internal/wsclient"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	serverURL      string
	stateDir       string
	passphrase     string
	bootstrapToken string
	refreshToken   string
	agentID        string
	logLevel       string
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
		Use:   "fleetctl-agent",
		Short: "fleetctl agent — executes commands dispatched from the fleetctl control plane",
		Long: `fleetctl-agent runs alongside a long-running AI coding agent process.
It connects to the fleetctl server over a persistent WebSocket, receives
command assignments, and streams terminal output, status, and trace events
back in real time.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.serverURL, "server-url", envCfg.ServerURL, "fleetctl server agent WebSocket URL")
	root.PersistentFlags().StringVar(&cfg.stateDir, "state-dir", envCfg.StateDir, "directory for agent state (credentials, agent-state.json)")
	root.PersistentFlags().StringVar(&cfg.passphrase, "credential-passphrase", envCfg.Passphrase, "passphrase protecting the local credential store (required when no OS keychain is available)")
	root.PersistentFlags().StringVar(&cfg.bootstrapToken, "bootstrap-token", envCfg.BootstrapToken, "initial access token, used to seed the credential store on first run")
	root.PersistentFlags().StringVar(&cfg.refreshToken, "bootstrap-refresh-token", envCfg.BootstrapRefreshToken, "initial refresh token, used to seed the credential store on first run")
	root.PersistentFlags().StringVar(&cfg.agentID, "agent-id", envCfg.AgentID, "stable agent id assigned when this agent was registered; required on first run, persisted thereafter")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envCfg.LogLevel, "log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fleetctl-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	agentID, err := resolveAgentID(cfg)
	if err != nil {
		return err
	}

	logger.Info("starting fleetctl agent",
		zap.String("version", version),
		zap.String("server", cfg.serverURL),
		zap.String("agent_id", agentID),
	)

	// --- Credential store ---
	credsPath := cfg.stateDir + "/credentials.db"
	store, err := credstore.New("fleetctl-agent", credsPath, []byte(cfg.passphrase), []byte(agentID))
	if err != nil {
		return fmt.Errorf("failed to open credential store: %w", err)
	}
	defer store.Close()

	session := authsession.New(store, refreshURL(cfg.serverURL))
	if cfg.bootstrapToken != "" {
		if err := session.Bootstrap(cfg.bootstrapToken, cfg.refreshToken); err != nil {
			return fmt.Errorf("failed to bootstrap credentials: %w", err)
		}
	}
	if _, err := session.Token(ctx); err != nil {
		return fmt.Errorf("no credentials available, pass --bootstrap-token on first run: %w", err)
	}

	if err := reconnect.SaveAgentID(cfg.stateDir, agentID); err != nil {
		logger.Warn("failed to persist agent id", zap.Error(err))
	}

	// --- Supervisor ---
	sup := supervisor.New(logger)

	// --- WebSocket client ---
	client := wsclient.New(wsclient.Config{
		ServerURL:    cfg.serverURL,
		AgentID:      agentID,
		Version:      version,
		Capabilities: []string{"shell", "file_write", "file_read", "status_probe"},
		Tokens:       session,
		Supervisor:   sup,
	}, logger)

	// --- Reconnection engine ---
	engine := reconnect.New(reconnect.Config{}, client.Connect, func(ev reconnect.Event) {
		fields := []zap.Field{zap.String("event", ev.Name), zap.Int("attempt", ev.Attempt)}
		if ev.Err != nil {
			fields = append(fields, zap.Error(ev.Err))
		}
		logger.Info("reconnect", fields...)
	}, logger)

	// --- Start ---
	go sup.Run(ctx, client, client)
	engine.Run(ctx)

	logger.Info("fleetctl agent stopped")
	return nil
}

// resolveAgentID returns the agent id to connect with: the --agent-id flag
// on first run, or the id persisted from a prior run. A freshly persisted
// agent with no prior state and no --agent-id cannot proceed — the control
// plane only accepts AGENT_CONNECT for an id it already has a record for
// (created out-of-band by an operator via the REST API).
func resolveAgentID(cfg *config) (string, error) {
	if cfg.agentID != "" {
		if _, err := uuid.Parse(cfg.agentID); err != nil {
			return "", fmt.Errorf("--agent-id must be a valid UUID: %w", err)
		}
		return cfg.agentID, nil
	}
	persisted, err := reconnect.LoadAgentID(cfg.stateDir)
	if err != nil {
		return "", fmt.Errorf("failed to load persisted agent id: %w", err)
	}
	if persisted == "" {
		return "", fmt.Errorf("no agent id configured — pass --agent-id on first run")
	}
	return persisted, nil
}

// refreshURL derives the REST refresh endpoint from the agent WebSocket
// URL: same host, http(s) scheme, the versioned REST path.
func refreshURL(serverURL string) string {
	u := serverURL
	u = strings.Replace(u, "wss://", "https://", 1)
	u = strings.Replace(u, "ws://", "http://", 1)
	if idx := strings.Index(u, "/ws/agent"); idx >= 0 {
		u = u[:idx]
	}
	return u + "/api/v1/auth/refresh"
}

// defaultStateDir returns the platform-appropriate default state directory.
func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.fleetctl-agent"
	}
	return ".fleetctl-agent"
}

func buildLogger(level string) (*zap.Logger, error) {
	var zcfg zap.Config

	switch level {
	case "debug":
		zcfg = zap.NewDevelopmentConfig()
	default:
		zcfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		zcfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zcfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return zcfg.Build()
}

// envDefaults is decoded once at startup via caarlos0/env and supplies the
// default value each cobra flag falls back to when not passed explicitly.
type envDefaults struct {
	ServerURL              string `env:"FLEETCTL_SERVER_URL" envDefault:"ws://localhost:8080/ws/agent"`
	StateDir               string `env:"FLEETCTL_STATE_DIR"`
	Passphrase             string `env:"FLEETCTL_CREDENTIAL_PASSPHRASE"`
	BootstrapToken         string `env:"FLEETCTL_BOOTSTRAP_TOKEN"`
	BootstrapRefreshToken  string `env:"FLEETCTL_BOOTSTRAP_REFRESH_TOKEN"`
	AgentID                string `env:"FLEETCTL_AGENT_ID"`
	LogLevel               string `env:"FLEETCTL_LOG_LEVEL" envDefault:"info"`
}

// loadEnvDefaults decodes envDefaults, logging and falling back to zero
// values on a parse failure rather than aborting startup over it.
func loadEnvDefaults() envDefaults {
	var d envDefaults
	if err := env.Parse(&d); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to parse environment config, using defaults: %v\n", err)
	}
	if d.StateDir == "" {
		d.StateDir = defaultStateDir()
	}
	return d
}
