// Package main implements a one-shot seed command that creates a command
// preset directly in the fleetctl database, for bootstrapping a local dev
// environment without going through the dashboard UI. It lives inside the
// server module so it can access server/internal/* packages.
//
// Usage (from monorepo root):
//
//	go run ./server/cmd/seed \
//	  --name "run tests" \
//	  --type shell \
//	  --content "go test ./..." \
//	  --priority 10
//
// Environment variables:
//
//	FLEETCTL_DB_DSN      SQLite file path (default: ./fleetctl.db); always opened with the sqlite driver
//	FLEETCTL_SECRET_KEY  Master encryption key — must match the value used by the server
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fleetctl/fleetctl/server/internal/db"
	"github.com/fleetctl/fleetctl/server/internal/repository"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ─── Flags ───────────────────────────────────────────────────────────────

	name := flag.String("name", "", "Preset name (required)")
	cmdType := flag.String("type", "shell", "Command type (shell, prompt, ...)")
	content := flag.String("content", "", "Command content (required)")
	priority := flag.Int("priority", 10, "Default dispatch priority (0-100)")
	flag.Parse()

	if *name == "" {
		return fmt.Errorf("--name is required")
	}
	if *content == "" {
		return fmt.Errorf("--content is required")
	}
	if *priority < 0 || *priority > 100 {
		return fmt.Errorf("--priority must be between 0 and 100")
	}

	// ─── Config ──────────────────────────────────────────────────────────────

	dsn := envOrDefault("FLEETCTL_DB_DSN", "./fleetctl.db")

	secretKey := os.Getenv("FLEETCTL_SECRET_KEY")
	if secretKey == "" {
		return fmt.Errorf(
			"FLEETCTL_SECRET_KEY is not set\n" +
				"  Set it to the same value used by the server, otherwise\n" +
				"  encrypted columns written here will be unreadable by it.",
		)
	}
	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(secretKey))

	// ─── Encryption ──────────────────────────────────────────────────────────

	// InitEncryption must be called before any DB operation so that
	// EncryptedString fields are encoded correctly on write.
	if err := db.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("init encryption: %w", err)
	}

	// ─── Database ────────────────────────────────────────────────────────────

	logger, _ := zap.NewDevelopment()

	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      dsn,
		Logger:   logger,
		LogLevel: gormlogger.Silent, // suppress GORM query logs in seed output
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// ─── Create preset ───────────────────────────────────────────────────────

	presetRepo := repository.NewCommandPresetRepository(database)

	preset := &db.CommandPreset{
		Name:     *name,
		Type:     *cmdType,
		Content:  *content,
		Priority: *priority,
	}

	if err := presetRepo.Create(context.Background(), preset); err != nil {
		return fmt.Errorf("create preset: %w", err)
	}

	fmt.Printf("✓ Command preset created\n")
	fmt.Printf("  ID:       %s\n", preset.ID)
	fmt.Printf("  Name:     %s\n", preset.Name)
	fmt.Printf("  Type:     %s\n", preset.Type)
	fmt.Printf("  Priority: %d\n", preset.Priority)

	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
