package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/flashcdc/cdc-ingestor/internal/auth"
	"github.com/flashcdc/cdc-ingestor/internal/db"
	"github.com/flashcdc/cdc-ingestor/internal/manager"
	"github.com/flashcdc/cdc-ingestor/internal/notifier"
	"github.com/flashcdc/cdc-ingestor/internal/offsetstore"
	"github.com/flashcdc/cdc-ingestor/internal/repository"
	"github.com/flashcdc/cdc-ingestor/internal/streamengine"
	"github.com/flashcdc/cdc-ingestor/internal/webhook"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	dbDriver  string
	dbDSN     string
	secretKey string
	logLevel  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "cdc-ingestor",
		Short: "cdc-ingestor — multi-tenant change-event ingestion service",
		Long: `cdc-ingestor maintains one long-lived Pub/Sub subscription per configured
client, decodes and filters the change events it receives, and forwards
qualifying records to each client's webhook with at-least-once delivery,
resuming from the last committed replay offset across restarts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newTestCmd(cfg))

	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("DB_DSN", "./ingestor.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("SECRET_KEY", ""), "Master secret key for encrypting credentials at rest (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cdc-ingestor %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// newTestCmd runs a one-off connectivity probe for a single client:
// authenticate, dial the broker, resolve the topic, tear down. It shares
// the root flags so it reads the same database.
func newTestCmd(cfg *config) *cobra.Command {
	var clientID int64

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Probe one client's broker connectivity without starting a listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(cfg.logLevel)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			mgr, cleanup, err := buildManager(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			tctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			result, err := mgr.TestClient(tctx, clientID)
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(result, "", "  ")
			fmt.Println(string(out))
			if !result.OK {
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&clientID, "client", 0, "Client id to test (required)")
	cmd.MarkFlagRequired("client") //nolint:errcheck
	return cmd
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting cdc-ingestor",
		zap.String("version", version),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mgr, cleanup, err := buildManager(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	started, err := mgr.AutostartActive(ctx)
	if err != nil {
		return fmt.Errorf("autostart failed: %w", err)
	}
	logger.Info("autostart finished", zap.Int("listeners", started))

	<-ctx.Done()
	logger.Info("shutting down cdc-ingestor")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	mgr.StopAll(shutdownCtx)

	logger.Info("cdc-ingestor stopped")
	return nil
}

// buildManager wires the full dependency chain: encryption, database,
// repositories, offset store, authenticator, dispatcher, notifier, manager.
// The returned cleanup closes the database.
func buildManager(ctx context.Context, cfg *config, logger *zap.Logger) (*manager.Manager, func(), error) {
	if cfg.secretKey == "" {
		return nil, nil, fmt.Errorf("secret key is required — set --secret-key or SECRET_KEY")
	}

	// InitEncryption must run before opening the database so that
	// EncryptedString fields decrypt transparently on read. The secret key
	// is padded or truncated to exactly 32 bytes (AES-256).
	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(cfg.secretKey))
	if err := db.InitEncryption(keyBytes); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize encryption: %w", err)
	}

	gormDB, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	cleanup := func() { sqlDB.Close() } //nolint:errcheck

	clientRepo := repository.NewClientRepository(gormDB)
	offsetRepo := repository.NewOffsetRepository(gormDB)
	settingsRepo := repository.NewSettingsRepository(gormDB)

	mgr := manager.New(ctx, manager.Config{
		Clients:    clientRepo,
		Offsets:    offsetstore.New(offsetRepo, logger),
		Authn:      auth.New(),
		Dispatcher: webhook.New(logger),
		Alerts:     notifier.NewService(notifier.Config{SettingsRepo: settingsRepo, Logger: logger}),
		EngineOpts: streamengine.OptionsFromEnv(),
		Logger:     logger,
	})
	return mgr, cleanup, nil
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

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
