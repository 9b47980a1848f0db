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

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fabrice-guiot/shuttersense/internal/server/api"
	"github.com/fabrice-guiot/shuttersense/internal/server/auth"
	"github.com/fabrice-guiot/shuttersense/internal/server/db"
	"github.com/fabrice-guiot/shuttersense/internal/server/dispatcher"
	"github.com/fabrice-guiot/shuttersense/internal/server/repositories"
	"github.com/fabrice-guiot/shuttersense/internal/server/retention"
	"github.com/fabrice-guiot/shuttersense/internal/server/sweep"
	"github.com/fabrice-guiot/shuttersense/internal/server/uploadsessions"
	"github.com/fabrice-guiot/shuttersense/internal/server/websocket"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr  string
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
		Use:   "shuttersense-server",
		Short: "shuttersense server — agent coordination plane",
		Long: `shuttersense-server dispatches analysis jobs to registered agents,
accepts their chunked result uploads, and enforces per-team retention.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("SHUTTERSENSE_HTTP_ADDR", ":8080"), "HTTP API listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("SHUTTERSENSE_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("SHUTTERSENSE_DB_DSN", "./shuttersense.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("SHUTTERSENSE_SECRET_KEY", ""), "Master secret key for encrypting connector credentials at rest (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("SHUTTERSENSE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("shuttersense-server %s (commit: %s, built: %s)\n", version, commit, date)
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
		return fmt.Errorf("secret key is required — set --secret-key or SHUTTERSENSE_SECRET_KEY")
	}

	logger.Info("starting shuttersense server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Encryption ---
	// Must run before any EncryptedString column (Connector.ServerCredentials)
	// is read or written.
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
	teamRepo := repositories.NewTeamRepository(gormDB)
	tokenRepo := repositories.NewRegistrationTokenRepository(gormDB)
	agentRepo := repositories.NewAgentRepository(gormDB)
	runtimeRepo := repositories.NewAgentRuntimeRepository(gormDB)
	jobRepo := repositories.NewJobRepository(gormDB)
	resultRepo := repositories.NewResultRepository(gormDB)
	uploadRepo := repositories.NewUploadSessionRepository(gormDB)
	connectorRepo := repositories.NewConnectorRepository(gormDB)
	collectionRepo := repositories.NewCollectionRepository(gormDB)
	policyRepo := repositories.NewRetentionPolicyRepository(gormDB)

	// --- 4. Services ---
	authSvc := auth.NewService(tokenRepo, agentRepo)
	dispatch := dispatcher.New(jobRepo, runtimeRepo, logger)
	uploads := uploadsessions.New(uploadRepo, jobRepo, resultRepo, logger)
	ret := retention.New(policyRepo, jobRepo, resultRepo, logger)
	hub := websocket.NewHub()
	go hub.Run(ctx)

	// --- 5. Background sweeps ---
	sweeper, err := sweep.New(logger)
	if err != nil {
		return fmt.Errorf("failed to create sweep scheduler: %w", err)
	}
	if err := sweeper.Start(ctx, dispatch, uploads, ret); err != nil {
		return fmt.Errorf("failed to start sweep scheduler: %w", err)
	}
	defer func() {
		if err := sweeper.Stop(); err != nil {
			logger.Warn("sweep scheduler shutdown error", zap.Error(err))
		}
	}()

	// --- 6. HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		Auth:          authSvc,
		Dispatch:      dispatch,
		Uploads:       uploads,
		Hub:           hub,
		Logger:        logger,
		Version:       version,
		Agents:        agentRepo,
		AgentRuntimes: runtimeRepo,
		Connectors:    connectorRepo,
		Collections:   collectionRepo,
		Teams:         teamRepo,
		Jobs:          jobRepo,
		Results:       resultRepo,
		UploadSess:    uploadRepo,
	})

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      router,
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

	<-ctx.Done()
	logger.Info("shutting down shuttersense server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("shuttersense server stopped")
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

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
