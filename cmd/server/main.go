package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fleetd-io/fleetd/server/internal/agentsession"
	"github.com/fleetd-io/fleetd/server/internal/api"
	"github.com/fleetd-io/fleetd/server/internal/auth"
	"github.com/fleetd-io/fleetd/server/internal/cache"
	"github.com/fleetd-io/fleetd/server/internal/db"
	"github.com/fleetd-io/fleetd/server/internal/orchestrator"
	"github.com/fleetd-io/fleetd/server/internal/realtime"
	"github.com/fleetd-io/fleetd/server/internal/repositories"
	"github.com/fleetd-io/fleetd/server/internal/sweep"
	"github.com/fleetd-io/fleetd/server/internal/terminal"
	"github.com/fleetd-io/fleetd/server/internal/webclient"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr               string
	dbDriver               string
	dbDSN                  string
	secretKey              string
	sessionTokenSecret     string
	logLevel               string
	dataDir                string
	secureCookies          bool
	disconnectGraceMS      int
	maxParallelConcurrency int
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
		Use:   "fleetd-server",
		Short: "fleetd server — the fleet control-plane",
		Long: `fleetd server is the control plane of the fleetd system.
It accepts agent WebSocket streams, operator WebSocket streams, exposes a
REST API for the web console, and orchestrates jobs across the fleet.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("FLEETD_HTTP_ADDR", ":8080"), "HTTP API, WebSocket and metrics listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("FLEETD_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("FLEETD_DB_DSN", "./fleetd.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("FLEETD_SECRET_KEY", ""), "Master AES key for encrypting agent secrets and credentials at rest (required)")
	root.PersistentFlags().StringVar(&cfg.sessionTokenSecret, "session-token-secret", envOrDefault("SESSION_TOKEN_SECRET", ""), "HMAC key for terminal session token signatures (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("FLEETD_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("FLEETD_DATA_DIR", "./data"), "Directory for server data (RSA keys, etc.)")
	root.PersistentFlags().BoolVar(&cfg.secureCookies, "secure-cookies", envOrDefault("FLEETD_SECURE_COOKIES", "false") == "true", "Set Secure flag on auth cookies (enable in production over HTTPS)")
	root.PersistentFlags().IntVar(&cfg.disconnectGraceMS, "disconnect-grace-ms", envOrDefaultInt("FLEETD_DISCONNECT_GRACE_MS", 15000), "Grace period in milliseconds before an inflight execution is failed after its agent disconnects")
	root.PersistentFlags().IntVar(&cfg.maxParallelConcurrency, "max-parallel-concurrency", envOrDefaultInt("FLEETD_MAX_PARALLEL_CONCURRENCY", 50), "Hard cap on concurrent in-flight executions for any single parallel-strategy job")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fleetd-server %s (commit: %s, built: %s)\n", version, commit, date)
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
		return fmt.Errorf("master secret key is required — set --secret-key or FLEETD_SECRET_KEY")
	}
	if cfg.sessionTokenSecret == "" {
		return fmt.Errorf("session token secret is required — set --session-token-secret or SESSION_TOKEN_SECRET")
	}

	logger.Info("starting fleetd server",
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
	// EncryptedString fields can encrypt/decrypt transparently on read/write.
	// The secret key is padded or truncated to exactly 32 bytes (AES-256).
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
	userRepo := repositories.NewUserRepository(gormDB)
	refreshTokenRepo := repositories.NewRefreshTokenRepository(gormDB)
	machineRepo := repositories.NewMachineRepository(gormDB)
	machineACLRepo := repositories.NewMachineACLRepository(gormDB)
	metricRepo := repositories.NewMetricRepository(gormDB)
	portRepo := repositories.NewPortRepository(gormDB)
	jobRepo := repositories.NewJobRepository(gormDB)
	auditRepo := repositories.NewAuditRepository(gormDB)
	oidcProviderRepo := repositories.NewOIDCProviderRepository(gormDB)

	// --- 4. Auth ---
	// In development (no data dir or missing key files), ephemeral keys are
	// generated in memory. In production, persistent PEM files are used so
	// tokens survive server restarts.
	jwtManager, err := buildJWTManager(cfg.dataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize JWT manager: %w", err)
	}

	localProvider := auth.NewLocalAuthProvider(userRepo, refreshTokenRepo, jwtManager)
	oidcProvider := auth.NewOIDCAuthProvider(oidcProviderRepo, userRepo, refreshTokenRepo, jwtManager)
	authService := auth.NewAuthService(localProvider, oidcProvider, refreshTokenRepo, jwtManager)

	// --- 5. State cache ---
	cacheState := cache.New()
	if err := cacheState.Warm(ctx, machineRepo, portRepo); err != nil {
		return fmt.Errorf("failed to warm state cache: %w", err)
	}

	// --- 6. Realtime event bus ---
	bus := realtime.NewBus()
	go bus.Run(ctx)

	// --- 7. Terminal service ---
	sessionKeyBytes := make([]byte, 32)
	copy(sessionKeyBytes, []byte(cfg.sessionTokenSecret))
	termSvc := terminal.NewService(sessionKeyBytes, auditSinkAdapter{repo: auditRepo})

	// --- 8. Agent Session Manager and Job Orchestrator ---
	// These two depend on each other: agentsession.Manager implements
	// dispatcher.Dispatcher for the orchestrator, and the orchestrator
	// implements agentsession.ExecutionSink. Manager is constructed first
	// with a nil sink and wired up via SetExecutionSink once the
	// orchestrator exists.
	agentMgr := agentsession.New(agentsession.Deps{
		Machines: machineRepo,
		Metrics:  metricRepo,
		Ports:    portRepo,
		Audit:    auditRepo,
		Cache:    cacheState,
		Bus:      bus,
		Terminal: termSvc,
		Exec:     nil,
		Throttle: agentsession.ThrottleConfigFromEnv(),
		Logger:   logger,
	})

	orch := orchestrator.New(jobRepo, cacheState, agentMgr, orchestrator.Config{
		DisconnectGrace:      time.Duration(cfg.disconnectGraceMS) * time.Millisecond,
		GlobalConcurrencyCap: cfg.maxParallelConcurrency,
	}, logger)

	agentMgr.SetExecutionSink(orch)

	// --- 9. Web Client Session Manager ---
	clientMgr := webclient.New(webclient.Deps{
		JWT:      jwtManager,
		Terminal: termSvc,
		ACL:      machineACLRepo,
		Machines: machineRepo,
		Bus:      bus,
		Agents:   agentMgr,
		Logger:   logger,
	})

	// --- 10. Background maintenance sweeps ---
	sweeper, err := sweep.New(portRepo, machineRepo, refreshTokenRepo, orch, sweep.Config{}, logger)
	if err != nil {
		return fmt.Errorf("failed to create sweeper: %w", err)
	}
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sweeper: %w", err)
	}
	defer func() {
		if err := sweeper.Stop(); err != nil {
			logger.Warn("sweep shutdown error", zap.Error(err))
		}
	}()

	// --- 11. HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		AuthService:   authService,
		Orchestrator:  orch,
		Cache:         cacheState,
		Logger:        logger,
		Users:         userRepo,
		Machines:      machineRepo,
		MachineACLs:   machineACLRepo,
		Jobs:          jobRepo,
		Audit:         auditRepo,
		OIDCProviders: oidcProviderRepo,
		AgentStream:   agentMgr,
		ClientStream:  clientMgr,
		Secure:        cfg.secureCookies,
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

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down fleetd server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("fleetd server stopped")
	return nil
}

// auditSinkAdapter satisfies terminal.AuditSink over the AuditRepository,
// keeping internal/terminal free of a direct dependency on internal/db and
// internal/repositories.
type auditSinkAdapter struct {
	repo repositories.AuditRepository
}

func (a auditSinkAdapter) Record(actor, action, machineID, sessionID, detail string) {
	entry := &db.AuditLog{
		Actor:     actor,
		Action:    action,
		SessionID: sessionID,
		Detail:    detail,
	}
	if mid, err := uuid.Parse(machineID); err == nil {
		entry.MachineID = &mid
	}
	// Best-effort: a dropped audit row must never block a terminal operation.
	_ = a.repo.Create(context.Background(), entry)
}

// buildJWTManager loads RSA keys from the data directory if available,
// or generates ephemeral in-memory keys for development.
func buildJWTManager(dataDir string, logger *zap.Logger) (*auth.JWTManager, error) {
	privPath := filepath.Join(dataDir, "jwt_private.pem")
	pubPath := filepath.Join(dataDir, "jwt_public.pem")

	if _, err := os.Stat(privPath); err == nil {
		logger.Info("loading JWT keys from disk", zap.String("private", privPath))
		return auth.NewJWTManagerFromFiles(privPath, pubPath, "fleetd-server")
	}

	logger.Warn("JWT key files not found — using ephemeral in-memory keys (tokens will be invalidated on restart)",
		zap.String("expected_private", privPath),
	)
	return auth.NewJWTManagerGenerated("fleetd-server")
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

func envOrDefaultInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
