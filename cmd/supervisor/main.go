// Package main implements the agent supervisor's HTTP server: it wires the
// Store, PortAllocator, AgentController, ProcessSupervisor, HealthMonitor
// and HTTP API together and runs until a shutdown signal arrives.
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

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/agentsupervisor/server/internal/api"
	"github.com/agentsupervisor/server/internal/auth"
	"github.com/agentsupervisor/server/internal/controller"
	"github.com/agentsupervisor/server/internal/db"
	"github.com/agentsupervisor/server/internal/health"
	"github.com/agentsupervisor/server/internal/portalloc"
	"github.com/agentsupervisor/server/internal/store"
	"github.com/agentsupervisor/server/internal/supervisor"
	"github.com/agentsupervisor/server/internal/websocket"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr         string
	dbDriver         string
	dbDSN            string
	secretKey        string
	logLevel         string
	dataDir          string
	secureCookies    bool
	agentPortMin     int
	agentPortMax     int
	heartbeatMs      int
	readyTimeoutMs   int
	graceTimeoutMs   int
	maxRestarts      int
	restartBackoffMs int
	workerBinPath    string
	shutdownMs       int
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
		Use:   "supervisor",
		Short: "Agent supervisor — multi-tenant process supervisor for AI agent workers",
		Long: `The agent supervisor manages the lifecycle of AI agent worker
processes: it spawns them, tracks their heartbeat and resource usage,
restarts them on failure, and exposes a REST API and WebSocket feed
for operators.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", ":"+envOrDefault("PORT", "8080"), "HTTP API listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("DB_DSN", "./supervisor.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("JWT_SECRET", ""), "Master secret used to derive at-rest encryption (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("DATA_DIR", "./data"), "Directory for server data (JWT RSA keys, etc.)")
	root.PersistentFlags().BoolVar(&cfg.secureCookies, "secure-cookies", envOrDefault("SECURE_COOKIES", "false") == "true", "Set Secure flag on OIDC session cookies (enable in production over HTTPS)")
	root.PersistentFlags().IntVar(&cfg.agentPortMin, "agent-port-min", envIntOrDefault("AGENT_PORT_MIN", 3001), "Lower bound of the worker port range")
	root.PersistentFlags().IntVar(&cfg.agentPortMax, "agent-port-max", envIntOrDefault("AGENT_PORT_MAX", 3100), "Upper bound of the worker port range")
	root.PersistentFlags().IntVar(&cfg.heartbeatMs, "heartbeat-interval-ms", envIntOrDefault("HEARTBEAT_INTERVAL_MS", 30000), "HealthMonitor sweep cadence in milliseconds")
	root.PersistentFlags().IntVar(&cfg.readyTimeoutMs, "ready-timeout-ms", envIntOrDefault("READY_TIMEOUT_MS", 30000), "Time to wait for a worker's ready record before force-killing it")
	root.PersistentFlags().IntVar(&cfg.graceTimeoutMs, "grace-timeout-ms", envIntOrDefault("GRACE_TIMEOUT_MS", 10000), "Time to wait after SIGTERM before escalating to SIGKILL")
	root.PersistentFlags().IntVar(&cfg.maxRestarts, "max-restarts", envIntOrDefault("MAX_RESTARTS", 3), "Consecutive automatic restarts allowed before an agent settles in error")
	root.PersistentFlags().IntVar(&cfg.restartBackoffMs, "restart-backoff-ms", envIntOrDefault("RESTART_BACKOFF_MS", 5000), "Delay before an automatic restart attempt")
	root.PersistentFlags().StringVar(&cfg.workerBinPath, "worker-bin-path", envOrDefault("WORKER_BIN_PATH", "./agentworker"), "Path to the worker executable the supervisor spawns")
	root.PersistentFlags().IntVar(&cfg.shutdownMs, "shutdown-timeout-ms", envIntOrDefault("SHUTDOWN_TIMEOUT_MS", 30000), "Graceful-shutdown deadline")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("supervisor %s (commit: %s, built: %s)\n", version, commit, date)
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
		return fmt.Errorf("secret key is required — set --secret-key or JWT_SECRET")
	}

	logger.Info("starting agent supervisor",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Encryption ---
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

	// --- 3. Store ---
	agentStore := store.NewAgentStore(gormDB)
	templateStore := store.NewTemplateStore(gormDB)
	userStore := store.NewUserStore(gormDB)
	refreshTokenStore := store.NewRefreshTokenStore(gormDB)
	oidcProviderStore := store.NewOIDCProviderStore(gormDB)
	eventStore := store.NewEventStore(gormDB)

	// --- 4. Auth ---
	jwtManager, err := buildJWTManager(cfg.dataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize JWT manager: %w", err)
	}

	localProvider := auth.NewLocalAuthProvider(userStore, refreshTokenStore, jwtManager)
	oidcProvider := auth.NewOIDCAuthProvider(oidcProviderStore, userStore, refreshTokenStore, jwtManager)
	authService := auth.NewAuthService(localProvider, oidcProvider, refreshTokenStore, jwtManager)

	// --- 5. Port allocator ---
	allocator, err := portalloc.New(agentStore, cfg.agentPortMin, cfg.agentPortMax)
	if err != nil {
		return fmt.Errorf("failed to create port allocator: %w", err)
	}

	// --- 6. WebSocket hub (built before the Controller so its hooks can
	// publish to it from the start) ---
	hub := websocket.NewHub()
	go hub.Run(ctx)

	// --- 7. Controller (Supervisor is attached after construction, since
	// its Hooks close over the Controller's own methods) ---
	ctl := controller.New(controller.Config{
		MaxRestarts:    cfg.maxRestarts,
		RestartBackoff: time.Duration(cfg.restartBackoffMs) * time.Millisecond,
	}, agentStore, templateStore, eventStore, allocator, logger)
	ctl.SetHub(hub)

	sup := supervisor.New(supervisor.Config{
		WorkerBinPath: cfg.workerBinPath,
		ReadyTimeout:  time.Duration(cfg.readyTimeoutMs) * time.Millisecond,
		GraceTimeout:  time.Duration(cfg.graceTimeoutMs) * time.Millisecond,
	}, ctl.Hooks(), logger)
	ctl.SetSupervisor(sup)

	// --- 8. Health monitor ---
	monitor, err := health.New(health.Config{
		HeartbeatInterval: time.Duration(cfg.heartbeatMs) * time.Millisecond,
		MaxRestarts:       cfg.maxRestarts,
	}, agentStore, ctl, logger)
	if err != nil {
		return fmt.Errorf("failed to create health monitor: %w", err)
	}
	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start health monitor: %w", err)
	}
	defer func() {
		if err := monitor.Stop(); err != nil {
			logger.Warn("health monitor shutdown error", zap.Error(err))
		}
	}()

	// --- 9. HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		AuthService: authService,
		Controller:  ctl,
		Supervisor:  sup,
		Hub:         hub,
		Logger:      logger,
		Users:       userStore,
		Templates:   templateStore,
		Events:      eventStore,
		Secure:      cfg.secureCookies,
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
	logger.Info("shutting down agent supervisor")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.shutdownMs)*time.Millisecond)
	defer shutdownCancel()

	// Stop accepting new agent intents and drain running agents before the
	// HTTP listener closes, so in-flight stop/restart calls still land.
	ctl.Shutdown(shutdownCtx, time.Duration(cfg.shutdownMs)*time.Millisecond)

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("agent supervisor stopped")
	return nil
}

// buildJWTManager loads RSA keys from the data directory if available, or
// generates ephemeral in-memory keys for development.
func buildJWTManager(dataDir string, logger *zap.Logger) (*auth.JWTManager, error) {
	privPath := filepath.Join(dataDir, "jwt_private.pem")
	pubPath := filepath.Join(dataDir, "jwt_public.pem")

	if _, err := os.Stat(privPath); err == nil {
		logger.Info("loading JWT keys from disk", zap.String("private", privPath))
		return auth.NewJWTManagerFromFiles(privPath, pubPath, "agent-supervisor")
	}

	logger.Warn("JWT key files not found — using ephemeral in-memory keys (tokens will be invalidated on restart)",
		zap.String("expected_private", privPath),
	)
	return auth.NewJWTManagerGenerated("agent-supervisor")
}

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

func envIntOrDefault(key string, defaultVal int) int {
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
