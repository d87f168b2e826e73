package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/netwatch-io/netwatch/server/internal/agentsvc"
	"github.com/netwatch-io/netwatch/server/internal/api"
	"github.com/netwatch-io/netwatch/server/internal/auth"
	"github.com/netwatch-io/netwatch/server/internal/backup"
	"github.com/netwatch-io/netwatch/server/internal/db"
	"github.com/netwatch-io/netwatch/server/internal/discovery"
	"github.com/netwatch-io/netwatch/server/internal/hub"
	"github.com/netwatch-io/netwatch/server/internal/job"
	"github.com/netwatch-io/netwatch/server/internal/metrics"
	"github.com/netwatch-io/netwatch/server/internal/notification"
	"github.com/netwatch-io/netwatch/server/internal/repository"
	"github.com/netwatch-io/netwatch/server/internal/scheduler"
	"github.com/netwatch-io/netwatch/server/internal/websocket"
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
	logLevel          string
	dataDir           string
	backupRoot        string
	heartbeatInterval time.Duration
	maxInflight       int
	jobMaxParallel    int
	secureCookies     bool
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
		Use:   "netwatch-server",
		Short: "netwatch server — central inventory and monitoring coordinator",
		Long: `netwatch server is the central component of the netwatch platform.
It exposes a REST + WebSocket API for operators, a bidirectional WebSocket
control plane that remote agents dial into, and manages discovery, backups,
scheduling, and notifications on their behalf.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("NETWATCH_HTTP_ADDR", ":8080"), "HTTP/WebSocket listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("NETWATCH_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("NETWATCH_DB_DSN", "./netwatch.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("NETWATCH_SECRET_KEY", ""), "Master secret key for encrypting credentials/tokens at rest; its raw bytes, zero-padded or truncated to 32, are the AES-256 key (not base64-decoded) (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("NETWATCH_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("NETWATCH_DATA_DIR", "./data"), "Directory for server data (RSA keys, etc.)")
	root.PersistentFlags().StringVar(&cfg.backupRoot, "backup-root", envOrDefault("NETWATCH_BACKUP_ROOT", "./backups"), "Directory backup artifacts are written under")
	root.PersistentFlags().DurationVar(&cfg.heartbeatInterval, "heartbeat-interval", envDurationOrDefault("NETWATCH_HEARTBEAT_INTERVAL", 20*time.Second), "Agent session ping interval")
	root.PersistentFlags().IntVar(&cfg.maxInflight, "max-inflight", envIntOrDefault("NETWATCH_MAX_INFLIGHT", hub.DefaultMaxInflight), "Max concurrent in-flight RPCs per agent")
	root.PersistentFlags().IntVar(&cfg.jobMaxParallel, "job-max-parallel", envIntOrDefault("NETWATCH_JOB_MAX_PARALLEL", 16), "Max concurrent per-target goroutines within a single job")
	root.PersistentFlags().BoolVar(&cfg.secureCookies, "secure-cookies", envOrDefault("NETWATCH_SECURE_COOKIES", "false") == "true", "Set Secure flag on auth cookies (enable in production over HTTPS)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("netwatch-server %s (commit: %s, built: %s)\n", version, commit, date)
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
		return fmt.Errorf("secret key is required — set --secret-key or NETWATCH_SECRET_KEY")
	}

	logger.Info("starting netwatch server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

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

	if err := os.MkdirAll(cfg.dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.backupRoot, 0700); err != nil {
		return fmt.Errorf("failed to create backup root: %w", err)
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
	userRepo := repository.NewUserRepository(gormDB)
	refreshTokenRepo := repository.NewRefreshTokenRepository(gormDB)
	customerRepo := repository.NewCustomerRepository(gormDB)
	networkRepo := repository.NewNetworkRepository(gormDB)
	credentialRepo := repository.NewCredentialRepository(gormDB)
	agentRepo := repository.NewAgentRepository(gormDB)
	deviceRepo := repository.NewDeviceRepository(gormDB)
	discoverySessionRepo := repository.NewDiscoverySessionRepository(gormDB)
	jobRepo := repository.NewJobRepository(gormDB)
	backupRunRepo := repository.NewBackupRunRepository(gormDB)
	backupScheduleRepo := repository.NewBackupScheduleRepository(gormDB)
	notificationRepo := repository.NewNotificationRepository(gormDB)
	oidcProviderRepo := repository.NewOIDCProviderRepository(gormDB)
	settingsRepo := repository.NewSettingsRepository(gormDB)

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

	// --- 5. Metrics (DS2) ---
	metricsReg := metrics.New()

	// --- 6. Hub (C3) ---
	// statusFn persists agent.status/last_seen_at whenever a session
	// registers (online) or is removed (offline) from the registry, so C4's
	// agent.status reads never depend on the Hub's in-memory state directly.
	statusFn := func(agentID string, online bool) {
		id, err := uuid.Parse(agentID)
		if err != nil {
			return
		}
		status := "offline"
		if online {
			status = "online"
		}
		if err := agentRepo.UpdateStatus(context.Background(), id, status, time.Now().UTC()); err != nil {
			logger.Warn("failed to persist agent status", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
	agentHub := hub.New(cfg.maxInflight, statusFn, logger)
	agentHub.SetMetrics(metricsReg)

	// --- 7. GUI WebSocket hub (ambient supplement) ---
	guiHub := websocket.NewHub()
	go guiHub.Run(ctx)

	// --- 8. Agent registry & lifecycle (C4) ---
	agentSvc := agentsvc.New(agentRepo, agentHub, logger)

	// --- 9. Notifications (DS1) ---
	notifier := notification.NewService(notification.Config{
		NotifRepo:    notificationRepo,
		UserRepo:     userRepo,
		SettingsRepo: settingsRepo,
		Hub:          guiHub,
		Logger:       logger,
	})

	// --- 10. Discovery ingest (C6) ---
	discoverySvc := discovery.New(gormDB, discoverySessionRepo, deviceRepo, agentRepo, agentHub, guiHub, logger)
	discoverySvc.SetMetrics(metricsReg)

	// --- 11. Backup engine, server half (C7) ---
	backupSvc := backup.New(cfg.backupRoot, backupRunRepo, deviceRepo, customerRepo, credentialRepo, backupScheduleRepo, agentHub, logger)
	backupSvc.SetMetrics(metricsReg)
	backupSvc.SetNotifier(notifier)

	if err := backupSvc.CleanPartials(); err != nil {
		logger.Warn("failed to clean up stale .partial backup files", zap.Error(err))
	}

	// --- 12. Job engine (C5) ---
	jobSvc := job.New(jobRepo, cfg.jobMaxParallel, logger)
	jobSvc.SetMetrics(metricsReg)
	jobSvc.Register("scan", discoverySvc)
	jobSvc.Register("backup", backupSvc)

	// --- 13. Scheduler (C8) ---
	sched, err := scheduler.New(backupScheduleRepo, deviceRepo, agentRepo, jobSvc, backupSvc, agentHub, logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Warn("scheduler shutdown error", zap.Error(err))
		}
	}()

	// --- 14. HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		AuthService: authService,
		Scheduler:   sched,
		AgentSvc:    agentSvc,
		Hub:         agentHub,
		GUIHub:      guiHub,
		Jobs:        jobSvc,
		Discovery:   discoverySvc,
		Backups:     backupSvc,
		Logger:      logger,

		Users:             userRepo,
		Customers:         customerRepo,
		Networks:          networkRepo,
		Credentials:       credentialRepo,
		Agents:            agentRepo,
		Devices:           deviceRepo,
		DiscoverySessions: discoverySessionRepo,
		JobRepo:           jobRepo,
		BackupRuns:        backupRunRepo,
		BackupSchedules:   backupScheduleRepo,
		Notifications:     notificationRepo,
		OIDCProviders:     oidcProviderRepo,

		HeartbeatInterval: cfg.heartbeatInterval,
		Secure:            cfg.secureCookies,
	})

	mux := http.NewServeMux()
	mux.Handle("/", router)
	mux.Handle("/metrics", metricsReg.Handler())

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
	logger.Info("shutting down netwatch server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("netwatch server stopped")
	return nil
}

// buildJWTManager loads RSA keys from the data directory if available,
// or generates ephemeral in-memory keys for development.
func buildJWTManager(dataDir string, logger *zap.Logger) (*auth.JWTManager, error) {
	privPath := filepath.Join(dataDir, "jwt_private.pem")
	pubPath := filepath.Join(dataDir, "jwt_public.pem")

	if _, err := os.Stat(privPath); err == nil {
		logger.Info("loading JWT keys from disk", zap.String("private", privPath))
		return auth.NewJWTManagerFromFiles(privPath, pubPath, "netwatch-server")
	}

	logger.Warn("JWT key files not found — using ephemeral in-memory keys (tokens will be invalidated on restart)",
		zap.String("expected_private", privPath),
	)
	return auth.NewJWTManagerGenerated("netwatch-server")
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

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return defaultVal
}
