// Package main is the entry point for the netwatch-agent binary.
// It wires all internal packages together and runs the control-plane
// connection loop.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Build the scan, backup, and command services
//  4. Wire them into an Executor
//  5. Build the wsclient.Client and run its reconnect loop
//  6. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/netwatch-io/netwatch/agent/internal/backup"
	"github.com/netwatch-io/netwatch/agent/internal/command"
	"github.com/netwatch-io/netwatch/agent/internal/executor"
	"github.com/netwatch-io/netwatch/agent/internal/metrics"
	"github.com/netwatch-io/netwatch/agent/internal/scan"
	"github.com/netwatch-io/netwatch/agent/internal/wsclient"
	"github.com/netwatch-io/netwatch/shared/types"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	serverURL         string
	kind              string
	stateDir          string
	heartbeatInterval time.Duration
	logLevel          string
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
		Use:   "netwatch-agent",
		Short: "netwatch agent — discovery and backup agent for network devices",
		Long: `netwatch-agent runs near a site's network devices. It connects out to the
netwatch server over a persistent WebSocket, enrolls itself, and then waits
for the server to dispatch discovery scans, configuration backups, and
ad-hoc commands against the devices it can reach.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.serverURL, "server-url", envOrDefault("NETWATCH_SERVER_URL", "http://localhost:8080"), "netwatch server base URL")
	root.PersistentFlags().StringVar(&cfg.kind, "kind", envOrDefault("NETWATCH_AGENT_KIND", "docker"), "Agent kind advertised at enrollment (docker, mikrotik-container)")
	root.PersistentFlags().StringVar(&cfg.stateDir, "state-dir", envOrDefault("NETWATCH_STATE_DIR", defaultStateDir()), "Directory for agent state (agent-state.json)")
	root.PersistentFlags().DurationVar(&cfg.heartbeatInterval, "heartbeat-interval", 15*time.Second, "Interval between heartbeat frames")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("NETWATCH_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("netwatch-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting netwatch agent",
		zap.String("version", version),
		zap.String("server_url", cfg.serverURL),
		zap.String("state_dir", cfg.stateDir),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	scanSvc := scan.New(logger)
	backupSvc := backup.New(logger)
	commandSvc := command.New(logger)

	exec := executor.New(scanSvc, backupSvc, commandSvc, commandSvc, logger)

	client := wsclient.New(wsclient.Config{
		ServerURL:         cfg.serverURL,
		Kind:              cfg.kind,
		Version:           version,
		Capabilities:      []string{types.MethodAgentScan, types.MethodAgentBackup, types.MethodAgentCommand, types.MethodAgentTest},
		StateDir:          cfg.stateDir,
		HeartbeatInterval: cfg.heartbeatInterval,
		Metrics: func() types.HeartbeatPayload {
			return metrics.Collect(ctx)
		},
		Executor: exec,
		Logger:   logger,
	})

	if err := client.Run(ctx); err != nil {
		return fmt.Errorf("control plane connection: %w", err)
	}

	logger.Info("netwatch agent stopped")
	return nil
}

// defaultStateDir returns the default state directory: .netwatch-agent under
// the user's home directory on every platform, or .netwatch-agent relative to
// the working directory when the home directory cannot be determined.
func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.netwatch-agent"
	}
	return ".netwatch-agent"
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
