package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pulse-fitness/pulsebridge-go/internal/config"
	"github.com/pulse-fitness/pulsebridge-go/internal/credstore"
	"github.com/pulse-fitness/pulsebridge-go/internal/logs"
	"github.com/pulse-fitness/pulsebridge-go/internal/oauth"
	"github.com/pulse-fitness/pulsebridge-go/internal/provider"
	"github.com/pulse-fitness/pulsebridge-go/internal/server"
	"github.com/pulse-fitness/pulsebridge-go/internal/upstream"
)

var version = "v0.1.0" // injected by -ldflags during build

var (
	logLevel  string
	logToFile bool
	logDir    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "pulsebridge",
		Short:        "Pulse Bridge - local MCP stdio bridge for the Pulse fitness server",
		Long: "pulsebridge speaks MCP over stdio to an AI host and forwards tool calls to a\n" +
			"remote Pulse fitness server, handling OAuth and credential storage locally.",
		Version:      version,
		RunE:         runBridge,
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringP("server-url", "s", "", "Pulse server base URL (required; the MCP endpoint is <url>/mcp)")
	flags.String("auth-token", "", "Pre-provisioned bearer token (skips the OAuth flow)")
	flags.String("client-id", "", "OAuth client ID (skips dynamic client registration)")
	flags.String("client-secret", "", "OAuth client secret")
	flags.String("service-account-email", "", "Service account email for headless authentication")
	flags.String("service-account-password", "", "Service account password")
	flags.Int("callback-port", 0, "Local OAuth callback port (0 picks a free port)")
	flags.Bool("no-browser", false, "Never launch a browser; log authorization URLs instead")
	flags.StringP("data-dir", "d", "", "Data directory path (default: ~/.pulsebridge)")
	flags.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.BoolVar(&logToFile, "log-to-file", true, "Enable logging to a file under the data directory")
	flags.StringVar(&logDir, "log-dir", "", "Custom log directory path")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runBridge(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg.Logging.Level = logLevel
	cfg.Logging.EnableFile = logToFile
	if logDir != "" {
		cfg.Logging.LogDir = logDir
	}

	logger, err := logs.Setup(cfg.Logging, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting pulsebridge",
		zap.String("version", version),
		zap.String("server_url", cfg.ServerURL),
		zap.String("data_dir", cfg.DataDir))

	store, err := credstore.Open(cfg.DataDir, logger.Logger)
	if err != nil {
		return fmt.Errorf("failed to open credential store: %w", err)
	}

	auth := oauth.NewManager(cfg, store, logger.Logger)
	up := upstream.NewClient(cfg, auth, logger.Logger)
	connector := provider.NewConnector(cfg, auth, up, logger.Logger)
	bridge := server.New(cfg, logger, auth, up, connector)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Validate stored credentials and connect in the background so the
	// first tools/list already carries the upstream catalog. Failures are
	// not fatal: the connect tools re-run authorization on demand.
	go func() {
		status, verr := auth.ValidateAndRefresh(ctx)
		if verr != nil {
			logger.Info("Startup token validation",
				zap.String("status", string(status)),
				zap.Error(verr))
		} else {
			logger.Info("Startup token validation", zap.String("status", string(status)))
		}

		if cerr := up.Connect(ctx); cerr != nil {
			logger.Warn("Proactive upstream connection failed", zap.Error(cerr))
		}
	}()
	defer up.Disconnect()

	logger.Info("Serving MCP over stdio")
	return bridge.Serve(ctx, os.Stdin, os.Stdout)
}
