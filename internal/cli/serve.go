package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xpc123/agenic-chatBot-sub001/internal/observability"
	"github.com/xpc123/agenic-chatBot-sub001/internal/tracing"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/gateway"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent engine behind the HTTP and WebSocket gateway",
	Long: `Run the agent engine in the foreground and expose it over HTTP.
POST /v1/chat answers one message, GET /v1/chat/stream streams execution
events over a WebSocket. Stop it with SIGINT, SIGTERM or "agentd stop".`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Gateway.SharedSecret == "" {
		return errors.New("gateway.shared_secret is required to serve (or set AGENTD_GATEWAY_SHARED_SECRET)")
	}

	pidFile := getPIDFilePath(cfg.DataDir)
	if isRunning(pidFile) {
		return fmt.Errorf("agentd is already running (PID file: %s)", pidFile)
	}

	log, err := newLogger(cfg, true)
	if err != nil {
		return err
	}
	defer log.Close()
	zl := log.Zerolog()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := observability.InitAuditLogger(filepath.Join(cfg.DataDir, "audit.log")); err != nil {
		zl.Warn().Err(err).Msg("Failed to open audit log, audit events are discarded")
	} else {
		defer observability.GetAuditLogger().Close()
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, cfg.Tracing.SampleRatio); err != nil {
			zl.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
		} else {
			defer func() { _ = tracing.ShutdownOpenTelemetry(context.Background()) }()
		}
	}

	app, err := NewApp(cfg, zl)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			zl.Error().Err(err).Msg("Failed to close engine")
		}
	}()
	app.Start()

	srv, err := gateway.NewServer(gateway.Config{
		Addr:              net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port)),
		SharedSecret:      cfg.Gateway.SharedSecret,
		Chat:              app.Orchestrator,
		RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
		MaxConcurrent:     cfg.Gateway.MaxConcurrent,
		WriteTimeout:      cfg.Gateway.WriteTimeout,
		ShutdownTimeout:   cfg.Gateway.ShutdownTimeout,
		Logger:            zl,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	if err := writePIDFile(pidFile); err != nil {
		zl.Warn().Err(err).Msg("Failed to write PID file")
	}
	defer os.Remove(pidFile)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), "agentd listening on %s\n", srv.Addr())
	<-ctx.Done()
	zl.Info().Msg("Shutdown signal received")

	timeout := cfg.Gateway.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Stop(shutdownCtx)
}
