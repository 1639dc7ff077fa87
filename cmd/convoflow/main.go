// Command convoflow serves the ticket-triage and fs-agent workflows over
// an OpenAI-compatible chat API.
//
// Configuration comes from an optional YAML or JSON file, .env files, and
// CONVOFLOW_* environment variables, in increasing precedence.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/randalmurphal/convoflow/internal/server"
	"github.com/randalmurphal/convoflow/pkg/convoflow/config"
	"github.com/randalmurphal/convoflow/pkg/convoflow/coordinator"
	"github.com/randalmurphal/convoflow/pkg/convoflow/observability"
	"github.com/randalmurphal/convoflow/pkg/convoflow/tracker"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML or JSON config file")
	envFile := flag.String("env", ".env", "dotenv file to load; missing files are ignored")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *envFile); err != nil {
		fmt.Fprintln(os.Stderr, "convoflow:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, envFile string) error {
	raw, err := config.Load(configPath, envFile)
	if err != nil {
		return err
	}
	cfg := config.ServerFrom(raw)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	shutdownTelemetry, err := observability.Setup(ctx, observability.TelemetryConfig{
		ServiceName: cfg.OTLP.ServiceName,
		Endpoint:    cfg.OTLP.Endpoint,
		Insecure:    cfg.OTLP.Insecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing checkpoint store failed", "error", err)
		}
	}()

	workflows, err := buildWorkflows(cfg, store, logger)
	if err != nil {
		return err
	}

	trackerOpts := []tracker.Option{
		tracker.WithCapacity(cfg.Tracker.QueueCapacity),
		tracker.WithLogger(logger),
	}
	if cfg.OTLP.Endpoint != "" {
		trackerOpts = append(trackerOpts, tracker.WithMetrics(observability.NewMetricsRecorder()))
	}
	tr := tracker.New(trackerOpts...)
	if cfg.Tracker.CleanupEvery > 0 {
		go tr.RunEviction(ctx, cfg.Tracker.CleanupEvery, cfg.Tracker.MaxAge)
	}

	coord := coordinator.New(workflows, tr, coordinator.WithLogger(logger))
	srv := server.New(coord,
		server.WithLogger(logger),
		server.WithCORSOrigins(cfg.CORSOrigins...),
		server.WithHeartbeat(cfg.Tracker.Heartbeat),
	)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Addr, "workflows", workflows.Names(), "store", cfg.Store.Driver)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpServer.Shutdown(sctx)
}

func newLogger(cfg config.Log) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
