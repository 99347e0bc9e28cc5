// Chronicle server — durable event transport and transcript ledger for
// agent conversations: HTTP API, WebSocket fan-out, background
// reconciliation.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/chroniclehq/chronicle/pkg/api"
	"github.com/chroniclehq/chronicle/pkg/config"
	"github.com/chroniclehq/chronicle/pkg/database"
	"github.com/chroniclehq/chronicle/pkg/eventstore"
	"github.com/chroniclehq/chronicle/pkg/ledger"
	"github.com/chroniclehq/chronicle/pkg/models"
	"github.com/chroniclehq/chronicle/pkg/reconcile"
	"github.com/chroniclehq/chronicle/pkg/runs"
	"github.com/chroniclehq/chronicle/pkg/stream"
	"github.com/chroniclehq/chronicle/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("CHRONICLE_CONFIG", "./chronicle.yaml"),
		"Path to configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	// 1. Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting Chronicle",
		"version", version.Full(),
		"listen_addr", cfg.Server.ListenAddr)

	ctx := context.Background()

	// 2. Connect to PostgreSQL and apply migrations
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. Stores
	events := eventstore.NewEntStore[models.AgentEvent](dbClient.Client)
	ledgerStore := ledger.NewEntStore(dbClient.Client)

	// 4. Fan-out server
	fanout := stream.NewServer[models.AgentEvent](events, stream.ServerConfig{
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Stream.HeartbeatTimeout,
		WriteTimeout:      cfg.Stream.WriteTimeout,
		MaxBufferSize:     cfg.Stream.MaxBufferSize,
	})
	defer fanout.Close()

	// 5. Run manager: appends broadcast to subscribers as they commit
	managerOpts := []runs.Option{runs.WithBroadcaster(fanout)}
	if cfg.Retention.DeleteStreamOnCommit {
		managerOpts = append(managerOpts, runs.WithDeleteStreamOnCommit())
	}
	manager := runs.NewManager(events, ledgerStore, managerOpts...)

	// 6. One-shot startup sweep, then the periodic reconciler
	reconciler := reconcile.NewService(ledgerStore, reconcile.ServiceConfig{
		Interval:       cfg.Reconcile.Interval,
		StaleThreshold: cfg.Reconcile.StaleThreshold,
		Action:         ledger.RecoverAction(cfg.Reconcile.Action),
	})
	if cfg.ReconcileEnabled() {
		if result, err := reconciler.SweepNow(ctx); err != nil {
			// Non-fatal; the periodic sweep retries.
			slog.Warn("Startup stale-run sweep failed", "error", err)
		} else if len(result.Recovered) > 0 {
			slog.Info("Recovered stale runs from previous instance",
				"count", len(result.Recovered))
		}
		reconciler.Start(ctx)
		defer reconciler.Stop()
	}

	// 7. HTTP server
	apiServer := api.NewServer(dbClient, ledgerStore, manager, fanout, cfg.Server)
	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: apiServer.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Chronicle started successfully")

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown: stop accepting, then drain WS connections
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	fanout.Close()

	slog.Info("Shutdown complete")
}
