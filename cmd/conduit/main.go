// Package main is the Conduit server entry point: it wires the store, event
// bus, permission engine, session manager, and HTTP surface together.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/conduithq/conduit/internal/api"
	"github.com/conduithq/conduit/internal/bridge"
	"github.com/conduithq/conduit/internal/common/config"
	"github.com/conduithq/conduit/internal/common/logger"
	"github.com/conduithq/conduit/internal/common/tracing"
	"github.com/conduithq/conduit/internal/db"
	"github.com/conduithq/conduit/internal/events/bus"
	"github.com/conduithq/conduit/internal/permission"
	"github.com/conduithq/conduit/internal/session"
	"github.com/conduithq/conduit/internal/store/sqlite"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = log.Sync()
	}()
	logger.SetDefault(log)

	log.Info("Starting Conduit...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Open the database and storage layer
	pool, err := db.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to open database", zap.String("path", cfg.Database.Path), zap.Error(err))
	}
	repo, err := sqlite.New(pool)
	if err != nil {
		log.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer func() {
		_ = repo.Close()
	}()
	log.Info("Database ready", zap.String("path", cfg.Database.Path))

	// 4. Event bus, with the optional NATS mirror
	eventBus := bus.NewEventBus(log)
	if cfg.NATS.URL != "" {
		mirror, err := bus.NewNATSMirror(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect NATS event mirror", zap.Error(err))
		}
		eventBus.SetMirror(mirror)
		log.Info("NATS event mirror connected", zap.String("url", cfg.NATS.URL))
	}
	defer eventBus.Close()

	// 5. Permission engine and message router
	engine := permission.NewEngine(repo, repo, log)
	router := bridge.NewRouter(eventBus, log)

	// 6. Session manager; settle anything a previous run left behind
	manager := session.NewManager(cfg, repo, eventBus, router, engine, log)
	if err := manager.CleanupOrphans(ctx); err != nil {
		log.Warn("Orphan cleanup failed", zap.Error(err))
	}

	// 7. HTTP surface
	server := api.NewServer(cfg, repo, manager, engine, eventBus, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	// 8. Wait for shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			log.Error("HTTP server failed", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown failed", zap.Error(err))
	}
	manager.Shutdown(shutdownCtx)
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Debug("Tracing shutdown failed", zap.Error(err))
	}

	log.Info("Conduit stopped")
}
