// Package main is the entry point for the Stoneforge dispatch daemon: a
// single binary wiring storage, the event bus, the worktree coordinator,
// the process spawner and the poll loop behind one HTTP surface.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stoneforge/stoneforge/internal/common/config"
	"github.com/stoneforge/stoneforge/internal/common/logger"
	"github.com/stoneforge/stoneforge/internal/dispatch/api"
	"github.com/stoneforge/stoneforge/internal/dispatch/assignment"
	"github.com/stoneforge/stoneforge/internal/dispatch/daemon"
	"github.com/stoneforge/stoneforge/internal/dispatch/inbox"
	"github.com/stoneforge/stoneforge/internal/dispatch/merge"
	"github.com/stoneforge/stoneforge/internal/dispatch/pool"
	"github.com/stoneforge/stoneforge/internal/dispatch/registry"
	"github.com/stoneforge/stoneforge/internal/dispatch/session"
	"github.com/stoneforge/stoneforge/internal/dispatch/spawner"
	"github.com/stoneforge/stoneforge/internal/events/bus"
	"github.com/stoneforge/stoneforge/internal/storage"
	"github.com/stoneforge/stoneforge/internal/worktree"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting Stoneforge dispatch daemon...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.Events.NATSURL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.Events.NATSURL))
		natsBus, err := bus.NewNATSEventBus(bus.NATSConfig{
			URL:           cfg.Events.NATSURL,
			ClientID:      cfg.Events.ClientID,
			MaxReconnects: cfg.Events.MaxReconnects,
		}, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		defer natsBus.Close()
	} else {
		log.Info("Using in-memory event bus")
		memBus := bus.NewMemoryEventBus(log)
		eventBus = memBus
		defer memBus.Close()
	}

	// 4. Storage
	store, err := storage.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to open storage", zap.Error(err), zap.String("path", cfg.Database.Path))
	}
	defer func() { _ = store.Close() }()

	// 5. Worktree coordinator
	worktrees, err := worktree.NewCoordinator(worktree.Config{
		BasePath:       cfg.Worktree.BasePath,
		RepositoryPath: cfg.Worktree.RepositoryPath,
		DefaultBranch:  cfg.Worktree.DefaultBranch,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize worktree coordinator", zap.Error(err))
	}

	// 6. Process spawner and session manager
	procSpawner := spawner.New(spawner.Config{
		Command: cfg.Provider.Command,
		Model:   cfg.Provider.Model,
	}, log)
	sessions := session.NewManager(procSpawner, store, log)

	// 7. Scheduling components
	agents := registry.New(store, sessions, log)
	slots := pool.New(cfg.Pool, log)
	assigner := assignment.New(store, log)
	router := inbox.NewRouter(store, sessions, worktrees, inbox.Config{
		DirectorForwardingEnabled: cfg.Dispatch.DirectorInboxForwardingEnabled,
		DirectorIdleThreshold:     cfg.Dispatch.DirectorInboxIdleThreshold,
	}, log)
	pipeline := merge.NewPipeline(store, agents, sessions, worktrees, merge.NewGitSyncer(log), slots, merge.Config{
		ClosedUnmergedGracePeriod:     cfg.Dispatch.ClosedUnmergedGracePeriod,
		StuckMergeRecoveryGracePeriod: cfg.Dispatch.StuckMergeRecoveryGracePeriod,
	}, log)

	// 8. Dispatch daemon
	dispatcher := daemon.New(daemon.Options{
		Config:    cfg.Dispatch,
		Store:     store,
		Sessions:  sessions,
		Registry:  agents,
		Assigner:  assigner,
		Inbox:     router,
		Merge:     pipeline,
		Worktrees: worktrees,
		Pool:      slots,
		Events:    eventBus,
		Logger:    log,
	})
	if err := dispatcher.Start(ctx); err != nil {
		log.Fatal("Failed to start dispatch daemon", zap.Error(err))
	}

	// 9. HTTP surface
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	api.RegisterRoutes(engine, dispatcher, sessions, slots, eventBus, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		select {
		case s := <-sig:
			log.Info("Received shutdown signal", zap.String("signal", s.String()))
		case <-groupCtx.Done():
		}
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 35*time.Second)
		defer shutdownCancel()
		if err := dispatcher.Stop(shutdownCtx); err != nil {
			log.Warn("Daemon stop reported error", zap.Error(err))
		}
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Fatal("Shutdown with error", zap.Error(err))
	}
	log.Info("Stoneforge dispatch daemon stopped")
}
