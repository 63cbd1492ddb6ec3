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

	"github.com/codebench/codebench/internal/common/config"
	"github.com/codebench/codebench/internal/common/database"
	"github.com/codebench/codebench/internal/common/logger"
	"github.com/codebench/codebench/internal/events/bus"
	"github.com/codebench/codebench/internal/gateway/api"
	"github.com/codebench/codebench/internal/gateway/ws"
	"github.com/codebench/codebench/internal/sandbox/dispatch"
	"github.com/codebench/codebench/internal/sandbox/runtime"
	"github.com/codebench/codebench/internal/sandbox/scheduler"
	"github.com/codebench/codebench/internal/sandbox/session"
	"github.com/codebench/codebench/internal/workspace/repository"
	syncer "github.com/codebench/codebench/internal/workspace/sync"
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
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Codebench control plane...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect the event bus. An empty NATS URL selects in-process dispatch.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 5. Open the workspace repository. An empty database host selects the
	// in-memory repository.
	var repo repository.Repository
	if cfg.Database.Host != "" {
		db, err := database.NewDB(ctx, cfg.Database)
		if err != nil {
			log.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()

		repo, err = repository.NewPostgresRepository(ctx, db)
		if err != nil {
			log.Fatal("Failed to initialize workspace schema", zap.Error(err))
		}
		log.Info("Connected to PostgreSQL",
			zap.String("host", cfg.Database.Host), zap.String("db", cfg.Database.DBName))
	} else {
		repo = repository.NewMemoryRepository()
		log.Info("Using in-memory workspace repository")
	}
	defer repo.Close()

	// 6. Initialize the sandbox runtime
	rt, err := runtime.New(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize sandbox runtime", zap.Error(err))
	}
	defer rt.Close()
	log.Info("Sandbox runtime initialized",
		zap.String("runtime", rt.Name()),
		zap.Bool("available", rt.Available(ctx)))

	// 7. Build the workspace synchronizer
	sync := syncer.NewSyncer(repo, eventBus, cfg.Sandbox.MirrorBase, cfg.Sync.MutatingCommands, log)

	// 8. Build the session manager and command dispatcher
	manager := session.NewManager(rt, sync, repository.NewResolver(repo), eventBus, cfg.Sandbox, log)
	dispatcher := dispatch.NewDispatcher(manager, sync, cfg.Sync.CommandTimeoutDuration(), log)

	// 9. Start the background reconciliation scheduler
	sched := scheduler.NewScheduler(rt, manager, cfg.Sandbox, log)
	sched.Start(ctx)

	// 10. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(api.Recovery(log))
	router.Use(api.RequestLogger(log))
	router.Use(api.ErrorHandler(log))
	router.Use(api.CORS())

	// 11. Register API routes and the WebSocket endpoint
	handler := api.NewHandler(manager, dispatcher, sync, log)
	apiGroup := router.Group("/api/v1")
	api.SetupRoutes(apiGroup, handler)
	router.GET("/health", handler.HealthCheck)

	gateway := ws.NewGateway(manager, dispatcher, sync, log)
	router.GET("/ws", gateway.HandleConnection)

	// 12. Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 13. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 14. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down control plane...")

	// 15. Graceful shutdown: stop accepting work, then persist and tear
	// down every session before releasing shared resources.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	sched.Stop()
	dispatcher.Close()
	manager.Shutdown(shutdownCtx)

	log.Info("Control plane stopped")
}
