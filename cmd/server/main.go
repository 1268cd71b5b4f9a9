/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the fuel shift engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load config (.env, flags, environment)
  2. Build the logger
  3. Open the store (SQLite or PostgreSQL) and migrate
  4. Connect the discrepancy dispatcher (Redis when configured)
  5. Build the engine, handler and router
  6. Start the overdue shift monitor
  7. Start server with graceful shutdown

CONFIGURATION:
  See config/config.go. Every flag has an environment override:
    -port / PORT                 HTTP port (default: 8080)
    -db-driver / DB_DRIVER       sqlite | postgres
    -db / DB_PATH                SQLite path, ":memory:" for in-memory
    -database-url / DATABASE_URL PostgreSQL URL
    -jwt-secret / JWT_SECRET     Required
    -redis-addr / REDIS_ADDR     Empty logs discrepancies instead
    -overdue-after / OVERDUE_AFTER  Warn on ACTIVE shifts older than this

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database and Redis connections
  4. Exit

EXAMPLES:
  JWT_SECRET=dev ./server -db="./data/shifts.db"
  JWT_SECRET=dev DB_DRIVER=postgres DATABASE_URL=postgres://localhost/shifts ./server
*/
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/fuel-shift-engine/api"
	"github.com/warp/fuel-shift-engine/config"
	"github.com/warp/fuel-shift-engine/notify"
	"github.com/warp/fuel-shift-engine/shift"
	"github.com/warp/fuel-shift-engine/store/postgres"
	"github.com/warp/fuel-shift-engine/store/sqlite"
)

// backend is what both SQL stores provide.
type backend interface {
	shift.Store
	Ping(ctx context.Context) error
	Close() error
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}

	logger, err := config.NewLogger(cfg.LogLevel, os.Stdout)
	if err != nil {
		logrus.WithError(err).Fatal("invalid log level")
	}

	ctx := context.Background()

	// Initialize store
	store, err := openStore(ctx, cfg)
	if err != nil {
		config.LogError(logger, "main", "openStore", cfg.DBDriver, nil, err)
		os.Exit(1)
	}
	defer store.Close()

	policy, err := cfg.Policy()
	if err != nil {
		logger.WithError(err).Fatal("invalid default policy")
	}

	opts := []shift.Option{
		shift.WithLogger(logger),
		shift.WithDefaultPolicy(policy),
	}

	// Discrepancy events always reach the log; Redis is added when configured.
	var dispatcher shift.Dispatcher = notify.NewLog(logger)
	if cfg.RedisAddr != "" {
		client, err := notify.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			config.LogError(logger, "main", "notify.Connect", cfg.RedisAddr, nil, err)
			os.Exit(1)
		}
		defer client.Close()

		publisher := notify.NewRedis(client, cfg.RedisChannel)
		publisher.Logger = logger
		dispatcher = notify.Fanout{notify.NewLog(logger), publisher}
		opts = append(opts, shift.WithAlert(publisher.AuditAlert))
	}
	opts = append(opts, shift.WithDispatcher(dispatcher))

	machine := shift.New(store, opts...)

	handler := api.NewHandler(machine, store, logger)
	router := api.NewRouter(handler, api.RouterOptions{JWTSecret: []byte(cfg.JWTSecret)})

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	monitor := api.NewOverdueMonitor(store, logger, cfg.OverdueAfter)
	monitor.Start()
	defer monitor.Stop()

	// Start server in goroutine
	go func() {
		logger.WithFields(logrus.Fields{"addr": cfg.Addr(), "db_driver": cfg.DBDriver}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("server forced to shutdown")
		return
	}

	logger.Info("server stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (backend, error) {
	if cfg.DBDriver == "postgres" {
		return postgres.New(ctx, cfg.DatabaseURL)
	}
	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, err
		}
	}
	return sqlite.New(cfg.DBPath)
}
