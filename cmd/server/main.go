/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the flock ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, then flags)
  2. Build the logger
  3. Initialize SQLite store
  4. Build metrics, dispatcher and engine
  5. Configure HTTP router
  6. Start dispatcher and server; shut both down on SIGINT/SIGTERM

COMMAND-LINE FLAGS (override environment):
  -port    HTTP server port (HTTP_PORT, default: 8080)
  -db      SQLite database path (DB_PATH, default: flockledger.db)
           Use ":memory:" for in-memory database

ENVIRONMENT:
  LOG_LEVEL, LOG_FORMAT            logrus level and text|json
  MAX_COMMIT_ATTEMPTS              conflict retries per unit
  DISPATCH_INTERVAL                outbox poll interval (e.g. 5s)
  DISPATCH_BATCH_SIZE              events per dispatch pass
  REDIS_ADDR                       shared dispatch lock across replicas
  CORS_ORIGINS                     comma-separated allowed origins

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the dispatcher after its current pass
  4. Close database connection

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Settings
  - notify/dispatcher.go: Outbox delivery
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/warp/flockledger/api"
	"github.com/warp/flockledger/config"
	"github.com/warp/flockledger/ledger"
	"github.com/warp/flockledger/metrics"
	"github.com/warp/flockledger/notify"
	"github.com/warp/flockledger/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	// Flags
	port := flag.String("port", cfg.HTTPPort, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()

	logger, err := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logrus.Fatalf("Failed to configure logger: %v", err)
	}

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize database")
	}
	defer store.Close()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewRecorder(reg)

	// Notifications
	dispatcher := notify.NewDispatcher(store, notify.Multi{
		notify.InboxNotifier{Inbox: store},
		notify.LogNotifier{Log: logger.WithField("component", "notify")},
	}, logger.WithField("component", "dispatcher"))
	dispatcher.Interval = cfg.DispatchInterval
	dispatcher.BatchSize = cfg.DispatchBatchSize
	dispatcher.Observer = recorder

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.WithError(err).WithField("addr", cfg.RedisAddr).Warn("redis unreachable; using in-process dispatch lock")
		} else {
			dispatcher.Locker = notify.RedisLock{Client: redislock.New(rdb)}
			logger.WithField("addr", cfg.RedisAddr).Info("using redis dispatch lock")
		}
	}

	engine := ledger.NewEngine(store,
		ledger.WithLogger(logger.WithField("component", "ledger")),
		ledger.WithObserver(recorder),
		ledger.WithMaxCommitAttempts(cfg.MaxCommitAttempts),
		ledger.WithCommitHook(dispatcher.Kick),
	)

	// Initialize handler and router
	handler := api.NewHandler(engine, store, logger.WithField("component", "api"))
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: cfg.CORSOrigins,
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	dispatcher.Start()

	// Start server in goroutine
	go func() {
		logger.WithFields(logrus.Fields{"port": *port, "db": *dbPath}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("server forced to shutdown")
	}
	dispatcher.Stop()

	logger.Info("server stopped")
}
