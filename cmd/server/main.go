/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the billing engine server. Handles
  configuration, dependency wiring, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (config.yaml + BILLING_* env vars)
  2. Build the zap logger
  3. Open the SQLite store
  4. Construct billing services
  5. Configure HTTP router
  6. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

CONFIGURATION:
  See config/config.go. Everything has a default; a bare
  `./server` starts on :8080 with ./data/billing.db.

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/maji/billing-engine/api"
	"github.com/maji/billing-engine/billing"
	"github.com/maji/billing-engine/config"
	"github.com/maji/billing-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := config.NewLogger(cfg.Log)
	defer logger.Sync()

	store, err := sqlite.New(cfg.Store.Path)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer store.Close()

	// Services
	engineCfg := cfg.Engine()
	auditLog := billing.NewAuditLog(store, logger)
	tracker := billing.NewTracker(store, logger)
	calendar := billing.NewWorkingDayCalendar(store)
	cycles := billing.NewCycleService(store, calendar, auditLog, engineCfg, logger)
	readings := billing.NewReconciler(store, tracker, calendar, auditLog, engineCfg, logger)
	ledger := billing.NewLedgerEngine(store, auditLog, logger)

	handler := api.NewHandler(cycles, readings, ledger, tracker, auditLog, store, engineCfg, logger)
	router := api.NewRouter(handler, cfg.HTTP.CORSAllowOrigins)

	server := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Server starting",
			zap.String("addr", server.Addr),
			zap.String("env", cfg.App.Env),
			zap.String("db", cfg.Store.Path))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
}
