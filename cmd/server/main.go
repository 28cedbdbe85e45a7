/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the installment engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Initialize SQLite store
  3. Create API handler with the full engine stack
  4. Configure HTTP router and background sweeps
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port       HTTP server port (default: 8080)
  -db         SQLite database path (default: engine.db)
              Use ":memory:" for an in-memory database
  -sweep      Sweep interval for overdue/expiry refresh (default: 1h)
  -log-level  logrus level: debug, info, warn, error (default: info)
  -webhook-secret
              Gateway webhook signing secret. When set, unsigned or
              mis-signed webhook deliveries are rejected with 401.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sweep scheduler
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/engine.db"

  # Run with in-memory database and fast sweeps
  ./server -db=":memory:" -sweep=1m

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
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

	"github.com/sirupsen/logrus"

	"github.com/lockpay/installment-engine/api"
	"github.com/lockpay/installment-engine/gateway"
	"github.com/lockpay/installment-engine/secrets"
	"github.com/lockpay/installment-engine/store/sqlite"
)

func main() {
	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "engine.db", "SQLite database path")
	sweepInterval := flag.Duration("sweep", time.Hour, "overdue/expiry sweep interval")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	webhookSecret := flag.String("webhook-secret", "", "gateway webhook signing secret (empty disables verification)")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(*logLevel); err == nil {
		log.SetLevel(level)
	}

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize database")
	}
	defer store.Close()

	// Initialize handler and router
	handler := api.NewHandler(store, log)
	if *webhookSecret != "" {
		handler.Verifier = gateway.NewHMACVerifier(secrets.NewStatic([]byte(*webhookSecret)))
	} else {
		log.Warn("webhook signature verification disabled")
	}
	router := api.NewRouter(handler)

	// Background sweeps
	scheduler := api.NewSweepScheduler(handler)
	scheduler.CheckInterval = *sweepInterval
	scheduler.Start()
	defer scheduler.Stop()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.WithField("addr", server.Addr).Info("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Fatal("server forced to shutdown")
	}

	log.Info("server stopped")
}
