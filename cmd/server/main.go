/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the carbon-compliance administration server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Initialize the store (memory, sqlite, or postgres)
  3. Load the charge rate table (statutory defaults or YAML override)
  4. Create API handler with dependencies
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: 8080)
  -store   Store backend: memory, sqlite, postgres (default: sqlite)
  -db      SQLite database path, or Postgres DSN when -store=postgres
  -rates   Optional YAML charge rate file; replaces the statutory schedule
  -debug   Debug-level logging

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/compliance.db"

  # Run against Postgres
  ./server -store=postgres -db="postgres://compliance@localhost/compliance"

  # Run in demo mode with a custom rate schedule
  ./server -store=memory -rates=./rates.yaml

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - rates/rates.go: Charge rate file format
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

	"github.com/rs/zerolog"

	"github.com/carbonledger/compliance-engine/api"
	"github.com/carbonledger/compliance-engine/rates"
	"github.com/carbonledger/compliance-engine/store/memory"
	"github.com/carbonledger/compliance-engine/store/postgres"
	"github.com/carbonledger/compliance-engine/store/sqlite"
)

func main() {
	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	storeKind := flag.String("store", "sqlite", "store backend: memory, sqlite, postgres")
	dbPath := flag.String("db", "compliance.db", "SQLite database path, or Postgres DSN")
	ratesPath := flag.String("rates", "", "YAML charge rate file (optional)")
	debug := flag.Bool("debug", false, "debug-level logging")
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	// Store selection
	var (
		store      api.Store
		closeStore func() error
	)
	switch *storeKind {
	case "memory":
		st, err := memory.New()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize memory store")
		}
		store, closeStore = st, func() error { return nil }
	case "sqlite":
		st, err := sqlite.New(*dbPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize database")
		}
		store, closeStore = st, st.Close
	case "postgres":
		st, err := postgres.New(*dbPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to postgres")
		}
		store, closeStore = st, st.Close
	default:
		log.Fatal().Str("store", *storeKind).Msg("unknown store backend")
	}
	defer closeStore()

	// Charge rates
	table := rates.Default()
	if *ratesPath != "" {
		f, err := os.Open(*ratesPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open charge rate file")
		}
		table, err = rates.FromYAML(f)
		f.Close()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to parse charge rate file")
		}
		log.Info().Ints("years", table.Years()).Msg("charge rates loaded from file")
	}

	// Handler and router
	handler := api.NewHandler(store, table, log)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Int("port", *port).Str("store", *storeKind).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}
