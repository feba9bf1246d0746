/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the settlement engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, .env, environment, flags)
  2. Build the zap logger
  3. Open the store (SQLite, or memory restored from a snapshot)
  4. Load the engine policy (YAML)
  5. Register Prometheus collectors
  6. Wire engines, HTTP handler, router and sweeper
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port            HTTP server port (default: 8080)
  -driver          sqlite or memory (default: sqlite)
  -db              SQLite database path (default: settlement.db)
                   Use ":memory:" for an in-memory database
  -snapshot        JSON snapshot file for the memory driver
  -policy          YAML policy file
  -log-level       debug, info, warn, error
  -sweep-interval  Background sweep interval

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the sweeper
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Save the memory snapshot, or close the database
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/settlement.db"

  # Run in memory, persisting to a snapshot on shutdown
  ./server -driver=memory -snapshot=./data/snapshot.json

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - factory/engine_policy.go: Policy file format
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sodap/settlement-engine/api"
	"github.com/sodap/settlement-engine/config"
	"github.com/sodap/settlement-engine/factory"
	"github.com/sodap/settlement-engine/ledger"
	"github.com/sodap/settlement-engine/ledger/store"
	"github.com/sodap/settlement-engine/logger"
	"github.com/sodap/settlement-engine/metrics"
	"github.com/sodap/settlement-engine/store/sqlite"
	"go.uber.org/zap"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer log.Sync()

	// Initialize store
	db, closeDB, err := openStore(cfg.DB, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeDB(); err != nil {
			log.Error("close store", zap.Error(err))
		}
	}()

	policy, err := factory.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	handler := api.NewHandler(db, policy, ledger.SystemClock{}, log, m)
	sweeper := api.NewSweeper(handler, cfg.Sweep.Interval, cfg.Sweep.Enabled)
	auth := api.NewAuthenticator(cfg.Auth.Secret, handler.Clock)
	if !auth.Enabled() {
		log.Warn("no JWT secret configured, trusting " + api.PrincipalHeader + " header")
	}

	router := api.NewRouter(handler, api.RouterOptions{
		Auth:        auth,
		Limiter:     api.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, m),
		Sweeper:     sweeper,
		CORSOrigins: cfg.CORSOrigins,
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sweeper.Start()
	defer sweeper.Stop()

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.Int("port", cfg.HTTP.Port),
			zap.String("driver", cfg.DB.Driver),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

// openStore returns the configured store and a function releasing it.
func openStore(cfg config.DB, log *zap.Logger) (ledger.TxStore, func() error, error) {
	if cfg.Driver == "sqlite" {
		db, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize database: %w", err)
		}
		return db, db.Close, nil
	}

	mem := store.NewMemory()
	if cfg.SnapshotPath == "" {
		return mem, func() error { return nil }, nil
	}
	if err := loadSnapshot(mem, cfg.SnapshotPath); err != nil {
		return nil, nil, err
	}
	log.Info("memory store restored", zap.String("snapshot", cfg.SnapshotPath))
	return mem, func() error { return saveSnapshot(mem, cfg.SnapshotPath) }, nil
}

func loadSnapshot(mem *store.Memory, path string) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()
	return mem.Restore(f)
}

// saveSnapshot writes to a temporary file and renames it into place.
func saveSnapshot(mem *store.Memory, path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	if err := writeAndClose(f, mem.Snapshot); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}

func writeAndClose(f *os.File, write func(io.Writer) error) error {
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
