package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brojonat/paygate/service/config"
	"github.com/brojonat/paygate/service/db"
	"github.com/brojonat/paygate/service/eth"
	"github.com/brojonat/paygate/service/metrics"
	"github.com/brojonat/paygate/service/nats"
	"github.com/brojonat/paygate/service/server"
	"github.com/brojonat/paygate/service/verify"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
		"chain_id", cfg.ChainID,
		"payment_address", cfg.PaymentAddress,
		"services", len(cfg.Services),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection pool
	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	store := db.NewStore(dbPool)
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}

	// Initialize metrics
	m := metrics.NewMetrics(nil)

	// Initialize Ethereum RPC client
	// Note: for premium RPC endpoints, include the API key in the URL
	rpc, err := eth.NewRPCClient(ctx, cfg.EthRPCURL)
	if err != nil {
		logger.Error("failed to connect to RPC endpoint", "url", cfg.EthRPCURL, "error", err)
		os.Exit(1)
	}
	defer rpc.Close()
	chain := eth.NewClient(rpc, cfg.RPCTimeout, m, logger)
	logger.Info("initialized ethereum RPC client", "url", cfg.EthRPCURL)

	// Initialize NATS publisher (optional)
	var publisher nats.Publisher
	if cfg.NATSURL != "" {
		pub, err := nats.NewPublisher(cfg.NATSURL, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", "url", cfg.NATSURL, "error", err)
			os.Exit(1)
		}
		defer pub.Close()
		publisher = pub
		logger.Info("initialized NATS publisher", "url", cfg.NATSURL)
	} else {
		logger.Info("NATS_URL not set, payment event publishing disabled")
	}

	// Initialize verifier and HTTP server
	verifier := verify.NewVerifier(store, chain, cfg, publisher, m, logger)
	httpServer := server.New(cfg.ServerAddr, cfg, store, verifier, m, logger)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
