package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brojonat/paygate/service/config"
	"github.com/brojonat/paygate/service/metrics"
)

// Server represents the HTTP server for the payment gate.
type Server struct {
	addr     string
	cfg      *config.Config
	store    Ledger
	verifier PaymentVerifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	server   *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The metrics is optional - if nil, the metrics endpoint won't be available.
func New(addr string, cfg *config.Config, store Ledger, verifier PaymentVerifier, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		addr:     addr,
		cfg:      cfg,
		store:    store,
		verifier: verifier,
		metrics:  m,
		logger:   logger,
	}
}

// Start starts the HTTP server. It blocks until the server stops.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	// Priced resource routes from the service price table. Each path gets
	// the payment gate in front of its handler.
	for path, svc := range s.cfg.Services {
		gate := requirePayment(s.verifier, s.cfg, path, svc, s.logger)
		mux.Handle("GET "+path, gate(handleResource(path, svc, s.logger)))
		s.logger.Info("priced route registered",
			"path", path,
			"price", svc.Price,
		)
	}

	// Payment ledger routes
	mux.Handle("GET /api/v1/payments/{address}", handlePaymentHistory(s.store, s.logger))
	mux.Handle("GET /api/v1/stats", handleStats(s.store, s.logger))

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	var handler http.Handler = mux
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		handler = metrics.HTTPMetricsMiddleware(s.metrics, "api")(mux)
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	// Wrap with CORS middleware
	handler = corsMiddleware(handler)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Payment-Tx, Payment-Signature")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
