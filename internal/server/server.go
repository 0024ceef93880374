// Package server implements the HTTP/WS Transport (SPEC_FULL.md §2
// component #13): the listener, its routes, and graceful shutdown.
//
// Grounded on adred-codev-ws_poc/go-server/internal/server/server.go's
// Server struct, setupHTTPServer route registration, CORS middleware,
// and signal-driven waitForShutdown/Shutdown, with JWT/NATS wiring
// dropped and /healthz, /metrics added per SPEC_FULL.md §6.2.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"odin-sync-server/internal/auth"
	"odin-sync-server/internal/config"
	"odin-sync-server/internal/metrics"
	"odin-sync-server/internal/router"
	"odin-sync-server/internal/store"
	"odin-sync-server/internal/sync"
	"odin-sync-server/pkg/websocket"
)

type Server struct {
	cfg        *config.Config
	httpServer *http.Server
	table      *websocket.ClientTable
	router     *router.Router
	registry   *store.TenantRegistry
	metrics    *metrics.Metrics
	system     *metrics.SystemMetrics
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	m := metrics.NewMetrics()
	table := websocket.NewClientTable(logger)
	registry := store.NewTenantRegistry(cfg.DatabaseDir, cfg.MaxPoolSize)

	authSvc := auth.NewService(registry, table, m, logger)
	syncSvc := sync.NewService(table, m, logger)
	rtr := router.New(authSvc, syncSvc, registry, table, m, logger)

	s := &Server{
		cfg:      cfg,
		table:    table,
		router:   rtr,
		registry: registry,
		metrics:  m,
		system:   metrics.NewSystemMetrics(),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}

	s.setupHTTPServer()
	return s, nil
}

func (s *Server) setupHTTPServer() {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", s.handleRoot)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.corsMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWS(s.table, s.router, s.metrics, s.logger, s.cfg.AuthTimeout, s.cfg.ClientSendBuffer, s.cfg.MaxConnections, w, r)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, "odin-sync-server")
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":      "healthy",
		"uptime_secs": s.metrics.GetUptime().Seconds(),
		"connections": s.metrics.GetActiveConnections(),
		"system":      s.system.GetSystemInfo(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start runs the HTTP server and the system metrics collector until a
// termination signal arrives, then shuts down gracefully.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("starting sync server")

	go s.collectSystemMetrics()

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		s.logger.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
	case err := <-errCh:
		s.logger.Error().Err(err).Msg("http server error")
	}

	s.Shutdown()
	return nil
}

func (s *Server) collectSystemMetrics() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.system.Collect(s.metrics)
		}
	}
}

// Shutdown drains connections and stops the listener within the
// configured shutdown timeout.
func (s *Server) Shutdown() {
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("http server shutdown error")
	}

	s.table.Shutdown()
	s.registry.CloseAll()

	s.logger.Info().Msg("server shutdown complete")
}
