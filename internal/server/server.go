// Package server exposes the engine's HTTP surface: plan submission, the
// execution lifecycle operations, dead-letter management, progress and
// health reads, a per-execution event stream, and the Prometheus scrape
// endpoint. Identity arrives in gateway-injected headers; role checks are
// enforced by the router and workers against the directory.
package server

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/lictor/internal/config"
	"github.com/marcus-qen/lictor/internal/events"
	"github.com/marcus-qen/lictor/internal/health"
	"github.com/marcus-qen/lictor/internal/progress"
	"github.com/marcus-qen/lictor/internal/router"
	"github.com/marcus-qen/lictor/internal/store"
)

// Version info injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Server is the assembled HTTP layer.
type Server struct {
	cfg    config.Config
	logger *zap.Logger

	store    *store.Store
	router   *router.Router
	reporter *progress.Reporter
	checker  *health.Checker
	bus      *events.Bus

	httpServer *http.Server
}

// New wires the HTTP layer over already-constructed subsystems.
func New(st *store.Store, rt *router.Router, rep *progress.Reporter, hc *health.Checker, bus *events.Bus, cfg config.Config, logger *zap.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		router:   rt,
		reporter: rep,
		checker:  hc,
		bus:      bus,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	var handler http.Handler = mux
	handler = requireIdentity(handler)
	handler = logRequests(logger, handler)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the assembled handler chain, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run starts the server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting engine api",
		zap.String("addr", s.cfg.ListenAddr),
		zap.String("version", Version))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
