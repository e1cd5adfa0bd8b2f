// Package server exposes the dispatch service over HTTP: one dispatch
// endpoint, health and stats probes, and a websocket feed of bus events.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/dispatch/internal/bus"
	"github.com/normanking/dispatch/internal/config"
	"github.com/normanking/dispatch/internal/llm"
	"github.com/normanking/dispatch/internal/logging"
	"github.com/normanking/dispatch/internal/memory"
	"github.com/normanking/dispatch/internal/metrics"
	"github.com/normanking/dispatch/internal/orchestrator"
	"github.com/normanking/dispatch/internal/router"
)

// Deps are the collaborators the server fronts.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Router       *router.Router
	Collector    *metrics.Collector
	Store        *memory.Store
	Bus          *bus.Bus
	Provider     llm.Provider
	Version      string
}

// Server is the HTTP transport for the dispatch service.
type Server struct {
	cfg       config.ServerConfig
	orch      *orchestrator.Orchestrator
	router    *router.Router
	collector *metrics.Collector
	store     *memory.Store
	events    *bus.Bus
	provider  llm.Provider
	version   string
	startedAt time.Time

	http *http.Server
	log  zerolog.Logger
}

// New builds the server with its routes registered.
func New(cfg config.ServerConfig, deps Deps) *Server {
	s := &Server{
		cfg:       cfg,
		orch:      deps.Orchestrator,
		router:    deps.Router,
		collector: deps.Collector,
		store:     deps.Store,
		events:    deps.Bus,
		provider:  deps.Provider,
		version:   deps.Version,
		startedAt: time.Now(),
		log:       logging.Component("server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/dispatch", s.handleDispatch)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	s.http = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     mux,
		ReadTimeout: cfg.ReadTimeout,
	}
	return s
}

// Handler exposes the route mux, for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start serves until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the configured grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cfg.ShutdownGrace > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownGrace)
		defer cancel()
	}
	return s.http.Shutdown(ctx)
}
