// Package api serves experiment checkpoints and the run ledger over HTTP, and
// pushes checkpoint commits to WebSocket clients.
package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ramonehamilton/forecast-experimenter/internal/api/handlers"
	"github.com/ramonehamilton/forecast-experimenter/internal/api/websocket"
	"github.com/ramonehamilton/forecast-experimenter/internal/checkpoint"
	"github.com/ramonehamilton/forecast-experimenter/internal/watch"
)

// Server represents the REST API server.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	port       int
	origins    []string

	wsHub       *websocket.Hub
	watcher     *watch.Watcher
	experiments *checkpoint.Experiments
	runs        handlers.RunSource
}

// Config holds configuration for the API server.
type Config struct {
	Port           int
	AllowedOrigins []string
}

// DefaultConfig returns the default API server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:           8080,
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
	}
}

// Deps are the data sources the server reads. Runs and Watcher may be nil: run
// routes then answer 503 and no checkpoint events are pushed.
type Deps struct {
	Experiments *checkpoint.Experiments
	Runs        handlers.RunSource
	Watcher     *watch.Watcher
}

// NewServer creates a new API server.
func NewServer(cfg *Config, deps Deps) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if deps.Experiments == nil {
		return nil, errors.New("api: experiments registry is required")
	}

	s := &Server{
		router:      chi.NewRouter(),
		port:        cfg.Port,
		origins:     cfg.AllowedOrigins,
		wsHub:       websocket.NewHub(cfg.AllowedOrigins),
		watcher:     deps.Watcher,
		experiments: deps.Experiments,
		runs:        deps.Runs,
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

// setupMiddleware configures the middleware stack.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully. The WebSocket hub
// and, when configured, the checkpoint watcher run alongside.
func (s *Server) Run(ctx context.Context) error {
	go s.wsHub.Run()
	defer s.wsHub.Stop()

	watchErr := make(chan error, 1)
	if s.watcher != nil {
		forwarder := websocket.NewCheckpointForwarder(s.wsHub)
		go func() {
			watchErr <- s.watcher.Run(ctx, forwarder.Forward)
		}()
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("[INFO] API server starting on port %d", s.port)
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("api server: %w", err)
	case err := <-watchErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[WARN] Checkpoint watcher stopped: %v", err)
		}
		<-ctx.Done()
	case <-ctx.Done():
	}

	log.Println("[INFO] Shutting down API server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return nil
}

// Port returns the port the server is configured to listen on.
func (s *Server) Port() int {
	return s.port
}

// WebSocketHub returns the hub checkpoint events are broadcast on.
func (s *Server) WebSocketHub() *websocket.Hub {
	return s.wsHub
}
