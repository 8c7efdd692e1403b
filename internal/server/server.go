// Package server exposes turns, capability servers and their notifications
// over HTTP.
package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/Bliod-Cook/drome/internal/config"
	"github.com/Bliod-Cook/drome/internal/mcpclient"
	"github.com/Bliod-Cook/drome/internal/metrics"
	"github.com/Bliod-Cook/drome/internal/orchestrator"
	"github.com/Bliod-Cook/drome/internal/types"
)

// maxBodyBytes limits the size of incoming request bodies.
const maxBodyBytes = 10 * 1024 * 1024 // 10 MB

// Server is the HTTP host surface.
type Server struct {
	Manager      *mcpclient.Manager
	Orchestrator *orchestrator.Orchestrator
	Metrics      *metrics.Metrics
	Logger       *slog.Logger

	// ResolveSecret turns a provider credential reference into a key.
	ResolveSecret func(types.SecretRef) (string, error)

	mu         sync.RWMutex
	cfg        *config.Config
	handler    http.Handler
	httpServer *http.Server
}

// New creates a server with all routes registered and every configured
// capability server registered with mgr.
func New(cfg *config.Config, mgr *mcpclient.Manager, orch *orchestrator.Orchestrator, m *metrics.Metrics) *Server {
	s := &Server{
		Manager:       mgr,
		Orchestrator:  orch,
		Metrics:       m,
		Logger:        slog.Default(),
		ResolveSecret: config.ResolveSecret,
		cfg:           cfg,
	}
	for _, sc := range cfg.ServerConfigs() {
		mgr.Upsert(sc)
	}
	s.handler = s.routes()
	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	cfg := s.config()
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Session-Id"},
		ExposedHeaders: []string{"Content-Type"},
		MaxAge:         86400,
	}))
	r.Use(verboseMiddleware(cfg.Verbose, s.Logger))
	r.Use(debugMiddleware(cfg.Debug, s.Logger, nil))

	r.Get("/", s.handleHealth)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", s.Metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMiddleware(s.accessToken))

		r.Get("/providers", s.handleListProviders)
		r.Post("/turns", s.handleTurn)

		r.Get("/servers", s.handleListServers)
		r.Route("/servers/{id}", func(r chi.Router) {
			r.Put("/", s.handleUpsertServer)
			r.Delete("/", s.handleRemoveServer)
			r.Post("/stop", s.handleStopServer)
			r.Post("/restart", s.handleRestartServer)
			r.Get("/health", s.handleServerHealth)
			r.Get("/tools", s.handleListTools)
			r.Get("/prompts", s.handleListPrompts)
			r.Post("/prompts/{name}", s.handleGetPrompt)
			r.Get("/resources", s.handleListResources)
			r.Get("/resource", s.handleReadResource)
			r.Get("/logs", s.handleServerLogs)
		})

		r.Post("/calls/{callID}/abort", s.handleAbortCall)
		r.Get("/notifications", s.handleNotifications)
	})
	return r
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Server) accessToken() string {
	return s.config().AccessToken
}

// Reload swaps in a new configuration. Changed servers get a new session on
// their next request; servers missing from cfg are removed.
func (s *Server) Reload(cfg *config.Config) {
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.mu.Unlock()

	keep := make(map[string]bool, len(cfg.Servers))
	for _, sc := range cfg.ServerConfigs() {
		keep[sc.ID] = true
		s.Manager.Upsert(sc)
	}
	for _, sc := range old.ServerConfigs() {
		if !keep[sc.ID] {
			s.Manager.Remove(sc.ID)
		}
	}
	s.Logger.Info("server.reload", "providers", len(cfg.Providers), "servers", len(cfg.Servers))
}

// ListenAndServe starts the server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server and closes every session.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.Manager.Close()
	return err
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return nil, false
	}
	return body, true
}
