// Package server exposes provisioning, sandbox lifecycle, event
// subscriptions and chat turns over HTTP and websockets.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/steveyegge/sandboxd/internal/broadcast"
	"github.com/steveyegge/sandboxd/internal/provisioning"
	"github.com/steveyegge/sandboxd/internal/session"
	"github.com/steveyegge/sandboxd/internal/storage"
)

// Config configures a Server
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration

	// WorkingDir is where chat turns run, relative to the sandbox user's root
	WorkingDir string

	// PingInterval keeps chat sockets alive
	PingInterval time.Duration

	// HistoryLimit caps GET .../messages
	HistoryLimit int

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.WorkingDir == "" {
		c.WorkingDir = provisioning.AppDir
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 200
	}
}

// Server wires the HTTP surface to the orchestrator, the session manager
// and the broadcast hub.
type Server struct {
	store storage.Storage
	orch  *provisioning.Orchestrator
	turns session.Runner
	hub   *broadcast.Hub
	cfg   Config
	log   *slog.Logger
}

// New creates a Server.
func New(store storage.Storage, orch *provisioning.Orchestrator, turns session.Runner, hub *broadcast.Hub, cfg Config) *Server {
	cfg.applyDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		store: store,
		orch:  orch,
		turns: turns,
		hub:   hub,
		cfg:   cfg,
		log:   logger.With("component", "server"),
	}
}

// Handler returns the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /api/projects/{id}/sandbox", s.handleProvision)
	mux.HandleFunc("POST /api/projects/{id}/sandbox/start", s.handleStart)
	mux.HandleFunc("POST /api/projects/{id}/sandbox/stop", s.handleStop)
	mux.HandleFunc("GET /api/projects/{id}/sandbox/status", s.handleStatus)
	mux.HandleFunc("POST /api/projects/{id}/nodes/created", s.handleNodeCreated)
	mux.HandleFunc("GET /api/projects/{id}/nodes/{node}/messages", s.handleMessages)
	mux.HandleFunc("GET /api/users/{id}/projects", s.handleUserProjects)

	mux.HandleFunc("GET /ws/events", s.handleEvents)
	mux.HandleFunc("GET /ws/chat", s.handleChat)

	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// Serve listens on the configured address until ctx is canceled, then
// shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.log.Info("serving http", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("http shutdown incomplete", "error", err)
		}
		s.log.Info("http server stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	}
}
