package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/tailored-agentic-units/relay/orchestrate/config"
)

// Server is the HTTP surface of a relay process.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	logger     *slog.Logger
}

// NewServer creates a Server listening on cfg.Addr.
func NewServer(cfg config.ServerConfig, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	handlers := NewHandlers(deps, cfg.TaskTimeout(), logger)

	return &Server{
		handlers: handlers,
		logger:   logger,
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      Routes(handlers),
			ReadTimeout:  cfg.ReadTimeout(),
			WriteTimeout: cfg.WriteTimeout(),
		},
	}
}

// Routes registers every endpoint on a new mux.
func Routes(h *Handlers) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/tasks", h.HandleSubmitTask)
	mux.HandleFunc("GET /v1/registry/supervisors", h.HandleListSupervisors)
	mux.HandleFunc("GET /v1/registry/nodes/{name}/supervisor", h.HandleSupervisorOf)
	mux.HandleFunc("GET /v1/registry/nodes/{name}/path", h.HandleHierarchyPath)
	mux.HandleFunc("GET /v1/metrics", h.HandleMetrics)
	mux.HandleFunc("GET /healthz", h.HandleHealth)

	return mux
}

// Start serves until Shutdown is called. It returns nil after a graceful
// shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve is Start on an existing listener.
func (s *Server) Serve(listener net.Listener) error {
	if err := s.httpServer.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
