package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"taskagent/internal/core"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Scheduler is the part of core.Scheduler the admin surface drives.
type Scheduler interface {
	Snapshot() []core.TaskView
	Contains(taskID string) bool
	Cancel(ctx context.Context, info core.StopTaskInfo) bool
	Kick(ctx context.Context) (int, error)
}

// Journal lists recorded runs.
type Journal interface {
	ListRuns(ctx context.Context, taskID string, limit int) ([]*core.RunRecord, error)
}

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	scheduler  Scheduler
	journal    Journal
	mcp        http.Handler
	logger     *slog.Logger
	authToken  string
}

// Options configures NewServer. MCP is mounted at /mcp when set.
type Options struct {
	Addr      string
	AuthToken string
	MCP       http.Handler
}

// NewServer constructs the HTTP API server.
func NewServer(opts Options, scheduler Scheduler, journal Journal, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:    router,
		scheduler: scheduler,
		journal:   journal,
		mcp:       opts.MCP,
		logger:    logger.With("component", "api"),
		authToken: opts.AuthToken,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         opts.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	if s.mcp != nil {
		var mcpHandler = s.mcp
		if s.authToken != "" {
			mcpHandler = AuthMiddleware(s.authToken)(mcpHandler)
		}
		s.router.Handle("/mcp", mcpHandler)
	}

	s.router.Route("/v1", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Post("/cron/preview", s.handleCronPreview)
		r.Post("/fetch", s.handleFetch)
		r.Get("/runs", s.handleListRuns)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/{taskID}/cancel", s.handleCancelTask)
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
