// Package server exposes the dispatch engine over HTTP: a read API for
// jobs, targets, executions and their audit trail, a submit/cancel trigger
// surface, and a WebSocket stream of status events.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/opslattice/dirigent/config"
	"github.com/opslattice/dirigent/engine"
	"github.com/opslattice/dirigent/errors"
	"github.com/opslattice/dirigent/job"
	"github.com/opslattice/dirigent/target"
)

// Server serves the dirigent HTTP API and event stream.
type Server struct {
	cfg        config.ServerConfig
	jobs       *job.Store
	targets    *target.Store
	executions *engine.ExecutionStore
	branches   *engine.BranchStore
	logs       *engine.LogStore
	dispatcher *engine.Dispatcher
	publisher  *engine.Publisher
	logger     *zap.SugaredLogger

	http *http.Server
}

// New wires the server from its stores and the dispatcher.
func New(
	cfg config.ServerConfig,
	jobs *job.Store,
	targets *target.Store,
	executions *engine.ExecutionStore,
	branches *engine.BranchStore,
	logs *engine.LogStore,
	dispatcher *engine.Dispatcher,
	publisher *engine.Publisher,
	logger *zap.SugaredLogger,
) *Server {
	return &Server{
		cfg:        cfg,
		jobs:       jobs,
		targets:    targets,
		executions: executions,
		branches:   branches,
		logs:       logs,
		dispatcher: dispatcher,
		publisher:  publisher,
		logger:     logger.Named("server"),
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.http = &http.Server{
		Addr:        fmt.Sprintf(":%d", s.cfg.Port),
		Handler:     s.Router(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Infow("server starting", "port", s.cfg.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Infow("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Wrap(s.http.Shutdown(shutdownCtx), "server shutdown failed")
	case err := <-errCh:
		return errors.Wrap(err, "server error")
	}
}

// Router builds the chi router. Exposed so tests can drive handlers without
// binding a port.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Route("/api", func(r chi.Router) {
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{ref}", s.handleGetJob)
		r.Get("/jobs/{ref}/executions", s.handleListJobExecutions)

		r.Get("/targets", s.handleListTargets)
		r.Get("/targets/{ref}", s.handleGetTarget)

		r.Post("/executions", s.handleSubmit)
		r.Get("/executions/{ref}", s.handleGetExecution)
		r.Get("/executions/{ref}/branches", s.handleListBranches)
		r.Get("/executions/{ref}/logs", s.handleListLogs)
		r.Post("/executions/{ref}/cancel", s.handleCancel)

		r.Get("/branches/{ref}", s.handleGetBranch)
	})

	r.Get("/ws/events", s.handleEvents)

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Infow("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
