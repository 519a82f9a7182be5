// Package server exposes the run control surface and event stream over
// HTTP.
package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/petrijr/deckflow/pkg/api"
)

// Config tunes a Server. Zero fields take defaults.
type Config struct {
	Logger *slog.Logger
	// MaxBodyBytes bounds request bodies. Defaults to 4 MiB.
	MaxBodyBytes int64
}

// Server routes HTTP requests to an api.Engine.
type Server struct {
	engine  api.Engine
	logger  *slog.Logger
	maxBody int64
	router  chi.Router
}

// New builds the router for engine.
func New(engine api.Engine, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}
	s := &Server{engine: engine, logger: cfg.Logger, maxBody: cfg.MaxBodyBytes}
	s.router = s.buildRouter()
	return s
}

// ServeHTTP delegates to the chi router, satisfying http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(func(next http.Handler) http.Handler { return loggingMiddleware(s.logger, next) })
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.handleCreateRun)
			r.Get("/", s.handleListRuns)
			r.Route("/{runID}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Get("/steps", s.handleListSteps)
				r.Get("/events", s.handleEvents)
				r.Post("/cancel", s.handleCancel)
				r.Post("/approve", s.handleApprove)
				r.Post("/regenerate", s.handleRegenerate)
			})
		})
		r.Get("/artifacts/{artifactID}", s.handleGetArtifact)
		r.Get("/projects/{projectID}/artifacts", s.handleListArtifacts)
	})
	return r
}
