package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/engramd/engram/internal/pipeline"
)

// Server is the engram HTTP API server.
type Server struct {
	ctrl    *pipeline.Controller
	router  chi.Router
	version string
	started time.Time
}

// New creates a new Server over the pipeline controller.
func New(ctrl *pipeline.Controller, version string) *Server {
	s := &Server{
		ctrl:    ctrl,
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Post("/memories", s.handleIngest)
		r.Get("/memories/{owner}/{id}", s.handleRead)
		r.Delete("/memories/{owner}/{id}", s.handleDelete)

		r.Post("/promote", s.handlePromote)
		r.Get("/stats", s.handleStats)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.ctrl.Ping(); err != nil {
		dbOK = false
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
		"db_path": s.ctrl.DBPath(),
	})
}
