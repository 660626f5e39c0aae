// Package server exposes the engine over HTTP: run control, run status, the
// UI notification socket and prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/wesleyorama2/loadrunner/internal/config"
	"github.com/wesleyorama2/loadrunner/internal/loadrunner"
	"github.com/wesleyorama2/loadrunner/internal/project"
	"github.com/wesleyorama2/loadrunner/internal/run"
)

// Engine is the part of the run lifecycle manager the server drives.
type Engine interface {
	StartRun(ctx context.Context, projectID string, cfg config.LoadConfig, description string) (*run.LoadRun, error)
	CancelRun(ctx context.Context) error
	Status() loadrunner.Status
}

// StartRequest is the body of a start request.
type StartRequest struct {
	Config      config.LoadConfig `json:"config"`
	Description string            `json:"description,omitempty"`
}

// StartResponse describes an accepted run.
type StartResponse struct {
	ProjectID string `json:"projectID"`
	RunID     string `json:"runID"`
	Timestamp string `json:"timestamp"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server routes control requests to the engine.
type Server struct {
	engine Engine
	router chi.Router
}

// New creates a server. hub serves the notification socket and metrics the
// prometheus endpoint; either may be nil.
func New(engine Engine, hub http.Handler, metrics http.Handler) *Server {
	s := &Server{engine: engine, router: chi.NewRouter()}
	s.router.Use(middleware.Recoverer)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/projects/{id}/loadtest", s.startRun)
		r.Post("/projects/{id}/loadtest/cancel", s.cancelRun)
		r.Get("/loadtest", s.status)
		if hub != nil {
			r.Handle("/notifications", hub)
		}
	})
	if metrics != nil {
		s.router.Handle("/metrics", metrics)
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("Control server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "control server failed")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")

	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errors.Wrap(err, "invalid request body"))
		return
	}

	// The run outlives the request that started it.
	lr, err := s.engine.StartRun(context.WithoutCancel(r.Context()), projectID, req.Config, req.Description)
	if err != nil {
		respondError(w, startStatus(err), err)
		return
	}

	respondJSON(w, http.StatusAccepted, StartResponse{
		ProjectID: projectID,
		RunID:     lr.ID,
		Timestamp: lr.Timestamp,
	})
}

func startStatus(err error) int {
	switch {
	case errors.Is(err, loadrunner.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, project.ErrProjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, loadrunner.ErrRunInProgress), errors.Is(err, loadrunner.ErrRunCancelled):
		return http.StatusConflict
	case errors.Is(err, loadrunner.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	status := s.engine.Status()
	if id := chi.URLParam(r, "id"); status.ProjectID != "" && status.ProjectID != id {
		respondError(w, http.StatusConflict, errors.Errorf("the active run belongs to project %s", status.ProjectID))
		return
	}

	if err := s.engine.CancelRun(context.WithoutCancel(r.Context())); err != nil {
		if errors.Is(err, loadrunner.ErrNoRunInProgress) {
			respondError(w, http.StatusConflict, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.Status())
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to write response")
	}
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, errorResponse{Error: err.Error()})
}
