// Package api serves the read-only job and run queries plus the reimport and
// reprocess triggers over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/amishk599/jobfeed/internal/model"
)

const (
	defaultLimit = 20
	maxLimit     = 100
)

// Store is the read side the API queries.
type Store interface {
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, q model.JobQuery) ([]model.Job, int, error)
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, p model.Page) ([]model.Run, int, error)
}

// Dispatcher starts runs on request.
type Dispatcher interface {
	Dispatch(ctx context.Context, feedURL string) (*model.Run, error)
	Reprocess(ctx context.Context, jobID string) (*model.Run, error)
}

// Server routes API requests.
type Server struct {
	router     *chi.Mux
	store      Store
	dispatcher Dispatcher
	logger     *slog.Logger
}

type meta struct {
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

type listResponse struct {
	Data any  `json:"data"`
	Meta meta `json:"meta"`
}

type triggerResponse struct {
	OK          bool   `json:"ok"`
	ImportLogID string `json:"importLogId"`
}

type errorResponse struct {
	Error       string `json:"error"`
	ImportLogID string `json:"importLogId,omitempty"`
}

// NewServer creates a Server with its routes mounted.
func NewServer(store Store, dispatcher Dispatcher, logger *slog.Logger) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
	}
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.logRequests)
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Route("/api", func(r chi.Router) {
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/reprocess", s.handleReprocess)
		r.Get("/import-logs", s.handleListRuns)
		r.Get("/import-logs/{id}", s.handleGetRun)
		r.Post("/reimport", s.handleReimport)
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	page := pageFrom(r)
	qs := r.URL.Query()
	q := model.JobQuery{
		Search:   qs.Get("search"),
		Title:    qs.Get("title"),
		Company:  qs.Get("company"),
		Location: qs.Get("location"),
		Page:     page,
	}

	jobs, total, err := s.store.ListJobs(r.Context(), q)
	if err != nil {
		s.serverError(w, "listing jobs", err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Data: jobs, Meta: meta{Total: total, Page: page.Page, Limit: page.Limit}})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, model.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Job not found"})
		return
	}
	if err != nil {
		s.serverError(w, "getting job", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	run, err := s.dispatcher.Reprocess(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, model.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Job not found"})
		return
	}
	if err != nil {
		s.triggerError(w, "reprocessing job", run, err)
		return
	}
	writeJSON(w, http.StatusOK, triggerResponse{OK: true, ImportLogID: run.ID})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	page := pageFrom(r)
	runs, total, err := s.store.ListRuns(r.Context(), page)
	if err != nil {
		s.serverError(w, "listing runs", err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Data: runs, Meta: meta{Total: total, Page: page.Page, Limit: page.Limit}})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, model.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "ImportLog not found"})
		return
	}
	if err != nil {
		s.serverError(w, "getting run", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleReimport(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FeedURL string `json:"feedUrl"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	if body.FeedURL == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "feedUrl required"})
		return
	}
	if u, err := url.Parse(body.FeedURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "feedUrl must be an absolute http(s) URL"})
		return
	}

	run, err := s.dispatcher.Dispatch(r.Context(), body.FeedURL)
	if err != nil {
		s.triggerError(w, "dispatching feed", run, err)
		return
	}
	writeJSON(w, http.StatusOK, triggerResponse{OK: true, ImportLogID: run.ID})
}

// triggerError reports a failed dispatch. The run id is included when the
// run was created before the failure.
func (s *Server) triggerError(w http.ResponseWriter, op string, run *model.Run, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, model.ErrQueueUnavailable) {
		status = http.StatusServiceUnavailable
	}
	s.logger.Error(op, "error", err)
	resp := errorResponse{Error: err.Error()}
	if run != nil {
		resp.ImportLogID = run.ID
	}
	writeJSON(w, status, resp)
}

func (s *Server) serverError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op, "error", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
}

// pageFrom reads page and limit, falling back to page 1 and the default
// limit for missing or invalid values.
func pageFrom(r *http.Request) model.Page {
	p := model.Page{Page: 1, Limit: defaultLimit}
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v > 0 {
		p.Page = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		p.Limit = min(v, maxLimit)
	}
	return p
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
