package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ChuLiYu/evalsearch/internal/metrics"
	"github.com/ChuLiYu/evalsearch/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// HistoryLister lists past runs of a job. store.HistoryStore implements it.
type HistoryLister interface {
	ListRuns(ctx context.Context, jobID string, limit int) ([]*store.RunRecord, error)
}

// HTTPOption configures optional HTTP routes.
type HTTPOption func(*HTTPServer)

// WithHistory enables GET /api/v1/jobs/{job}/history.
func WithHistory(h HistoryLister) HTTPOption {
	return func(s *HTTPServer) { s.history = h }
}

// WithMetrics enables GET /metrics.
func WithMetrics(g prometheus.Gatherer) HTTPOption {
	return func(s *HTTPServer) { s.gatherer = g }
}

// HTTPServer is the JSON API:
//
//	GET    /healthz
//	GET    /metrics
//	GET    /api/v1/queue
//	GET    /api/v1/clients/{client}/status
//	POST   /api/v1/clients/{client}/jobs/{job}          schedule
//	DELETE /api/v1/clients/{client}/jobs/{job}          terminate
//	POST   /api/v1/clients/{client}/folders/{folder}    resume
//	GET    /api/v1/jobs/{job}/history?limit=n
type HTTPServer struct {
	router   chi.Router
	sched    Scheduler
	history  HistoryLister
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	started  time.Time
}

func NewHTTPServer(sched Scheduler, logger *slog.Logger, opts ...HTTPOption) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &HTTPServer{
		router:  chi.NewRouter(),
		sched:   sched,
		logger:  logger.With("component", "http"),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *HTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *HTTPServer) routes() {
	r := s.router
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Get("/healthz", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", metrics.Handler(s.gatherer))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/queue", s.handleQueue)
		r.Route("/clients/{client}", func(r chi.Router) {
			r.Get("/status", s.handleStatus)
			r.Post("/jobs/{job}", s.handleSchedule)
			r.Delete("/jobs/{job}", s.handleTerminate)
			r.Post("/folders/{folder}", s.handleResume)
		})
		if s.history != nil {
			r.Get("/jobs/{job}/history", s.handleHistory)
		}
	})
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, r, http.StatusOK, map[string]any{
		"status": "healthy",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *HTTPServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	jobs := s.sched.GetQueue()
	if jobs == nil {
		jobs = []string{}
	}
	respondJSON(w, r, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, r, http.StatusOK, s.sched.GetRunStatusForClient(chi.URLParam(r, "client")))
}

func (s *HTTPServer) handleSchedule(w http.ResponseWriter, r *http.Request) {
	client, job := chi.URLParam(r, "client"), chi.URLParam(r, "job")
	if !s.sched.Schedule(client, job) {
		respondError(w, r, http.StatusConflict, "job "+job+" was not scheduled")
		return
	}
	respondJSON(w, r, http.StatusAccepted, map[string]any{"accepted": true})
}

func (s *HTTPServer) handleResume(w http.ResponseWriter, r *http.Request) {
	client, folder := chi.URLParam(r, "client"), chi.URLParam(r, "folder")
	if !s.sched.ScheduleResume(client, folder) {
		respondError(w, r, http.StatusConflict, "folder "+folder+" was not scheduled for resume")
		return
	}
	respondJSON(w, r, http.StatusAccepted, map[string]any{"accepted": true})
}

func (s *HTTPServer) handleTerminate(w http.ResponseWriter, r *http.Request) {
	client, job := chi.URLParam(r, "client"), chi.URLParam(r, "job")
	if !s.sched.Terminate(client, job) {
		respondError(w, r, http.StatusNotFound, "no queued or running job "+job)
		return
	}
	respondJSON(w, r, http.StatusOK, map[string]any{"terminated": true})
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := s.history.ListRuns(r.Context(), chi.URLParam(r, "job"), limit)
	if err != nil {
		s.logger.Error("Failed to list runs", "error", err)
		respondError(w, r, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []*store.RunRecord{}
	}
	respondJSON(w, r, http.StatusOK, runs)
}

// ============================================================================
// Responses and middleware
// ============================================================================

// Response is the envelope of every API answer.
type Response struct {
	Status    string    `json:"status"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func respondJSON(w http.ResponseWriter, r *http.Request, code int, data any) {
	write(w, code, Response{Status: "ok", RequestID: RequestID(r.Context()), Timestamp: time.Now().UTC(), Data: data})
}

func respondError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	write(w, code, Response{Status: "error", RequestID: RequestID(r.Context()), Timestamp: time.Now().UTC(), Error: msg})
}

func write(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

type ctxKey int

const ctxKeyRequestID ctxKey = iota

// RequestID returns the id assigned to the request, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// requestIDMiddleware keeps a caller supplied X-Request-ID or assigns a new
// one.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id)))
	})
}

func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start).String(),
				"request_id", RequestID(r.Context()))
		})
	}
}
