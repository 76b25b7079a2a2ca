// Package api exposes the operator HTTP surface: run summary, failed-item
// inspection, and manual requeue. It is a control interface, not a dashboard.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seedspider/seedspider/internal/metrics"
	"github.com/seedspider/seedspider/internal/orchestrator"
	"github.com/seedspider/seedspider/internal/scheduler"
)

const requestTimeout = 30 * time.Second

// Server wires HTTP handlers to the scheduler.
type Server struct {
	router chi.Router
	sched  *scheduler.Scheduler
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(sched *scheduler.Scheduler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{sched: sched, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/summary", s.summary)
		r.Route("/actions/{name}", func(r chi.Router) {
			r.Get("/failed", s.failed)
			r.Post("/requeue", s.requeue)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The store is the only hard dependency; a summary probe exercises it.
	if _, err := s.sched.Summary(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "record store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.sched.Summary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// failedItem is the operator-facing view of one PermanentlyFailed item.
type failedItem struct {
	ActionType string          `json:"action_type"`
	Key        string          `json:"key"`
	Input      json.RawMessage `json:"input,omitempty"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
	Generation int             `json:"generation"`
}

func (s *Server) failed(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	items, err := s.sched.Failed(r.Context(), name)
	if err != nil {
		writeSchedulerError(w, err)
		return
	}
	out := make([]failedItem, 0, len(items))
	for _, item := range items {
		out = append(out, failedItem{
			ActionType: item.ActionType,
			Key:        item.Key,
			Input:      item.Input,
			Attempts:   item.Attempts,
			LastError:  item.LastError,
			Generation: item.Generation,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

type requeueRequest struct {
	// Scope selects what gets requeued: "failed" (default) re-queues
	// PermanentlyFailed items, "done" refreshes completed ones.
	Scope string `json:"scope"`
}

func (s *Server) requeue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	req := requeueRequest{Scope: "failed"}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}

	var (
		n   int
		err error
	)
	switch req.Scope {
	case "", "failed":
		n, err = s.sched.RequeueFailed(r.Context(), name)
	case "done":
		n, err = s.sched.RequeueAll(r.Context(), name)
	default:
		writeError(w, http.StatusBadRequest, "scope must be \"failed\" or \"done\"")
		return
	}
	if err != nil {
		writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"requeued": n})
}

func writeSchedulerError(w http.ResponseWriter, err error) {
	if errors.Is(err, orchestrator.ErrUnknownActionType) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
