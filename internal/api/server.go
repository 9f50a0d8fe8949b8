package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/multicrawl/internal/controller"
	"github.com/JakeFAU/multicrawl/internal/crawler"
	"github.com/JakeFAU/multicrawl/internal/metrics"
	"github.com/JakeFAU/multicrawl/internal/worker"
)

const requestTimeout = 30 * time.Second

// Controller is the read side of a running crawl plus its stop switch.
type Controller interface {
	Name() string
	ID() string
	State() controller.State
	Reason() string
	Stats() crawler.StatsSnapshot
	Pending() int
	SeenCount() int
	WorkerStates() []worker.State
	Shutdown()
}

// Server wires HTTP handlers to the controllers of this process.
type Server struct {
	router      chi.Router
	controllers map[string]Controller
	names       []string
	logger      *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(controllers []Controller, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		controllers: make(map[string]Controller, len(controllers)),
		logger:      logger,
	}
	for _, c := range controllers {
		s.controllers[c.Name()] = c
		s.names = append(s.names, c.Name())
	}
	sort.Strings(s.names)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/controllers", func(r chi.Router) {
		r.Get("/", s.listControllers)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", s.getController)
			r.Post("/shutdown", s.shutdownController)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ControllerStatus is the JSON view of one controller.
type ControllerStatus struct {
	Name        string                `json:"name"`
	RunID       string                `json:"run_id"`
	State       string                `json:"state"`
	Reason      string                `json:"reason,omitempty"`
	Pending     int                   `json:"pending"`
	Seen        int                   `json:"seen"`
	BusyWorkers int                   `json:"busy_workers"`
	Workers     map[string]int        `json:"workers"`
	Stats       crawler.StatsSnapshot `json:"stats"`
}

func statusOf(c Controller) ControllerStatus {
	states := c.WorkerStates()
	status := ControllerStatus{
		Name:    c.Name(),
		RunID:   c.ID(),
		State:   c.State().String(),
		Reason:  c.Reason(),
		Pending: c.Pending(),
		Seen:    c.SeenCount(),
		Workers: make(map[string]int, len(states)),
		Stats:   c.Stats(),
	}
	for _, st := range states {
		status.Workers[st.String()]++
		if st.Busy() {
			status.BusyWorkers++
		}
	}
	return status
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports ready while at least one controller is still crawling.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	for _, c := range s.controllers {
		if c.State() == controller.StateRunning {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "idle"})
}

func (s *Server) listControllers(w http.ResponseWriter, _ *http.Request) {
	out := make([]ControllerStatus, 0, len(s.names))
	for _, name := range s.names {
		out = append(out, statusOf(s.controllers[name]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"controllers": out})
}

func (s *Server) getController(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controllers[chi.URLParam(r, "name")]
	if !ok {
		writeError(w, http.StatusNotFound, "controller not found")
		return
	}
	writeJSON(w, http.StatusOK, statusOf(c))
}

func (s *Server) shutdownController(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	c, ok := s.controllers[name]
	if !ok {
		writeError(w, http.StatusNotFound, "controller not found")
		return
	}
	if c.State() == controller.StateFinished {
		writeError(w, http.StatusConflict, "controller already finished")
		return
	}
	s.logger.Info("shutdown requested via API", zap.String("controller", name))
	c.Shutdown()
	writeJSON(w, http.StatusAccepted, map[string]string{"controller": name, "status": "stopping"})
}

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
		s.logger.Debug("request completed",
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
				s.logger.Error("panic recovered", zap.Any("error", rec))
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

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
