package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/user/crmbulk/internal/bulk"
	"github.com/user/crmbulk/internal/queue"
	"github.com/user/crmbulk/internal/store"
)

// QueueStats reports live job counts. Optional; it feeds /healthz.
type QueueStats interface {
	Stats(ctx context.Context, queueName string) (queue.Stats, error)
}

// Options configures the optional parts of a Server.
type Options struct {
	Limiter          RateLimiter   // nil disables rate limiting
	Queue            QueueStats    // nil omits queue counts from /healthz
	ProgressInterval time.Duration // poll cadence of the progress stream (default 1s)
}

// Server is the HTTP API of the bulk action service.
type Server struct {
	store            *store.Store
	submitter        *bulk.Submitter
	limiter          RateLimiter
	queue            QueueStats
	progressInterval time.Duration
	httpServer       *http.Server
	router           chi.Router
}

// New creates a new Server.
func New(st *store.Store, sub *bulk.Submitter, bindAddr string, opts Options) *Server {
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = time.Second
	}
	srv := &Server{
		store:            st,
		submitter:        sub,
		limiter:          opts.Limiter,
		queue:            opts.Queue,
		progressInterval: opts.ProgressInterval,
	}
	srv.router = srv.buildRouter()
	srv.httpServer = &http.Server{
		Addr:              bindAddr,
		Handler:           srv.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(structuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Route("/bulk-actions", func(r chi.Router) {
		r.With(s.accountRateLimit).Post("/", s.handleSubmit)
		r.Get("/", s.handleListBulkActions)
		r.Get("/{id}", s.handleGetBulkAction)
		r.Get("/{id}/stats", s.handleBulkActionStats)
		r.Get("/{id}/progress", s.handleBulkActionProgress)
	})

	r.Get("/logs", s.handleListLogs)
	r.Delete("/logs", s.handleClearLogs)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	slog.Info("HTTP server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.queue != nil {
		st, err := s.queue.Stats(r.Context(), bulk.QueueName)
		if err != nil {
			slog.Warn("queue stats unavailable", "error", err)
		} else {
			resp["queue"] = st
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// JSON response helpers

// envelope is the body shape of every API response.
type envelope struct {
	Success bool     `json:"success"`
	Message string   `json:"message,omitempty"`
	Data    any      `json:"data,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string, problems ...string) {
	writeJSON(w, status, envelope{Success: false, Message: msg, Errors: problems})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// Middleware

func structuredLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
			return
		}
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
