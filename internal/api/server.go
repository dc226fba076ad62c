// Package api serves the run API over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/ispchecker/ispchecker/internal/metrics"
	"github.com/ispchecker/ispchecker/internal/model"
	"github.com/ispchecker/ispchecker/internal/ratelimit"
	"github.com/ispchecker/ispchecker/internal/store"
)

// ServiceName is reported by the liveness endpoint.
const ServiceName = "isp-checker-backend"

// Runs is the orchestration the API needs, service.Service implements it.
type Runs interface {
	Submit(ctx context.Context, target, mode, owner string) (string, error)
	Accept(ctx context.Context, owner string, res model.Result, ts time.Time) (string, error)
	Status(ctx context.Context, runID string) (model.Record, error)
	List(ctx context.Context, filter store.Filter, limit, offset int) ([]model.Record, error)
	Delete(ctx context.Context, runID string) error
	Cancel(ctx context.Context, runID string) bool
	ActiveCount() int
	MaxWorkers() int
	Ping(ctx context.Context) error
}

type Config struct {
	Version     string
	CORSOrigins []string
}

type Option func(*Server)

// WithLimiter enables admission control on API routes.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *Server) {
		s.limiter = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

type Server struct {
	runs    Runs
	cfg     Config
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	handler http.Handler
}

func New(runs Runs, cfg Config, opts ...Option) *Server {
	s := &Server{runs: runs, cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}

	router := mux.NewRouter()
	router.Use(s.instrument)

	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/docs", http.StatusTemporaryRedirect)
	}).Methods(http.MethodGet)
	router.HandleFunc("/health", s.health).Methods(http.MethodGet)
	router.HandleFunc("/ready", s.ready).Methods(http.MethodGet)
	if s.metrics != nil {
		router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	v1 := router.PathPrefix("/api/v1/runs").Subrouter()
	v1.HandleFunc("", s.createRun).Methods(http.MethodPost)
	v1.HandleFunc("/", s.createRun).Methods(http.MethodPost)
	v1.HandleFunc("", s.listRuns).Methods(http.MethodGet)
	v1.HandleFunc("/", s.listRuns).Methods(http.MethodGet)
	v1.HandleFunc("/{run_id}", s.getRun).Methods(http.MethodGet)
	v1.HandleFunc("/{run_id}", s.deleteRun).Methods(http.MethodDelete)
	v1.HandleFunc("/{run_id}/raw", s.getRaw).Methods(http.MethodGet)
	v1.HandleFunc("/{run_id}/probes", s.getProbes).Methods(http.MethodGet)
	v1.HandleFunc("/{run_id}/cancel", s.cancelRun).Methods(http.MethodPost)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not Found")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	})

	chain := []Middleware{Recovery, RequestID, Logging, CORS(cfg.CORSOrigins)}
	if s.limiter != nil {
		chain = append(chain, s.limiter.Middleware)
	}
	s.handler = Chain(chain...)(router)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// NewHTTPServer returns an http.Server for addr serving h.
func NewHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": ServiceName,
		"version": s.cfg.Version,
	})
}

type readiness struct {
	Status        string `json:"status"`
	Database      string `json:"database"`
	ActiveWorkers int    `json:"active_workers"`
	MaxWorkers    int    `json:"max_workers"`
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := readiness{
		Status:        "ready",
		Database:      "connected",
		ActiveWorkers: s.runs.ActiveCount(),
		MaxWorkers:    s.runs.MaxWorkers(),
	}
	code := http.StatusOK
	if err := s.runs.Ping(ctx); err != nil {
		resp.Status = "not_ready"
		resp.Database = "disconnected: " + err.Error()
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}
