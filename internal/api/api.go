// Package api serves the recorder's HTTP status and control surface.
//
// Routes:
//
//	GET  /healthz, /readyz        liveness and readiness
//	GET  /metrics                 Prometheus scrape endpoint
//	GET  /api/status              current coordinator status
//	GET  /api/recordings          recording catalog, newest first (?limit=N)
//	GET  /api/recordings/{id}     one catalog entry
//	POST /api/session/start       start a recording session
//	POST /api/session/stop        stop the current session
//	POST /api/session/flush       flush buffered audio to the SD card
//	GET  /ws/status               WebSocket stream of status snapshots
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/fieldrec/internal/catalog"
	"github.com/MrWong99/fieldrec/internal/coordinator"
	"github.com/MrWong99/fieldrec/internal/health"
	"github.com/MrWong99/fieldrec/internal/observe"
	"github.com/MrWong99/fieldrec/pkg/audio"
)

// Defaults for [Config].
const (
	DefaultPushInterval = time.Second
	DefaultListLimit    = 50
)

// Recorder is the part of the session coordinator the API drives.
type Recorder interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Flush(ctx context.Context) error
	Status() coordinator.Status
	Subscribe(buf int) (<-chan coordinator.Status, func())
}

var _ Recorder = (*coordinator.Coordinator)(nil)

// Config configures a [Server].
type Config struct {
	// Recorder is the session coordinator. Required.
	Recorder Recorder

	// Catalog lists recordings. Required.
	Catalog catalog.Store

	// Health serves /healthz and /readyz. Defaults to a handler with no
	// readiness checks.
	Health *health.Handler

	// Metrics is used by the HTTP middleware. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// MetricsHandler serves /metrics. Defaults to promhttp.Handler().
	MetricsHandler http.Handler

	// PushInterval is the period of unsolicited /ws/status snapshots.
	PushInterval time.Duration
}

// Server is the HTTP surface. Create it with [New] and mount
// [Server.Handler].
type Server struct {
	cfg Config
	mux *http.ServeMux
}

// New builds the route table.
func New(cfg Config) *Server {
	if cfg.Health == nil {
		cfg.Health = health.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.MetricsHandler == nil {
		cfg.MetricsHandler = promhttp.Handler()
	}
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = DefaultPushInterval
	}

	s := &Server{cfg: cfg, mux: http.NewServeMux()}
	cfg.Health.Register(s.mux)
	s.mux.Handle("GET /metrics", cfg.MetricsHandler)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/recordings", s.handleRecordings)
	s.mux.HandleFunc("GET /api/recordings/{id}", s.handleRecording)
	s.mux.HandleFunc("POST /api/session/start", s.handleStart)
	s.mux.HandleFunc("POST /api/session/stop", s.handleStop)
	s.mux.HandleFunc("POST /api/session/flush", s.handleFlush)
	s.mux.HandleFunc("GET /ws/status", s.handleStream)
	return s
}

// Handler returns the route table wrapped in the observability middleware.
func (s *Server) Handler() http.Handler {
	return observe.Middleware(s.cfg.Metrics)(s.mux)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		observe.Logger(r.Context()).Warn("api: request failed", "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// statusFor maps coordinator errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrBusy), errors.Is(err, coordinator.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, audio.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, coordinator.ErrFaulted):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Recorder.Status())
}

func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	limit := DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	recs, err := s.cfg.Catalog.List(r.Context(), limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []catalog.Recording{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleRecording(w http.ResponseWriter, r *http.Request) {
	rec, err := s.cfg.Catalog.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, catalog.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Recorder.Start(r.Context()); err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	slog.Info("api: session started")
	writeJSON(w, http.StatusOK, s.cfg.Recorder.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Recorder.Stop(r.Context()); err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	slog.Info("api: session stopped")
	writeJSON(w, http.StatusOK, s.cfg.Recorder.Status())
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Recorder.Flush(r.Context()); err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Recorder.Status())
}
