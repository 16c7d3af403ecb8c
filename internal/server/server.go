// Package server exposes the serve-mode scheduler and its ops API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/loginwatch/internal/config"
	"github.com/lvonguyen/loginwatch/internal/event"
	"github.com/lvonguyen/loginwatch/internal/pipeline"
	"github.com/lvonguyen/loginwatch/internal/poller"
)

// ErrRunInProgress is returned when a manual run is requested while a
// scheduled run is still executing.
var ErrRunInProgress = errors.New("server: run already in progress")

// RunStatus is the outcome of the most recent pipeline run.
type RunStatus struct {
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Error        string    `json:"error,omitempty"`
	AlertCount   int       `json:"alert_count"`
	UsersScored  int       `json:"users_scored"`
	UsersSkipped int       `json:"users_skipped"`
	UsersFailed  int       `json:"users_failed"`
	Watermark    float64   `json:"watermark"`
}

// Server runs the pipeline on a fixed interval and serves the ops API.
type Server struct {
	cfg      config.ServerConfig
	pipeline *pipeline.Pipeline
	pollers  []poller.Poller
	logger   *zap.Logger
	version  string

	mu      sync.Mutex
	running bool
	status  *RunStatus
	alerts  []event.Raw
}

// New builds a Server around an assembled pipeline.
func New(cfg config.ServerConfig, p *pipeline.Pipeline, pollers []poller.Poller,
	logger *zap.Logger, version string) *Server {
	return &Server{
		cfg:      cfg,
		pipeline: p,
		pollers:  pollers,
		logger:   logger,
		version:  version,
	}
}

// Serve starts the interval scheduler and the HTTP listener, and blocks
// until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ops API listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	// Run once at startup rather than waiting a full interval.
	s.runOnce(ctx)

	for {
		select {
		case <-ticker.C:
			s.runOnce(ctx)
		case err := <-errCh:
			return err
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		}
	}
}

// Router builds the ops API routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/alerts", s.handleAlerts)
		r.Post("/run", s.handleRun)
	})
	return r
}

// runOnce executes the pipeline and records the outcome. Only one run
// executes at a time; overlapping triggers are dropped.
func (s *Server) runOnce(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("previous run still in progress, skipping")
		return
	}
	s.running = true
	s.mu.Unlock()

	status := &RunStatus{StartedAt: time.Now().UTC()}
	result, err := s.pipeline.Run(ctx)
	status.FinishedAt = time.Now().UTC()

	var alerts []event.Raw
	if err != nil {
		status.Error = err.Error()
		s.logger.Error("pipeline run failed", zap.Error(err))
	} else {
		status.AlertCount = len(result.Alerts)
		status.UsersScored = result.UsersScored
		status.UsersSkipped = result.UsersSkipped
		status.UsersFailed = result.UsersFailed
		status.Watermark = result.NewWatermark
		alerts = result.Alerts
		s.logger.Info("pipeline run complete",
			zap.Int("alerts", status.AlertCount),
			zap.Int("users_scored", status.UsersScored))
	}

	s.mu.Lock()
	s.running = false
	s.status = status
	if err == nil {
		s.alerts = alerts
	}
	s.mu.Unlock()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type pollerHealth struct {
		Provider string `json:"provider"`
		Healthy  bool   `json:"healthy"`
		Error    string `json:"error,omitempty"`
	}
	resp := struct {
		Status  string         `json:"status"`
		Version string         `json:"version"`
		Pollers []pollerHealth `json:"pollers"`
	}{Status: "healthy", Version: s.version}

	for _, p := range s.pollers {
		h := pollerHealth{Provider: p.Name(), Healthy: true}
		if err := p.HealthCheck(r.Context()); err != nil {
			h.Healthy = false
			h.Error = err.Error()
			resp.Status = "degraded"
		}
		resp.Pollers = append(resp.Pollers, h)
	}

	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status := s.status
	running := s.running
	s.mu.Unlock()

	resp := struct {
		Running bool       `json:"running"`
		LastRun *RunStatus `json:"last_run,omitempty"`
	}{Running: running, LastRun: status}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	alerts := s.alerts
	s.mu.Unlock()

	if alerts == nil {
		alerts = []event.Raw{}
	}
	resp := struct {
		Count  int         `json:"count"`
		Alerts []event.Raw `json:"alerts"`
	}{Count: len(alerts), Alerts: alerts}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	busy := s.running
	s.mu.Unlock()
	if busy {
		writeJSON(w, http.StatusConflict, map[string]string{"error": ErrRunInProgress.Error()})
		return
	}

	go s.runOnce(context.Background())
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
