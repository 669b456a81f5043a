// Package httpapi serves read-only monitor snapshots over HTTP for local
// display surfaces: current fidelity, retained history, the alert and
// escalation ledgers, confirmed subscriptions, and connection health.
// Every endpoint is a pure read; presentation never mutates the monitor.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/c360studio/fidelitymon/monitor"
	"github.com/c360studio/fidelitymon/transport"
	"github.com/c360studio/fidelitymon/wire"
)

// DefaultBind is the loopback address the snapshot API listens on unless
// configured otherwise.
const DefaultBind = "127.0.0.1:8753"

// Monitor is the read-only view the API serves. *monitor.Monitor satisfies it.
type Monitor interface {
	Fidelity() monitor.FidelitySnapshot
	History() []monitor.Sample
	AverageSince(cutoff time.Time) (float64, int)
	RecentAlerts(n int) []monitor.Alert
	RecentEscalations(n int) []monitor.Escalation
	ViolationCount() uint64
	ConfirmedSubscriptions() []string
	Connection() monitor.ConnectionSnapshot
}

// Config configures a Server.
type Config struct {
	// Bind is the listen address; empty means DefaultBind.
	Bind string

	// Monitor is the snapshot source. Required.
	Monitor Monitor

	// Metrics, when non-nil, is mounted at /metrics.
	Metrics http.Handler

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Server exposes monitor snapshots over HTTP.
type Server struct {
	logger  *slog.Logger
	mon     Monitor
	metrics http.Handler
	srv     *http.Server
}

// NewServer builds the server and its routes. Call Start to begin serving.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Monitor == nil {
		return nil, fmt.Errorf("new httpapi server: monitor is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bind := cfg.Bind
	if bind == "" {
		bind = DefaultBind
	}

	s := &Server{logger: logger, mon: cfg.Monitor, metrics: cfg.Metrics}

	mux := http.NewServeMux()
	s.RegisterHTTPHandlers("/api/monitor/", mux)
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}

	s.srv = &http.Server{
		Addr:              bind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

// RegisterHTTPHandlers registers the snapshot endpoints on mux.
// The prefix includes the trailing slash (e.g., "/api/monitor/").
func (s *Server) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	mux.HandleFunc(prefix+"current", s.handleCurrent)
	mux.HandleFunc(prefix+"history", s.handleHistory)
	mux.HandleFunc(prefix+"alerts", s.handleAlerts)
	mux.HandleFunc(prefix+"escalations", s.handleEscalations)
	mux.HandleFunc(prefix+"subscriptions", s.handleSubscriptions)
	mux.HandleFunc(prefix+"connection", s.handleConnection)
}

// Handler returns the full route table. Useful for serving through an
// existing server or an httptest one.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start binds the listen address and begins serving in the background.
// Bind failures are returned immediately; later serve faults are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.srv.Addr, err)
	}
	s.logger.Info("HTTP API listening", "addr", ln.Addr().String())
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP API server failed", "error", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the server, waiting for in-flight requests
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// currentResponse is the /current payload: the fidelity snapshot flattened,
// the session violation counter, and an optional windowed average.
type currentResponse struct {
	monitor.FidelitySnapshot
	Violations uint64         `json:"violations"`
	Window     *windowAverage `json:"window,omitempty"`
}

type windowAverage struct {
	Duration string  `json:"duration"`
	Average  float64 `json:"average"`
	Samples  int     `json:"samples"`
}

// handleCurrent handles GET /api/monitor/current?window={duration}
// Returns the live fidelity snapshot, optionally with an average over the
// trailing window.
func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := currentResponse{
		FidelitySnapshot: s.mon.Fidelity(),
		Violations:       s.mon.ViolationCount(),
	}

	if raw := r.URL.Query().Get("window"); raw != "" {
		window, err := time.ParseDuration(raw)
		if err != nil || window <= 0 {
			http.Error(w, "Invalid window duration", http.StatusBadRequest)
			return
		}
		avg, n := s.mon.AverageSince(time.Now().Add(-window))
		resp.Window = &windowAverage{Duration: window.String(), Average: avg, Samples: n}
	}

	s.writeJSON(w, resp)
}

type historyResponse struct {
	Count   int              `json:"count"`
	Samples []monitor.Sample `json:"samples"`
}

// handleHistory handles GET /api/monitor/history
// Returns every retained fidelity sample, oldest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	samples := s.mon.History()
	s.writeJSON(w, historyResponse{Count: len(samples), Samples: samples})
}

// alertEntry pairs a ledger record with its presentation mapping so display
// surfaces need no lookup of their own.
type alertEntry struct {
	monitor.Alert
	Display wire.Display `json:"display"`
}

type alertsResponse struct {
	Count      int          `json:"count"`
	Violations uint64       `json:"violations"`
	Alerts     []alertEntry `json:"alerts"`
}

// handleAlerts handles GET /api/monitor/alerts?limit={n}
// Returns recent alerts newest first. Omitting limit returns everything
// retained.
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	alerts := s.mon.RecentAlerts(limit)
	entries := make([]alertEntry, len(alerts))
	for i, a := range alerts {
		entries[i] = alertEntry{Alert: a, Display: a.Severity.Display()}
	}

	s.writeJSON(w, alertsResponse{
		Count:      len(entries),
		Violations: s.mon.ViolationCount(),
		Alerts:     entries,
	})
}

type escalationEntry struct {
	monitor.Escalation
	Display wire.Display `json:"display"`
}

type escalationsResponse struct {
	Count       int               `json:"count"`
	Escalations []escalationEntry `json:"escalations"`
}

// handleEscalations handles GET /api/monitor/escalations?limit={n}
// Returns recent escalation notices newest first.
func (s *Server) handleEscalations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	escalations := s.mon.RecentEscalations(limit)
	entries := make([]escalationEntry, len(escalations))
	for i, e := range escalations {
		entries[i] = escalationEntry{Escalation: e, Display: e.Level.Display()}
	}

	s.writeJSON(w, escalationsResponse{Count: len(entries), Escalations: entries})
}

type subscriptionsResponse struct {
	Count     int      `json:"count"`
	Workflows []string `json:"workflows"`
}

// handleSubscriptions handles GET /api/monitor/subscriptions
// Returns the workflow IDs the backend has confirmed, sorted.
func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	workflows := s.mon.ConfirmedSubscriptions()
	s.writeJSON(w, subscriptionsResponse{Count: len(workflows), Workflows: workflows})
}

// handleConnection handles GET /api/monitor/connection
// Returns the transport status plus the backend-assigned session identity.
func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, s.mon.Connection())
}

// healthzResponse reports liveness. The endpoint always answers 200; a
// degraded backend connection shows up in the body, not the status code.
type healthzResponse struct {
	Status     string          `json:"status"`
	Connection transport.State `json:"connection"`
	Exhausted  bool            `json:"exhausted,omitempty"`
}

// handleHealthz handles GET /healthz
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conn := s.mon.Connection()
	status := "ok"
	if conn.State != transport.StateConnected {
		status = "degraded"
	}
	s.writeJSON(w, healthzResponse{
		Status:     status,
		Connection: conn.State,
		Exhausted:  conn.Exhausted,
	})
}

// parseLimit reads the optional limit query parameter. Zero means everything
// retained. Writes the error response itself when the value is malformed.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		http.Error(w, "Invalid limit", http.StatusBadRequest)
		return 0, false
	}
	return limit, true
}

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Failed to encode response", "error", err)
	}
}
