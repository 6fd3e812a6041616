// Package http is the operator-facing admin surface: node health, consensus
// status, topic listing and Prometheus metrics.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"laminar/internal/state"
)

const (
	contentTypeJSON        = "application/json"
	defaultShutdownTimeout = time.Second * 5
)

type iNodeStatus interface {
	ReadStatus() state.Status
}

type iJournalInfo interface {
	TopicNames() []string
}

type iConnectionInfo interface {
	Connections() map[string]string
}

// Server serves the admin endpoints.
type Server struct {
	node       iNodeStatus
	journal    iJournalInfo
	clients    iConnectionInfo
	registry   *prometheus.Registry
	httpServer *http.Server
	addr       string
}

// NewServer wires the admin surface; registry may carry the node metrics.
func NewServer(port int, node iNodeStatus, journal iJournalInfo, clients iConnectionInfo, registry *prometheus.Registry) *Server {
	return &Server{
		node:     node,
		journal:  journal,
		clients:  clients,
		registry: registry,
		addr:     fmt.Sprintf(":%d", port),
	}
}

// Start launches the listener on its own goroutine.
func (s *Server) Start() {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Second,
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin server error", "error", err)
		}
	}()
	slog.Info("admin server started", "addr", s.addr)
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown admin server: %w", err)
	}
	return nil
}

func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/topics", s.handleTopics)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.node.ReadStatus()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"nodeId":        status.NodeID,
		"role":          status.Role,
		"term":          status.Term,
		"lastCommitted": status.LastCommitted,
		"lastReceived":  status.LastReceived,
		"configSize":    status.ConfigSize,
		"jointConfig":   status.PendingConfig,
		"inFlight":      status.InFlight,
		"connections":   s.clients.Connections(),
	})
}

func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"topics": s.journal.TopicNames()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("error encoding response", "error", err)
	}
}
