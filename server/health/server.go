// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health serves liveness, readiness, and queue saturation
// probes for monitoring and orchestration.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/absmach/fluxfn/dispatch"
	"github.com/absmach/fluxfn/queue"
)

// Saturation thresholds relative to a queue's byte quota.
const (
	degradedThreshold = 0.80
	criticalThreshold = 0.95
)

// Queue status classifications.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusCritical = "critical"
)

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Server provides health check endpoints for monitoring and orchestration.
type Server struct {
	config     Config
	queues     *queue.Server
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
	server     *http.Server
	listener   net.Listener
}

// New creates a new health check server.
func New(cfg Config, queues *queue.Server, dispatcher *dispatch.Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:     cfg,
		queues:     queues,
		dispatcher: dispatcher,
		logger:     logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/health/queues", s.handleQueues)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Addr returns the listener's network address.
// Returns "" if the server hasn't started listening yet.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts the health check server.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.listener = listener

	s.logger.Info("health_server_starting", slog.String("address", s.listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("health_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("health_server_shutdown_error", slog.Any("error", err))
			return err
		}

		s.logger.Info("health_server_stopped")
		return nil
	}
}

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth implements liveness probe.
// Returns 200 OK if the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{
		Status: "healthy",
	})
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// handleReady implements readiness probe.
// Returns 200 OK once the queue engine and dispatcher accept traffic.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if s.queues == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(ReadyResponse{
			Status:  "not_ready",
			Details: "queue server not initialized",
		})
		return
	}

	if s.dispatcher == nil || !s.dispatcher.Running() {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(ReadyResponse{
			Status:  "not_ready",
			Details: "dispatcher not running",
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(ReadyResponse{
		Status: "ready",
	})
}

// QueueHealth classifies one queue's occupancy against its byte quota.
type QueueHealth struct {
	Name         string  `json:"name"`
	MessageCount int64   `json:"message_count"`
	TotalBytes   int64   `json:"total_bytes"`
	MaxBytes     int64   `json:"max_bytes"`
	Saturation   float64 `json:"saturation"`
	Status       string  `json:"status"`
}

// QueuesResponse aggregates per-queue health. Status is the worst
// queue's classification.
type QueuesResponse struct {
	Status string        `json:"status"`
	Queues []QueueHealth `json:"queues"`
}

// handleQueues reports queue saturation. Queues at or above 80% of
// their byte quota are degraded, at or above 95% critical.
func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if s.queues == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(QueuesResponse{Status: "unavailable"})
		return
	}

	resp := QueuesResponse{Status: StatusOK, Queues: []QueueHealth{}}
	for _, st := range s.queues.Stats() {
		qh := Classify(st)
		resp.Queues = append(resp.Queues, qh)
		if worse(qh.Status, resp.Status) {
			resp.Status = qh.Status
		}
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

// Classify computes a queue's saturation and status from its stats
// snapshot. A queue with no byte quota is never saturated.
func Classify(st queue.Stats) QueueHealth {
	qh := QueueHealth{
		Name:         st.Name,
		MessageCount: st.MessageCount,
		TotalBytes:   st.TotalBytes,
		MaxBytes:     st.MaxBytes,
		Status:       StatusOK,
	}

	if st.MaxBytes > 0 {
		qh.Saturation = float64(st.TotalBytes) / float64(st.MaxBytes)
	}

	switch {
	case qh.Saturation >= criticalThreshold:
		qh.Status = StatusCritical
	case qh.Saturation >= degradedThreshold:
		qh.Status = StatusDegraded
	}

	return qh
}

func rank(status string) int {
	switch status {
	case StatusCritical:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

func worse(a, b string) bool {
	return rank(a) > rank(b)
}
