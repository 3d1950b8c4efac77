// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package admin exposes the administrative JSON API: function
// registration and triggers, queue management, synchronous execution,
// and a WebSocket stats stream.
package admin

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/absmach/fluxfn/blob"
	"github.com/absmach/fluxfn/dispatch"
	"github.com/absmach/fluxfn/executor"
	"github.com/absmach/fluxfn/queue"
	"github.com/absmach/fluxfn/ratelimit"
	"github.com/absmach/fluxfn/schedule"
)

// Config holds configuration for the admin server.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	StatsInterval   time.Duration
	TLSCertFile     string
	TLSKeyFile      string
}

// Server provides the admin API over HTTP with h2c upgrade support.
type Server struct {
	config     Config
	httpServer *http.Server
	listener   net.Listener
	handler    *handler
	logger     *slog.Logger
}

// New creates a new admin server. The rate limiter may be nil.
func New(cfg Config, queues *queue.Server, exec *executor.Executor, sched *schedule.Engine, disp *dispatch.Dispatcher, blobs blob.Store, limiter *ratelimit.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 5 * time.Second
	}

	h := &handler{
		queues:        queues,
		exec:          exec,
		sched:         sched,
		disp:          disp,
		blobs:         blobs,
		limiter:       limiter,
		logger:        logger,
		statsInterval: cfg.StatsInterval,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/functions", h.registerFunction)
	mux.HandleFunc("GET /v1/functions", h.listFunctions)
	mux.HandleFunc("GET /v1/functions/{id}", h.getFunction)
	mux.HandleFunc("DELETE /v1/functions/{id}", h.deleteFunction)
	mux.HandleFunc("PUT /v1/functions/{id}/schedule", h.setSchedule)
	mux.HandleFunc("DELETE /v1/functions/{id}/schedule", h.clearSchedule)
	mux.HandleFunc("PUT /v1/functions/{id}/trigger", h.bindQueue)
	mux.HandleFunc("DELETE /v1/functions/{id}/trigger", h.unbindQueue)
	mux.HandleFunc("POST /v1/functions/{id}/execute", h.executeFunction)
	mux.HandleFunc("POST /v1/queues", h.createQueue)
	mux.HandleFunc("POST /v1/queues/{name}/messages", h.enqueueMessage)
	mux.HandleFunc("DELETE /v1/queues/{name}/messages", h.purgeQueue)
	mux.HandleFunc("GET /v1/queues/stats", h.queueStats)
	mux.HandleFunc("GET /v1/workers", h.listWorkers)
	mux.HandleFunc("GET /v1/stats/ws", h.statsWS)

	// h2c carries HTTP/2 over plaintext; with TLS the standard ALPN
	// upgrade applies instead.
	root := h.rateLimit(mux)
	if cfg.TLSCertFile == "" || cfg.TLSKeyFile == "" {
		root = h2c.NewHandler(root, &http2.Server{})
	}

	httpServer := &http.Server{
		Addr:         cfg.Address,
		Handler:      root,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		handler:    h,
		logger:     logger,
	}
}

// Addr returns the listener's network address.
// Returns "" if the server hasn't started listening yet.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts the admin server and blocks until ctx is canceled or
// the listener fails.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.listener = listener

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.config.TLSCertFile != "" && s.config.TLSKeyFile != "" {
			s.logger.Info("admin_server_starting_tls", slog.String("address", listener.Addr().String()))
			err = s.httpServer.ServeTLS(listener, s.config.TLSCertFile, s.config.TLSKeyFile)
		} else {
			s.logger.Info("admin_server_starting", slog.String("address", listener.Addr().String()))
			err = s.httpServer.Serve(listener)
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("admin server error: %w", err)
	case <-ctx.Done():
		s.logger.Info("admin_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("admin_server_shutdown_error", slog.Any("error", err))
			return err
		}

		s.logger.Info("admin_server_stopped")
		return nil
	}
}
