// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/absmach/fluxfn/blob"
	blobbadger "github.com/absmach/fluxfn/blob/badger"
	blobmemory "github.com/absmach/fluxfn/blob/memory"
	"github.com/absmach/fluxfn/config"
	"github.com/absmach/fluxfn/dispatch"
	"github.com/absmach/fluxfn/executor"
	"github.com/absmach/fluxfn/queue"
	"github.com/absmach/fluxfn/ratelimit"
	"github.com/absmach/fluxfn/schedule"
	"github.com/absmach/fluxfn/server/admin"
	"github.com/absmach/fluxfn/server/health"
	"github.com/absmach/fluxfn/server/otel"
)

const version = "0.1.0"

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting function runtime", "version", version)
	slog.Info("Configuration loaded",
		"admin_listener", cfg.Server.AdminAddr,
		"admin_enabled", cfg.Server.AdminEnabled,
		"health_listener", cfg.Server.HealthAddr,
		"health_enabled", cfg.Server.HealthEnabled,
		"storage_type", cfg.Storage.Type,
		"queue_data_dir", cfg.Queue.DataDir,
		"max_concurrent_executions", cfg.Executor.MaxConcurrent,
		"otel_enabled", cfg.Otel.Enabled,
		"log_level", cfg.Log.Level)

	// Telemetry comes up first so every component can record from the start.
	instanceID := uuid.New().String()
	var otelShutdown func(context.Context) error
	var metrics *otel.Metrics
	if cfg.Otel.Enabled {
		otelShutdown, err = otel.InitProvider(cfg.Otel, instanceID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		if cfg.Otel.MetricsEnabled {
			metrics, err = otel.NewMetrics()
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
		}
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Otel.Endpoint, "instance_id", instanceID)
	}

	var blobs blob.Store
	switch cfg.Storage.Type {
	case "memory":
		blobs = blobmemory.New()
		slog.Info("Using in-memory blob storage")
	case "badger":
		badgerStore, err := blobbadger.New(blobbadger.Config{
			Dir:           cfg.Storage.BadgerDir,
			MaxObjectSize: cfg.Storage.MaxObjectSize,
		})
		if err != nil {
			slog.Error("Failed to initialize BadgerDB blob storage", "error", err)
			os.Exit(1)
		}
		blobs = badgerStore
		slog.Info("Using BadgerDB blob storage", "dir", cfg.Storage.BadgerDir)
	default:
		slog.Error("Unknown storage type", "type", cfg.Storage.Type)
		os.Exit(1)
	}
	defer blobs.Close()

	defaultPolicy, err := queue.ParseOverflowPolicy(cfg.Queue.DefaultPolicy)
	if err != nil {
		slog.Error("Invalid default overflow policy", "error", err)
		os.Exit(1)
	}

	queues, err := queue.NewServer(queue.ServerConfig{
		DataDir:             cfg.Queue.DataDir,
		MaxMessageSize:      cfg.Queue.MaxMessageSize,
		DefaultMaxBytes:     cfg.Queue.DefaultMaxBytes,
		DefaultMaxMessages:  cfg.Queue.DefaultMaxMessages,
		DefaultPolicy:       defaultPolicy,
		SyncWrites:          cfg.Queue.SyncWrites,
		CompactionThreshold: cfg.Queue.CompactionThreshold,
	}, logger, metrics)
	if err != nil {
		slog.Error("Failed to open queue server", "error", err)
		os.Exit(1)
	}
	defer queues.Close()

	registry := executor.NewRegistry(blobs, logger)
	exec, err := executor.New(executor.Config{
		WorkspaceDir:       cfg.Executor.WorkspaceDir,
		MaxConcurrent:      cfg.Executor.MaxConcurrent,
		ParallelExecutions: cfg.Executor.ParallelExecutions,
		ExecutionTimeout:   cfg.Executor.ExecutionTimeout,
		JanitorInterval:    cfg.Executor.JanitorInterval,
		WorkspaceMaxAge:    cfg.Executor.WorkspaceMaxAge,
		PythonBin:          cfg.Executor.PythonBin,
		DotnetBin:          cfg.Executor.DotnetBin,
	}, registry, blobs, logger, metrics)
	if err != nil {
		slog.Error("Failed to create executor", "error", err)
		os.Exit(1)
	}
	defer exec.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := schedule.NewEngine(exec, logger, metrics)
	disp := dispatch.New(dispatch.Config{
		PollTimeout:          cfg.Dispatch.PollTimeout,
		RetryMaxAttempts:     cfg.Dispatch.RetryMaxAttempts,
		RetryInitialInterval: cfg.Dispatch.RetryInitialInterval,
		RetryMaxInterval:     cfg.Dispatch.RetryMaxInterval,
		RetryMultiplier:      cfg.Dispatch.RetryMultiplier,
		BreakerThreshold:     cfg.Dispatch.BreakerThreshold,
		BreakerResetTimeout:  cfg.Dispatch.BreakerResetTimeout,
		ShutdownTimeout:      cfg.Dispatch.ShutdownTimeout,
	}, queues, exec, logger, metrics)

	// Binding one trigger kind displaces the other.
	sched.SetQueueTriggers(disp)
	disp.SetTimerTriggers(sched)

	if err := sched.Start(ctx); err != nil {
		slog.Error("Failed to start schedule engine", "error", err)
		os.Exit(1)
	}
	if err := disp.Start(ctx); err != nil {
		slog.Error("Failed to start queue trigger dispatcher", "error", err)
		os.Exit(1)
	}

	var rateLimitManager *ratelimit.Manager
	if cfg.RateLimit.Enabled {
		rateLimitManager = ratelimit.NewManager(ratelimit.Config{
			Enabled: true,
			Request: ratelimit.RequestConfig{
				Enabled:         cfg.RateLimit.Request.Enabled,
				Rate:            cfg.RateLimit.Request.Rate,
				Burst:           cfg.RateLimit.Request.Burst,
				CleanupInterval: cfg.RateLimit.Request.CleanupInterval,
			},
			Execute: ratelimit.ExecuteConfig{
				Enabled:         cfg.RateLimit.Execute.Enabled,
				Rate:            cfg.RateLimit.Execute.Rate,
				Burst:           cfg.RateLimit.Execute.Burst,
				CleanupInterval: cfg.RateLimit.Execute.CleanupInterval,
			},
		})
		defer rateLimitManager.Stop()

		slog.Info("Rate limiting enabled",
			slog.Bool("request", cfg.RateLimit.Request.Enabled),
			slog.Bool("execute", cfg.RateLimit.Execute.Enabled))
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 2)

	if cfg.Server.AdminEnabled {
		adminServer := admin.New(admin.Config{
			Address:         cfg.Server.AdminAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			StatsInterval:   cfg.Server.StatsInterval,
		}, queues, exec, sched, disp, blobs, rateLimitManager, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting admin server", "address", cfg.Server.AdminAddr)
			if err := adminServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if cfg.Server.HealthEnabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, queues, disp, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting health check server", "address", cfg.Server.HealthAddr)
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("Function runtime started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Stop feeding the executor before the listeners go down; workers
	// drain their in-flight executions first.
	if err := disp.Shutdown(shutdownCtx); err != nil {
		slog.Error("Error draining dispatch workers", "error", err)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		slog.Error("Error draining scheduled executions", "error", err)
	}

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	cancel()

	wg.Wait()
	slog.Info("Function runtime stopped")
}
