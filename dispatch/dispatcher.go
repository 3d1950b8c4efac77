// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package dispatch feeds queue messages to registered functions. Each
// queue-bound function gets exactly one worker goroutine that polls its
// queue and executes the function per message, with retry backoff and a
// circuit breaker around the execution path.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/absmach/fluxfn/executor"
	"github.com/absmach/fluxfn/queue"
	"github.com/absmach/fluxfn/server/otel"
)

// Common errors.
var (
	ErrFunctionBound = errors.New("function is already bound to a queue")
	ErrClosed        = errors.New("dispatcher is shut down")
)

// Config holds dispatch settings.
type Config struct {
	PollTimeout          time.Duration `yaml:"poll_timeout"`
	RetryMaxAttempts     int           `yaml:"retry_max_attempts"`
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `yaml:"retry_max_interval"`
	RetryMultiplier      float64       `yaml:"retry_multiplier"`
	BreakerThreshold     uint32        `yaml:"breaker_threshold"`
	BreakerResetTimeout  time.Duration `yaml:"breaker_reset_timeout"`
	ShutdownTimeout      time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns dispatch defaults.
func DefaultConfig() Config {
	return Config{
		PollTimeout:          5 * time.Second,
		RetryMaxAttempts:     3,
		RetryInitialInterval: 100 * time.Millisecond,
		RetryMaxInterval:     10 * time.Second,
		RetryMultiplier:      2.0,
		BreakerThreshold:     5,
		BreakerResetTimeout:  30 * time.Second,
		ShutdownTimeout:      30 * time.Second,
	}
}

// TimerTriggers drops a function's cron entry when a queue binding
// displaces it. Satisfied by the schedule engine.
type TimerTriggers interface {
	Unbind(functionID string) bool
}

// Dispatcher owns the queue-trigger workers. At most one worker exists
// per function; bindings are persisted on the registration, so Start
// restores them after a restart.
type Dispatcher struct {
	cfg     Config
	queues  *queue.Server
	exec    *executor.Executor
	logger  *slog.Logger
	metrics *otel.Metrics

	timerTriggers TimerTriggers

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
}

// New creates a dispatcher. The metrics handle may be nil.
func New(cfg Config, queues *queue.Server, exec *executor.Executor, logger *slog.Logger, metrics *otel.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:     cfg,
		queues:  queues,
		exec:    exec,
		logger:  logger,
		metrics: metrics,
		workers: make(map[string]*worker),
	}
}

// SetTimerTriggers wires the schedule engine in. Must be called before
// Start; without it, queue bindings do not displace cron entries.
func (d *Dispatcher) SetTimerTriggers(tt TimerTriggers) {
	d.timerTriggers = tt
}

// Start restores persisted queue bindings. Bindings whose queue cannot
// be recreated are skipped with a warning rather than blocking startup.
func (d *Dispatcher) Start(ctx context.Context) error {
	regs, err := d.exec.Registry().List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load queue bindings: %w", err)
	}

	for _, reg := range regs {
		if reg.TriggerType != executor.TriggerQueue || reg.TriggerQueue == "" {
			continue
		}
		if err := d.queues.Ensure(ctx, reg.TriggerQueue); err != nil {
			d.logger.Warn("dispatch_restore_failed",
				slog.String("function_id", reg.ID),
				slog.String("queue", reg.TriggerQueue),
				slog.Any("error", err))
			continue
		}

		d.mu.Lock()
		d.startWorkerLocked(reg, reg.TriggerQueue)
		d.mu.Unlock()

		d.logger.Info("dispatch_restored",
			slog.String("function_id", reg.ID),
			slog.String("function", reg.Name),
			slog.String("queue", reg.TriggerQueue))
	}

	return nil
}

// Activate binds a function to a queue and starts its worker. The queue
// is created with default quotas when absent. Re-activating the same
// binding is a no-op; binding to a different queue fails with
// ErrFunctionBound until the current binding is deactivated.
func (d *Dispatcher) Activate(ctx context.Context, functionID, queueName string) error {
	reg, err := d.exec.Registry().Get(ctx, functionID)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	if reg.TriggerType == executor.TriggerQueue && reg.TriggerQueue != "" && reg.TriggerQueue != queueName {
		return ErrFunctionBound
	}
	if w, ok := d.workers[functionID]; ok && w.queue == queueName {
		return nil
	}

	if err := d.queues.Ensure(ctx, queueName); err != nil {
		return err
	}

	// A function carries at most one trigger; drop a live cron entry
	// before the queue binding takes over.
	if reg.TriggerType == executor.TriggerTimer && d.timerTriggers != nil {
		d.timerTriggers.Unbind(functionID)
	}

	if err := d.exec.Registry().SetQueueBinding(ctx, functionID, queueName); err != nil {
		return err
	}

	d.startWorkerLocked(reg, queueName)

	d.logger.Info("dispatch_activated",
		slog.String("function_id", functionID),
		slog.String("function", reg.Name),
		slog.String("queue", queueName))
	return nil
}

// Deactivate drains and stops the function's worker and clears the
// persisted binding. Deactivating an unbound function is a no-op.
func (d *Dispatcher) Deactivate(ctx context.Context, functionID string) error {
	reg, err := d.exec.Registry().Get(ctx, functionID)
	if err != nil {
		return err
	}

	d.mu.Lock()
	w, ok := d.workers[functionID]
	if ok {
		delete(d.workers, functionID)
	}
	d.mu.Unlock()

	if ok {
		stopCtx, cancel := context.WithTimeout(ctx, d.cfg.ShutdownTimeout)
		defer cancel()
		if err := w.stop(stopCtx); err != nil {
			d.logger.Warn("dispatch_worker_drain_failed",
				slog.String("function_id", functionID),
				slog.Any("error", err))
		}
	}

	if reg.TriggerType == executor.TriggerQueue {
		if err := d.exec.Registry().ClearBinding(ctx, functionID); err != nil {
			return err
		}
	}

	if ok || reg.TriggerType == executor.TriggerQueue {
		d.logger.Info("dispatch_deactivated",
			slog.String("function_id", functionID),
			slog.String("function", reg.Name))
	}
	return nil
}

// Running reports whether the dispatcher is accepting activations.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.closed
}

// Workers returns worker snapshots ordered by function name.
func (d *Dispatcher) Workers() []WorkerStatus {
	d.mu.Lock()
	statuses := make([]WorkerStatus, 0, len(d.workers))
	for _, w := range d.workers {
		statuses = append(statuses, w.status())
	}
	d.mu.Unlock()

	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].Function != statuses[j].Function {
			return statuses[i].Function < statuses[j].Function
		}
		return statuses[i].FunctionID < statuses[j].FunctionID
	})
	return statuses
}

// Shutdown drains all workers, bounded by ctx. Workers that do not
// drain in time are hard-canceled and reported.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	workers := make([]*worker, 0, len(d.workers))
	for _, w := range d.workers {
		workers = append(workers, w)
	}
	d.workers = make(map[string]*worker)
	d.mu.Unlock()

	for _, w := range workers {
		w.beginDrain()
	}

	var errs *multierror.Error
	for _, w := range workers {
		if err := w.stop(ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		d.logger.Warn("dispatch_shutdown_incomplete", slog.Any("error", err))
		return err
	}

	d.logger.Info("dispatch_stopped", slog.Int("workers", len(workers)))
	return nil
}

// startWorkerLocked replaces any existing worker for the function. The
// caller holds d.mu.
func (d *Dispatcher) startWorkerLocked(reg executor.Registration, queueName string) {
	if old, ok := d.workers[reg.ID]; ok {
		old.beginDrain()
	}

	w := newWorker(reg, queueName, d.queues, d.exec, d.cfg, d.logger, d.metrics, func(exited *worker) {
		d.mu.Lock()
		if cur, ok := d.workers[exited.functionID]; ok && cur == exited {
			delete(d.workers, exited.functionID)
		}
		d.mu.Unlock()
	})
	d.workers[reg.ID] = w
	w.start()
}
