// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/absmach/fluxfn/executor"
	"github.com/absmach/fluxfn/queue"
	"github.com/absmach/fluxfn/server/otel"
)

// WorkerState describes where a worker is in its lifecycle.
type WorkerState string

const (
	StateIdle     WorkerState = "idle"
	StateRunning  WorkerState = "running"
	StateDraining WorkerState = "draining"
	StateStopped  WorkerState = "stopped"
)

// WorkerStatus is a point-in-time snapshot of one worker.
type WorkerStatus struct {
	FunctionID string      `json:"function_id"`
	Function   string      `json:"function"`
	Queue      string      `json:"queue"`
	State      WorkerState `json:"state"`
	Processed  uint64      `json:"processed"`
	Failed     uint64      `json:"failed"`
}

// worker consumes one queue and feeds one function. Dequeues are
// destructive, so a message that exhausts its retries is dropped, not
// re-enqueued.
type worker struct {
	functionID string
	function   string
	queue      string

	queues  *queue.Server
	exec    *executor.Executor
	breaker *gobreaker.CircuitBreaker
	cfg     Config
	logger  *slog.Logger
	metrics *otel.Metrics

	state     atomic.Value
	processed atomic.Uint64
	failed    atomic.Uint64

	// pollCtx stops new dequeues on drain; execCtx hard-cancels the
	// in-flight execution when the drain deadline passes.
	pollCtx    context.Context
	pollCancel context.CancelFunc
	execCtx    context.Context
	execCancel context.CancelFunc

	draining atomic.Bool
	done     chan struct{}
	onExit   func(*worker)
}

func newWorker(reg executor.Registration, queueName string, queues *queue.Server, exec *executor.Executor, cfg Config, logger *slog.Logger, metrics *otel.Metrics, onExit func(*worker)) *worker {
	execCtx, execCancel := context.WithCancel(context.Background())
	pollCtx, pollCancel := context.WithCancel(execCtx)

	w := &worker{
		functionID: reg.ID,
		function:   reg.Name,
		queue:      queueName,
		queues:     queues,
		exec:       exec,
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		pollCtx:    pollCtx,
		pollCancel: pollCancel,
		execCtx:    execCtx,
		execCancel: execCancel,
		done:       make(chan struct{}),
		onExit:     onExit,
	}
	w.state.Store(StateIdle)

	w.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        reg.Name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.BreakerResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("dispatch_breaker_state_changed",
				slog.String("function", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return w
}

func (w *worker) start() {
	if w.metrics != nil {
		w.metrics.RecordWorkerStarted(context.Background())
	}
	w.logger.Info("dispatch_worker_started",
		slog.String("function", w.function),
		slog.String("function_id", w.functionID),
		slog.String("queue", w.queue))
	go w.run()
}

func (w *worker) run() {
	defer close(w.done)
	defer func() {
		if w.onExit != nil {
			w.onExit(w)
		}
	}()
	defer w.markStopped()

	for {
		if w.draining.Load() || w.execCtx.Err() != nil {
			return
		}
		w.state.Store(StateIdle)

		// An open breaker rejects every execution, so dequeuing would
		// only burn messages. Hold off until it half-opens.
		if w.breaker.State() == gobreaker.StateOpen {
			if !w.sleep(w.cfg.RetryInitialInterval) {
				return
			}
			continue
		}

		msg, ok, err := w.queues.Dequeue(w.pollCtx, w.queue, w.cfg.PollTimeout)
		if err != nil {
			switch {
			case errors.Is(err, queue.ErrServerClosed):
				return
			case errors.Is(err, queue.ErrNotFound):
				w.logger.Warn("dispatch_queue_missing",
					slog.String("function", w.function),
					slog.String("queue", w.queue))
				return
			default:
				w.logger.Error("dispatch_dequeue_failed",
					slog.String("queue", w.queue),
					slog.Any("error", err))
				if !w.sleep(w.cfg.RetryInitialInterval) {
					return
				}
				continue
			}
		}
		if !ok {
			continue
		}

		w.state.Store(StateRunning)
		if !w.process(msg) {
			return
		}
	}
}

// process runs one message through the function, retrying failures with
// exponential backoff. It returns false when the worker should exit.
func (w *worker) process(msg queue.Message) bool {
	attempt := 0
	for {
		var res executor.Result
		_, err := w.breaker.Execute(func() (any, error) {
			r, execErr := w.exec.Execute(w.execCtx, w.functionID, msg.Payload)
			res = r
			return nil, execErr
		})

		if err == nil {
			if res.Outcome == executor.OutcomeCanceled {
				w.logger.Warn("dispatch_message_abandoned",
					slog.String("function", w.function),
					slog.String("queue", w.queue),
					slog.String("message_id", msg.ID))
				return false
			}
			w.processed.Add(1)
			return true
		}

		// A breaker rejection never ran the function: hold the message
		// without consuming an attempt and try again once it half-opens.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			if !w.sleep(w.cfg.RetryInitialInterval) {
				w.logger.Warn("dispatch_message_abandoned",
					slog.String("function", w.function),
					slog.String("queue", w.queue),
					slog.String("message_id", msg.ID))
				return false
			}
			continue
		}

		w.failed.Add(1)
		if errors.Is(err, executor.ErrNotFound) {
			w.logger.Warn("dispatch_function_unregistered",
				slog.String("function", w.function),
				slog.String("function_id", w.functionID))
			return false
		}

		if attempt >= w.cfg.RetryMaxAttempts-1 {
			w.logger.Error("dispatch_execution_failed",
				slog.String("function", w.function),
				slog.String("queue", w.queue),
				slog.String("message_id", msg.ID),
				slog.Int("attempts", attempt+1),
				slog.Any("error", err))
			return true
		}

		attempt++
		delay := retryDelay(attempt, w.cfg)
		if w.metrics != nil {
			w.metrics.RecordDispatchRetry(w.execCtx, w.function)
		}
		w.logger.Debug("dispatch_execution_retrying",
			slog.String("function", w.function),
			slog.String("message_id", msg.ID),
			slog.Int("attempt", attempt),
			slog.Duration("retry_after", delay),
			slog.Any("error", err))

		if !w.sleep(delay) {
			w.logger.Warn("dispatch_message_abandoned",
				slog.String("function", w.function),
				slog.String("queue", w.queue),
				slog.String("message_id", msg.ID))
			return false
		}
	}
}

// beginDrain stops new dequeues. The in-flight message keeps running.
func (w *worker) beginDrain() {
	if w.draining.CompareAndSwap(false, true) {
		w.state.Store(StateDraining)
		w.pollCancel()
	}
}

// stop drains the worker and waits for it to exit. When ctx expires
// first, the in-flight execution is hard-canceled.
func (w *worker) stop(ctx context.Context) error {
	w.beginDrain()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.execCancel()
		<-w.done
		return fmt.Errorf("worker for function %s stopped before draining: %w", w.function, ctx.Err())
	}
}

func (w *worker) markStopped() {
	w.state.Store(StateStopped)
	if w.metrics != nil {
		w.metrics.RecordWorkerStopped(context.Background())
	}
	w.logger.Info("dispatch_worker_stopped",
		slog.String("function", w.function),
		slog.String("queue", w.queue),
		slog.Uint64("processed", w.processed.Load()),
		slog.Uint64("failed", w.failed.Load()))
}

func (w *worker) status() WorkerStatus {
	return WorkerStatus{
		FunctionID: w.functionID,
		Function:   w.function,
		Queue:      w.queue,
		State:      w.state.Load().(WorkerState),
		Processed:  w.processed.Load(),
		Failed:     w.failed.Load(),
	}
}

func (w *worker) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-w.execCtx.Done():
		return false
	}
}

// retryDelay calculates exponential backoff delay.
func retryDelay(attempt int, cfg Config) time.Duration {
	delay := float64(cfg.RetryInitialInterval) * math.Pow(cfg.RetryMultiplier, float64(attempt))
	if delay > float64(cfg.RetryMaxInterval) {
		delay = float64(cfg.RetryMaxInterval)
	}
	return time.Duration(delay)
}
