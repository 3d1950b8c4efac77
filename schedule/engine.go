// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cron "github.com/robfig/cron/v3"

	"github.com/absmach/fluxfn/executor"
	"github.com/absmach/fluxfn/server/otel"
)

// cronLogger adapts the cron logger interface to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	args := append([]any{"error", err}, keysAndValues...)
	l.logger.Error(msg, args...)
}

// QueueTriggers stops a function's queue consumption when a timer
// binding displaces it. Satisfied by the dispatcher.
type QueueTriggers interface {
	Deactivate(ctx context.Context, functionID string) error
}

// Engine binds cron expressions to registered functions. Bindings are
// persisted on the registration, so Start restores them after a
// restart. Each fire executes the function with empty input; the
// executor's concurrency gate still applies.
type Engine struct {
	exec    *executor.Executor
	cron    *cron.Cron
	logger  *slog.Logger
	metrics *otel.Metrics

	queueTriggers QueueTriggers

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewEngine creates a schedule engine. The metrics handle may be nil.
func NewEngine(exec *executor.Executor, logger *slog.Logger, metrics *otel.Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cronLogger{logger: logger}),
		cron.WithChain(cron.Recover(cronLogger{logger: logger})),
	)

	return &Engine{
		exec:    exec,
		cron:    c,
		logger:  logger,
		metrics: metrics,
		entries: make(map[string]cron.EntryID),
	}
}

// SetQueueTriggers wires the dispatcher in. Must be called before
// Start; without it, timer bindings do not displace queue workers.
func (e *Engine) SetQueueTriggers(qt QueueTriggers) {
	e.queueTriggers = qt
}

// Start restores persisted timer bindings and begins firing. Bindings
// that no longer parse are skipped with a warning rather than blocking
// startup.
func (e *Engine) Start(ctx context.Context) error {
	regs, err := e.exec.Registry().List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load schedule bindings: %w", err)
	}

	for _, reg := range regs {
		if reg.TriggerType != executor.TriggerTimer || reg.Schedule == "" {
			continue
		}
		if err := e.bind(reg.ID, reg.Name, reg.Schedule); err != nil {
			e.logger.Warn("schedule_restore_failed",
				slog.String("function_id", reg.ID),
				slog.String("expression", reg.Schedule),
				slog.Any("error", err))
			continue
		}
		e.logger.Info("schedule_restored",
			slog.String("function_id", reg.ID),
			slog.String("function", reg.Name),
			slog.String("expression", reg.Schedule))
	}

	e.cron.Start()
	return nil
}

// SetSchedule validates and persists a timer binding, replacing any
// previous trigger. It returns the normalized expression.
func (e *Engine) SetSchedule(ctx context.Context, functionID, expression string) (string, error) {
	normalized, err := Normalize(expression)
	if err != nil {
		return "", err
	}

	reg, err := e.exec.Registry().Get(ctx, functionID)
	if err != nil {
		return "", err
	}

	// A function carries at most one trigger; stop a live queue worker
	// before the timer takes over.
	if reg.TriggerType == executor.TriggerQueue && e.queueTriggers != nil {
		if err := e.queueTriggers.Deactivate(ctx, functionID); err != nil {
			return "", err
		}
	}

	if err := e.exec.Registry().SetScheduleBinding(ctx, functionID, normalized); err != nil {
		return "", err
	}
	if err := e.bind(functionID, reg.Name, normalized); err != nil {
		return "", err
	}

	e.logger.Info("schedule_set",
		slog.String("function_id", functionID),
		slog.String("function", reg.Name),
		slog.String("expression", normalized))

	return normalized, nil
}

// ClearSchedule removes a timer binding. Clearing a function without
// one is a no-op.
func (e *Engine) ClearSchedule(ctx context.Context, functionID string) error {
	reg, err := e.exec.Registry().Get(ctx, functionID)
	if err != nil {
		return err
	}

	if reg.TriggerType == executor.TriggerTimer {
		if err := e.exec.Registry().ClearBinding(ctx, functionID); err != nil {
			return err
		}
	}

	if e.Unbind(functionID) {
		e.logger.Info("schedule_cleared",
			slog.String("function_id", functionID),
			slog.String("function", reg.Name))
	}

	return nil
}

// Unbind drops the in-memory cron entry without touching persisted
// state. Used when a function is unregistered or a queue trigger
// displaces the timer.
func (e *Engine) Unbind(functionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, ok := e.entries[functionID]
	if !ok {
		return false
	}
	e.cron.Remove(id)
	delete(e.entries, functionID)
	if e.metrics != nil {
		e.metrics.RecordScheduleCleared(context.Background())
	}
	return true
}

// NextFire reports when the function's schedule fires next. The time is
// meaningful only after Start.
func (e *Engine) NextFire(functionID string) (time.Time, bool) {
	e.mu.Lock()
	id, ok := e.entries[functionID]
	e.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}

	entry := e.cron.Entry(id)
	if !entry.Valid() {
		return time.Time{}, false
	}
	return entry.Next, true
}

// Active returns the number of bound schedules.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

// Stop halts firing and waits for in-flight scheduled executions,
// bounded by ctx.
func (e *Engine) Stop(ctx context.Context) error {
	drained := e.cron.Stop()
	select {
	case <-drained.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to drain scheduled executions: %w", ctx.Err())
	}
}

// bind installs the cron entry for a function, replacing any previous
// one. The active-schedules gauge is maintained here and in Unbind so
// it tracks the entry map on every path, including replacement.
func (e *Engine) bind(functionID, name, expression string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	replaced := false
	if old, ok := e.entries[functionID]; ok {
		e.cron.Remove(old)
		delete(e.entries, functionID)
		replaced = true
	}

	id, err := e.cron.AddFunc(expression, func() {
		e.fire(functionID, name)
	})
	if err != nil {
		if replaced && e.metrics != nil {
			e.metrics.RecordScheduleCleared(context.Background())
		}
		return fmt.Errorf("failed to add cron entry: %w", err)
	}
	e.entries[functionID] = id

	if !replaced && e.metrics != nil {
		e.metrics.RecordScheduleSet(context.Background())
	}
	return nil
}

func (e *Engine) fire(functionID, name string) {
	ctx := context.Background()
	if e.metrics != nil {
		e.metrics.RecordScheduleFire(ctx, name)
	}
	e.logger.Debug("schedule_fired",
		slog.String("function_id", functionID),
		slog.String("function", name))

	if _, err := e.exec.Execute(ctx, functionID, nil); err != nil {
		e.logger.Warn("scheduled_execution_failed",
			slog.String("function_id", functionID),
			slog.String("function", name),
			slog.Any("error", err))
	}
}
