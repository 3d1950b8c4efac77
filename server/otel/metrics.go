// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the function runtime.
type Metrics struct {
	meter metric.Meter

	// Counters
	enqueuedTotal      metric.Int64Counter
	dequeuedTotal      metric.Int64Counter
	evictedTotal       metric.Int64Counter
	purgesTotal        metric.Int64Counter
	enqueuedBytes      metric.Int64Counter
	dequeuedBytes      metric.Int64Counter
	executionsTotal    metric.Int64Counter
	scheduleFiresTotal metric.Int64Counter
	dispatchRetries    metric.Int64Counter
	errorsTotal        metric.Int64Counter

	// UpDownCounters (Gauges)
	executionsInFlight metric.Int64UpDownCounter
	workersActive      metric.Int64UpDownCounter
	schedulesActive    metric.Int64UpDownCounter

	// Histograms
	messageSize       metric.Int64Histogram
	executionDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("fluxfn"),
	}

	var err error

	// Initialize counters
	m.enqueuedTotal, err = m.meter.Int64Counter(
		"fluxfn.queue.enqueued.total",
		metric.WithDescription("Total messages admitted to queues"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create enqueuedTotal counter: %w", err)
	}

	m.dequeuedTotal, err = m.meter.Int64Counter(
		"fluxfn.queue.dequeued.total",
		metric.WithDescription("Total messages consumed from queues"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dequeuedTotal counter: %w", err)
	}

	m.evictedTotal, err = m.meter.Int64Counter(
		"fluxfn.queue.evicted.total",
		metric.WithDescription("Total messages evicted by the drop-oldest policy"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create evictedTotal counter: %w", err)
	}

	m.purgesTotal, err = m.meter.Int64Counter(
		"fluxfn.queue.purges.total",
		metric.WithDescription("Total queue purge operations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create purgesTotal counter: %w", err)
	}

	m.enqueuedBytes, err = m.meter.Int64Counter(
		"fluxfn.queue.enqueued.bytes",
		metric.WithDescription("Total payload bytes admitted to queues"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create enqueuedBytes counter: %w", err)
	}

	m.dequeuedBytes, err = m.meter.Int64Counter(
		"fluxfn.queue.dequeued.bytes",
		metric.WithDescription("Total payload bytes consumed from queues"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dequeuedBytes counter: %w", err)
	}

	m.executionsTotal, err = m.meter.Int64Counter(
		"fluxfn.executions.total",
		metric.WithDescription("Total function executions by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create executionsTotal counter: %w", err)
	}

	m.scheduleFiresTotal, err = m.meter.Int64Counter(
		"fluxfn.schedule.fires.total",
		metric.WithDescription("Total timer trigger firings"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduleFiresTotal counter: %w", err)
	}

	m.dispatchRetries, err = m.meter.Int64Counter(
		"fluxfn.dispatch.retries.total",
		metric.WithDescription("Total dispatch execution retries"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatchRetries counter: %w", err)
	}

	m.errorsTotal, err = m.meter.Int64Counter(
		"fluxfn.errors.total",
		metric.WithDescription("Total errors by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errorsTotal counter: %w", err)
	}

	// Initialize up/down counters (gauges)
	m.executionsInFlight, err = m.meter.Int64UpDownCounter(
		"fluxfn.executions.inflight",
		metric.WithDescription("Function executions currently running"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create executionsInFlight gauge: %w", err)
	}

	m.workersActive, err = m.meter.Int64UpDownCounter(
		"fluxfn.dispatch.workers.active",
		metric.WithDescription("Queue trigger workers currently running"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create workersActive gauge: %w", err)
	}

	m.schedulesActive, err = m.meter.Int64UpDownCounter(
		"fluxfn.schedule.entries.active",
		metric.WithDescription("Timer triggers currently registered"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create schedulesActive gauge: %w", err)
	}

	// Initialize histograms
	m.messageSize, err = m.meter.Int64Histogram(
		"fluxfn.queue.message.size.bytes",
		metric.WithDescription("Message payload size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messageSize histogram: %w", err)
	}

	m.executionDuration, err = m.meter.Float64Histogram(
		"fluxfn.execution.duration.ms",
		metric.WithDescription("Function execution duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create executionDuration histogram: %w", err)
	}

	return m, nil
}

// RecordEnqueue records a message admitted to a queue.
func (m *Metrics) RecordEnqueue(ctx context.Context, queue string, sizeBytes int64) {
	m.enqueuedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
	))
	m.enqueuedBytes.Add(ctx, sizeBytes)
	m.messageSize.Record(ctx, sizeBytes)
}

// RecordDequeue records a message consumed from a queue.
func (m *Metrics) RecordDequeue(ctx context.Context, queue string, sizeBytes int64) {
	m.dequeuedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
	))
	m.dequeuedBytes.Add(ctx, sizeBytes)
}

// RecordEvictions records messages dropped to make room for a new one.
func (m *Metrics) RecordEvictions(ctx context.Context, queue string, count int) {
	m.evictedTotal.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("queue", queue),
	))
}

// RecordPurge records a queue purge.
func (m *Metrics) RecordPurge(ctx context.Context, queue string) {
	m.purgesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
	))
}

// RecordExecutionStart marks an execution as in flight.
func (m *Metrics) RecordExecutionStart(ctx context.Context) {
	m.executionsInFlight.Add(ctx, 1)
}

// RecordExecution records a finished execution and its duration.
func (m *Metrics) RecordExecution(ctx context.Context, function, runtime, outcome string, durationMs float64) {
	m.executionsInFlight.Add(ctx, -1)
	m.executionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("function", function),
		attribute.String("runtime", runtime),
		attribute.String("outcome", outcome),
	))
	m.executionDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("function", function),
		attribute.String("outcome", outcome),
	))
}

// RecordScheduleFire records a timer trigger firing.
func (m *Metrics) RecordScheduleFire(ctx context.Context, function string) {
	m.scheduleFiresTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("function", function),
	))
}

// RecordScheduleSet records a timer trigger being registered.
func (m *Metrics) RecordScheduleSet(ctx context.Context) {
	m.schedulesActive.Add(ctx, 1)
}

// RecordScheduleCleared records a timer trigger being removed.
func (m *Metrics) RecordScheduleCleared(ctx context.Context) {
	m.schedulesActive.Add(ctx, -1)
}

// RecordWorkerStarted records a queue trigger worker starting.
func (m *Metrics) RecordWorkerStarted(ctx context.Context) {
	m.workersActive.Add(ctx, 1)
}

// RecordWorkerStopped records a queue trigger worker stopping.
func (m *Metrics) RecordWorkerStopped(ctx context.Context) {
	m.workersActive.Add(ctx, -1)
}

// RecordDispatchRetry records a retried execution for a queue trigger.
func (m *Metrics) RecordDispatchRetry(ctx context.Context, function string) {
	m.dispatchRetries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("function", function),
	))
}

// RecordError records an error by type.
func (m *Metrics) RecordError(ctx context.Context, errorType string) {
	m.errorsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}
