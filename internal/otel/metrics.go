package otel

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds taskpipe metric instruments.
type Metrics struct {
	TaskDuration   metric.Float64Histogram
	PhaseDuration  metric.Float64Histogram
	TasksCompleted metric.Int64Counter
	TasksCancelled metric.Int64Counter
	TasksErrored   metric.Int64Counter
	MessagesIn     metric.Int64Counter
	EventsOut      metric.Int64Counter

	activeSessions atomic.Int64
}

// NewMetrics creates all taskpipe metric instruments from the meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram(
		"taskpipe.task.duration",
		metric.WithDescription("End-to-end task pipeline duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("task duration histogram: %w", err)
	}

	m.PhaseDuration, err = meter.Float64Histogram(
		"taskpipe.phase.duration",
		metric.WithDescription("Single pipeline phase duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("phase duration histogram: %w", err)
	}

	m.TasksCompleted, err = meter.Int64Counter(
		"taskpipe.tasks.completed",
		metric.WithDescription("Tasks that ran the full pipeline to completion"),
	)
	if err != nil {
		return nil, fmt.Errorf("tasks completed counter: %w", err)
	}

	m.TasksCancelled, err = meter.Int64Counter(
		"taskpipe.tasks.cancelled",
		metric.WithDescription("Tasks cancelled before or during the pipeline"),
	)
	if err != nil {
		return nil, fmt.Errorf("tasks cancelled counter: %w", err)
	}

	m.TasksErrored, err = meter.Int64Counter(
		"taskpipe.tasks.errored",
		metric.WithDescription("Tasks whose pipeline ended in an error"),
	)
	if err != nil {
		return nil, fmt.Errorf("tasks errored counter: %w", err)
	}

	m.MessagesIn, err = meter.Int64Counter(
		"taskpipe.messages.in",
		metric.WithDescription("Inbound client messages by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("messages in counter: %w", err)
	}

	m.EventsOut, err = meter.Int64Counter(
		"taskpipe.events.out",
		metric.WithDescription("Outbound events by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("events out counter: %w", err)
	}

	_, err = meter.Int64ObservableGauge(
		"taskpipe.sessions.active",
		metric.WithDescription("Currently connected client sessions"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.activeSessions.Load())
			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("active sessions gauge: %w", err)
	}

	return m, nil
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened() { m.activeSessions.Add(1) }

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed() { m.activeSessions.Add(-1) }

// ActiveSessions returns the current gauge value.
func (m *Metrics) ActiveSessions() int64 { return m.activeSessions.Load() }

// RecordTask records a finished task with its outcome and duration.
func (m *Metrics) RecordTask(ctx context.Context, threadID, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		AttrThreadID.String(threadID),
		attribute.String("status", status),
	)
	m.TaskDuration.Record(ctx, d.Seconds(), attrs)
	switch status {
	case "completed":
		m.TasksCompleted.Add(ctx, 1, attrs)
	case "cancelled":
		m.TasksCancelled.Add(ctx, 1, attrs)
	case "error":
		m.TasksErrored.Add(ctx, 1, attrs)
	}
}

// RecordPhase records a finished phase duration.
func (m *Metrics) RecordPhase(ctx context.Context, phase string, d time.Duration) {
	m.PhaseDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrPhase.String(phase)))
}
