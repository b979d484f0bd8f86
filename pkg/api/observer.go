package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the kernel for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be
// done asynchronously so as not to delay dispatching.
type Observer interface {
	// OnWorkflowStart is called once when an order is submitted, after
	// its started event was durably appended.
	OnWorkflowStart(ctx context.Context, inst *WorkflowInstance)

	// OnWorkflowCompleted is called when an instance reaches
	// StatusCompleted.
	OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance)

	// OnWorkflowFailed is called when an instance reaches StatusFailed
	// or StatusTerminatedByCompensation.
	OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, reason string)

	// OnStepStart is called after step.started was appended, before the
	// activity is invoked.
	OnStepStart(ctx context.Context, inst *WorkflowInstance, step Step, attempt int)

	// OnStepCompleted is called after an activity attempt returns, for
	// both successes and failures (err != nil).
	OnStepCompleted(ctx context.Context, inst *WorkflowInstance, step Step, attempt int, err error, duration time.Duration)

	// OnRetryScheduled is called when a retry timer is handed to the
	// timer service.
	OnRetryScheduled(ctx context.Context, inst *WorkflowInstance, step Step, attempt int, delay time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance)     {}
func (NoopObserver) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance) {}
func (NoopObserver) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, reason string) {
}
func (NoopObserver) OnStepStart(ctx context.Context, inst *WorkflowInstance, step Step, attempt int) {
}
func (NoopObserver) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, step Step, attempt int, err error, d time.Duration) {
}
func (NoopObserver) OnRetryScheduled(ctx context.Context, inst *WorkflowInstance, step Step, attempt int, delay time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnWorkflowStart(ctx, inst)
	}
}

func (c *CompositeObserver) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnWorkflowCompleted(ctx, inst)
	}
}

func (c *CompositeObserver) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, reason string) {
	for _, o := range c.observers {
		o.OnWorkflowFailed(ctx, inst, reason)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, inst *WorkflowInstance, step Step, attempt int) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, inst, step, attempt)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, step Step, attempt int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, inst, step, attempt, err, d)
	}
}

func (c *CompositeObserver) OnRetryScheduled(ctx context.Context, inst *WorkflowInstance, step Step, attempt int, delay time.Duration) {
	for _, o := range c.observers {
		o.OnRetryScheduled(ctx, inst, step, attempt, delay)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs workflow / step
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.InfoContext(ctx, "workflow_start",
		slog.String("instance_id", inst.ID),
		slog.String("order_id", inst.OrderID),
	)
}

func (o *LoggingObserver) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.InfoContext(ctx, "workflow_completed",
		slog.String("instance_id", inst.ID),
		slog.String("order_id", inst.OrderID),
	)
}

func (o *LoggingObserver) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, reason string) {
	o.Logger.ErrorContext(ctx, "workflow_failed",
		slog.String("instance_id", inst.ID),
		slog.String("order_id", inst.OrderID),
		slog.String("status", string(inst.Status)),
		slog.String("reason", reason),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, inst *WorkflowInstance, step Step, attempt int) {
	o.Logger.DebugContext(ctx, "step_start",
		slog.String("instance_id", inst.ID),
		slog.String("step", string(step)),
		slog.Int("attempt", attempt),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, step Step, attempt int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "step_completed",
		slog.String("instance_id", inst.ID),
		slog.String("step", string(step)),
		slog.Int("attempt", attempt),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnRetryScheduled(ctx context.Context, inst *WorkflowInstance, step Step, attempt int, delay time.Duration) {
	o.Logger.InfoContext(ctx, "retry_scheduled",
		slog.String("instance_id", inst.ID),
		slog.String("step", string(step)),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
	)
}

// BasicMetrics collects simple counters and aggregate step durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	workflowsStarted   atomic.Int64
	workflowsCompleted atomic.Int64
	workflowsFailed    atomic.Int64
	stepsCompleted     atomic.Int64
	retriesScheduled   atomic.Int64
	totalStepDuration  atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	WorkflowsStarted   int64
	WorkflowsCompleted int64
	WorkflowsFailed    int64
	PendingWorkflows   int64

	StepsCompleted   int64
	RetriesScheduled int64
	AvgStepDuration  time.Duration
}

func (m *BasicMetrics) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	m.workflowsStarted.Add(1)
}

func (m *BasicMetrics) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance) {
	m.workflowsCompleted.Add(1)
}

func (m *BasicMetrics) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, reason string) {
	m.workflowsFailed.Add(1)
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, step Step, attempt int, err error, d time.Duration) {
	// Only count successful attempts for average duration.
	if err == nil {
		m.stepsCompleted.Add(1)
		m.totalStepDuration.Add(d.Nanoseconds())
	}
}

func (m *BasicMetrics) OnRetryScheduled(ctx context.Context, inst *WorkflowInstance, step Step, attempt int, delay time.Duration) {
	m.retriesScheduled.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.workflowsStarted.Load()
	completed := m.workflowsCompleted.Load()
	failed := m.workflowsFailed.Load()
	steps := m.stepsCompleted.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		WorkflowsStarted:   started,
		WorkflowsCompleted: completed,
		WorkflowsFailed:    failed,
		PendingWorkflows:   started - completed - failed,
		StepsCompleted:     steps,
		RetriesScheduled:   m.retriesScheduled.Load(),
		AvgStepDuration:    avg,
	}
}
