// Package metrics exposes kernel activity as Prometheus metrics via an
// Observer implementation.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/petrijr/orderflow/pkg/api"
)

// PrometheusObserver implements api.Observer over Prometheus
// collectors. Attach it to the kernel with api.NewCompositeObserver to
// combine it with logging.
type PrometheusObserver struct {
	workflowsStarted   prometheus.Counter
	workflowsCompleted prometheus.Counter
	workflowsFailed    *prometheus.CounterVec
	stepAttempts       *prometheus.CounterVec
	stepDuration       *prometheus.HistogramVec
	retriesScheduled   *prometheus.CounterVec
}

var _ api.Observer = (*PrometheusObserver)(nil)

// NewPrometheusObserver creates the collectors and registers them with
// reg. Pass prometheus.DefaultRegisterer to publish on the default
// /metrics handler.
func NewPrometheusObserver(reg prometheus.Registerer) (*PrometheusObserver, error) {
	o := &PrometheusObserver{
		workflowsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orderflow",
			Name:      "workflows_started_total",
			Help:      "Number of order workflows submitted.",
		}),
		workflowsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orderflow",
			Name:      "workflows_completed_total",
			Help:      "Number of order workflows that completed successfully.",
		}),
		workflowsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orderflow",
			Name:      "workflows_failed_total",
			Help:      "Number of order workflows that ended in a failure status.",
		}, []string{"status"}),
		stepAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orderflow",
			Name:      "step_attempts_total",
			Help:      "Step attempts by step and result.",
		}, []string{"step", "result"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orderflow",
			Name:      "step_duration_seconds",
			Help:      "Duration of step attempts.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step"}),
		retriesScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orderflow",
			Name:      "retries_scheduled_total",
			Help:      "Backoff timers scheduled, by step.",
		}, []string{"step"}),
	}

	collectors := []prometheus.Collector{
		o.workflowsStarted,
		o.workflowsCompleted,
		o.workflowsFailed,
		o.stepAttempts,
		o.stepDuration,
		o.retriesScheduled,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *PrometheusObserver) OnWorkflowStart(ctx context.Context, inst *api.WorkflowInstance) {
	o.workflowsStarted.Inc()
}

func (o *PrometheusObserver) OnWorkflowCompleted(ctx context.Context, inst *api.WorkflowInstance) {
	o.workflowsCompleted.Inc()
}

func (o *PrometheusObserver) OnWorkflowFailed(ctx context.Context, inst *api.WorkflowInstance, reason string) {
	o.workflowsFailed.WithLabelValues(string(inst.Status)).Inc()
}

func (o *PrometheusObserver) OnStepStart(ctx context.Context, inst *api.WorkflowInstance, step api.Step, attempt int) {
}

func (o *PrometheusObserver) OnStepCompleted(ctx context.Context, inst *api.WorkflowInstance, step api.Step, attempt int, err error, d time.Duration) {
	result := "success"
	if err != nil {
		result = "failure"
		if api.IsTimeout(err) {
			result = "timeout"
		}
	}
	o.stepAttempts.WithLabelValues(string(step), result).Inc()
	o.stepDuration.WithLabelValues(string(step)).Observe(d.Seconds())
}

func (o *PrometheusObserver) OnRetryScheduled(ctx context.Context, inst *api.WorkflowInstance, step api.Step, attempt int, delay time.Duration) {
	o.retriesScheduled.WithLabelValues(string(step)).Inc()
}
