package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/petrijr/orderflow/pkg/api"
)

func TestPrometheusObserverCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	o, err := NewPrometheusObserver(reg)
	if err != nil {
		t.Fatalf("new observer: %v", err)
	}

	ctx := context.Background()
	inst := &api.WorkflowInstance{ID: "wf-1", OrderID: "order-1", Status: api.StatusRunning}

	o.OnWorkflowStart(ctx, inst)
	o.OnStepStart(ctx, inst, api.StepProcessPayment, 1)
	o.OnStepCompleted(ctx, inst, api.StepProcessPayment, 1, api.Retryable("gateway down"), 30*time.Millisecond)
	o.OnRetryScheduled(ctx, inst, api.StepProcessPayment, 2, time.Second)
	o.OnStepCompleted(ctx, inst, api.StepProcessPayment, 2, nil, 20*time.Millisecond)
	o.OnStepCompleted(ctx, inst, api.StepUpdateInventory, 1, &api.TimeoutError{Step: api.StepUpdateInventory, Timeout: time.Second}, time.Second)
	o.OnWorkflowCompleted(ctx, inst)

	failedInst := &api.WorkflowInstance{ID: "wf-2", Status: api.StatusTerminatedByCompensation}
	o.OnWorkflowFailed(ctx, failedInst, "retries exhausted")

	if got := testutil.ToFloat64(o.workflowsStarted); got != 1 {
		t.Fatalf("workflows started: %v", got)
	}
	if got := testutil.ToFloat64(o.workflowsCompleted); got != 1 {
		t.Fatalf("workflows completed: %v", got)
	}
	if got := testutil.ToFloat64(o.workflowsFailed.WithLabelValues(string(api.StatusTerminatedByCompensation))); got != 1 {
		t.Fatalf("workflows failed: %v", got)
	}
	if got := testutil.ToFloat64(o.stepAttempts.WithLabelValues("ProcessPayment", "failure")); got != 1 {
		t.Fatalf("payment failures: %v", got)
	}
	if got := testutil.ToFloat64(o.stepAttempts.WithLabelValues("ProcessPayment", "success")); got != 1 {
		t.Fatalf("payment successes: %v", got)
	}
	if got := testutil.ToFloat64(o.stepAttempts.WithLabelValues("UpdateInventory", "timeout")); got != 1 {
		t.Fatalf("update timeouts: %v", got)
	}
	if got := testutil.ToFloat64(o.retriesScheduled.WithLabelValues("ProcessPayment")); got != 1 {
		t.Fatalf("retries scheduled: %v", got)
	}
}

func TestPrometheusObserverRejectsDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewPrometheusObserver(reg); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := NewPrometheusObserver(reg); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}
