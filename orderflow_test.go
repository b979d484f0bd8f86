package orderflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/orderflow/pkg/api"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func fastStepOptions() map[Step]StepOptions {
	opts := api.DefaultStepOptions()
	for step, o := range opts {
		o.Timeout = time.Second
		o.Retry.InitialInterval = time.Millisecond
		o.Retry.MaxInterval = 5 * time.Millisecond
		opts[step] = o
	}
	return opts
}

func registerAll(t *testing.T, kernel Kernel, paymentFailures int) {
	t.Helper()

	remaining := paymentFailures
	require.NoError(t, kernel.RegisterActivity(StepValidateInventory, func(ctx context.Context, inv Invocation) (any, error) {
		return map[string]any{"reserved": len(inv.Order.Items)}, nil
	}))
	require.NoError(t, kernel.RegisterActivity(StepProcessPayment, func(ctx context.Context, inv Invocation) (any, error) {
		if remaining > 0 {
			remaining--
			return nil, api.Retryable("gateway unavailable")
		}
		return map[string]any{"transaction_id": "txn-" + inv.InstanceID}, nil
	}))
	require.NoError(t, kernel.RegisterActivity(StepUpdateInventory, func(ctx context.Context, inv Invocation) (any, error) {
		return map[string]any{"updated": true}, nil
	}))
	require.NoError(t, kernel.RegisterActivity(StepSendConfirmation, func(ctx context.Context, inv Invocation) (any, error) {
		return map[string]any{"emailed": inv.Order.UserID}, nil
	}))
	require.NoError(t, kernel.RegisterActivity(StepRefundPayment, func(ctx context.Context, inv Invocation) (any, error) {
		return map[string]any{"refunded": true}, nil
	}))
	require.NoError(t, kernel.RegisterActivity(StepRestoreInventory, func(ctx context.Context, inv Invocation) (any, error) {
		return map[string]any{"restored": true}, nil
	}))
}

func sampleOrder(id string) Order {
	return Order{
		OrderID:     id,
		UserID:      "user-1",
		Items:       []OrderItem{{ItemID: "widget", Quantity: 1}},
		TotalAmount: 19.99,
		Payment:     PaymentInfo{Method: "card", Token: "tok"},
	}
}

func waitTerminal(t *testing.T, kernel Kernel, instanceID string) *api.StatusReport {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		report, err := kernel.GetStatus(context.Background(), instanceID)
		require.NoError(t, err)
		if report.Status.Terminal() {
			return report
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("instance %s never finished", instanceID)
	return nil
}

func TestInMemoryRuntimeEndToEnd(t *testing.T) {
	rt, err := NewInMemory(
		WithStepOptions(fastStepOptions()),
		WithWorkerCount(2),
	)
	require.NoError(t, err)
	defer rt.Close()

	registerAll(t, rt.Kernel, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	inst, err := rt.Kernel.SubmitOrder(ctx, sampleOrder("order-mem"))
	require.NoError(t, err)

	report := waitTerminal(t, rt.Kernel, inst.ID)
	require.Equal(t, StatusCompleted, report.Status)
	require.Equal(t, api.EventWorkflowCompleted, report.History[len(report.History)-1].Kind)
}

func TestSQLiteRuntimeSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.db")

	rt, err := NewSQLite(path, WithStepOptions(fastStepOptions()))
	require.NoError(t, err)

	registerAll(t, rt.Kernel, 2)

	ctx, cancel := context.WithCancel(context.Background())
	go rt.Run(ctx)

	inst, err := rt.Kernel.SubmitOrder(ctx, sampleOrder("order-sql"))
	require.NoError(t, err)

	report := waitTerminal(t, rt.Kernel, inst.ID)
	require.Equal(t, StatusCompleted, report.Status)

	// The two transient payment failures left their trace.
	var failures, timers int
	for _, ev := range report.History {
		switch {
		case ev.Kind == api.EventStepFailed && ev.Step == StepProcessPayment:
			failures++
		case ev.Kind == api.EventTimerFired && ev.Step == StepProcessPayment:
			timers++
		}
	}
	require.Equal(t, 2, failures)
	require.Equal(t, 2, timers)

	cancel()
	require.NoError(t, rt.Close())

	// A new process over the same file sees the full history.
	rt2, err := NewSQLite(path)
	require.NoError(t, err)
	defer rt2.Close()

	report2, err := rt2.Kernel.GetStatus(context.Background(), inst.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, report2.Status)
	require.Len(t, report2.History, len(report.History))

	// Nothing pending to recover.
	n, err := rt2.Kernel.RecoverPending(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRetryBuilder(t *testing.T) {
	policy := Retry().
		MaxAttempts(5).
		InitialInterval(250 * time.Millisecond).
		BackoffMultiplier(3).
		MaxInterval(10 * time.Second).
		Build()

	require.Equal(t, 5, policy.MaxAttempts)
	require.Equal(t, 250*time.Millisecond, policy.BackoffFor(1))
	require.Equal(t, 750*time.Millisecond, policy.BackoffFor(2))
	require.Equal(t, 10*time.Second, policy.BackoffFor(6))
}

func TestConfigFileDrivesRuntime(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "orderflow.yaml")
	writeFile(t, cfgPath, `
worker:
  count: 1
steps:
  ProcessPayment:
    max_attempts: 1
    initial_interval: 1ms
  ValidateInventory:
    initial_interval: 1ms
  UpdateInventory:
    initial_interval: 1ms
  SendConfirmation:
    initial_interval: 1ms
`)

	rt, err := NewInMemory(WithConfigFile(cfgPath))
	require.NoError(t, err)
	defer rt.Close()

	// Payment is limited to a single attempt, so one transient failure
	// exhausts it and the workflow fails.
	registerAll(t, rt.Kernel, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	inst, err := rt.Kernel.SubmitOrder(ctx, sampleOrder("order-cfg"))
	require.NoError(t, err)

	report := waitTerminal(t, rt.Kernel, inst.ID)
	require.Equal(t, StatusFailed, report.Status)
}
