// Package engine wires the durable pieces together: the event log, the
// instance store with its dispatch lease, the task queue, the activity
// registry and the timer service. All writes go through the event log
// first; the instance row is updated afterwards as a cache.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/orderflow/internal/executor"
	"github.com/petrijr/orderflow/internal/machine"
	"github.com/petrijr/orderflow/internal/persistence"
	"github.com/petrijr/orderflow/internal/taskqueue"
	"github.com/petrijr/orderflow/internal/timer"
	"github.com/petrijr/orderflow/pkg/api"
)

const (
	defaultLeaseTTL = 30 * time.Second

	// resultAppendRetries bounds the conflict retries when recording the
	// outcome of an activity that already ran. Conflicts here come only
	// from concurrent Cancel / FireTimer appends, which never invalidate
	// the outcome being recorded.
	resultAppendRetries = 8
)

// Kernel implements api.Kernel.
type Kernel struct {
	store    persistence.Persistence
	queue    taskqueue.Queue
	registry *executor.Registry
	timers   *timer.Service

	observer api.Observer
	opts     map[api.Step]api.StepOptions
	leaseTTL time.Duration

	// owner identifies this process in lease rows.
	owner string
}

var _ api.Kernel = (*Kernel)(nil)

// Option configures a Kernel.
type Option func(*Kernel)

// WithObserver attaches an observer for logging and metrics.
func WithObserver(o api.Observer) Option {
	return func(k *Kernel) {
		if o != nil {
			k.observer = o
		}
	}
}

// WithStepOptions replaces the default per-step timeout and retry
// settings.
func WithStepOptions(opts map[api.Step]api.StepOptions) Option {
	return func(k *Kernel) {
		if opts != nil {
			k.opts = opts
		}
	}
}

// WithLeaseTTL overrides the dispatch lease time-to-live.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(k *Kernel) {
		if ttl > 0 {
			k.leaseTTL = ttl
		}
	}
}

// New creates a Kernel over the given persistence and task queue.
func New(store persistence.Persistence, queue taskqueue.Queue, options ...Option) *Kernel {
	k := &Kernel{
		store:    store,
		queue:    queue,
		registry: executor.NewRegistry(),
		timers:   timer.NewService(queue),
		observer: api.NoopObserver{},
		opts:     api.DefaultStepOptions(),
		leaseTTL: defaultLeaseTTL,
		owner:    uuid.NewString(),
	}
	for _, opt := range options {
		opt(k)
	}
	return k
}

// RegisterActivity binds the implementation of a step.
func (k *Kernel) RegisterActivity(step api.Step, fn api.ActivityFunc) error {
	return k.registry.Register(step, fn)
}

// SubmitOrder validates the order, creates the instance, durably
// records workflow.started and enqueues the first dispatch.
func (k *Kernel) SubmitOrder(ctx context.Context, order api.Order) (*api.WorkflowInstance, error) {
	if err := validateOrder(order); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}

	now := time.Now()
	inst := &api.WorkflowInstance{
		ID:          uuid.NewString(),
		OrderID:     order.OrderID,
		Status:      api.StatusRunning,
		CurrentStep: api.ForwardSteps[0],
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := k.store.Instances.SaveInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("save instance: %w", err)
	}

	err = k.store.Events.Append(ctx, inst.ID, api.Event{
		Seq:     1,
		Kind:    api.EventWorkflowStarted,
		At:      now,
		Payload: payload,
	})
	if err != nil {
		return nil, fmt.Errorf("append started event: %w", err)
	}

	if err := k.enqueueDispatch(ctx, inst.ID); err != nil {
		return nil, err
	}

	k.observer.OnWorkflowStart(ctx, inst)
	return inst, nil
}

func validateOrder(order api.Order) error {
	if order.OrderID == "" {
		return fmt.Errorf("order_id is required")
	}
	if len(order.Items) == 0 {
		return fmt.Errorf("order %s has no items", order.OrderID)
	}
	for _, it := range order.Items {
		if it.ItemID == "" {
			return fmt.Errorf("order %s: item without item_id", order.OrderID)
		}
		if it.Quantity <= 0 {
			return fmt.Errorf("order %s: item %s has non-positive quantity", order.OrderID, it.ItemID)
		}
	}
	if order.TotalAmount <= 0 {
		return fmt.Errorf("order %s has non-positive total amount", order.OrderID)
	}
	return nil
}

// GetStatus returns the cached instance row together with its full
// durable history.
func (k *Kernel) GetStatus(ctx context.Context, instanceID string) (*api.StatusReport, error) {
	inst, err := k.store.Instances.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	history, err := k.store.Events.ReadAll(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	return &api.StatusReport{
		InstanceID:  inst.ID,
		OrderID:     inst.OrderID,
		Status:      inst.Status,
		CurrentStep: inst.CurrentStep,
		History:     history,
	}, nil
}

// Cancel durably records a cancellation request and enqueues a
// dispatch. Cancelling a terminal instance is a no-op; a duplicate
// request appends nothing.
func (k *Kernel) Cancel(ctx context.Context, instanceID, reason string) error {
	if _, err := k.store.Instances.GetInstance(ctx, instanceID); err != nil {
		return err
	}

	for {
		history, err := k.store.Events.ReadAll(ctx, instanceID)
		if err != nil {
			return err
		}

		st := machine.Fold(history)
		if st.Terminal || st.CancelRequested {
			return nil
		}

		err = k.store.Events.Append(ctx, instanceID, api.Event{
			Seq:    int64(len(history)) + 1,
			Kind:   api.EventCancelRequested,
			At:     time.Now(),
			Detail: reason,
		})
		if err == nil {
			break
		}
		if !errors.Is(err, api.ErrConflict) {
			return err
		}
		// Lost the race against a dispatcher append; re-read and retry.
	}

	return k.enqueueDispatch(ctx, instanceID)
}

// FireTimer durably records that a retry timer elapsed. Stale timers,
// for attempts the history has already moved past, append nothing: a
// duplicate or late timer.fired must not change any decision.
func (k *Kernel) FireTimer(ctx context.Context, instanceID string, step api.Step, attempt int) error {
	for {
		history, err := k.store.Events.ReadAll(ctx, instanceID)
		if err != nil {
			return err
		}

		st := machine.Fold(history)
		if !st.Started || st.Terminal {
			return nil
		}
		ss := st.Progress(step)
		awaited := ss.Failed && !ss.Permanent && !ss.Completed &&
			ss.Pending == 0 && ss.Attempts == attempt-1 && ss.TimerFired < attempt
		if !awaited {
			return nil
		}

		err = k.store.Events.Append(ctx, instanceID, api.Event{
			Seq:     int64(len(history)) + 1,
			Kind:    api.EventTimerFired,
			At:      time.Now(),
			Step:    step,
			Attempt: attempt,
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, api.ErrConflict) {
			return err
		}
	}
}

// RecoverPending enqueues a dispatch for every non-terminal instance
// and returns how many were enqueued, even when a later enqueue fails.
// The dispatch replays each instance's history, so work resumes from
// the last durably recorded event.
func (k *Kernel) RecoverPending(ctx context.Context) (int, error) {
	instances, err := k.store.Instances.ListInstances(ctx, persistence.InstanceFilter{
		Status: api.StatusRunning,
	})
	if err != nil {
		return 0, err
	}

	for i, inst := range instances {
		if err := k.enqueueDispatch(ctx, inst.ID); err != nil {
			return i, err
		}
	}
	return len(instances), nil
}

func (k *Kernel) enqueueDispatch(ctx context.Context, instanceID string) error {
	return k.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskTypeDispatch,
		InstanceID: instanceID,
		EnqueuedAt: time.Now(),
	})
}

func (k *Kernel) stepOptions(step api.Step) api.StepOptions {
	if o, ok := k.opts[step]; ok {
		return o
	}
	return api.StepOptions{Retry: api.RetryPolicy{MaxAttempts: 1}}
}
