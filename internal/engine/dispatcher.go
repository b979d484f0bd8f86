package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/orderflow/internal/machine"
	"github.com/petrijr/orderflow/internal/persistence"
	"github.com/petrijr/orderflow/pkg/api"
)

// maxDispatchIterations bounds a single activation. Every iteration
// either appends events or leaves the loop, so the bound is never hit
// on a well-formed history; it only guards against a decision bug
// looping forever.
const maxDispatchIterations = 128

// DispatchInstance runs one activation of the instance: acquire the
// lease, then repeatedly replay the history, ask the state machine for
// the next action and perform it, until the decision is to wait (timer
// scheduled, nothing to do) or the instance is terminal.
//
// When another worker holds the lease, it returns nil without doing
// work; that worker is responsible for the instance.
func (k *Kernel) DispatchInstance(ctx context.Context, instanceID string) error {
	acquired, err := k.store.Instances.TryAcquireLease(ctx, instanceID, k.owner, k.leaseTTL)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer k.store.Instances.ReleaseLease(context.WithoutCancel(ctx), instanceID, k.owner)

	inst, err := k.store.Instances.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}

	for i := 0; i < maxDispatchIterations; i++ {
		if i > 0 {
			if err := k.store.Instances.RenewLease(ctx, instanceID, k.owner, k.leaseTTL); err != nil {
				if errors.Is(err, persistence.ErrLeaseNotHeld) {
					// Lease expired and was taken over; the new owner
					// carries on from the durable history.
					return nil
				}
				return err
			}
		}

		history, err := k.store.Events.ReadAll(ctx, instanceID)
		if err != nil {
			return err
		}

		act := machine.Decide(history, k.opts)
		switch act.Kind {
		case machine.ActionNone:
			return k.reconcileStatus(ctx, inst, history)

		case machine.ActionComplete:
			conflict, err := k.finish(ctx, inst, history, api.Event{
				Kind: api.EventWorkflowCompleted,
			}, api.StatusCompleted)
			if err != nil {
				return err
			}
			if conflict {
				continue
			}
			k.observer.OnWorkflowCompleted(ctx, inst)
			return nil

		case machine.ActionFail:
			status := api.StatusFailed
			if act.Compensated {
				status = api.StatusTerminatedByCompensation
			}
			conflict, err := k.finish(ctx, inst, history, api.Event{
				Kind:           api.EventWorkflowFailed,
				Detail:         act.Reason,
				NeedsAttention: act.NeedsAttention,
			}, status)
			if err != nil {
				return err
			}
			if conflict {
				continue
			}
			k.observer.OnWorkflowFailed(ctx, inst, act.Reason)
			return nil

		case machine.ActionScheduleTimer:
			if err := k.timers.ScheduleRetry(ctx, instanceID, act.Step, act.Attempt, act.Delay); err != nil {
				return err
			}
			k.observer.OnRetryScheduled(ctx, inst, act.Step, act.Attempt, act.Delay)
			return nil

		case machine.ActionScheduleStep, machine.ActionCompensate:
			if err := k.runStep(ctx, inst, history, act); err != nil {
				return err
			}
			// Re-decide: the outcome may enable the next step, a retry
			// timer or the terminal transition.

		default:
			return fmt.Errorf("unknown action %q for instance %s", act.Kind, instanceID)
		}
	}

	return fmt.Errorf("dispatch of instance %s did not settle", instanceID)
}

// runStep executes one attempt of a forward or compensating step and
// durably records its outcome.
//
// Event order is the correctness backbone: step.scheduled consumes the
// attempt before any side effect can happen, step.started marks the
// invocation, and exactly one of step.completed / step.failed records
// the outcome. A crash between scheduled/started and the outcome leaves
// a pending attempt whose result is unknown; replay then moves on to
// the next attempt and the activity's idempotency key absorbs the
// possible duplicate effect.
func (k *Kernel) runStep(ctx context.Context, inst *api.WorkflowInstance, history []api.Event, act machine.Action) error {
	st := machine.Fold(history)

	var order api.Order
	if err := json.Unmarshal(st.OrderPayload, &order); err != nil {
		return fmt.Errorf("decode order payload of %s: %w", inst.ID, err)
	}

	results := make(map[api.Step]json.RawMessage, len(st.Outputs))
	for step, out := range st.Outputs {
		results[step] = json.RawMessage(out)
	}

	err := k.store.Events.Append(ctx, inst.ID, api.Event{
		Seq:     int64(len(history)) + 1,
		Kind:    api.EventStepScheduled,
		At:      time.Now(),
		Step:    act.Step,
		Attempt: act.Attempt,
	})
	if err != nil {
		if errors.Is(err, api.ErrConflict) {
			// Something else was appended first; nothing recorded, the
			// caller re-reads and re-decides.
			return nil
		}
		return err
	}

	err = k.appendDurably(ctx, inst.ID, api.Event{
		Kind:    api.EventStepStarted,
		Step:    act.Step,
		Attempt: act.Attempt,
	})
	if err != nil {
		return err
	}
	k.observer.OnStepStart(ctx, inst, act.Step, act.Attempt)

	opts := k.stepOptions(act.Step)
	inv := api.Invocation{
		InstanceID:     inst.ID,
		Step:           act.Step,
		Attempt:        act.Attempt,
		IdempotencyKey: inst.ID + "/" + string(act.Step),
		Order:          order,
		Results:        results,
	}

	startedAt := time.Now()
	out, invokeErr := k.registry.Invoke(ctx, inv, opts.Timeout)
	duration := time.Since(startedAt)

	if ctx.Err() != nil {
		// Worker shutdown mid-attempt: leave the attempt pending so
		// recovery treats its outcome as unknown.
		return ctx.Err()
	}

	k.observer.OnStepCompleted(ctx, inst, act.Step, act.Attempt, invokeErr, duration)

	outcome := api.Event{
		Step:    act.Step,
		Attempt: act.Attempt,
	}
	if invokeErr != nil {
		outcome.Kind = api.EventStepFailed
		outcome.Permanent = api.IsPermanent(invokeErr)
		outcome.Detail = invokeErr.Error()
	} else {
		payload, merr := json.Marshal(out)
		if merr != nil {
			outcome.Kind = api.EventStepFailed
			outcome.Permanent = true
			outcome.Detail = fmt.Sprintf("encode output: %v", merr)
		} else {
			outcome.Kind = api.EventStepCompleted
			outcome.Payload = payload
		}
	}

	if err := k.appendDurably(ctx, inst.ID, outcome); err != nil {
		return err
	}

	inst.CurrentStep = act.Step
	inst.UpdatedAt = time.Now()
	return k.store.Instances.UpdateInstance(ctx, inst)
}

// finish appends a terminal event and updates the instance cache.
// conflict=true means another append won the seq slot; the caller
// re-reads and re-decides.
func (k *Kernel) finish(ctx context.Context, inst *api.WorkflowInstance, history []api.Event, ev api.Event, status api.Status) (conflict bool, err error) {
	ev.Seq = int64(len(history)) + 1
	ev.At = time.Now()
	if err := k.store.Events.Append(ctx, inst.ID, ev); err != nil {
		if errors.Is(err, api.ErrConflict) {
			return true, nil
		}
		return false, err
	}

	inst.Status = status
	inst.UpdatedAt = time.Now()
	if err := k.store.Instances.UpdateInstance(ctx, inst); err != nil {
		return false, err
	}
	return false, nil
}

// reconcileStatus repairs the instance row when a crash landed between
// a durable event append and the row update. The history is the source
// of truth and the row only a cache, so a terminal history forces the
// matching terminal status onto a row still marked running; without
// this, GetStatus keeps reporting RUNNING and RecoverPending
// re-enqueues the instance on every startup. A row whose history never
// received its workflow.started event (SubmitOrder returned an error
// after saving the row) is failed once it is old enough that no submit
// can still be in flight.
func (k *Kernel) reconcileStatus(ctx context.Context, inst *api.WorkflowInstance, history []api.Event) error {
	if inst.Status.Terminal() {
		return nil
	}

	st := machine.Fold(history)
	if status, ok := st.TerminalStatus(); ok {
		inst.Status = status
		inst.UpdatedAt = time.Now()
		return k.store.Instances.UpdateInstance(ctx, inst)
	}

	if !st.Started && time.Since(inst.UpdatedAt) > k.leaseTTL {
		inst.Status = api.StatusFailed
		inst.UpdatedAt = time.Now()
		return k.store.Instances.UpdateInstance(ctx, inst)
	}
	return nil
}

// appendDurably appends ev at the current end of the history, retrying
// on seq conflicts. It must only be used for events that stay valid
// regardless of what else got appended first (step.started after its
// scheduled event, and attempt outcomes).
func (k *Kernel) appendDurably(ctx context.Context, instanceID string, ev api.Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	for i := 0; i < resultAppendRetries; i++ {
		history, err := k.store.Events.ReadAll(ctx, instanceID)
		if err != nil {
			return err
		}
		ev.Seq = int64(len(history)) + 1

		err = k.store.Events.Append(ctx, instanceID, ev)
		if err == nil {
			return nil
		}
		if !errors.Is(err, api.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("append %s for instance %s: too many conflicts", ev.Kind, instanceID)
}
