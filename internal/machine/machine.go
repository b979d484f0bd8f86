// Package machine holds the workflow state machine: a pure,
// deterministic function from an instance's event history to the next
// action. Replaying an unchanged history always yields the same
// decision, which is what lets a restarted dispatcher resume exactly
// where a crashed one left off without re-executing completed steps.
package machine

import (
	"fmt"
	"time"

	"github.com/petrijr/orderflow/pkg/api"
)

// ActionKind discriminates the decisions the state machine can make.
type ActionKind string

const (
	// ActionNone: nothing to do (not started yet, or already terminal).
	ActionNone ActionKind = "none"

	// ActionScheduleStep: invoke the given forward step attempt.
	ActionScheduleStep ActionKind = "schedule-step"

	// ActionCompensate: invoke the given compensating step attempt.
	ActionCompensate ActionKind = "compensate"

	// ActionScheduleTimer: wait Delay before the given step attempt.
	ActionScheduleTimer ActionKind = "schedule-timer"

	// ActionComplete: all steps finished; append the terminal
	// workflow.completed event.
	ActionComplete ActionKind = "complete"

	// ActionFail: append the terminal workflow.failed event.
	ActionFail ActionKind = "fail"
)

// Action is the state machine's decision. Exactly one is produced per
// Decide call; the dispatcher is the only component that acts on it.
type Action struct {
	Kind    ActionKind
	Step    api.Step
	Attempt int

	// Delay is set for ActionScheduleTimer.
	Delay time.Duration

	// Reason is set for ActionFail.
	Reason string

	// NeedsAttention marks a failure whose compensation itself failed;
	// the order requires manual intervention.
	NeedsAttention bool

	// Compensated reports that at least one compensating step completed
	// before the failure was finalized.
	Compensated bool
}

// StepProgress is the folded view of one step's history.
type StepProgress struct {
	// Attempts is the highest attempt number scheduled so far.
	Attempts int

	// StartedCount counts step.started events.
	StartedCount int

	// Pending is the attempt that was scheduled or started but has no
	// recorded outcome, or 0. A pending attempt after a crash means the
	// outcome is unknown: the attempt is consumed and the side effect
	// may or may not have happened.
	Pending int

	Completed bool
	Failed    bool
	Permanent bool

	// TimerFired is the highest attempt a retry timer has fired for.
	TimerFired int

	FailureDetail string
}

// State is the result of folding a history from empty.
type State struct {
	Started  bool
	Terminal bool

	// Succeeded reports that the terminal event was workflow.completed.
	Succeeded bool

	CancelRequested bool
	CancelReason    string

	// OrderPayload is the JSON document recorded on workflow.started.
	OrderPayload []byte

	// Outputs holds the recorded payloads of completed steps.
	Outputs map[api.Step][]byte

	Steps map[api.Step]*StepProgress
}

// Fold replays history from empty state. It never mutates history.
func Fold(history []api.Event) *State {
	st := &State{
		Outputs: make(map[api.Step][]byte),
		Steps:   make(map[api.Step]*StepProgress),
	}

	for _, ev := range history {
		switch ev.Kind {
		case api.EventWorkflowStarted:
			st.Started = true
			st.OrderPayload = ev.Payload

		case api.EventCancelRequested:
			st.CancelRequested = true
			st.CancelReason = ev.Detail

		case api.EventWorkflowCompleted:
			st.Terminal = true
			st.Succeeded = true

		case api.EventWorkflowFailed:
			st.Terminal = true

		case api.EventStepScheduled:
			ss := st.step(ev.Step)
			if ev.Attempt > ss.Attempts {
				ss.Attempts = ev.Attempt
			}
			ss.Pending = ev.Attempt

		case api.EventStepStarted:
			ss := st.step(ev.Step)
			if ev.Attempt > ss.Attempts {
				ss.Attempts = ev.Attempt
			}
			ss.StartedCount++
			ss.Pending = ev.Attempt

		case api.EventStepCompleted:
			ss := st.step(ev.Step)
			ss.Pending = 0
			ss.Completed = true
			ss.Failed = false
			st.Outputs[ev.Step] = ev.Payload

		case api.EventStepFailed:
			ss := st.step(ev.Step)
			ss.Pending = 0
			ss.Failed = true
			ss.Permanent = ev.Permanent
			ss.FailureDetail = ev.Detail

		case api.EventTimerFired:
			ss := st.step(ev.Step)
			if ev.Attempt > ss.TimerFired {
				ss.TimerFired = ev.Attempt
			}
		}
	}

	return st
}

func (st *State) step(step api.Step) *StepProgress {
	ss, ok := st.Steps[step]
	if !ok {
		ss = &StepProgress{}
		st.Steps[step] = ss
	}
	return ss
}

// Progress returns the folded view of one step without mutating State.
func (st *State) Progress(step api.Step) StepProgress {
	if ss, ok := st.Steps[step]; ok {
		return *ss
	}
	return StepProgress{}
}

// TerminalStatus derives the instance status a terminal history
// implies: COMPLETED for workflow.completed, otherwise
// TERMINATED_BY_COMPENSATION when at least one compensating step
// completed before the failure, plain FAILED when none did. ok is
// false while the workflow is still running.
func (st *State) TerminalStatus() (api.Status, bool) {
	if !st.Terminal {
		return "", false
	}
	if st.Succeeded {
		return api.StatusCompleted, true
	}
	for _, fs := range api.ForwardSteps {
		if comp, ok := fs.Compensation(); ok && st.Progress(comp).Completed {
			return api.StatusTerminatedByCompensation, true
		}
	}
	return api.StatusFailed, true
}

// CurrentStep derives the step pointer for the instance cache: the
// first forward step that has not completed, or the last step once all
// are done.
func (st *State) CurrentStep() api.Step {
	for _, step := range api.ForwardSteps {
		if !st.Progress(step).Completed {
			return step
		}
	}
	return api.ForwardSteps[len(api.ForwardSteps)-1]
}

// Decide is the workflow state machine. It is pure and side-effect
// free: given identical history and options it always returns the same
// Action.
//
// The forward path walks the canonical step order. A retryable failure
// with attempts remaining yields a backoff timer (or the retry itself
// once the timer has fired); a permanent failure or exhausted retries
// routes to the compensation cascade, which undoes completed steps in
// reverse order. A pending attempt with no recorded outcome is treated
// as unknown: it consumes the attempt and the next one proceeds
// immediately, relying on activity idempotency.
func Decide(history []api.Event, opts map[api.Step]api.StepOptions) Action {
	st := Fold(history)

	if !st.Started || st.Terminal {
		return Action{Kind: ActionNone}
	}

	var (
		dead       bool
		deadReason string
	)

	if st.CancelRequested {
		dead = true
		deadReason = "cancel requested"
		if st.CancelReason != "" {
			deadReason = "cancel requested: " + st.CancelReason
		}
	}

	if !dead {
		for _, step := range api.ForwardSteps {
			o := optionsFor(opts, step)
			disp, act, reason := nextForStep(st, step, o, ActionScheduleStep)
			switch disp {
			case stepDone:
				continue
			case stepAct:
				return act
			case stepDead:
				if o.ContinueOnFailure {
					// The order is considered fulfilled even though
					// this step gave up (confirmation email).
					continue
				}
				dead = true
				deadReason = reason
			}
			break
		}
		if !dead {
			return Action{Kind: ActionComplete}
		}
	}

	// Compensation cascade: walk completed forward steps backwards and
	// run their compensations to completion before failing the
	// workflow.
	compensated := false
	for i := len(api.ForwardSteps) - 1; i >= 0; i-- {
		fs := api.ForwardSteps[i]
		if !st.Progress(fs).Completed {
			continue
		}
		comp, ok := fs.Compensation()
		if !ok {
			continue
		}

		disp, act, reason := nextForStep(st, comp, optionsFor(opts, comp), ActionCompensate)
		switch disp {
		case stepDone:
			compensated = true
			continue
		case stepAct:
			return act
		case stepDead:
			return Action{
				Kind:           ActionFail,
				Reason:         deadReason + "; compensation failed: " + reason,
				NeedsAttention: true,
				Compensated:    compensated,
			}
		}
	}

	return Action{Kind: ActionFail, Reason: deadReason, Compensated: compensated}
}

type stepDisposition int

const (
	stepDone stepDisposition = iota
	stepAct
	stepDead
)

// nextForStep decides what to do about a single step given its folded
// progress. kind selects whether a run is expressed as ActionScheduleStep
// or ActionCompensate; retry timers are ActionScheduleTimer either way.
func nextForStep(st *State, step api.Step, o api.StepOptions, kind ActionKind) (stepDisposition, Action, string) {
	ss := st.Progress(step)
	maxAttempts := o.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	if ss.Completed {
		return stepDone, Action{}, ""
	}

	if ss.Attempts == 0 {
		return stepAct, Action{Kind: kind, Step: step, Attempt: 1}, ""
	}

	if ss.Pending > 0 {
		// Unknown outcome: the attempt was scheduled or started but the
		// process died before recording a result.
		if ss.Attempts < maxAttempts {
			return stepAct, Action{Kind: kind, Step: step, Attempt: ss.Attempts + 1}, ""
		}
		return stepDead, Action{}, fmt.Sprintf("%s: outcome of attempt %d unknown and attempts exhausted", step, ss.Attempts)
	}

	// Last attempt failed.
	if ss.Permanent {
		return stepDead, Action{}, fmt.Sprintf("%s: %s", step, ss.FailureDetail)
	}
	if ss.Attempts >= maxAttempts {
		return stepDead, Action{}, fmt.Sprintf("%s: retries exhausted after %d attempts: %s", step, ss.Attempts, ss.FailureDetail)
	}

	next := ss.Attempts + 1
	if ss.TimerFired >= next {
		return stepAct, Action{Kind: kind, Step: step, Attempt: next}, ""
	}
	return stepAct, Action{
		Kind:    ActionScheduleTimer,
		Step:    step,
		Attempt: next,
		Delay:   o.Retry.BackoffFor(ss.Attempts),
	}, ""
}

func optionsFor(opts map[api.Step]api.StepOptions, step api.Step) api.StepOptions {
	if o, ok := opts[step]; ok {
		return o
	}
	// Unconfigured steps run once with no retries.
	return api.StepOptions{Retry: api.RetryPolicy{MaxAttempts: 1}}
}
