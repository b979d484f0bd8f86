package machine

import (
	"reflect"
	"testing"
	"time"

	"github.com/petrijr/orderflow/pkg/api"
)

func testOptions() map[api.Step]api.StepOptions {
	retry3 := api.RetryPolicy{
		InitialInterval:   time.Second,
		BackoffMultiplier: 2.0,
		MaxInterval:       10 * time.Second,
		MaxAttempts:       3,
	}
	return map[api.Step]api.StepOptions{
		api.StepValidateInventory: {Retry: retry3},
		api.StepProcessPayment: {Retry: api.RetryPolicy{
			InitialInterval:   time.Second,
			BackoffMultiplier: 2.0,
			MaxInterval:       5 * time.Second,
			MaxAttempts:       5,
		}},
		api.StepUpdateInventory: {Retry: retry3},
		api.StepSendConfirmation: {
			Retry:             api.RetryPolicy{InitialInterval: time.Second, MaxAttempts: 2},
			ContinueOnFailure: true,
		},
		api.StepRefundPayment:    {Retry: retry3},
		api.StepRestoreInventory: {Retry: retry3},
	}
}

func started() api.Event {
	return api.Event{Kind: api.EventWorkflowStarted, Payload: []byte(`{"order_id":"o-1"}`)}
}

func scheduled(step api.Step, attempt int) api.Event {
	return api.Event{Kind: api.EventStepScheduled, Step: step, Attempt: attempt}
}

func running(step api.Step, attempt int) api.Event {
	return api.Event{Kind: api.EventStepStarted, Step: step, Attempt: attempt}
}

func completed(step api.Step, attempt int) api.Event {
	return api.Event{Kind: api.EventStepCompleted, Step: step, Attempt: attempt, Payload: []byte(`{}`)}
}

func failed(step api.Step, attempt int, permanent bool) api.Event {
	return api.Event{Kind: api.EventStepFailed, Step: step, Attempt: attempt, Permanent: permanent, Detail: "boom"}
}

func timerFired(step api.Step, attempt int) api.Event {
	return api.Event{Kind: api.EventTimerFired, Step: step, Attempt: attempt}
}

// attemptTrace appends the three events of one successful attempt.
func successfulStep(h []api.Event, step api.Step) []api.Event {
	return append(h, scheduled(step, 1), running(step, 1), completed(step, 1))
}

func TestDecideEmptyHistoryDoesNothing(t *testing.T) {
	act := Decide(nil, testOptions())
	if act.Kind != ActionNone {
		t.Fatalf("expected ActionNone for empty history, got %s", act.Kind)
	}
}

func TestDecideSchedulesFirstStep(t *testing.T) {
	act := Decide([]api.Event{started()}, testOptions())
	if act.Kind != ActionScheduleStep {
		t.Fatalf("expected ActionScheduleStep, got %s", act.Kind)
	}
	if act.Step != api.StepValidateInventory || act.Attempt != 1 {
		t.Fatalf("expected ValidateInventory attempt 1, got %s attempt %d", act.Step, act.Attempt)
	}
}

func TestDecideWalksStepsInOrder(t *testing.T) {
	h := []api.Event{started()}
	expected := []api.Step{
		api.StepValidateInventory,
		api.StepProcessPayment,
		api.StepUpdateInventory,
		api.StepSendConfirmation,
	}

	for _, want := range expected {
		act := Decide(h, testOptions())
		if act.Kind != ActionScheduleStep || act.Step != want {
			t.Fatalf("expected schedule of %s, got %s %s", want, act.Kind, act.Step)
		}
		h = successfulStep(h, want)
	}

	act := Decide(h, testOptions())
	if act.Kind != ActionComplete {
		t.Fatalf("expected ActionComplete after all steps, got %s", act.Kind)
	}
}

func TestDecideIsPureAndDoesNotMutateHistory(t *testing.T) {
	h := successfulStep([]api.Event{started()}, api.StepValidateInventory)
	h = append(h, scheduled(api.StepProcessPayment, 1), running(api.StepProcessPayment, 1), failed(api.StepProcessPayment, 1, false))

	snapshot := make([]api.Event, len(h))
	copy(snapshot, h)

	first := Decide(h, testOptions())
	for i := 0; i < 10; i++ {
		if got := Decide(h, testOptions()); !reflect.DeepEqual(got, first) {
			t.Fatalf("Decide is not deterministic: %+v vs %+v", got, first)
		}
	}
	if !reflect.DeepEqual(h, snapshot) {
		t.Fatal("Decide mutated the history")
	}
}

func TestRetryableFailureSchedulesBackoffTimer(t *testing.T) {
	h := successfulStep([]api.Event{started()}, api.StepValidateInventory)
	h = append(h, scheduled(api.StepProcessPayment, 1), running(api.StepProcessPayment, 1), failed(api.StepProcessPayment, 1, false))

	act := Decide(h, testOptions())
	if act.Kind != ActionScheduleTimer {
		t.Fatalf("expected ActionScheduleTimer, got %s", act.Kind)
	}
	if act.Step != api.StepProcessPayment || act.Attempt != 2 {
		t.Fatalf("expected ProcessPayment attempt 2, got %s attempt %d", act.Step, act.Attempt)
	}
	if act.Delay != time.Second {
		t.Fatalf("expected 1s backoff after first failure, got %s", act.Delay)
	}
}

func TestBackoffGrowsAndIsCapped(t *testing.T) {
	h := successfulStep([]api.Event{started()}, api.StepValidateInventory)

	// Payment policy: initial 1s, x2, cap 5s. Failures 1..4 should
	// produce delays 1s, 2s, 4s, 5s.
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}
	for i, d := range want {
		attempt := i + 1
		h = append(h,
			scheduled(api.StepProcessPayment, attempt),
			running(api.StepProcessPayment, attempt),
			failed(api.StepProcessPayment, attempt, false),
		)

		act := Decide(h, testOptions())
		if act.Kind != ActionScheduleTimer {
			t.Fatalf("failure %d: expected timer, got %s", attempt, act.Kind)
		}
		if act.Delay != d {
			t.Fatalf("failure %d: expected delay %s, got %s", attempt, d, act.Delay)
		}

		h = append(h, timerFired(api.StepProcessPayment, attempt+1))
		act = Decide(h, testOptions())
		if act.Kind != ActionScheduleStep || act.Attempt != attempt+1 {
			t.Fatalf("after timer %d: expected schedule attempt %d, got %s attempt %d", attempt, attempt+1, act.Kind, act.Attempt)
		}
	}
}

func TestTimerMustFireBeforeRetryRuns(t *testing.T) {
	h := successfulStep([]api.Event{started()}, api.StepValidateInventory)
	h = append(h, scheduled(api.StepProcessPayment, 1), running(api.StepProcessPayment, 1), failed(api.StepProcessPayment, 1, false))

	// Without a timer.fired event the decision stays a timer schedule;
	// a duplicate timer for an old attempt changes nothing either.
	act := Decide(append(h, timerFired(api.StepProcessPayment, 1)), testOptions())
	if act.Kind != ActionScheduleTimer {
		t.Fatalf("stale timer must not release the retry, got %s", act.Kind)
	}

	act = Decide(append(h, timerFired(api.StepProcessPayment, 2)), testOptions())
	if act.Kind != ActionScheduleStep || act.Attempt != 2 {
		t.Fatalf("expected retry attempt 2 after timer, got %s attempt %d", act.Kind, act.Attempt)
	}
}

func TestRetriesExhaustedTriggersCompensation(t *testing.T) {
	h := successfulStep([]api.Event{started()}, api.StepValidateInventory)
	h = successfulStep(h, api.StepProcessPayment)

	// UpdateInventory fails retryably three times (MaxAttempts=3).
	for attempt := 1; attempt <= 3; attempt++ {
		if attempt > 1 {
			h = append(h, timerFired(api.StepUpdateInventory, attempt))
		}
		h = append(h,
			scheduled(api.StepUpdateInventory, attempt),
			running(api.StepUpdateInventory, attempt),
			failed(api.StepUpdateInventory, attempt, false),
		)
	}

	// Payment completed, so RefundPayment is the first compensation.
	// UpdateInventory never completed and must not be compensated.
	act := Decide(h, testOptions())
	if act.Kind != ActionCompensate || act.Step != api.StepRefundPayment {
		t.Fatalf("expected RefundPayment compensation, got %s %s", act.Kind, act.Step)
	}

	h = successfulStep(h, api.StepRefundPayment)
	act = Decide(h, testOptions())
	if act.Kind != ActionFail {
		t.Fatalf("expected ActionFail after compensation, got %s", act.Kind)
	}
	if !act.Compensated {
		t.Fatal("expected Compensated=true")
	}
	if act.NeedsAttention {
		t.Fatal("compensation succeeded, NeedsAttention must be false")
	}
}

func TestPermanentFailureSkipsRemainingRetries(t *testing.T) {
	h := []api.Event{started()}
	h = append(h, scheduled(api.StepValidateInventory, 1), running(api.StepValidateInventory, 1), failed(api.StepValidateInventory, 1, true))

	// Nothing completed yet, so there is nothing to compensate.
	act := Decide(h, testOptions())
	if act.Kind != ActionFail {
		t.Fatalf("expected immediate ActionFail, got %s", act.Kind)
	}
	if act.Compensated {
		t.Fatal("nothing completed, Compensated must be false")
	}
}

func TestCompensationRunsInReverseOrder(t *testing.T) {
	h := successfulStep([]api.Event{started()}, api.StepValidateInventory)
	h = successfulStep(h, api.StepProcessPayment)
	h = successfulStep(h, api.StepUpdateInventory)
	h = append(h, scheduled(api.StepSendConfirmation, 1), running(api.StepSendConfirmation, 1), failed(api.StepSendConfirmation, 1, true))

	// Confirmation continues on failure, so this history completes.
	act := Decide(h, testOptions())
	if act.Kind != ActionComplete {
		t.Fatalf("confirmation failure must not fail the workflow, got %s", act.Kind)
	}

	// Re-run without ContinueOnFailure: RestoreInventory (undoing
	// UpdateInventory) must come before RefundPayment.
	opts := testOptions()
	o := opts[api.StepSendConfirmation]
	o.ContinueOnFailure = false
	opts[api.StepSendConfirmation] = o

	act = Decide(h, opts)
	if act.Kind != ActionCompensate || act.Step != api.StepRestoreInventory {
		t.Fatalf("expected RestoreInventory first, got %s %s", act.Kind, act.Step)
	}

	h2 := successfulStep(h, api.StepRestoreInventory)
	act = Decide(h2, opts)
	if act.Kind != ActionCompensate || act.Step != api.StepRefundPayment {
		t.Fatalf("expected RefundPayment second, got %s %s", act.Kind, act.Step)
	}
}

func TestCompensationFailureNeedsAttention(t *testing.T) {
	h := successfulStep([]api.Event{started()}, api.StepValidateInventory)
	h = successfulStep(h, api.StepProcessPayment)
	h = append(h, scheduled(api.StepUpdateInventory, 1), running(api.StepUpdateInventory, 1), failed(api.StepUpdateInventory, 1, true))

	// The refund itself fails permanently.
	h = append(h, scheduled(api.StepRefundPayment, 1), running(api.StepRefundPayment, 1), failed(api.StepRefundPayment, 1, true))

	act := Decide(h, testOptions())
	if act.Kind != ActionFail {
		t.Fatalf("expected ActionFail, got %s", act.Kind)
	}
	if !act.NeedsAttention {
		t.Fatal("failed compensation must set NeedsAttention")
	}
}

func TestCancellationRoutesToCompensation(t *testing.T) {
	h := successfulStep([]api.Event{started()}, api.StepValidateInventory)
	h = successfulStep(h, api.StepProcessPayment)
	h = append(h, api.Event{Kind: api.EventCancelRequested, Detail: "customer changed mind"})

	act := Decide(h, testOptions())
	if act.Kind != ActionCompensate || act.Step != api.StepRefundPayment {
		t.Fatalf("expected refund after cancel, got %s %s", act.Kind, act.Step)
	}

	h = successfulStep(h, api.StepRefundPayment)
	act = Decide(h, testOptions())
	if act.Kind != ActionFail {
		t.Fatalf("expected ActionFail, got %s", act.Kind)
	}
	if act.Reason != "cancel requested: customer changed mind" {
		t.Fatalf("unexpected reason %q", act.Reason)
	}
}

func TestCancellationBeforeAnyStep(t *testing.T) {
	h := []api.Event{started(), {Kind: api.EventCancelRequested}}

	act := Decide(h, testOptions())
	if act.Kind != ActionFail {
		t.Fatalf("expected ActionFail with nothing to compensate, got %s", act.Kind)
	}
	if act.Compensated {
		t.Fatal("no steps completed, Compensated must be false")
	}
}

func TestDanglingAttemptConsumesItsSlot(t *testing.T) {
	// Crash between step.started and an outcome: the next decision
	// moves on to attempt 2 immediately, it never re-runs attempt 1.
	h := []api.Event{started(), scheduled(api.StepValidateInventory, 1), running(api.StepValidateInventory, 1)}

	act := Decide(h, testOptions())
	if act.Kind != ActionScheduleStep || act.Attempt != 2 {
		t.Fatalf("expected attempt 2 after dangling attempt, got %s attempt %d", act.Kind, act.Attempt)
	}
}

func TestDanglingLastAttemptExhausts(t *testing.T) {
	h := successfulStep([]api.Event{started()}, api.StepValidateInventory)
	h = successfulStep(h, api.StepProcessPayment)

	// All three UpdateInventory attempts end dangling or failed, the
	// last one dangling.
	h = append(h, scheduled(api.StepUpdateInventory, 1), running(api.StepUpdateInventory, 1), failed(api.StepUpdateInventory, 1, false))
	h = append(h, timerFired(api.StepUpdateInventory, 2))
	h = append(h, scheduled(api.StepUpdateInventory, 2), running(api.StepUpdateInventory, 2))
	h = append(h, scheduled(api.StepUpdateInventory, 3), running(api.StepUpdateInventory, 3))

	act := Decide(h, testOptions())
	if act.Kind != ActionCompensate || act.Step != api.StepRefundPayment {
		t.Fatalf("expected compensation after exhausted unknown outcomes, got %s %s", act.Kind, act.Step)
	}
}

func TestScheduledAttemptsNeverExceedPolicy(t *testing.T) {
	// Drive the machine adversarially: whatever it schedules for
	// ProcessPayment fails retryably, timers always fire. The number of
	// scheduled attempts must never exceed MaxAttempts.
	opts := testOptions()
	maxAttempts := opts[api.StepProcessPayment].Retry.MaxAttempts

	h := successfulStep([]api.Event{started()}, api.StepValidateInventory)
	scheduledCount := 0

	for i := 0; i < 50; i++ {
		act := Decide(h, opts)
		switch act.Kind {
		case ActionScheduleStep:
			if act.Step != api.StepProcessPayment {
				t.Fatalf("unexpected step %s", act.Step)
			}
			scheduledCount++
			h = append(h,
				scheduled(act.Step, act.Attempt),
				running(act.Step, act.Attempt),
				failed(act.Step, act.Attempt, false),
			)
		case ActionScheduleTimer:
			h = append(h, timerFired(act.Step, act.Attempt))
		case ActionCompensate, ActionFail:
			if scheduledCount != maxAttempts {
				t.Fatalf("expected exactly %d scheduled attempts, got %d", maxAttempts, scheduledCount)
			}
			return
		default:
			t.Fatalf("unexpected action %s", act.Kind)
		}
	}
	t.Fatal("machine never gave up on ProcessPayment")
}

func TestTerminalHistoryDecidesNothing(t *testing.T) {
	h := []api.Event{started()}
	for _, step := range api.ForwardSteps {
		h = successfulStep(h, step)
	}
	h = append(h, api.Event{Kind: api.EventWorkflowCompleted})

	if act := Decide(h, testOptions()); act.Kind != ActionNone {
		t.Fatalf("terminal history must decide nothing, got %s", act.Kind)
	}

	// Cancel after completion changes nothing.
	h = append(h, api.Event{Kind: api.EventCancelRequested})
	if act := Decide(h, testOptions()); act.Kind != ActionNone {
		t.Fatalf("cancel after terminal must decide nothing, got %s", act.Kind)
	}
}

func TestFoldTracksOutputsAndCurrentStep(t *testing.T) {
	h := []api.Event{started()}
	h = append(h, scheduled(api.StepValidateInventory, 1), running(api.StepValidateInventory, 1),
		api.Event{Kind: api.EventStepCompleted, Step: api.StepValidateInventory, Attempt: 1, Payload: []byte(`{"reserved":1}`)})

	st := Fold(h)
	if string(st.Outputs[api.StepValidateInventory]) != `{"reserved":1}` {
		t.Fatalf("unexpected output %s", st.Outputs[api.StepValidateInventory])
	}
	if got := st.CurrentStep(); got != api.StepProcessPayment {
		t.Fatalf("expected current step ProcessPayment, got %s", got)
	}
	if string(st.OrderPayload) != `{"order_id":"o-1"}` {
		t.Fatalf("unexpected order payload %s", st.OrderPayload)
	}
}

func TestTerminalStatusDerivation(t *testing.T) {
	if _, ok := Fold([]api.Event{started()}).TerminalStatus(); ok {
		t.Fatal("running history must not report a terminal status")
	}

	done := []api.Event{started()}
	for _, step := range api.ForwardSteps {
		done = successfulStep(done, step)
	}
	done = append(done, api.Event{Kind: api.EventWorkflowCompleted})
	if got, ok := Fold(done).TerminalStatus(); !ok || got != api.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (ok=%v)", got, ok)
	}

	plain := []api.Event{started(),
		scheduled(api.StepValidateInventory, 1), running(api.StepValidateInventory, 1),
		failed(api.StepValidateInventory, 1, true),
		{Kind: api.EventWorkflowFailed, Detail: "boom"},
	}
	if got, ok := Fold(plain).TerminalStatus(); !ok || got != api.StatusFailed {
		t.Fatalf("expected FAILED, got %s (ok=%v)", got, ok)
	}

	comp := []api.Event{started()}
	comp = successfulStep(comp, api.StepProcessPayment)
	comp = append(comp, failed(api.StepUpdateInventory, 1, true))
	comp = successfulStep(comp, api.StepRefundPayment)
	comp = append(comp, api.Event{Kind: api.EventWorkflowFailed, Detail: "boom"})
	if got, ok := Fold(comp).TerminalStatus(); !ok || got != api.StatusTerminatedByCompensation {
		t.Fatalf("expected TERMINATED_BY_COMPENSATION, got %s (ok=%v)", got, ok)
	}
}
