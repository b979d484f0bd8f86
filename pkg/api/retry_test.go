package api

import (
	"testing"
	"time"
)

func TestBackoffForGrowsExponentially(t *testing.T) {
	p := RetryPolicy{
		InitialInterval:   time.Second,
		BackoffMultiplier: 2.0,
		MaxInterval:       10 * time.Second,
		MaxAttempts:       5,
	}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second}, // capped
		{6, 10 * time.Second},
	}
	for _, c := range cases {
		if got := p.BackoffFor(c.attempt); got != c.want {
			t.Fatalf("attempt %d: expected %s, got %s", c.attempt, c.want, got)
		}
	}
}

func TestBackoffForDefaultsMultiplierToTwo(t *testing.T) {
	p := RetryPolicy{InitialInterval: time.Second, MaxInterval: time.Minute}
	if got := p.BackoffFor(3); got != 4*time.Second {
		t.Fatalf("expected 4s with default multiplier, got %s", got)
	}
}

func TestBackoffForZeroInitialInterval(t *testing.T) {
	var p RetryPolicy
	if got := p.BackoffFor(1); got != 0 {
		t.Fatalf("expected 0 delay, got %s", got)
	}
}

func TestDefaultStepOptionsCoverEveryStep(t *testing.T) {
	opts := DefaultStepOptions()

	steps := append([]Step{}, ForwardSteps...)
	steps = append(steps, StepRefundPayment, StepRestoreInventory)
	for _, step := range steps {
		o, ok := opts[step]
		if !ok {
			t.Fatalf("no default options for %s", step)
		}
		if o.Timeout <= 0 || o.Retry.MaxAttempts < 1 {
			t.Fatalf("unusable defaults for %s: %+v", step, o)
		}
	}

	if !opts[StepSendConfirmation].ContinueOnFailure {
		t.Fatal("confirmation must not fail the workflow")
	}
	if opts[StepProcessPayment].Retry.MaxAttempts != 5 {
		t.Fatalf("expected 5 payment attempts, got %d", opts[StepProcessPayment].Retry.MaxAttempts)
	}
}
