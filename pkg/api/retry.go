package api

import (
	"math"
	"time"
)

// RetryPolicy controls how a step is retried when an attempt fails with
// a retryable error. MaxAttempts includes the first attempt:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
type RetryPolicy struct {
	InitialInterval   time.Duration
	BackoffMultiplier float64
	MaxInterval       time.Duration
	MaxAttempts       int
}

// BackoffFor returns the delay before attempt+1, computed as
//
//	min(InitialInterval * BackoffMultiplier^(attempt-1), MaxInterval)
//
// where attempt is the 1-based attempt that just failed. A multiplier
// <= 0 defaults to 2.0.
func (p RetryPolicy) BackoffFor(attempt int) time.Duration {
	if p.InitialInterval <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	d := time.Duration(float64(p.InitialInterval) * math.Pow(mult, float64(attempt-1)))
	if p.MaxInterval > 0 && d > p.MaxInterval {
		d = p.MaxInterval
	}
	return d
}

// StepOptions bundles the per-step execution settings the dispatcher
// and state machine interpret.
type StepOptions struct {
	// Timeout is the start-to-close deadline of one attempt.
	Timeout time.Duration

	Retry RetryPolicy

	// ContinueOnFailure lets the workflow complete even when this step
	// exhausts its retries or fails permanently. Used for the
	// confirmation email: the order is already fulfilled by then.
	ContinueOnFailure bool
}

// DefaultStepOptions returns the per-step timeouts and retry policies
// the kernel ships with. Payment gets the most attempts since gateway
// declines are the most common transient failure; confirmation gets the
// fewest and never fails the workflow.
func DefaultStepOptions() map[Step]StepOptions {
	return map[Step]StepOptions{
		StepValidateInventory: {
			Timeout: 5 * time.Second,
			Retry: RetryPolicy{
				InitialInterval:   time.Second,
				BackoffMultiplier: 2.0,
				MaxInterval:       10 * time.Second,
				MaxAttempts:       3,
			},
		},
		StepProcessPayment: {
			Timeout: 10 * time.Second,
			Retry: RetryPolicy{
				InitialInterval:   time.Second,
				BackoffMultiplier: 2.0,
				MaxInterval:       5 * time.Second,
				MaxAttempts:       5,
			},
		},
		StepUpdateInventory: {
			Timeout: 5 * time.Second,
			Retry: RetryPolicy{
				InitialInterval:   time.Second,
				BackoffMultiplier: 2.0,
				MaxInterval:       10 * time.Second,
				MaxAttempts:       3,
			},
		},
		StepSendConfirmation: {
			Timeout: 5 * time.Second,
			Retry: RetryPolicy{
				InitialInterval:   time.Second,
				BackoffMultiplier: 2.0,
				MaxInterval:       5 * time.Second,
				MaxAttempts:       2,
			},
			ContinueOnFailure: true,
		},
		StepRefundPayment: {
			Timeout: 10 * time.Second,
			Retry: RetryPolicy{
				InitialInterval:   time.Second,
				BackoffMultiplier: 2.0,
				MaxInterval:       10 * time.Second,
				MaxAttempts:       3,
			},
		},
		StepRestoreInventory: {
			Timeout: 5 * time.Second,
			Retry: RetryPolicy{
				InitialInterval:   time.Second,
				BackoffMultiplier: 2.0,
				MaxInterval:       10 * time.Second,
				MaxAttempts:       3,
			},
		},
	}
}
