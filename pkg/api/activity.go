package api

import (
	"context"
	"encoding/json"
	"time"
)

// ActivityFunc is the implementation of one workflow step. It executes
// exactly one attempt of a potentially side-effecting external call.
//
// Implementations must be idempotent with respect to
// Invocation.IdempotencyKey: an attempt may follow a previous attempt
// whose result was never observed (crash after the external call
// succeeded but before its outcome was recorded), and repeating the
// call for the same key must not repeat the external effect.
//
// Returned errors are classified with Retryable / Permanent; anything
// unclassified is treated as retryable.
type ActivityFunc func(ctx context.Context, inv Invocation) (any, error)

// Invocation correlates a step, an attempt number and a deadline. It is
// transient: nothing of it is persisted beyond the history events it
// produces.
type Invocation struct {
	InstanceID string
	Step       Step
	Attempt    int

	// IdempotencyKey is stable across attempts of the same step within
	// one instance: "<instanceID>/<step>".
	IdempotencyKey string

	// Order is the input the instance was started with.
	Order Order

	// Results holds the recorded outputs of previously completed steps,
	// keyed by step, as stored in their step.completed payloads. The
	// confirmation step reads the payment transaction id from here.
	Results map[Step]json.RawMessage

	Deadline time.Time
}

// Result decodes the recorded output of a previously completed step
// into out. It returns false when that step has no recorded output.
func (inv Invocation) Result(step Step, out any) (bool, error) {
	raw, ok := inv.Results[step]
	if !ok || len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}
