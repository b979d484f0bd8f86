// Package executor runs single activity attempts with deadline
// enforcement. It knows nothing about histories or retries; the state
// machine decides whether a failure is retried, the executor only
// classifies it.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/petrijr/orderflow/pkg/api"
)

// Registry maps steps to their activity implementations.
type Registry struct {
	mu  sync.RWMutex
	fns map[api.Step]api.ActivityFunc
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		fns: make(map[api.Step]api.ActivityFunc),
	}
}

// Register binds fn as the implementation of step. Registering the same
// step twice is an error.
func (r *Registry) Register(step api.Step, fn api.ActivityFunc) error {
	if step == "" {
		return fmt.Errorf("step name is required")
	}
	if fn == nil {
		return fmt.Errorf("activity for %s is nil", step)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.fns[step]; ok {
		return fmt.Errorf("activity already registered: %s", step)
	}
	r.fns[step] = fn
	return nil
}

// lookup returns the registered implementation of step.
func (r *Registry) lookup(step api.Step) (api.ActivityFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[step]
	return fn, ok
}

type invokeResult struct {
	out any
	err error
}

// Invoke executes exactly one attempt of the given invocation,
// enforcing timeout as the start-to-close deadline. A missed deadline
// surfaces as *api.TimeoutError (retryable), even when the activity
// ignores its context; the abandoned goroutine is left to finish on its
// own, which is safe because the result of a timed-out attempt is never
// recorded.
//
// An unregistered step fails permanently: retrying cannot fix a missing
// implementation.
func (r *Registry) Invoke(ctx context.Context, inv api.Invocation, timeout time.Duration) (any, error) {
	fn, ok := r.lookup(inv.Step)
	if !ok {
		return nil, &api.PermanentError{
			Reason: fmt.Sprintf("%v: %s", api.ErrActivityNotRegistered, inv.Step),
		}
	}

	if timeout <= 0 {
		return fn(ctx, inv)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	inv.Deadline = time.Now().Add(timeout)

	resCh := make(chan invokeResult, 1)
	go func() {
		out, err := fn(attemptCtx, inv)
		resCh <- invokeResult{out: out, err: err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil && attemptCtx.Err() == context.DeadlineExceeded && !api.IsPermanent(res.err) {
			// The activity noticed the expired context itself; report a
			// uniform timeout instead of a bare context error.
			return nil, &api.TimeoutError{Step: inv.Step, Timeout: timeout}
		}
		return res.out, res.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			// Caller cancelled; not a step timeout.
			return nil, ctx.Err()
		}
		return nil, &api.TimeoutError{Step: inv.Step, Timeout: timeout}
	}
}
