// Package worker drives the kernel from the task queue. A worker
// dequeues dispatch and timer tasks and turns them into kernel calls;
// all workflow logic lives behind the Kernel interface.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/petrijr/orderflow/internal/taskqueue"
	"github.com/petrijr/orderflow/pkg/api"
)

// Worker consumes tasks from the queue and hands them to the kernel.
// Multiple workers may share one queue; the per-instance dispatch lease
// keeps them from stepping on each other.
type Worker struct {
	kernel api.Kernel
	queue  taskqueue.Queue
	logger *slog.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger used for task-level errors. Defaults to
// slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// New creates a Worker over the given kernel and queue.
func New(kernel api.Kernel, queue taskqueue.Queue, opts ...Option) *Worker {
	w := &Worker{
		kernel: kernel,
		queue:  queue,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ProcessOne blocks until a task is due, then handles it. It returns
// ctx.Err() when the context is cancelled while waiting.
func (w *Worker) ProcessOne(ctx context.Context) error {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return err
	}
	return w.handle(ctx, task)
}

func (w *Worker) handle(ctx context.Context, task *taskqueue.Task) error {
	switch task.Type {
	case taskqueue.TaskTypeDispatch:
		return w.kernel.DispatchInstance(ctx, task.InstanceID)

	case taskqueue.TaskTypeTimer:
		// Record the elapsed timer first, then dispatch so the retry
		// attempt runs right away.
		if err := w.kernel.FireTimer(ctx, task.InstanceID, task.Step, task.Attempt); err != nil {
			return err
		}
		return w.kernel.DispatchInstance(ctx, task.InstanceID)

	default:
		return fmt.Errorf("unknown task type %q", task.Type)
	}
}

// Run processes tasks until ctx is cancelled. Task-level errors are
// logged and do not stop the loop; the durable history makes a failed
// activation safe to repeat on the next dispatch.
func (w *Worker) Run(ctx context.Context) error {
	for {
		err := w.ProcessOne(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			w.logger.Error("task failed", slog.Any("error", err))
		}
	}
}

// RunN runs n concurrent copies of Run and waits for all of them.
func (w *Worker) RunN(ctx context.Context, n int) error {
	if n < 1 {
		n = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Run(ctx)
		}()
	}
	wg.Wait()
	return nil
}
