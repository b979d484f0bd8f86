package taskqueue

import (
	"context"
	"time"

	"github.com/petrijr/orderflow/pkg/api"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskTypeDispatch asks a worker to run one dispatch activation for
	// the instance.
	TaskTypeDispatch TaskType = "dispatch"

	// TaskTypeTimer is a durable retry/backoff timer. When it becomes
	// due, the worker records a timer.fired event for Step/Attempt and
	// then dispatches the instance.
	TaskTypeTimer TaskType = "timer"
)

// Task represents a unit of work for the worker.
type Task struct {
	Type       TaskType
	InstanceID string

	// Timer tasks only: the step attempt this timer resumes.
	Step    api.Step
	Attempt int

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible for
	// processing. Zero value means "immediately".
	NotBefore time.Time
}

// Queue is the work queue workers poll. Durable implementations double
// as the timer store: a timer survives a crash of the process that
// scheduled it because it is just a row with a not_before in the
// future.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for
	// cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next due task, blocking until one
	// is available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued, due or not.
	Len() int
}
