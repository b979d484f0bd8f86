// Package timer schedules durable retry timers. A timer is a delayed
// task in the work queue: with a durable queue it survives a crash of
// the process that scheduled it, and on expiry a worker records the
// timer.fired event and re-dispatches the instance.
package timer

import (
	"context"
	"time"

	"github.com/petrijr/orderflow/internal/taskqueue"
	"github.com/petrijr/orderflow/pkg/api"
)

// Service hands backoff timers to the task queue.
type Service struct {
	queue taskqueue.Queue
}

// NewService creates a timer service over the given queue.
func NewService(queue taskqueue.Queue) *Service {
	return &Service{queue: queue}
}

// ScheduleRetry enqueues a timer that makes the instance eligible for
// the given step attempt after delay has elapsed.
func (s *Service) ScheduleRetry(ctx context.Context, instanceID string, step api.Step, attempt int, delay time.Duration) error {
	now := time.Now()
	return s.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskTypeTimer,
		InstanceID: instanceID,
		Step:       step,
		Attempt:    attempt,
		EnqueuedAt: now,
		NotBefore:  now.Add(delay),
	})
}
