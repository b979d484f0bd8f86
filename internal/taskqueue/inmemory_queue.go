package taskqueue

import (
	"context"
	"sync"
	"time"
)

// InMemoryQueue is a Queue implementation backed by a slice. Unlike a
// plain channel it honors Task.NotBefore, which the timer service
// depends on. It is safe for concurrent use and non-durable.
type InMemoryQueue struct {
	mu           sync.Mutex
	tasks        []Task
	pollInterval time.Duration
}

// NewInMemoryQueue creates a new in-memory queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		pollInterval: 5 * time.Millisecond,
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}

	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		if t := q.takeDue(time.Now()); t != nil {
			return t, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

// takeDue removes and returns the due task with the earliest NotBefore,
// FIFO among ties. Returns nil when nothing is due.
func (q *InMemoryQueue) takeDue(now time.Time) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	best := -1
	for i, t := range q.tasks {
		if t.NotBefore.After(now) {
			continue
		}
		if best == -1 || t.NotBefore.Before(q.tasks[best].NotBefore) {
			best = i
		}
	}
	if best == -1 {
		return nil
	}

	t := q.tasks[best]
	q.tasks = append(q.tasks[:best], q.tasks[best+1:]...)
	return &t
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
