package taskqueue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petrijr/orderflow/pkg/api"
)

// queues builds each Queue implementation so every test runs against
// both backends.
func queues(t *testing.T) map[string]Queue {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	sq, err := NewSQLiteQueue(db)
	if err != nil {
		t.Fatalf("sqlite queue: %v", err)
	}

	return map[string]Queue{
		"memory": NewInMemoryQueue(),
		"sqlite": sq,
	}
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	ctx := context.Background()

	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{"wf-1", "wf-2", "wf-3"} {
				err := q.Enqueue(ctx, Task{Type: TaskTypeDispatch, InstanceID: id})
				if err != nil {
					t.Fatalf("enqueue %s: %v", id, err)
				}
			}
			if q.Len() != 3 {
				t.Fatalf("expected 3 queued tasks, got %d", q.Len())
			}

			for _, want := range []string{"wf-1", "wf-2", "wf-3"} {
				task, err := q.Dequeue(ctx)
				if err != nil {
					t.Fatalf("dequeue: %v", err)
				}
				if task.InstanceID != want {
					t.Fatalf("expected %s, got %s", want, task.InstanceID)
				}
				if task.Type != TaskTypeDispatch {
					t.Fatalf("unexpected type %s", task.Type)
				}
			}
			if q.Len() != 0 {
				t.Fatalf("queue not drained: %d", q.Len())
			}
		})
	}
}

func TestDelayedTaskIsHeldBack(t *testing.T) {
	ctx := context.Background()

	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now()
			err := q.Enqueue(ctx, Task{
				Type:       TaskTypeTimer,
				InstanceID: "wf-delayed",
				Step:       api.StepProcessPayment,
				Attempt:    2,
				NotBefore:  now.Add(150 * time.Millisecond),
			})
			if err != nil {
				t.Fatalf("enqueue delayed: %v", err)
			}
			err = q.Enqueue(ctx, Task{Type: TaskTypeDispatch, InstanceID: "wf-now"})
			if err != nil {
				t.Fatalf("enqueue immediate: %v", err)
			}

			// The immediate task comes out first even though it was
			// enqueued second.
			task, err := q.Dequeue(ctx)
			if err != nil {
				t.Fatalf("dequeue: %v", err)
			}
			if task.InstanceID != "wf-now" {
				t.Fatalf("expected immediate task first, got %s", task.InstanceID)
			}

			task, err = q.Dequeue(ctx)
			if err != nil {
				t.Fatalf("dequeue delayed: %v", err)
			}
			if since := time.Since(now); since < 150*time.Millisecond {
				t.Fatalf("delayed task released after %s", since)
			}
			if task.InstanceID != "wf-delayed" || task.Step != api.StepProcessPayment || task.Attempt != 2 {
				t.Fatalf("task fields lost: %+v", task)
			}
		})
	}
}

func TestDequeueRespectsContext(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()

			if _, err := q.Dequeue(ctx); err != context.DeadlineExceeded {
				t.Fatalf("expected DeadlineExceeded on empty queue, got %v", err)
			}
		})
	}
}

func TestEachTaskClaimedOnce(t *testing.T) {
	ctx := context.Background()

	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			const n = 20
			for i := 0; i < n; i++ {
				err := q.Enqueue(ctx, Task{Type: TaskTypeDispatch, InstanceID: "wf"})
				if err != nil {
					t.Fatalf("enqueue: %v", err)
				}
			}

			type claim struct {
				task *Task
				err  error
			}
			results := make(chan claim, n)
			for w := 0; w < 4; w++ {
				go func() {
					for {
						dctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
						task, err := q.Dequeue(dctx)
						cancel()
						if err != nil {
							return
						}
						results <- claim{task: task, err: err}
					}
				}()
			}

			claimed := 0
			deadline := time.After(5 * time.Second)
			for claimed < n {
				select {
				case c := <-results:
					if c.err != nil {
						t.Fatalf("dequeue: %v", c.err)
					}
					claimed++
				case <-deadline:
					t.Fatalf("only %d of %d tasks claimed", claimed, n)
				}
			}

			if q.Len() != 0 {
				t.Fatalf("tasks left over: %d", q.Len())
			}
			select {
			case c := <-results:
				t.Fatalf("task claimed twice: %+v", c.task)
			case <-time.After(300 * time.Millisecond):
			}
		})
	}
}
