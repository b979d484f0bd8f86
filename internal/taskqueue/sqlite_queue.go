package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/petrijr/orderflow/internal/migrations"
	"github.com/petrijr/orderflow/pkg/api"
)

// SQLiteQueue is a persistent task queue backed by SQLite. Dequeue uses
// simple FIFO semantics among due tasks, ordered by not_before and then
// by the auto-incrementing id.
type SQLiteQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewSQLiteQueue applies the schema migrations to the given DB and
// returns a new queue.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	if err := migrations.Run(db, migrations.DialectSQLite); err != nil {
		return nil, err
	}
	return &SQLiteQueue{
		db:           db,
		pollInterval: 20 * time.Millisecond,
	}, nil
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

func (q *SQLiteQueue) Enqueue(ctx context.Context, t Task) error {
	now := time.Now()
	enqueuedAt := now
	if !t.EnqueuedAt.IsZero() {
		enqueuedAt = t.EnqueuedAt
	}

	notBefore := enqueuedAt
	if !t.NotBefore.IsZero() {
		notBefore = t.NotBefore
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO tasks (type, instance_id, step, attempt, enqueued_at, not_before)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(t.Type),
		t.InstanceID,
		string(t.Step),
		t.Attempt,
		enqueuedAt.UnixNano(),
		notBefore.UnixNano(),
	)
	return err
}

func (q *SQLiteQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		task, err := q.claimOne(ctx)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}

		// Nothing due: sleep a bit and retry.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

// claimOne removes and returns the next due task within a transaction,
// or nil when nothing is due yet.
func (q *SQLiteQueue) claimOne(ctx context.Context) (*Task, error) {
	now := time.Now().UnixNano()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var (
		id          int64
		typeStr     string
		instanceID  string
		step        string
		attempt     int
		enqueuedInt int64
		notBefore   int64
	)

	row := tx.QueryRowContext(ctx, `
		SELECT id, type, instance_id, step, attempt, enqueued_at, not_before
		FROM tasks
		WHERE not_before <= ?
		ORDER BY not_before, id
		LIMIT 1`, now)
	if err := row.Scan(&id, &typeStr, &instanceID, &step, &attempt, &enqueuedInt, &notBefore); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	// Delete the row we just claimed.
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &Task{
		Type:       TaskType(typeStr),
		InstanceID: instanceID,
		Step:       api.Step(step),
		Attempt:    attempt,
		EnqueuedAt: time.Unix(0, enqueuedInt),
		NotBefore:  time.Unix(0, notBefore),
	}, nil
}

func (q *SQLiteQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&n); err != nil {
		return 0
	}
	return n
}
