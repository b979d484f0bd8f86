package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/petrijr/orderflow/internal/migrations"
	"github.com/petrijr/orderflow/pkg/api"
)

// PostgresQueue is a persistent task queue backed by PostgreSQL.
// Claiming uses FOR UPDATE SKIP LOCKED so that concurrent workers never
// fight over the same row.
type PostgresQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewPostgresQueue applies the schema migrations to the given DB and
// returns a new queue.
func NewPostgresQueue(db *sql.DB) (*PostgresQueue, error) {
	if err := migrations.Run(db, migrations.DialectPostgres); err != nil {
		return nil, err
	}
	return &PostgresQueue{
		db:           db,
		pollInterval: 20 * time.Millisecond,
	}, nil
}

// Ensure PostgresQueue implements Queue.
var _ Queue = (*PostgresQueue)(nil)

func (q *PostgresQueue) Enqueue(ctx context.Context, t Task) error {
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
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(t.Type),
		t.InstanceID,
		string(t.Step),
		t.Attempt,
		enqueuedAt.UnixNano(),
		notBefore.UnixNano(),
	)
	return err
}

func (q *PostgresQueue) Dequeue(ctx context.Context) (*Task, error) {
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

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresQueue) claimOne(ctx context.Context) (*Task, error) {
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
		WHERE not_before <= $1
		ORDER BY not_before, id
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, now)
	if err := row.Scan(&id, &typeStr, &instanceID, &step, &attempt, &enqueuedInt, &notBefore); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id); err != nil {
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

func (q *PostgresQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&n); err != nil {
		return 0
	}
	return n
}
