package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/lib/pq"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/petrijr/orderflow/internal/migrations"
	"github.com/petrijr/orderflow/pkg/api"
)

// SQLiteEventStore stores workflow history events in SQLite.
type SQLiteEventStore struct {
	db *sql.DB
}

// Ensure SQLiteEventStore implements EventStore.
var _ EventStore = (*SQLiteEventStore)(nil)

func NewSQLiteEventStore(db *sql.DB) (*SQLiteEventStore, error) {
	if err := migrations.Run(db, migrations.DialectSQLite); err != nil {
		return nil, err
	}
	return &SQLiteEventStore{db: db}, nil
}

func (s *SQLiteEventStore) Append(ctx context.Context, instanceID string, ev api.Event) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Optimistic concurrency: the new event must extend the committed
	// history by exactly one. The (instance_id, seq) primary key backs
	// this up against writers racing on the same slot.
	var maxSeq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE instance_id = ?`,
		instanceID,
	).Scan(&maxSeq); err != nil {
		return err
	}
	if ev.Seq != maxSeq+1 {
		return api.ErrConflict
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (instance_id, seq, kind, step, attempt, permanent, needs_attention, detail, payload, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		instanceID,
		ev.Seq,
		string(ev.Kind),
		string(ev.Step),
		ev.Attempt,
		boolToInt(ev.Permanent),
		boolToInt(ev.NeedsAttention),
		ev.Detail,
		ev.Payload,
		at.UnixNano(),
	); err != nil {
		if isUniqueViolation(err) {
			return api.ErrConflict
		}
		return err
	}

	return tx.Commit()
}

func (s *SQLiteEventStore) ReadAll(ctx context.Context, instanceID string) ([]api.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, kind, step, attempt, permanent, needs_attention, detail, payload, at
		FROM events
		WHERE instance_id = ?
		ORDER BY seq ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.Event
	for rows.Next() {
		var (
			ev        api.Event
			kind      string
			step      string
			permanent int
			attention int
			atN       int64
		)
		if err := rows.Scan(&ev.Seq, &kind, &step, &ev.Attempt, &permanent, &attention, &ev.Detail, &ev.Payload, &atN); err != nil {
			return nil, err
		}
		ev.Kind = api.EventKind(kind)
		ev.Step = api.Step(step)
		ev.Permanent = permanent != 0
		ev.NeedsAttention = attention != 0
		ev.At = time.Unix(0, atN)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation detects primary key violations from either driver
// through their typed errors; the text match stays as a fallback for
// layers that flatten the driver error into a plain string.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY ||
			se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}

	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}

	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") ||
		strings.Contains(msg, "duplicate key")
}
