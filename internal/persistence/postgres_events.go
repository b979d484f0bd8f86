package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/petrijr/orderflow/internal/migrations"
	"github.com/petrijr/orderflow/pkg/api"
)

// PostgresEventStore stores workflow history events in PostgreSQL.
type PostgresEventStore struct {
	db *sql.DB
}

// Ensure PostgresEventStore implements EventStore.
var _ EventStore = (*PostgresEventStore)(nil)

func NewPostgresEventStore(db *sql.DB) (*PostgresEventStore, error) {
	if err := migrations.Run(db, migrations.DialectPostgres); err != nil {
		return nil, err
	}
	return &PostgresEventStore{db: db}, nil
}

func (p *PostgresEventStore) Append(ctx context.Context, instanceID string, ev api.Event) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// The MAX check rejects gaps; writers racing on the same slot both
	// pass it and are then serialized by the primary key.
	var maxSeq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE instance_id = $1`,
		instanceID,
	).Scan(&maxSeq); err != nil {
		return err
	}
	if ev.Seq != maxSeq+1 {
		return api.ErrConflict
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (instance_id, seq, kind, step, attempt, permanent, needs_attention, detail, payload, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		instanceID,
		ev.Seq,
		string(ev.Kind),
		string(ev.Step),
		ev.Attempt,
		ev.Permanent,
		ev.NeedsAttention,
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

func (p *PostgresEventStore) ReadAll(ctx context.Context, instanceID string) ([]api.Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT seq, kind, step, attempt, permanent, needs_attention, detail, payload, at
		FROM events
		WHERE instance_id = $1
		ORDER BY seq ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.Event
	for rows.Next() {
		var (
			ev   api.Event
			kind string
			step string
			atN  int64
		)
		if err := rows.Scan(&ev.Seq, &kind, &step, &ev.Attempt, &ev.Permanent, &ev.NeedsAttention, &ev.Detail, &ev.Payload, &atN); err != nil {
			return nil, err
		}
		ev.Kind = api.EventKind(kind)
		ev.Step = api.Step(step)
		ev.At = time.Unix(0, atN)
		out = append(out, ev)
	}
	return out, rows.Err()
}
