package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/orderflow/internal/migrations"
	"github.com/petrijr/orderflow/pkg/api"
)

// PostgresInstanceStore is an InstanceStore backed by PostgreSQL.
//
// It expects an *sql.DB using a Postgres driver (for example,
// "github.com/lib/pq").
type PostgresInstanceStore struct {
	db *sql.DB
}

// Ensure PostgresInstanceStore implements InstanceStore.
var _ InstanceStore = (*PostgresInstanceStore)(nil)

// NewPostgresInstanceStore applies the schema migrations to the given
// database and returns a new PostgresInstanceStore.
func NewPostgresInstanceStore(db *sql.DB) (*PostgresInstanceStore, error) {
	if err := migrations.Run(db, migrations.DialectPostgres); err != nil {
		return nil, err
	}
	return &PostgresInstanceStore{db: db}, nil
}

func (p *PostgresInstanceStore) SaveInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	now := time.Now()
	createdAt := inst.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := inst.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO instances (id, order_id, status, current_step, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		inst.ID,
		inst.OrderID,
		string(inst.Status),
		string(inst.CurrentStep),
		createdAt.UnixNano(),
		updatedAt.UnixNano(),
	)
	return err
}

func (p *PostgresInstanceStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE instances
		SET order_id = $1, status = $2, current_step = $3, updated_at = $4
		WHERE id = $5`,
		inst.OrderID,
		string(inst.Status),
		string(inst.CurrentStep),
		time.Now().UnixNano(),
		inst.ID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrInstanceNotFound
	}

	return nil
}

func (p *PostgresInstanceStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, order_id, status, current_step, created_at, updated_at
		FROM instances
		WHERE id = $1`,
		id,
	)

	inst, err := scanInstance(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, api.ErrInstanceNotFound
		}
		return nil, err
	}
	return inst, nil
}

func (p *PostgresInstanceStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	query := `
		SELECT id, order_id, status, current_step, created_at, updated_at
		FROM instances`
	var args []any
	var clauses []string

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.OrderID != "" {
		args = append(args, filter.OrderID)
		clauses = append(clauses, fmt.Sprintf("order_id = $%d", len(args)))
	}

	for i, clause := range clauses {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += " ORDER BY created_at, id"

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*api.WorkflowInstance

	for rows.Next() {
		inst, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}

	return instances, rows.Err()
}

func (p *PostgresInstanceStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()

	res, err := p.db.ExecContext(ctx, `
		UPDATE instances
		SET lease_owner = $1, lease_expires_at = $2
		WHERE id = $3
		AND (
			lease_owner = ''
			OR lease_expires_at <= $4
			OR lease_owner = $5
		)`,
		owner, now.Add(ttl).UnixNano(), instanceID, now.UnixNano(), owner,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *PostgresInstanceStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE instances
		SET lease_expires_at = $1
		WHERE id = $2 AND lease_owner = $3`,
		time.Now().Add(ttl).UnixNano(), instanceID, owner,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (p *PostgresInstanceStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE instances
		SET lease_owner = '', lease_expires_at = 0
		WHERE id = $1 AND lease_owner = $2`,
		instanceID, owner,
	)
	return err
}
