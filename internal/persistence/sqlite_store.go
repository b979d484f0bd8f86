package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/petrijr/orderflow/internal/migrations"
	"github.com/petrijr/orderflow/pkg/api"
)

// SQLiteInstanceStore is an InstanceStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing the
// driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteInstanceStore struct {
	db *sql.DB
}

// Ensure SQLiteInstanceStore implements InstanceStore.
var _ InstanceStore = (*SQLiteInstanceStore)(nil)

// NewSQLiteInstanceStore applies the schema migrations to the given
// database and returns a new SQLiteInstanceStore.
func NewSQLiteInstanceStore(db *sql.DB) (*SQLiteInstanceStore, error) {
	if err := migrations.Run(db, migrations.DialectSQLite); err != nil {
		return nil, err
	}
	return &SQLiteInstanceStore{db: db}, nil
}

func (s *SQLiteInstanceStore) SaveInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	now := time.Now()
	createdAt := inst.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := inst.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (id, order_id, status, current_step, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		inst.ID,
		inst.OrderID,
		string(inst.Status),
		string(inst.CurrentStep),
		createdAt.UnixNano(),
		updatedAt.UnixNano(),
	)
	return err
}

func (s *SQLiteInstanceStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET order_id = ?, status = ?, current_step = ?, updated_at = ?
		WHERE id = ?`,
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

func (s *SQLiteInstanceStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, order_id, status, current_step, created_at, updated_at
		FROM instances
		WHERE id = ?`,
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

func (s *SQLiteInstanceStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	query := `
		SELECT id, order_id, status, current_step, created_at, updated_at
		FROM instances`
	var args []any
	var clauses []string

	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.OrderID != "" {
		clauses = append(clauses, "order_id = ?")
		args = append(args, filter.OrderID)
	}

	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *SQLiteInstanceStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()

	res, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET lease_owner = ?, lease_expires_at = ?
		WHERE id = ?
		AND (
			lease_owner = ''
			OR lease_expires_at <= ?
			OR lease_owner = ?
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

func (s *SQLiteInstanceStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET lease_expires_at = ?
		WHERE id = ? AND lease_owner = ?`,
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

func (s *SQLiteInstanceStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET lease_owner = '', lease_expires_at = 0
		WHERE id = ? AND lease_owner = ?`,
		instanceID, owner,
	)
	return err
}

// scanInstance reads one instance row through the given scan function.
// Shared by the SQLite and Postgres stores, whose column layouts match.
func scanInstance(scan func(dest ...any) error) (*api.WorkflowInstance, error) {
	var (
		inst      api.WorkflowInstance
		status    string
		step      string
		createdAt int64
		updatedAt int64
	)
	if err := scan(&inst.ID, &inst.OrderID, &status, &step, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	inst.Status = api.Status(status)
	inst.CurrentStep = api.Step(step)
	inst.CreatedAt = time.Unix(0, createdAt)
	inst.UpdatedAt = time.Unix(0, updatedAt)
	return &inst, nil
}
