package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/orderflow/pkg/api"
)

// ErrLeaseNotHeld is returned by RenewLease when the caller does not
// own the lease (it expired and was taken over, or was never acquired).
var ErrLeaseNotHeld = errors.New("lease not held")

// InstanceStore handles storage of workflow instances and the
// per-instance dispatch lease.
//
// The instance row is a cache over the event history; correctness never
// depends on it. The lease, however, is load-bearing: it is what keeps
// two workers from dispatching the same instance concurrently.
type InstanceStore interface {
	SaveInstance(ctx context.Context, inst *api.WorkflowInstance) error
	UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error)

	// TryAcquireLease attempts to acquire (or re-acquire) a lease on an
	// instance. If the instance is currently leased by another owner and
	// the lease has not expired, it returns acquired=false, err=nil.
	//
	// Implementations treat a lease owned by the same owner as
	// re-entrant.
	TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (acquired bool, err error)

	// RenewLease extends an existing lease owned by 'owner' for the
	// given ttl.
	RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error

	// ReleaseLease releases a lease if it is owned by 'owner'. It is
	// idempotent.
	ReleaseLease(ctx context.Context, instanceID, owner string) error
}

// InstanceFilter is used to select instances from the store.
// Empty string / zero status mean "no filter" for that field.
type InstanceFilter struct {
	Status  api.Status
	OrderID string
}
