package persistence

import (
	"context"

	"github.com/petrijr/orderflow/pkg/api"
)

// EventStore is the append-only history store. It is the source of
// truth for recovery: an event has "happened" only once Append has
// returned nil.
type EventStore interface {
	// Append durably records ev for the instance. ev.Seq must be
	// exactly one past the highest committed sequence number, otherwise
	// Append fails with api.ErrConflict and the caller must reread the
	// history and retry its decision. Sequence numbers are therefore
	// strictly increasing with no gaps, and committed events are never
	// mutated.
	Append(ctx context.Context, instanceID string, ev api.Event) error

	// ReadAll returns the full committed history of the instance in
	// sequence order. It reflects every append that has been
	// acknowledged.
	ReadAll(ctx context.Context, instanceID string) ([]api.Event, error)
}
