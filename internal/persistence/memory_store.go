package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/petrijr/orderflow/pkg/api"
)

// InMemoryStore is a goroutine-safe implementation of InstanceStore and
// EventStore backed by maps. It is non-durable and intended for tests
// and local development.
type InMemoryStore struct {
	mu        sync.RWMutex
	instances map[string]api.WorkflowInstance
	events    map[string][]api.Event
	leases    map[string]memLease
}

type memLease struct {
	owner     string
	expiresAt time.Time
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		instances: make(map[string]api.WorkflowInstance),
		events:    make(map[string][]api.Event),
		leases:    make(map[string]memLease),
	}
}

// Ensure InMemoryStore implements the interfaces.
var (
	_ InstanceStore = (*InMemoryStore)(nil)
	_ EventStore    = (*InMemoryStore)(nil)
)

func (s *InMemoryStore) SaveInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.instances[inst.ID] = *inst
	return nil
}

func (s *InMemoryStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; !ok {
		return api.ErrInstanceNotFound
	}

	s.instances[inst.ID] = *inst
	return nil
}

func (s *InMemoryStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, api.ErrInstanceNotFound
	}

	copied := inst
	return &copied, nil
}

func (s *InMemoryStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.WorkflowInstance

	for _, inst := range s.instances {
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		if filter.OrderID != "" && inst.OrderID != filter.OrderID {
			continue
		}
		copied := inst
		result = append(result, &copied)
	}

	return result, nil
}

func (s *InMemoryStore) Append(ctx context.Context, instanceID string, ev api.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.events[instanceID]
	if ev.Seq != int64(len(history))+1 {
		return api.ErrConflict
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	s.events[instanceID] = append(history, ev)
	return nil
}

func (s *InMemoryStore) ReadAll(ctx context.Context, instanceID string) ([]api.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.events[instanceID]
	out := make([]api.Event, len(history))
	copy(out, history)
	return out, nil
}

func (s *InMemoryStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	l, ok := s.leases[instanceID]
	if ok && l.owner != owner && l.expiresAt.After(now) {
		return false, nil
	}

	s.leases[instanceID] = memLease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[instanceID]
	if !ok || l.owner != owner {
		return ErrLeaseNotHeld
	}

	s.leases[instanceID] = memLease{owner: owner, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *InMemoryStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[instanceID]
	if !ok || l.owner != owner {
		return nil
	}

	delete(s.leases, instanceID)
	return nil
}
