package persistence

// Persistence bundles the store interfaces so the kernel can depend on
// a single abstraction.
type Persistence struct {
	Instances InstanceStore
	Events    EventStore
}
