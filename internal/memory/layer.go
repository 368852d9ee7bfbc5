package memory

import "context"

// Layer is the uniform contract implemented by the four tiers.
//
// Retrieve returns (nil, nil) on a miss; a lazily expired entry counts as
// a miss and is removed as a side effect of the call. Entries returned by
// Retrieve and Query are the live instances owned by the tier; callers
// must not retain them across tier mutations.
type Layer interface {
	ID() LayerID

	Store(ctx context.Context, key string, value any, opts StoreOptions) (*Entry, error)
	Retrieve(ctx context.Context, key string) (*Entry, error)
	Query(ctx context.Context, q Query) ([]*Entry, error)
	Delete(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context) error

	Metrics() LayerMetrics

	// Compress runs the tier's compression policy over existing entries.
	// Tiers without a compression policy return ErrUnsupportedOperation.
	Compress(ctx context.Context) (CompressionReport, error)

	Validate(ctx context.Context) (ValidationSummary, error)
	Heal(ctx context.Context) (HealReport, error)
}

// Resolver maps a LayerID to its live tier. Implemented by the manager
// and consumed by engines that must not hold tier maps directly.
type Resolver interface {
	Layer(id LayerID) (Layer, error)
}
