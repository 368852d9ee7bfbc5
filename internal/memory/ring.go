package memory

// Ring is a bounded append-only history buffer. When the number of held
// items reaches cap, the oldest items are dropped down to the low
// watermark in one step, mirroring the splice-trim behavior of histories
// like the operation log (10000 -> 5000) and the multiplier history
// (1000 -> 500).
type Ring[T any] struct {
	items []T
	cap   int
	low   int
}

// NewRing creates a ring trimmed to low items whenever it reaches cap.
func NewRing[T any](capacity, low int) *Ring[T] {
	if low <= 0 || low > capacity {
		low = capacity / 2
	}
	return &Ring[T]{cap: capacity, low: low}
}

// Append adds an item, trimming the oldest items on overflow.
func (r *Ring[T]) Append(item T) {
	r.items = append(r.items, item)
	if len(r.items) >= r.cap {
		keep := r.items[len(r.items)-r.low:]
		r.items = append(make([]T, 0, r.cap), keep...)
	}
}

// Len returns the number of held items.
func (r *Ring[T]) Len() int { return len(r.items) }

// Items returns the held items oldest-first. The returned slice is the
// ring's backing store; callers must not mutate it.
func (r *Ring[T]) Items() []T { return r.items }

// Last returns up to n most recent items, oldest-first.
func (r *Ring[T]) Last(n int) []T {
	if n >= len(r.items) {
		return r.items
	}
	return r.items[len(r.items)-n:]
}
