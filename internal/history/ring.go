// Package history provides the bounded in-memory logs that hold events,
// assessments and response records for inspection.
package history

// Ring is a fixed-capacity log that keeps the most recent items. It is not
// safe for concurrent use; owners guard it with their own mutex.
type Ring[T any] struct {
	items []T
	start int
	size  int
	total int64
}

// NewRing creates a ring holding up to capacity items (minimum 1).
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Add appends v, evicting the oldest item when full.
func (r *Ring[T]) Add(v T) {
	r.total++
	if r.size < len(r.items) {
		r.items[(r.start+r.size)%len(r.items)] = v
		r.size++
		return
	}
	r.items[r.start] = v
	r.start = (r.start + 1) % len(r.items)
}

// Len returns the number of retained items.
func (r *Ring[T]) Len() int { return r.size }

// Cap returns the capacity.
func (r *Ring[T]) Cap() int { return len(r.items) }

// Total returns the number of items ever added, including evicted ones.
func (r *Ring[T]) Total() int64 { return r.total }

// Items returns retained items oldest first.
func (r *Ring[T]) Items() []T {
	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(r.start+i)%len(r.items)]
	}
	return out
}

// Tail returns up to n of the most recent items, oldest first. n <= 0 returns all.
func (r *Ring[T]) Tail(n int) []T {
	items := r.Items()
	if n <= 0 || n >= len(items) {
		return items
	}
	return items[len(items)-n:]
}

// Filter returns the retained items matching keep, oldest first.
func (r *Ring[T]) Filter(keep func(T) bool) []T {
	var out []T
	for i := 0; i < r.size; i++ {
		v := r.items[(r.start+i)%len(r.items)]
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}
