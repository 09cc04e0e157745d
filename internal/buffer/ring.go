// internal/buffer/ring.go
// Package buffer provides the fixed-capacity FIFO used for captured events.
package buffer

import "sync"

// Ring is a bounded append-only buffer. When full, the oldest entry is
// overwritten. Safe for concurrent use.
type Ring[T any] struct {
	mu       sync.Mutex
	entries  []T
	head     int // index of the next write once full
	capacity int
	total    int64
}

// NewRing creates a ring holding at most capacity entries
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{
		entries:  make([]T, 0, capacity),
		capacity: capacity,
	}
}

// Push appends one entry, evicting the oldest if at capacity
func (r *Ring[T]) Push(entry T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) < r.capacity {
		r.entries = append(r.entries, entry)
	} else {
		r.entries[r.head] = entry
	}
	r.head = (r.head + 1) % r.capacity
	r.total++
}

// Items returns a copy of the buffered entries, oldest first.
// Never returns nil.
func (r *Ring[T]) Items() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, len(r.entries))
	if len(r.entries) < r.capacity {
		copy(out, r.entries)
		return out
	}
	// Full: oldest entry sits at head
	n := copy(out, r.entries[r.head:])
	copy(out[n:], r.entries[:r.head])
	return out
}

// Len returns the number of buffered entries
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Cap returns the maximum number of entries
func (r *Ring[T]) Cap() int {
	return r.capacity
}

// Total returns how many entries were ever pushed, including evicted ones
func (r *Ring[T]) Total() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Reset drops all entries
func (r *Ring[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = r.entries[:0]
	r.head = 0
	r.total = 0
}
