// Package buffer provides a bounded FIFO used to cache the most recent
// worker results of a session.
package buffer

import (
	"sync"
)

// Ring is a thread-safe bounded buffer that keeps the most recent items up to
// a fixed capacity. When a push would exceed the capacity, the oldest items
// are discarded. Items keep insertion order.
type Ring[T any] struct {
	items    []T
	capacity int
	mu       sync.RWMutex
}

// NewRing creates a new Ring with the specified capacity.
// The capacity must be greater than 0; if not, it defaults to 1.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{
		items:    make([]T, 0, capacity),
		capacity: capacity,
	}
}

// Push appends items at the tail and drops from the head until the buffer is
// back within capacity. It returns the number of items dropped.
func (r *Ring[T]) Push(items ...T) int {
	if len(items) == 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.items = append(r.items, items...)
	overflow := len(r.items) - r.capacity
	if overflow <= 0 {
		return 0
	}

	// Copy into a fresh slice so the dropped head can be collected.
	kept := make([]T, r.capacity, r.capacity)
	copy(kept, r.items[overflow:])
	r.items = kept
	return overflow
}

// Snapshot returns a copy of all items currently in the buffer, oldest first.
// The result is never nil.
func (r *Ring[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]T, len(r.items))
	copy(result, r.items)
	return result
}

// Clear removes all items from the buffer.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items = make([]T, 0, r.capacity)
}

// Len returns the current number of items in the buffer.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.items)
}

// Cap returns the capacity of the buffer.
func (r *Ring[T]) Cap() int {
	return r.capacity
}
