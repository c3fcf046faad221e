// Package ring provides a fixed-capacity FIFO used for the bus RX and TX
// queues and for the retained radio packets. Pushing onto a full ring is an
// error; nothing is ever silently overwritten unless the caller asks for it.
package ring

import (
	"errors"
	"sync"
)

// ErrFull is returned by Push when the ring is at capacity.
var ErrFull = errors.New("ring full")

// Ring is a bounded FIFO safe for concurrent use.
type Ring[T any] struct {
	mu    sync.Mutex
	items []T
	head  int
	count int
}

// New creates a ring holding at most capacity items. A capacity below one
// is raised to one.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push appends v, returning ErrFull when there is no room.
func (r *Ring[T]) Push(v T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == len(r.items) {
		return ErrFull
	}
	r.items[(r.head+r.count)%len(r.items)] = v
	r.count++
	return nil
}

// PushEvict appends v, dropping the oldest item when full. It reports
// whether an item was evicted.
func (r *Ring[T]) PushEvict(v T) (evicted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == len(r.items) {
		r.popLocked()
		evicted = true
	}
	r.items[(r.head+r.count)%len(r.items)] = v
	r.count++
	return evicted
}

// Pop removes and returns the oldest item.
func (r *Ring[T]) Pop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		var zero T
		return zero, false
	}
	return r.popLocked(), true
}

// Peek returns the oldest item without removing it.
func (r *Ring[T]) Peek() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		var zero T
		return zero, false
	}
	return r.items[r.head], true
}

// RemoveFunc removes the first item for which match returns true, keeping
// the order of the rest.
func (r *Ring[T]) RemoveFunc(match func(T) bool) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	for i := range r.count {
		idx := (r.head + i) % len(r.items)
		if !match(r.items[idx]) {
			continue
		}
		found := r.items[idx]
		for j := i; j < r.count-1; j++ {
			r.items[(r.head+j)%len(r.items)] = r.items[(r.head+j+1)%len(r.items)]
		}
		r.count--
		r.items[(r.head+r.count)%len(r.items)] = zero
		return found, true
	}
	return zero, false
}

// Len returns the number of queued items.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the capacity.
func (r *Ring[T]) Cap() int {
	return len(r.items)
}

// Full reports whether Push would fail.
func (r *Ring[T]) Full() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count == len(r.items)
}

// Clear drops every item.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.items)
	r.head = 0
	r.count = 0
}

func (r *Ring[T]) popLocked() T {
	var zero T
	v := r.items[r.head]
	r.items[r.head] = zero
	r.head = (r.head + 1) % len(r.items)
	r.count--
	return v
}
