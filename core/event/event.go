// Package event is a small in-process notification bus. Components fire
// (source, value) pairs; listeners register for a specific pair or use
// AnySource / AnyValue as wildcards.
package event

import (
	"slices"
	"sync"
)

const (
	// AnySource matches events from every source.
	AnySource uint16 = 0
	// AnyValue matches every value from a source.
	AnyValue uint16 = 0
)

// Handler receives a fired event.
type Handler func(source, value uint16)

// ListenerID identifies a registration for Ignore.
type ListenerID uint64

type listener struct {
	id     ListenerID
	source uint16
	value  uint16
	fn     Handler
}

func (l listener) matches(source, value uint16) bool {
	return (l.source == AnySource || l.source == source) &&
		(l.value == AnyValue || l.value == value)
}

// Bus dispatches events to registered listeners. The zero value is ready to use.
type Bus struct {
	mu        sync.RWMutex
	next      ListenerID
	listeners []listener
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Listen registers fn for events matching source and value.
func (b *Bus) Listen(source, value uint16, fn Handler) ListenerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.listeners = append(b.listeners, listener{id: b.next, source: source, value: value, fn: fn})
	return b.next
}

// Ignore removes a registration. It reports whether one was found.
func (b *Bus) Ignore(id ListenerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, l := range b.listeners {
		if l.id == id {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Fire delivers an event synchronously to every matching listener, in
// registration order, and returns how many were called. Handlers may Listen
// or Ignore; the change takes effect from the next Fire.
func (b *Bus) Fire(source, value uint16) int {
	return b.FireExcept(source, value)
}

// FireExcept is Fire without the listeners in skip. Other goroutines firing
// the same event at the same time still reach every listener.
func (b *Bus) FireExcept(source, value uint16, skip ...ListenerID) int {
	b.mu.RLock()
	var matched []Handler
	for _, l := range b.listeners {
		if l.matches(source, value) && !slices.Contains(skip, l.id) {
			matched = append(matched, l.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range matched {
		fn(source, value)
	}
	return len(matched)
}

// Len returns the number of registrations.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}
