// Package dedupe remembers the ids of recently forwarded packets so a bridge
// or radio never relays the same packet twice and never echoes a packet back
// onto the medium it came from.
//
// A History is a small circular buffer. Inserts overwrite the oldest entry
// unconditionally and lookups are a linear scan.
package dedupe

import (
	"sync"

	"github.com/kabili207/pktserial-go/core/codec"
)

const (
	// DefaultBridgeHistory is the history depth used by bridge drivers.
	DefaultBridgeHistory = 8
	// DefaultRadioHistory is the history depth used by radio hosts.
	DefaultRadioHistory = 4
)

// History tracks recently seen packet ids.
type History struct {
	mu    sync.Mutex
	ids   []uint32
	valid []bool
	next  int
}

// New creates a history of the given depth. A depth below one is raised to one.
func New(size int) *History {
	if size < 1 {
		size = 1
	}
	return &History{
		ids:   make([]uint32, size),
		valid: make([]bool, size),
	}
}

// Seen reports whether id is in the history without recording it.
func (h *History) Seen(id uint32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seenLocked(id)
}

// Add records id, overwriting the oldest entry.
func (h *History) Add(id uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.addLocked(id)
}

// HasSeen checks if id has been seen before. If not, it records id and
// returns false. If it has been seen, it returns true and the history is
// unchanged.
func (h *History) HasSeen(id uint32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.seenLocked(id) {
		return true
	}
	h.addLocked(id)
	return false
}

// HasSeenFrame is HasSeen keyed on the frame's address and CRC.
func (h *History) HasSeenFrame(f *codec.Frame) bool {
	return h.HasSeen(f.ID())
}

// Len returns the history depth.
func (h *History) Len() int {
	return len(h.ids)
}

// Clear forgets every recorded id.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.ids)
	clear(h.valid)
	h.next = 0
}

func (h *History) seenLocked(id uint32) bool {
	for i, v := range h.ids {
		if h.valid[i] && v == id {
			return true
		}
	}
	return false
}

func (h *History) addLocked(id uint32) {
	h.ids[h.next] = id
	h.valid[h.next] = true
	h.next = (h.next + 1) % len(h.ids)
}
