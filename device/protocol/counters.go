package protocol

import "sync/atomic"

// Counters tracks dispatcher statistics using atomic counters.
// All fields are safe for concurrent access.
type Counters struct {
	ControlRecv atomic.Uint32 // Control packets decoded
	ControlSent atomic.Uint32 // Control packets queued
	Conflicts   atomic.Uint32 // Address claims objected to or yielded
	Timeouts    atomic.Uint32 // Remote proxies unbound for silence
	Filtered    atomic.Uint32 // Frames dropped for a paired address
	Unhandled   atomic.Uint32 // Frames no driver accepted
	Malformed   atomic.Uint32 // Control frames that could not be decoded
	SendErrors  atomic.Uint32 // Frames the sender refused
}

// CountersSnapshot is a plain-value copy of Counters for reading.
type CountersSnapshot struct {
	ControlRecv uint32
	ControlSent uint32
	Conflicts   uint32
	Timeouts    uint32
	Filtered    uint32
	Unhandled   uint32
	Malformed   uint32
	SendErrors  uint32
}

// Snapshot returns a point-in-time copy of all counters.
func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		ControlRecv: c.ControlRecv.Load(),
		ControlSent: c.ControlSent.Load(),
		Conflicts:   c.Conflicts.Load(),
		Timeouts:    c.Timeouts.Load(),
		Filtered:    c.Filtered.Load(),
		Unhandled:   c.Unhandled.Load(),
		Malformed:   c.Malformed.Load(),
		SendErrors:  c.SendErrors.Load(),
	}
}
