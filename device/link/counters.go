package link

import "sync/atomic"

// Counters tracks frame layer statistics using atomic counters.
// All fields are safe for concurrent access.
type Counters struct {
	FramesRecv    atomic.Uint32 // Valid frames handed to the frame handler
	FramesSent    atomic.Uint32 // Frames whose transmission completed
	CRCErrors     atomic.Uint32 // Received frames failing the checksum
	BusErrors     atomic.Uint32 // Malformed frames, transport errors, failed writes
	TxTimeouts    atomic.Uint32 // Transmit attempts that did not complete in time
	TxRetries     atomic.Uint32 // Re-attempts after a timeout
	TxDropped     atomic.Uint32 // Frames abandoned after the last retry
	RxOverflow    atomic.Uint32 // Valid frames dropped because the RX queue was full
	EventsDropped atomic.Uint32 // Producer events lost because the event queue was full
}

// CountersSnapshot is a plain-value copy of Counters for reading.
type CountersSnapshot struct {
	FramesRecv    uint32
	FramesSent    uint32
	CRCErrors     uint32
	BusErrors     uint32
	TxTimeouts    uint32
	TxRetries     uint32
	TxDropped     uint32
	RxOverflow    uint32
	EventsDropped uint32
}

// Snapshot returns a point-in-time copy of all counters.
func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		FramesRecv:    c.FramesRecv.Load(),
		FramesSent:    c.FramesSent.Load(),
		CRCErrors:     c.CRCErrors.Load(),
		BusErrors:     c.BusErrors.Load(),
		TxTimeouts:    c.TxTimeouts.Load(),
		TxRetries:     c.TxRetries.Load(),
		TxDropped:     c.TxDropped.Load(),
		RxOverflow:    c.RxOverflow.Load(),
		EventsDropped: c.EventsDropped.Load(),
	}
}

// Reset zeroes all counters.
func (c *Counters) Reset() {
	c.FramesRecv.Store(0)
	c.FramesSent.Store(0)
	c.CRCErrors.Store(0)
	c.BusErrors.Store(0)
	c.TxTimeouts.Store(0)
	c.TxRetries.Store(0)
	c.TxDropped.Store(0)
	c.RxOverflow.Store(0)
	c.EventsDropped.Store(0)
}
