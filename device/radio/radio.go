// Package radio carries application packets between bus clients and a
// radio-like medium.
//
// A Host is a local driver that owns the medium. Clients on the bus send
// radio packets to the host's address; the host puts them on the medium and
// echoes them back on the bus so every client hears them. Packets arriving
// from the medium are re-sent on the bus the same way. A short history of
// packet keys stops the medium from reflecting a packet back onto the bus.
//
// A Client is a remote proxy bound to a host. It retains a copy of every
// packet it sends until the host's echo confirms it, and queues received
// packets for its application id.
package radio

const (
	// DefaultQueue is the depth of a client's retained TX and RX queues.
	DefaultQueue = 10

	// EventSource is the event bus source clients fire on.
	EventSource uint16 = 0x0200
	// EventDataReady is fired when a client queues a received packet.
	EventDataReady uint16 = 1
)
