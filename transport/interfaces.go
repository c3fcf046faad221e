// Package transport provides the wire and medium interfaces the packet bus
// runs over, and their implementations.
//
// A Transport moves raw encoded frames. It never inspects them beyond what
// its own framing needs; validation belongs to the link layer.
package transport

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by SendFrame before Start or after Stop.
var ErrNotConnected = errors.New("not connected")

// Transport is the base interface for all transport implementations.
type Transport interface {
	// Start begins the transport's connection and message handling.
	// The provided context controls the transport's lifetime.
	Start(ctx context.Context) error
	// Stop gracefully shuts down the transport.
	Stop() error
	// IsConnected returns true if the transport is currently connected.
	IsConnected() bool
	// SetFrameHandler sets the callback for received frames.
	SetFrameHandler(fn FrameHandler)
	// SetStateHandler sets the callback for transport state changes.
	SetStateHandler(fn StateHandler)
	// SendFrame transmits one encoded frame. Transports that complete
	// transmission asynchronously report it with EventTxComplete.
	SendFrame(data []byte) error
}

// FrameHandler is called when a complete frame has been received. The slice
// is owned by the callee.
type FrameHandler func(data []byte, source FrameSource)

// StateHandler is called when the transport state changes.
type StateHandler func(transport Transport, event Event)

// Event represents transport state change events.
type Event int

const (
	// EventConnected is fired when the transport connects.
	EventConnected Event = iota
	// EventDisconnected is fired when the transport disconnects.
	EventDisconnected
	// EventReconnecting is fired when the transport is attempting to reconnect.
	EventReconnecting
	// EventError is fired when a wire error occurs.
	EventError
	// EventTxComplete is fired when the frame passed to SendFrame has left
	// the wire.
	EventTxComplete
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventError:
		return "error"
	case EventTxComplete:
		return "tx-complete"
	default:
		return "unknown"
	}
}

// FrameSource indicates where a frame originated from.
type FrameSource int

const (
	// FrameSourceSerial indicates the frame came from a serial connection.
	FrameSourceSerial FrameSource = iota
	// FrameSourceMQTT indicates the frame came from MQTT.
	FrameSourceMQTT
	// FrameSourceWebSocket indicates the frame came from a WebSocket peer.
	FrameSourceWebSocket
	// FrameSourceLoopback indicates the frame came from an in-memory wire.
	FrameSourceLoopback
	// FrameSourceLocal indicates the frame was originated by this node (TX).
	FrameSourceLocal
)

func (s FrameSource) String() string {
	switch s {
	case FrameSourceSerial:
		return "serial"
	case FrameSourceMQTT:
		return "mqtt"
	case FrameSourceWebSocket:
		return "websocket"
	case FrameSourceLoopback:
		return "loopback"
	case FrameSourceLocal:
		return "local"
	default:
		return "unknown"
	}
}
