// Package loopback provides an in-memory shared wire. Every Port attached to
// a Wire hears every frame sent by the other ports, which makes it the
// transport for simulated multi-node buses.
package loopback

import (
	"context"
	"sync"

	"github.com/kabili207/pktserial-go/transport"
)

// Compile-time interface check.
var _ transport.Transport = (*Port)(nil)

// Wire is a shared in-memory medium.
type Wire struct {
	mu      sync.RWMutex
	ports   []*Port
	tap     func(data []byte)
	corrupt func(data []byte) []byte
}

// NewWire creates an empty wire.
func NewWire() *Wire {
	return &Wire{}
}

// Attach creates a new port on the wire. The port delivers nothing until
// Start is called.
func (w *Wire) Attach() *Port {
	p := &Port{wire: w}
	w.mu.Lock()
	w.ports = append(w.ports, p)
	w.mu.Unlock()
	return p
}

// SetTap installs an observer called with every frame put on the wire.
func (w *Wire) SetTap(fn func(data []byte)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tap = fn
}

// SetCorrupt installs a function applied to every frame before delivery,
// for injecting wire errors. Returning nil drops the frame.
func (w *Wire) SetCorrupt(fn func(data []byte) []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.corrupt = fn
}

func (w *Wire) transmit(from *Port, data []byte) {
	w.mu.RLock()
	ports := append([]*Port(nil), w.ports...)
	tap := w.tap
	corrupt := w.corrupt
	w.mu.RUnlock()

	if tap != nil {
		tap(append([]byte(nil), data...))
	}
	if corrupt != nil {
		data = corrupt(append([]byte(nil), data...))
		if data == nil {
			return
		}
	}
	for _, p := range ports {
		if p == from {
			continue
		}
		p.deliver(append([]byte(nil), data...))
	}
}

// Port is one node's connection to a Wire.
type Port struct {
	wire *Wire

	mu           sync.RWMutex
	connected    bool
	frameHandler transport.FrameHandler
	stateHandler transport.StateHandler
}

// Start connects the port to the wire.
func (p *Port) Start(_ context.Context) error {
	p.mu.Lock()
	p.connected = true
	handler := p.stateHandler
	p.mu.Unlock()
	if handler != nil {
		handler(p, transport.EventConnected)
	}
	return nil
}

// Stop disconnects the port.
func (p *Port) Stop() error {
	p.mu.Lock()
	was := p.connected
	p.connected = false
	handler := p.stateHandler
	p.mu.Unlock()
	if was && handler != nil {
		handler(p, transport.EventDisconnected)
	}
	return nil
}

// IsConnected reports whether the port is started.
func (p *Port) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// SetFrameHandler sets the callback for received frames.
func (p *Port) SetFrameHandler(fn transport.FrameHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frameHandler = fn
}

// SetStateHandler sets the callback for transport state changes.
func (p *Port) SetStateHandler(fn transport.StateHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stateHandler = fn
}

// SendFrame delivers the frame to every other started port, synchronously,
// then reports EventTxComplete.
func (p *Port) SendFrame(data []byte) error {
	p.mu.RLock()
	connected := p.connected
	handler := p.stateHandler
	p.mu.RUnlock()
	if !connected {
		return transport.ErrNotConnected
	}

	p.wire.transmit(p, data)

	if handler != nil {
		handler(p, transport.EventTxComplete)
	}
	return nil
}

func (p *Port) deliver(data []byte) {
	p.mu.RLock()
	connected := p.connected
	handler := p.frameHandler
	p.mu.RUnlock()
	if connected && handler != nil {
		handler(data, transport.FrameSourceLoopback)
	}
}
