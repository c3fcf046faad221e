package protocol

import (
	"fmt"
	"sync/atomic"

	"github.com/kabili207/pktserial-go/core"
	"github.com/kabili207/pktserial-go/core/codec"
)

// Driver is a service endpoint registered with a Protocol. Leaf drivers
// embed Base, which supplies everything but HandlePacket.
//
// The Protocol never holds its lock while calling into a Driver, so driver
// callbacks may freely call back into the Protocol.
type Driver interface {
	// HandlePacket receives a frame addressed to the driver's device.
	// Returning core.ErrCancelled lets dispatch continue with the next
	// candidate.
	HandlePacket(f *codec.Frame) error
	// HandleControlPacket receives control packets for the driver's address.
	HandleControlPacket(cp *codec.ControlPacket) error
	// QueueControlPacket sends the driver's HELLO.
	QueueControlPacket() error
	// DeviceConnected is called once the device holds a settled address:
	// a local claim completed, or a remote proxy bound to a peer.
	DeviceConnected(d core.Device) error
	// DeviceRemoved is called after the device lost its address.
	DeviceRemoved() error

	base() *Base
}

// Base carries the state the Protocol keeps for every driver: its class,
// its device record, and its slot. Construct it with NewLocal or NewRemote
// and embed the pointer in a leaf driver.
type Base struct {
	proto       atomic.Pointer[Protocol]
	class       uint32
	pinned      uint32
	promiscuous bool

	// Guarded by the owning Protocol's mutex once attached.
	dev  core.Device
	slot int
}

// NewLocal returns the base of a driver hosted on this node.
func NewLocal(class, serial uint32) *Base {
	return &Base{class: class, dev: core.NewLocalDevice(serial), slot: -1}
}

// NewRemote returns the base of a proxy for a service on another node. A
// non-zero serial pins the proxy to that peer; zero binds to the first
// peer advertising the class.
func NewRemote(class, serial uint32) *Base {
	return &Base{class: class, pinned: serial, dev: core.NewRemoteDevice(serial), slot: -1}
}

// SetPromiscuous makes the driver see every frame on the bus before normal
// dispatch. Must be called before Add.
func (b *Base) SetPromiscuous(on bool) {
	b.promiscuous = on
}

func (b *Base) base() *Base { return b }

// Class returns the driver class.
func (b *Base) Class() uint32 {
	return b.class
}

// Protocol returns the protocol the driver is registered with, or nil.
func (b *Base) Protocol() *Protocol {
	return b.proto.Load()
}

// Device returns a copy of the driver's device record.
func (b *Base) Device() core.Device {
	if p := b.proto.Load(); p != nil {
		p.mu.Lock()
		defer p.mu.Unlock()
	}
	return b.dev
}

// Slot returns the registry slot, or -1 when not registered.
func (b *Base) Slot() int {
	if p := b.proto.Load(); p != nil {
		p.mu.Lock()
		defer p.mu.Unlock()
	}
	return b.slot
}

// Send transmits data from the driver's address.
func (b *Base) Send(data []byte) error {
	d := b.Device()
	if d.Address == codec.ControlAddress {
		return fmt.Errorf("%w: device has no address", core.ErrInvalidParameter)
	}
	return b.SendTo(d.Address, data)
}

// SendTo transmits data to an arbitrary address.
func (b *Base) SendTo(address uint8, data []byte) error {
	p := b.proto.Load()
	if p == nil {
		return fmt.Errorf("%w: driver not registered", core.ErrInvalidParameter)
	}
	f, err := codec.NewFrame(address, data)
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrInvalidParameter, err)
	}
	return p.Send(f)
}

// HandleControlPacket is a no-op; address management happens in the
// Protocol itself.
func (b *Base) HandleControlPacket(*codec.ControlPacket) error {
	return nil
}

// QueueControlPacket advertises the device on the control address. A claim
// still in progress is marked uncertain.
func (b *Base) QueueControlPacket() error {
	p := b.proto.Load()
	if p == nil {
		return fmt.Errorf("%w: driver not registered", core.ErrInvalidParameter)
	}
	d := b.Device()
	if d.Address == codec.ControlAddress {
		return nil
	}
	cp := &codec.ControlPacket{
		Type:         codec.ControlTypeHello,
		Address:      d.Address,
		Flags:        d.AdvertisedFlags(),
		DeviceClass:  b.class,
		SerialNumber: d.SerialNumber,
	}
	if d.IsInitialising() {
		cp.Flags |= codec.ControlFlagUncertain
	}
	return p.SendControl(cp)
}

// DeviceConnected is a no-op.
func (b *Base) DeviceConnected(core.Device) error {
	return nil
}

// DeviceRemoved is a no-op.
func (b *Base) DeviceRemoved() error {
	return nil
}
