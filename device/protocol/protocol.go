// Package protocol implements the driver registry and dispatcher that sits on
// top of the frame layer.
//
// Every service on a node is a Driver registered in one of MaxDrivers slots.
// Local drivers are hosted here and claim a bus address through the control
// logic: pick a random address, advertise it as uncertain, and settle after
// AddressAllocTime ticks unless a peer objects. Remote drivers are proxies
// that bind to a peer's advertised service by class (and optionally serial
// number) and are unbound again when the peer falls silent.
//
// Frames to the control address drive the control logic. All other frames
// go to the driver holding the frame's address.
package protocol

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kabili207/pktserial-go/core"
	"github.com/kabili207/pktserial-go/core/clock"
	"github.com/kabili207/pktserial-go/core/codec"
	"github.com/kabili207/pktserial-go/core/event"
	"github.com/kabili207/pktserial-go/device/link"
)

const (
	// MaxDrivers is the registry capacity.
	MaxDrivers = 20
	// MaxFilters bounds the set of addresses paired to other nodes.
	MaxFilters = 20
	// AddressAllocTime is how many ticks a tentative address is held before
	// it settles.
	AddressAllocTime = 254
	// CtrlPacketTime is the interval, in ticks, between HELLOs of a settled
	// local driver.
	CtrlPacketTime = 112
	// DriverTimeout is how many ticks a remote peer may stay silent before
	// its proxy is unbound.
	DriverTimeout = 254

	// maxTiming is the largest count a device's rolling counter can hold.
	maxTiming = 255
)

// EventSourceBase is the event bus source of slot 0; slot n fires from
// EventSourceBase+n.
const EventSourceBase uint16 = 0x0100

// EventKind describes a device lifecycle change.
type EventKind uint16

const (
	// EventClaiming: a local driver started probing an address.
	EventClaiming EventKind = iota + 1
	// EventConnected: a local claim settled or a remote proxy bound.
	EventConnected
	// EventDisconnected: a settled device lost its address.
	EventDisconnected
	// EventConflict: a local claim was abandoned because a peer objected.
	EventConflict
)

func (k EventKind) String() string {
	switch k {
	case EventClaiming:
		return "claiming"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// DeviceEvent reports a lifecycle change of one registered driver.
type DeviceEvent struct {
	Kind   EventKind
	Slot   int
	Class  uint32
	Device core.Device
}

// EventHandler observes device lifecycle changes.
type EventHandler func(ev DeviceEvent)

// FrameSender queues frames for transmission. *link.Link implements it.
type FrameSender interface {
	Send(f *codec.Frame) error
}

// Config configures a Protocol.
type Config struct {
	// Sender transmits frames. Attach sets it from a link.
	Sender FrameSender

	// Timings, in ticks. Values above 255 are clamped.
	AddressAllocTime int
	CtrlPacketTime   int
	DriverTimeout    int

	// Random picks candidate addresses. Defaults to the global source.
	Random clock.Random
	// Events, if set, receives lifecycle events as (EventSourceBase+slot, kind).
	Events *event.Bus

	// Logger for protocol events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Protocol is the driver registry and dispatcher for one node.
type Protocol struct {
	cfg      Config
	log      *slog.Logger
	counters Counters

	mu      sync.Mutex
	sender  FrameSender
	drivers [MaxDrivers]Driver
	filters []uint8
	onEvent EventHandler
}

// New creates a Protocol.
func New(cfg Config) *Protocol {
	cfg.AddressAllocTime = timing(cfg.AddressAllocTime, AddressAllocTime)
	cfg.CtrlPacketTime = timing(cfg.CtrlPacketTime, CtrlPacketTime)
	cfg.DriverTimeout = timing(cfg.DriverTimeout, DriverTimeout)
	if cfg.Random == nil {
		cfg.Random = clock.NewRandom()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Protocol{
		cfg:    cfg,
		log:    logger.WithGroup("protocol"),
		sender: cfg.Sender,
	}
}

func timing(v, def int) int {
	switch {
	case v <= 0:
		return def
	case v > maxTiming:
		return maxTiming
	default:
		return v
	}
}

// Attach makes l the protocol's frame sender and routes l's received frames
// and ticks into the protocol.
func (p *Protocol) Attach(l *link.Link) {
	p.mu.Lock()
	p.sender = l
	p.mu.Unlock()

	l.SetFrameHandler(p.HandleFrame)
	l.SetTickHandler(p.Tick)
}

// SetEventHandler sets the lifecycle observer.
func (p *Protocol) SetEventHandler(fn EventHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onEvent = fn
}

// Counters returns the protocol's statistics.
func (p *Protocol) Counters() *Counters {
	return &p.counters
}

// Add registers a driver in the first free slot. Local drivers start
// claiming an address on the next tick.
func (p *Protocol) Add(d Driver) error {
	if d == nil {
		return fmt.Errorf("%w: nil driver", core.ErrInvalidParameter)
	}
	b := d.base()
	if b == nil || (!b.dev.IsLocal() && !b.dev.IsRemote()) {
		return fmt.Errorf("%w: driver has no role", core.ErrInvalidParameter)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if b.proto.Load() != nil {
		return fmt.Errorf("%w: driver already registered", core.ErrInvalidParameter)
	}
	for i, slot := range p.drivers {
		if slot != nil {
			continue
		}
		p.drivers[i] = d
		b.slot = i
		b.proto.Store(p)
		p.log.Debug("driver added", "slot", i, "class", core.ClassName(b.class), "device", b.dev)
		return nil
	}
	return core.ErrNoResources
}

// Remove unregisters a driver and frees its slot. No lifecycle event fires.
func (p *Protocol) Remove(d Driver) error {
	if d == nil {
		return fmt.Errorf("%w: nil driver", core.ErrInvalidParameter)
	}
	b := d.base()
	if b == nil {
		return fmt.Errorf("%w: driver has no base", core.ErrInvalidParameter)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if b.proto.Load() != p || b.slot < 0 || p.drivers[b.slot] != d {
		return fmt.Errorf("%w: driver not registered", core.ErrInvalidParameter)
	}
	p.drivers[b.slot] = nil
	p.log.Debug("driver removed", "slot", b.slot, "class", core.ClassName(b.class))
	b.unbind()
	b.slot = -1
	b.proto.Store(nil)
	return nil
}

// Drivers returns the registered drivers in slot order.
func (p *Protocol) Drivers() []Driver {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Driver
	for _, d := range p.drivers {
		if d != nil {
			out = append(out, d)
		}
	}
	return out
}

// Send queues a frame for transmission.
func (p *Protocol) Send(f *codec.Frame) error {
	p.mu.Lock()
	sender := p.sender
	p.mu.Unlock()
	if sender == nil {
		return fmt.Errorf("%w: no sender", core.ErrInvalidParameter)
	}
	if err := sender.Send(f); err != nil {
		p.counters.SendErrors.Add(1)
		return err
	}
	return nil
}

// SendControl queues a control packet.
func (p *Protocol) SendControl(cp *codec.ControlPacket) error {
	if err := p.Send(cp.Frame()); err != nil {
		return err
	}
	p.counters.ControlSent.Add(1)
	return nil
}

// HandleFrame dispatches one received frame. Promiscuous drivers see it
// first; a promiscuous driver returning anything but core.ErrCancelled ends
// dispatch.
func (p *Protocol) HandleFrame(f *codec.Frame) {
	p.mu.Lock()
	var sniffers []Driver
	for _, d := range p.drivers {
		if d != nil && d.base().promiscuous {
			sniffers = append(sniffers, d)
		}
	}
	p.mu.Unlock()

	for _, d := range sniffers {
		err := d.HandlePacket(f)
		if !errors.Is(err, core.ErrCancelled) {
			if err != nil {
				p.log.Debug("promiscuous driver failed", "error", err)
			}
			return
		}
	}

	if f.Address == codec.ControlAddress {
		p.handleControlFrame(f)
		return
	}
	p.handleDataFrame(f)
}

func (p *Protocol) handleDataFrame(f *codec.Frame) {
	p.mu.Lock()
	if p.filteredLocked(f.Address) {
		p.mu.Unlock()
		p.counters.Filtered.Add(1)
		return
	}
	var targets []Driver
	for _, d := range p.drivers {
		if d == nil {
			continue
		}
		b := d.base()
		if !b.promiscuous && b.dev.IsInitialised() && b.dev.Address == f.Address {
			targets = append(targets, d)
		}
	}
	p.mu.Unlock()

	for _, d := range targets {
		err := d.HandlePacket(f)
		if errors.Is(err, core.ErrCancelled) {
			continue
		}
		if err != nil {
			p.log.Debug("driver failed to handle frame", "address", f.Address, "error", err)
		}
		return
	}
	p.counters.Unhandled.Add(1)
}

func (p *Protocol) handleControlFrame(f *codec.Frame) {
	cp, err := codec.DecodeControlPacket(f.Data)
	if err != nil {
		p.counters.Malformed.Add(1)
		p.log.Debug("malformed control packet", "error", err)
		return
	}
	p.counters.ControlRecv.Add(1)

	var q pending
	p.mu.Lock()
	p.handleControlLocked(cp, &q)
	p.mu.Unlock()
	q.run()
}

// Tick advances the control logic by one tick. It runs to completion for
// every slot before any HELLO is queued.
func (p *Protocol) Tick() {
	var q, hellos pending
	p.mu.Lock()
	p.tickLocked(&q, &hellos)
	p.mu.Unlock()
	q.run()
	hellos.run()
}

// emit reports a lifecycle change. Must be called with p.mu held; delivery
// is deferred to q.
func (p *Protocol) emit(q *pending, kind EventKind, d Driver) {
	b := d.base()
	ev := DeviceEvent{Kind: kind, Slot: b.slot, Class: b.class, Device: b.dev}
	handler := p.onEvent
	bus := p.cfg.Events

	p.log.Info("device "+kind.String(), "slot", ev.Slot, "class", core.ClassName(ev.Class), "device", ev.Device)
	q.add(func() {
		if handler != nil {
			handler(ev)
		}
		if bus != nil {
			bus.Fire(EventSourceBase+uint16(ev.Slot), uint16(kind))
		}
	})
}

// pending collects driver callbacks so they run after the lock is released.
type pending []func()

func (q *pending) add(fn func()) {
	*q = append(*q, fn)
}

func (q pending) run() {
	for _, fn := range q {
		fn()
	}
}
