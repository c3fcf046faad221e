// Package messagebus mirrors selected events of the local event bus onto the
// packet bus, and fires events received from peer message-bus services
// locally.
//
// A Service listens promiscuously: it learns the addresses of peer services
// from their HELLOs and accepts event packets from any of them. Events it
// fires on behalf of a peer are not forwarded back onto the wire.
package messagebus

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/kabili207/pktserial-go/core"
	"github.com/kabili207/pktserial-go/core/clock"
	"github.com/kabili207/pktserial-go/core/codec"
	"github.com/kabili207/pktserial-go/core/event"
	"github.com/kabili207/pktserial-go/device/protocol"
)

// Config configures a Service.
type Config struct {
	// Events is the local event bus. Required.
	Events *event.Bus

	// SerialNumber identifies the service on the bus.
	SerialNumber uint32

	// Clock stamps outgoing events. Defaults to a clock started at New.
	Clock *clock.Clock

	// Logger for message bus events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

type registration struct {
	source uint16
	value  uint16
}

// Service is the message bus driver.
type Service struct {
	*protocol.Base

	log    *slog.Logger
	events *event.Bus
	clock  *clock.Clock

	mu        sync.Mutex
	listeners map[registration]event.ListenerID
	peers     map[uint8]uint32

	sent     atomic.Uint32
	received atomic.Uint32
}

// New creates a message bus service.
func New(cfg Config) (*Service, error) {
	if cfg.Events == nil {
		return nil, fmt.Errorf("%w: message bus needs an event bus", core.ErrInvalidParameter)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		Base:      protocol.NewLocal(core.ClassMessageBus, cfg.SerialNumber),
		log:       logger.WithGroup("messagebus"),
		events:    cfg.Events,
		clock:     cfg.Clock,
		listeners: make(map[registration]event.ListenerID),
		peers:     make(map[uint8]uint32),
	}
	s.SetPromiscuous(true)
	return s, nil
}

// Listen forwards local events matching source and value onto the bus.
// event.AnySource and event.AnyValue act as wildcards. Listening twice for
// the same pair is a no-op.
func (s *Service) Listen(source, value uint16) {
	reg := registration{source, value}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listeners[reg]; ok {
		return
	}
	s.listeners[reg] = s.events.Listen(source, value, s.forward)
}

// Ignore stops forwarding a pair registered with Listen.
func (s *Service) Ignore(source, value uint16) error {
	reg := registration{source, value}
	s.mu.Lock()
	id, ok := s.listeners[reg]
	delete(s.listeners, reg)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: not listening for %d/%d", core.ErrInvalidParameter, source, value)
	}
	s.events.Ignore(id)
	return nil
}

// Peers returns the number of peer services seen.
func (s *Service) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Sent returns the number of events put on the bus.
func (s *Service) Sent() uint32 {
	return s.sent.Load()
}

// Received returns the number of events fired on behalf of peers.
func (s *Service) Received() uint32 {
	return s.received.Load()
}

func (s *Service) forward(source, value uint16) {
	ev := codec.Event{Source: source, Value: value, Timestamp: s.clock.Millis()}
	if err := s.Send(ev.Encode()); err != nil {
		s.log.Debug("event not forwarded", "source", source, "value", value, "error", err)
		return
	}
	s.sent.Add(1)
}

// HandlePacket sees every frame. Control frames update the peer table;
// event packets from a peer are fired locally. Dispatch always continues.
func (s *Service) HandlePacket(f *codec.Frame) error {
	if f.Address == codec.ControlAddress {
		s.observeControl(f)
		return core.ErrCancelled
	}

	s.mu.Lock()
	_, peer := s.peers[f.Address]
	s.mu.Unlock()
	if !peer {
		return core.ErrCancelled
	}

	ev, err := codec.DecodeEvent(f.Data)
	if err != nil {
		s.log.Debug("malformed event packet", "address", f.Address, "error", err)
		return core.ErrCancelled
	}
	s.received.Add(1)

	// Our own listeners are skipped so the event does not go back out.
	s.mu.Lock()
	own := slices.Collect(maps.Values(s.listeners))
	s.mu.Unlock()
	s.events.FireExcept(ev.Source, ev.Value, own...)
	return core.ErrCancelled
}

func (s *Service) observeControl(f *codec.Frame) {
	cp, err := codec.DecodeControlPacket(f.Data)
	if err != nil || cp.Has(codec.ControlFlagConflict) {
		return
	}
	own := s.Device()

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case cp.DeviceClass != core.ClassMessageBus || cp.SerialNumber == own.SerialNumber:
		delete(s.peers, cp.Address)
	case cp.Has(codec.ControlFlagUncertain):
		// Tentative claims may still move.
	default:
		if _, ok := s.peers[cp.Address]; !ok {
			s.log.Debug("message bus peer", "address", cp.Address, "serial", cp.SerialNumber)
		}
		s.peers[cp.Address] = cp.SerialNumber
	}
}
