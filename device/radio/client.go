package radio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/kabili207/pktserial-go/core"
	"github.com/kabili207/pktserial-go/core/codec"
	"github.com/kabili207/pktserial-go/core/dedupe"
	"github.com/kabili207/pktserial-go/core/event"
	"github.com/kabili207/pktserial-go/core/ring"
	"github.com/kabili207/pktserial-go/device/protocol"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// AppID selects which received packets are queued.
	AppID uint8

	// HostSerial pins the client to one host. Zero binds to any host.
	HostSerial uint32

	// Queue sets the retained TX and RX depths. Default: 10.
	Queue int

	// Events, if set, is told when a packet is queued.
	Events *event.Bus

	// Logger for radio events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Client is a proxy for a radio host elsewhere on the bus.
type Client struct {
	*protocol.Base

	appID  uint8
	log    *slog.Logger
	events *event.Bus
	tx     *ring.Ring[*codec.RadioPacket]
	rx     *ring.Ring[*codec.RadioPacket]
	seen   *dedupe.History

	mu     sync.Mutex
	nextID uint8
	// sending holds keys handed to the bus but not yet retained. The value
	// is set when the echo beats Send back.
	sending map[uint32]bool
}

// NewClient creates a radio client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Queue <= 0 {
		cfg.Queue = DefaultQueue
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		Base:   protocol.NewRemote(core.ClassRadio, cfg.HostSerial),
		appID:  cfg.AppID,
		log:    logger.WithGroup("radio"),
		events: cfg.Events,
		tx:     ring.New[*codec.RadioPacket](cfg.Queue),
		rx:     ring.New[*codec.RadioPacket](cfg.Queue),
		seen:   dedupe.New(dedupe.DefaultRadioHistory),

		sending: make(map[uint32]bool),
	}
}

// AppID returns the client's application id.
func (c *Client) AppID() uint8 {
	return c.appID
}

// Send transmits data to the host and retains a copy until the host echoes
// it. A copy is retained only once the bus accepts the packet; when the
// retained queue is full the oldest copy is dropped. It returns the packet
// id.
func (c *Client) Send(data []byte) (uint8, error) {
	if !c.Device().IsInitialised() {
		return 0, fmt.Errorf("%w: no radio host", core.ErrInvalidParameter)
	}
	pkt := &codec.RadioPacket{AppID: c.appID, ID: c.allocID(), Data: append([]byte(nil), data...)}
	raw, err := pkt.Encode()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", core.ErrInvalidParameter, err)
	}
	key := pkt.Key()
	c.mu.Lock()
	c.sending[key] = false
	c.mu.Unlock()

	err = c.Base.Send(raw)

	c.mu.Lock()
	defer c.mu.Unlock()
	echoed := c.sending[key]
	delete(c.sending, key)
	if err != nil {
		return 0, err
	}
	if !echoed && c.tx.PushEvict(pkt) {
		c.log.Debug("retained queue full, dropped oldest packet")
	}
	return pkt.ID, nil
}

// releaseLocked drops the retained copy of key, reporting whether it was
// ours.
func (c *Client) releaseLocked(key uint32) bool {
	if _, ok := c.sending[key]; ok {
		c.sending[key] = true
		return true
	}
	_, ok := c.tx.RemoveFunc(func(p *codec.RadioPacket) bool { return p.Key() == key })
	return ok
}

// allocID returns the next packet id not recently used by anyone on the bus.
func (c *Client) allocID() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	for range 256 {
		c.nextID++
		if !c.seen.Seen(uint32(c.appID)<<8 | uint32(c.nextID)) {
			break
		}
	}
	return c.nextID
}

// Pending returns the number of packets waiting for the host's echo.
func (c *Client) Pending() int {
	return c.tx.Len()
}

// Recv pops the oldest received packet.
func (c *Client) Recv() (*codec.RadioPacket, bool) {
	return c.rx.Pop()
}

// RecvID pops the received packet with the given id.
func (c *Client) RecvID(id uint8) (*codec.RadioPacket, bool) {
	return c.rx.RemoveFunc(func(p *codec.RadioPacket) bool { return p.ID == id })
}

// HandlePacket processes a packet from the host: an echo of our own packet
// releases the retained copy, and new packets for our application id are
// queued.
func (c *Client) HandlePacket(f *codec.Frame) error {
	pkt, err := codec.DecodeRadioPacket(f.Data)
	if err != nil {
		c.log.Debug("dropping non-radio packet", "error", err)
		return nil
	}

	key := pkt.Key()
	c.mu.Lock()
	released := c.releaseLocked(key)
	c.mu.Unlock()
	if released {
		c.seen.Add(key)
		return nil
	}
	// Another client's packet arrives twice: once addressed to the host and
	// once as the host's echo.
	if c.seen.HasSeen(key) {
		return nil
	}
	if pkt.AppID != c.appID {
		return nil
	}

	if c.rx.PushEvict(pkt) {
		c.log.Debug("receive queue full, dropped oldest packet")
	}
	if c.events != nil {
		c.events.Fire(EventSource, EventDataReady)
	}
	return nil
}

// DeviceRemoved drops retained copies; the host that would have echoed them
// is gone.
func (c *Client) DeviceRemoved() error {
	c.tx.Clear()
	return nil
}
