package radio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kabili207/pktserial-go/core"
	"github.com/kabili207/pktserial-go/core/codec"
	"github.com/kabili207/pktserial-go/core/event"
	"github.com/kabili207/pktserial-go/device/protocol"
	"github.com/kabili207/pktserial-go/transport"
	"github.com/kabili207/pktserial-go/transport/loopback"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// bus delivers every frame synchronously to every other protocol.
type bus struct {
	protos []*protocol.Protocol
}

type busPort struct {
	b    *bus
	self int
}

func (p *busPort) Send(f *codec.Frame) error {
	for i, proto := range p.b.protos {
		if i != p.self {
			proto.HandleFrame(f.Clone())
		}
	}
	return nil
}

func (b *bus) join() *protocol.Protocol {
	port := &busPort{b: b, self: len(b.protos)}
	p := protocol.New(protocol.Config{Sender: port, AddressAllocTime: 1, Logger: quiet})
	b.protos = append(b.protos, p)
	return p
}

// medium is the far end of the host's medium. Packets arrive from the
// host's queue writer.
type medium struct {
	far *loopback.Port

	mu       sync.Mutex
	received [][]byte
}

func (m *medium) packets() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.received...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

type fixture struct {
	host    *Host
	clients []*Client
	medium  *medium
	events  *event.Bus
}

func newFixture(t *testing.T, appIDs ...uint8) *fixture {
	t.Helper()
	b := &bus{}
	wire := loopback.NewWire()
	fx := &fixture{medium: &medium{far: wire.Attach()}, events: event.New()}

	fx.medium.far.SetFrameHandler(func(data []byte, _ transport.FrameSource) {
		fx.medium.mu.Lock()
		defer fx.medium.mu.Unlock()
		fx.medium.received = append(fx.medium.received, data)
	})
	fx.medium.far.Start(context.Background())

	host, err := NewHost(HostConfig{Medium: wire.Attach(), SerialNumber: 1, Logger: quiet})
	if err != nil {
		t.Fatal(err)
	}
	if err := host.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { host.Stop() })
	hostProto := b.join()
	hostProto.Add(host)
	fx.host = host

	for i, app := range appIDs {
		c := NewClient(ClientConfig{AppID: app, Events: fx.events, Logger: quiet})
		p := b.join()
		if err := p.Add(c); err != nil {
			t.Fatal(err)
		}
		if _, err := c.Send([]byte{1}); !errors.Is(err, core.ErrInvalidParameter) {
			t.Errorf("client %d Send() before binding error = %v, want ErrInvalidParameter", i, err)
		}
		fx.clients = append(fx.clients, c)
	}

	// Settle the host; its HELLO binds every client.
	hostProto.Tick()
	hostProto.Tick()
	for i, c := range fx.clients {
		if got := c.Device(); got.Address != host.Device().Address || !got.IsInitialised() {
			t.Fatalf("client %d = %v, want bound to host at %d", i, got, host.Device().Address)
		}
	}
	return fx
}

func TestClientToClient(t *testing.T) {
	fx := newFixture(t, 7, 7, 8)
	a, b, other := fx.clients[0], fx.clients[1], fx.clients[2]

	ready := 0
	fx.events.Listen(EventSource, EventDataReady, func(uint16, uint16) { ready++ })

	id, err := a.Send([]byte("hi"))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if a.Pending() != 0 {
		t.Errorf("sender Pending() = %d, want 0 after the echo", a.Pending())
	}
	if _, ok := a.Recv(); ok {
		t.Error("sender received its own packet")
	}

	got, ok := b.Recv()
	if !ok {
		t.Fatal("peer received nothing")
	}
	if got.ID != id || got.AppID != 7 || !bytes.Equal(got.Data, []byte("hi")) {
		t.Errorf("peer packet = %+v", got)
	}
	if _, ok := b.Recv(); ok {
		t.Error("peer received the packet twice")
	}
	if _, ok := other.Recv(); ok {
		t.Error("client with another app id received the packet")
	}
	if ready != 1 {
		t.Errorf("data ready events = %d, want 1", ready)
	}

	waitFor(t, "medium packet", func() bool { return len(fx.medium.packets()) == 1 })
	pkt, err := codec.DecodeRadioPacket(fx.medium.packets()[0])
	if err != nil || pkt.ID != id {
		t.Errorf("medium packet = %+v, %v", pkt, err)
	}
}

func TestPeerAvoidsSeenIDs(t *testing.T) {
	fx := newFixture(t, 7, 7)
	a, b := fx.clients[0], fx.clients[1]

	idA, _ := a.Send([]byte{1})
	idB, err := b.Send([]byte{2})
	if err != nil {
		t.Fatal(err)
	}
	if idA == idB {
		t.Fatalf("both clients used id %d", idA)
	}
	got, ok := a.Recv()
	if !ok || got.ID != idB {
		t.Errorf("a received %+v, want id %d", got, idB)
	}
}

func TestMediumToBus(t *testing.T) {
	fx := newFixture(t, 7)
	c := fx.clients[0]

	in := &codec.RadioPacket{AppID: 7, ID: 200, Data: []byte{5, 6}}
	raw, _ := in.Encode()
	fx.medium.far.SendFrame(raw)

	got, ok := c.Recv()
	if !ok || got.ID != 200 || !bytes.Equal(got.Data, []byte{5, 6}) {
		t.Fatalf("client received %+v, %v", got, ok)
	}

	// The medium reflecting the same packet is suppressed.
	fx.medium.far.SendFrame(raw)
	if _, ok := c.Recv(); ok {
		t.Error("reflected packet delivered again")
	}
	if got := fx.host.Counters().Duplicates.Load(); got != 1 {
		t.Errorf("Duplicates = %d, want 1", got)
	}
	if got := fx.host.Counters().FromMedium.Load(); got != 1 {
		t.Errorf("FromMedium = %d, want 1", got)
	}
}

func TestMediumBadMagic(t *testing.T) {
	fx := newFixture(t, 7)
	fx.medium.far.SendFrame([]byte{7, 1, 0xFF, 0xFF, 9})
	if _, ok := fx.clients[0].Recv(); ok {
		t.Error("packet without magic delivered")
	}
	if got := fx.host.Counters().Invalid.Load(); got != 1 {
		t.Errorf("Invalid = %d, want 1", got)
	}
}

func TestHostIgnoresEchoFromMedium(t *testing.T) {
	fx := newFixture(t, 7, 7)
	a, b := fx.clients[0], fx.clients[1]
	a.Send([]byte{1})
	b.Recv()

	// The medium hands our own packet back.
	waitFor(t, "medium packet", func() bool { return len(fx.medium.packets()) == 1 })
	fx.medium.far.SendFrame(fx.medium.packets()[0])
	if _, ok := b.Recv(); ok {
		t.Error("packet looped back from the medium")
	}
}

// sink is a bus that swallows everything, or refuses it while err is set.
type sink struct {
	err error
}

func (s *sink) Send(*codec.Frame) error { return s.err }

func boundClient(t *testing.T, queue int) *Client {
	t.Helper()
	return boundClientOn(t, queue, &sink{})
}

func boundClientOn(t *testing.T, queue int, s *sink) *Client {
	t.Helper()
	p := protocol.New(protocol.Config{Sender: s, Logger: quiet})
	c := NewClient(ClientConfig{AppID: 3, Queue: queue, Logger: quiet})
	if err := p.Add(c); err != nil {
		t.Fatal(err)
	}
	cp := &codec.ControlPacket{Type: codec.ControlTypeHello, Address: 30, DeviceClass: core.ClassRadio, SerialNumber: 9}
	p.HandleFrame(cp.Frame())
	if !c.Device().IsInitialised() {
		t.Fatalf("client = %v, want bound", c.Device())
	}
	return c
}

func TestRetainedQueueEvicts(t *testing.T) {
	c := boundClient(t, 2)
	for i := 0; i < 3; i++ {
		if _, err := c.Send([]byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	if c.Pending() != 2 {
		t.Errorf("Pending() = %d, want 2", c.Pending())
	}

	if err := c.DeviceRemoved(); err != nil {
		t.Fatal(err)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() after removal = %d, want 0", c.Pending())
	}
}

func TestFailedSendKeepsRetainedCopies(t *testing.T) {
	s := &sink{}
	c := boundClientOn(t, 2, s)
	first, err := c.Send([]byte{0})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Send([]byte{1}); err != nil {
		t.Fatal(err)
	}

	s.err = errors.New("bus busy")
	if _, err := c.Send([]byte{2}); err == nil {
		t.Fatal("Send() error = nil, want the bus error")
	}
	if c.Pending() != 2 {
		t.Fatalf("Pending() = %d, want 2", c.Pending())
	}

	// The oldest copy is still there for its echo to release.
	pkt := &codec.RadioPacket{AppID: 3, ID: first, Data: []byte{0}}
	raw, _ := pkt.Encode()
	f, _ := codec.NewFrame(30, raw)
	c.HandlePacket(f)
	if c.Pending() != 1 {
		t.Errorf("Pending() after echo = %d, want 1", c.Pending())
	}
	if _, ok := c.Recv(); ok {
		t.Error("echo of our own packet was queued for receive")
	}
}

func TestSendTooLarge(t *testing.T) {
	c := boundClient(t, 0)
	if _, err := c.Send(make([]byte, codec.MaxRadioPayload+1)); !errors.Is(err, core.ErrInvalidParameter) {
		t.Errorf("Send() error = %v, want ErrInvalidParameter", err)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", c.Pending())
	}
}

func TestRecvID(t *testing.T) {
	c := boundClient(t, 0)
	for _, id := range []uint8{10, 11, 12} {
		pkt := &codec.RadioPacket{AppID: 3, ID: id, Data: []byte{id}}
		raw, _ := pkt.Encode()
		f, _ := codec.NewFrame(30, raw)
		c.HandlePacket(f)
	}

	got, ok := c.RecvID(11)
	if !ok || got.ID != 11 {
		t.Fatalf("RecvID(11) = %+v, %v", got, ok)
	}
	got, ok = c.Recv()
	if !ok || got.ID != 10 {
		t.Errorf("Recv() = %+v, want id 10", got)
	}
	if _, ok := c.RecvID(11); ok {
		t.Error("RecvID(11) found a packet twice")
	}
}

func TestNewHostRequiresMedium(t *testing.T) {
	if _, err := NewHost(HostConfig{}); !errors.Is(err, core.ErrInvalidParameter) {
		t.Errorf("NewHost() error = %v, want ErrInvalidParameter", err)
	}
}

// stalledMedium never completes a write until released.
type stalledMedium struct {
	release   chan struct{}
	mu        sync.Mutex
	connected bool
}

func (m *stalledMedium) Start(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *stalledMedium) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *stalledMedium) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *stalledMedium) SetFrameHandler(transport.FrameHandler) {}
func (m *stalledMedium) SetStateHandler(transport.StateHandler) {}

func (m *stalledMedium) SendFrame([]byte) error {
	<-m.release
	return nil
}

func TestStalledMediumStillEchoes(t *testing.T) {
	b := &bus{}
	medium := &stalledMedium{release: make(chan struct{})}
	host, err := NewHost(HostConfig{Medium: medium, SerialNumber: 1, Queue: 2, Logger: quiet})
	if err != nil {
		t.Fatal(err)
	}
	host.Start(context.Background())
	t.Cleanup(func() {
		close(medium.release)
		host.Stop()
	})
	hostProto := b.join()
	hostProto.Add(host)

	c := NewClient(ClientConfig{AppID: 7, Logger: quiet})
	b.join().Add(c)
	hostProto.Tick()
	hostProto.Tick()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 6; i++ {
			if _, err := c.Send([]byte{byte(i)}); err != nil {
				t.Errorf("Send() error = %v", err)
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("client send blocked on the host's medium")
	}

	if c.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0; every packet should be echoed", c.Pending())
	}
	queued := host.Counters().ToMedium.Load()
	if queued < 2 || queued > 3 {
		t.Errorf("ToMedium = %d, want 2 or 3", queued)
	}
	if got := host.MediumCounters().Dropped.Load(); got != 6-queued {
		t.Errorf("queue Dropped = %d, want %d", got, 6-queued)
	}
}
