package bridge

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
	"github.com/kabili207/pktserial-go/device/protocol"
	"github.com/kabili207/pktserial-go/transport"
	"github.com/kabili207/pktserial-go/transport/loopback"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// busSender collects what a protocol puts on its bus. Relayed frames arrive
// from the far bridge's medium writer.
type busSender struct {
	mu     sync.Mutex
	frames []*codec.Frame
}

func (s *busSender) Send(f *codec.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f.Clone())
	return nil
}

func (s *busSender) snapshot() []*codec.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*codec.Frame(nil), s.frames...)
}

func (s *busSender) len() int {
	return len(s.snapshot())
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

type side struct {
	proto  *protocol.Protocol
	bus    *busSender
	bridge *Bridge
}

func newSide(t *testing.T, medium *loopback.Wire, serial uint32) *side {
	t.Helper()
	s := &side{bus: &busSender{}}
	s.proto = protocol.New(protocol.Config{Sender: s.bus, Logger: quiet})

	b, err := New(Config{Medium: medium.Attach(), SerialNumber: serial, Logger: quiet})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.proto.Add(b); err != nil {
		t.Fatal(err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Stop() })
	s.bridge = b
	return s
}

func TestNewRequiresMedium(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, core.ErrInvalidParameter) {
		t.Errorf("New() error = %v, want ErrInvalidParameter", err)
	}
}

func TestBridgeDefaults(t *testing.T) {
	b, err := New(Config{Medium: loopback.NewWire().Attach(), SerialNumber: 5})
	if err != nil {
		t.Fatal(err)
	}
	if b.history.Len() != 8 {
		t.Errorf("history = %d, want 8", b.history.Len())
	}
	if b.Class() != core.ClassBridge {
		t.Errorf("Class() = %d, want %d", b.Class(), core.ClassBridge)
	}
	if !b.Device().IsLocal() {
		t.Error("bridge should be a local driver")
	}
}

func TestRelayAcrossMedium(t *testing.T) {
	medium := loopback.NewWire()
	a := newSide(t, medium, 1)
	b := newSide(t, medium, 2)

	f, _ := codec.NewFrame(50, []byte{1, 2, 3})
	a.proto.HandleFrame(f)

	waitFor(t, "relayed frame", func() bool { return b.bus.len() == 1 })
	got := b.bus.snapshot()[0]
	if got.Address != 50 || got.CRC != f.CRC || !bytes.Equal(got.Data, f.Data) {
		t.Errorf("relayed frame = %+v, want %+v", got, f)
	}
	if n := a.bus.len(); n != 0 {
		t.Errorf("frames echoed on near bus = %d, want 0", n)
	}

	// The frame dispatch continued past the bridge.
	if got := a.proto.Counters().Snapshot().Unhandled; got != 1 {
		t.Errorf("near Unhandled = %d, want 1", got)
	}
	if got := a.bridge.Counters().ToMedium.Load(); got != 1 {
		t.Errorf("ToMedium = %d, want 1", got)
	}
	if got := b.bridge.Counters().FromMedium.Load(); got != 1 {
		t.Errorf("FromMedium = %d, want 1", got)
	}
}

func TestNoRelayLoop(t *testing.T) {
	medium := loopback.NewWire()
	a := newSide(t, medium, 1)
	b := newSide(t, medium, 2)

	f, _ := codec.NewFrame(50, []byte{9})
	a.proto.HandleFrame(f)
	waitFor(t, "relayed frame", func() bool { return b.bus.len() == 1 })

	// The far bus hears the relayed frame; it must not go back.
	relayed := b.bus.snapshot()[0]
	b.proto.HandleFrame(relayed)
	if got := b.bridge.Counters().ToMedium.Load(); got != 0 {
		t.Errorf("far ToMedium = %d, want 0", got)
	}
	if n := a.bus.len(); n != 0 {
		t.Errorf("frames returned to near bus = %d, want 0", n)
	}

	// The same frame on the near bus again is suppressed.
	a.proto.HandleFrame(f)
	if n := b.bus.len(); n != 1 {
		t.Errorf("far bus frames = %d, want 1", n)
	}
	if got := a.bridge.Counters().Duplicates.Load(); got != 1 {
		t.Errorf("near Duplicates = %d, want 1", got)
	}
}

func TestControlFramesRelayed(t *testing.T) {
	medium := loopback.NewWire()
	a := newSide(t, medium, 1)
	b := newSide(t, medium, 2)

	cp := &codec.ControlPacket{Type: codec.ControlTypeHello, Address: 12, DeviceClass: 3, SerialNumber: 77}
	a.proto.HandleFrame(cp.Frame())

	waitFor(t, "relayed control frame", func() bool { return b.bus.len() == 1 })
	if got := b.bus.snapshot()[0]; got.Address != codec.ControlAddress {
		t.Fatalf("far bus frame = %+v, want a control frame", got)
	}
	if got := a.proto.Counters().Snapshot().ControlRecv; got != 1 {
		t.Errorf("near ControlRecv = %d, want 1", got)
	}
}

func TestMediumDisconnected(t *testing.T) {
	medium := loopback.NewWire()
	a := newSide(t, medium, 1)
	a.bridge.Stop()

	f, _ := codec.NewFrame(50, []byte{1})
	if err := a.bridge.HandlePacket(f); !errors.Is(err, core.ErrCancelled) {
		t.Errorf("HandlePacket() error = %v, want ErrCancelled", err)
	}
	if got := a.bridge.Counters().Dropped.Load(); got != 1 {
		t.Errorf("Dropped = %d, want 1", got)
	}
}

func TestInvalidMediumFrame(t *testing.T) {
	medium := loopback.NewWire()
	a := newSide(t, medium, 1)
	far := medium.Attach()
	far.Start(context.Background())

	f, _ := codec.NewFrame(50, []byte{1, 2})
	raw, _ := f.Encode()
	raw[len(raw)-1] ^= 0xFF
	far.SendFrame(raw)

	if n := a.bus.len(); n != 0 {
		t.Errorf("corrupt frames relayed = %d, want 0", n)
	}
	if got := a.bridge.Counters().Dropped.Load(); got != 1 {
		t.Errorf("Dropped = %d, want 1", got)
	}
}

// stalledMedium accepts writes only once released.
type stalledMedium struct {
	release chan struct{}

	mu        sync.Mutex
	connected bool
	written   int
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
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written++
	return nil
}

func (m *stalledMedium) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written
}

func TestStalledMediumDoesNotBlockBus(t *testing.T) {
	medium := &stalledMedium{release: make(chan struct{})}
	p := protocol.New(protocol.Config{Sender: &busSender{}, Logger: quiet})
	b, err := New(Config{Medium: medium, SerialNumber: 1, Queue: 8, Logger: quiet})
	if err != nil {
		t.Fatal(err)
	}
	p.Add(b)
	b.Start(context.Background())
	t.Cleanup(func() {
		select {
		case <-medium.release:
		default:
			close(medium.release)
		}
		b.Stop()
	})

	const frames = 200
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < frames; i++ {
			f, _ := codec.NewFrame(uint8(1+i%200), []byte{byte(i), byte(i >> 8)})
			p.HandleFrame(f)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("bus dispatch blocked on the medium")
	}

	queued := int(b.Counters().ToMedium.Load())
	dropped := int(b.Counters().Dropped.Load())
	if queued+dropped != frames {
		t.Errorf("queued %d + dropped %d, want %d", queued, dropped, frames)
	}
	if queued < 8 || queued > 9 {
		t.Errorf("queued = %d, want 8 or 9", queued)
	}
	if got := int(b.MediumCounters().Dropped.Load()); got != dropped {
		t.Errorf("queue Dropped = %d, want %d", got, dropped)
	}

	close(medium.release)
	waitFor(t, "queued frames written", func() bool { return medium.count() == queued })
}
