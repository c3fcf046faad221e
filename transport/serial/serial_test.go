package serial

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/kabili207/pktserial-go/core/codec"
	"github.com/kabili207/pktserial-go/transport"
)

// makeTestFrame creates an encoded bus frame for testing.
func makeTestFrame(t *testing.T, address uint8, data []byte) []byte {
	t.Helper()
	f, err := codec.NewFrame(address, data)
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	raw, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return raw
}

// envelope wraps an encoded frame for the wire.
func envelope(t *testing.T, frame []byte) []byte {
	t.Helper()
	env, err := codec.EncodeEnvelope(frame)
	if err != nil {
		t.Fatalf("failed to encode envelope: %v", err)
	}
	return env
}

type collector struct {
	mu     sync.Mutex
	frames [][]byte
	events []transport.Event
}

func (c *collector) transport() *Transport {
	tr := &Transport{log: New(Config{}).log}
	tr.frameHandler = func(data []byte, source transport.FrameSource) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.frames = append(c.frames, data)
	}
	tr.stateHandler = func(_ transport.Transport, ev transport.Event) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.events = append(c.events, ev)
	}
	return tr
}

func TestProcessStream_SingleFrame(t *testing.T) {
	frame := makeTestFrame(t, 4, []byte{1, 2, 3})

	var gotSource transport.FrameSource = -1
	var received [][]byte
	tr := &Transport{}
	tr.frameHandler = func(data []byte, source transport.FrameSource) {
		received = append(received, data)
		gotSource = source
	}

	remaining := tr.processStream(envelope(t, frame))
	if len(remaining) != 0 {
		t.Errorf("expected no remaining bytes, got %d", len(remaining))
	}
	if len(received) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(received))
	}
	if !bytes.Equal(received[0], frame) {
		t.Errorf("frame = %x, want %x", received[0], frame)
	}
	if gotSource != transport.FrameSourceSerial {
		t.Errorf("source = %v, want serial", gotSource)
	}
}

func TestProcessStream_MultipleFrames(t *testing.T) {
	f1 := makeTestFrame(t, 1, []byte{0xAA})
	f2 := makeTestFrame(t, 2, []byte{0xBB, 0xCC})
	combined := append(envelope(t, f1), envelope(t, f2)...)

	var c collector
	tr := c.transport()
	if rest := tr.processStream(combined); len(rest) != 0 {
		t.Errorf("expected no remaining bytes, got %d", len(rest))
	}
	if len(c.frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(c.frames))
	}
	if !bytes.Equal(c.frames[0], f1) || !bytes.Equal(c.frames[1], f2) {
		t.Error("frames delivered out of order or altered")
	}
}

func TestProcessStream_IncompleteFrame(t *testing.T) {
	env := envelope(t, makeTestFrame(t, 1, []byte{1, 2, 3, 4}))
	partial := env[:len(env)-2]

	var c collector
	tr := c.transport()
	remaining := tr.processStream(partial)
	if len(c.frames) != 0 {
		t.Errorf("expected 0 frames from incomplete envelope, got %d", len(c.frames))
	}
	if len(remaining) != len(partial) {
		t.Errorf("expected all bytes returned as remaining, got %d vs %d", len(remaining), len(partial))
	}
}

func TestProcessStream_IncrementalAssembly(t *testing.T) {
	env := envelope(t, makeTestFrame(t, 9, []byte("abc")))

	var c collector
	tr := c.transport()

	// Feed bytes one at a time, simulating slow serial arrival
	var buf []byte
	for _, b := range env {
		buf = append(buf, b)
		buf = tr.processStream(buf)
	}

	if len(c.frames) != 1 {
		t.Fatalf("expected 1 frame after incremental assembly, got %d", len(c.frames))
	}
	if len(buf) != 0 {
		t.Errorf("expected no remaining bytes, got %d", len(buf))
	}
}

func TestProcessStream_GarbageBeforeFrame(t *testing.T) {
	env := envelope(t, makeTestFrame(t, 3, []byte{7}))
	data := append([]byte{0x00, 0x01, 0x02, 0xFF, 0x10, 0x11}, env...)

	var c collector
	tr := c.transport()
	remaining := tr.processStream(data)

	if len(c.frames) != 1 {
		t.Fatalf("expected 1 frame after skipping garbage, got %d", len(c.frames))
	}
	if len(remaining) != 0 {
		t.Errorf("expected no remaining bytes, got %d", len(remaining))
	}
	if len(c.events) != 0 {
		t.Errorf("garbage without magic raised %v", c.events)
	}
}

func TestProcessStream_CorruptEnvelopeReportsError(t *testing.T) {
	bad := envelope(t, makeTestFrame(t, 3, []byte{1, 2}))
	bad[len(bad)-1] ^= 0xFF
	good := makeTestFrame(t, 4, []byte{3})
	data := append(bad, envelope(t, good)...)

	var c collector
	tr := c.transport()
	tr.processStream(data)

	if len(c.frames) != 1 || !bytes.Equal(c.frames[0], good) {
		t.Fatalf("frames = %x, want only the good frame", c.frames)
	}
	if len(c.events) != 1 || c.events[0] != transport.EventError {
		t.Errorf("events = %v, want [error]", c.events)
	}
}

func TestProcessStream_KeepsPartialMagic(t *testing.T) {
	var c collector
	tr := c.transport()
	rest := tr.processStream([]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0xC0})
	if !bytes.Equal(rest, []byte{0xC0}) {
		t.Errorf("remaining = %x, want c0", rest)
	}
}

func TestProcessStream_NoHandler(t *testing.T) {
	env := envelope(t, makeTestFrame(t, 1, nil))
	tr := &Transport{}
	// No handler set; must not panic
	if remaining := tr.processStream(env); len(remaining) != 0 {
		t.Errorf("expected no remaining bytes, got %d", len(remaining))
	}
}

func TestSendFrame_NotConnected(t *testing.T) {
	tr := New(Config{Port: "/dev/null", BaudRate: 115200})
	err := tr.SendFrame(makeTestFrame(t, 1, []byte{1}))
	if !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("SendFrame() error = %v, want ErrNotConnected", err)
	}
}

func TestStart_MissingPort(t *testing.T) {
	if err := New(Config{}).Start(t.Context()); err == nil {
		t.Fatal("expected error with empty port")
	}
}

func TestNew_Defaults(t *testing.T) {
	tr := New(Config{Port: "/dev/ttyUSB0"})
	if tr.cfg.BaudRate != DefaultBaudRate {
		t.Errorf("expected default baud rate %d, got %d", DefaultBaudRate, tr.cfg.BaudRate)
	}
	if tr.log == nil {
		t.Error("expected logger to be set")
	}
}
