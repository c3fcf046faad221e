// Package serial provides the single-wire UART transport.
//
// Frames travel over the port inside the codec envelope (magic, length,
// frame, Fletcher-16) so a reader joining mid-stream can resynchronise on
// the next magic. This transport handles the envelope assembly from raw
// serial data and exposes the same Transport interface as the other media.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/kabili207/pktserial-go/core/codec"
	"github.com/kabili207/pktserial-go/transport"
	"go.bug.st/serial"
)

// Compile-time interface check.
var _ transport.Transport = (*Transport)(nil)

const (
	// DefaultBaudRate is the default baud rate for the bus wire.
	DefaultBaudRate = 115200

	// readBufSize is the size of the serial read buffer.
	readBufSize = 256
)

// Config holds the configuration for a serial transport.
type Config struct {
	// Port is the serial port path (e.g., "/dev/ttyUSB0" or "COM3").
	Port string
	// BaudRate is the serial baud rate. Defaults to 115200.
	BaudRate int
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Transport implements transport.Transport over a serial connection.
type Transport struct {
	cfg          Config
	port         serial.Port
	log          *slog.Logger
	mu           sync.RWMutex
	writeMu      sync.Mutex
	connected    bool
	cancel       context.CancelFunc
	done         chan struct{}
	frameHandler transport.FrameHandler
	stateHandler transport.StateHandler
}

// New creates a new serial transport with the given configuration.
func New(cfg Config) *Transport {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Transport{
		cfg: cfg,
		log: cfg.Logger.WithGroup("serial"),
	}
}

// ListPorts returns the serial ports present on the system.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}

// Start opens the serial port and begins reading frames.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.Port == "" {
		return errors.New("serial port is required")
	}

	mode := &serial.Mode{
		BaudRate: t.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(t.cfg.Port, mode)
	if err != nil {
		return fmt.Errorf("opening serial port: %w", err)
	}

	t.mu.Lock()
	t.port = port
	t.connected = true
	t.done = make(chan struct{})
	handler := t.stateHandler
	t.mu.Unlock()

	readCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	go t.readLoop(readCtx, port)

	t.log.Info("connected to serial port", "port", t.cfg.Port, "baud", t.cfg.BaudRate)

	if handler != nil {
		handler(t, transport.EventConnected)
	}

	return nil
}

// Stop closes the serial port and stops the read loop.
func (t *Transport) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}

	t.mu.Lock()
	handler := t.stateHandler
	wasConnected := t.connected
	t.connected = false
	port := t.port
	t.port = nil
	done := t.done
	t.mu.Unlock()

	var err error
	if port != nil {
		err = port.Close()
	}

	if done != nil {
		<-done
	}

	if wasConnected && handler != nil {
		handler(t, transport.EventDisconnected)
	}

	return err
}

// IsConnected returns true if the serial port is open.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// SetFrameHandler sets the callback for received frames.
func (t *Transport) SetFrameHandler(fn transport.FrameHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frameHandler = fn
}

// SetStateHandler sets the callback for transport state changes.
func (t *Transport) SetStateHandler(fn transport.StateHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateHandler = fn
}

// SendFrame wraps a frame in an envelope and writes it to the port. The
// write is synchronous, so EventTxComplete fires before SendFrame returns.
func (t *Transport) SendFrame(data []byte) error {
	t.mu.RLock()
	port := t.port
	connected := t.connected
	handler := t.stateHandler
	t.mu.RUnlock()

	if !connected || port == nil {
		return transport.ErrNotConnected
	}

	env, err := codec.EncodeEnvelope(data)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	t.writeMu.Lock()
	_, err = port.Write(env)
	if err == nil {
		err = port.Drain()
	}
	t.writeMu.Unlock()

	if err != nil {
		if handler != nil {
			handler(t, transport.EventError)
		}
		return fmt.Errorf("writing to serial port: %w", err)
	}

	if handler != nil {
		handler(t, transport.EventTxComplete)
	}
	return nil
}

// readLoop continuously reads from the serial port and assembles envelopes.
func (t *Transport) readLoop(ctx context.Context, port serial.Port) {
	defer close(t.done)

	buf := make([]byte, readBufSize)
	var assemblyBuf []byte

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := port.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				t.log.Error("serial read error", "error", err)
			}
			t.handleDisconnect(err)
			return
		}

		if n == 0 {
			continue
		}

		assemblyBuf = append(assemblyBuf, buf[:n]...)
		assemblyBuf = t.processStream(assemblyBuf)
	}
}

// processStream extracts complete envelopes from the buffer and dispatches
// the frames they carry. Returns any bytes that don't yet form a complete
// envelope. A corrupt envelope is reported as EventError and skipped.
func (t *Transport) processStream(data []byte) []byte {
	for len(data) > 0 {
		frame, rest, err := codec.DecodeEnvelope(data)
		if err != nil {
			if errors.Is(err, codec.ErrIncompleteFrame) {
				return data
			}
			if !errors.Is(err, codec.ErrInvalidMagic) {
				t.log.Debug("dropping corrupt envelope", "error", err)
				t.notifyState(transport.EventError)
			}
			// Resync on the next magic.
			if idx := codec.FindEnvelopeMagic(data[1:]); idx >= 0 {
				data = data[1+idx:]
				continue
			}
			if data[len(data)-1] == byte(codec.EnvelopeMagic>>8) {
				return data[len(data)-1:]
			}
			return nil
		}

		data = rest

		t.mu.RLock()
		handler := t.frameHandler
		t.mu.RUnlock()

		if handler != nil {
			handler(frame, transport.FrameSourceSerial)
		}
	}

	return data
}

func (t *Transport) notifyState(ev transport.Event) {
	t.mu.RLock()
	handler := t.stateHandler
	t.mu.RUnlock()
	if handler != nil {
		handler(t, ev)
	}
}

func (t *Transport) handleDisconnect(err error) {
	t.mu.Lock()
	t.connected = false
	handler := t.stateHandler
	t.mu.Unlock()

	if err != nil {
		t.log.Error("serial disconnected", "error", err)
	}

	if handler != nil {
		handler(t, transport.EventDisconnected)
	}
}
