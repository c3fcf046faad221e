// Package websocket carries bus frames over WebSocket connections, one binary
// message per frame. A Transport dials a Hub; the Hub relays every frame it
// receives to all other connected transports, so several bridged wires can
// meet at one HTTP endpoint.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kabili207/pktserial-go/core/codec"
	"github.com/kabili207/pktserial-go/transport"
)

// Compile-time interface check.
var _ transport.Transport = (*Transport)(nil)

const (
	// DefaultHandshakeTimeout bounds the opening handshake.
	DefaultHandshakeTimeout = 10 * time.Second

	writeTimeout = 5 * time.Second
	// readLimit leaves headroom over the largest frame.
	readLimit = 4 * codec.MaxFrameSize
)

// Config holds the configuration for a WebSocket transport.
type Config struct {
	// URL is the hub endpoint (e.g., "ws://gateway.local:8080/bus").
	URL string
	// Header is sent with the opening handshake.
	Header http.Header
	// HandshakeTimeout defaults to 10 seconds.
	HandshakeTimeout time.Duration
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Transport implements transport.Transport as a WebSocket client.
type Transport struct {
	cfg          Config
	log          *slog.Logger
	mu           sync.RWMutex
	writeMu      sync.Mutex
	conn         *websocket.Conn
	connected    bool
	done         chan struct{}
	frameHandler transport.FrameHandler
	stateHandler transport.StateHandler
}

// New creates a new WebSocket transport with the given configuration.
func New(cfg Config) *Transport {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Transport{
		cfg: cfg,
		log: cfg.Logger.WithGroup("websocket"),
	}
}

// Start dials the hub and begins reading frames.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.URL == "" {
		return errors.New("websocket URL is required")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: t.cfg.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	conn, _, err := dialer.DialContext(ctx, t.cfg.URL, t.cfg.Header)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", t.cfg.URL, err)
	}
	conn.SetReadLimit(readLimit)

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.done = make(chan struct{})
	handler := t.stateHandler
	t.mu.Unlock()

	go t.readLoop(conn)

	t.log.Info("connected to websocket hub", "url", t.cfg.URL)
	if handler != nil {
		handler(t, transport.EventConnected)
	}
	return nil
}

// Stop closes the connection and waits for the read loop to exit.
func (t *Transport) Stop() error {
	t.mu.Lock()
	conn := t.conn
	wasConnected := t.connected
	t.conn = nil
	t.connected = false
	done := t.done
	handler := t.stateHandler
	t.mu.Unlock()

	if conn == nil {
		return nil
	}

	t.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	t.writeMu.Unlock()
	err := conn.Close()

	if done != nil {
		<-done
	}
	if wasConnected && handler != nil {
		handler(t, transport.EventDisconnected)
	}
	return err
}

// IsConnected returns true while the hub connection is open.
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

// SendFrame writes one binary message to the hub.
func (t *Transport) SendFrame(data []byte) error {
	t.mu.RLock()
	conn := t.conn
	connected := t.connected
	handler := t.stateHandler
	t.mu.RUnlock()

	if !connected || conn == nil {
		return transport.ErrNotConnected
	}

	t.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := conn.WriteMessage(websocket.BinaryMessage, data)
	t.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}

	if handler != nil {
		handler(t, transport.EventTxComplete)
	}
	return nil
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	defer close(t.done)
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			t.handleDisconnect(err)
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}

		t.mu.RLock()
		handler := t.frameHandler
		t.mu.RUnlock()
		if handler != nil {
			handler(data, transport.FrameSourceWebSocket)
		}
	}
}

func (t *Transport) handleDisconnect(err error) {
	t.mu.Lock()
	wasConnected := t.connected
	t.connected = false
	handler := t.stateHandler
	t.mu.Unlock()

	// Stop already cleared the flag; a read error after that is expected.
	if !wasConnected {
		return
	}
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		t.log.Error("websocket disconnected", "error", err)
	}
	if handler != nil {
		handler(t, transport.EventDisconnected)
	}
}
