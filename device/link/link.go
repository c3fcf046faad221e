// Package link implements the frame layer of the packet bus.
//
// A Link sits between a transport and the protocol dispatcher. It owns the
// bounded RX and TX queues, validates every received frame, serialises
// transmission so that only one frame is on the wire at a time, and drives
// the periodic tick the protocol's control logic runs on.
//
// Valid frames wait in the RX queue until the consumer has handled every
// event already posted, then are dispatched in arrival order. Frames that
// arrive while the RX queue is full are dropped and counted as RxOverflow.
//
// All queue and transmit state is owned by a single consumer goroutine.
// Transport callbacks and the ticker only post events to it, never block,
// and never touch the queues directly. Send may be called from any
// goroutine; it takes the TX queue's lock briefly and fails fast with
// core.ErrNoResources when the queue is full.
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kabili207/pktserial-go/core"
	"github.com/kabili207/pktserial-go/core/clock"
	"github.com/kabili207/pktserial-go/core/codec"
	"github.com/kabili207/pktserial-go/core/ring"
	"github.com/kabili207/pktserial-go/transport"
)

const (
	// DefaultTickInterval is the protocol tick period. The control timings
	// (254 ticks to settle an address, 112 between HELLOs) assume ~4ms.
	DefaultTickInterval = 4 * time.Millisecond
	// DefaultRxQueue is the RX queue capacity.
	DefaultRxQueue = 10
	// DefaultTxQueue is the TX queue capacity.
	DefaultTxQueue = 10
	// DefaultTxTimeoutTicks is how many ticks a transmit attempt may take.
	DefaultTxTimeoutTicks = 2
	// DefaultMaxRetries is how many times a timed-out frame is re-attempted
	// before it is dropped.
	DefaultMaxRetries = 3
	// DefaultEventBuffer is the depth of the producer event queue.
	DefaultEventBuffer = 64
)

// FrameHandler receives each valid frame, in arrival order.
type FrameHandler func(f *codec.Frame)

// TickHandler is called once per tick after transmit bookkeeping.
type TickHandler func()

// ErrorHandler is told about every bus error. Errors wrap core.ErrBusError.
type ErrorHandler func(err error)

// Config configures a Link.
type Config struct {
	// Transport is the wire. Required.
	Transport transport.Transport

	// TickInterval defaults to 4ms.
	TickInterval time.Duration
	// RxQueue and TxQueue set the queue capacities. Default: 10 each.
	RxQueue int
	TxQueue int
	// TxTimeoutTicks defaults to 2.
	TxTimeoutTicks int
	// MaxRetries defaults to 3. Set to a negative value to never retry.
	MaxRetries int
	// EventBuffer defaults to 64.
	EventBuffer int

	// NewTicker overrides the tick source, for testing.
	NewTicker func(time.Duration) clock.Ticker

	// Logger for frame layer events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

type eventKind int

const (
	evRx eventKind = iota
	evTxDone
	evBusError
	evDrain
)

type linkEvent struct {
	kind eventKind
	data []byte
}

// Link is the frame layer over one transport.
type Link struct {
	cfg      Config
	log      *slog.Logger
	tr       transport.Transport
	rx       *ring.Ring[*codec.Frame]
	tx       *ring.Ring[*codec.Frame]
	events   chan linkEvent
	counters Counters

	mu      sync.RWMutex
	onFrame FrameHandler
	onTick  TickHandler
	onError ErrorHandler

	// Owned by the consumer goroutine.
	inFlight     *codec.Frame
	attemptTicks int
	retries      int

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Link with the given configuration.
func New(cfg Config) *Link {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.RxQueue <= 0 {
		cfg.RxQueue = DefaultRxQueue
	}
	if cfg.TxQueue <= 0 {
		cfg.TxQueue = DefaultTxQueue
	}
	if cfg.TxTimeoutTicks <= 0 {
		cfg.TxTimeoutTicks = DefaultTxTimeoutTicks
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	} else if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = clock.NewTicker
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	l := &Link{
		cfg:    cfg,
		log:    logger.WithGroup("link"),
		tr:     cfg.Transport,
		rx:     ring.New[*codec.Frame](cfg.RxQueue),
		tx:     ring.New[*codec.Frame](cfg.TxQueue),
		events: make(chan linkEvent, cfg.EventBuffer),
	}
	if l.tr != nil {
		l.tr.SetFrameHandler(l.onTransportFrame)
		l.tr.SetStateHandler(l.onTransportState)
	}
	return l
}

// SetFrameHandler sets the callback for valid received frames.
func (l *Link) SetFrameHandler(fn FrameHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onFrame = fn
}

// SetTickHandler sets the periodic callback.
func (l *Link) SetTickHandler(fn TickHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onTick = fn
}

// SetErrorHandler sets the bus error callback.
func (l *Link) SetErrorHandler(fn ErrorHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onError = fn
}

// Counters returns the link's statistics.
func (l *Link) Counters() *Counters {
	return &l.counters
}

// Pending returns the number of frames waiting in the TX queue.
func (l *Link) Pending() int {
	return l.tx.Len()
}

// Start starts the transport and the consumer goroutine.
func (l *Link) Start(ctx context.Context) error {
	if l.tr == nil {
		return fmt.Errorf("%w: no transport", core.ErrInvalidParameter)
	}
	if err := l.tr.Start(ctx); err != nil {
		return fmt.Errorf("starting transport: %w", err)
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go l.run(ctx)
	return nil
}

// Stop stops the consumer goroutine and the transport.
func (l *Link) Stop() error {
	if l.cancel != nil {
		l.cancel()
		<-l.done
		l.cancel = nil
	}
	if l.tr == nil {
		return nil
	}
	return l.tr.Stop()
}

// Send queues a frame for transmission. It never blocks: a full queue
// returns core.ErrNoResources and the frame is not sent.
func (l *Link) Send(f *codec.Frame) error {
	if f == nil || f.Size() > codec.MaxPayloadSize {
		return fmt.Errorf("%w: frame exceeds %d bytes", core.ErrInvalidParameter, codec.MaxPayloadSize)
	}
	if err := l.tx.Push(f); err != nil {
		if errors.Is(err, ring.ErrFull) {
			return core.ErrNoResources
		}
		return err
	}
	l.post(linkEvent{kind: evDrain})
	return nil
}

func (l *Link) run(ctx context.Context) {
	defer close(l.done)

	ticker := l.cfg.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-l.events:
			l.handleEvent(ev)
			l.handlePending()
			l.drainRx()
		case <-ticker.C():
			l.drainRx()
			l.tick()
		}
	}
}

// handlePending handles the events already posted, without waiting for more.
// A burst of received frames lands in the RX queue before any is dispatched.
func (l *Link) handlePending() {
	for i := 0; i < cap(l.events); i++ {
		select {
		case ev := <-l.events:
			l.handleEvent(ev)
		default:
			return
		}
	}
}

// post hands an event to the consumer without blocking.
func (l *Link) post(ev linkEvent) {
	select {
	case l.events <- ev:
	default:
		l.counters.EventsDropped.Add(1)
	}
}

func (l *Link) onTransportFrame(data []byte, _ transport.FrameSource) {
	l.post(linkEvent{kind: evRx, data: data})
}

func (l *Link) onTransportState(_ transport.Transport, ev transport.Event) {
	switch ev {
	case transport.EventTxComplete:
		l.post(linkEvent{kind: evTxDone})
	case transport.EventError:
		l.post(linkEvent{kind: evBusError})
	case transport.EventConnected:
		l.log.Info("bus connected")
		l.post(linkEvent{kind: evDrain})
	case transport.EventDisconnected:
		l.log.Warn("bus disconnected")
	case transport.EventReconnecting:
		l.log.Info("bus reconnecting")
	}
}

func (l *Link) handleEvent(ev linkEvent) {
	switch ev.kind {
	case evRx:
		l.receive(ev.data)
	case evTxDone:
		l.txComplete()
	case evBusError:
		l.busError(core.ErrBusError)
	case evDrain:
		l.drainTx()
	}
}

func (l *Link) receive(data []byte) {
	f, err := codec.DecodeFrame(data)
	if err != nil {
		if errors.Is(err, codec.ErrChecksumMismatch) {
			l.counters.CRCErrors.Add(1)
		}
		l.busError(fmt.Errorf("%w: %w", core.ErrBusError, err))
		return
	}

	if err := l.rx.Push(f); err != nil {
		l.counters.RxOverflow.Add(1)
		l.log.Warn("rx queue full, dropping frame", "address", f.Address)
	}
}

func (l *Link) drainRx() {
	l.mu.RLock()
	handler := l.onFrame
	l.mu.RUnlock()

	for {
		f, ok := l.rx.Pop()
		if !ok {
			return
		}
		l.counters.FramesRecv.Add(1)
		if handler != nil {
			handler(f)
		}
	}
}

func (l *Link) busError(err error) {
	l.counters.BusErrors.Add(1)
	l.log.Debug("bus error", "error", err)

	l.mu.RLock()
	handler := l.onError
	l.mu.RUnlock()
	if handler != nil {
		handler(err)
	}
}

// drainTx starts transmitting the next queued frame when the wire is idle.
func (l *Link) drainTx() {
	if l.inFlight != nil || !l.tr.IsConnected() {
		return
	}
	f, ok := l.tx.Pop()
	if !ok {
		return
	}
	l.inFlight = f
	l.retries = 0
	l.attempt()
}

func (l *Link) attempt() {
	l.attemptTicks = 0
	raw, err := l.inFlight.Encode()
	if err != nil {
		// Send validated the size, so this frame can never be encoded.
		l.log.Error("dropping unencodable frame", "error", err)
		l.inFlight = nil
		l.counters.TxDropped.Add(1)
		return
	}
	if err := l.tr.SendFrame(raw); err != nil {
		// Left in flight; the tick timeout retries it.
		l.busError(fmt.Errorf("%w: %w", core.ErrBusError, err))
	}
}

func (l *Link) txComplete() {
	if l.inFlight == nil {
		return
	}
	l.inFlight = nil
	l.retries = 0
	l.counters.FramesSent.Add(1)
	l.drainTx()
}

func (l *Link) tick() {
	if l.inFlight != nil {
		l.attemptTicks++
		if l.attemptTicks >= l.cfg.TxTimeoutTicks {
			l.counters.TxTimeouts.Add(1)
			if l.retries < l.cfg.MaxRetries {
				l.retries++
				l.counters.TxRetries.Add(1)
				l.attempt()
			} else {
				l.log.Warn("dropping frame after retries", "address", l.inFlight.Address, "retries", l.retries)
				l.counters.TxDropped.Add(1)
				l.inFlight = nil
				l.retries = 0
			}
		}
	}
	l.drainTx()

	l.mu.RLock()
	handler := l.onTick
	l.mu.RUnlock()
	if handler != nil {
		handler()
	}
}
