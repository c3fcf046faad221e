// Package bridge relays bus traffic onto another medium and back.
//
// A Bridge is a promiscuous local driver: it sees every frame on its bus,
// forwards each one to the medium (MQTT, WebSocket, another wire), and
// re-sends frames arriving from the medium onto the bus. A small history of
// frame ids keeps a frame from crossing the bridge twice, which also stops
// a frame the bridge put on the bus from being sent straight back.
//
// Writes to the medium go through a transport.Queue, so a slow medium drops
// frames instead of holding up the bus.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/kabili207/pktserial-go/core"
	"github.com/kabili207/pktserial-go/core/codec"
	"github.com/kabili207/pktserial-go/core/dedupe"
	"github.com/kabili207/pktserial-go/device/protocol"
	"github.com/kabili207/pktserial-go/transport"
)

// Config configures a Bridge.
type Config struct {
	// Medium is the far side of the bridge. Required.
	Medium transport.Transport

	// SerialNumber identifies the bridge on the bus.
	SerialNumber uint32

	// History is the number of frame ids remembered. Default: 8.
	History int

	// Queue is the number of frames waiting for the medium before new ones
	// are dropped. Default: transport.DefaultQueueDepth.
	Queue int

	// Logger for bridge events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Counters tracks bridge statistics.
type Counters struct {
	ToMedium   atomic.Uint32 // Bus frames queued for the medium
	FromMedium atomic.Uint32 // Medium frames re-sent on the bus
	Duplicates atomic.Uint32 // Frames suppressed by the history
	Dropped    atomic.Uint32 // Frames that could not be relayed
}

// Bridge is a driver relaying every bus frame to a medium.
type Bridge struct {
	*protocol.Base

	log      *slog.Logger
	medium   *transport.Queue
	history  *dedupe.History
	counters Counters
}

// New creates a Bridge. Register it with Protocol.Add and start the medium
// with Start.
func New(cfg Config) (*Bridge, error) {
	if cfg.Medium == nil {
		return nil, fmt.Errorf("%w: bridge needs a medium", core.ErrInvalidParameter)
	}
	if cfg.History <= 0 {
		cfg.History = dedupe.DefaultBridgeHistory
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &Bridge{
		Base:    protocol.NewLocal(core.ClassBridge, cfg.SerialNumber),
		log:     logger.WithGroup("bridge"),
		medium:  transport.NewQueue(cfg.Medium, cfg.Queue, logger),
		history: dedupe.New(cfg.History),
	}
	b.SetPromiscuous(true)
	b.medium.SetFrameHandler(b.onMediumFrame)
	b.medium.SetStateHandler(b.onMediumState)
	return b, nil
}

// Start connects the medium.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.medium.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge medium: %w", err)
	}
	return nil
}

// Stop disconnects the medium.
func (b *Bridge) Stop() error {
	return b.medium.Stop()
}

// Counters returns the bridge's statistics.
func (b *Bridge) Counters() *Counters {
	return &b.counters
}

// MediumCounters returns the statistics of the medium write queue.
func (b *Bridge) MediumCounters() *transport.QueueCounters {
	return b.medium.Counters()
}

// HandlePacket forwards a bus frame to the medium. It always returns
// core.ErrCancelled so the frame is still dispatched normally.
func (b *Bridge) HandlePacket(f *codec.Frame) error {
	if b.history.HasSeenFrame(f) {
		b.counters.Duplicates.Add(1)
		return core.ErrCancelled
	}
	if !b.medium.IsConnected() {
		b.counters.Dropped.Add(1)
		return core.ErrCancelled
	}
	raw, err := f.Encode()
	if err != nil {
		b.counters.Dropped.Add(1)
		b.log.Debug("unencodable frame", "address", f.Address, "error", err)
		return core.ErrCancelled
	}
	if err := b.medium.SendFrame(raw); err != nil {
		b.counters.Dropped.Add(1)
		b.log.Debug("frame not queued for medium", "address", f.Address, "error", err)
		return core.ErrCancelled
	}
	b.counters.ToMedium.Add(1)
	return core.ErrCancelled
}

func (b *Bridge) onMediumFrame(data []byte, source transport.FrameSource) {
	f, err := codec.DecodeFrame(data)
	if err != nil {
		b.counters.Dropped.Add(1)
		b.log.Debug("invalid frame from medium", "source", source, "error", err)
		return
	}
	if b.history.HasSeenFrame(f) {
		b.counters.Duplicates.Add(1)
		return
	}
	p := b.Protocol()
	if p == nil {
		b.counters.Dropped.Add(1)
		return
	}
	if err := p.Send(f); err != nil {
		b.counters.Dropped.Add(1)
		b.log.Warn("failed to relay frame to bus", "address", f.Address, "error", err)
		return
	}
	b.counters.FromMedium.Add(1)
}

func (b *Bridge) onMediumState(_ transport.Transport, ev transport.Event) {
	switch ev {
	case transport.EventConnected:
		b.log.Info("medium connected")
	case transport.EventDisconnected:
		b.log.Warn("medium disconnected")
	case transport.EventReconnecting:
		b.log.Info("medium reconnecting")
	case transport.EventError:
		b.log.Warn("medium error")
	}
}
