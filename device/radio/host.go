package radio

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

// HostConfig configures a Host.
type HostConfig struct {
	// Medium carries encoded radio packets. Required.
	Medium transport.Transport

	// SerialNumber identifies the host on the bus.
	SerialNumber uint32

	// History is the number of packet keys remembered. Default: 4.
	History int

	// Queue is the number of packets waiting for the medium before new ones
	// are dropped. Default: transport.DefaultQueueDepth.
	Queue int

	// Logger for radio events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// HostCounters tracks host statistics.
type HostCounters struct {
	ToMedium   atomic.Uint32 // Client packets queued for the medium
	FromMedium atomic.Uint32 // Medium packets re-sent on the bus
	Duplicates atomic.Uint32 // Packets suppressed by the history
	Invalid    atomic.Uint32 // Packets without the radio magic
}

// Host is the local radio driver that owns the medium.
type Host struct {
	*protocol.Base

	log      *slog.Logger
	medium   *transport.Queue
	history  *dedupe.History
	counters HostCounters
}

// NewHost creates a radio host.
func NewHost(cfg HostConfig) (*Host, error) {
	if cfg.Medium == nil {
		return nil, fmt.Errorf("%w: radio host needs a medium", core.ErrInvalidParameter)
	}
	if cfg.History <= 0 {
		cfg.History = dedupe.DefaultRadioHistory
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Host{
		Base:    protocol.NewLocal(core.ClassRadio, cfg.SerialNumber),
		log:     logger.WithGroup("radio"),
		medium:  transport.NewQueue(cfg.Medium, cfg.Queue, logger),
		history: dedupe.New(cfg.History),
	}
	h.medium.SetFrameHandler(h.onMediumPacket)
	return h, nil
}

// Start connects the medium.
func (h *Host) Start(ctx context.Context) error {
	if err := h.medium.Start(ctx); err != nil {
		return fmt.Errorf("starting radio medium: %w", err)
	}
	return nil
}

// Stop disconnects the medium.
func (h *Host) Stop() error {
	return h.medium.Stop()
}

// Counters returns the host's statistics.
func (h *Host) Counters() *HostCounters {
	return &h.counters
}

// MediumCounters returns the statistics of the medium write queue.
func (h *Host) MediumCounters() *transport.QueueCounters {
	return h.medium.Counters()
}

// HandlePacket takes a client's packet, queues it for the medium and echoes
// it on the bus.
func (h *Host) HandlePacket(f *codec.Frame) error {
	pkt, err := codec.DecodeRadioPacket(f.Data)
	if err != nil {
		h.counters.Invalid.Add(1)
		h.log.Debug("dropping non-radio packet", "error", err)
		return nil
	}
	if h.history.HasSeen(pkt.Key()) {
		h.counters.Duplicates.Add(1)
		return nil
	}

	if err := h.medium.SendFrame(f.Data); err != nil {
		h.log.Debug("packet not queued for medium", "app_id", pkt.AppID, "id", pkt.ID, "error", err)
	} else {
		h.counters.ToMedium.Add(1)
	}
	if err := h.Send(f.Data); err != nil {
		h.log.Warn("failed to echo packet", "app_id", pkt.AppID, "id", pkt.ID, "error", err)
	}
	return nil
}

func (h *Host) onMediumPacket(data []byte, source transport.FrameSource) {
	if len(data) > codec.MaxPayloadSize {
		data = data[:codec.MaxPayloadSize]
	}
	pkt, err := codec.DecodeRadioPacket(data)
	if err != nil {
		h.counters.Invalid.Add(1)
		h.log.Debug("dropping medium packet", "source", source, "error", err)
		return
	}
	if h.history.HasSeen(pkt.Key()) {
		h.counters.Duplicates.Add(1)
		return
	}
	if err := h.Send(data); err != nil {
		h.log.Warn("failed to relay medium packet", "app_id", pkt.AppID, "id", pkt.ID, "error", err)
		return
	}
	h.counters.FromMedium.Add(1)
}
