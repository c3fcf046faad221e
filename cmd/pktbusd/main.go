// Command pktbusd runs a packet bus node: it claims addresses for its local
// drivers on a serial bus and optionally bridges the bus over MQTT or a
// websocket hub.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kabili207/pktserial-go/config"
	"github.com/kabili207/pktserial-go/core/event"
	"github.com/kabili207/pktserial-go/device/bridge"
	"github.com/kabili207/pktserial-go/device/journal"
	"github.com/kabili207/pktserial-go/device/link"
	"github.com/kabili207/pktserial-go/device/messagebus"
	"github.com/kabili207/pktserial-go/device/protocol"
	"github.com/kabili207/pktserial-go/device/radio"
	"github.com/kabili207/pktserial-go/transport"
	"github.com/kabili207/pktserial-go/transport/loopback"
	"github.com/kabili207/pktserial-go/transport/mqtt"
	"github.com/kabili207/pktserial-go/transport/serial"
	"github.com/kabili207/pktserial-go/transport/websocket"
)

var version = "dev"

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	listPorts := flag.Bool("list-ports", false, "List serial ports and exit")
	validate := flag.Bool("validate", false, "Validate configuration and exit")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("pktbusd %s\n", version)
		return
	}

	if *listPorts {
		ports, err := serial.ListPorts()
		if err != nil {
			fmt.Fprintf(os.Stderr, "list ports: %v\n", err)
			os.Exit(1)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := newLogger(cfg.Logging)
	slog.SetDefault(log)

	if *validate {
		log.Info("configuration is valid")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("pktbusd failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// node holds everything run starts, so it can be stopped in reverse order.
type node struct {
	log     *slog.Logger
	stops   []func() error
	closers []func() error
}

func (n *node) shutdown() {
	for i := len(n.stops) - 1; i >= 0; i-- {
		if err := n.stops[i](); err != nil {
			n.log.Warn("shutdown", "error", err)
		}
	}
	for _, c := range n.closers {
		if err := c(); err != nil {
			n.log.Warn("close", "error", err)
		}
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	n := &node{log: log}
	defer n.shutdown()

	log.Info("starting pktbusd",
		"version", version,
		"node", cfg.Node.Name,
		"serial", fmt.Sprintf("%08x", cfg.Node.SerialNumber))

	events := event.New()
	proto := protocol.New(protocol.Config{
		AddressAllocTime: cfg.Protocol.AddressAllocTime,
		CtrlPacketTime:   cfg.Protocol.CtrlPacketTime,
		DriverTimeout:    cfg.Protocol.DriverTimeout,
		Events:           events,
		Logger:           log,
	})

	if cfg.Journal.Enabled {
		j, err := journal.Open(journal.Config{Path: cfg.Journal.Path, Logger: log})
		if err != nil {
			return err
		}
		n.closers = append(n.closers, j.Close)
		proto.SetEventHandler(j.Handler())
		log.Info("journal opened", "path", cfg.Journal.Path)
	}

	if cfg.WebSocket.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.WebSocket.Listen,
			Handler:           websocket.NewHub(log),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("websocket hub", "error", err)
			}
		}()
		n.stops = append(n.stops, func() error {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
		log.Info("websocket hub listening", "addr", cfg.WebSocket.Listen)
	}

	serialNumber := cfg.Node.SerialNumber
	nextSerial := func() uint32 {
		s := serialNumber
		serialNumber++
		return s
	}

	if cfg.Bridge.Enabled {
		medium := newMedium(cfg, cfg.MQTT.BusID, log)
		b, err := bridge.New(bridge.Config{
			Medium:       medium,
			SerialNumber: nextSerial(),
			History:      cfg.Bridge.History,
			Logger:       log,
		})
		if err != nil {
			return err
		}
		if err := proto.Add(b); err != nil {
			return fmt.Errorf("add bridge: %w", err)
		}
		if err := b.Start(ctx); err != nil {
			return fmt.Errorf("start bridge medium: %w", err)
		}
		n.stops = append(n.stops, b.Stop)
	}

	if cfg.Radio.Enabled {
		if err := addRadio(ctx, n, proto, cfg, events, nextSerial(), log); err != nil {
			return err
		}
	}

	mb, err := messagebus.New(messagebus.Config{
		Events:       events,
		SerialNumber: nextSerial(),
		Logger:       log,
	})
	if err != nil {
		return err
	}
	if err := proto.Add(mb); err != nil {
		return fmt.Errorf("add message bus: %w", err)
	}
	mb.Listen(radio.EventSource, event.AnyValue)

	l := link.New(link.Config{
		Transport:      newWire(cfg.Bus, log),
		TickInterval:   cfg.Bus.TickInterval,
		RxQueue:        cfg.Bus.RxQueue,
		TxQueue:        cfg.Bus.TxQueue,
		TxTimeoutTicks: cfg.Bus.TxTimeoutTicks,
		MaxRetries:     cfg.Bus.MaxRetries,
		Logger:         log,
	})
	l.SetErrorHandler(func(err error) {
		log.Debug("bus error", "error", err)
	})
	proto.Attach(l)
	if err := l.Start(ctx); err != nil {
		return fmt.Errorf("start link: %w", err)
	}
	n.stops = append(n.stops, l.Stop)

	log.Info("pktbusd running", "transport", cfg.Bus.Transport, "drivers", len(proto.Drivers()))
	<-ctx.Done()
	log.Info("shutting down")

	lc := l.Counters().Snapshot()
	pc := proto.Counters().Snapshot()
	log.Info("final counters", "link", fmt.Sprintf("%+v", lc), "protocol", fmt.Sprintf("%+v", pc))
	return nil
}

func addRadio(ctx context.Context, n *node, proto *protocol.Protocol, cfg *config.Config, events *event.Bus, serialNumber uint32, log *slog.Logger) error {
	if strings.EqualFold(cfg.Radio.Mode, "host") {
		medium := mqtt.New(mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			UseTLS:      cfg.MQTT.TLS,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			BusID:       cfg.MQTT.BusID + "-radio",
			Logger:      log,
		})
		h, err := radio.NewHost(radio.HostConfig{Medium: medium, SerialNumber: serialNumber, Logger: log})
		if err != nil {
			return err
		}
		if err := proto.Add(h); err != nil {
			return fmt.Errorf("add radio host: %w", err)
		}
		if err := h.Start(ctx); err != nil {
			return fmt.Errorf("start radio medium: %w", err)
		}
		n.stops = append(n.stops, h.Stop)
		return nil
	}

	c := radio.NewClient(radio.ClientConfig{
		AppID:  cfg.Radio.AppID,
		Queue:  cfg.Radio.Queue,
		Events: events,
		Logger: log,
	})
	if err := proto.Add(c); err != nil {
		return fmt.Errorf("add radio client: %w", err)
	}
	events.Listen(radio.EventSource, radio.EventDataReady, func(uint16, uint16) {
		for {
			pkt, ok := c.Recv()
			if !ok {
				return
			}
			log.Info("radio packet", "app", pkt.AppID, "id", pkt.ID, "len", len(pkt.Data))
		}
	})
	return nil
}

func newWire(cfg config.BusConfig, log *slog.Logger) transport.Transport {
	if strings.EqualFold(cfg.Transport, "loopback") {
		return loopback.NewWire().Attach()
	}
	return serial.New(serial.Config{Port: cfg.Port, BaudRate: cfg.Baud, Logger: log})
}

func newMedium(cfg *config.Config, busID string, log *slog.Logger) transport.Transport {
	if strings.EqualFold(cfg.Bridge.Medium, "websocket") {
		return websocket.New(websocket.Config{URL: cfg.WebSocket.URL, Logger: log})
	}
	return mqtt.New(mqtt.Config{
		Broker:      cfg.MQTT.Broker,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		UseTLS:      cfg.MQTT.TLS,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		BusID:       busID,
		Logger:      log,
	})
}
