package config

import (
	"fmt"
	"strings"
)

// validate validates the configuration
func validate(cfg *Config) error {
	switch strings.ToLower(cfg.Bus.Transport) {
	case "serial":
		if cfg.Bus.Port == "" {
			return fmt.Errorf("bus.port is required for the serial transport")
		}
		if cfg.Bus.Baud <= 0 {
			return fmt.Errorf("bus.baud must be positive")
		}
	case "loopback":
	default:
		return fmt.Errorf("invalid bus.transport %s (must be serial or loopback)", cfg.Bus.Transport)
	}
	if cfg.Bus.TickInterval < 0 {
		return fmt.Errorf("bus.tick_interval must not be negative")
	}

	for name, v := range map[string]int{
		"protocol.driver_timeout":     cfg.Protocol.DriverTimeout,
		"protocol.address_alloc_time": cfg.Protocol.AddressAllocTime,
		"protocol.ctrl_packet_time":   cfg.Protocol.CtrlPacketTime,
	} {
		if v < 0 || v > 255 {
			return fmt.Errorf("%s must be between 0 and 255", name)
		}
	}

	if cfg.Bridge.Enabled {
		switch strings.ToLower(cfg.Bridge.Medium) {
		case "mqtt":
			if cfg.MQTT.Broker == "" {
				return fmt.Errorf("mqtt.broker is required when the bridge uses mqtt")
			}
		case "websocket":
			if cfg.WebSocket.URL == "" {
				return fmt.Errorf("websocket.url is required when the bridge uses websocket")
			}
		default:
			return fmt.Errorf("invalid bridge.medium %s (must be mqtt or websocket)", cfg.Bridge.Medium)
		}
	}

	if cfg.Radio.Enabled {
		mode := strings.ToLower(cfg.Radio.Mode)
		if mode != "host" && mode != "client" {
			return fmt.Errorf("invalid radio.mode %s (must be host or client)", cfg.Radio.Mode)
		}
		if mode == "host" && cfg.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required for a radio host")
		}
	}

	if cfg.Journal.Enabled && cfg.Journal.Path == "" {
		return fmt.Errorf("journal.path is required when the journal is enabled")
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %s", cfg.Logging.Level)
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging.format %s", cfg.Logging.Format)
	}

	return nil
}
