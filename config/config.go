// Package config loads the pktbusd daemon configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kabili207/pktserial-go/core"
)

// Config represents the application configuration
type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	Bus       BusConfig       `mapstructure:"bus"`
	Protocol  ProtocolConfig  `mapstructure:"protocol"`
	Bridge    BridgeConfig    `mapstructure:"bridge"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Radio     RadioConfig     `mapstructure:"radio"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// NodeConfig identifies this node
type NodeConfig struct {
	Name string `mapstructure:"name"`
	// SerialNumber is the base serial for local drivers. Zero derives one
	// from Name.
	SerialNumber uint32 `mapstructure:"serial_number"`
}

// BusConfig selects the wire and the frame layer parameters
type BusConfig struct {
	Transport      string        `mapstructure:"transport"` // serial, loopback
	Port           string        `mapstructure:"port"`
	Baud           int           `mapstructure:"baud"`
	TickInterval   time.Duration `mapstructure:"tick_interval"`
	TxQueue        int           `mapstructure:"tx_queue"`
	RxQueue        int           `mapstructure:"rx_queue"`
	TxTimeoutTicks int           `mapstructure:"tx_timeout_ticks"`
	MaxRetries     int           `mapstructure:"max_retries"`
}

// ProtocolConfig holds the control timings, in ticks
type ProtocolConfig struct {
	DriverTimeout    int `mapstructure:"driver_timeout"`
	AddressAllocTime int `mapstructure:"address_alloc_time"`
	CtrlPacketTime   int `mapstructure:"ctrl_packet_time"`
}

// BridgeConfig enables relaying the bus over a shared medium
type BridgeConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Medium  string `mapstructure:"medium"` // mqtt, websocket
	History int    `mapstructure:"history"`
}

// MQTTConfig holds MQTT broker settings
type MQTTConfig struct {
	Broker      string `mapstructure:"broker"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TLS         bool   `mapstructure:"tls"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	BusID       string `mapstructure:"bus_id"`
}

// WebSocketConfig holds the relay hub settings
type WebSocketConfig struct {
	// URL of the hub a websocket medium dials.
	URL string `mapstructure:"url"`
	// Listen, if set, serves a hub on this address.
	Listen string `mapstructure:"listen"`
}

// RadioConfig enables the radio driver
type RadioConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Mode    string `mapstructure:"mode"` // host, client
	AppID   uint8  `mapstructure:"app_id"`
	Queue   int    `mapstructure:"queue"`
}

// JournalConfig enables the device event journal
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
}

// Load loads configuration from file and environment variables
func Load(configFile string) (*Config, error) {
	setDefaults()

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath("/etc/pktbusd")
	}

	// PKTBUS_BUS_PORT overrides bus.port.
	viper.SetEnvPrefix("PKTBUS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Node.SerialNumber == 0 {
		config.Node.SerialNumber = core.DeriveSerialNumber(config.Node.Name)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "pktbusd"
	}
	viper.SetDefault("node.name", hostname)
	viper.SetDefault("node.serial_number", 0)

	viper.SetDefault("bus.transport", "serial")
	viper.SetDefault("bus.port", "")
	viper.SetDefault("bus.baud", 115200)
	viper.SetDefault("bus.tick_interval", "4ms")
	viper.SetDefault("bus.tx_queue", 10)
	viper.SetDefault("bus.rx_queue", 10)
	viper.SetDefault("bus.tx_timeout_ticks", 2)
	viper.SetDefault("bus.max_retries", 3)

	viper.SetDefault("protocol.driver_timeout", 254)
	viper.SetDefault("protocol.address_alloc_time", 254)
	viper.SetDefault("protocol.ctrl_packet_time", 112)

	viper.SetDefault("bridge.enabled", false)
	viper.SetDefault("bridge.medium", "mqtt")
	viper.SetDefault("bridge.history", 8)

	viper.SetDefault("mqtt.broker", "")
	viper.SetDefault("mqtt.tls", false)
	viper.SetDefault("mqtt.topic_prefix", "pktbus")
	viper.SetDefault("mqtt.bus_id", "default")

	viper.SetDefault("websocket.url", "")
	viper.SetDefault("websocket.listen", "")

	viper.SetDefault("radio.enabled", false)
	viper.SetDefault("radio.mode", "client")
	viper.SetDefault("radio.app_id", 0)
	viper.SetDefault("radio.queue", 10)

	viper.SetDefault("journal.enabled", false)
	viper.SetDefault("journal.path", "pktbus.db")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")
}
