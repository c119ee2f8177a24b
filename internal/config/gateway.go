package config

import (
	"fmt"
	"net"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tonylturner/scadasim/internal/framing"
	"github.com/tonylturner/scadasim/internal/modbus"
	"github.com/tonylturner/scadasim/internal/serialport"
)

// GatewayConfig is the configuration of the serial to Modbus/TCP bridge.
type GatewayConfig struct {
	Serial      serialport.Config `yaml:"serial"`
	Framing     FramingConfig     `yaml:"framing"`
	Destination DestinationConfig `yaml:"destination"`
	QueueDepth  int               `yaml:"queue_depth,omitempty"`
	Logging     LoggingConfig     `yaml:"logging,omitempty"`
	Metrics     MetricsConfig     `yaml:"metrics,omitempty"`
	Capture     CaptureConfig     `yaml:"capture,omitempty"`
}

// FramingConfig selects how units are cut from the serial stream.
type FramingConfig struct {
	Mode            string `yaml:"mode"` // "rtu", "ascii" or "fixed"
	FixedSize       int    `yaml:"fixed_size,omitempty"`
	InterFrameGapMs int    `yaml:"inter_frame_gap_ms,omitempty"`
	MaxFrame        int    `yaml:"max_frame,omitempty"`
}

// DestinationConfig is the Modbus/TCP slave units are forwarded to.
type DestinationConfig struct {
	Address          string `yaml:"address"`
	ConnectTimeoutMs int    `yaml:"connect_timeout_ms,omitempty"`
	WriteTimeoutMs   int    `yaml:"write_timeout_ms,omitempty"`
}

// CreateDefaultGatewayConfig creates a gateway forwarding /dev/ttyUSB0 to a
// local PLC.
func CreateDefaultGatewayConfig() *GatewayConfig {
	cfg := &GatewayConfig{
		Serial:      serialport.Config{Device: "/dev/ttyUSB0"},
		Framing:     FramingConfig{Mode: string(framing.ModeRTU)},
		Destination: DestinationConfig{Address: "127.0.0.1:502"},
	}
	applyGatewayDefaults(cfg)
	return cfg
}

// WriteDefaultGatewayConfig writes the default gateway configuration to a file.
func WriteDefaultGatewayConfig(path string) error {
	return writeConfigFile(path, CreateDefaultGatewayConfig())
}

// LoadGatewayConfig loads and validates a gateway configuration.
func LoadGatewayConfig(path string) (*GatewayConfig, error) {
	data, err := readConfigFile(path, "gateway")
	if err != nil {
		return nil, err
	}
	var cfg GatewayConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	applyGatewayDefaults(&cfg)
	if err := ValidateGatewayConfig(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func applyGatewayDefaults(cfg *GatewayConfig) {
	cfg.Serial = cfg.Serial.WithDefaults()
	if cfg.Framing.Mode == "" {
		cfg.Framing.Mode = string(framing.ModeRTU)
	}
	if cfg.Framing.MaxFrame == 0 {
		cfg.Framing.MaxFrame = 4 * modbus.RTUMaxFrameSize
	}
	if cfg.Destination.ConnectTimeoutMs == 0 {
		cfg.Destination.ConnectTimeoutMs = 2000
	}
	if cfg.Destination.WriteTimeoutMs == 0 {
		cfg.Destination.WriteTimeoutMs = 2000
	}
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = 64
	}
	applyLoggingDefaults(&cfg.Logging)
	applyMetricsDefaults(&cfg.Metrics, 9111)
}

// ValidateGatewayConfig validates a gateway configuration.
func ValidateGatewayConfig(cfg *GatewayConfig) error {
	if err := cfg.Serial.Validate(); err != nil {
		return fmt.Errorf("serial: %w", err)
	}
	mode, err := framing.ParseMode(cfg.Framing.Mode)
	if err != nil {
		return fmt.Errorf("framing.mode: %w", err)
	}
	if mode == framing.ModeFixed && (cfg.Framing.FixedSize < modbus.RTUMinFrameSize || cfg.Framing.FixedSize > modbus.RTUMaxFrameSize) {
		return fmt.Errorf("framing.fixed_size must be between %d and %d in fixed mode", modbus.RTUMinFrameSize, modbus.RTUMaxFrameSize)
	}
	if err := nonNegative("framing.inter_frame_gap_ms", cfg.Framing.InterFrameGapMs); err != nil {
		return err
	}
	if cfg.Framing.MaxFrame < modbus.RTUMaxFrameSize {
		return fmt.Errorf("framing.max_frame must be >= %d", modbus.RTUMaxFrameSize)
	}
	if cfg.Destination.Address == "" {
		return fmt.Errorf("destination.address is required")
	}
	if _, port, err := net.SplitHostPort(cfg.Destination.Address); err != nil || port == "" {
		return fmt.Errorf("destination.address must be host:port, got '%s'", cfg.Destination.Address)
	}
	if cfg.Destination.ConnectTimeoutMs < 0 || cfg.Destination.WriteTimeoutMs < 0 {
		return fmt.Errorf("destination timeouts must be >= 0")
	}
	if cfg.QueueDepth < 1 {
		return fmt.Errorf("queue_depth must be >= 1")
	}
	if err := validateLogging(cfg.Logging); err != nil {
		return err
	}
	return validateMetrics(cfg.Metrics)
}

// FramingOptions converts the framing section.
func (c *GatewayConfig) FramingOptions() framing.Options {
	mode, _ := framing.ParseMode(c.Framing.Mode)
	return framing.Options{
		Mode:      mode,
		FixedSize: c.Framing.FixedSize,
		Gap:       time.Duration(c.Framing.InterFrameGapMs) * time.Millisecond,
		MaxBuffer: c.Framing.MaxFrame,
	}
}

// ConnectTimeout returns the destination connect timeout.
func (c *GatewayConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.Destination.ConnectTimeoutMs) * time.Millisecond
}

// WriteTimeout returns the destination write timeout.
func (c *GatewayConfig) WriteTimeout() time.Duration {
	return time.Duration(c.Destination.WriteTimeoutMs) * time.Millisecond
}
