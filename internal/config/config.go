package config

// Configuration loading and validation for the PLC, gateway and poller

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tonylturner/scadasim/internal/errors"
	"github.com/tonylturner/scadasim/internal/modbus"
	"github.com/tonylturner/scadasim/internal/regmap"
)

// LoggingConfig controls log formatting and verbosity.
type LoggingConfig struct {
	Format    string `yaml:"format,omitempty"` // "text" or "json"
	Level     string `yaml:"level,omitempty"`  // "error","info","verbose","debug"
	LogEveryN int    `yaml:"log_every_n,omitempty"`
	LogFile   string `yaml:"log_file,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enable   bool   `yaml:"enable,omitempty"`
	ListenIP string `yaml:"listen_ip,omitempty"`
	Port     int    `yaml:"port,omitempty"`
}

// Addr returns the listen address of the metrics endpoint.
func (m MetricsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", m.ListenIP, m.Port)
}

// CaptureConfig enables writing Modbus traffic to a pcap file.
type CaptureConfig struct {
	PcapFile string `yaml:"pcap_file,omitempty"`
}

// PointConfig is one register map entry.
type PointConfig struct {
	Name       string       `yaml:"name"`
	Table      modbus.Table `yaml:"table"`
	Address    uint16       `yaml:"address"`
	Type       string       `yaml:"type"`
	HMINonZero bool         `yaml:"hmi_nonzero,omitempty"`
	Units      string       `yaml:"units,omitempty"`
}

// Point converts the entry to a register map point.
func (p PointConfig) Point() (regmap.Point, error) {
	typ, err := regmap.ParsePointType(p.Type)
	if err != nil {
		return regmap.Point{}, fmt.Errorf("point %q: %w", p.Name, err)
	}
	return regmap.Point{
		Name:       p.Name,
		Table:      p.Table,
		Address:    p.Address,
		Type:       typ,
		HMINonZero: p.HMINonZero,
		Units:      p.Units,
	}, nil
}

// PointConfigs converts register map points back to configuration entries.
func PointConfigs(points []regmap.Point) []PointConfig {
	out := make([]PointConfig, 0, len(points))
	for _, p := range points {
		out = append(out, PointConfig{
			Name:       p.Name,
			Table:      p.Table,
			Address:    p.Address,
			Type:       p.Type.String(),
			HMINonZero: p.HMINonZero,
			Units:      p.Units,
		})
	}
	return out
}

func readConfigFile(path, kind string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WrapConfigError(
				fmt.Errorf("%s config file not found: %s", kind, path),
				path,
			)
		}
		return nil, errors.WrapConfigError(fmt.Errorf("read config file: %w", err), path)
	}
	return data, nil
}

func writeConfigFile(path string, cfg interface{}) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.LogEveryN == 0 {
		cfg.LogEveryN = 1
	}
}

func applyMetricsDefaults(cfg *MetricsConfig, port int) {
	if cfg.ListenIP == "" {
		cfg.ListenIP = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = port
	}
}

func validateLogging(cfg LoggingConfig) error {
	if cfg.Level != "" {
		switch strings.ToLower(cfg.Level) {
		case "silent", "error", "info", "verbose", "debug":
		default:
			return fmt.Errorf("logging.level must be error, info, verbose, or debug")
		}
	}
	if cfg.Format != "" {
		switch strings.ToLower(cfg.Format) {
		case "text", "json":
		default:
			return fmt.Errorf("logging.format must be text or json")
		}
	}
	if cfg.LogEveryN < 0 {
		return fmt.Errorf("logging.log_every_n must be >= 0")
	}
	return nil
}

func validateMetrics(cfg MetricsConfig) error {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 0 and 65535")
	}
	return nil
}

func validatePort(field string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", field, port)
	}
	return nil
}

func nonNegative(field string, v int) error {
	if v < 0 {
		return fmt.Errorf("%s must be >= 0", field)
	}
	return nil
}
