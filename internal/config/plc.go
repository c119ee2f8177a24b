package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tonylturner/scadasim/internal/control"
	"github.com/tonylturner/scadasim/internal/process"
	"github.com/tonylturner/scadasim/internal/regmap"
	"github.com/tonylturner/scadasim/internal/serialport"
)

// PLCConfig is the configuration of one simulated PLC.
type PLCConfig struct {
	Device      DeviceConfig      `yaml:"device"`
	RegisterMap RegisterMapConfig `yaml:"register_map"`
	Bindings    control.Bindings  `yaml:"bindings"`
	Process     ProcessConfig     `yaml:"process"`
	Control     ControlConfig     `yaml:"control"`
	Transports  TransportsConfig  `yaml:"transports"`
	Logging     LoggingConfig     `yaml:"logging,omitempty"`
	Metrics     MetricsConfig     `yaml:"metrics,omitempty"`
	Capture     CaptureConfig     `yaml:"capture,omitempty"`
}

// DeviceConfig identifies the device.
type DeviceConfig struct {
	Name        string `yaml:"name"`
	UnitID      uint8  `yaml:"unit_id"`
	MemoryModel string `yaml:"memory_model"` // "current" or "legacy"
}

// RegisterMapConfig holds one point list per memory model. Only the list of
// the configured model is used; an empty list selects the built-in table.
type RegisterMapConfig struct {
	WordOrder       string        `yaml:"word_order,omitempty"`
	ZeroPlaceholder float32       `yaml:"zero_placeholder,omitempty"`
	Current         []PointConfig `yaml:"current,omitempty"`
	Legacy          []PointConfig `yaml:"legacy,omitempty"`
}

// ProcessConfig sets the tank parameters and the initial operator values.
type ProcessConfig struct {
	MinLevel     float64 `yaml:"min_level"`
	MaxLevel     float64 `yaml:"max_level"`
	DrainRate    float64 `yaml:"drain_rate"`
	ManualRate   float64 `yaml:"manual_rate"`
	InitialLevel float64 `yaml:"initial_level"`
	InitialMode  string  `yaml:"initial_mode"`
	Setpoint     float64 `yaml:"setpoint"`
	Gain         float64 `yaml:"gain"`
	Rate         float64 `yaml:"rate"`
}

// ControlConfig sets the scan cadence.
type ControlConfig struct {
	PeriodMs      int `yaml:"period_ms"`
	LockTimeoutMs int `yaml:"lock_timeout_ms"`
}

// TransportsConfig lists the slave interfaces of the PLC.
type TransportsConfig struct {
	TCP TCPTransportConfig `yaml:"tcp"`
	RTU RTUTransportConfig `yaml:"rtu,omitempty"`
}

// TCPTransportConfig configures the Modbus/TCP listener.
type TCPTransportConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ListenIP       string `yaml:"listen_ip"`
	Port           int    `yaml:"port"`
	Framing        string `yaml:"framing,omitempty"`        // "mbap" or "rtu"
	UnitIDPolicy   string `yaml:"unit_id_policy,omitempty"` // "drop" or "exception"
	IdleTimeoutMs  int    `yaml:"idle_timeout_ms,omitempty"`
	MaxConnections int    `yaml:"max_connections,omitempty"`
}

// Addr returns the listen address.
func (t TCPTransportConfig) Addr() string {
	return fmt.Sprintf("%s:%d", t.ListenIP, t.Port)
}

// RTUTransportConfig configures the serial slave.
type RTUTransportConfig struct {
	Enabled           bool `yaml:"enabled"`
	serialport.Config `yaml:",inline"`
	InterFrameGapMs   int `yaml:"inter_frame_gap_ms,omitempty"`
}

// CreateDefaultPLCConfig creates the default tank PLC configuration.
func CreateDefaultPLCConfig() *PLCConfig {
	cfg := &PLCConfig{
		Device: DeviceConfig{
			Name:        "Tank PLC",
			UnitID:      1,
			MemoryModel: string(regmap.ModelCurrent),
		},
		RegisterMap: RegisterMapConfig{
			WordOrder:       "big",
			ZeroPlaceholder: 0.0001,
			Current:         PointConfigs(regmap.DefaultPoints(regmap.ModelCurrent)),
			Legacy:          PointConfigs(regmap.DefaultPoints(regmap.ModelLegacy)),
		},
		Bindings: control.DefaultBindings(),
		Process: ProcessConfig{
			MinLevel:    0,
			MaxLevel:    100,
			DrainRate:   1,
			ManualRate:  4,
			InitialMode: "off",
			Setpoint:    50,
			Gain:        5,
			Rate:        1,
		},
		Transports: TransportsConfig{
			TCP: TCPTransportConfig{Enabled: true},
		},
	}
	applyPLCDefaults(cfg)
	return cfg
}

// WriteDefaultPLCConfig writes the default PLC configuration to a file.
func WriteDefaultPLCConfig(path string) error {
	return writeConfigFile(path, CreateDefaultPLCConfig())
}

// LoadPLCConfig loads and validates a PLC configuration.
func LoadPLCConfig(path string) (*PLCConfig, error) {
	data, err := readConfigFile(path, "PLC")
	if err != nil {
		return nil, err
	}
	var cfg PLCConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	applyPLCDefaults(&cfg)
	if err := ValidatePLCConfig(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func applyPLCDefaults(cfg *PLCConfig) {
	if cfg.Device.UnitID == 0 {
		cfg.Device.UnitID = 1
	}
	if cfg.Device.MemoryModel == "" {
		cfg.Device.MemoryModel = string(regmap.ModelCurrent)
	}
	if cfg.Bindings == (control.Bindings{}) {
		cfg.Bindings = control.DefaultBindings()
	}
	if cfg.Process.MaxLevel == 0 && cfg.Process.MinLevel == 0 {
		cfg.Process.MaxLevel = 100
	}
	if cfg.Process.InitialMode == "" {
		cfg.Process.InitialMode = "off"
	}
	if cfg.Control.PeriodMs == 0 {
		cfg.Control.PeriodMs = 1000
	}
	if cfg.Control.LockTimeoutMs == 0 {
		cfg.Control.LockTimeoutMs = cfg.Control.PeriodMs / 2
	}
	tcp := &cfg.Transports.TCP
	if tcp.ListenIP == "" {
		tcp.ListenIP = "0.0.0.0"
	}
	if tcp.Port == 0 {
		tcp.Port = 502
	}
	if tcp.Framing == "" {
		tcp.Framing = "mbap"
	}
	if tcp.UnitIDPolicy == "" {
		tcp.UnitIDPolicy = "drop"
	}
	if tcp.IdleTimeoutMs == 0 {
		tcp.IdleTimeoutMs = 60000
	}
	if cfg.Transports.RTU.Enabled {
		cfg.Transports.RTU.Config = cfg.Transports.RTU.Config.WithDefaults()
	}
	applyLoggingDefaults(&cfg.Logging)
	applyMetricsDefaults(&cfg.Metrics, 9110)
}

// ValidatePLCConfig validates a PLC configuration.
func ValidatePLCConfig(cfg *PLCConfig) error {
	if cfg.Device.UnitID == 0 || cfg.Device.UnitID > 247 {
		return fmt.Errorf("device.unit_id must be between 1 and 247, got %d", cfg.Device.UnitID)
	}
	if _, err := regmap.ParseMemoryModel(cfg.Device.MemoryModel); err != nil {
		return fmt.Errorf("device.memory_model: %w", err)
	}
	if _, err := regmap.ParseWordOrder(cfg.RegisterMap.WordOrder); err != nil {
		return fmt.Errorf("register_map.word_order: %w", err)
	}
	if cfg.RegisterMap.ZeroPlaceholder < 0 {
		return fmt.Errorf("register_map.zero_placeholder must be >= 0")
	}
	m, err := cfg.BuildMap()
	if err != nil {
		return fmt.Errorf("register_map: %w", err)
	}
	if err := cfg.Bindings.Validate(m); err != nil {
		return fmt.Errorf("bindings: %w", err)
	}

	if err := cfg.Params().Validate(); err != nil {
		return fmt.Errorf("process: %w", err)
	}
	p := cfg.Process
	if p.InitialLevel < p.MinLevel || p.InitialLevel > p.MaxLevel {
		return fmt.Errorf("process.initial_level %.2f outside [%.2f, %.2f]", p.InitialLevel, p.MinLevel, p.MaxLevel)
	}
	if _, err := process.ParseMode(p.InitialMode); err != nil {
		return fmt.Errorf("process.initial_mode: %w", err)
	}
	if p.Gain < 0 || p.Rate < 0 {
		return fmt.Errorf("process.gain and process.rate must be >= 0")
	}
	if cfg.Control.PeriodMs <= 0 {
		return fmt.Errorf("control.period_ms must be > 0")
	}
	if cfg.Control.LockTimeoutMs < 0 {
		return fmt.Errorf("control.lock_timeout_ms must be >= 0")
	}

	tcp := cfg.Transports.TCP
	rtu := cfg.Transports.RTU
	if !tcp.Enabled && !rtu.Enabled {
		return fmt.Errorf("transports: at least one of tcp or rtu must be enabled")
	}
	if tcp.Enabled {
		if err := validatePort("transports.tcp.port", tcp.Port); err != nil {
			return err
		}
		switch tcp.Framing {
		case "mbap", "rtu":
		default:
			return fmt.Errorf("transports.tcp.framing must be mbap or rtu, got '%s'", tcp.Framing)
		}
		switch tcp.UnitIDPolicy {
		case "drop", "exception":
		default:
			return fmt.Errorf("transports.tcp.unit_id_policy must be drop or exception, got '%s'", tcp.UnitIDPolicy)
		}
		if err := nonNegative("transports.tcp.idle_timeout_ms", tcp.IdleTimeoutMs); err != nil {
			return err
		}
		if err := nonNegative("transports.tcp.max_connections", tcp.MaxConnections); err != nil {
			return err
		}
	}
	if rtu.Enabled {
		if err := rtu.Config.Validate(); err != nil {
			return fmt.Errorf("transports.rtu: %w", err)
		}
		if err := nonNegative("transports.rtu.inter_frame_gap_ms", rtu.InterFrameGapMs); err != nil {
			return err
		}
	}

	if err := validateLogging(cfg.Logging); err != nil {
		return err
	}
	return validateMetrics(cfg.Metrics)
}

// Model returns the configured memory model.
func (c *PLCConfig) Model() regmap.MemoryModel {
	m, _ := regmap.ParseMemoryModel(c.Device.MemoryModel)
	return m
}

// Points returns the point list of the configured memory model.
func (c *PLCConfig) Points() ([]regmap.Point, error) {
	model := c.Model()
	list := c.RegisterMap.Current
	if model == regmap.ModelLegacy {
		list = c.RegisterMap.Legacy
	}
	if len(list) == 0 {
		return regmap.DefaultPoints(model), nil
	}
	out := make([]regmap.Point, 0, len(list))
	for _, pc := range list {
		p, err := pc.Point()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// BuildMap builds the register map described by the configuration.
func (c *PLCConfig) BuildMap() (*regmap.Map, error) {
	order, err := regmap.ParseWordOrder(c.RegisterMap.WordOrder)
	if err != nil {
		return nil, err
	}
	points, err := c.Points()
	if err != nil {
		return nil, err
	}
	return regmap.New(regmap.Options{
		Model:       c.Model(),
		WordOrder:   order,
		Placeholder: c.RegisterMap.ZeroPlaceholder,
	}, points)
}

// Params returns the tank parameters.
func (c *PLCConfig) Params() process.Params {
	return process.Params{
		MinLevel:   c.Process.MinLevel,
		MaxLevel:   c.Process.MaxLevel,
		DrainRate:  c.Process.DrainRate,
		ManualRate: c.Process.ManualRate,
	}
}

// Period returns the control loop period.
func (c *PLCConfig) Period() time.Duration {
	return time.Duration(c.Control.PeriodMs) * time.Millisecond
}

// LockTimeout returns how long a tick or request waits for the map.
func (c *PLCConfig) LockTimeout() time.Duration {
	return time.Duration(c.Control.LockTimeoutMs) * time.Millisecond
}

// RTUGap returns the configured inter-frame gap, or zero for the baud default.
func (c *PLCConfig) RTUGap() time.Duration {
	return time.Duration(c.Transports.RTU.InterFrameGapMs) * time.Millisecond
}
