package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tonylturner/scadasim/internal/modbus"
	"github.com/tonylturner/scadasim/internal/poller"
	"github.com/tonylturner/scadasim/internal/regmap"
	"github.com/tonylturner/scadasim/internal/serialport"
)

// PollerConfig is the configuration of the Modbus master.
type PollerConfig struct {
	IntervalMs int           `yaml:"interval_ms"`
	Slaves     []SlaveConfig `yaml:"slaves"`
	Local      LocalConfig   `yaml:"local,omitempty"`
	Sinks      SinksConfig   `yaml:"sinks,omitempty"`
	Logging    LoggingConfig `yaml:"logging,omitempty"`
	Metrics    MetricsConfig `yaml:"metrics,omitempty"`
}

// SlaveConfig describes one polled slave.
type SlaveConfig struct {
	Name       string              `yaml:"name"`
	Transport  string              `yaml:"transport"` // "tcp" or "rtu"
	Address    string              `yaml:"address"`   // host:port or serial device
	UnitID     uint8               `yaml:"unit_id"`
	TimeoutMs  int                 `yaml:"timeout_ms,omitempty"`
	Serial     serialport.Config   `yaml:"serial,omitempty"`
	WordOrder  string              `yaml:"word_order,omitempty"`
	MaxGap     int                 `yaml:"max_gap,omitempty"`
	StalePoint string              `yaml:"stale_point,omitempty"`
	Points     []RemotePointConfig `yaml:"points"`
	Writes     []RemotePointConfig `yaml:"writes,omitempty"`
}

// RemotePointConfig is a point on a slave and the local point it feeds, or
// for writes, the local point it mirrors.
type RemotePointConfig struct {
	Name       string       `yaml:"name"`
	Table      modbus.Table `yaml:"table"`
	Address    uint16       `yaml:"address"`
	Type       string       `yaml:"type"`
	LocalPoint string       `yaml:"local_point,omitempty"`
}

// LocalConfig configures the map the poller republishes into and the slave
// that serves it.
type LocalConfig struct {
	Enabled     bool          `yaml:"enabled"`
	UnitID      uint8         `yaml:"unit_id,omitempty"`
	MemoryModel string        `yaml:"memory_model,omitempty"`
	WordOrder   string        `yaml:"word_order,omitempty"`
	ListenIP    string        `yaml:"listen_ip,omitempty"`
	Port        int           `yaml:"port,omitempty"`
	Points      []PointConfig `yaml:"points,omitempty"`
}

// Addr returns the listen address of the local slave.
func (l LocalConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.ListenIP, l.Port)
}

// SinksConfig lists the history outputs. Empty sections are disabled.
type SinksConfig struct {
	SQLite SQLiteSinkConfig `yaml:"sqlite,omitempty"`
	MQTT   MQTTSinkConfig   `yaml:"mqtt,omitempty"`
	CSV    CSVSinkConfig    `yaml:"csv,omitempty"`
}

// SQLiteSinkConfig enables the sample database.
type SQLiteSinkConfig struct {
	Path string `yaml:"path,omitempty"`
}

// MQTTSinkConfig enables publishing to a broker.
type MQTTSinkConfig struct {
	Broker      string `yaml:"broker,omitempty"`
	ClientID    string `yaml:"client_id,omitempty"`
	Username    string `yaml:"username,omitempty"`
	Password    string `yaml:"password,omitempty"`
	TopicPrefix string `yaml:"topic_prefix,omitempty"`
	QoS         byte   `yaml:"qos,omitempty"`
	Retain      bool   `yaml:"retain,omitempty"`
}

// CSVSinkConfig enables the CSV sample log.
type CSVSinkConfig struct {
	Path string `yaml:"path,omitempty"`
}

// CreateDefaultPollerConfig polls the default PLC and republishes it on a
// legacy-model slave.
func CreateDefaultPollerConfig() *PollerConfig {
	localPoints := append(regmap.DefaultPoints(regmap.ModelLegacy),
		regmap.Point{Name: "tank_stale", Table: modbus.TableCoils, Address: 1, Type: regmap.TypeBit})
	cfg := &PollerConfig{
		IntervalMs: 1000,
		Slaves: []SlaveConfig{{
			Name:       "tank",
			Transport:  "tcp",
			Address:    "127.0.0.1:502",
			UnitID:     1,
			StalePoint: "tank_stale",
			Points: []RemotePointConfig{
				{Name: "mode", Table: modbus.TableHoldingRegisters, Address: 100, Type: "uint16", LocalPoint: "mode"},
				{Name: "setpoint", Table: modbus.TableHoldingRegisters, Address: 101, Type: "float32", LocalPoint: "setpoint"},
				{Name: "level", Table: modbus.TableInputRegisters, Address: 300, Type: "float32", LocalPoint: "level"},
				{Name: "inflow", Table: modbus.TableInputRegisters, Address: 302, Type: "float32", LocalPoint: "inflow"},
				{Name: "outflow", Table: modbus.TableInputRegisters, Address: 304, Type: "float32", LocalPoint: "outflow"},
				{Name: "pump_running", Table: modbus.TableDiscreteInputs, Address: 200, Type: "bit", LocalPoint: "pump_running"},
			},
		}},
		Local: LocalConfig{
			Enabled:     true,
			MemoryModel: string(regmap.ModelLegacy),
			Points:      PointConfigs(localPoints),
		},
	}
	applyPollerDefaults(cfg)
	return cfg
}

// WriteDefaultPollerConfig writes the default poller configuration to a file.
func WriteDefaultPollerConfig(path string) error {
	return writeConfigFile(path, CreateDefaultPollerConfig())
}

// LoadPollerConfig loads and validates a poller configuration.
func LoadPollerConfig(path string) (*PollerConfig, error) {
	data, err := readConfigFile(path, "poller")
	if err != nil {
		return nil, err
	}
	var cfg PollerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	applyPollerDefaults(&cfg)
	if err := ValidatePollerConfig(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func applyPollerDefaults(cfg *PollerConfig) {
	if cfg.IntervalMs == 0 {
		cfg.IntervalMs = 1000
	}
	for i := range cfg.Slaves {
		s := &cfg.Slaves[i]
		if s.Transport == "" {
			s.Transport = "tcp"
		}
		if s.UnitID == 0 {
			s.UnitID = 1
		}
		if s.TimeoutMs == 0 {
			s.TimeoutMs = 1000
		}
		if s.Transport == "rtu" {
			s.Serial = s.Serial.WithDefaults()
		}
	}
	if cfg.Local.Enabled {
		if cfg.Local.UnitID == 0 {
			cfg.Local.UnitID = 1
		}
		if cfg.Local.MemoryModel == "" {
			cfg.Local.MemoryModel = string(regmap.ModelCurrent)
		}
		if cfg.Local.ListenIP == "" {
			cfg.Local.ListenIP = "0.0.0.0"
		}
		if cfg.Local.Port == 0 {
			cfg.Local.Port = 503
		}
	}
	applyLoggingDefaults(&cfg.Logging)
	applyMetricsDefaults(&cfg.Metrics, 9112)
}

// ValidatePollerConfig validates a poller configuration.
func ValidatePollerConfig(cfg *PollerConfig) error {
	if cfg.IntervalMs <= 0 {
		return fmt.Errorf("interval_ms must be > 0")
	}
	if len(cfg.Slaves) == 0 {
		return fmt.Errorf("slaves must have at least one entry")
	}
	var local *regmap.Map
	if cfg.Local.Enabled {
		if err := validatePort("local.port", cfg.Local.Port); err != nil {
			return err
		}
		m, err := cfg.BuildLocalMap()
		if err != nil {
			return fmt.Errorf("local: %w", err)
		}
		local = m
	}
	for i, s := range cfg.Slaves {
		if s.Name == "" {
			return fmt.Errorf("slaves[%d]: name is required", i)
		}
		if s.Address == "" {
			return fmt.Errorf("slaves[%d]: address is required", i)
		}
		if _, err := poller.ParseTransport(s.Transport); err != nil {
			return fmt.Errorf("slaves[%d]: %w", i, err)
		}
		if s.Transport == "rtu" {
			s.Serial.Device = s.Address
			if err := s.Serial.Validate(); err != nil {
				return fmt.Errorf("slaves[%d].serial: %w", i, err)
			}
		}
		if s.UnitID > 247 {
			return fmt.Errorf("slaves[%d]: unit_id must be between 1 and 247", i)
		}
		if _, err := regmap.ParseWordOrder(s.WordOrder); err != nil {
			return fmt.Errorf("slaves[%d].word_order: %w", i, err)
		}
		if err := nonNegative(fmt.Sprintf("slaves[%d].max_gap", i), s.MaxGap); err != nil {
			return err
		}
	}
	if err := validateLogging(cfg.Logging); err != nil {
		return err
	}
	if err := validateMetrics(cfg.Metrics); err != nil {
		return err
	}
	// cross references between slaves and the local map
	_, err := cfg.PollerSlaves()
	if err != nil {
		return err
	}
	return checkLocalRefs(cfg, local)
}

func checkLocalRefs(cfg *PollerConfig, local *regmap.Map) error {
	for _, s := range cfg.Slaves {
		refs := []string{s.StalePoint}
		for _, p := range s.Points {
			refs = append(refs, p.LocalPoint)
		}
		for _, w := range s.Writes {
			if w.LocalPoint == "" {
				return fmt.Errorf("slave %s: write %s needs local_point", s.Name, w.Name)
			}
			refs = append(refs, w.LocalPoint)
		}
		for _, name := range refs {
			if name == "" {
				continue
			}
			if local == nil {
				return fmt.Errorf("slave %s: local point %q requires local.enabled", s.Name, name)
			}
			if _, ok := local.Point(name); !ok {
				return fmt.Errorf("slave %s: local point %q is not in the local map", s.Name, name)
			}
		}
	}
	return nil
}

// BuildLocalMap builds the local register map, or returns nil when the local
// slave is disabled.
func (c *PollerConfig) BuildLocalMap() (*regmap.Map, error) {
	if !c.Local.Enabled {
		return nil, nil
	}
	model, err := regmap.ParseMemoryModel(c.Local.MemoryModel)
	if err != nil {
		return nil, err
	}
	order, err := regmap.ParseWordOrder(c.Local.WordOrder)
	if err != nil {
		return nil, err
	}
	points := regmap.DefaultPoints(model)
	if len(c.Local.Points) > 0 {
		points = points[:0:0]
		for _, pc := range c.Local.Points {
			p, err := pc.Point()
			if err != nil {
				return nil, err
			}
			points = append(points, p)
		}
	}
	return regmap.New(regmap.Options{Model: model, WordOrder: order}, points)
}

// PollerSlaves converts the slave list.
func (c *PollerConfig) PollerSlaves() ([]poller.Slave, error) {
	out := make([]poller.Slave, 0, len(c.Slaves))
	for _, s := range c.Slaves {
		transport, err := poller.ParseTransport(s.Transport)
		if err != nil {
			return nil, err
		}
		order, err := regmap.ParseWordOrder(s.WordOrder)
		if err != nil {
			return nil, err
		}
		ps := poller.Slave{
			Name: s.Name,
			Endpoint: poller.Endpoint{
				Transport: transport,
				Address:   s.Address,
				UnitID:    s.UnitID,
				Timeout:   time.Duration(s.TimeoutMs) * time.Millisecond,
				Serial: poller.SerialSettings{
					Baud:     s.Serial.Baud,
					DataBits: s.Serial.DataBits,
					Parity:   s.Serial.Parity,
					StopBits: s.Serial.StopBits,
				},
			},
			WordOrder:  order,
			MaxGap:     s.MaxGap,
			StalePoint: s.StalePoint,
		}
		for _, rp := range s.Points {
			p, err := rp.point()
			if err != nil {
				return nil, fmt.Errorf("slave %s: %w", s.Name, err)
			}
			ps.Points = append(ps.Points, p)
		}
		for _, rp := range s.Writes {
			p, err := rp.point()
			if err != nil {
				return nil, fmt.Errorf("slave %s: %w", s.Name, err)
			}
			ps.Writes = append(ps.Writes, poller.Write{Local: rp.LocalPoint, Remote: p})
		}
		out = append(out, ps)
	}
	return out, nil
}

// Interval returns the poll interval.
func (c *PollerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

func (rp RemotePointConfig) point() (poller.Point, error) {
	typ, err := regmap.ParsePointType(rp.Type)
	if err != nil {
		return poller.Point{}, fmt.Errorf("point %q: %w", rp.Name, err)
	}
	if rp.Table.IsBit() != (typ == regmap.TypeBit) {
		return poller.Point{}, fmt.Errorf("point %q: %s cannot be stored in %s", rp.Name, typ, rp.Table)
	}
	return poller.Point{Name: rp.Name, Table: rp.Table, Address: rp.Address, Type: typ, Local: rp.LocalPoint}, nil
}
