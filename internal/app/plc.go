package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tonylturner/scadasim/internal/capture"
	"github.com/tonylturner/scadasim/internal/config"
	"github.com/tonylturner/scadasim/internal/control"
	scadaerrors "github.com/tonylturner/scadasim/internal/errors"
	"github.com/tonylturner/scadasim/internal/logging"
	"github.com/tonylturner/scadasim/internal/metrics"
	"github.com/tonylturner/scadasim/internal/process"
	"github.com/tonylturner/scadasim/internal/regmap"
	"github.com/tonylturner/scadasim/internal/serialport"
	"github.com/tonylturner/scadasim/internal/server"
)

// PLCOptions are the command line overrides of `plc start`.
type PLCOptions struct {
	ConfigPath  string
	ListenIP    string
	ListenPort  int
	UnitID      int
	MemoryModel string
	RTUDevice   string
	PCAPFile    string
	Metrics     bool
	LogOptions
}

// LoadPLC loads the PLC configuration and applies the flag overrides.
func LoadPLC(opts PLCOptions) (*config.PLCConfig, error) {
	var cfg *config.PLCConfig
	if opts.ConfigPath == "" {
		cfg = config.CreateDefaultPLCConfig()
	} else {
		var err error
		cfg, err = config.LoadPLCConfig(opts.ConfigPath)
		if err != nil {
			return nil, &ConfigError{Err: err}
		}
	}
	if opts.ListenIP != "" {
		cfg.Transports.TCP.ListenIP = opts.ListenIP
	}
	if opts.ListenPort != 0 {
		cfg.Transports.TCP.Port = opts.ListenPort
		cfg.Transports.TCP.Enabled = true
	}
	if opts.UnitID != 0 {
		cfg.Device.UnitID = uint8(opts.UnitID)
	}
	if opts.MemoryModel != "" {
		cfg.Device.MemoryModel = opts.MemoryModel
	}
	if opts.RTUDevice != "" {
		cfg.Transports.RTU.Enabled = true
		cfg.Transports.RTU.Device = opts.RTUDevice
		cfg.Transports.RTU.Config = cfg.Transports.RTU.Config.WithDefaults()
	}
	if opts.PCAPFile != "" {
		cfg.Capture.PcapFile = opts.PCAPFile
	}
	if opts.Metrics {
		cfg.Metrics.Enable = true
	}
	opts.LogOptions.apply(&cfg.Logging)
	if err := config.ValidatePLCConfig(cfg); err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("validate config: %w", err)}
	}
	return cfg, nil
}

// RunPLC runs a simulated PLC until SIGINT or SIGTERM.
func RunPLC(opts PLCOptions) error {
	cfg, err := LoadPLC(opts)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()

	rec, err := openCapture(cfg.Capture.PcapFile, logger)
	if err != nil {
		return err
	}
	defer closeCapture(rec, cfg.Capture.PcapFile)

	plc, err := NewPLC(cfg, logger, metrics.New(), rec)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "SCADASIM PLC %q starting (unit %d, %s memory model)\n",
		cfg.Device.Name, cfg.Device.UnitID, cfg.Model())
	if err := plc.Start(); err != nil {
		return err
	}
	if addr := plc.TCPAddr(); addr != nil {
		fmt.Fprintf(os.Stdout, "Modbus/TCP listening on %s\n", addr)
	}

	ctx, stop := signalContext()
	defer stop()
	err = plc.Run(ctx)
	fmt.Fprintf(os.Stdout, "\nPLC stopped\n")
	return err
}

// PLC wires the register map, the control loop and the slave transports of
// one simulated device.
type PLC struct {
	cfg     *config.PLCConfig
	logger  *logging.Logger
	metrics *metrics.Metrics

	Map  *regmap.Map
	Loop *control.Loop

	slave *server.Slave
	tcp   *server.TCPListener
	rtu   *server.RTUSession
}

// NewPLC builds the device from a validated configuration.
func NewPLC(cfg *config.PLCConfig, logger *logging.Logger, m *metrics.Metrics, rec *capture.Recorder) (*PLC, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	rmap, err := cfg.BuildMap()
	if err != nil {
		return nil, fmt.Errorf("build register map: %w", err)
	}
	policy, err := server.ParseUnitPolicy(cfg.Transports.TCP.UnitIDPolicy)
	if err != nil {
		return nil, err
	}
	p := &PLC{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		Map:     rmap,
		Loop: &control.Loop{
			Map:         rmap,
			Params:      cfg.Params(),
			Bindings:    cfg.Bindings,
			Period:      cfg.Period(),
			LockTimeout: cfg.LockTimeout(),
			Logger:      logger.WithField("component", "control"),
			Metrics:     m,
		},
	}
	p.slave = server.NewSlave(rmap.Store(), server.Options{
		UnitID:      cfg.Device.UnitID,
		UnitPolicy:  policy,
		LockTimeout: cfg.LockTimeout(),
		Logger:      logger.WithField("component", "slave"),
		Metrics:     m,
		Capture:     rec,
	})
	return p, nil
}

// Start seeds the process state and binds the transports.
func (p *PLC) Start() error {
	if err := p.seed(); err != nil {
		return err
	}

	if p.cfg.Transports.TCP.Enabled {
		t := p.cfg.Transports.TCP
		p.tcp = server.NewTCPListener(p.slave, server.TCPConfig{
			Addr:           t.Addr(),
			Framing:        t.Framing,
			IdleTimeout:    time.Duration(t.IdleTimeoutMs) * time.Millisecond,
			MaxConnections: t.MaxConnections,
		})
		if err := p.tcp.Start(); err != nil {
			return scadaerrors.WrapNetworkError(err, t.Addr())
		}
	}
	if p.cfg.Transports.RTU.Enabled {
		rtu := p.cfg.Transports.RTU
		port, err := serialport.Open(rtu.Config)
		if err != nil {
			p.stopTCP()
			return err
		}
		gap := p.cfg.RTUGap()
		if gap == 0 {
			gap = server.RTUGap(rtu.Baud)
		}
		p.rtu = server.NewRTUSession(p.slave, port, server.RTUConfig{Name: rtu.Device, Gap: gap})
		p.logger.Info("Modbus/RTU serving %s at %d baud", rtu.Device, rtu.Baud)
	}
	return nil
}

func (p *PLC) seed() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mode, err := process.ParseMode(p.cfg.Process.InitialMode)
	if err != nil {
		return err
	}
	if err := p.Loop.Start(ctx, time.Now(), p.cfg.Process.InitialLevel, mode); err != nil {
		return fmt.Errorf("start control loop: %w", err)
	}
	b := p.cfg.Bindings
	err = p.Map.Update(ctx, func(tx *regmap.Tx) error {
		for name, v := range map[string]float64{b.Setpoint: p.cfg.Process.Setpoint, b.Gain: p.cfg.Process.Gain, b.Rate: p.cfg.Process.Rate} {
			if err := tx.Set(name, v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("seed operator registers: %w", err)
	}
	return nil
}

// PLCPoints returns the register map of a configured PLC in its initial
// state, without starting any transport.
func PLCPoints(opts PLCOptions) (*config.PLCConfig, []regmap.PointValue, error) {
	cfg, err := LoadPLC(opts)
	if err != nil {
		return nil, nil, err
	}
	p, err := NewPLC(cfg, nil, nil, nil)
	if err != nil {
		return nil, nil, err
	}
	if err := p.seed(); err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	values, err := p.Map.Snapshot(ctx)
	return cfg, values, err
}

// TCPAddr returns the bound TCP address, or nil when TCP is disabled.
func (p *PLC) TCPAddr() net.Addr {
	if p.tcp == nil {
		return nil
	}
	return p.tcp.Addr()
}

// Run drives the control loop, the RTU line and the metrics endpoint until
// ctx is cancelled, then stops the transports.
func (p *PLC) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := p.Loop.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if p.rtu != nil {
		g.Go(func() error { return p.rtu.Run(gctx) })
	}
	serveMetrics(gctx, g, p.cfg.Metrics, p.metrics, p.logger)

	err := g.Wait()
	p.stopTCP()
	return err
}

func (p *PLC) stopTCP() {
	if p.tcp != nil {
		if err := p.tcp.Stop(); err != nil {
			p.logger.Error("Stop TCP listener: %v", err)
		}
	}
}
