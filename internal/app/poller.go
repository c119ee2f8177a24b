package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tonylturner/scadasim/internal/config"
	scadaerrors "github.com/tonylturner/scadasim/internal/errors"
	"github.com/tonylturner/scadasim/internal/logging"
	"github.com/tonylturner/scadasim/internal/metrics"
	"github.com/tonylturner/scadasim/internal/poller"
	"github.com/tonylturner/scadasim/internal/regmap"
	"github.com/tonylturner/scadasim/internal/server"
	"github.com/tonylturner/scadasim/internal/sink"
)

// PollerOptions are the command line overrides of `poll start` and
// `poll once`.
type PollerOptions struct {
	ConfigPath string
	IntervalMs int
	SQLitePath string
	CSVPath    string
	MQTTBroker string
	NoLocal    bool
	Metrics    bool
	LogOptions
}

// LoadPoller loads the poller configuration and applies the flag overrides.
func LoadPoller(opts PollerOptions) (*config.PollerConfig, error) {
	var cfg *config.PollerConfig
	if opts.ConfigPath == "" {
		cfg = config.CreateDefaultPollerConfig()
	} else {
		var err error
		cfg, err = config.LoadPollerConfig(opts.ConfigPath)
		if err != nil {
			return nil, &ConfigError{Err: err}
		}
	}
	if opts.IntervalMs > 0 {
		cfg.IntervalMs = opts.IntervalMs
	}
	if opts.SQLitePath != "" {
		cfg.Sinks.SQLite.Path = opts.SQLitePath
	}
	if opts.CSVPath != "" {
		cfg.Sinks.CSV.Path = opts.CSVPath
	}
	if opts.MQTTBroker != "" {
		cfg.Sinks.MQTT.Broker = opts.MQTTBroker
	}
	if opts.NoLocal {
		cfg.Local.Enabled = false
		for i := range cfg.Slaves {
			cfg.Slaves[i].StalePoint = ""
			cfg.Slaves[i].Writes = nil
			for j := range cfg.Slaves[i].Points {
				cfg.Slaves[i].Points[j].LocalPoint = ""
			}
		}
	}
	if opts.Metrics {
		cfg.Metrics.Enable = true
	}
	opts.LogOptions.apply(&cfg.Logging)
	if err := config.ValidatePollerConfig(cfg); err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("validate config: %w", err)}
	}
	return cfg, nil
}

// Master is a configured poller with its local slave and sinks.
type Master struct {
	cfg     *config.PollerConfig
	logger  *logging.Logger
	metrics *metrics.Metrics

	Local  *regmap.Map
	Poller *poller.Poller

	sinks sink.Multi
	tcp   *server.TCPListener
}

// NewMaster builds the local map, opens the sinks and prepares the slave
// clients. Nothing listens until Start.
func NewMaster(cfg *config.PollerConfig, logger *logging.Logger, m *metrics.Metrics) (*Master, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	local, err := cfg.BuildLocalMap()
	if err != nil {
		return nil, fmt.Errorf("build local map: %w", err)
	}
	slaves, err := cfg.PollerSlaves()
	if err != nil {
		return nil, err
	}
	ms := &Master{cfg: cfg, logger: logger, metrics: m, Local: local}
	if err := ms.openSinks(); err != nil {
		ms.sinks.Close()
		return nil, err
	}
	pubs := make([]poller.Publisher, 0, 1)
	if len(ms.sinks) > 0 {
		pubs = append(pubs, ms.sinks)
	}
	ms.Poller, err = poller.New(poller.Config{
		Slaves:   slaves,
		Interval: cfg.Interval(),
	}, local, pubs, logger.WithField("component", "poller"), m)
	if err != nil {
		ms.sinks.Close()
		return nil, err
	}
	return ms, nil
}

func (ms *Master) openSinks() error {
	s := ms.cfg.Sinks
	if s.SQLite.Path != "" {
		db, err := sink.OpenSQLite(s.SQLite.Path, ms.logger.WithField("sink", "sqlite"))
		if err != nil {
			return err
		}
		ms.sinks = append(ms.sinks, db)
		ms.logger.Info("Recording samples to %s", s.SQLite.Path)
	}
	if s.CSV.Path != "" {
		c, err := sink.CreateCSV(s.CSV.Path)
		if err != nil {
			return err
		}
		ms.sinks = append(ms.sinks, c)
		ms.logger.Info("Writing samples to %s", s.CSV.Path)
	}
	if s.MQTT.Broker != "" {
		mq, err := sink.DialMQTT(sink.MQTTConfig{
			Broker:   s.MQTT.Broker,
			ClientID: s.MQTT.ClientID,
			Username: s.MQTT.Username,
			Password: s.MQTT.Password,
			Prefix:   s.MQTT.TopicPrefix,
			QoS:      s.MQTT.QoS,
			Retain:   s.MQTT.Retain,
		}, ms.logger.WithField("sink", "mqtt"))
		if err != nil {
			return err
		}
		ms.sinks = append(ms.sinks, mq)
	}
	return nil
}

// Start binds the local slave when enabled.
func (ms *Master) Start() error {
	if ms.Local == nil {
		return nil
	}
	slave := server.NewSlave(ms.Local.Store(), server.Options{
		UnitID:  ms.cfg.Local.UnitID,
		Logger:  ms.logger.WithField("component", "local-slave"),
		Metrics: ms.metrics,
	})
	ms.tcp = server.NewTCPListener(slave, server.TCPConfig{Addr: ms.cfg.Local.Addr(), IdleTimeout: time.Minute})
	if err := ms.tcp.Start(); err != nil {
		return scadaerrors.WrapNetworkError(err, ms.cfg.Local.Addr())
	}
	return nil
}

// LocalAddr returns the bound address of the local slave, or nil.
func (ms *Master) LocalAddr() net.Addr {
	if ms.tcp == nil {
		return nil
	}
	return ms.tcp.Addr()
}

// Run polls until ctx is cancelled.
func (ms *Master) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ms.Poller.Run(gctx) })
	serveMetrics(gctx, g, ms.cfg.Metrics, ms.metrics, ms.logger)
	return g.Wait()
}

// Close stops the local slave and releases the clients and sinks.
func (ms *Master) Close() error {
	var errs []error
	if ms.tcp != nil {
		errs = append(errs, ms.tcp.Stop())
	}
	errs = append(errs, ms.Poller.Close(), ms.sinks.Close())
	return errors.Join(errs...)
}

// RunPoller polls the configured slaves until SIGINT or SIGTERM.
func RunPoller(opts PollerOptions) error {
	cfg, err := LoadPoller(opts)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()

	ms, err := NewMaster(cfg, logger, metrics.New())
	if err != nil {
		return err
	}
	defer ms.Close()
	if err := ms.Start(); err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "SCADASIM poller: %d slave(s) every %v\n", len(cfg.Slaves), cfg.Interval())
	if addr := ms.LocalAddr(); addr != nil {
		fmt.Fprintf(os.Stdout, "Local slave (unit %d, %s memory model) on %s\n",
			cfg.Local.UnitID, ms.Local.Model(), addr)
	}

	ctx, stop := signalContext()
	defer stop()
	err = ms.Run(ctx)
	fmt.Fprintf(os.Stdout, "\nPoller stopped\n")
	return err
}

// PollOnce polls every slave once and returns the samples. The local slave
// is not started.
func PollOnce(opts PollerOptions) ([]poller.Sample, error) {
	cfg, err := LoadPoller(opts)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	defer logger.Close()

	ms, err := NewMaster(cfg, logger, nil)
	if err != nil {
		return nil, err
	}
	defer ms.Close()

	timeout := 10 * time.Second
	for _, s := range cfg.Slaves {
		if t := 3 * time.Duration(s.TimeoutMs) * time.Millisecond; t > timeout {
			timeout = t
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return ms.Poller.PollOnce(ctx)
}
