package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/tonylturner/scadasim/internal/config"
	"github.com/tonylturner/scadasim/internal/gateway"
	"github.com/tonylturner/scadasim/internal/metrics"
	"github.com/tonylturner/scadasim/internal/serialport"
)

// GatewayOptions are the command line overrides of `gateway start`.
type GatewayOptions struct {
	ConfigPath  string
	Device      string
	Baud        int
	Destination string
	Framing     string
	PCAPFile    string
	Metrics     bool
	LogOptions
}

// LoadGateway loads the gateway configuration and applies the flag overrides.
func LoadGateway(opts GatewayOptions) (*config.GatewayConfig, error) {
	var cfg *config.GatewayConfig
	if opts.ConfigPath == "" {
		cfg = config.CreateDefaultGatewayConfig()
	} else {
		var err error
		cfg, err = config.LoadGatewayConfig(opts.ConfigPath)
		if err != nil {
			return nil, &ConfigError{Err: err}
		}
	}
	if opts.Device != "" {
		cfg.Serial.Device = opts.Device
	}
	if opts.Baud != 0 {
		cfg.Serial.Baud = opts.Baud
	}
	if opts.Destination != "" {
		cfg.Destination.Address = opts.Destination
	}
	if opts.Framing != "" {
		cfg.Framing.Mode = opts.Framing
	}
	if opts.PCAPFile != "" {
		cfg.Capture.PcapFile = opts.PCAPFile
	}
	if opts.Metrics {
		cfg.Metrics.Enable = true
	}
	opts.LogOptions.apply(&cfg.Logging)
	if err := config.ValidateGatewayConfig(cfg); err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("validate config: %w", err)}
	}
	return cfg, nil
}

// RunGateway bridges the serial line to the destination until SIGINT or
// SIGTERM.
func RunGateway(opts GatewayOptions) error {
	cfg, err := LoadGateway(opts)
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

	port, err := serialport.Open(cfg.Serial)
	if err != nil {
		return err
	}
	m := metrics.New()
	fwd := gateway.NewForwarder(gateway.ForwarderConfig{
		Addr:           cfg.Destination.Address,
		ConnectTimeout: cfg.ConnectTimeout(),
		WriteTimeout:   cfg.WriteTimeout(),
	}, logger.WithField("component", "forwarder"), rec)
	gw, err := gateway.New(port, fwd, gateway.Config{
		Name:       cfg.Serial.Device,
		Framing:    cfg.FramingOptions(),
		QueueDepth: cfg.QueueDepth,
	}, logger.WithField("component", "gateway"), m)
	if err != nil {
		port.Close()
		return err
	}

	fmt.Fprintf(os.Stdout, "SCADASIM gateway %s (%d baud) -> %s\n",
		cfg.Serial.Device, cfg.Serial.Baud, cfg.Destination.Address)

	ctx, stop := signalContext()
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := gw.Run(gctx)
		stop()
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	serveMetrics(gctx, g, cfg.Metrics, m, logger)
	err = g.Wait()

	st := gw.Stats()
	fmt.Fprintf(os.Stdout, "\nUnits read: %d, forwarded: %d, failed: %d, dropped: %d, malformed bytes: %d\n",
		st.UnitsRead, st.Forwarded, st.Failed, st.Dropped, st.Malformed)
	return err
}
