package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/tonylturner/scadasim/internal/capture"
	"github.com/tonylturner/scadasim/internal/config"
	"github.com/tonylturner/scadasim/internal/logging"
	"github.com/tonylturner/scadasim/internal/metrics"
)

// LogOptions are the logging flags shared by every command.
type LogOptions struct {
	LogFormat string
	LogLevel  string
	LogEvery  int
	LogFile   string
}

func (o LogOptions) apply(cfg *config.LoggingConfig) {
	if o.LogFormat != "" {
		cfg.Format = o.LogFormat
	}
	if o.LogLevel != "" {
		cfg.Level = o.LogLevel
	}
	if o.LogEvery > 0 {
		cfg.LogEveryN = o.LogEvery
	}
	if o.LogFile != "" {
		cfg.LogFile = o.LogFile
	}
}

func newLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLoggerWithOptions(level, cfg.LogFile, cfg.Format, cfg.LogEveryN)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return logger, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// serveMetrics starts the /metrics endpoint in g when enabled.
func serveMetrics(ctx context.Context, g *errgroup.Group, cfg config.MetricsConfig, m *metrics.Metrics, logger *logging.Logger) {
	if !cfg.Enable {
		return
	}
	addr := cfg.Addr()
	logger.Info("Metrics on http://%s/metrics", addr)
	g.Go(func() error {
		if err := m.Serve(ctx, addr); err != nil {
			return fmt.Errorf("metrics endpoint %s: %w", addr, err)
		}
		return nil
	})
}

func openCapture(path string, logger *logging.Logger) (*capture.Recorder, error) {
	if path == "" {
		return nil, nil
	}
	rec, err := capture.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create capture file: %w", err)
	}
	logger.Info("Capturing Modbus traffic to %s", path)
	return rec, nil
}

func closeCapture(rec *capture.Recorder, path string) {
	if rec == nil {
		return
	}
	rec.Close()
	absPath, _ := filepath.Abs(path)
	fmt.Fprintf(os.Stdout, "Packets captured: %d\n", rec.Packets())
	fmt.Fprintf(os.Stdout, "PCAP written to: %s\n", absPath)
}

// ConfigError marks a failure to load or validate a configuration. The CLI
// exits with status 2 for it.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return e.Err.Error() }

func (e *ConfigError) Unwrap() error { return e.Err }
