// Package gateway bridges a serial Modbus line to a Modbus/TCP slave. Units
// read from the line are re-encoded as MBAP frames and sent without waiting
// for, or checking, any reply.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tonylturner/scadasim/internal/framing"
	"github.com/tonylturner/scadasim/internal/logging"
	"github.com/tonylturner/scadasim/internal/metrics"
	"github.com/tonylturner/scadasim/internal/modbus"
)

// Config configures a Gateway.
type Config struct {
	// Name labels the source in logs.
	Name    string
	Framing framing.Options
	// QueueDepth bounds the units waiting for the forwarder; a unit that
	// finds the queue full is dropped.
	QueueDepth int
}

// Stats are the gateway counters.
type Stats struct {
	UnitsRead uint64
	Forwarded uint64
	Failed    uint64
	Dropped   uint64
	Malformed uint64
}

// Gateway runs the serial read loop and the forwarder.
type Gateway struct {
	src     io.ReadCloser
	fwd     *Forwarder
	cfg     Config
	framer  framing.Framer
	logger  *logging.Logger
	metrics *metrics.Metrics

	unitsRead atomic.Uint64
	forwarded atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
	malformed atomic.Uint64
}

// New creates a gateway reading from src. The gateway owns src and closes
// it when Run returns.
func New(src io.ReadCloser, fwd *Forwarder, cfg Config, logger *logging.Logger, m *metrics.Metrics) (*Gateway, error) {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
	if cfg.Name == "" {
		cfg.Name = "serial"
	}
	framer, err := framing.New(cfg.Framing)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Gateway{src: src, fwd: fwd, cfg: cfg, framer: framer, logger: logger, metrics: m}, nil
}

// Stats returns a snapshot of the counters.
func (g *Gateway) Stats() Stats {
	return Stats{
		UnitsRead: g.unitsRead.Load(),
		Forwarded: g.forwarded.Load(),
		Failed:    g.failed.Load(),
		Dropped:   g.dropped.Load(),
		Malformed: g.malformed.Load(),
	}
}

// Run reads the source until ctx is cancelled or the source ends. It returns
// once the unit in flight has been written or abandoned; units still queued
// at cancellation are dropped.
func (g *Gateway) Run(ctx context.Context) error {
	queue := make(chan modbus.Request, g.cfg.QueueDepth)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		g.forwardLoop(ctx, queue)
	}()

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			g.src.Close()
		case <-stop:
		}
	}()

	g.logger.Info("Gateway forwarding %s to %s (%s framing)", g.cfg.Name, g.fwd.cfg.Addr, g.cfg.Framing.Mode)
	err := g.readLoop(ctx, queue)

	close(stop)
	g.src.Close()
	close(queue)
	wg.Wait()
	g.fwd.Close()

	st := g.Stats()
	g.logger.Info("Gateway stopped: read=%d forwarded=%d failed=%d dropped=%d malformed=%d",
		st.UnitsRead, st.Forwarded, st.Failed, st.Dropped, st.Malformed)
	return err
}

func (g *Gateway) readLoop(ctx context.Context, queue chan<- modbus.Request) error {
	var malformed uint64
	buf := make([]byte, 512)
	for {
		n, err := g.src.Read(buf)
		if n > 0 {
			g.logger.LogHex("RX "+g.cfg.Name, buf[:n])
			for _, unit := range g.framer.Push(buf[:n], time.Now()) {
				g.unitsRead.Add(1)
				g.metrics.GatewayUnit(metrics.ResultRead)
				select {
				case queue <- unit:
				default:
					g.dropped.Add(1)
					g.metrics.GatewayUnit(metrics.ResultDropped)
					if g.logger.Sampled("queue-full") {
						g.logger.Error("Forward queue full, dropping unit for slave %d", unit.UnitID)
					}
				}
			}
			if m := g.framer.Malformed(); m != malformed {
				g.malformed.Store(m)
				g.metrics.GatewayUnit(metrics.ResultMalformed)
				if g.logger.Sampled("malformed") {
					g.logger.Verbose("Discarded %d malformed bytes on %s", m-malformed, g.cfg.Name)
				}
				malformed = m
			}
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read %s: %w", g.cfg.Name, err)
		}
	}
}

func (g *Gateway) forwardLoop(ctx context.Context, queue <-chan modbus.Request) {
	for unit := range queue {
		if ctx.Err() != nil {
			g.dropped.Add(1)
			g.metrics.GatewayUnit(metrics.ResultDropped)
			continue
		}
		if err := g.fwd.Forward(ctx, unit); err != nil {
			g.failed.Add(1)
			g.metrics.GatewayUnit(metrics.ResultFailed)
			if g.logger.Sampled("forward-failed") {
				g.logger.Error("Forward failed, unit abandoned: %v", err)
			}
			continue
		}
		g.forwarded.Add(1)
		g.metrics.GatewayUnit(metrics.ResultForwarded)
	}
}
