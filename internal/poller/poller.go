// Package poller is the Modbus master side of the testbed. It polls remote
// slaves on an interval and republishes what it reads into a local register
// map, which an embedded slave can serve, and into history sinks.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tonylturner/scadasim/internal/logging"
	"github.com/tonylturner/scadasim/internal/metrics"
	"github.com/tonylturner/scadasim/internal/modbus"
	"github.com/tonylturner/scadasim/internal/regmap"
)

// Point is a value read from a slave.
type Point struct {
	Name    string
	Table   modbus.Table
	Address uint16
	Type    regmap.PointType
	// Local names the point of the local map that receives the value.
	Local string
}

// Write mirrors a local point onto a slave whenever its value changes.
type Write struct {
	Local  string
	Remote Point
}

// Slave describes one polled device.
type Slave struct {
	Name      string
	Endpoint  Endpoint
	Points    []Point
	Writes    []Write
	WordOrder regmap.WordOrder
	// MaxGap overrides DefaultMaxGap when positive.
	MaxGap int
	// StalePoint names a local bit set while the slave is unreachable.
	StalePoint string
}

// Config configures a Poller.
type Config struct {
	Slaves      []Slave
	Interval    time.Duration
	LockTimeout time.Duration
	// Connector defaults to Connect.
	Connector Connector
}

// Sample is one point value taken in a poll. Stale samples carry the last
// value read successfully.
type Sample struct {
	Time  time.Time
	Slave string
	Point string
	Value float64
	Stale bool
}

// Publisher receives the samples of every poll. Publish may be called from
// several slave goroutines at once.
type Publisher interface {
	Publish(ctx context.Context, samples []Sample) error
}

// Poller polls the configured slaves.
type Poller struct {
	cfg     Config
	local   *regmap.Map
	pubs    []Publisher
	logger  *logging.Logger
	metrics *metrics.Metrics
	slaves  []*slaveState
}

type slaveState struct {
	cfg    Slave
	conn   Conn
	groups []group
	logger *logging.Logger

	mu      sync.Mutex
	last    map[string]float64
	stale   bool
	written map[string]float64
}

// New validates the configuration and prepares a client per slave. local may
// be nil when no point is republished and no write is mirrored.
func New(cfg Config, local *regmap.Map, pubs []Publisher, logger *logging.Logger, m *metrics.Metrics) (*Poller, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 100 * time.Millisecond
	}
	if cfg.Connector == nil {
		cfg.Connector = Connect
	}
	if logger == nil {
		logger = logging.Discard()
	}
	if len(cfg.Slaves) == 0 {
		return nil, errors.New("no slaves configured")
	}

	p := &Poller{cfg: cfg, local: local, pubs: pubs, logger: logger, metrics: m}
	seen := make(map[string]bool)
	for _, s := range cfg.Slaves {
		if err := p.check(s); err != nil {
			return nil, err
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicate slave name %q", s.Name)
		}
		seen[s.Name] = true

		conn, err := cfg.Connector(s.Endpoint)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("slave %s: %w", s.Name, err)
		}
		maxGap := DefaultMaxGap
		if s.MaxGap > 0 {
			maxGap = s.MaxGap
		}
		p.slaves = append(p.slaves, &slaveState{
			cfg:     s,
			conn:    conn,
			groups:  planReads(s.Points, maxGap),
			logger:  logger.WithField("slave", s.Name),
			last:    make(map[string]float64),
			written: make(map[string]float64),
		})
	}
	return p, nil
}

func (p *Poller) check(s Slave) error {
	if s.Name == "" {
		return errors.New("slave without a name")
	}
	if len(s.Points) == 0 && len(s.Writes) == 0 {
		return fmt.Errorf("slave %s has no points", s.Name)
	}
	names := make(map[string]bool)
	for _, pt := range s.Points {
		if pt.Name == "" || names[pt.Name] {
			return fmt.Errorf("slave %s: missing or duplicate point name %q", s.Name, pt.Name)
		}
		names[pt.Name] = true
		if pt.Table.IsBit() != (pt.Type == regmap.TypeBit) {
			return fmt.Errorf("slave %s point %s: %s cannot be read from %s", s.Name, pt.Name, pt.Type, pt.Table)
		}
		if err := p.localPoint(s.Name, pt.Local); err != nil {
			return err
		}
	}
	for _, w := range s.Writes {
		if w.Local == "" {
			return fmt.Errorf("slave %s: write to %s has no local point", s.Name, w.Remote.Name)
		}
		if w.Remote.Table.ReadOnly() {
			return fmt.Errorf("slave %s: write target %s is in read-only %s", s.Name, w.Remote.Name, w.Remote.Table)
		}
		if err := p.localPoint(s.Name, w.Local); err != nil {
			return err
		}
	}
	return p.localPoint(s.Name, s.StalePoint)
}

func (p *Poller) localPoint(slave, name string) error {
	if name == "" {
		return nil
	}
	if p.local == nil {
		return fmt.Errorf("slave %s: local point %q configured without a local map", slave, name)
	}
	if _, ok := p.local.Point(name); !ok {
		return fmt.Errorf("slave %s: local point %q: %w", slave, name, regmap.ErrUnknownPoint)
	}
	return nil
}

// Run polls every slave in its own goroutine until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range p.slaves {
		s := s
		g.Go(func() error {
			ticker := time.NewTicker(p.cfg.Interval)
			defer ticker.Stop()
			for {
				p.poll(ctx, s)
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}
	p.logger.Info("Polling %d slave(s) every %v", len(p.slaves), p.cfg.Interval)
	return g.Wait()
}

// PollOnce polls every slave once, concurrently, and returns the samples in
// slave order.
func (p *Poller) PollOnce(ctx context.Context) ([]Sample, error) {
	results := make([][]Sample, len(p.slaves))
	var wg sync.WaitGroup
	for i, s := range p.slaves {
		wg.Add(1)
		go func(i int, s *slaveState) {
			defer wg.Done()
			results[i] = p.poll(ctx, s)
		}(i, s)
	}
	wg.Wait()
	var out []Sample
	for _, r := range results {
		out = append(out, r...)
	}
	return out, ctx.Err()
}

// Close drops every slave connection.
func (p *Poller) Close() error {
	var errs []error
	for _, s := range p.slaves {
		if err := s.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Poller) poll(ctx context.Context, s *slaveState) []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	p.mirrorWrites(ctx, s)

	values, err := s.readAll()
	if err != nil {
		// one retry on a fresh connection
		s.conn.Close()
		values, err = s.readAll()
	}
	now := time.Now()
	stale := err != nil
	if stale {
		s.conn.Close()
		if !s.stale || s.logger.Sampled("poll-failed") {
			s.logger.Error("Poll of %s failed, keeping last values: %v", s.cfg.Endpoint.Address, err)
		}
	} else {
		if s.stale {
			s.logger.Info("Slave %s reachable again", s.cfg.Name)
		}
		for k, v := range values {
			s.last[k] = v
		}
	}
	s.stale = stale
	p.metrics.Poll(s.cfg.Name, now.Sub(start), stale)

	samples := make([]Sample, 0, len(s.cfg.Points))
	for _, pt := range s.cfg.Points {
		v, ok := s.last[pt.Name]
		if !ok {
			continue
		}
		samples = append(samples, Sample{Time: now, Slave: s.cfg.Name, Point: pt.Name, Value: v, Stale: stale})
	}

	p.republish(ctx, s, samples)
	for _, pub := range p.pubs {
		if err := pub.Publish(ctx, samples); err != nil && s.logger.Sampled("publish-failed") {
			s.logger.Error("Publish failed: %v", err)
		}
	}
	return samples
}

func (s *slaveState) readAll() (map[string]float64, error) {
	out := make(map[string]float64, len(s.cfg.Points))
	for _, g := range s.groups {
		data, err := g.read(s.conn)
		if err != nil {
			return nil, fmt.Errorf("read %s %d+%d: %w", g.table, g.start, g.quantity, err)
		}
		for _, pt := range g.points {
			v, err := g.decode(data, pt, s.cfg.WordOrder)
			if err != nil {
				return nil, err
			}
			out[pt.Name] = v
		}
	}
	return out, nil
}

func (p *Poller) republish(ctx context.Context, s *slaveState, samples []Sample) {
	if p.local == nil {
		return
	}
	locals := make(map[string]string, len(s.cfg.Points))
	for _, pt := range s.cfg.Points {
		if pt.Local != "" {
			locals[pt.Name] = pt.Local
		}
	}
	if len(locals) == 0 && s.cfg.StalePoint == "" {
		return
	}
	lockCtx, cancel := context.WithTimeout(ctx, p.cfg.LockTimeout)
	defer cancel()
	err := p.local.Update(lockCtx, func(tx *regmap.Tx) error {
		for _, smp := range samples {
			if name, ok := locals[smp.Point]; ok {
				if err := tx.Set(name, smp.Value); err != nil {
					return err
				}
			}
		}
		if s.cfg.StalePoint != "" {
			return tx.Set(s.cfg.StalePoint, boolFloat(s.stale))
		}
		return nil
	})
	if err != nil && s.logger.Sampled("republish-failed") {
		s.logger.Error("Republish into local map failed: %v", err)
	}
}

func (p *Poller) mirrorWrites(ctx context.Context, s *slaveState) {
	if len(s.cfg.Writes) == 0 {
		return
	}
	lockCtx, cancel := context.WithTimeout(ctx, p.cfg.LockTimeout)
	defer cancel()
	values := make([]float64, len(s.cfg.Writes))
	err := p.local.Update(lockCtx, func(tx *regmap.Tx) error {
		for i, w := range s.cfg.Writes {
			v, err := tx.Get(w.Local)
			if err != nil {
				return err
			}
			values[i] = v
		}
		return nil
	})
	if err != nil {
		if s.logger.Sampled("mirror-read-failed") {
			s.logger.Error("Reading local points to mirror failed: %v", err)
		}
		return
	}
	for i, w := range s.cfg.Writes {
		if prev, ok := s.written[w.Local]; ok && prev == values[i] {
			continue
		}
		if err := writePoint(s.conn, w.Remote, values[i], s.cfg.WordOrder); err != nil {
			s.conn.Close()
			if s.logger.Sampled("mirror-failed") {
				s.logger.Error("Mirroring %s to %s failed: %v", w.Local, w.Remote.Name, err)
			}
			return
		}
		s.written[w.Local] = values[i]
		s.logger.Verbose("Mirrored %s=%g to %s", w.Local, values[i], w.Remote.Name)
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
