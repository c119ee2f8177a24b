// Package control runs the PLC scan: every period it reads the operator
// registers, advances the tank model and publishes the result, all under one
// hold of the register map lock.
package control

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/tonylturner/scadasim/internal/logging"
	"github.com/tonylturner/scadasim/internal/metrics"
	"github.com/tonylturner/scadasim/internal/process"
	"github.com/tonylturner/scadasim/internal/regmap"
)

// Bindings name the register map points that carry each role of the loop.
// Mode, Setpoint, Gain, Rate and Level are required; the rest are optional
// and skipped when empty.
type Bindings struct {
	Mode        string `yaml:"mode"`
	Setpoint    string `yaml:"setpoint"`
	Gain        string `yaml:"gain"`
	Rate        string `yaml:"rate"`
	Command     string `yaml:"command,omitempty"`
	Level       string `yaml:"level"`
	Inflow      string `yaml:"inflow,omitempty"`
	Outflow     string `yaml:"outflow,omitempty"`
	PumpRunning string `yaml:"pump_running,omitempty"`
	Error       string `yaml:"error,omitempty"`
}

// DefaultBindings match the point names of the default register tables.
func DefaultBindings() Bindings {
	return Bindings{
		Mode:        "mode",
		Setpoint:    "setpoint",
		Gain:        "pid_gain",
		Rate:        "pid_rate",
		Command:     "valve_command",
		Level:       "level",
		Inflow:      "inflow",
		Outflow:     "outflow",
		PumpRunning: "pump_running",
		Error:       "level_error",
	}
}

// Validate checks that every bound point exists in m.
func (b Bindings) Validate(m *regmap.Map) error {
	required := map[string]string{
		"mode": b.Mode, "setpoint": b.Setpoint, "gain": b.Gain, "rate": b.Rate, "level": b.Level,
	}
	for role, name := range required {
		if name == "" {
			return fmt.Errorf("control binding %q is required", role)
		}
	}
	for role, name := range b.roles() {
		if name == "" {
			continue
		}
		if _, ok := m.Point(name); !ok {
			return fmt.Errorf("control binding %s=%q: %w", role, name, regmap.ErrUnknownPoint)
		}
	}
	return nil
}

func (b Bindings) roles() map[string]string {
	return map[string]string{
		"mode": b.Mode, "setpoint": b.Setpoint, "gain": b.Gain, "rate": b.Rate,
		"command": b.Command, "level": b.Level, "inflow": b.Inflow, "outflow": b.Outflow,
		"pump_running": b.PumpRunning, "error": b.Error,
	}
}

// Loop is the fixed-cadence executor of the tank model.
type Loop struct {
	Map         *regmap.Map
	Params      process.Params
	Bindings    Bindings
	Period      time.Duration
	LockTimeout time.Duration
	Logger      *logging.Logger
	Metrics     *metrics.Metrics

	mu    sync.Mutex
	state process.State
	last  process.Outputs
}

// Start seeds the model state. The initial level and mode are written into
// the map so the first poll of an HMI sees them.
func (l *Loop) Start(ctx context.Context, now time.Time, level float64, mode process.Mode) error {
	if l.Logger == nil {
		l.Logger = logging.Discard()
	}
	if err := l.Params.Validate(); err != nil {
		return fmt.Errorf("process parameters: %w", err)
	}
	if err := l.Bindings.Validate(l.Map); err != nil {
		return err
	}
	level = clampLevel(level, l.Params)

	l.mu.Lock()
	l.state = process.State{Level: level, LastUpdate: now}
	l.mu.Unlock()

	return l.Map.Update(ctx, func(tx *regmap.Tx) error {
		if err := tx.Set(l.Bindings.Level, level); err != nil {
			return err
		}
		return tx.Set(l.Bindings.Mode, float64(mode))
	})
}

// Run ticks every Period until ctx is cancelled. Tick errors are logged and
// the next tick retries; Run only returns ctx's error.
func (l *Loop) Run(ctx context.Context) error {
	period := l.Period
	if period <= 0 {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	l.Logger.Info("Control loop running every %s", period)
	for {
		select {
		case <-ctx.Done():
			l.Logger.Info("Control loop stopped")
			return ctx.Err()
		case now := <-ticker.C:
			if err := l.Tick(ctx, now); err != nil && ctx.Err() == nil {
				if l.Logger.Sampled("tick-error") {
					l.Logger.Error("Control tick skipped: %v", err)
				}
			}
		}
	}
}

// Tick runs one read-step-write cycle atomically. On error nothing is
// written and the model state is left as it was.
func (l *Loop) Tick(ctx context.Context, now time.Time) error {
	lockTimeout := l.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = l.Period
	}
	if lockTimeout <= 0 {
		lockTimeout = time.Second
	}
	tickCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		next process.State
		out  process.Outputs
	)
	err := l.Map.Update(tickCtx, func(tx *regmap.Tx) error {
		in, err := l.readInputs(tx)
		if err != nil {
			return err
		}
		dt := now.Sub(l.state.LastUpdate)
		if l.state.LastUpdate.IsZero() || dt < 0 {
			dt = 0
		}
		cur := l.state
		// an operator write to the level point (a simulated sensor fault,
		// for instance) takes effect on the next step
		if lv, err := tx.Get(l.Bindings.Level); err == nil {
			cur.Level = clampLevel(lv, l.Params)
		}
		next, out = process.Step(cur, in, l.Params, dt)
		next.LastUpdate = now
		return l.writeOutputs(tx, next, out)
	})
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("register map lock not acquired within %s", lockTimeout)
	}
	if err != nil {
		l.Metrics.ControlTick(0, err)
		return err
	}
	l.state = next
	l.last = out
	l.Metrics.ControlTick(next.Level, nil)
	l.Logger.Debug("tick level=%.3f inflow=%.3f outflow=%.3f", next.Level, out.Inflow, out.Outflow)
	return nil
}

// State returns the model state after the last successful tick.
func (l *Loop) State() (process.State, process.Outputs) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state, l.last
}

func (l *Loop) readInputs(tx *regmap.Tx) (process.Inputs, error) {
	var in process.Inputs
	raw, err := tx.Get(l.Bindings.Mode)
	if err != nil {
		return in, err
	}
	mode, ok := process.ModeFromRegister(raw)
	if !ok && l.Logger.Sampled("bad-mode") {
		l.Logger.Error("Mode register holds %v, forcing OFF", raw)
	}
	in.Mode = mode

	if in.Setpoint, err = l.finiteInput(tx, l.Bindings.Setpoint); err != nil {
		return in, err
	}
	if in.Gain, err = l.finiteInput(tx, l.Bindings.Gain); err != nil {
		return in, err
	}
	if in.Rate, err = l.finiteInput(tx, l.Bindings.Rate); err != nil {
		return in, err
	}
	if l.Bindings.Command != "" {
		if in.Command, err = l.finiteInput(tx, l.Bindings.Command); err != nil {
			return in, err
		}
	}
	return in, nil
}

// finiteInput reads an operator point. NaN and infinities count as 0 for the
// tick; the register keeps what the client wrote.
func (l *Loop) finiteInput(tx *regmap.Tx, name string) (float64, error) {
	v, err := tx.Get(name)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		if l.Logger.Sampled("non-finite-" + name) {
			l.Logger.Error("%s holds %v, using 0", name, v)
		}
		return 0, nil
	}
	return v, nil
}

func (l *Loop) writeOutputs(tx *regmap.Tx, s process.State, out process.Outputs) error {
	if err := tx.Set(l.Bindings.Level, s.Level); err != nil {
		return err
	}
	optional := []struct {
		name  string
		value float64
	}{
		{l.Bindings.Inflow, out.Inflow},
		{l.Bindings.Outflow, out.Outflow},
		{l.Bindings.PumpRunning, boolValue(out.PumpRunning)},
		{l.Bindings.Error, out.Error},
	}
	for _, o := range optional {
		if o.name == "" {
			continue
		}
		if err := tx.Set(o.name, o.value); err != nil {
			return err
		}
	}
	return nil
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func clampLevel(v float64, p process.Params) float64 {
	if math.IsNaN(v) || v < p.MinLevel {
		return p.MinLevel
	}
	if v > p.MaxLevel {
		return p.MaxLevel
	}
	return v
}
