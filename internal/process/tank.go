// Package process models the simulated water tank. It is pure: Step maps a
// state and the elapsed time to the next state and never touches I/O.
package process

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Mode is the tank controller mode.
type Mode int

const (
	ModeOff Mode = iota
	ModeManual
	ModeAuto
)

func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "OFF"
	case ModeManual:
		return "MANUAL"
	case ModeAuto:
		return "AUTO"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode accepts a mode name.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OFF", "":
		return ModeOff, nil
	case "MANUAL", "MAN":
		return ModeManual, nil
	case "AUTO":
		return ModeAuto, nil
	default:
		return ModeOff, fmt.Errorf("unknown mode %q (want OFF, MANUAL or AUTO)", s)
	}
}

// ModeFromRegister decodes the mode register. Unknown values report ok=false
// and fall back to OFF.
func ModeFromRegister(v float64) (Mode, bool) {
	switch v {
	case 0:
		return ModeOff, true
	case 1:
		return ModeManual, true
	case 2:
		return ModeAuto, true
	default:
		return ModeOff, false
	}
}

// Params are the fixed physical parameters of the tank. Rates are per second.
type Params struct {
	MinLevel   float64
	MaxLevel   float64
	DrainRate  float64
	ManualRate float64
}

// Validate checks the parameters make a usable tank.
func (p Params) Validate() error {
	if p.MaxLevel <= p.MinLevel {
		return fmt.Errorf("max level %g must be above min level %g", p.MaxLevel, p.MinLevel)
	}
	if p.DrainRate < 0 {
		return fmt.Errorf("drain rate must be >= 0")
	}
	if p.ManualRate < 0 {
		return fmt.Errorf("manual rate must be >= 0")
	}
	return nil
}

// Inputs are the operator commands read from the register map each tick.
type Inputs struct {
	Mode     Mode
	Setpoint float64
	// Gain bounds the AUTO fill per second.
	Gain float64
	// Rate is the fraction of the remaining error corrected per second in AUTO.
	Rate float64
	// Command is the MANUAL actuator opening, 0 to 1.
	Command float64
}

// State is the tank state carried between ticks.
type State struct {
	Level      float64
	LastUpdate time.Time
}

// Outputs are the derived values published after a tick.
type Outputs struct {
	Inflow      float64
	Outflow     float64
	PumpRunning bool
	Error       float64
}

// Step advances the tank by dt. Drain is applied in every mode and the level
// is clamped to [MinLevel, MaxLevel] afterwards.
func Step(s State, in Inputs, p Params, dt time.Duration) (State, Outputs) {
	secs := dt.Seconds()
	if secs < 0 {
		secs = 0
	}

	var out Outputs
	switch in.Mode {
	case ModeManual:
		out.Inflow = clamp(in.Command, 0, 1) * p.ManualRate * secs
	case ModeAuto:
		out.Error = in.Setpoint - s.Level
		out.Inflow = autoStep(out.Error, in.Gain, in.Rate, secs)
	}
	out.Outflow = p.DrainRate * secs
	out.PumpRunning = out.Inflow > 0

	next := State{
		Level:      clamp(s.Level+out.Inflow-out.Outflow, p.MinLevel, p.MaxLevel),
		LastUpdate: s.LastUpdate.Add(dt),
	}
	return next, out
}

// autoStep is a bounded proportional move toward the setpoint: a fraction of
// the error no larger than the gain allows, never overshooting.
func autoStep(e, gain, rate, secs float64) float64 {
	if e == 0 {
		return 0
	}
	frac := math.Min(math.Max(rate, 0)*secs, 1)
	limit := math.Max(gain, 0) * secs
	step := math.Copysign(math.Min(math.Abs(e)*frac, limit), e)
	if math.IsNaN(step) {
		return 0
	}
	return step
}

// clamp maps NaN to lo.
func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(v, hi))
}
