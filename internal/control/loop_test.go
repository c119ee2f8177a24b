package control

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/tonylturner/scadasim/internal/modbus"
	"github.com/tonylturner/scadasim/internal/process"
	"github.com/tonylturner/scadasim/internal/regmap"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newLoop(t *testing.T, model regmap.MemoryModel) *Loop {
	t.Helper()
	m, err := regmap.New(regmap.Options{Model: model, WordOrder: regmap.WordOrderBig}, regmap.DefaultPoints(model))
	if err != nil {
		t.Fatalf("regmap.New: %v", err)
	}
	return &Loop{
		Map:         m,
		Params:      process.Params{MinLevel: 0, MaxLevel: 100, DrainRate: 1, ManualRate: 4},
		Bindings:    DefaultBindings(),
		Period:      time.Second,
		LockTimeout: 50 * time.Millisecond,
	}
}

func setPoints(t *testing.T, m *regmap.Map, values map[string]float64) {
	t.Helper()
	for name, v := range values {
		if err := m.WritePoint(context.Background(), name, v); err != nil {
			t.Fatalf("WritePoint(%s): %v", name, err)
		}
	}
}

func point(t *testing.T, m *regmap.Map, name string) float64 {
	t.Helper()
	v, err := m.ReadPoint(context.Background(), name)
	if err != nil {
		t.Fatalf("ReadPoint(%s): %v", name, err)
	}
	return v
}

func TestTankFillScenario(t *testing.T) {
	for _, model := range []regmap.MemoryModel{regmap.ModelCurrent, regmap.ModelLegacy} {
		t.Run(string(model), func(t *testing.T) {
			l := newLoop(t, model)
			ctx := context.Background()
			if err := l.Start(ctx, t0, 0, process.ModeAuto); err != nil {
				t.Fatalf("Start: %v", err)
			}
			setPoints(t, l.Map, map[string]float64{"setpoint": 50, "pid_gain": 5, "pid_rate": 1})

			if err := l.Tick(ctx, t0.Add(time.Second)); err != nil {
				t.Fatalf("Tick: %v", err)
			}
			if got := point(t, l.Map, "level"); got != 4.0 {
				t.Fatalf("level after tick 1 = %v, want 4.0", got)
			}
			if got := point(t, l.Map, "pump_running"); got != 1 {
				t.Errorf("pump_running = %v, want 1", got)
			}
			if got := point(t, l.Map, "inflow"); got != 5 {
				t.Errorf("inflow = %v, want 5", got)
			}

			for i := 2; i <= 120; i++ {
				if err := l.Tick(ctx, t0.Add(time.Duration(i)*time.Second)); err != nil {
					t.Fatalf("tick %d: %v", i, err)
				}
			}
			// drain offset: the step equals the drain when the error is drain/rate
			if got := point(t, l.Map, "level"); math.Abs(got-49) > 1e-3 {
				t.Errorf("settled level = %v, want ~49", got)
			}
		})
	}
}

func TestOffDrainsToMin(t *testing.T) {
	l := newLoop(t, regmap.ModelCurrent)
	l.Params.DrainRate = 5
	ctx := context.Background()
	if err := l.Start(ctx, t0, 2, process.ModeOff); err != nil {
		t.Fatalf("Start: %v", err)
	}
	setPoints(t, l.Map, map[string]float64{"setpoint": 80, "pid_gain": 5, "pid_rate": 1, "valve_command": 1})

	if err := l.Tick(ctx, t0.Add(time.Second)); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := point(t, l.Map, "level"); got != 0.0 {
		t.Errorf("level = %v, want 0.0", got)
	}
	if got := point(t, l.Map, "pump_running"); got != 0 {
		t.Errorf("pump_running = %v, want 0", got)
	}
}

func TestUnknownModeForcesOff(t *testing.T) {
	l := newLoop(t, regmap.ModelCurrent)
	ctx := context.Background()
	if err := l.Start(ctx, t0, 10, process.ModeAuto); err != nil {
		t.Fatalf("Start: %v", err)
	}
	setPoints(t, l.Map, map[string]float64{"mode": 7, "setpoint": 80, "pid_gain": 5, "pid_rate": 1})

	if err := l.Tick(ctx, t0.Add(time.Second)); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := point(t, l.Map, "level"); got != 9 {
		t.Errorf("level = %v, want 9 (drain only)", got)
	}
}

func writeFloatOverWire(t *testing.T, m *regmap.Map, name string, bits uint32) {
	t.Helper()
	p, ok := m.Point(name)
	if !ok {
		t.Fatalf("no point %s", name)
	}
	resp := m.Store().Handle(context.Background(), modbus.Request{
		UnitID:   1,
		Function: modbus.FcWriteMultipleRegisters,
		Data:     modbus.WriteMultipleRegistersRequest(p.Address, []uint16{uint16(bits >> 16), uint16(bits)}),
	})
	if resp.IsException() {
		t.Fatalf("write %s: exception %v", name, resp.ExceptionCode())
	}
}

func TestNonFiniteOperatorWritesKeepLevelInRange(t *testing.T) {
	cases := []struct {
		name   string
		point  string
		bits   uint32
		values map[string]float64
	}{
		{"nan setpoint", "setpoint", 0x7FC00000, map[string]float64{"pid_gain": 5, "pid_rate": 1}},
		{"inf setpoint without rate", "setpoint", 0x7F800000, map[string]float64{"pid_gain": 5, "pid_rate": 0}},
		{"nan gain", "pid_gain", 0x7FC00000, map[string]float64{"setpoint": 80, "pid_rate": 1}},
		{"nan level", "level", 0x7FC00000, map[string]float64{"setpoint": 80, "pid_gain": 5, "pid_rate": 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := newLoop(t, regmap.ModelCurrent)
			ctx := context.Background()
			if err := l.Start(ctx, t0, 10, process.ModeAuto); err != nil {
				t.Fatalf("Start: %v", err)
			}
			setPoints(t, l.Map, tc.values)
			if p, _ := l.Map.Point(tc.point); p.Table.ReadOnly() {
				// input registers are not writable from the wire
				setPoints(t, l.Map, map[string]float64{tc.point: float64(math.Float32frombits(tc.bits))})
			} else {
				writeFloatOverWire(t, l.Map, tc.point, tc.bits)
			}

			for i := 1; i <= 3; i++ {
				if err := l.Tick(ctx, t0.Add(time.Duration(i)*time.Second)); err != nil {
					t.Fatalf("tick %d: %v", i, err)
				}
				lv := point(t, l.Map, "level")
				if math.IsNaN(lv) || lv < 0 || lv > 100 {
					t.Fatalf("tick %d: level %v outside [0,100]", i, lv)
				}
			}
		})
	}
}

func TestManualMode(t *testing.T) {
	l := newLoop(t, regmap.ModelCurrent)
	ctx := context.Background()
	if err := l.Start(ctx, t0, 10, process.ModeManual); err != nil {
		t.Fatalf("Start: %v", err)
	}
	setPoints(t, l.Map, map[string]float64{"valve_command": 0.5, "setpoint": 0})

	if err := l.Tick(ctx, t0.Add(2*time.Second)); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := point(t, l.Map, "level"); got != 12 {
		t.Errorf("level = %v, want 12", got)
	}
}

func TestTickLockTimeoutLeavesStateUntouched(t *testing.T) {
	l := newLoop(t, regmap.ModelCurrent)
	ctx := context.Background()
	if err := l.Start(ctx, t0, 0, process.ModeAuto); err != nil {
		t.Fatalf("Start: %v", err)
	}
	setPoints(t, l.Map, map[string]float64{"setpoint": 50, "pid_gain": 5, "pid_rate": 1})

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = l.Map.Store().Do(ctx, func(*modbus.Tables) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := l.Tick(ctx, t0.Add(time.Second))
	close(release)
	if err == nil {
		t.Fatal("Tick succeeded while the map was locked")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("lock timeout should be reported in plain words, got %v", err)
	}

	if s, _ := l.State(); s.Level != 0 || !s.LastUpdate.Equal(t0) {
		t.Errorf("state advanced on a failed tick: %+v", s)
	}
	// the next tick covers the whole elapsed time
	if err := l.Tick(ctx, t0.Add(time.Second)); err != nil {
		t.Fatalf("retry tick: %v", err)
	}
	if got := point(t, l.Map, "level"); got != 4.0 {
		t.Errorf("level after retry = %v, want 4.0", got)
	}
}

func TestExternalLevelWriteIsPickedUp(t *testing.T) {
	l := newLoop(t, regmap.ModelCurrent)
	ctx := context.Background()
	if err := l.Start(ctx, t0, 10, process.ModeOff); err != nil {
		t.Fatalf("Start: %v", err)
	}
	setPoints(t, l.Map, map[string]float64{"level": 500})
	if err := l.Tick(ctx, t0.Add(time.Second)); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := point(t, l.Map, "level"); got != 99 {
		t.Errorf("level = %v, want 99 (clamped to max, then drained)", got)
	}
}

func TestBindingsValidate(t *testing.T) {
	l := newLoop(t, regmap.ModelCurrent)
	if err := DefaultBindings().Validate(l.Map); err != nil {
		t.Fatalf("default bindings: %v", err)
	}
	b := DefaultBindings()
	b.Gain = "nope"
	if err := b.Validate(l.Map); !errors.Is(err, regmap.ErrUnknownPoint) {
		t.Errorf("Validate = %v, want ErrUnknownPoint", err)
	}
	b = DefaultBindings()
	b.Level = ""
	if err := b.Validate(l.Map); err == nil {
		t.Error("missing level binding accepted")
	}
	b = DefaultBindings()
	b.Inflow, b.Error = "", ""
	if err := b.Validate(l.Map); err != nil {
		t.Errorf("optional bindings should be skippable: %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	l := newLoop(t, regmap.ModelCurrent)
	l.Period = 5 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := l.Start(ctx, time.Now(), 0, process.ModeManual); err != nil {
		t.Fatalf("Start: %v", err)
	}
	setPoints(t, l.Map, map[string]float64{"valve_command": 1})

	err := l.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run = %v, want deadline exceeded", err)
	}
	if got := point(t, l.Map, "level"); got <= 0 {
		t.Errorf("level = %v, want > 0 after running", got)
	}
}
