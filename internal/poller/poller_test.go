package poller

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/tonylturner/scadasim/internal/modbus"
	"github.com/tonylturner/scadasim/internal/regmap"
	"github.com/tonylturner/scadasim/internal/server"
)

func TestPlanReadsGroupsNearbyPoints(t *testing.T) {
	points := []Point{
		{Name: "far", Table: modbus.TableHoldingRegisters, Address: 120, Type: regmap.TypeUint16},
		{Name: "mode", Table: modbus.TableHoldingRegisters, Address: 100, Type: regmap.TypeUint16},
		{Name: "sp", Table: modbus.TableHoldingRegisters, Address: 101, Type: regmap.TypeFloat32},
		{Name: "gain", Table: modbus.TableHoldingRegisters, Address: 106, Type: regmap.TypeFloat32},
		{Name: "pump", Table: modbus.TableDiscreteInputs, Address: 200, Type: regmap.TypeBit},
	}
	groups := planReads(points, DefaultMaxGap)
	if len(groups) != 3 {
		t.Fatalf("got %d groups, want 3: %+v", len(groups), groups)
	}
	if g := groups[0]; g.table != modbus.TableDiscreteInputs || g.start != 200 || g.quantity != 1 {
		t.Errorf("group 0 = %+v", g)
	}
	if g := groups[1]; g.start != 100 || g.quantity != 8 || len(g.points) != 3 {
		t.Errorf("group 1 = start %d qty %d points %d, want 100/8/3", g.start, g.quantity, len(g.points))
	}
	if g := groups[2]; g.start != 120 || g.quantity != 1 {
		t.Errorf("group 2 = %+v", g)
	}
}

func TestPlanReadsRespectsQuantityLimit(t *testing.T) {
	var points []Point
	for i := 0; i < 70; i++ {
		points = append(points, Point{Name: string(rune('a'+i%26)) + string(rune('0'+i/26)), Table: modbus.TableInputRegisters, Address: uint16(2 * i), Type: regmap.TypeFloat32})
	}
	for _, g := range planReads(points, DefaultMaxGap) {
		if g.quantity > maxReadRegisters {
			t.Errorf("group at %d reads %d registers", g.start, g.quantity)
		}
	}
}

func newMap(t *testing.T, model regmap.MemoryModel) *regmap.Map {
	t.Helper()
	m, err := regmap.New(regmap.Options{Model: model}, regmap.DefaultPoints(model))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestPollRepublishesIntoLocalMap(t *testing.T) {
	ctx := context.Background()
	remote := newMap(t, regmap.ModelCurrent)
	if err := remote.WritePoint(ctx, "level", 42.5); err != nil {
		t.Fatal(err)
	}
	if err := remote.WritePoint(ctx, "mode", 2); err != nil {
		t.Fatal(err)
	}
	if err := remote.WritePoint(ctx, "pump_running", 1); err != nil {
		t.Fatal(err)
	}
	l := server.NewTCPListener(server.NewSlave(remote.Store(), server.Options{UnitID: 1}), server.TCPConfig{Addr: "127.0.0.1:0"})
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	local := newMap(t, regmap.ModelLegacy)
	p, err := New(Config{Slaves: []Slave{{
		Name:     "tank",
		Endpoint: Endpoint{Transport: TransportTCP, Address: l.Addr().String(), UnitID: 1, Timeout: time.Second},
		Points: []Point{
			{Name: "mode", Table: modbus.TableHoldingRegisters, Address: 100, Type: regmap.TypeUint16, Local: "mode"},
			{Name: "level", Table: modbus.TableInputRegisters, Address: 300, Type: regmap.TypeFloat32, Local: "level"},
			{Name: "pump", Table: modbus.TableDiscreteInputs, Address: 200, Type: regmap.TypeBit, Local: "pump_running"},
		},
	}}}, local, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	samples, err := p.PollOnce(ctx)
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("samples = %+v", samples)
	}
	for _, s := range samples {
		if s.Stale {
			t.Errorf("sample %s is stale", s.Point)
		}
	}
	want := map[string]float64{"mode": 2, "level": 42.5, "pump_running": 1}
	for name, w := range want {
		got, err := local.ReadPoint(ctx, name)
		if err != nil || math.Abs(got-w) > 1e-6 {
			t.Errorf("local %s = %v (%v), want %v", name, got, err, w)
		}
	}
}

type fakeConn struct {
	mu     sync.Mutex
	fail   bool
	reads  int
	closes int
	writes map[uint16]uint16
}

func (f *fakeConn) regs(qty uint16) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.fail {
		return nil, errors.New("i/o timeout")
	}
	out := make([]byte, 2*qty)
	for i := range out {
		if i%2 == 1 {
			out[i] = 7
		}
	}
	return out, nil
}

func (f *fakeConn) ReadCoils(_, q uint16) ([]byte, error)            { return f.regs((q + 15) / 16) }
func (f *fakeConn) ReadDiscreteInputs(_, q uint16) ([]byte, error)   { return f.regs((q + 15) / 16) }
func (f *fakeConn) ReadHoldingRegisters(_, q uint16) ([]byte, error) { return f.regs(q) }
func (f *fakeConn) ReadInputRegisters(_, q uint16) ([]byte, error)   { return f.regs(q) }

func (f *fakeConn) WriteSingleCoil(addr, v uint16) ([]byte, error) {
	return f.WriteSingleRegister(addr, v)
}

func (f *fakeConn) WriteSingleRegister(addr, v uint16) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("broken pipe")
	}
	if f.writes == nil {
		f.writes = make(map[uint16]uint16)
	}
	f.writes[addr] = v
	return nil, nil
}

func (f *fakeConn) WriteMultipleRegisters(addr, _ uint16, v []byte) ([]byte, error) {
	return f.WriteSingleRegister(addr, uint16(v[0])<<8|uint16(v[1]))
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

type recordingPublisher struct {
	mu      sync.Mutex
	batches [][]Sample
}

func (r *recordingPublisher) Publish(_ context.Context, s []Sample) error {
	r.mu.Lock()
	r.batches = append(r.batches, s)
	r.mu.Unlock()
	return nil
}

func TestFailedPollKeepsLastValuesAndMarksStale(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConn{}
	local, err := regmap.New(regmap.Options{}, append(regmap.DefaultPoints(regmap.ModelCurrent),
		regmap.Point{Name: "tank_stale", Table: modbus.TableCoils, Address: 0, Type: regmap.TypeBit}))
	if err != nil {
		t.Fatal(err)
	}
	pub := &recordingPublisher{}
	p, err := New(Config{
		Slaves: []Slave{{
			Name:       "tank",
			Points:     []Point{{Name: "mode", Table: modbus.TableHoldingRegisters, Address: 100, Type: regmap.TypeUint16, Local: "mode"}},
			StalePoint: "tank_stale",
		}},
		Connector: func(Endpoint) (Conn, error) { return conn, nil },
	}, local, []Publisher{pub}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	first, _ := p.PollOnce(ctx)
	if len(first) != 1 || first[0].Value != 7 || first[0].Stale {
		t.Fatalf("first poll = %+v", first)
	}

	conn.mu.Lock()
	conn.fail = true
	conn.reads = 0
	conn.mu.Unlock()

	second, _ := p.PollOnce(ctx)
	if len(second) != 1 || second[0].Value != 7 || !second[0].Stale {
		t.Fatalf("second poll = %+v, want last value marked stale", second)
	}
	if conn.reads != 2 {
		t.Errorf("reads on failure = %d, want 2 (one retry)", conn.reads)
	}
	if v, _ := local.ReadPoint(ctx, "tank_stale"); v != 1 {
		t.Errorf("stale coil = %v, want 1", v)
	}
	if v, _ := local.ReadPoint(ctx, "mode"); v != 7 {
		t.Errorf("local mode = %v, want last value 7", v)
	}
	if len(pub.batches) != 2 {
		t.Errorf("publisher saw %d batches, want 2", len(pub.batches))
	}

	conn.mu.Lock()
	conn.fail = false
	conn.mu.Unlock()
	third, _ := p.PollOnce(ctx)
	if third[0].Stale {
		t.Error("slave should be fresh again")
	}
	if v, _ := local.ReadPoint(ctx, "tank_stale"); v != 0 {
		t.Errorf("stale coil = %v after recovery, want 0", v)
	}
}

func TestWritesMirroredOnlyWhenChanged(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConn{}
	local := newMap(t, regmap.ModelCurrent)
	if err := local.WritePoint(ctx, "mode", 2); err != nil {
		t.Fatal(err)
	}
	p, err := New(Config{
		Slaves: []Slave{{
			Name:   "tank",
			Writes: []Write{{Local: "mode", Remote: Point{Name: "remote_mode", Table: modbus.TableHoldingRegisters, Address: 40001, Type: regmap.TypeUint16}}},
		}},
		Connector: func(Endpoint) (Conn, error) { return conn, nil },
	}, local, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	p.PollOnce(ctx)
	if conn.writes[40001] != 2 {
		t.Fatalf("writes = %v, want 40001=2", conn.writes)
	}
	delete(conn.writes, 40001)
	p.PollOnce(ctx)
	if _, ok := conn.writes[40001]; ok {
		t.Error("unchanged value written again")
	}
	if err := local.WritePoint(ctx, "mode", 1); err != nil {
		t.Fatal(err)
	}
	p.PollOnce(ctx)
	if conn.writes[40001] != 1 {
		t.Errorf("writes = %v, want 40001=1 after change", conn.writes)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	local := newMap(t, regmap.ModelCurrent)
	cases := map[string]Slave{
		"unknown local":    {Name: "a", Points: []Point{{Name: "x", Table: modbus.TableHoldingRegisters, Type: regmap.TypeUint16, Local: "nope"}}},
		"bit in registers": {Name: "a", Points: []Point{{Name: "x", Table: modbus.TableHoldingRegisters, Type: regmap.TypeBit}}},
		"write to input":   {Name: "a", Writes: []Write{{Local: "mode", Remote: Point{Name: "x", Table: modbus.TableInputRegisters, Type: regmap.TypeUint16}}}},
		"no points":        {Name: "a"},
	}
	for name, s := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(Config{Slaves: []Slave{s}, Connector: func(Endpoint) (Conn, error) { return &fakeConn{}, nil }}, local, nil, nil, nil)
			if err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	p, err := New(Config{
		Slaves:    []Slave{{Name: "a", Points: []Point{{Name: "x", Table: modbus.TableHoldingRegisters, Address: 1, Type: regmap.TypeUint16}}}},
		Interval:  10 * time.Millisecond,
		Connector: func(Endpoint) (Conn, error) { return &fakeConn{}, nil },
	}, nil, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestParseTransport(t *testing.T) {
	if tr, err := ParseTransport("RTU"); err != nil || tr != TransportRTU {
		t.Errorf("ParseTransport(RTU) = %v, %v", tr, err)
	}
	if _, err := ParseTransport("udp"); err == nil {
		t.Error("expected error for udp")
	}
	if _, err := Connect(Endpoint{Transport: TransportRTU, Address: "/dev/null", Serial: SerialSettings{Parity: "mark"}}); err == nil {
		t.Error("expected parity error")
	}
}
