package regmap

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/tonylturner/scadasim/internal/modbus"
)

var (
	// ErrOutOfRange reports an address outside the configured map.
	ErrOutOfRange = errors.New("address out of range")
	// ErrTypeMismatch reports an access width that differs from the point type.
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrReadOnly reports an external write to a discrete input or input register.
	ErrReadOnly = errors.New("read-only table")
	// ErrUnknownPoint reports a point name that is not in the map.
	ErrUnknownPoint = errors.New("unknown point")
)

// Options configures a Map.
type Options struct {
	Model     MemoryModel
	WordOrder WordOrder
	// Placeholder replaces exact zero on HMINonZero points. Zero disables it.
	Placeholder float32
}

// Map is the device register map. It is the only state shared between the
// Modbus servers and the control loop.
type Map struct {
	opts   Options
	store  *modbus.DataStore
	format ZeroPlaceholder
	points map[string]Point
	order  []string
	index  map[modbus.Table][]Point // sorted by address
}

// New builds a map from the points of one memory model. Any point outside the
// model's blocks, overlapping another point or duplicated by name rejects the
// whole map.
func New(opts Options, points []Point) (*Map, error) {
	if opts.Model == "" {
		opts.Model = ModelCurrent
	}
	layout := opts.Model.Layout()
	m := &Map{
		opts:   opts,
		store:  modbus.NewDataStore(layout),
		format: ZeroPlaceholder{Epsilon: opts.Placeholder},
		points: make(map[string]Point, len(points)),
		index:  make(map[modbus.Table][]Point),
	}
	for _, p := range points {
		if p.Name == "" {
			return nil, fmt.Errorf("point at %s %d has no name", p.Table, p.Address)
		}
		if _, dup := m.points[p.Name]; dup {
			return nil, fmt.Errorf("duplicate point name %q", p.Name)
		}
		if p.Table.IsBit() != (p.Type == TypeBit) {
			return nil, fmt.Errorf("point %q: %s cannot be stored in a %s table", p.Name, p.Type, p.Table)
		}
		if b := layout.Block(p.Table); !b.Contains(p.Address, p.Width()) {
			return nil, fmt.Errorf("point %q: %s %d+%d outside %s model block %s: %w",
				p.Name, p.Table, p.Address, p.Width(), opts.Model, b, ErrOutOfRange)
		}
		for _, other := range m.index[p.Table] {
			if other.covers(p.Address) || p.covers(other.Address) {
				return nil, fmt.Errorf("point %q overlaps %q at %s %d", p.Name, other.Name, p.Table, p.Address)
			}
		}
		m.points[p.Name] = p
		m.order = append(m.order, p.Name)
		m.index[p.Table] = append(m.index[p.Table], p)
	}
	for t := range m.index {
		pts := m.index[t]
		sort.Slice(pts, func(i, j int) bool { return pts[i].Address < pts[j].Address })
	}
	return m, nil
}

// Model returns the active memory model.
func (m *Map) Model() MemoryModel { return m.opts.Model }

// WordOrder returns the float word order of the map.
func (m *Map) WordOrder() WordOrder { return m.opts.WordOrder }

// Store exposes the register tables to the Modbus servers.
func (m *Map) Store() *modbus.DataStore { return m.store }

// Point looks up a point by name.
func (m *Map) Point(name string) (Point, bool) {
	p, ok := m.points[name]
	return p, ok
}

// Points returns the points in configuration order.
func (m *Map) Points() []Point {
	out := make([]Point, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.points[name])
	}
	return out
}

// pointAt returns the point covering addr, if any.
func (m *Map) pointAt(table modbus.Table, addr uint16) (Point, bool) {
	for _, p := range m.index[table] {
		if p.covers(addr) {
			return p, true
		}
	}
	return Point{}, false
}

// check validates an access of width at (table, addr).
func (m *Map) check(table modbus.Table, addr uint16, width int) error {
	if !m.store.Config().Block(table).Contains(addr, width) {
		return fmt.Errorf("%s %d width %d: %w", table, addr, width, ErrOutOfRange)
	}
	if table.IsBit() && width != 1 {
		return fmt.Errorf("%s %d width %d: %w", table, addr, width, ErrTypeMismatch)
	}
	if p, ok := m.pointAt(table, addr); ok && (p.Address != addr || p.Width() != width) {
		return fmt.Errorf("%s %d width %d is point %q (%s): %w", table, addr, width, p.Name, p.Type, ErrTypeMismatch)
	}
	if width == 2 {
		if p, ok := m.pointAt(table, addr+1); ok && p.Address == addr+1 {
			return fmt.Errorf("%s %d width 2 overlaps point %q: %w", table, addr, p.Name, ErrTypeMismatch)
		}
	}
	return nil
}

// Read returns the value of width addresses at (table, addr).
func (m *Map) Read(ctx context.Context, table modbus.Table, addr uint16, width int) (Value, error) {
	if err := m.check(table, addr, width); err != nil {
		return Value{}, err
	}
	var v Value
	err := m.store.Do(ctx, func(t *modbus.Tables) error {
		var err error
		v, err = readRaw(t, m.opts.WordOrder, table, addr, width)
		return err
	})
	return v, err
}

// Write stores v at (table, addr) on behalf of an external client. Discrete
// inputs and input registers are refused with ErrReadOnly.
func (m *Map) Write(ctx context.Context, table modbus.Table, addr uint16, v Value) error {
	if err := m.check(table, addr, v.Type.Width()); err != nil {
		return err
	}
	if table.IsBit() != (v.Type == TypeBit) {
		return fmt.Errorf("%s %d: %s value: %w", table, addr, v.Type, ErrTypeMismatch)
	}
	if table.ReadOnly() {
		return fmt.Errorf("%s %d: %w", table, addr, ErrReadOnly)
	}
	return m.store.Do(ctx, func(t *modbus.Tables) error {
		return writeRaw(t, m.opts.WordOrder, table, addr, v)
	})
}

// ReadPoint returns the numeric value of a point.
func (m *Map) ReadPoint(ctx context.Context, name string) (float64, error) {
	var out float64
	err := m.Update(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.Get(name)
		return err
	})
	return out, err
}

// WritePoint stores a numeric value at a point. Unlike Write it may target
// read-only tables: it is how the PLC itself publishes inputs.
func (m *Map) WritePoint(ctx context.Context, name string, value float64) error {
	return m.Update(ctx, func(tx *Tx) error {
		return tx.Set(name, value)
	})
}

// PointValue is a point with its current value.
type PointValue struct {
	Point
	Value float64
}

// Snapshot reads every point under one lock.
func (m *Map) Snapshot(ctx context.Context) ([]PointValue, error) {
	var out []PointValue
	err := m.Update(ctx, func(tx *Tx) error {
		out = make([]PointValue, 0, len(m.order))
		for _, name := range m.order {
			v, err := tx.Get(name)
			if err != nil {
				return err
			}
			out = append(out, PointValue{Point: m.points[name], Value: v})
		}
		return nil
	})
	return out, err
}

// Update runs fn with the map locked. Values set through the Tx are committed
// together when fn returns nil and discarded otherwise, so a failed tick
// leaves no half-written state. ctx bounds the wait for the lock.
func (m *Map) Update(ctx context.Context, fn func(tx *Tx) error) error {
	return m.store.Do(ctx, func(t *modbus.Tables) error {
		tx := &Tx{m: m, tables: t, pending: make(map[string]float64)}
		if err := fn(tx); err != nil {
			return err
		}
		return tx.commit()
	})
}

// Tx is the locked view handed to Update callbacks.
type Tx struct {
	m       *Map
	tables  *modbus.Tables
	pending map[string]float64
	order   []string
}

// Get returns the value of a point, including values set earlier in the Tx.
func (tx *Tx) Get(name string) (float64, error) {
	p, ok := tx.m.points[name]
	if !ok {
		return 0, fmt.Errorf("%q: %w", name, ErrUnknownPoint)
	}
	if v, ok := tx.pending[name]; ok {
		return tx.m.format.Decode(p, v), nil
	}
	v, err := readRaw(tx.tables, tx.m.opts.WordOrder, p.Table, p.Address, p.Width())
	if err != nil {
		return 0, err
	}
	return tx.m.format.Decode(p, v.Float64()), nil
}

// Set stages a value for a point.
func (tx *Tx) Set(name string, value float64) error {
	p, ok := tx.m.points[name]
	if !ok {
		return fmt.Errorf("%q: %w", name, ErrUnknownPoint)
	}
	if _, seen := tx.pending[name]; !seen {
		tx.order = append(tx.order, name)
	}
	tx.pending[name] = ValueOf(p.Type, tx.m.format.Encode(p, value)).Float64()
	return nil
}

func (tx *Tx) commit() error {
	for _, name := range tx.order {
		p := tx.m.points[name]
		if err := writeRaw(tx.tables, tx.m.opts.WordOrder, p.Table, p.Address, ValueOf(p.Type, tx.pending[name])); err != nil {
			return fmt.Errorf("commit %q: %w", name, err)
		}
	}
	return nil
}

func readRaw(t *modbus.Tables, order WordOrder, table modbus.Table, addr uint16, width int) (Value, error) {
	if table.IsBit() {
		bits, err := t.ReadBits(table, addr, 1)
		if err != nil {
			return Value{}, err
		}
		return BitValue(bits[0]), nil
	}
	regs, err := t.ReadRegisters(table, addr, width)
	if err != nil {
		return Value{}, err
	}
	if width == 2 {
		return FloatValue(DecodeFloat(order, [2]uint16{regs[0], regs[1]})), nil
	}
	return WordValue(regs[0]), nil
}

func writeRaw(t *modbus.Tables, order WordOrder, table modbus.Table, addr uint16, v Value) error {
	switch v.Type {
	case TypeBit:
		return t.WriteBits(table, addr, []bool{v.Bit})
	case TypeFloat32:
		regs := EncodeFloat(order, v.Float)
		// Both halves go in one call so no reader sees a torn float.
		return t.WriteRegisters(table, addr, regs[:])
	default:
		return t.WriteRegisters(table, addr, []uint16{v.Word})
	}
}
