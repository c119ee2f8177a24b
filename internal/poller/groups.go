package poller

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/tonylturner/scadasim/internal/modbus"
	"github.com/tonylturner/scadasim/internal/regmap"
)

// DefaultMaxGap is the largest hole between two points that still lets them
// share one read request. The addresses in the hole are read and discarded.
const DefaultMaxGap = 5

const (
	maxReadRegisters = 125
	maxReadBits      = 2000
)

// group is one read request covering one or more points of a table.
type group struct {
	table    modbus.Table
	start    uint16
	quantity uint16
	points   []Point
}

// planReads groups points per table. Points are sorted by address and join
// the current group while the gap to the previous point's end is at most
// maxGap and the request stays within the protocol quantity limit.
func planReads(points []Point, maxGap int) []group {
	if maxGap < 0 {
		maxGap = DefaultMaxGap
	}
	byTable := make(map[modbus.Table][]Point)
	for _, p := range points {
		byTable[p.Table] = append(byTable[p.Table], p)
	}

	var out []group
	for _, table := range modbus.AllTables {
		pts := byTable[table]
		if len(pts) == 0 {
			continue
		}
		sort.SliceStable(pts, func(i, j int) bool { return pts[i].Address < pts[j].Address })
		limit := maxReadRegisters
		if table.IsBit() {
			limit = maxReadBits
		}

		cur := group{table: table, start: pts[0].Address}
		end := int(pts[0].Address)
		for _, p := range pts {
			pEnd := int(p.Address) + p.Type.Width()
			if len(cur.points) > 0 && (int(p.Address)-end > maxGap || pEnd-int(cur.start) > limit) {
				cur.quantity = uint16(end - int(cur.start))
				out = append(out, cur)
				cur = group{table: table, start: p.Address}
				end = int(p.Address)
			}
			cur.points = append(cur.points, p)
			if pEnd > end {
				end = pEnd
			}
		}
		cur.quantity = uint16(end - int(cur.start))
		out = append(out, cur)
	}
	return out
}

// read issues the request for g.
func (g group) read(c Client) ([]byte, error) {
	switch g.table {
	case modbus.TableCoils:
		return c.ReadCoils(g.start, g.quantity)
	case modbus.TableDiscreteInputs:
		return c.ReadDiscreteInputs(g.start, g.quantity)
	case modbus.TableInputRegisters:
		return c.ReadInputRegisters(g.start, g.quantity)
	default:
		return c.ReadHoldingRegisters(g.start, g.quantity)
	}
}

// decode extracts the value of p from the payload of a read of g.
func (g group) decode(data []byte, p Point, order regmap.WordOrder) (float64, error) {
	off := int(p.Address - g.start)
	if g.table.IsBit() {
		if off/8 >= len(data) {
			return 0, fmt.Errorf("%s: short response (%d bytes)", p.Name, len(data))
		}
		if data[off/8]&(1<<(off%8)) != 0 {
			return 1, nil
		}
		return 0, nil
	}
	need := 2 * (off + p.Type.Width())
	if need > len(data) {
		return 0, fmt.Errorf("%s: short response (%d bytes, need %d)", p.Name, len(data), need)
	}
	if p.Type == regmap.TypeFloat32 {
		return float64(regmap.FloatFromBytes(order, data[2*off:2*off+4])), nil
	}
	return float64(binary.BigEndian.Uint16(data[2*off:])), nil
}

// writePoint stores v at a remote point.
func writePoint(c Client, p Point, v float64, order regmap.WordOrder) error {
	var err error
	switch {
	case p.Table == modbus.TableCoils:
		var word uint16
		if v != 0 {
			word = 0xFF00
		}
		_, err = c.WriteSingleCoil(p.Address, word)
	case p.Table != modbus.TableHoldingRegisters:
		return fmt.Errorf("%s: %s is read-only", p.Name, p.Table)
	case p.Type == regmap.TypeFloat32:
		regs := regmap.EncodeFloat(order, float32(v))
		buf := make([]byte, 4)
		binary.BigEndian.PutUint16(buf[0:], regs[0])
		binary.BigEndian.PutUint16(buf[2:], regs[1])
		_, err = c.WriteMultipleRegisters(p.Address, 2, buf)
	default:
		_, err = c.WriteSingleRegister(p.Address, regmap.ValueOf(p.Type, v).Word)
	}
	return err
}
