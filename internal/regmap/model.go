// Package regmap maps named PLC points onto the four Modbus tables under one
// of the supported memory models.
package regmap

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/tonylturner/scadasim/internal/modbus"
)

// MemoryModel selects the address layout of a device. One device uses exactly
// one model; the choice is made when the map is built.
type MemoryModel string

const (
	// ModelCurrent is the zero-based layout: coils 0-99, holding 100-199,
	// discrete inputs 200-299, input registers 300-399.
	ModelCurrent MemoryModel = "current"
	// ModelLegacy is the five-digit reference layout used by older RTUs:
	// coils 1-4096, status bits 10001-14096, input registers 30001-31024,
	// holding registers 40001-49999.
	ModelLegacy MemoryModel = "legacy"
)

// ParseMemoryModel accepts a model name. "control_microsystems" is kept as an
// alias of the legacy layout.
func ParseMemoryModel(s string) (MemoryModel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "current", "default":
		return ModelCurrent, nil
	case "legacy", "control_microsystems":
		return ModelLegacy, nil
	default:
		return "", fmt.Errorf("unknown memory model %q (want current or legacy)", s)
	}
}

// Layout returns where the model places each table.
func (m MemoryModel) Layout() modbus.DataStoreConfig {
	if m == ModelLegacy {
		return modbus.DataStoreConfig{
			Coils:            modbus.Block{Base: 1, Size: 4096},
			DiscreteInputs:   modbus.Block{Base: 10001, Size: 4096},
			InputRegisters:   modbus.Block{Base: 30001, Size: 1024},
			HoldingRegisters: modbus.Block{Base: 40001, Size: 9999},
		}
	}
	return modbus.DataStoreConfig{
		Coils:            modbus.Block{Base: 0, Size: 100},
		HoldingRegisters: modbus.Block{Base: 100, Size: 100},
		DiscreteInputs:   modbus.Block{Base: 200, Size: 100},
		InputRegisters:   modbus.Block{Base: 300, Size: 100},
	}
}

// PointType is the value type stored at a point.
type PointType int

const (
	TypeBit PointType = iota
	TypeUint16
	TypeFloat32
)

// Width is the number of protocol addresses the type occupies.
func (p PointType) Width() int {
	if p == TypeFloat32 {
		return 2
	}
	return 1
}

func (p PointType) String() string {
	switch p {
	case TypeBit:
		return "bit"
	case TypeUint16:
		return "uint16"
	case TypeFloat32:
		return "float32"
	default:
		return "unknown"
	}
}

// ParsePointType accepts a type name.
func ParsePointType(s string) (PointType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bit", "bool":
		return TypeBit, nil
	case "uint16", "word", "int":
		return TypeUint16, nil
	case "float32", "float", "real":
		return TypeFloat32, nil
	default:
		return 0, fmt.Errorf("unknown point type %q", s)
	}
}

// WordOrder fixes how a float32 is split across two registers.
type WordOrder int

const (
	// WordOrderBig puts the high word at the lower address (ABCD).
	WordOrderBig WordOrder = iota
	// WordOrderLittle puts the low word at the lower address (CDAB).
	WordOrderLittle
)

// ParseWordOrder accepts big/abcd or little/cdab.
func ParseWordOrder(s string) (WordOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "big", "abcd", "high_first":
		return WordOrderBig, nil
	case "little", "cdab", "low_first", "word_swap":
		return WordOrderLittle, nil
	default:
		return 0, fmt.Errorf("unknown word order %q (want big or little)", s)
	}
}

func (w WordOrder) String() string {
	if w == WordOrderLittle {
		return "little"
	}
	return "big"
}

// EncodeFloat splits f into two registers in the given order.
func EncodeFloat(order WordOrder, f float32) [2]uint16 {
	bits := math.Float32bits(f)
	hi, lo := uint16(bits>>16), uint16(bits)
	if order == WordOrderLittle {
		return [2]uint16{lo, hi}
	}
	return [2]uint16{hi, lo}
}

// DecodeFloat joins two registers read in the given order.
func DecodeFloat(order WordOrder, regs [2]uint16) float32 {
	hi, lo := regs[0], regs[1]
	if order == WordOrderLittle {
		hi, lo = lo, hi
	}
	return math.Float32frombits(uint32(hi)<<16 | uint32(lo))
}

// FloatFromBytes decodes four register bytes as they arrive in a read response.
func FloatFromBytes(order WordOrder, b []byte) float32 {
	return DecodeFloat(order, [2]uint16{binary.BigEndian.Uint16(b[0:2]), binary.BigEndian.Uint16(b[2:4])})
}

// Point is one named value of the device.
type Point struct {
	Name    string
	Table   modbus.Table
	Address uint16
	Type    PointType
	// HMINonZero marks float points whose exact zero is replaced by the
	// placeholder when written by the PLC.
	HMINonZero bool
	Units      string
}

// Width is the number of addresses the point spans.
func (p Point) Width() int {
	return p.Type.Width()
}

func (p Point) covers(addr uint16) bool {
	return int(addr) >= int(p.Address) && int(addr) < int(p.Address)+p.Width()
}
