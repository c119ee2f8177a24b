package regmap

import (
	"fmt"
	"math"
)

// Value is a typed register map value.
type Value struct {
	Type  PointType
	Bit   bool
	Word  uint16
	Float float32
}

// BitValue wraps a coil or discrete input state.
func BitValue(b bool) Value { return Value{Type: TypeBit, Bit: b} }

// WordValue wraps a single register.
func WordValue(w uint16) Value { return Value{Type: TypeUint16, Word: w} }

// FloatValue wraps a float spanning two registers.
func FloatValue(f float32) Value { return Value{Type: TypeFloat32, Float: f} }

// ValueOf converts a number to the representation of typ. Register values are
// rounded and saturated to the uint16 range.
func ValueOf(typ PointType, v float64) Value {
	switch typ {
	case TypeBit:
		return BitValue(v != 0)
	case TypeFloat32:
		return FloatValue(float32(v))
	default:
		return WordValue(uint16(math.Max(0, math.Min(math.Round(v), math.MaxUint16))))
	}
}

// Float64 returns the numeric value.
func (v Value) Float64() float64 {
	switch v.Type {
	case TypeBit:
		if v.Bit {
			return 1
		}
		return 0
	case TypeFloat32:
		return float64(v.Float)
	default:
		return float64(v.Word)
	}
}

func (v Value) String() string {
	switch v.Type {
	case TypeBit:
		return fmt.Sprintf("%t", v.Bit)
	case TypeFloat32:
		return fmt.Sprintf("%g", v.Float)
	default:
		return fmt.Sprintf("%d", v.Word)
	}
}
