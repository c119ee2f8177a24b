package regmap

import "math"

// ZeroPlaceholder keeps flagged float points from ever reading exactly zero.
// Some HMIs treat a zero PID parameter as "not configured", so the PLC
// publishes Epsilon instead and reads it back as zero. The process model
// never sees the substitution.
type ZeroPlaceholder struct {
	Epsilon float32
}

// Encode maps a value about to be stored.
func (z ZeroPlaceholder) Encode(p Point, v float64) float64 {
	if z.Epsilon == 0 || !p.HMINonZero || p.Type != TypeFloat32 {
		return v
	}
	if v == 0 {
		return float64(z.Epsilon)
	}
	return v
}

// Decode maps a stored value back.
func (z ZeroPlaceholder) Decode(p Point, v float64) float64 {
	if z.Epsilon == 0 || !p.HMINonZero || p.Type != TypeFloat32 {
		return v
	}
	if math.Abs(v-float64(z.Epsilon)) <= float64(z.Epsilon)*1e-3 {
		return 0
	}
	return v
}
