package entity

import "math"

// Fixed is a fixed-point world scalar in thousandths of a meter. All
// authoritative positions and velocities use it so that snapshots round-trip
// between zones without float drift.
type Fixed int32

const fixedScale = 1000

func FixedFromMeters(m float64) Fixed {
	return Fixed(math.Round(m * fixedScale))
}

func (f Fixed) Meters() float64 {
	return float64(f) / fixedScale
}

// DistanceSqMeters returns the squared XZ-plane distance between two
// positions in square meters.
func DistanceSqMeters(a, b Position) float64 {
	dx := a.X.Meters() - b.X.Meters()
	dz := a.Z.Meters() - b.Z.Meters()
	return dx*dx + dz*dz
}
