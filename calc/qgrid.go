// Package calc computes the diffraction features of a structure: the pair
// distribution function, the powder X-ray pattern and its projection on a
// shared momentum-transfer grid.
package calc

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Two-theta axis of the standard Q-grid, in degrees: [0, 90) in 0.1 steps.
const (
	TwoThetaStart = 0.0
	TwoThetaStop  = 90.0
	TwoThetaStep  = 0.1
)

// Arange mirrors numpy.arange: start + i*step for every value below stop.
func Arange(start, stop, step float64) []float64 {
	if step <= 0 || stop <= start {
		return []float64{}
	}
	n := int(math.Ceil((stop-start)/step - 1e-9))
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

// ThetaToQ converts two-theta angles in degrees to momentum transfer in
// Å⁻¹: Q = 4π/λ·sin(2θ/2).
func ThetaToQ(twoTheta []float64, wavelength float64) []float64 {
	out := make([]float64, len(twoTheta))
	for i, tth := range twoTheta {
		rad := tth * math.Pi / 180
		out[i] = 4 * math.Pi / wavelength * math.Sin(rad/2)
	}
	return out
}

// StandardQGrid returns the shared Q axis for a wavelength.
func StandardQGrid(wavelength float64) []float64 {
	return ThetaToQ(Arange(TwoThetaStart, TwoThetaStop, TwoThetaStep), wavelength)
}

// FindNearest returns the index of the grid value closest to v. Ties go to
// the lowest index.
func FindNearest(grid []float64, v float64) int {
	if len(grid) == 0 {
		return -1
	}
	diff := make([]float64, len(grid))
	for i, g := range grid {
		diff[i] = math.Abs(g - v)
	}
	return floats.MinIdx(diff)
}

// AssignNearest projects (q, iq) samples onto grid. Each sample is written
// at its nearest grid index; later samples overwrite earlier ones on the
// same index and untouched indices stay zero.
func AssignNearest(grid, q, iq []float64) ([]float64, error) {
	if len(q) != len(iq) {
		return nil, fmt.Errorf("assign nearest: %d q values for %d intensities", len(q), len(iq))
	}
	out := make([]float64, len(grid))
	if len(grid) == 0 {
		return out, nil
	}
	for k, v := range q {
		out[FindNearest(grid, v)] = iq[k]
	}
	return out, nil
}
