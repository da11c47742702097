package calc

import (
	"fmt"
	"math"
	"math/cmplx"
	"sort"

	"github.com/aluiziolira/go-learninglib/crystal"
)

// Peaks below this fraction of the strongest (after scaling to 100) are
// dropped.
const scaledIntensityTol = 1e-3

// XRDCalculator computes a kinematic powder X-ray pattern.
type XRDCalculator struct {
	Wavelength  float64 // Å
	TwoThetaTol float64 // degrees; peaks closer than this are merged
	TwoThetaMin float64
	TwoThetaMax float64
}

// NewXRDCalculator returns a calculator over the standard 0-90° range.
func NewXRDCalculator(wavelength, twoThetaTol float64) XRDCalculator {
	return XRDCalculator{
		Wavelength:  wavelength,
		TwoThetaTol: twoThetaTol,
		TwoThetaMin: TwoThetaStart,
		TwoThetaMax: TwoThetaStop,
	}
}

// Peak is one merged diffraction line.
type Peak struct {
	TwoTheta  float64
	Intensity float64
	D         float64
	HKL       [][3]int
}

// Pattern returns the peaks of cell sorted by two-theta with intensities
// scaled so the strongest is 100.
func (c XRDCalculator) Pattern(cell *crystal.Cell) ([]Peak, error) {
	if c.Wavelength <= 0 {
		return nil, fmt.Errorf("calc: wavelength must be positive")
	}
	if len(cell.Sites) == 0 {
		return nil, ErrEmptyStructure
	}

	rec := cell.Lattice.Reciprocal()
	recVec := rec.Vectors()
	gMax := 2 * math.Sin(c.TwoThetaMax/2*math.Pi/180) / c.Wavelength
	gMin := 2 * math.Sin(c.TwoThetaMin/2*math.Pi/180) / c.Wavelength

	lengths := cell.Lattice.Lengths()
	var span [3]int
	for i := range span {
		span[i] = int(math.Ceil(gMax * lengths[i]))
	}

	type raw struct {
		tth, intensity, d float64
		hkl               [3]int
	}
	var lines []raw
	for h := -span[0]; h <= span[0]; h++ {
		for k := -span[1]; k <= span[1]; k++ {
			for l := -span[2]; l <= span[2]; l++ {
				if h == 0 && k == 0 && l == 0 {
					continue
				}
				var g [3]float64
				for j := 0; j < 3; j++ {
					g[j] = float64(h)*recVec[0][j] + float64(k)*recVec[1][j] + float64(l)*recVec[2][j]
				}
				gLen := math.Sqrt(g[0]*g[0] + g[1]*g[1] + g[2]*g[2])
				if gLen > gMax+1e-12 || gLen < gMin {
					continue
				}
				theta := math.Asin(c.Wavelength * gLen / 2)
				s := gLen / 2

				var f complex128
				for _, site := range cell.Sites {
					phase := 2 * math.Pi * (float64(h)*site.Frac[0] + float64(k)*site.Frac[1] + float64(l)*site.Frac[2])
					f += complex(site.Occupancy*FormFactor(site.Z, site.Charge, s), 0) * cmplx.Exp(complex(0, phase))
				}
				sin, cos := math.Sin(theta), math.Cos(theta)
				lp := (1 + math.Cos(2*theta)*math.Cos(2*theta)) / (sin * sin * cos)
				intensity := real(f*cmplx.Conj(f)) * lp
				if intensity < 1e-8 {
					continue
				}
				lines = append(lines, raw{
					tth:       2 * theta * 180 / math.Pi,
					intensity: intensity,
					d:         1 / gLen,
					hkl:       [3]int{h, k, l},
				})
			}
		}
	}

	sort.SliceStable(lines, func(i, j int) bool { return lines[i].tth < lines[j].tth })

	var peaks []Peak
	for _, ln := range lines {
		if n := len(peaks); n > 0 && math.Abs(peaks[n-1].TwoTheta-ln.tth) < c.TwoThetaTol {
			peaks[n-1].Intensity += ln.intensity
			peaks[n-1].HKL = append(peaks[n-1].HKL, ln.hkl)
			continue
		}
		peaks = append(peaks, Peak{TwoTheta: ln.tth, Intensity: ln.intensity, D: ln.d, HKL: [][3]int{ln.hkl}})
	}

	maxI := 0.0
	for _, p := range peaks {
		maxI = math.Max(maxI, p.Intensity)
	}
	if maxI == 0 {
		return []Peak{}, nil
	}
	out := peaks[:0]
	for _, p := range peaks {
		p.Intensity = p.Intensity / maxI * 100
		if p.Intensity > scaledIntensityTol {
			out = append(out, p)
		}
	}
	return out, nil
}

// TwoThetaIntensity splits peaks into the two columns used downstream.
func TwoThetaIntensity(peaks []Peak) (twoTheta, intensity []float64) {
	twoTheta = make([]float64, len(peaks))
	intensity = make([]float64, len(peaks))
	for i, p := range peaks {
		twoTheta[i] = p.TwoTheta
		intensity[i] = p.Intensity
	}
	return twoTheta, intensity
}

// FormFactor approximates the X-ray atomic form factor at s = sinθ/λ with a
// single Gaussian, f(s) = (Z - q)·exp(-κs²), κ = 10·Z^(-1/3) Å². It matches
// tabulated values within about 15% for s below 0.6 Å⁻¹.
func FormFactor(z int, charge, s float64) float64 {
	if z <= 0 {
		return 0
	}
	kappa := 10 * math.Pow(float64(z), -1.0/3)
	return (float64(z) - charge) * math.Exp(-kappa*s*s)
}
