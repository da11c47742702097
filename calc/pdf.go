package calc

import (
	"errors"
	"fmt"
	"math"

	"github.com/aluiziolira/go-learninglib/crystal"
)

// ErrEmptyStructure is returned when a structure has no scatterers.
var ErrEmptyStructure = errors.New("calc: structure has no scatterers")

// Peaks are evaluated out to this many standard deviations.
const peakWindow = 5.0

// PDFCalculator evaluates the reduced pair distribution function G(r) of a
// periodic structure in real space. The zero value is not usable; fill the
// grid fields or use the config defaults.
type PDFCalculator struct {
	RMin   float64
	RMax   float64
	RStep  float64
	QMax   float64 // 0 disables termination ripples
	QDamp  float64
	QBroad float64
	Delta1 float64
	Delta2 float64
	Scale  float64
}

// PDFResult is the output of one calculation. Slope is the linear
// baseline -4πρ₀·scale.
type PDFResult struct {
	R     []float64
	G     []float64
	Slope float64
}

// RGrid returns the calculation grid, arange(rmin, rmax, rstep).
func (c PDFCalculator) RGrid() []float64 {
	return Arange(c.RMin, c.RMax, c.RStep)
}

// Validate checks the grid parameters.
func (c PDFCalculator) Validate() error {
	if c.RStep <= 0 || c.RMax <= c.RMin || c.RMin < 0 {
		return fmt.Errorf("calc: invalid r grid [%g, %g) step %g", c.RMin, c.RMax, c.RStep)
	}
	if c.Scale <= 0 {
		return fmt.Errorf("calc: scale must be positive")
	}
	return nil
}

type scatterer struct {
	pos [3]float64
	f   float64 // x-ray form factor at Q=0 times occupancy
	u   float64
}

// Calculate sums Gaussian pair peaks over all site pairs within range:
//
//	R(r) = 1/N Σᵢⱼ fᵢfⱼ/<f>² · N(r; rᵢⱼ, σᵢⱼ)
//	G(r) = R(r)/r - 4πρ₀r
//
// with σᵢⱼ² = (Uᵢ+Uⱼ)(1 - δ₁/rᵢⱼ - δ₂/rᵢⱼ² + Qbroad²rᵢⱼ²), then damped by
// exp(-(Qdamp·r)²/2) and, when QMax is set, convolved with the Qmax
// termination kernel.
func (c PDFCalculator) Calculate(s *crystal.PDFStructure) (*PDFResult, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	scatterers, total, meanF := c.scatterers(s)
	if len(scatterers) == 0 || total <= 0 || meanF == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyStructure, s.Path)
	}

	r := c.RGrid()
	rdf := make([]float64, len(r))
	rho0 := total / s.Lattice.Volume()

	maxU := 0.0
	for _, sc := range scatterers {
		maxU = math.Max(maxU, sc.u)
	}
	sigmaMax := math.Sqrt(2*maxU) * math.Sqrt(1+c.QBroad*c.QBroad*c.RMax*c.RMax)
	rcut := c.RMax + peakWindow*math.Max(sigmaMax, c.RStep)

	vectors := s.Lattice.Vectors()
	spacings := s.Lattice.PlaneSpacings()
	var span [3]int
	for i := range span {
		span[i] = int(math.Ceil(rcut/spacings[i])) + 1
	}

	norm := 1 / (total * meanF * meanF)
	for _, a := range scatterers {
		for _, b := range scatterers {
			weight := a.f * b.f * norm
			if weight == 0 {
				continue
			}
			base := [3]float64{b.pos[0] - a.pos[0], b.pos[1] - a.pos[1], b.pos[2] - a.pos[2]}
			for na := -span[0]; na <= span[0]; na++ {
				for nb := -span[1]; nb <= span[1]; nb++ {
					for nc := -span[2]; nc <= span[2]; nc++ {
						var d [3]float64
						for k := 0; k < 3; k++ {
							d[k] = base[k] + float64(na)*vectors[0][k] + float64(nb)*vectors[1][k] + float64(nc)*vectors[2][k]
						}
						dist := math.Sqrt(d[0]*d[0] + d[1]*d[1] + d[2]*d[2])
						if dist < 1e-8 || dist > rcut {
							continue
						}
						c.addPeak(rdf, r, dist, c.peakSigma(a.u+b.u, dist), weight)
					}
				}
			}
		}
	}

	g := make([]float64, len(r))
	for i, ri := range r {
		if ri > 0 {
			g[i] = rdf[i]/ri - 4*math.Pi*rho0*ri
		}
	}
	if c.QMax > 0 {
		g = c.terminate(r, g)
	}
	for i, ri := range r {
		if c.QDamp > 0 {
			g[i] *= math.Exp(-0.5 * (c.QDamp * ri) * (c.QDamp * ri))
		}
		g[i] *= c.Scale
	}

	return &PDFResult{R: r, G: g, Slope: -4 * math.Pi * rho0 * c.Scale}, nil
}

func (c PDFCalculator) scatterers(s *crystal.PDFStructure) ([]scatterer, float64, float64) {
	out := make([]scatterer, 0, len(s.Sites))
	total, sumF := 0.0, 0.0
	for _, site := range s.Sites {
		f := float64(site.Z) - site.Charge
		out = append(out, scatterer{
			pos: s.Lattice.Cartesian(site.Frac),
			f:   f * site.Occupancy,
			u:   site.Uiso,
		})
		total += site.Occupancy
		sumF += f * site.Occupancy
	}
	if total == 0 {
		return out, 0, 0
	}
	return out, total, sumF / total
}

func (c PDFCalculator) peakSigma(msd, dist float64) float64 {
	corr := 1 - c.Delta1/dist - c.Delta2/(dist*dist) + c.QBroad*c.QBroad*dist*dist
	s2 := msd * corr
	// Zero displacement would give a delta peak the grid cannot sample.
	minSigma := c.RStep / 2
	if s2 <= minSigma*minSigma {
		return minSigma
	}
	return math.Sqrt(s2)
}

func (c PDFCalculator) addPeak(rdf, r []float64, center, sigma, weight float64) {
	lo := int(math.Floor((center - peakWindow*sigma - c.RMin) / c.RStep))
	hi := int(math.Ceil((center + peakWindow*sigma - c.RMin) / c.RStep))
	if lo < 0 {
		lo = 0
	}
	if hi > len(r)-1 {
		hi = len(r) - 1
	}
	amp := weight / (math.Sqrt(2*math.Pi) * sigma)
	inv := 1 / (2 * sigma * sigma)
	for i := lo; i <= hi; i++ {
		d := r[i] - center
		rdf[i] += amp * math.Exp(-d*d*inv)
	}
}

// terminate convolves g with the kernel of a sharp cut at QMax,
// (sin(Qmax(r-r'))/(r-r') - sin(Qmax(r+r'))/(r+r'))/π.
func (c PDFCalculator) terminate(r, g []float64) []float64 {
	out := make([]float64, len(g))
	for i, ri := range r {
		sum := 0.0
		for j, rj := range r {
			if g[j] == 0 {
				continue
			}
			var k float64
			if d := ri - rj; d == 0 {
				k = c.QMax
			} else {
				k = math.Sin(c.QMax*d) / d
			}
			if s := ri + rj; s > 0 {
				k -= math.Sin(c.QMax*s) / s
			}
			sum += g[j] * k
		}
		out[i] = sum * c.RStep / math.Pi
	}
	return out
}
