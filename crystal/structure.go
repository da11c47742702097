// Package crystal builds periodic structures from CIF blocks: the physics
// view used by the PDF calculator and the metadata view used for lattice,
// space-group and composition descriptors.
package crystal

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/aluiziolira/go-learninglib/parser"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrNoCell is returned when the unit cell is missing or degenerate.
	ErrNoCell = errors.New("crystal: invalid unit cell")
	// ErrNoSites is returned when a block has no usable atom sites.
	ErrNoSites = errors.New("crystal: no atom sites")
	// ErrSpaceGroup is returned when the space group cannot be resolved or
	// contradicts the symmetry operations.
	ErrSpaceGroup = errors.New("crystal: space group")
	// ErrSymmetry is returned when the symmetry operations are unusable.
	ErrSymmetry = errors.New("crystal: symmetry operations")
)

// Fractional tolerance used when merging symmetry-equivalent positions.
const symTol = 1e-3

// Site is one atom position in a cell.
type Site struct {
	Label     string
	Element   string
	Z         int
	Charge    float64
	Frac      [3]float64
	Occupancy float64
	Uiso      float64
}

// Cell is a lattice with the full list of sites it contains.
type Cell struct {
	Lattice *Lattice
	Sites   []Site
}

// NumSites returns the occupancy-weighted number of atoms in the cell.
func (c *Cell) NumSites() float64 {
	total := 0.0
	for _, s := range c.Sites {
		total += s.Occupancy
	}
	return total
}

// Composition sums site occupancies per element.
func (c *Cell) Composition() map[string]float64 {
	out := make(map[string]float64)
	for _, s := range c.Sites {
		out[s.Element] += s.Occupancy
	}
	for k, v := range out {
		out[k] = math.Round(v*1e8) / 1e8
	}
	return out
}

// Formula returns a reduced-order formula string such as "Cl4Na4",
// elements sorted alphabetically.
func (c *Cell) Formula() string {
	comp := c.Composition()
	keys := make([]string, 0, len(comp))
	for k := range comp {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for _, k := range keys {
		v := comp[k]
		if v == 1 {
			out += k
			continue
		}
		out += fmt.Sprintf("%s%g", k, v)
	}
	return out
}

// expandSites applies every operation to every asymmetric-unit site and
// keeps one copy of each distinct position per site.
func expandSites(asym []Site, ops []parser.Symop) []Site {
	var out []Site
	for _, s := range asym {
		var orbit [][3]float64
		for _, op := range ops {
			p := wrap(op.Apply(s.Frac))
			dup := false
			for _, q := range orbit {
				if periodicDistance(p, q) < symTol {
					dup = true
					break
				}
			}
			if dup {
				continue
			}
			orbit = append(orbit, p)
			site := s
			site.Frac = p
			out = append(out, site)
		}
	}
	return out
}

// primitiveTransforms holds, per centering, the primitive vectors in
// fractional coordinates of the conventional cell.
var primitiveTransforms = map[Centering][3][3]float64{
	CenterP: {{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
	CenterA: {{1, 0, 0}, {0, 0.5, 0.5}, {0, -0.5, 0.5}},
	CenterB: {{0.5, 0, 0.5}, {0, 1, 0}, {-0.5, 0, 0.5}},
	CenterC: {{0.5, 0.5, 0}, {-0.5, 0.5, 0}, {0, 0, 1}},
	CenterI: {{-0.5, 0.5, 0.5}, {0.5, -0.5, 0.5}, {0.5, 0.5, -0.5}},
	CenterF: {{0, 0.5, 0.5}, {0.5, 0, 0.5}, {0.5, 0.5, 0}},
	CenterR: {{2.0 / 3, 1.0 / 3, 1.0 / 3}, {-1.0 / 3, 1.0 / 3, 1.0 / 3}, {-1.0 / 3, -2.0 / 3, 1.0 / 3}},
}

// primitiveCell folds a conventional cell into the primitive cell of the
// given centering. Sites that coincide after folding are merged.
func primitiveCell(conv *Cell, centering Centering) (*Cell, error) {
	t, ok := primitiveTransforms[centering]
	if !ok {
		return nil, fmt.Errorf("%w: unknown centering %q", ErrSpaceGroup, centering)
	}
	if centering == CenterP {
		return conv, nil
	}

	lat, err := conv.Lattice.Transform(t)
	if err != nil {
		return nil, err
	}

	tm := mat.NewDense(3, 3, []float64{
		t[0][0], t[0][1], t[0][2],
		t[1][0], t[1][1], t[1][2],
		t[2][0], t[2][1], t[2][2],
	})
	var inv mat.Dense
	if err := inv.Inverse(tm); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpaceGroup, err)
	}

	sites := make([]Site, 0, len(conv.Sites))
	for _, s := range conv.Sites {
		var p [3]float64
		for j := 0; j < 3; j++ {
			p[j] = s.Frac[0]*inv.At(0, j) + s.Frac[1]*inv.At(1, j) + s.Frac[2]*inv.At(2, j)
		}
		p = wrap(p)
		dup := false
		for _, q := range sites {
			if q.Element == s.Element && q.Label == s.Label && periodicDistance(p, q.Frac) < symTol {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		folded := s
		folded.Frac = p
		sites = append(sites, folded)
	}

	want := len(conv.Sites) / (len(centeringVectors[centering]) + 1)
	if len(sites) != want {
		return nil, fmt.Errorf("%w: %d sites fold to %d, want %d for %c centering",
			ErrSymmetry, len(conv.Sites), len(sites), want, centering)
	}
	return &Cell{Lattice: lat, Sites: sites}, nil
}

func wrap(p [3]float64) [3]float64 {
	for i := range p {
		p[i] -= math.Floor(p[i])
		if p[i] >= 1-1e-9 {
			p[i] = 0
		}
	}
	return p
}

func periodicDistance(a, b [3]float64) float64 {
	sum := 0.0
	for i := 0; i < 3; i++ {
		d := a[i] - b[i]
		d -= math.Round(d)
		sum += d * d
	}
	return math.Sqrt(sum)
}
