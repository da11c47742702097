package crystal

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Lattice holds the three lattice vectors as the rows of a 3x3 matrix, in
// Ångström.
type Lattice struct {
	m *mat.Dense
}

// NewLattice builds a lattice from its parameters (Å, degrees) in the
// standard orientation: a along x, b in the xy plane.
func NewLattice(a, b, c, alpha, beta, gamma float64) (*Lattice, error) {
	if a <= 0 || b <= 0 || c <= 0 {
		return nil, fmt.Errorf("%w: non-positive cell length (%g, %g, %g)", ErrNoCell, a, b, c)
	}
	for _, ang := range []float64{alpha, beta, gamma} {
		if ang <= 0 || ang >= 180 {
			return nil, fmt.Errorf("%w: cell angle %g out of range", ErrNoCell, ang)
		}
	}

	ca, cb, cg := cosd(alpha), cosd(beta), cosd(gamma)
	sg := sind(gamma)
	cx := c * cb
	cy := c * (ca - cb*cg) / sg
	cz2 := c*c - cx*cx - cy*cy
	if cz2 <= 0 {
		return nil, fmt.Errorf("%w: angles (%g, %g, %g) do not form a cell", ErrNoCell, alpha, beta, gamma)
	}

	m := mat.NewDense(3, 3, []float64{
		a, 0, 0,
		b * cg, b * sg, 0,
		cx, cy, math.Sqrt(cz2),
	})
	return &Lattice{m: m}, nil
}

// LatticeFromMatrix wraps a 3x3 matrix whose rows are the lattice vectors.
func LatticeFromMatrix(m mat.Matrix) (*Lattice, error) {
	r, c := m.Dims()
	if r != 3 || c != 3 {
		return nil, fmt.Errorf("%w: lattice matrix is %dx%d", ErrNoCell, r, c)
	}
	d := mat.DenseCopyOf(m)
	if math.Abs(mat.Det(d)) < 1e-8 {
		return nil, fmt.Errorf("%w: singular lattice matrix", ErrNoCell)
	}
	return &Lattice{m: d}, nil
}

// Matrix returns the lattice vectors as rows.
func (l *Lattice) Matrix() mat.Matrix {
	return l.m
}

// Vectors returns the lattice vectors as plain arrays.
func (l *Lattice) Vectors() [3][3]float64 {
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = l.m.At(i, j)
		}
	}
	return out
}

// Volume returns the cell volume in Å³.
func (l *Lattice) Volume() float64 {
	return math.Abs(mat.Det(l.m))
}

// Lengths returns a, b and c.
func (l *Lattice) Lengths() [3]float64 {
	var out [3]float64
	for i := 0; i < 3; i++ {
		out[i] = mat.Norm(l.m.RowView(i), 2)
	}
	return out
}

// Angles returns alpha, beta and gamma in degrees.
func (l *Lattice) Angles() [3]float64 {
	angle := func(i, j int) float64 {
		u, v := l.m.RowView(i), l.m.RowView(j)
		cos := mat.Dot(u, v) / (mat.Norm(u, 2) * mat.Norm(v, 2))
		cos = math.Max(-1, math.Min(1, cos))
		return math.Acos(cos) * 180 / math.Pi
	}
	return [3]float64{angle(1, 2), angle(0, 2), angle(0, 1)}
}

// Cartesian converts fractional coordinates to Cartesian ones.
func (l *Lattice) Cartesian(f [3]float64) [3]float64 {
	var out [3]float64
	for j := 0; j < 3; j++ {
		out[j] = f[0]*l.m.At(0, j) + f[1]*l.m.At(1, j) + f[2]*l.m.At(2, j)
	}
	return out
}

// Reciprocal returns the reciprocal lattice without the 2π factor, so that
// rows are a*, b*, c* with a·a* = 1.
func (l *Lattice) Reciprocal() *Lattice {
	var inv mat.Dense
	if err := inv.Inverse(l.m); err != nil {
		panic(fmt.Sprintf("crystal: inverse of validated lattice: %v", err))
	}
	var t mat.Dense
	t.CloneFrom(inv.T())
	return &Lattice{m: &t}
}

// PlaneSpacings returns the distance between adjacent lattice planes along
// each reciprocal axis, d_i = 1/|a_i*|.
func (l *Lattice) PlaneSpacings() [3]float64 {
	rec := l.Reciprocal()
	var out [3]float64
	for i := 0; i < 3; i++ {
		out[i] = 1 / mat.Norm(rec.m.RowView(i), 2)
	}
	return out
}

// Transform returns the lattice whose rows are t·L, with t given in
// fractional coordinates of this lattice.
func (l *Lattice) Transform(t [3][3]float64) (*Lattice, error) {
	tm := mat.NewDense(3, 3, []float64{
		t[0][0], t[0][1], t[0][2],
		t[1][0], t[1][1], t[1][2],
		t[2][0], t[2][1], t[2][2],
	})
	var out mat.Dense
	out.Mul(tm, l.m)
	return LatticeFromMatrix(&out)
}

func cosd(deg float64) float64 {
	// Exact zeros for right angles keep orthogonal cells orthogonal.
	if deg == 90 {
		return 0
	}
	return math.Cos(deg * math.Pi / 180)
}

func sind(deg float64) float64 {
	if deg == 90 {
		return 1
	}
	return math.Sin(deg * math.Pi / 180)
}
