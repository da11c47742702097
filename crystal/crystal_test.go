package crystal

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func fixture(name string) string {
	return filepath.Join("..", "testdata", name)
}

func near(got, want, tol float64) bool {
	return math.Abs(got-want) <= tol
}

func TestLatticeCubic(t *testing.T) {
	lat, err := NewLattice(4, 4, 4, 90, 90, 90)
	if err != nil {
		t.Fatalf("new lattice: %v", err)
	}

	if !near(lat.Volume(), 64, 1e-9) {
		t.Fatalf("volume = %v, want 64", lat.Volume())
	}
	approx := cmpopts.EquateApprox(0, 1e-9)
	if diff := cmp.Diff([3]float64{4, 4, 4}, lat.Lengths(), approx); diff != "" {
		t.Fatalf("lengths mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([3]float64{90, 90, 90}, lat.Angles(), approx); diff != "" {
		t.Fatalf("angles mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([3]float64{2, 2, 2}, lat.Cartesian([3]float64{0.5, 0.5, 0.5}), approx); diff != "" {
		t.Fatalf("cartesian mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([3]float64{4, 4, 4}, lat.PlaneSpacings(), approx); diff != "" {
		t.Fatalf("plane spacings mismatch (-want +got):\n%s", diff)
	}
}

func TestLatticeHexagonal(t *testing.T) {
	lat, err := NewLattice(3, 3, 5, 90, 90, 120)
	if err != nil {
		t.Fatalf("new lattice: %v", err)
	}

	if want := 3 * 3 * 5 * math.Sqrt(3) / 2; !near(lat.Volume(), want, 1e-9) {
		t.Fatalf("volume = %v, want %v", lat.Volume(), want)
	}
	if diff := cmp.Diff([3]float64{90, 90, 120}, lat.Angles(), cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Fatalf("angles mismatch (-want +got):\n%s", diff)
	}
}

func TestLatticeInvalid(t *testing.T) {
	if _, err := NewLattice(0, 1, 1, 90, 90, 90); !errors.Is(err, ErrNoCell) {
		t.Fatalf("zero length: err = %v, want ErrNoCell", err)
	}
	if _, err := NewLattice(1, 1, 1, 10, 10, 170); !errors.Is(err, ErrNoCell) {
		t.Fatalf("degenerate angles: err = %v, want ErrNoCell", err)
	}
}

func TestSpaceGroupTableRoundTrip(t *testing.T) {
	for n := 1; n <= 230; n++ {
		symbol, err := SpaceGroupSymbol(n)
		if err != nil {
			t.Fatalf("symbol %d: %v", n, err)
		}
		got, err := SpaceGroupNumber(symbol)
		if err != nil {
			t.Fatalf("number %q: %v", symbol, err)
		}
		if got != n {
			t.Fatalf("SpaceGroupNumber(%q) = %d, want %d", symbol, got, n)
		}
	}
}

func TestSpaceGroupNumber(t *testing.T) {
	tests := []struct {
		symbol string
		want   int
	}{
		{symbol: "F m -3 m", want: 225},
		{symbol: "P 1 21/c 1", want: 14},
		{symbol: "P 21/c", want: 14},
		{symbol: "Cmca", want: 64},
		{symbol: "P 63/m m c", want: 194},
		{symbol: "R -3 m :H", want: 166},
		{symbol: "Fm3m", want: 225},
		{symbol: "P 1 21/n 1", want: 14},
		{symbol: "P 21/a", want: 14},
		{symbol: "P 1 2/n 1", want: 13},
		{symbol: "P 2/a", want: 13},
		{symbol: "P 1 n 1", want: 7},
		{symbol: "Pa", want: 7},
		{symbol: "I 1 a 1", want: 9},
		{symbol: "A n", want: 9},
		{symbol: "I 1 2/a 1", want: 15},
		{symbol: "A 1 2/n 1", want: 15},
		{symbol: "I 2/m", want: 12},
		{symbol: "P b n m", want: 62},
		{symbol: "P n a m", want: 62},
		{symbol: "P m c n", want: 62},
		{symbol: "B b m m", want: 63},
		{symbol: "A m m a", want: 63},
		{symbol: "P c a b", want: 61},
	}
	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			got, err := SpaceGroupNumber(tt.symbol)
			if err != nil {
				t.Fatalf("SpaceGroupNumber(%q): %v", tt.symbol, err)
			}
			if got != tt.want {
				t.Fatalf("SpaceGroupNumber(%q) = %d, want %d", tt.symbol, got, tt.want)
			}
		})
	}

	if _, err := SpaceGroupNumber("X 9 9"); !errors.Is(err, ErrSpaceGroup) {
		t.Fatalf("unknown symbol: err = %v, want ErrSpaceGroup", err)
	}
	if _, err := SpaceGroupSymbol(231); !errors.Is(err, ErrSpaceGroup) {
		t.Fatalf("number 231: err = %v, want ErrSpaceGroup", err)
	}
}

func TestResolveElement(t *testing.T) {
	tests := map[string]string{
		"Cu":   "Cu",
		"Fe3+": "Fe",
		"O2-":  "O",
		"Oa1":  "O",
		"D1":   "H",
		"CL1":  "Cl",
	}
	for in, want := range tests {
		got, err := ResolveElement(in)
		if err != nil {
			t.Fatalf("ResolveElement(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ResolveElement(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := ResolveElement("Qq"); err == nil {
		t.Fatal("expected an error for an unknown element")
	}
}

func TestLoadPDFStructureCopper(t *testing.T) {
	s, err := LoadPDFStructure(fixture("cu.cif"), 0.005)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if len(s.Sites) != 4 {
		t.Fatalf("sites = %d, want 4", len(s.Sites))
	}
	for _, site := range s.Sites {
		if site.Element != "Cu" || site.Z != 29 || site.Uiso != 0.005 {
			t.Fatalf("unexpected site %+v", site)
		}
	}
	if want := 3.615 * 3.615 * 3.615; !near(s.Lattice.Volume(), want, 1e-9) {
		t.Fatalf("volume = %v, want %v", s.Lattice.Volume(), want)
	}
	if want := 4 / math.Pow(3.615, 3); !near(s.NumberDensity(), want, 1e-12) {
		t.Fatalf("number density = %v, want %v", s.NumberDensity(), want)
	}
}

func TestMetaStructureCopper(t *testing.T) {
	m, err := LoadMetaStructure(fixture("cu.cif"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	label, number, err := m.SpaceGroupInfo()
	if err != nil {
		t.Fatalf("space group: %v", err)
	}
	if label != "Fm-3m" || number != 225 {
		t.Fatalf("space group = %q %d, want Fm-3m 225", label, number)
	}

	conv, err := m.Structure(false)
	if err != nil {
		t.Fatalf("conventional: %v", err)
	}
	if diff := cmp.Diff(map[string]float64{"Cu": 4}, conv.Composition()); diff != "" {
		t.Fatalf("conventional composition mismatch (-want +got):\n%s", diff)
	}
	if conv.Formula() != "Cu4" {
		t.Fatalf("formula = %q, want Cu4", conv.Formula())
	}

	prim, err := m.Structure(true)
	if err != nil {
		t.Fatalf("primitive: %v", err)
	}
	if diff := cmp.Diff(map[string]float64{"Cu": 1}, prim.Composition()); diff != "" {
		t.Fatalf("primitive composition mismatch (-want +got):\n%s", diff)
	}

	approx := cmpopts.EquateApprox(0, 1e-9)
	a := 3.615 / math.Sqrt2
	if diff := cmp.Diff([3]float64{a, a, a}, prim.Lattice.Lengths(), approx); diff != "" {
		t.Fatalf("primitive lengths mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([3]float64{60, 60, 60}, prim.Lattice.Angles(), approx); diff != "" {
		t.Fatalf("primitive angles mismatch (-want +got):\n%s", diff)
	}
	if !near(prim.Lattice.Volume(), conv.Lattice.Volume()/4, 1e-9) {
		t.Fatalf("primitive volume = %v, want a quarter of %v", prim.Lattice.Volume(), conv.Lattice.Volume())
	}
}

func TestMetaStructureRockSalt(t *testing.T) {
	m, err := LoadMetaStructure(fixture("nacl.cif"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	conv, err := m.Structure(false)
	if err != nil {
		t.Fatalf("conventional: %v", err)
	}
	if diff := cmp.Diff(map[string]float64{"Na": 4, "Cl": 4}, conv.Composition()); diff != "" {
		t.Fatalf("conventional composition mismatch (-want +got):\n%s", diff)
	}

	prim, err := m.Structure(true)
	if err != nil {
		t.Fatalf("primitive: %v", err)
	}
	if diff := cmp.Diff(map[string]float64{"Na": 1, "Cl": 1}, prim.Composition()); diff != "" {
		t.Fatalf("primitive composition mismatch (-want +got):\n%s", diff)
	}

	for _, s := range conv.Sites {
		want := -1.0
		if s.Element == "Na" {
			want = 1
		}
		if s.Charge != want {
			t.Fatalf("%s charge = %v, want %v", s.Element, s.Charge, want)
		}
	}
}

func TestMetaStructurePrimitiveCubic(t *testing.T) {
	m, err := LoadMetaStructure(fixture("cscl.cif"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	label, number, err := m.SpaceGroupInfo()
	if err != nil {
		t.Fatalf("space group: %v", err)
	}
	if label != "Pm-3m" || number != 221 {
		t.Fatalf("space group = %q %d, want Pm-3m 221", label, number)
	}

	conv, err := m.Structure(false)
	if err != nil {
		t.Fatalf("conventional: %v", err)
	}
	prim, err := m.Structure(true)
	if err != nil {
		t.Fatalf("primitive: %v", err)
	}
	if diff := cmp.Diff(conv.Composition(), prim.Composition()); diff != "" {
		t.Fatalf("composition mismatch (-conv +prim):\n%s", diff)
	}
	if !near(prim.Lattice.Volume(), conv.Lattice.Volume(), 1e-12) {
		t.Fatalf("primitive volume = %v, want %v", prim.Lattice.Volume(), conv.Lattice.Volume())
	}
}

func TestSpaceGroupInfoFromSmallGroup(t *testing.T) {
	m, err := LoadMetaStructure(fixture("cu_f222.cif"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	label, number, err := m.SpaceGroupInfo()
	if err != nil {
		t.Fatalf("space group: %v", err)
	}
	if label != "F222" || number != 22 {
		t.Fatalf("space group = %q %d, want F222 22", label, number)
	}
}

func TestSpaceGroupInfoNonStandardSetting(t *testing.T) {
	m, err := LoadMetaStructure(fixture("i2a.cif"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	label, number, err := m.SpaceGroupInfo()
	if err != nil {
		t.Fatalf("space group: %v", err)
	}
	if label != "C2/c" || number != 15 {
		t.Fatalf("space group = %q %d, want C2/c 15", label, number)
	}

	conv, err := m.Structure(false)
	if err != nil {
		t.Fatalf("conventional: %v", err)
	}
	prim, err := m.Structure(true)
	if err != nil {
		t.Fatalf("primitive: %v", err)
	}
	if len(conv.Sites) != 8 || len(prim.Sites) != 4 {
		t.Fatalf("sites = %d conventional, %d primitive; want 8 and 4", len(conv.Sites), len(prim.Sites))
	}
	if !near(prim.Lattice.Volume(), conv.Lattice.Volume()/2, 1e-9) {
		t.Fatalf("primitive volume = %v, want half of %v", prim.Lattice.Volume(), conv.Lattice.Volume())
	}
}

func TestSpaceGroupInfoSymbolOnly(t *testing.T) {
	m, err := LoadMetaStructure(fixture("p21n.cif"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	label, number, err := m.SpaceGroupInfo()
	if err != nil {
		t.Fatalf("space group: %v", err)
	}
	if label != "P2_1/c" || number != 14 {
		t.Fatalf("space group = %q %d, want P2_1/c 14", label, number)
	}
}

func TestSpaceGroupInfoCenteringMismatch(t *testing.T) {
	m, err := LoadMetaStructure(fixture("wrong_centering.cif"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if _, _, err := m.SpaceGroupInfo(); !errors.Is(err, ErrSpaceGroup) {
		t.Fatalf("err = %v, want ErrSpaceGroup", err)
	}
}

func TestSymbolCentering(t *testing.T) {
	tests := []struct {
		symbol string
		want   Centering
		ok     bool
	}{
		{symbol: "I 1 2/a 1", want: CenterI, ok: true},
		{symbol: "b b m m", want: CenterB, ok: true},
		{symbol: " R -3 m :H", want: CenterR, ok: true},
		{symbol: "", ok: false},
		{symbol: "X 9 9", ok: false},
	}
	for _, tt := range tests {
		got, ok := symbolCentering(tt.symbol)
		if ok != tt.ok || got != tt.want {
			t.Fatalf("symbolCentering(%q) = %q %v, want %q %v", tt.symbol, got, ok, tt.want, tt.ok)
		}
	}
}

func TestSpaceGroupInfoNotClosed(t *testing.T) {
	path := writeCIF(t, `data_open
_symmetry_space_group_name_H-M 'P 2'
_cell_length_a 4
_cell_length_b 5
_cell_length_c 6
_cell_angle_alpha 90
_cell_angle_beta 100
_cell_angle_gamma 90
loop_
_symmetry_equiv_pos_as_xyz
'x,y,z'
'-x,y,-z'
'x,y+1/2,z'
loop_
_atom_site_label
_atom_site_fract_x
_atom_site_fract_y
_atom_site_fract_z
C1 0.1 0.2 0.3
`)
	m, err := LoadMetaStructure(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if _, _, err := m.SpaceGroupInfo(); !errors.Is(err, ErrSymmetry) {
		t.Fatalf("err = %v, want ErrSymmetry", err)
	}
}

func TestLoadWithoutSymmetryIsP1(t *testing.T) {
	path := writeCIF(t, `data_p1
_cell_length_a 3
_cell_length_b 4
_cell_length_c 5
_cell_angle_alpha 90
_cell_angle_beta 90
_cell_angle_gamma 90
loop_
_atom_site_label
_atom_site_type_symbol
_atom_site_fract_x
_atom_site_fract_y
_atom_site_fract_z
_atom_site_occupancy
Si1 Si 0.1 0.2 0.3 0.5
O1 O 0.6 0.7 0.8 ?
`)
	m, err := LoadMetaStructure(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	label, number, err := m.SpaceGroupInfo()
	if err != nil {
		t.Fatalf("space group: %v", err)
	}
	if label != "P1" || number != 1 {
		t.Fatalf("space group = %q %d, want P1 1", label, number)
	}

	conv, err := m.Structure(false)
	if err != nil {
		t.Fatalf("conventional: %v", err)
	}
	if diff := cmp.Diff(map[string]float64{"Si": 0.5, "O": 1}, conv.Composition()); diff != "" {
		t.Fatalf("composition mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadRejectsMissingOperations(t *testing.T) {
	path := writeCIF(t, `data_noops
_symmetry_Int_Tables_number 225
_cell_length_a 3
_cell_length_b 3
_cell_length_c 3
_cell_angle_alpha 90
_cell_angle_beta 90
_cell_angle_gamma 90
loop_
_atom_site_label
_atom_site_fract_x
_atom_site_fract_y
_atom_site_fract_z
Cu1 0 0 0
`)
	if _, err := LoadMetaStructure(path); !errors.Is(err, ErrSymmetry) {
		t.Fatalf("err = %v, want ErrSymmetry", err)
	}
}

func TestLoadMalformed(t *testing.T) {
	if _, err := LoadPDFStructure(fixture("broken.cif"), 0.005); err == nil {
		t.Fatal("expected broken.cif to fail the physics loader")
	}
	if _, err := LoadMetaStructure(fixture("broken.cif")); err == nil {
		t.Fatal("expected broken.cif to fail the metadata loader")
	}
	if _, err := LoadMetaStructure(fixture("missing.cif")); err == nil {
		t.Fatal("expected a missing file to fail")
	}
}

func writeCIF(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "structure.cif")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write cif: %v", err)
	}
	return path
}
