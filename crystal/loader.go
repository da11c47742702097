package crystal

import (
	"errors"
	"fmt"
	"math"

	"github.com/aluiziolira/go-learninglib/parser"
)

var (
	symopTags  = []string{"_space_group_symop_operation_xyz", "_symmetry_equiv_pos_as_xyz"}
	symbolTags = []string{"_space_group_name_h-m_alt", "_symmetry_space_group_name_h-m"}
	numberTags = []string{"_space_group_it_number", "_symmetry_int_tables_number"}
)

// PDFStructure is the physics view of a CIF: the full conventional cell
// with an isotropic displacement on every site.
type PDFStructure struct {
	Path string
	Cell
}

// LoadPDFStructure parses path and expands it to the full cell, assigning
// uiso (Å²) to every site.
func LoadPDFStructure(path string, uiso float64) (*PDFStructure, error) {
	au, err := readAsymmetricUnit(path)
	if err != nil {
		return nil, err
	}
	sites := expandSites(au.sites, au.ops)
	for i := range sites {
		sites[i].Uiso = uiso
	}
	return &PDFStructure{Path: path, Cell: Cell{Lattice: au.lattice, Sites: sites}}, nil
}

// NumberDensity returns atoms per Å³.
func (s *PDFStructure) NumberDensity() float64 {
	return s.NumSites() / s.Lattice.Volume()
}

// MetaStructure is the metadata view of a CIF: the asymmetric unit with
// its declared symmetry, from which the conventional and primitive cells
// and the space group are derived.
type MetaStructure struct {
	Path string

	lattice *Lattice
	asym    []Site
	ops     []parser.Symop
	symbol  string
	number  int
}

// LoadMetaStructure parses path independently of LoadPDFStructure.
func LoadMetaStructure(path string) (*MetaStructure, error) {
	au, err := readAsymmetricUnit(path)
	if err != nil {
		return nil, err
	}
	return &MetaStructure{
		Path:    path,
		lattice: au.lattice,
		asym:    au.sites,
		ops:     au.ops,
		symbol:  au.symbol,
		number:  au.number,
	}, nil
}

// Conventional returns the full conventional cell.
func (m *MetaStructure) Conventional() *Cell {
	return &Cell{Lattice: m.lattice, Sites: expandSites(m.asym, m.ops)}
}

// Structure returns the primitive cell when primitive is true and the
// conventional cell otherwise.
func (m *MetaStructure) Structure(primitive bool) (*Cell, error) {
	conv := m.Conventional()
	if !primitive {
		return conv, nil
	}
	centering, ok := centeringFromOps(m.ops)
	if !ok {
		return nil, fmt.Errorf("%w: centering translations do not match a known lattice type", ErrSymmetry)
	}
	return primitiveCell(conv, centering)
}

// SpaceGroupInfo resolves the space group label and International Tables
// number. The label is always the standard setting; the centering of the
// operations is checked against the declared symbol, which may be a
// non-standard cell choice such as I2/a. It fails when the declared symbol and number disagree, when the
// operations are not closed under composition, or when their centering
// contradicts the symbol.
func (m *MetaStructure) SpaceGroupInfo() (string, int, error) {
	number := m.number
	if number == 0 && m.symbol != "" {
		n, err := SpaceGroupNumber(m.symbol)
		if err != nil {
			return "", 0, err
		}
		number = n
	}
	if number == 0 {
		if len(m.ops) == 1 {
			number = 1
		} else {
			return "", 0, fmt.Errorf("%w: neither symbol nor number declared", ErrSpaceGroup)
		}
	}
	label, err := SpaceGroupSymbol(number)
	if err != nil {
		return "", 0, err
	}
	if m.symbol != "" {
		if n, err := SpaceGroupNumber(m.symbol); err == nil && n != number {
			return "", 0, fmt.Errorf("%w: symbol %q is number %d, declared %d", ErrSpaceGroup, m.symbol, n, number)
		}
	}

	if err := checkClosure(m.ops); err != nil {
		return "", 0, err
	}

	centering, ok := centeringFromOps(m.ops)
	if !ok {
		return "", 0, fmt.Errorf("%w: centering translations do not match a known lattice type", ErrSymmetry)
	}
	declared, source := Centering(label[0]), label
	if c, ok := symbolCentering(m.symbol); ok {
		declared, source = c, m.symbol
	}
	rhombohedralAxes := declared == CenterR && centering == CenterP
	if centering != declared && !rhombohedralAxes {
		return "", 0, fmt.Errorf("%w: operations are %c-centred but %s is %c-centred", ErrSpaceGroup, centering, source, declared)
	}
	return label, number, nil
}

type asymmetricUnit struct {
	lattice *Lattice
	sites   []Site
	ops     []parser.Symop
	symbol  string
	number  int
}

func readAsymmetricUnit(path string) (*asymmetricUnit, error) {
	doc, err := parser.ParseFile(path)
	if err != nil {
		return nil, err
	}
	block := doc.First()
	if err := parser.ValidateBlock(block); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSites, err)
	}

	var p [6]float64
	for i, tag := range parser.CellTags {
		v, err := block.Float(tag)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoCell, err)
		}
		p[i] = v
	}
	lattice, err := NewLattice(p[0], p[1], p[2], p[3], p[4], p[5])
	if err != nil {
		return nil, err
	}

	sites, err := readSites(block)
	if err != nil {
		return nil, err
	}

	ops, err := readSymops(block)
	if err != nil {
		return nil, err
	}

	au := &asymmetricUnit{lattice: lattice, sites: sites, ops: ops}
	if v, err := block.FirstValue(symbolTags...); err == nil {
		au.symbol = v
	}
	if v, err := block.FirstValue(numberTags...); err == nil {
		n, err := parser.ParseNumber(v)
		if err != nil || n != math.Trunc(n) {
			return nil, fmt.Errorf("%w: invalid number %q", ErrSpaceGroup, v)
		}
		au.number = int(n)
	}
	if len(ops) == 1 && au.number > 1 {
		return nil, fmt.Errorf("%w: space group %d declared without its operations", ErrSymmetry, au.number)
	}
	return au, nil
}

func readSites(block *parser.Block) ([]Site, error) {
	loop := block.Loop("_atom_site_fract_x")
	sites := make([]Site, 0, len(loop.Rows))
	for row := range loop.Rows {
		label, _ := loop.Value(row, "_atom_site_label")
		typeSymbol, ok := loop.Value(row, "_atom_site_type_symbol")
		if !ok || typeSymbol == "?" || typeSymbol == "." {
			typeSymbol = label
		}
		element, err := ResolveElement(typeSymbol)
		if err != nil {
			return nil, fmt.Errorf("%w: site %d: %v", ErrNoSites, row, err)
		}
		z, _ := AtomicNumber(element)

		site := Site{
			Label:     label,
			Element:   element,
			Z:         z,
			Charge:    parser.OxidationState(typeSymbol),
			Occupancy: 1,
		}
		if site.Label == "" {
			site.Label = fmt.Sprintf("%s%d", element, row+1)
		}

		for i, tag := range []string{"_atom_site_fract_x", "_atom_site_fract_y", "_atom_site_fract_z"} {
			raw, _ := loop.Value(row, tag)
			v, err := parser.ParseNumber(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: site %s %s: %v", ErrNoSites, site.Label, tag, err)
			}
			site.Frac[i] = v
		}

		if raw, ok := loop.Value(row, "_atom_site_occupancy"); ok {
			occ, err := parser.ParseNumber(raw)
			switch {
			case errors.Is(err, parser.ErrMissing):
			case err != nil:
				return nil, fmt.Errorf("%w: site %s occupancy: %v", ErrNoSites, site.Label, err)
			case occ <= 0 || occ > 1+1e-6:
				return nil, fmt.Errorf("%w: site %s occupancy %g out of range", ErrNoSites, site.Label, occ)
			default:
				site.Occupancy = occ
			}
		}
		if raw, ok := loop.Value(row, "_atom_site_u_iso_or_equiv"); ok {
			if u, err := parser.ParseNumber(raw); err == nil {
				site.Uiso = u
			}
		}
		sites = append(sites, site)
	}
	return sites, nil
}

func readSymops(block *parser.Block) ([]parser.Symop, error) {
	var exprs []string
	if loop, tag := block.FirstLoop(symopTags...); loop != nil {
		for row := range loop.Rows {
			v, _ := loop.Value(row, tag)
			exprs = append(exprs, v)
		}
	} else if v, err := block.FirstValue(symopTags...); err == nil {
		exprs = []string{v}
	}
	if len(exprs) == 0 {
		return []parser.Symop{parser.Identity}, nil
	}
	ops, err := parser.ParseSymops(exprs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSymmetry, err)
	}
	return ops, nil
}
