package crystal

import (
	"fmt"

	"github.com/aluiziolira/go-learninglib/parser"
)

var elementSymbols = [...]string{
	"H", "He", "Li", "Be", "B", "C", "N", "O", "F", "Ne",
	"Na", "Mg", "Al", "Si", "P", "S", "Cl", "Ar", "K", "Ca",
	"Sc", "Ti", "V", "Cr", "Mn", "Fe", "Co", "Ni", "Cu", "Zn",
	"Ga", "Ge", "As", "Se", "Br", "Kr", "Rb", "Sr", "Y", "Zr",
	"Nb", "Mo", "Tc", "Ru", "Rh", "Pd", "Ag", "Cd", "In", "Sn",
	"Sb", "Te", "I", "Xe", "Cs", "Ba", "La", "Ce", "Pr", "Nd",
	"Pm", "Sm", "Eu", "Gd", "Tb", "Dy", "Ho", "Er", "Tm", "Yb",
	"Lu", "Hf", "Ta", "W", "Re", "Os", "Ir", "Pt", "Au", "Hg",
	"Tl", "Pb", "Bi", "Po", "At", "Rn", "Fr", "Ra", "Ac", "Th",
	"Pa", "U", "Np", "Pu", "Am", "Cm", "Bk", "Cf", "Es", "Fm",
	"Md", "No", "Lr", "Rf", "Db", "Sg", "Bh", "Hs", "Mt", "Ds",
	"Rg", "Cn", "Nh", "Fl", "Mc", "Lv", "Ts", "Og",
}

var atomicNumbers = func() map[string]int {
	m := make(map[string]int, len(elementSymbols)+1)
	for i, s := range elementSymbols {
		m[s] = i + 1
	}
	m["D"] = 1
	return m
}()

// AtomicNumber returns Z for an element symbol.
func AtomicNumber(symbol string) (int, bool) {
	z, ok := atomicNumbers[symbol]
	return z, ok
}

// ResolveElement turns a CIF type symbol or site label into a known element
// symbol. Two-letter prefixes that are not elements fall back to their first
// letter, so a label such as "Oa1" resolves to oxygen.
func ResolveElement(label string) (string, error) {
	sym, err := parser.ElementSymbol(label)
	if err != nil {
		return "", err
	}
	if sym == "D" {
		return "H", nil
	}
	if _, ok := atomicNumbers[sym]; ok {
		return sym, nil
	}
	if len(sym) == 2 {
		if _, ok := atomicNumbers[sym[:1]]; ok {
			return sym[:1], nil
		}
	}
	return "", fmt.Errorf("unknown element %q", label)
}
