package crystal

import (
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/aluiziolira/go-learninglib/parser"
)

// spaceGroupSymbols holds the short Hermann-Mauguin symbol of each
// International Tables number, indexed by number.
var spaceGroupSymbols = [231]string{
	"",
	"P1", "P-1", "P2", "P2_1", "C2", "Pm", "Pc", "Cm", "Cc", "P2/m",
	"P2_1/m", "C2/m", "P2/c", "P2_1/c", "C2/c", "P222", "P222_1", "P2_12_12", "P2_12_12_1", "C222_1",
	"C222", "F222", "I222", "I2_12_12_1", "Pmm2", "Pmc2_1", "Pcc2", "Pma2", "Pca2_1", "Pnc2",
	"Pmn2_1", "Pba2", "Pna2_1", "Pnn2", "Cmm2", "Cmc2_1", "Ccc2", "Amm2", "Aem2", "Ama2",
	"Aea2", "Fmm2", "Fdd2", "Imm2", "Iba2", "Ima2", "Pmmm", "Pnnn", "Pccm", "Pban",
	"Pmma", "Pnna", "Pmna", "Pcca", "Pbam", "Pccn", "Pbcm", "Pnnm", "Pmmn", "Pbcn",
	"Pbca", "Pnma", "Cmcm", "Cmce", "Cmmm", "Cccm", "Cmme", "Ccce", "Fmmm", "Fddd",
	"Immm", "Ibam", "Ibca", "Imma", "P4", "P4_1", "P4_2", "P4_3", "I4", "I4_1",
	"P-4", "I-4", "P4/m", "P4_2/m", "P4/n", "P4_2/n", "I4/m", "I4_1/a", "P422", "P42_12",
	"P4_122", "P4_12_12", "P4_222", "P4_22_12", "P4_322", "P4_32_12", "I422", "I4_122", "P4mm", "P4bm",
	"P4_2cm", "P4_2nm", "P4cc", "P4nc", "P4_2mc", "P4_2bc", "I4mm", "I4cm", "I4_1md", "I4_1cd",
	"P-42m", "P-42c", "P-42_1m", "P-42_1c", "P-4m2", "P-4c2", "P-4b2", "P-4n2", "I-4m2", "I-4c2",
	"I-42m", "I-42d", "P4/mmm", "P4/mcc", "P4/nbm", "P4/nnc", "P4/mbm", "P4/mnc", "P4/nmm", "P4/ncc",
	"P4_2/mmc", "P4_2/mcm", "P4_2/nbc", "P4_2/nnm", "P4_2/mbc", "P4_2/mnm", "P4_2/nmc", "P4_2/ncm", "I4/mmm", "I4/mcm",
	"I4_1/amd", "I4_1/acd", "P3", "P3_1", "P3_2", "R3", "P-3", "R-3", "P312", "P321",
	"P3_112", "P3_121", "P3_212", "P3_221", "R32", "P3m1", "P31m", "P3c1", "P31c", "R3m",
	"R3c", "P-31m", "P-31c", "P-3m1", "P-3c1", "R-3m", "R-3c", "P6", "P6_1", "P6_5",
	"P6_2", "P6_4", "P6_3", "P-6", "P6/m", "P6_3/m", "P622", "P6_122", "P6_522", "P6_222",
	"P6_422", "P6_322", "P6mm", "P6cc", "P6_3cm", "P6_3mc", "P-6m2", "P-6c2", "P-62m", "P-62c",
	"P6/mmm", "P6/mcc", "P6_3/mcm", "P6_3/mmc", "P23", "F23", "I23", "P2_13", "I2_13", "Pm-3",
	"Pn-3", "Fm-3", "Fd-3", "Im-3", "Pa-3", "Ia-3", "P432", "P4_232", "F432", "F4_132",
	"I432", "P4_332", "P4_132", "I4_132", "P-43m", "F-43m", "I-43m", "P-43n", "F-43c", "I-43d",
	"Pm-3m", "Pn-3n", "Pm-3n", "Pn-3m", "Fm-3m", "Fm-3c", "Fd-3m", "Fd-3c", "Im-3m", "Ia-3d",
}

// Older symbols and alternative settings still common in deposited files.
var spaceGroupAliases = map[string]int{
	"i2":    5,
	"a2":    5,
	"pn":    7,
	"pa":    7,
	"ia":    9,
	"an":    9,
	"ic":    9,
	"i2/m":  12,
	"a2/m":  12,
	"p2/n":  13,
	"p2/a":  13,
	"p21/n": 14,
	"p21/a": 14,
	"i2/a":  15,
	"a2/n":  15,
	"i2/c":  15,
	"pbnm":  62,
	"pnam":  62,
	"pmcn":  62,
	"pcmn":  62,
	"pmnb":  62,
	"amma":  63,
	"bbmm":  63,
	"ccmm":  63,
	"pcab":  61,
	"abm2": 39,
	"aba2": 41,
	"cmca": 64,
	"cmma": 67,
	"ccca": 68,
	"pm3":  200,
	"pn3":  201,
	"fm3":  202,
	"fd3":  203,
	"im3":  204,
	"pa3":  205,
	"ia3":  206,
	"pm3m": 221,
	"pn3n": 222,
	"pm3n": 223,
	"pn3m": 224,
	"fm3m": 225,
	"fm3c": 226,
	"fd3m": 227,
	"fd3c": 228,
	"im3m": 229,
	"ia3d": 230,
}

var spaceGroupNumbers = func() map[string]int {
	m := make(map[string]int, len(spaceGroupSymbols)+len(spaceGroupAliases))
	for n, s := range spaceGroupSymbols {
		if n == 0 {
			continue
		}
		m[parser.NormalizeSymbol(s)] = n
	}
	for k, n := range spaceGroupAliases {
		m[k] = n
	}
	return m
}()

// SpaceGroupSymbol returns the short symbol for an International Tables
// number.
func SpaceGroupSymbol(number int) (string, error) {
	if number < 1 || number > 230 {
		return "", fmt.Errorf("%w: number %d out of range", ErrSpaceGroup, number)
	}
	return spaceGroupSymbols[number], nil
}

// SpaceGroupNumber resolves a Hermann-Mauguin symbol, short or full
// monoclinic form, to its International Tables number.
func SpaceGroupNumber(symbol string) (int, error) {
	if n, ok := spaceGroupNumbers[parser.NormalizeSymbol(symbol)]; ok {
		return n, nil
	}
	if n, ok := spaceGroupNumbers[parser.NormalizeSymbol(parser.ShortSymbol(symbol))]; ok {
		return n, nil
	}
	return 0, fmt.Errorf("%w: unknown symbol %q", ErrSpaceGroup, symbol)
}

// Centering is the lattice centering letter of a space group.
type Centering byte

const (
	CenterP Centering = 'P'
	CenterA Centering = 'A'
	CenterB Centering = 'B'
	CenterC Centering = 'C'
	CenterI Centering = 'I'
	CenterF Centering = 'F'
	CenterR Centering = 'R'
)

var centeringVectors = map[Centering][][3]float64{
	CenterP: nil,
	CenterA: {{0, 0.5, 0.5}},
	CenterB: {{0.5, 0, 0.5}},
	CenterC: {{0.5, 0.5, 0}},
	CenterI: {{0.5, 0.5, 0.5}},
	CenterF: {{0, 0.5, 0.5}, {0.5, 0, 0.5}, {0.5, 0.5, 0}},
	CenterR: {{2.0 / 3, 1.0 / 3, 1.0 / 3}, {1.0 / 3, 2.0 / 3, 2.0 / 3}},
}

// CenteringOf returns the centering letter of a space group number.
func CenteringOf(number int) (Centering, error) {
	symbol, err := SpaceGroupSymbol(number)
	if err != nil {
		return 0, err
	}
	return Centering(symbol[0]), nil
}

// symbolCentering reads the lattice letter of a Hermann-Mauguin symbol.
func symbolCentering(symbol string) (Centering, bool) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return 0, false
	}
	c := Centering(unicode.ToUpper(rune(symbol[0])))
	if _, ok := centeringVectors[c]; !ok {
		return 0, false
	}
	return c, true
}

// centeringFromOps matches the pure translations among ops against the
// known centering vector sets.
func centeringFromOps(ops []parser.Symop) (Centering, bool) {
	var translations [][3]float64
	for _, op := range ops {
		if !op.IsTranslation() {
			continue
		}
		var t [3]float64
		zero := true
		for i := range t {
			t[i] = op.Trans[i] - math.Floor(op.Trans[i]+symTol)
			if math.Abs(t[i]) > symTol {
				zero = false
			}
		}
		if !zero {
			translations = append(translations, t)
		}
	}

	for _, c := range []Centering{CenterP, CenterA, CenterB, CenterC, CenterI, CenterF, CenterR} {
		if sameVectorSet(translations, centeringVectors[c]) {
			return c, true
		}
	}
	return 0, false
}

func sameVectorSet(a, b [][3]float64) bool {
	if len(a) != len(b) {
		return false
	}
	for _, v := range a {
		found := false
		for _, w := range b {
			if periodicDistance(v, w) < symTol {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// checkClosure verifies that ops form a group modulo lattice translations.
func checkClosure(ops []parser.Symop) error {
	seen := make(map[string]struct{}, len(ops))
	for _, op := range ops {
		seen[opKey(op)] = struct{}{}
	}
	if _, ok := seen[opKey(parser.Identity)]; !ok {
		return fmt.Errorf("%w: identity operation missing", ErrSymmetry)
	}
	for _, a := range ops {
		for _, b := range ops {
			c := a.Compose(b)
			if _, ok := seen[opKey(c)]; !ok {
				return fmt.Errorf("%w: %s composed with %s gives %s, not in the list", ErrSymmetry, a, b, c)
			}
		}
	}
	return nil
}

func opKey(op parser.Symop) string {
	var key [12]int
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			key[i*3+j] = int(math.Round(op.Rot[i][j]))
		}
		t := op.Trans[i] - math.Floor(op.Trans[i])
		k := int(math.Round(t * 144))
		key[9+i] = k % 144
	}
	return fmt.Sprint(key)
}
