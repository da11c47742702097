package parser

import (
	"fmt"
	"strconv"
	"strings"
)

// CellTags are the unit cell tags every structure block must carry.
var CellTags = []string{
	"_cell_length_a", "_cell_length_b", "_cell_length_c",
	"_cell_angle_alpha", "_cell_angle_beta", "_cell_angle_gamma",
}

// ValidateBlock ensures the block describes a structure: a full unit cell
// and an atom site loop with fractional coordinates.
func ValidateBlock(b *Block) error {
	if b == nil {
		return fmt.Errorf("block is nil")
	}
	for _, tag := range CellTags {
		if _, err := b.Float(tag); err != nil {
			return fmt.Errorf("block %s: %w", b.Name, err)
		}
	}
	sites := b.Loop("_atom_site_fract_x")
	if sites == nil {
		return fmt.Errorf("block %s missing atom site loop", b.Name)
	}
	for _, tag := range []string{"_atom_site_fract_y", "_atom_site_fract_z"} {
		if !sites.Has(tag) {
			return fmt.Errorf("block %s atom site loop missing %s", b.Name, tag)
		}
	}
	if !sites.Has("_atom_site_type_symbol") && !sites.Has("_atom_site_label") {
		return fmt.Errorf("block %s atom site loop has neither type symbol nor label", b.Name)
	}
	if len(sites.Rows) == 0 {
		return fmt.Errorf("block %s has no atom sites", b.Name)
	}
	return nil
}

// ParseNumber parses a CIF numeric value. A trailing standard uncertainty
// such as "5.431(2)" is dropped and simple fractions like "1/3" are
// accepted.
func ParseNumber(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "?" || s == "." {
		return 0, ErrMissing
	}
	if idx := strings.IndexByte(s, '('); idx >= 0 {
		if !strings.HasSuffix(s, ")") {
			return 0, fmt.Errorf("invalid number %q", s)
		}
		s = s[:idx]
	}
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number %q: %w", s, err)
		}
		d, err := strconv.ParseFloat(den, 64)
		if err != nil || d == 0 {
			return 0, fmt.Errorf("invalid number %q", s)
		}
		return n / d, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return f, nil
}

// NormalizeSymbol folds a Hermann-Mauguin symbol into a lookup key: no
// spaces or underscores, lower case, and origin/setting suffixes such as
// ":1" or ":H" removed.
func NormalizeSymbol(symbol string) string {
	symbol = strings.TrimSpace(symbol)
	if idx := strings.IndexByte(symbol, ':'); idx >= 0 {
		symbol = symbol[:idx]
	}
	var b strings.Builder
	for _, r := range symbol {
		switch r {
		case ' ', '_', '\t', '\'', '"':
			continue
		}
		b.WriteRune(r)
	}
	return strings.ToLower(b.String())
}

// ShortSymbol drops the unit axes of a full monoclinic symbol, turning
// "P 1 21/c 1" into "P 21/c". Other symbols are returned unchanged.
func ShortSymbol(symbol string) string {
	fields := strings.Fields(symbol)
	if len(fields) != 4 {
		return symbol
	}
	kept := []string{fields[0]}
	for _, f := range fields[1:] {
		if f != "1" {
			kept = append(kept, f)
		}
	}
	if len(kept) != 2 {
		return symbol
	}
	return strings.Join(kept, " ")
}

// ElementSymbol extracts a capitalised element symbol from a CIF type
// symbol or site label ("Fe2+", "O1", "CU").
func ElementSymbol(label string) (string, error) {
	label = strings.TrimSpace(label)
	end := 0
	for end < len(label) && end < 2 && isLetter(label[end]) {
		end++
	}
	if end == 0 {
		return "", fmt.Errorf("no element symbol in %q", label)
	}
	sym := strings.ToUpper(label[:1]) + strings.ToLower(label[1:end])
	return sym, nil
}

// OxidationState returns the charge suffix of a type symbol such as "Fe2+"
// or "O2-". Labels without a charge return 0.
func OxidationState(label string) float64 {
	label = strings.TrimSpace(label)
	if label == "" {
		return 0
	}
	sign := 0.0
	switch label[len(label)-1] {
	case '+':
		sign = 1
	case '-':
		sign = -1
	default:
		return 0
	}
	body := label[:len(label)-1]
	i := len(body)
	for i > 0 && (body[i-1] >= '0' && body[i-1] <= '9' || body[i-1] == '.') {
		i--
	}
	if i == len(body) {
		return sign
	}
	v, err := strconv.ParseFloat(body[i:], 64)
	if err != nil {
		return 0
	}
	return sign * v
}

func isLetter(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}
