// Package models defines data structures for the learning library.
package models

import "time"

// CellInfo holds the lattice and space-group descriptors of one cell variant.
type CellInfo struct {
	A       float64 `json:"a"`
	B       float64 `json:"b"`
	C       float64 `json:"c"`
	Alpha   float64 `json:"alpha"`
	Beta    float64 `json:"beta"`
	Gamma   float64 `json:"gamma"`
	Volume  float64 `json:"volume"`
	SGLabel string  `json:"sg_label"`
	SGOrder int     `json:"sg_order"`
}

// Composition maps element symbols to their amount in a cell.
type Composition map[string]float64

// LibraryRow is one row of the structure table.
type LibraryRow struct {
	Path      string   `json:"-"`
	Primitive CellInfo `json:"primitive"`
	Ordinary  CellInfo `json:"ordinary"`
}

// TableColumns lists the structure table columns in output order.
var TableColumns = []string{
	"primitive_a", "primitive_b", "primitive_c",
	"primitive_alpha", "primitive_beta", "primitive_gamma",
	"primitive_volume", "primitive_sg_label", "primitive_sg_order",
	"ordinary_a", "ordinary_b", "ordinary_c",
	"ordinary_alpha", "ordinary_beta", "ordinary_gamma",
	"ordinary_volume", "ordinary_sg_label", "ordinary_sg_order",
}

// Values returns the row flattened in TableColumns order.
func (r LibraryRow) Values() []any {
	out := make([]any, 0, len(TableColumns))
	for _, c := range []CellInfo{r.Primitive, r.Ordinary} {
		out = append(out, c.A, c.B, c.C, c.Alpha, c.Beta, c.Gamma, c.Volume, c.SGLabel, c.SGOrder)
	}
	return out
}

// Features is the full output of processing one structure.
type Features struct {
	Path                 string
	R                    []float64
	G                    []float64
	Density              float64
	XRD                  []float64 // nil when XRD is disabled
	Row                  LibraryRow
	PrimitiveComposition Composition
	OrdinaryComposition  Composition
}

// Failure records a structure that could not be processed.
type Failure struct {
	Path  string
	Stage string
	Err   error
}

func (f *Failure) Error() string {
	return f.Path + ": " + f.Stage + ": " + f.Err.Error()
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Library is the aggregate of a build. Gr, Density, Table, the composition
// lists and (when XRD is enabled) XRDInfo are index-aligned.
type Library struct {
	Gr                   [][]float64
	Density              []float64
	RGrid                []float64
	XRDInfo              [][]float64
	QGrid                []float64
	PrimitiveComposition []Composition
	OrdinaryComposition  []Composition
	Table                []LibraryRow
	Failures             []*Failure
}

// Append adds one successful structure to every aligned container.
func (l *Library) Append(f *Features) {
	if l.RGrid == nil {
		l.RGrid = f.R
	}
	l.Gr = append(l.Gr, f.G)
	l.Density = append(l.Density, f.Density)
	if f.XRD != nil {
		l.XRDInfo = append(l.XRDInfo, f.XRD)
	}
	l.PrimitiveComposition = append(l.PrimitiveComposition, f.PrimitiveComposition)
	l.OrdinaryComposition = append(l.OrdinaryComposition, f.OrdinaryComposition)
	l.Table = append(l.Table, f.Row)
}

// Len returns the number of successful rows.
func (l *Library) Len() int {
	return len(l.Table)
}

// FailList returns the failed paths in record order.
func (l *Library) FailList() []string {
	out := make([]string, 0, len(l.Failures))
	for _, f := range l.Failures {
		out = append(out, f.Path)
	}
	return out
}

// FetchResult holds the overall result of downloading a CIF catalog.
type FetchResult struct {
	Paths        []string
	StartTime    time.Time
	EndTime      time.Time
	ErrorCount   int
	FailedURLs   []string
	ErrorsByType map[string]int
	RetryCount   int
	RequestCount int
	PageCount    int
}
