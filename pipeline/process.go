// Package pipeline turns CIF files into the learning library: per-structure
// feature extraction, sequential and parallel aggregation, and persistence.
package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/aluiziolira/go-learninglib/calc"
	"github.com/aluiziolira/go-learninglib/config"
	"github.com/aluiziolira/go-learninglib/crystal"
	"github.com/aluiziolira/go-learninglib/models"
)

// Stage errors wrap the cause of a failed structure.
var (
	ErrLoad       = errors.New("load structure")
	ErrPDF        = errors.New("pdf calculation")
	ErrXRD        = errors.New("xrd calculation")
	ErrSpaceGroup = errors.New("space group")
	ErrMetadata   = errors.New("metadata")
)

type stage struct {
	name string
	err  error
}

var (
	stageLoadPDF    = stage{name: "load_pdf_structure", err: ErrLoad}
	stagePDF        = stage{name: "pdf", err: ErrPDF}
	stageLoadMeta   = stage{name: "load_meta_structure", err: ErrLoad}
	stageXRD        = stage{name: "xrd", err: ErrXRD}
	stageSpaceGroup = stage{name: "spacegroup", err: ErrSpaceGroup}
	stageMetadata   = stage{name: "metadata", err: ErrMetadata}
)

func (s stage) fail(path string, err error) *models.Failure {
	return &models.Failure{Path: path, Stage: s.name, Err: fmt.Errorf("%w: %w", s.err, err)}
}

// StageLabel maps a processing error to a metrics label.
func StageLabel(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrLoad):
		return "load"
	case errors.Is(err, ErrPDF):
		return "pdf"
	case errors.Is(err, ErrXRD):
		return "xrd"
	case errors.Is(err, ErrSpaceGroup):
		return "spacegroup"
	case errors.Is(err, ErrMetadata):
		return "metadata"
	default:
		return "other"
	}
}

// Settings is the immutable per-run input shared by every worker.
type Settings struct {
	PDF       calc.PDFCalculator
	XRD       calc.XRDCalculator
	Uiso      float64
	EnableXRD bool
	RGrid     []float64
	QGrid     []float64

	// Metrics is optional and safe for concurrent use.
	Metrics *Metrics
}

// NewSettings derives the calculators and grids from cfg.
func NewSettings(cfg *config.Config) (Settings, error) {
	if err := cfg.Validate(); err != nil {
		return Settings{}, err
	}
	pdf := calc.PDFCalculator{
		RMin:   cfg.PDF.RMin,
		RMax:   cfg.PDF.RMax,
		RStep:  cfg.PDF.RStep,
		QMax:   cfg.PDF.QMax,
		QDamp:  cfg.PDF.QDamp,
		QBroad: cfg.PDF.QBroad,
		Delta1: cfg.PDF.Delta1,
		Delta2: cfg.PDF.Delta2,
		Scale:  cfg.PDF.Scale,
	}
	return Settings{
		PDF:       pdf,
		XRD:       calc.NewXRDCalculator(cfg.Wavelength, cfg.TwoThetaTol),
		Uiso:      cfg.Uiso,
		EnableXRD: cfg.XRD,
		RGrid:     pdf.RGrid(),
		QGrid:     calc.StandardQGrid(cfg.Wavelength),
	}, nil
}

// Result is the outcome of processing one path. Exactly one of Features and
// Failure is set.
type Result struct {
	Path     string
	Features *models.Features
	Failure  *models.Failure
	Duration time.Duration
}

// OK reports whether the structure was processed successfully.
func (r Result) OK() bool {
	return r.Failure == nil && r.Features != nil
}

// Process extracts every feature of the structure at path. It never returns
// partial data: any failing stage, including a panic, yields a Failure.
func Process(path string, s Settings) (res Result) {
	start := time.Now()
	res.Path = path
	current := stageLoadPDF

	defer func() {
		if r := recover(); r != nil {
			res.Features = nil
			res.Failure = current.fail(path, fmt.Errorf("panic: %v", r))
		}
		res.Duration = time.Since(start)
	}()

	phys, err := crystal.LoadPDFStructure(path, s.Uiso)
	if err != nil {
		res.Failure = current.fail(path, err)
		return res
	}

	current = stagePDF
	pdf, err := s.PDF.Calculate(phys)
	if err != nil {
		res.Failure = current.fail(path, err)
		return res
	}

	current = stageLoadMeta
	meta, err := crystal.LoadMetaStructure(path)
	if err != nil {
		res.Failure = current.fail(path, err)
		return res
	}

	features := &models.Features{
		Path:    path,
		R:       pdf.R,
		G:       pdf.G,
		Density: pdf.Slope,
	}

	if s.EnableXRD {
		current = stageXRD
		xrd, err := resampledXRD(meta.Conventional(), s)
		if err != nil {
			res.Failure = current.fail(path, err)
			return res
		}
		features.XRD = xrd
	}

	current = stageSpaceGroup
	label, number, err := meta.SpaceGroupInfo()
	if err != nil {
		res.Failure = current.fail(path, err)
		return res
	}

	current = stageMetadata
	prim, err := meta.Structure(true)
	if err != nil {
		res.Failure = current.fail(path, err)
		return res
	}
	conv, err := meta.Structure(false)
	if err != nil {
		res.Failure = current.fail(path, err)
		return res
	}

	features.Row = models.LibraryRow{
		Path:      path,
		Primitive: cellInfo(prim, label, number),
		Ordinary:  cellInfo(conv, label, number),
	}
	features.PrimitiveComposition = models.Composition(prim.Composition())
	features.OrdinaryComposition = models.Composition(conv.Composition())

	res.Features = features
	return res
}

func resampledXRD(cell *crystal.Cell, s Settings) ([]float64, error) {
	peaks, err := s.XRD.Pattern(cell)
	if err != nil {
		return nil, err
	}
	twoTheta, intensity := calc.TwoThetaIntensity(peaks)
	q := calc.ThetaToQ(twoTheta, s.XRD.Wavelength)
	return calc.AssignNearest(s.QGrid, q, intensity)
}

func cellInfo(cell *crystal.Cell, label string, number int) models.CellInfo {
	lengths := cell.Lattice.Lengths()
	angles := cell.Lattice.Angles()
	return models.CellInfo{
		A:       lengths[0],
		B:       lengths[1],
		C:       lengths[2],
		Alpha:   angles[0],
		Beta:    angles[1],
		Gamma:   angles[2],
		Volume:  cell.Lattice.Volume(),
		SGLabel: label,
		SGOrder: number,
	}
}
