package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/aluiziolira/go-learninglib/models"
)

// PlotWriter renders one G(r) PNG per structure, plus the resampled XRD
// curve when the library carries one.
type PlotWriter struct {
	dir    string
	width  vg.Length
	height vg.Length
}

// NewPlotWriter creates dir if needed.
func NewPlotWriter(dir string) (*PlotWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create plot directory: %w", err)
	}
	return &PlotWriter{dir: dir, width: 8 * vg.Inch, height: 4 * vg.Inch}, nil
}

// Write renders every row of lib.
func (w *PlotWriter) Write(lib *models.Library) error {
	for i, row := range lib.Table {
		name := plotName(i, row.Path)

		if err := w.save(name+"_gr.png", name, "r (Å)", "G(r) (Å⁻²)", lib.RGrid, lib.Gr[i]); err != nil {
			return err
		}
		if i < len(lib.XRDInfo) {
			if err := w.save(name+"_xrd.png", name, "Q (Å⁻¹)", "I (a.u.)", lib.QGrid, lib.XRDInfo[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *PlotWriter) save(file, title, xLabel, yLabel string, x, y []float64) error {
	if len(x) != len(y) {
		return fmt.Errorf("plot %s: %d x values for %d y values", file, len(x), len(y))
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xLabel
	p.Y.Label.Text = yLabel
	p.Add(plotter.NewGrid())

	pts := make(plotter.XYs, len(x))
	for i := range x {
		pts[i] = plotter.XY{X: x[i], Y: y[i]}
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("plot %s: %w", file, err)
	}
	line.Width = vg.Points(1)
	p.Add(line)

	if err := p.Save(w.width, w.height, filepath.Join(w.dir, file)); err != nil {
		return fmt.Errorf("save plot %s: %w", file, err)
	}
	return nil
}

// Close is a no-op; every plot is flushed by Write.
func (w *PlotWriter) Close() error {
	return nil
}

func plotName(index int, path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return fmt.Sprintf("%04d_%s", index, base)
}
