package pipeline

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"

	"github.com/aluiziolira/go-learninglib/models"
)

// ErrOutputExists is returned by Save when the output directory is already
// present.
var ErrOutputExists = errors.New("pipeline: output directory already exists")

// Output file names.
const (
	FileGr                   = "Gr.npy"
	FileDensity              = "density.npy"
	FileRGrid                = "r_grid.npy"
	FileXRDInfo              = "xrd_info.npy"
	FileQGrid                = "q_grid.npy"
	FilePrimitiveComposition = "primitive_composition.json"
	FileOrdinaryComposition  = "ordinary_composition.json"
	FileStrucDF              = "struc_df.json"
	FileFailList             = "fail_list.json"
	FileManifest             = "manifest.json"
	FileSQLite               = "library.sqlite"
	DirPlots                 = "plots"
)

// OutputWriter is an optional sink for a finished library.
type OutputWriter interface {
	Write(lib *models.Library) error
	Close() error
}

// SaveOptions selects the optional sinks written next to the core files.
type SaveOptions struct {
	SQLite bool
	Plots  bool
	// Now stamps the default directory name and the manifest. Defaults to
	// time.Now.
	Now func() time.Time
}

// DefaultOutputDir returns LearningLib_<YYYYMMDD-HHMM> for t.
func DefaultOutputDir(t time.Time) string {
	return "LearningLib_" + t.Format("20060102-1504")
}

// Manifest describes one saved library.
type Manifest struct {
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
	Rows      int       `json:"rows"`
	Failures  int       `json:"failures"`
	XRD       bool      `json:"xrd"`
	Files     []string  `json:"files"`
}

// Save writes lib into dir, which must not exist yet; its parents are
// created as needed. An empty dir selects DefaultOutputDir in the working
// directory. The directory actually used is returned.
func Save(lib *models.Library, dir string, opts SaveOptions) (string, error) {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	created := now()
	if dir == "" {
		dir = DefaultOutputDir(created)
	}

	if err := createOutputDir(dir); err != nil {
		return "", err
	}
	slog.Info("output directory created", slog.String("dir", dir))

	steps := []struct {
		name  string
		write func(string) error
	}{
		{FileGr, func(p string) error { return writeMatrix(p, lib.Gr) }},
		{FileDensity, func(p string) error { return writeVector(p, lib.Density) }},
		{FileRGrid, func(p string) error { return writeVector(p, lib.RGrid) }},
		{FileXRDInfo, func(p string) error { return writeMatrix(p, lib.XRDInfo) }},
		{FileQGrid, func(p string) error { return writeVector(p, lib.QGrid) }},
		{FilePrimitiveComposition, func(p string) error { return writeJSON(p, compositions(lib.PrimitiveComposition)) }},
		{FileOrdinaryComposition, func(p string) error { return writeJSON(p, compositions(lib.OrdinaryComposition)) }},
		{FileStrucDF, func(p string) error { return writeStrucDF(p, lib.Table) }},
		{FileFailList, func(p string) error { return writeJSON(p, lib.FailList()) }},
	}

	files := make([]string, 0, len(steps)+3)
	for _, step := range steps {
		path := filepath.Join(dir, step.name)
		if err := step.write(path); err != nil {
			return dir, fmt.Errorf("write %s: %w", step.name, err)
		}
		files = append(files, step.name)
		slog.Info("saved", slog.String("file", path))
	}

	sinks, names, err := openSinks(dir, opts)
	if err != nil {
		return dir, err
	}
	if sinks != nil {
		if err := sinks.Write(lib); err != nil {
			sinks.Close()
			return dir, err
		}
		if err := sinks.Close(); err != nil {
			return dir, err
		}
		for _, name := range names {
			files = append(files, name)
			slog.Info("saved", slog.String("file", filepath.Join(dir, name)))
		}
	}

	manifest := Manifest{
		RunID:     uuid.NewString(),
		CreatedAt: created.UTC(),
		Rows:      lib.Len(),
		Failures:  len(lib.Failures),
		XRD:       len(lib.XRDInfo) > 0,
		Files:     files,
	}
	if err := writeJSON(filepath.Join(dir, FileManifest), manifest); err != nil {
		return dir, fmt.Errorf("write %s: %w", FileManifest, err)
	}
	return dir, nil
}

func createOutputDir(dir string) error {
	if parent := filepath.Dir(dir); parent != "." && parent != "" {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", parent, err)
		}
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrOutputExists, dir)
		}
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}

func openSinks(dir string, opts SaveOptions) (*MultiWriter, []string, error) {
	var (
		writers []OutputWriter
		names   []string
	)
	if opts.SQLite {
		w, err := NewSQLiteWriter(filepath.Join(dir, FileSQLite))
		if err != nil {
			return nil, nil, err
		}
		writers = append(writers, w)
		names = append(names, FileSQLite)
	}
	if opts.Plots {
		w, err := NewPlotWriter(filepath.Join(dir, DirPlots))
		if err != nil {
			for _, open := range writers {
				open.Close()
			}
			return nil, nil, err
		}
		writers = append(writers, w)
		names = append(names, DirPlots)
	}
	if len(writers) == 0 {
		return nil, nil, nil
	}
	return NewMultiWriter(writers...), names, nil
}

// writeMatrix stores rows as a 2-D float64 array, or a zero-length 1-D
// array when there are no rows.
func writeMatrix(path string, rows [][]float64) error {
	if len(rows) == 0 {
		return writeNPY(path, []float64{})
	}
	cols := len(rows[0])
	flat := make([]float64, 0, len(rows)*cols)
	for i, row := range rows {
		if len(row) != cols {
			return fmt.Errorf("row %d has %d values, want %d", i, len(row), cols)
		}
		flat = append(flat, row...)
	}
	if cols == 0 {
		return writeNPY(path, []float64{})
	}
	return writeNPY(path, mat.NewDense(len(rows), cols, flat))
}

func writeVector(path string, v []float64) error {
	if v == nil {
		v = []float64{}
	}
	return writeNPY(path, v)
}

func writeNPY(path string, value interface{}) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := npyio.Write(w, value); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeJSON(path string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func compositions(list []models.Composition) []models.Composition {
	if list == nil {
		return []models.Composition{}
	}
	return list
}

// writeStrucDF encodes the table as {column: {row_index: value}}, keeping
// TableColumns order and numeric row order.
func writeStrucDF(path string, table []models.LibraryRow) error {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for c, column := range models.TableColumns {
		if c > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(column)
		buf.Write(key)
		buf.WriteString(":{")
		for i, row := range table {
			if i > 0 {
				buf.WriteByte(',')
			}
			value, err := json.Marshal(row.Values()[c])
			if err != nil {
				return fmt.Errorf("row %d column %s: %w", i, column, err)
			}
			buf.WriteString(strconv.Quote(strconv.Itoa(i)))
			buf.WriteByte(':')
			buf.Write(value)
		}
		buf.WriteByte('}')
	}
	buf.WriteByte('}')
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
