package pipeline

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/aluiziolira/go-learninglib/config"
	"github.com/aluiziolira/go-learninglib/models"
)

func fixture(name string) string {
	return filepath.Join("..", "testdata", name)
}

func testSettings(t *testing.T, xrd bool) Settings {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.PDF.RMax = 5
	cfg.PDF.RStep = 0.02
	cfg.XRD = xrd
	s, err := NewSettings(cfg)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	return s
}

func scenarioPaths() []string {
	return []string{fixture("nacl.cif"), fixture("broken.cif"), fixture("cu.cif")}
}

func TestNewSettings(t *testing.T) {
	s := testSettings(t, true)
	if got := len(s.QGrid); got != 900 {
		t.Fatalf("q grid points = %d, want 900", got)
	}
	if got := len(s.RGrid); got != 250 {
		t.Fatalf("r grid points = %d, want 250", got)
	}
	if !s.EnableXRD || s.XRD.Wavelength != 0.5 || s.XRD.TwoThetaTol != 1e-2 {
		t.Fatalf("unexpected xrd settings: %+v", s.XRD)
	}

	cfg := config.DefaultConfig()
	cfg.Workers = 0
	if _, err := NewSettings(cfg); err == nil {
		t.Fatal("expected invalid config to be rejected")
	}
}

func TestProcessCopper(t *testing.T) {
	s := testSettings(t, true)
	res := Process(fixture("cu.cif"), s)
	if !res.OK() {
		t.Fatalf("process failed: %v", res.Failure)
	}

	f := res.Features
	if len(f.G) != len(s.RGrid) || len(f.R) != len(s.RGrid) {
		t.Fatalf("pdf length = %d, want %d", len(f.G), len(s.RGrid))
	}
	wantDensity := -4 * math.Pi * 4 / math.Pow(3.615, 3)
	if math.Abs(f.Density-wantDensity) > 1e-12 {
		t.Fatalf("density = %g, want %g", f.Density, wantDensity)
	}
	if len(f.XRD) != len(s.QGrid) {
		t.Fatalf("xrd length = %d, want %d", len(f.XRD), len(s.QGrid))
	}
	maxI := 0.0
	for _, v := range f.XRD {
		maxI = math.Max(maxI, v)
	}
	if maxI != 100 {
		t.Fatalf("strongest resampled peak = %g, want 100", maxI)
	}

	prim, ord := f.Row.Primitive, f.Row.Ordinary
	if prim.SGLabel != "Fm-3m" || prim.SGOrder != 225 || ord.SGLabel != "Fm-3m" || ord.SGOrder != 225 {
		t.Fatalf("space group = %s/%d and %s/%d", prim.SGLabel, prim.SGOrder, ord.SGLabel, ord.SGOrder)
	}
	if math.Abs(ord.A-3.615) > 1e-9 || math.Abs(prim.A-3.615/math.Sqrt2) > 1e-9 {
		t.Fatalf("lattice a = %g (primitive %g)", ord.A, prim.A)
	}
	if math.Abs(prim.Alpha-60) > 1e-9 || math.Abs(ord.Alpha-90) > 1e-9 {
		t.Fatalf("alpha = %g (primitive %g)", ord.Alpha, prim.Alpha)
	}
	if diff := cmp.Diff(models.Composition{"Cu": 1}, f.PrimitiveComposition); diff != "" {
		t.Fatalf("primitive composition mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(models.Composition{"Cu": 4}, f.OrdinaryComposition); diff != "" {
		t.Fatalf("ordinary composition mismatch (-want +got):\n%s", diff)
	}
}

func TestProcessFailures(t *testing.T) {
	s := testSettings(t, false)
	tests := []struct {
		name      string
		path      string
		wantStage string
		wantErr   error
		wantLabel string
	}{
		{name: "malformed", path: fixture("broken.cif"), wantStage: "load_pdf_structure", wantErr: ErrLoad, wantLabel: "load"},
		{name: "missing", path: fixture("does-not-exist.cif"), wantStage: "load_pdf_structure", wantErr: ErrLoad, wantLabel: "load"},
		{name: "centering", path: fixture("wrong_centering.cif"), wantStage: "spacegroup", wantErr: ErrSpaceGroup, wantLabel: "spacegroup"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Process(tt.path, s)
			if res.OK() || res.Features != nil {
				t.Fatal("expected failure without partial features")
			}
			if res.Failure.Path != tt.path {
				t.Fatalf("failure path = %q, want %q", res.Failure.Path, tt.path)
			}
			if res.Failure.Stage != tt.wantStage {
				t.Fatalf("stage = %q, want %q", res.Failure.Stage, tt.wantStage)
			}
			if !errors.Is(res.Failure, tt.wantErr) {
				t.Fatalf("error %v does not wrap %v", res.Failure, tt.wantErr)
			}
			if got := StageLabel(res.Failure.Err); got != tt.wantLabel {
				t.Fatalf("label = %q, want %q", got, tt.wantLabel)
			}
		})
	}
}

func TestStageLabel(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: nil, want: ""},
		{err: stagePDF.fail("x", errors.New("boom")).Err, want: "pdf"},
		{err: stageXRD.fail("x", errors.New("boom")).Err, want: "xrd"},
		{err: stageMetadata.fail("x", errors.New("boom")).Err, want: "metadata"},
		{err: errors.New("plain"), want: "other"},
	}
	for _, tt := range tests {
		if got := StageLabel(tt.err); got != tt.want {
			t.Fatalf("StageLabel(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestBuildScenario(t *testing.T) {
	s := testSettings(t, false)
	paths := scenarioPaths()

	lib, err := Build(context.Background(), paths, s)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if got := lib.Len() + len(lib.Failures); got != len(paths) {
		t.Fatalf("rows + failures = %d, want %d", got, len(paths))
	}
	if diff := cmp.Diff([]string{fixture("broken.cif")}, lib.FailList()); diff != "" {
		t.Fatalf("fail list mismatch (-want +got):\n%s", diff)
	}
	if len(lib.Gr) != 2 || len(lib.Density) != 2 || len(lib.Table) != 2 {
		t.Fatalf("rows = %d/%d/%d, want 2", len(lib.Gr), len(lib.Density), len(lib.Table))
	}
	if len(lib.PrimitiveComposition) != 2 || len(lib.OrdinaryComposition) != 2 {
		t.Fatal("composition lists are not aligned with the table")
	}
	if len(lib.XRDInfo) != 0 {
		t.Fatalf("xrd rows = %d with xrd disabled", len(lib.XRDInfo))
	}

	// Sorted input order: cu.cif before nacl.cif.
	if lib.Table[0].Path != fixture("cu.cif") || lib.Table[1].Path != fixture("nacl.cif") {
		t.Fatalf("row order = %s, %s", lib.Table[0].Path, lib.Table[1].Path)
	}
	if _, ok := lib.OrdinaryComposition[1]["Na"]; !ok {
		t.Fatalf("row 1 composition = %v, want NaCl", lib.OrdinaryComposition[1])
	}
	if diff := cmp.Diff(s.RGrid, lib.RGrid); diff != "" {
		t.Fatalf("r grid mismatch:\n%s", diff)
	}
}

func TestBuildWithXRD(t *testing.T) {
	s := testSettings(t, true)
	lib, err := Build(context.Background(), scenarioPaths(), s)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(lib.XRDInfo) != lib.Len() {
		t.Fatalf("xrd rows = %d, want %d", len(lib.XRDInfo), lib.Len())
	}
	for i, row := range lib.XRDInfo {
		if len(row) != len(lib.QGrid) {
			t.Fatalf("xrd row %d length = %d, want %d", i, len(row), len(lib.QGrid))
		}
	}
}

func TestBuildDropsRowsFailingAfterXRD(t *testing.T) {
	s := testSettings(t, true)
	paths := []string{fixture("cu.cif"), fixture("wrong_centering.cif"), fixture("nacl.cif")}

	lib, err := Build(context.Background(), paths, s)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if diff := cmp.Diff([]string{fixture("wrong_centering.cif")}, lib.FailList()); diff != "" {
		t.Fatalf("fail list mismatch (-want +got):\n%s", diff)
	}
	if got := StageLabel(lib.Failures[0]); got != "spacegroup" {
		t.Fatalf("failure stage = %q, want spacegroup", got)
	}
	if len(lib.XRDInfo) != 2 || len(lib.Table) != 2 || len(lib.Gr) != 2 || len(lib.Density) != 2 {
		t.Fatalf("rows = xrd %d, table %d, gr %d, density %d; want 2 each",
			len(lib.XRDInfo), len(lib.Table), len(lib.Gr), len(lib.Density))
	}

	wantPaths := []string{fixture("cu.cif"), fixture("nacl.cif")}
	for i, want := range wantPaths {
		if lib.Table[i].Path != want {
			t.Fatalf("row %d path = %s, want %s", i, lib.Table[i].Path, want)
		}
		single := Process(want, s)
		if !single.OK() {
			t.Fatalf("process %s: %v", want, single.Failure)
		}
		if diff := cmp.Diff(single.Features.XRD, lib.XRDInfo[i]); diff != "" {
			t.Fatalf("xrd row %d does not belong to %s:\n%s", i, want, diff)
		}
		if diff := cmp.Diff(single.Features.G, lib.Gr[i]); diff != "" {
			t.Fatalf("Gr row %d does not belong to %s:\n%s", i, want, diff)
		}
	}

	results, err := Map(context.Background(), paths, s, 3)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	merged := Merge(results, s, true)
	if diff := cmp.Diff(lib.XRDInfo, merged.XRDInfo); diff != "" {
		t.Fatalf("parallel xrd rows differ from sequential:\n%s", diff)
	}
	if diff := cmp.Diff(lib.FailList(), merged.FailList()); diff != "" {
		t.Fatalf("parallel fail list differs:\n%s", diff)
	}
}

func TestBuildIsIdempotent(t *testing.T) {
	s := testSettings(t, false)
	first, err := Build(context.Background(), scenarioPaths(), s)
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	second, err := Build(context.Background(), scenarioPaths(), s)
	if err != nil {
		t.Fatalf("second build: %v", err)
	}

	if diff := cmp.Diff(first.Gr, second.Gr); diff != "" {
		t.Fatalf("Gr differs between runs:\n%s", diff)
	}
	if diff := cmp.Diff(first.Density, second.Density); diff != "" {
		t.Fatalf("density differs between runs:\n%s", diff)
	}
	if diff := cmp.Diff(first.Table, second.Table); diff != "" {
		t.Fatalf("table differs between runs:\n%s", diff)
	}
}

func TestBuildCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	lib, err := Build(ctx, scenarioPaths(), testSettings(t, false))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if lib == nil || lib.Len() != 0 || len(lib.Failures) != 0 {
		t.Fatal("expected an empty partial library")
	}
}

func TestMapMergeMatchesBuild(t *testing.T) {
	s := testSettings(t, true)
	paths := scenarioPaths()

	want, err := Build(context.Background(), paths, s)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	results, err := Map(context.Background(), paths, s, 3)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if len(results) != len(paths) {
		t.Fatalf("results = %d, want %d", len(results), len(paths))
	}
	got := Merge(results, s, true)

	if diff := cmp.Diff(want.Gr, got.Gr); diff != "" {
		t.Fatalf("Gr mismatch:\n%s", diff)
	}
	if diff := cmp.Diff(want.XRDInfo, got.XRDInfo); diff != "" {
		t.Fatalf("xrd mismatch:\n%s", diff)
	}
	if diff := cmp.Diff(want.Table, got.Table); diff != "" {
		t.Fatalf("table mismatch:\n%s", diff)
	}
	if diff := cmp.Diff(want.FailList(), got.FailList()); diff != "" {
		t.Fatalf("fail list mismatch:\n%s", diff)
	}
}

func TestMapCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := Map(ctx, scenarioPaths(), testSettings(t, false), 2)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(results) != 0 {
		t.Fatalf("results = %d after cancellation, want 0", len(results))
	}
}

func TestMetricsObserve(t *testing.T) {
	s := testSettings(t, false)
	s.Metrics = NewMetrics()

	if _, err := Build(context.Background(), scenarioPaths(), s); err != nil {
		t.Fatalf("build: %v", err)
	}

	if got := testutil.ToFloat64(s.Metrics.StructuresTotal.WithLabelValues("ok")); got != 2 {
		t.Fatalf("ok structures = %v, want 2", got)
	}
	if got := testutil.ToFloat64(s.Metrics.StructuresTotal.WithLabelValues("failed")); got != 1 {
		t.Fatalf("failed structures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(s.Metrics.FailuresTotal.WithLabelValues("load")); got != 1 {
		t.Fatalf("load failures = %v, want 1", got)
	}

	var nilMetrics *Metrics
	nilMetrics.Observe(Result{})
}

func TestPipelineStreaming(t *testing.T) {
	s := testSettings(t, false)
	p := NewPipeline(s)
	p.Start(2)

	paths := scenarioPaths()
	if err := p.Process(paths...); err != nil {
		t.Fatalf("process: %v", err)
	}
	// Duplicates are dropped.
	if err := p.Process(paths[0], ""); err != nil {
		t.Fatalf("process duplicate: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := len(p.Results()); got != len(paths) {
		t.Fatalf("results = %d, want %d", got, len(paths))
	}
	metrics := p.GetMetrics()
	if metrics["processed_structures"].(int64) != 2 || metrics["failed_structures"].(int64) != 1 {
		t.Fatalf("unexpected metrics: %v", metrics)
	}
	if stages := metrics["failures_by_stage"].(map[string]int); stages["load_pdf_structure"] != 1 {
		t.Fatalf("failures by stage = %v", stages)
	}

	lib := p.Library()
	if lib.Len() != 2 || lib.Table[0].Path != fixture("cu.cif") {
		t.Fatalf("library rows = %d, first %q", lib.Len(), lib.Table[0].Path)
	}

	if err := p.Process(fixture("cu.cif")); !errors.Is(err, ErrPipelineClosed) {
		t.Fatalf("process after close = %v, want ErrPipelineClosed", err)
	}
}

func TestPipelineCloseWithoutWork(t *testing.T) {
	p := NewPipeline(testSettings(t, false))
	p.Start(0)
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if len(p.Results()) != 0 {
		t.Fatal("expected no results")
	}
}
