package pipeline

import (
	"context"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/aluiziolira/go-learninglib/models"
)

// NewLibrary returns an empty library carrying the shared grids of s.
func NewLibrary(s Settings) *models.Library {
	return &models.Library{
		RGrid: s.RGrid,
		QGrid: s.QGrid,
	}
}

func addResult(lib *models.Library, res Result) {
	if res.OK() {
		lib.Append(res.Features)
		return
	}
	lib.Failures = append(lib.Failures, res.Failure)
	slog.Warn("structure failed",
		slog.String("path", res.Path),
		slog.String("stage", res.Failure.Stage),
		slog.Any("error", res.Failure.Err),
	)
}

// Build processes paths one at a time in sorted order. When ctx is
// cancelled it stops before the next structure and returns the partial
// library with the context error.
func Build(ctx context.Context, paths []string, s Settings) (*models.Library, error) {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	lib := NewLibrary(s)
	for i, path := range sorted {
		if err := ctx.Err(); err != nil {
			return lib, err
		}
		slog.Debug("processing structure",
			slog.Int("index", i+1),
			slog.Int("total", len(sorted)),
			slog.String("path", path),
		)
		res := Process(path, s)
		s.Metrics.Observe(res)
		addResult(lib, res)
	}
	logReturn(lib)
	return lib, nil
}

// Map runs Process for every path on at most workers goroutines. Results
// arrive in completion order; use Merge to assemble a library. On
// cancellation the results finished so far are returned with the context
// error.
func Map(ctx context.Context, paths []string, s Settings, workers int) ([]Result, error) {
	if workers <= 0 {
		workers = 1
	}

	results := make(chan Result, len(paths))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)

	for _, path := range paths {
		if egCtx.Err() != nil {
			break
		}
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			res := Process(path, s)
			s.Metrics.Observe(res)
			results <- res
			return nil
		})
	}

	err := eg.Wait()
	close(results)

	out := make([]Result, 0, len(paths))
	for res := range results {
		out = append(out, res)
	}
	if err == nil {
		err = ctx.Err()
	}
	return out, err
}

// Merge concatenates results into a library. With sortByPath the rows
// follow the sorted path order, matching Build; otherwise they keep the
// order of results.
func Merge(results []Result, s Settings, sortByPath bool) *models.Library {
	ordered := results
	if sortByPath {
		ordered = append([]Result(nil), results...)
		sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Path < ordered[j].Path })
	}

	lib := NewLibrary(s)
	for _, res := range ordered {
		addResult(lib, res)
	}
	logReturn(lib)
	return lib
}

func logReturn(lib *models.Library) {
	slog.Debug("library assembled",
		slog.Int("rows", lib.Len()),
		slog.Int("r_points", len(lib.RGrid)),
		slog.Int("q_points", len(lib.QGrid)),
		slog.Int("xrd_rows", len(lib.XRDInfo)),
		slog.Int("failures", len(lib.Failures)),
		slog.Any("fields", []string{
			"Gr", "density", "r_grid", "xrd_info", "q_grid",
			"primitive_composition", "ordinary_composition", "struc_df", "fail_list",
		}),
	)
}
