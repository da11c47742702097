package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aluiziolira/go-learninglib/config"
	"github.com/aluiziolira/go-learninglib/fetcher"
	"github.com/aluiziolira/go-learninglib/models"
	"github.com/aluiziolira/go-learninglib/pipeline"
)

// options are the inputs that do not belong in config.Config.
type options struct {
	listFile string
	dir      string
	args     []string
}

func main() {
	cfg, opts, err := loadConfig(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, finishing the current structure")
	}()

	if err := run(ctx, cfg, opts); err != nil {
		slog.Error("learning library build failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, opts options) error {
	paths, err := collectPaths(opts)
	if err != nil {
		return err
	}

	settings, err := pipeline.NewSettings(cfg)
	if err != nil {
		return err
	}
	settings.Metrics = pipeline.NewMetrics()
	gatherers := prometheus.Gatherers{settings.Metrics.Registry}

	var f *fetcher.Fetcher
	if cfg.SourceURL != "" {
		f, err = fetcher.NewFetcher(cfg)
		if err != nil {
			return fmt.Errorf("initialising fetcher: %w", err)
		}
		gatherers = append(gatherers, f.Metrics.Registry)
	}

	if len(paths) == 0 && f == nil {
		return errors.New("no input: pass CIF paths, -list, -dir or -source-url")
	}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				slog.Error("metrics server shutdown failed", slog.Any("error", err))
			}
		}()
	}

	slog.Info("starting build",
		slog.Int("inputs", len(paths)),
		slog.String("source_url", cfg.SourceURL),
		slog.Bool("xrd", cfg.XRD),
		slog.Bool("parallel", cfg.Parallel),
		slog.Int("workers", cfg.Workers),
	)

	startTime := time.Now()
	var (
		lib   *models.Library
		fetch *models.FetchResult
	)
	switch {
	case cfg.Parallel && f != nil:
		lib, fetch, err = buildStreaming(ctx, cfg, settings, f, paths)
	case cfg.Parallel:
		var results []pipeline.Result
		results, err = pipeline.Map(ctx, paths, settings, cfg.Workers)
		lib = pipeline.Merge(results, settings, true)
	default:
		if f != nil {
			fetch, err = f.Run(ctx, nil)
			if err != nil {
				return fmt.Errorf("fetching: %w", err)
			}
			paths = append(paths, fetch.Paths...)
		}
		lib, err = pipeline.Build(ctx, paths, settings)
	}
	if err != nil {
		if lib == nil || !errors.Is(err, context.Canceled) {
			return err
		}
		slog.Warn("build interrupted, saving partial library", slog.Int("rows", lib.Len()))
	}

	dir, err := pipeline.Save(lib, cfg.OutputDir, pipeline.SaveOptions{SQLite: cfg.SQLite, Plots: cfg.Plots})
	if err != nil {
		return fmt.Errorf("saving library: %w", err)
	}

	printSummary(os.Stdout, lib, fetch, time.Since(startTime), dir)
	return nil
}

// buildStreaming feeds downloads straight into the worker pool while the
// crawl is still running.
func buildStreaming(ctx context.Context, cfg *config.Config, settings pipeline.Settings, f *fetcher.Fetcher, local []string) (*models.Library, *models.FetchResult, error) {
	p := pipeline.NewPipeline(settings)
	p.Start(cfg.Workers)
	if cfg.Verbose {
		p.StartMetricsReporting(10 * time.Second)
	}

	if err := p.Process(local...); err != nil {
		p.Close()
		return nil, nil, err
	}
	fetch, err := f.Run(ctx, p)
	if closeErr := p.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, fetch, fmt.Errorf("fetching: %w", err)
	}
	return p.Library(), fetch, nil
}

// loadConfig layers DefaultConfig, the optional YAML file, LEARNINGLIB_*
// environment variables and explicitly set flags, in that order.
func loadConfig(args []string, output io.Writer) (*config.Config, options, error) {
	defaults := config.DefaultConfig()
	fs := flag.NewFlagSet("learninglib", flag.ContinueOnError)
	fs.SetOutput(output)

	var opts options
	configFile := fs.String("config", "", "YAML configuration file")
	fs.StringVar(&opts.listFile, "list", "", "File with one CIF path per line")
	fs.StringVar(&opts.dir, "dir", "", "Directory of *.cif files")
	xrd := fs.Bool("xrd", defaults.XRD, "Compute XRD patterns")
	parallel := fs.Bool("parallel", defaults.Parallel, "Process structures on a worker pool")
	workers := fs.Int("workers", defaults.Workers, "Worker count for -parallel")
	outputDir := fs.String("output", defaults.OutputDir, "Output directory (default LearningLib_<timestamp>)")
	sqlite := fs.Bool("sqlite", defaults.SQLite, "Also write library.sqlite")
	plots := fs.Bool("plots", defaults.Plots, "Also render PNG plots")
	metricsAddr := fs.String("metrics-addr", defaults.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)")
	uiso := fs.Float64("uiso", defaults.Uiso, "Isotropic displacement applied to every site (Å²)")
	wavelength := fs.Float64("wavelength", defaults.Wavelength, "X-ray wavelength (Å)")
	rmax := fs.Float64("rmax", defaults.PDF.RMax, "Upper bound of the PDF r grid (Å)")
	rstep := fs.Float64("rstep", defaults.PDF.RStep, "Step of the PDF r grid (Å)")
	sourceURL := fs.String("source-url", defaults.SourceURL, "HTML index to download CIF files from")
	downloadDir := fs.String("download-dir", defaults.DownloadDir, "Where downloaded CIF files are stored")
	maxPages := fs.Int("pages", defaults.MaxPages, "Maximum index pages to follow")
	verbose := fs.Bool("v", defaults.Verbose, "Enable verbose logging")

	if err := fs.Parse(args); err != nil {
		return nil, opts, err
	}
	opts.args = fs.Args()

	cfg := defaults
	if *configFile == "" {
		if value, ok := config.EnvString("LEARNINGLIB_CONFIG"); ok {
			*configFile = value
		}
	}
	if *configFile != "" {
		loaded, err := config.LoadFile(*configFile)
		if err != nil {
			return nil, opts, err
		}
		cfg = loaded
	}

	if err := applyEnv(cfg); err != nil {
		return nil, opts, err
	}

	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "xrd":
			cfg.XRD = *xrd
		case "parallel":
			cfg.Parallel = *parallel
		case "workers":
			cfg.Workers = *workers
		case "output":
			cfg.OutputDir = *outputDir
		case "sqlite":
			cfg.SQLite = *sqlite
		case "plots":
			cfg.Plots = *plots
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		case "uiso":
			cfg.Uiso = *uiso
		case "wavelength":
			cfg.Wavelength = *wavelength
		case "rmax":
			cfg.PDF.RMax = *rmax
		case "rstep":
			cfg.PDF.RStep = *rstep
		case "source-url":
			cfg.SourceURL = *sourceURL
		case "download-dir":
			cfg.DownloadDir = *downloadDir
		case "pages":
			cfg.MaxPages = *maxPages
		case "v":
			cfg.Verbose = *verbose
		}
	})
	return cfg, opts, nil
}

func applyEnv(cfg *config.Config) error {
	if value, ok, err := config.EnvInt("LEARNINGLIB_WORKERS"); err != nil {
		return fmt.Errorf("invalid LEARNINGLIB_WORKERS: %w", err)
	} else if ok {
		cfg.Workers = value
	}
	if value, ok, err := config.EnvBool("LEARNINGLIB_PARALLEL"); err != nil {
		return fmt.Errorf("invalid LEARNINGLIB_PARALLEL: %w", err)
	} else if ok {
		cfg.Parallel = value
	}
	if value, ok, err := config.EnvBool("LEARNINGLIB_XRD"); err != nil {
		return fmt.Errorf("invalid LEARNINGLIB_XRD: %w", err)
	} else if ok {
		cfg.XRD = value
	}
	if value, ok, err := config.EnvFloat("LEARNINGLIB_UISO"); err != nil {
		return fmt.Errorf("invalid LEARNINGLIB_UISO: %w", err)
	} else if ok {
		cfg.Uiso = value
	}
	if value, ok := config.EnvString("LEARNINGLIB_OUTPUT"); ok {
		cfg.OutputDir = value
	}
	if value, ok := config.EnvString("LEARNINGLIB_METRICS_ADDR"); ok {
		cfg.MetricsAddr = value
	}
	if value, ok := config.EnvString("LEARNINGLIB_SOURCE_URL"); ok {
		cfg.SourceURL = value
	}
	if value, ok := config.EnvString("LEARNINGLIB_DOWNLOAD_DIR"); ok {
		cfg.DownloadDir = value
	}
	return nil
}

// collectPaths gathers positional paths, the -list file and the -dir glob,
// dropping duplicates.
func collectPaths(opts options) ([]string, error) {
	paths := append([]string(nil), opts.args...)

	if opts.listFile != "" {
		f, err := os.Open(opts.listFile)
		if err != nil {
			return nil, fmt.Errorf("open list: %w", err)
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			paths = append(paths, line)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read list: %w", err)
		}
	}

	if opts.dir != "" {
		matches, err := filepath.Glob(filepath.Join(opts.dir, "*.cif"))
		if err != nil {
			return nil, fmt.Errorf("glob %s: %w", opts.dir, err)
		}
		paths = append(paths, matches...)
	}

	seen := make(map[string]struct{}, len(paths))
	out := paths[:0]
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func printSummary(w io.Writer, lib *models.Library, fetch *models.FetchResult, duration time.Duration, dir string) {
	separator := "--------------------------------------------------"
	fmt.Fprintln(w, "\n"+separator)
	fmt.Fprintln(w, "Learning library complete")

	total := lib.Len() + len(lib.Failures)
	fmt.Fprintf(w, "  Structures:    %d\n", total)
	fmt.Fprintf(w, "  Succeeded:     %d\n", lib.Len())
	fmt.Fprintf(w, "  Failed:        %d\n", len(lib.Failures))
	if len(lib.Failures) > 0 {
		byStage := make(map[string]int)
		for _, f := range lib.Failures {
			byStage[f.Stage]++
		}
		fmt.Fprintf(w, "  Failure stages: %v\n", byStage)
	}
	if fetch != nil {
		fmt.Fprintf(w, "  Downloaded:    %d (requests %d, retries %d, errors %d)\n",
			len(fetch.Paths), fetch.RequestCount, fetch.RetryCount, fetch.ErrorCount)
		if len(fetch.ErrorsByType) > 0 {
			fmt.Fprintf(w, "  Error types:   %v\n", fetch.ErrorsByType)
		}
	}
	perSec := 0.0
	if duration.Seconds() > 0 {
		perSec = float64(total) / duration.Seconds()
	}
	fmt.Fprintf(w, "  Duration:      %v\n", duration)
	fmt.Fprintf(w, "  Structures/s:  %.2f\n", perSec)
	fmt.Fprintf(w, "  Output dir:    %s\n", dir)
	fmt.Fprintln(w, separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
