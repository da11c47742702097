package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PDFConfig holds the keyword parameters of the PDF calculator.
type PDFConfig struct {
	RMin   float64 `yaml:"rmin"`
	RMax   float64 `yaml:"rmax"`
	RStep  float64 `yaml:"rstep"`
	QMax   float64 `yaml:"qmax"`
	QDamp  float64 `yaml:"qdamp"`
	QBroad float64 `yaml:"qbroad"`
	Delta1 float64 `yaml:"delta1"`
	Delta2 float64 `yaml:"delta2"`
	Scale  float64 `yaml:"scale"`
}

// Config holds the learning library build configuration.
type Config struct {
	PDF         PDFConfig `yaml:"pdf"`
	Uiso        float64   `yaml:"uiso"`
	Wavelength  float64   `yaml:"wavelength"`
	XRD         bool      `yaml:"xrd"`
	TwoThetaTol float64   `yaml:"two_theta_tol"`

	Parallel bool `yaml:"parallel"`
	Workers  int  `yaml:"workers"`

	OutputDir   string `yaml:"output_dir"`
	SQLite      bool   `yaml:"sqlite"`
	Plots       bool   `yaml:"plots"`
	MetricsAddr string `yaml:"metrics_addr"`
	Verbose     bool   `yaml:"verbose"`

	// Remote source of CIF files. Empty disables fetching.
	SourceURL       string        `yaml:"source_url"`
	DownloadDir     string        `yaml:"download_dir"`
	MaxPages        int           `yaml:"max_pages"`
	FetchParallel   int           `yaml:"fetch_parallel"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	RetryBackoffMax time.Duration `yaml:"retry_backoff_max"`
	UserAgent       string        `yaml:"user_agent"`
}

// DefaultConfig returns the reference settings:
// 0.5 Å wavelength, 0.01 two-theta merge tolerance and a 0-30 Å PDF grid.
func DefaultConfig() *Config {
	return &Config{
		PDF: PDFConfig{
			RMin:  0,
			RMax:  30,
			RStep: 0.01,
			QMax:  0,
			QDamp: 0.04,
			Scale: 1,
		},
		Uiso:            0.005,
		Wavelength:      0.5,
		XRD:             false,
		TwoThetaTol:     1e-2,
		Parallel:        false,
		Workers:         4,
		OutputDir:       "",
		MaxPages:        10,
		FetchParallel:   4,
		Timeout:         10 * time.Second,
		MaxRetries:      2,
		RetryBackoff:    200 * time.Millisecond,
		RetryBackoffMax: 2 * time.Second,
		DownloadDir:     "cif",
		UserAgent:       "learninglib/1.0 (+https://github.com/aluiziolira/go-learninglib)",
	}
}

// LoadFile overlays the YAML document at path on top of DefaultConfig.
// Keys missing from the document keep their default value.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.PDF.RStep <= 0 {
		return fmt.Errorf("pdf rstep must be positive")
	}
	if c.PDF.RMin < 0 {
		return fmt.Errorf("pdf rmin cannot be negative")
	}
	if c.PDF.RMax <= c.PDF.RMin {
		return fmt.Errorf("pdf rmax (%g) must be greater than rmin (%g)", c.PDF.RMax, c.PDF.RMin)
	}
	if c.PDF.QMax < 0 || c.PDF.QDamp < 0 || c.PDF.QBroad < 0 {
		return fmt.Errorf("pdf qmax, qdamp and qbroad cannot be negative")
	}
	if c.PDF.Scale <= 0 {
		return fmt.Errorf("pdf scale must be positive")
	}
	if c.Uiso < 0 {
		return fmt.Errorf("uiso cannot be negative")
	}
	if c.Wavelength <= 0 {
		return fmt.Errorf("wavelength must be positive")
	}
	if c.TwoThetaTol < 0 {
		return fmt.Errorf("two theta tolerance cannot be negative")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}

	if c.SourceURL == "" {
		return nil
	}
	parsedURL, err := url.Parse(c.SourceURL)
	if err != nil {
		return fmt.Errorf("invalid source URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("source URL must include a host")
	}
	if c.DownloadDir == "" {
		return fmt.Errorf("download dir cannot be empty when a source URL is set")
	}
	if c.MaxPages <= 0 {
		return fmt.Errorf("max pages must be positive")
	}
	if c.FetchParallel <= 0 {
		return fmt.Errorf("fetch parallelism must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 || c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	return nil
}

// EnvString returns the trimmed value of key when it is set and non-empty.
func EnvString(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}

// EnvInt parses key as an integer.
func EnvInt(key string) (int, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return parsed, true, nil
}

// EnvFloat parses key as a float64.
func EnvFloat(key string) (float64, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return parsed, true, nil
}

// EnvBool parses key with strconv.ParseBool.
func EnvBool(key string) (bool, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return false, false, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, false, fmt.Errorf("%s: %w", key, err)
	}
	return parsed, true, nil
}
