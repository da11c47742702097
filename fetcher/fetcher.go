// Package fetcher downloads CIF files linked from an HTML index so they can
// be fed to the library build.
package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/aluiziolira/go-learninglib/config"
	"github.com/aluiziolira/go-learninglib/models"
)

// Sink receives the local path of every downloaded file as soon as it is
// written. *pipeline.Pipeline satisfies it.
type Sink interface {
	Process(paths ...string) error
}

// Fetcher wraps the colly collector and retry logic for a CIF index.
type Fetcher struct {
	cfg       *config.Config
	collector *colly.Collector
	retry     *retryManager
	Metrics   *Metrics

	requestCount int64
	pageCount    int64
	errorCount   int64

	mu           sync.Mutex
	paths        []string
	names        map[string]string // file name -> source URL
	failedURLs   []string
	errorsByType map[string]int

	handlersOnce sync.Once
}

// NewFetcher builds a fetcher configured from cfg.
func NewFetcher(cfg *config.Config) (*Fetcher, error) {
	parsed, err := url.Parse(cfg.SourceURL)
	if err != nil {
		return nil, fmt.Errorf("parse source url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("source url must include a host")
	}

	collector := colly.NewCollector(
		colly.Async(true),
		colly.AllowedDomains(parsed.Host),
		colly.UserAgent(cfg.UserAgent),
	)

	collector.SetRequestTimeout(cfg.Timeout)
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.FetchParallel,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}

	f := &Fetcher{
		cfg:          cfg,
		collector:    collector,
		Metrics:      NewMetrics(),
		names:        make(map[string]string),
		errorsByType: make(map[string]int),
	}
	f.retry = newRetryManager(cfg.MaxRetries, cfg.RetryBackoff, cfg.RetryBackoffMax, f.Metrics)
	return f, nil
}

// Run crawls the source index, downloads every linked CIF into the
// download directory and returns the local paths in sorted order. sink may
// be nil.
func (f *Fetcher) Run(ctx context.Context, sink Sink) (*models.FetchResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := os.MkdirAll(f.cfg.DownloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	f.retry.SetContext(ctx)
	f.configureHandlers(ctx, sink)

	start := time.Now()
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			f.retry.Stop()
		case <-done:
		}
	}()

	if err := f.collector.Visit(f.cfg.SourceURL); err != nil {
		return nil, fmt.Errorf("initial visit: %w", err)
	}

	for {
		f.collector.Wait()
		if !f.retry.Wait() {
			break
		}
	}
	f.retry.Stop()

	return &models.FetchResult{
		Paths:        f.snapshotPaths(),
		StartTime:    start,
		EndTime:      time.Now(),
		ErrorCount:   int(atomic.LoadInt64(&f.errorCount)),
		FailedURLs:   f.snapshotFailedURLs(),
		ErrorsByType: f.snapshotErrors(),
		RetryCount:   f.retry.TotalRetries(),
		RequestCount: int(atomic.LoadInt64(&f.requestCount)),
		PageCount:    int(atomic.LoadInt64(&f.pageCount)) + 1,
	}, nil
}

func (f *Fetcher) configureHandlers(ctx context.Context, sink Sink) {
	f.handlersOnce.Do(func() {
		f.collector.OnRequest(func(r *colly.Request) {
			if ctx.Err() != nil {
				r.Abort()
				return
			}
			r.Ctx.Put("start", time.Now())
			current := atomic.AddInt64(&f.requestCount, 1)
			f.Metrics.IncRequest(requestKind(r.URL))
			if current%50 == 0 {
				slog.Debug("fetch progress",
					slog.Int64("requests", current),
					slog.Int64("pages", atomic.LoadInt64(&f.pageCount)),
					slog.String("url", r.URL.String()),
				)
			}
		})

		f.collector.OnResponse(func(r *colly.Response) {
			if start, ok := r.Request.Ctx.GetAny("start").(time.Time); ok {
				f.Metrics.ObserveDuration(requestKind(r.Request.URL), time.Since(start))
			}
			if !isCIF(r.Request.URL) {
				return
			}
			local, err := f.store(r)
			if err != nil {
				f.recordFailure(r.Request.URL.String(), "other", err)
				return
			}
			f.Metrics.ObserveFile(len(r.Body))
			slog.Debug("downloaded", slog.String("url", r.Request.URL.String()), slog.String("path", local))
			if sink != nil {
				if err := sink.Process(local); err != nil {
					slog.Error("sink process error", slog.String("path", local), slog.Any("error", err))
				}
			}
		})

		f.collector.OnError(func(r *colly.Response, err error) {
			atomic.AddInt64(&f.errorCount, 1)
			statusCode := 0
			if r != nil {
				statusCode = r.StatusCode
			}
			target := ""
			if r != nil && r.Request != nil && r.Request.URL != nil {
				target = r.Request.URL.String()
			}
			classified := classifyError(target, err, statusCode)
			category := errorTypeLabel(classified)

			f.mu.Lock()
			f.errorsByType[category]++
			f.mu.Unlock()

			slog.Error("request error",
				slog.String("url", target),
				slog.String("category", category),
				slog.Any("error", classified),
			)
			f.Metrics.IncError(category)

			if r == nil || r.Request == nil || !f.retry.Schedule(target, r.Request.Retry) {
				f.mu.Lock()
				f.failedURLs = append(f.failedURLs, target)
				f.mu.Unlock()
			}
		})

		f.collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
			link := e.Request.AbsoluteURL(e.Attr("href"))
			if link == "" {
				return
			}
			u, err := url.Parse(link)
			if err != nil || !isCIF(u) {
				return
			}
			if err := e.Request.Visit(link); err != nil && err != colly.ErrAlreadyVisited {
				slog.Debug("skip cif link", slog.String("url", link), slog.Any("error", err))
			}
		})

		f.collector.OnHTML("a[rel=next]", func(e *colly.HTMLElement) {
			currentPage := atomic.AddInt64(&f.pageCount, 1)
			if currentPage >= int64(f.cfg.MaxPages) {
				return
			}
			if ctx.Err() != nil {
				return
			}
			e.Request.Visit(e.Request.AbsoluteURL(e.Attr("href")))
		})
	})
}

// store writes the body of a CIF response to the download directory. Two
// URLs with the same base name get distinct files.
func (f *Fetcher) store(r *colly.Response) (string, error) {
	source := r.Request.URL.String()
	name := path.Base(r.Request.URL.Path)

	f.mu.Lock()
	for i := 1; ; i++ {
		owner, taken := f.names[name]
		if !taken || owner == source {
			break
		}
		ext := path.Ext(name)
		name = fmt.Sprintf("%s_%d%s", strings.TrimSuffix(path.Base(r.Request.URL.Path), ext), i, ext)
	}
	f.names[name] = source
	f.mu.Unlock()

	local := filepath.Join(f.cfg.DownloadDir, name)
	if err := r.Save(local); err != nil {
		return "", fmt.Errorf("save %s: %w", local, err)
	}

	f.mu.Lock()
	f.paths = append(f.paths, local)
	f.mu.Unlock()
	return local, nil
}

func (f *Fetcher) recordFailure(target, category string, err error) {
	atomic.AddInt64(&f.errorCount, 1)
	f.mu.Lock()
	f.errorsByType[category]++
	f.failedURLs = append(f.failedURLs, target)
	f.mu.Unlock()
	f.Metrics.IncError(category)
	slog.Error("download failed", slog.String("url", target), slog.Any("error", err))
}

func isCIF(u *url.URL) bool {
	return u != nil && strings.HasSuffix(strings.ToLower(u.Path), ".cif")
}

func requestKind(u *url.URL) string {
	if isCIF(u) {
		return kindCIF
	}
	return kindIndex
}

func (f *Fetcher) snapshotPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.paths))
	copy(out, f.paths)
	sort.Strings(out)
	return out
}

func (f *Fetcher) snapshotFailedURLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.failedURLs))
	copy(out, f.failedURLs)
	return out
}

func (f *Fetcher) snapshotErrors() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.errorsByType))
	for k, v := range f.errorsByType {
		out[k] = v
	}
	return out
}
