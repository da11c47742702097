package pipeline

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/aluiziolira/go-learninglib/models"
)

var (
	// ErrPipelineClosed is returned when Process is called after shutdown.
	ErrPipelineClosed = errors.New("pipeline: closed")
)

// Pipeline is the streaming form of Map: paths are submitted while
// workers are already running, for example as a fetcher downloads them.
type Pipeline struct {
	settings Settings
	pathCh   chan string

	wg sync.WaitGroup

	seen   map[string]struct{}
	seenMu sync.Mutex

	resultsMu sync.Mutex
	results   []Result

	counters *counters

	mu     sync.Mutex // guards closed
	closed bool

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPipeline builds a pipeline with a modest in-memory buffer.
func NewPipeline(s Settings) *Pipeline {
	return &Pipeline{
		settings: s,
		pathCh:   make(chan string, 256),
		seen:     make(map[string]struct{}),
		counters: newCounters(),
		shutdown: make(chan struct{}),
	}
}

// Start launches worker goroutines.
func (p *Pipeline) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Process enqueues paths. A path already submitted is ignored.
func (p *Pipeline) Process(paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	if p.isClosed() {
		return ErrPipelineClosed
	}

	for _, path := range paths {
		if path == "" || !p.markSeen(path) {
			continue
		}
		if err := p.enqueue(path); err != nil {
			return err
		}
	}
	return nil
}

// Close stops accepting paths and waits for the workers to drain the queue.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.closeOnce.Do(func() {
		close(p.pathCh)
	})

	p.wg.Wait()
	p.signalShutdown()
	return nil
}

// Results returns the results gathered so far in completion order.
func (p *Pipeline) Results() []Result {
	p.resultsMu.Lock()
	defer p.resultsMu.Unlock()
	return append([]Result(nil), p.results...)
}

// Library merges the results in sorted path order.
func (p *Pipeline) Library() *models.Library {
	return Merge(p.Results(), p.settings, true)
}

// GetMetrics returns a snapshot of the internal counters.
func (p *Pipeline) GetMetrics() map[string]interface{} {
	return p.counters.snapshot()
}

// StartMetricsReporting emits periodic progress logs until Close.
func (p *Pipeline) StartMetricsReporting(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				metrics := p.GetMetrics()
				slog.Info("pipeline progress",
					slog.Int64("processed", metrics["processed_structures"].(int64)),
					slog.Int64("failed", metrics["failed_structures"].(int64)),
					slog.Int("queued", len(p.pathCh)),
				)
			case <-p.shutdown:
				return
			}
		}
	}()
}

func (p *Pipeline) worker() {
	defer p.wg.Done()

	for path := range p.pathCh {
		res := Process(path, p.settings)
		p.settings.Metrics.Observe(res)
		p.counters.add(res)

		p.resultsMu.Lock()
		p.results = append(p.results, res)
		p.resultsMu.Unlock()
	}
}

func (p *Pipeline) markSeen(path string) bool {
	p.seenMu.Lock()
	defer p.seenMu.Unlock()
	if _, ok := p.seen[path]; ok {
		return false
	}
	p.seen[path] = struct{}{}
	return true
}

func (p *Pipeline) enqueue(path string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrPipelineClosed
		}
	}()

	select {
	case <-p.shutdown:
		return ErrPipelineClosed
	case p.pathCh <- path:
		return nil
	}
}

func (p *Pipeline) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pipeline) signalShutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
}
