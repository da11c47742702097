package fetcher

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// retryManager schedules capped exponential-backoff retries per URL and
// tracks the timers that have not fired yet, so a crawl is only finished
// once no retry is pending.
type retryManager struct {
	maxRetries int
	base       time.Duration
	max        time.Duration
	metrics    *Metrics
	ctx        context.Context

	mu           sync.Mutex
	idle         *sync.Cond
	attempts     map[string]int
	timers       map[string]*time.Timer
	pending      int
	totalRetries int
	stopped      bool
}

func newRetryManager(maxRetries int, base, max time.Duration, metrics *Metrics) *retryManager {
	rm := &retryManager{
		maxRetries: maxRetries,
		base:       base,
		max:        max,
		metrics:    metrics,
		ctx:        context.Background(),
		attempts:   make(map[string]int),
		timers:     make(map[string]*time.Timer),
	}
	rm.idle = sync.NewCond(&rm.mu)
	return rm
}

// Schedule arranges for retry to run after the backoff of the next attempt.
// It reports false when the URL has used all its attempts or the manager
// is stopped.
func (rm *retryManager) Schedule(url string, retry func() error) bool {
	if rm.maxRetries <= 0 {
		return false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.stopped || rm.ctx.Err() != nil {
		return false
	}
	attempt := rm.attempts[url]
	if attempt >= rm.maxRetries {
		return false
	}

	attempt++
	rm.attempts[url] = attempt
	rm.totalRetries++
	rm.metrics.IncRetries()

	rm.stopTimerLocked(url)
	rm.pending++
	rm.timers[url] = time.AfterFunc(rm.backoff(attempt), func() {
		rm.fire(url, retry)
	})
	return true
}

func (rm *retryManager) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := rm.base
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))
	if rm.max > 0 && delay > rm.max {
		delay = rm.max
	}
	return delay
}

func (rm *retryManager) stopTimerLocked(url string) {
	if timer, ok := rm.timers[url]; ok {
		if timer.Stop() {
			rm.doneLocked()
		}
		delete(rm.timers, url)
	}
}

func (rm *retryManager) fire(url string, retry func() error) {
	rm.mu.Lock()
	skip := rm.stopped || rm.ctx.Err() != nil
	rm.mu.Unlock()

	if !skip {
		if err := retry(); err != nil {
			slog.Debug("retry request failed", slog.String("url", url), slog.Any("error", err))
		}
	}

	rm.mu.Lock()
	delete(rm.timers, url)
	rm.doneLocked()
	rm.mu.Unlock()
}

func (rm *retryManager) doneLocked() {
	rm.pending--
	if rm.pending == 0 {
		rm.idle.Broadcast()
	}
}

// Wait blocks until no retry is pending and reports whether any was.
func (rm *retryManager) Wait() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	had := rm.pending > 0
	for rm.pending > 0 {
		rm.idle.Wait()
	}
	return had
}

// Stop cancels every timer that has not fired.
func (rm *retryManager) Stop() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.stopped {
		return
	}
	rm.stopped = true
	for url := range rm.timers {
		rm.stopTimerLocked(url)
	}
}

func (rm *retryManager) TotalRetries() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.totalRetries
}

func (rm *retryManager) SetContext(ctx context.Context) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	rm.ctx = ctx
}
