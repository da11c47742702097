package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/aluiziolira/go-learninglib/models"
)

// MultiWriter fans a library out to several sinks.
type MultiWriter struct {
	writers []OutputWriter
	mu      sync.Mutex
}

// NewMultiWriter wraps writers; they are written and closed in order.
func NewMultiWriter(writers ...OutputWriter) *MultiWriter {
	return &MultiWriter{writers: writers}
}

// Write stops at the first failing sink.
func (mw *MultiWriter) Write(lib *models.Library) error {
	mw.mu.Lock()
	defer mw.mu.Unlock()

	for _, w := range mw.writers {
		if err := w.Write(lib); err != nil {
			return fmt.Errorf("%T write failed: %w", w, err)
		}
	}
	return nil
}

// Close closes every sink and joins their errors.
func (mw *MultiWriter) Close() error {
	mw.mu.Lock()
	defer mw.mu.Unlock()

	var errs []error
	for _, w := range mw.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%T close failed: %w", w, err))
		}
	}
	return errors.Join(errs...)
}
