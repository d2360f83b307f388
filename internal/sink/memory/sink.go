// Package memory keeps appended records in memory for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/shopcrawl/internal/crawler"
)

// Sink stores records for inspection.
type Sink struct {
	mu      sync.RWMutex
	records []crawler.Record
	closed  bool
}

// New returns an empty Sink.
func New() *Sink {
	return &Sink{}
}

// Append records the record.
func (s *Sink) Append(_ context.Context, record crawler.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("append %s: sink closed", record.URL)
	}
	s.records = append(s.records, record)
	return nil
}

// Records returns the appended records in arrival order.
func (s *Sink) Records() []crawler.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Record, len(s.records))
	copy(out, s.records)
	return out
}

// Close rejects further appends.
func (s *Sink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
