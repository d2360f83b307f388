// Package jsonl appends records as JSON lines to a local file.
package jsonl

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/JakeFAU/shopcrawl/internal/crawler"
)

// Config captures the parameters for the file sink.
type Config struct {
	// Path is the dataset file. Parent directories are created.
	Path string
}

// Sink writes one JSON object per line.
type Sink struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	path string
}

// New opens (or creates) the dataset file in append mode.
func New(cfg Config) (*Sink, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("sink path is required")
	}
	dir := filepath.Dir(cfg.Path)
	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(dir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create dataset directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat dataset directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("dataset directory %q is not a directory", dir)
	}

	file, err := os.OpenFile(filepath.Clean(cfg.Path), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	return &Sink{file: file, buf: bufio.NewWriter(file), path: cfg.Path}, nil
}

// Path returns the dataset file.
func (s *Sink) Path() string {
	return s.path
}

// Append writes record and flushes it so a crash loses at most one line.
func (s *Sink) Append(_ context.Context, record crawler.Record) error {
	data, err := record.JSON()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return fmt.Errorf("append %s: sink closed", record.URL)
	}
	if _, err := s.buf.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if err := s.buf.Flush(); err != nil {
		return fmt.Errorf("flush record: %w", err)
	}
	return nil
}

// Close syncs and closes the file. Closing twice is safe.
func (s *Sink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	file := s.file
	s.file = nil
	if err := s.buf.Flush(); err != nil {
		_ = file.Close()
		return fmt.Errorf("flush dataset: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("sync dataset: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close dataset: %w", err)
	}
	return nil
}
