package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// MemoryStorage keeps objects in process memory.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: make(map[string][]byte)}
}

func (s *MemoryStorage) Upload(_ context.Context, path string, data io.Reader, _ int64, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return fmt.Errorf("read upload data: %w", err)
	}
	s.mu.Lock()
	s.objects[path] = b
	s.mu.Unlock()
	return nil
}

func (s *MemoryStorage) Download(_ context.Context, path string) (io.ReadCloser, error) {
	s.mu.RLock()
	b, ok := s.objects[path]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("download %s: %w", path, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (s *MemoryStorage) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	delete(s.objects, path)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStorage) Has(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[path]
	return ok
}
