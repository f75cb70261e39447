package storage

import (
	"context"
	"strings"
	"sync"
)

type memoryStore struct {
	mu     sync.RWMutex
	jobs   map[string]Record
	meta   map[string]string
	closed bool
}

// NewMemory returns an in-process store. Tests and the "memory" driver use it.
func NewMemory() Store {
	return &memoryStore{jobs: map[string]Record{}, meta: map[string]string{}}
}

func (s *memoryStore) PutJob(ctx context.Context, key string, rec Record) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.jobs[key] = rec.Clone()
	return nil
}

func (s *memoryStore) GetJob(ctx context.Context, key string) (Record, bool, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	rec, ok := s.jobs[key]
	return rec.Clone(), ok, nil
}

func (s *memoryStore) DeleteJob(ctx context.Context, key string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.jobs[key]
	delete(s.jobs, key)
	return ok, nil
}

func (s *memoryStore) ListJobs(ctx context.Context) (map[string]Record, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make(map[string]Record, len(s.jobs))
	for k, v := range s.jobs {
		out[k] = v.Clone()
	}
	return out, nil
}

func (s *memoryStore) PutMeta(ctx context.Context, key, value string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.meta[key] = value
	return nil
}

func (s *memoryStore) GetMeta(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", false, ErrClosed
	}
	v, ok := s.meta[key]
	return v, ok, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
