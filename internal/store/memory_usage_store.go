package store

import (
	"context"
	"sync"

	"github.com/dunamismax/pixelbatch/internal/domain"
)

type MemoryUsageStore struct {
	mu     sync.RWMutex
	usages map[string]domain.UsageLog
}

func NewMemoryUsageStore() *MemoryUsageStore {
	return &MemoryUsageStore{
		usages: make(map[string]domain.UsageLog),
	}
}

func (s *MemoryUsageStore) Record(_ context.Context, usage domain.UsageLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usages[usage.BatchID] = usage
	return nil
}

func (s *MemoryUsageStore) Get(_ context.Context, batchID string) (domain.UsageLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	usage, ok := s.usages[batchID]
	if !ok {
		return domain.UsageLog{}, ErrUsageNotFound
	}
	return usage, nil
}
