package store

import (
	"context"
	"sync"
)

// InMemoryStore keeps finalized sessions in process memory for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]SessionRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]SessionRecord)}
}

func (s *InMemoryStore) SaveSession(_ context.Context, record SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ConnectionID] = record
	return nil
}

func (s *InMemoryStore) Get(connectionID string) (SessionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[connectionID]
	return record, ok
}

func (s *InMemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *InMemoryStore) Close() error { return nil }
