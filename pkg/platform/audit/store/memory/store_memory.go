package memory

import (
	"context"
	"sync"

	audit "onboarding/pkg/platform/audit"
)

// InMemoryStore keeps records in insertion order.
type InMemoryStore struct {
	mu      sync.RWMutex
	records []audit.Record
	failErr error
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// FailWith makes subsequent Appends return err. Pass nil to recover.
func (s *InMemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

func (s *InMemoryStore) Append(_ context.Context, record audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.records = append(s.records, record)
	return nil
}

func (s *InMemoryStore) ListByTarget(_ context.Context, tenant, targetType, targetID string) ([]audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Record
	for _, r := range s.records {
		if r.Tenant == tenant && r.TargetType == targetType && r.TargetID == targetID {
			out = append(out, r)
		}
	}
	return out, nil
}

// All returns every record (tests and admin tooling).
func (s *InMemoryStore) All() []audit.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Record{}, s.records...)
}

// Clear drops all records.
func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
}
