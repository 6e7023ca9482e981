package store

import (
	"context"
	"sort"
	"sync"

	"onboarding/internal/alias/models"
	"onboarding/pkg/platform/sentinel"
)

// InMemory keeps aliases in a map guarded by a single mutex that is held for
// the whole allocation critical section.
type InMemory struct {
	mu        sync.Mutex
	byValue   map[models.Value]*models.Record
	byRequest map[string][]*models.Record
	max       models.Value
}

func NewInMemory() *InMemory {
	return &InMemory{
		byValue:   make(map[models.Value]*models.Record),
		byRequest: make(map[string][]*models.Record),
	}
}

// RunAllocation runs fn with exclusive access. Staged inserts are applied
// only when fn returns nil.
func (s *InMemory) RunAllocation(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mtx := &memoryTx{store: s, staged: make(map[models.Value]*models.Record)}
	if err := fn(ctx, mtx); err != nil {
		return err
	}
	for _, r := range mtx.order {
		cp := *r
		s.byValue[r.Value] = &cp
		if r.RequestKey != "" {
			s.byRequest[r.RequestKey] = append(s.byRequest[r.RequestKey], &cp)
		}
		if r.Value > s.max {
			s.max = r.Value
		}
	}
	return nil
}

func (s *InMemory) FindByValue(_ context.Context, v models.Value) (*models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byValue[v]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// Count reports how many aliases are stored.
func (s *InMemory) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byValue)
}

type memoryTx struct {
	store  *InMemory
	staged map[models.Value]*models.Record
	order  []*models.Record
}

func (t *memoryTx) MaxValue(context.Context) (models.Value, error) {
	head := t.store.max
	for v := range t.staged {
		if v > head {
			head = v
		}
	}
	return head, nil
}

func (t *memoryTx) Existing(_ context.Context, values []models.Value) ([]models.Value, error) {
	var out []models.Value
	for _, v := range values {
		if _, ok := t.store.byValue[v]; ok {
			out = append(out, v)
			continue
		}
		if _, ok := t.staged[v]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func (t *memoryTx) FindByRequest(_ context.Context, requestKey string) ([]*models.Record, error) {
	if requestKey == "" {
		return nil, nil
	}
	records := t.store.byRequest[requestKey]
	out := make([]*models.Record, len(records))
	for i, r := range records {
		cp := *r
		out[i] = &cp
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (t *memoryTx) Insert(_ context.Context, records []*models.Record) error {
	for _, r := range records {
		if _, ok := t.store.byValue[r.Value]; ok {
			return sentinel.ErrConflict
		}
		if _, ok := t.staged[r.Value]; ok {
			return sentinel.ErrConflict
		}
		cp := *r
		t.staged[r.Value] = &cp
		t.order = append(t.order, &cp)
	}
	return nil
}
