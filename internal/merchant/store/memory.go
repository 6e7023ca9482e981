// Package store persists merchant aggregates. The memory store backs tests
// and single-process runs; Postgres is the durable store.
package store

import (
	"context"
	"sort"
	"sync"

	"onboarding/internal/merchant/models"
	id "onboarding/pkg/domain"
	"onboarding/pkg/platform/sentinel"
)

type inTxKey struct{}

// InMemory keeps merchants in a map. RunInTx serialises transactions with
// one lock and restores a snapshot when fn fails, so a failed bulk leaves
// nothing behind. Writes outside a transaction take the same lock.
type InMemory struct {
	txMu sync.Mutex

	mu        sync.RWMutex
	merchants map[id.MerchantID]*models.Merchant
	nextID    int64
}

func NewInMemory() *InMemory {
	return &InMemory{merchants: make(map[id.MerchantID]*models.Merchant)}
}

// RunInTx runs fn holding the transaction lock. Nested calls join the
// outer transaction.
func (s *InMemory) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if inTx(ctx) {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snapshot := s.snapshot()
	if err := fn(context.WithValue(ctx, inTxKey{}, true)); err != nil {
		s.mu.Lock()
		s.merchants = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *InMemory) Create(ctx context.Context, m *models.Merchant) error {
	return s.write(ctx, func() error {
		s.nextID++
		m.ID = id.MerchantID(s.nextID)
		s.merchants[m.ID] = m.Clone()
		return nil
	})
}

func (s *InMemory) FindByID(_ context.Context, tenant id.TenantID, merchantID id.MerchantID) (*models.Merchant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.merchants[merchantID]
	if !ok || m.Tenant != tenant {
		return nil, sentinel.ErrNotFound
	}
	return m.Clone(), nil
}

// FindByIDForUpdate is FindByID; the transaction lock already excludes
// concurrent writers.
func (s *InMemory) FindByIDForUpdate(ctx context.Context, tenant id.TenantID, merchantID id.MerchantID) (*models.Merchant, error) {
	return s.FindByID(ctx, tenant, merchantID)
}

func (s *InMemory) FindManyForUpdate(_ context.Context, tenant id.TenantID, ids []id.MerchantID) ([]*models.Merchant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Merchant, 0, len(ids))
	for _, merchantID := range ids {
		if m, ok := s.merchants[merchantID]; ok && m.Tenant == tenant {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemory) Update(ctx context.Context, m *models.Merchant) error {
	return s.write(ctx, func() error {
		existing, ok := s.merchants[m.ID]
		if !ok || existing.Tenant != m.Tenant {
			return sentinel.ErrNotFound
		}
		s.merchants[m.ID] = m.Clone()
		return nil
	})
}

func (s *InMemory) UpdateStatuses(ctx context.Context, tenant id.TenantID, ids []id.MerchantID, change models.StatusChange) error {
	return s.write(ctx, func() error {
		for _, merchantID := range ids {
			m, ok := s.merchants[merchantID]
			if !ok || m.Tenant != tenant {
				return sentinel.ErrNotFound
			}
		}
		for _, merchantID := range ids {
			m := s.merchants[merchantID].Clone()
			applyChange(m, change)
			s.merchants[merchantID] = m
		}
		return nil
	})
}

// ListByStatus returns merchants in status across tenants, ordered so that
// merchants sharing an allocation key are adjacent.
func (s *InMemory) ListByStatus(_ context.Context, status models.Status, limit int) ([]*models.Merchant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Merchant
	for _, m := range s.merchants {
		if m.Status == status {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Tenant != b.Tenant {
			return a.Tenant < b.Tenant
		}
		if a.AllocationKey != b.AllocationKey {
			return a.AllocationKey < b.AllocationKey
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count reports how many merchants are stored.
func (s *InMemory) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.merchants)
}

func (s *InMemory) write(ctx context.Context, fn func() error) error {
	if !inTx(ctx) {
		s.txMu.Lock()
		defer s.txMu.Unlock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

func (s *InMemory) snapshot() map[id.MerchantID]*models.Merchant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[id.MerchantID]*models.Merchant, len(s.merchants))
	for k, m := range s.merchants {
		cp[k] = m.Clone()
	}
	return cp
}

func inTx(ctx context.Context) bool {
	v, _ := ctx.Value(inTxKey{}).(bool)
	return v
}

func applyChange(m *models.Merchant, change models.StatusChange) {
	m.Status = change.Status
	m.StatusReason = change.Reason
	m.ApprovedBy = change.ApprovedBy
	m.AllocationKey = change.AllocationKey
	m.UpdatedAt = change.UpdatedAt
}
