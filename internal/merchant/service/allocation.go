package service

import (
	"context"
	"sort"
	"strings"

	"onboarding/internal/merchant/models"
	id "onboarding/pkg/domain"
	dErrors "onboarding/pkg/domain-errors"
	"onboarding/pkg/platform/audit"
	"onboarding/pkg/requestcontext"
)

// requestAllocation sends one approval batch to the allocator and, on
// success, completes every merchant of the batch that is still waiting. It
// returns the merchants it moved to Approved. Failures leave the batch in
// WaitingAliasGeneration for the retry worker.
func (s *Service) requestAllocation(ctx context.Context, tenant id.TenantID, merchants []*models.Merchant) ([]*models.Merchant, error) {
	if s.allocator == nil || len(merchants) == 0 {
		return nil, nil
	}
	key := merchants[0].AllocationKey
	if key == "" {
		key = models.AllocationKey(rawIDsOf(merchants), merchants[0].UpdatedAt)
	}
	batch := models.BuildAliasBatch(key, merchants)
	targetID := strings.Join(idStrings(idsOf(merchants)), ",")

	assignments, err := s.allocator.Allocate(ctx, batch)
	if err != nil {
		code := string(dErrors.CodeOf(err))
		if s.metrics != nil {
			s.metrics.IncAllocationRequest(code)
		}
		s.logger.WarnContext(ctx, "alias allocation failed, merchants stay waiting",
			"tenant", tenant,
			"count", len(merchants),
			"idempotency_key", key,
			"code", code,
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		s.record(ctx, audit.Entry{
			Action:     audit.ActionAliasAllocationRequest,
			TargetType: auditTargetBatch,
			TargetID:   targetID,
			Outcome:    audit.OutcomeFailure,
			Reason:     code,
			Actor:      string(id.SystemActor),
			Tenant:     string(tenant),
		})
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.IncAllocationRequest("ok")
	}
	s.record(ctx, audit.Entry{
		Action:     audit.ActionAliasAllocationRequest,
		TargetType: auditTargetBatch,
		TargetID:   targetID,
		After:      map[string]any{"idempotency_key": key, "aliases": len(assignments)},
		Actor:      string(id.SystemActor),
		Tenant:     string(tenant),
	})

	return s.completeAllocation(ctx, tenant, models.GroupAssignments(assignments))
}

// completeAllocation writes the assigned aliases and moves each merchant
// from WaitingAliasGeneration to Approved. Merchants another worker already
// completed are skipped.
func (s *Service) completeAllocation(ctx context.Context, tenant id.TenantID, aliases map[int64][]string) ([]*models.Merchant, error) {
	targets := make([]id.MerchantID, 0, len(aliases))
	for m := range aliases {
		targets = append(targets, id.MerchantID(m))
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })

	var (
		completed []*models.Merchant
		befores   = make(map[id.MerchantID]map[string]any)
	)
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		completed = completed[:0]
		found, err := s.store.FindManyForUpdate(ctx, tenant, targets)
		if err != nil {
			return translateStoreError(err, targets[0])
		}
		now := requestcontext.Now(ctx)
		for _, m := range found {
			if m.Status != models.StatusWaitingAliasGeneration {
				continue
			}
			befores[m.ID] = m.AuditView()
			if err := m.AssignAliases(aliases[int64(m.ID)], now); err != nil {
				return err
			}
			if err := s.store.Update(ctx, m); err != nil {
				return translateStoreError(err, m.ID)
			}
			completed = append(completed, m)
		}
		return nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to record assigned aliases",
			"tenant", tenant,
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		for _, merchantID := range targets {
			s.record(ctx, audit.Entry{
				Action:     audit.ActionMerchantAliasAssigned,
				TargetType: auditTargetMerchant,
				TargetID:   merchantID.String(),
				Outcome:    audit.OutcomeFailure,
				Reason:     string(dErrors.CodeOf(err)),
				Actor:      string(id.SystemActor),
				Tenant:     string(tenant),
			})
		}
		return nil, err
	}

	for _, m := range completed {
		s.record(ctx, audit.Entry{
			Action:     audit.ActionMerchantAliasAssigned,
			TargetType: auditTargetMerchant,
			TargetID:   m.ID.String(),
			Before:     befores[m.ID],
			After:      m.AuditView(),
			Actor:      string(id.SystemActor),
			Tenant:     string(tenant),
		})
		s.logger.InfoContext(ctx, "merchant approved with alias",
			"merchant_id", m.ID,
			"tenant", tenant,
			"request_id", requestcontext.RequestID(ctx),
		)
	}
	return completed, nil
}

// RetryPendingAllocations re-sends every waiting approval batch with its
// original idempotency key and returns how many merchants were approved.
func (s *Service) RetryPendingAllocations(ctx context.Context) (int, error) {
	waiting, err := s.store.ListByStatus(ctx, models.StatusWaitingAliasGeneration, s.retryLimit)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list waiting merchants")
	}
	if s.metrics != nil {
		s.metrics.SetPendingAllocation(len(waiting))
	}
	if len(waiting) == 0 || s.allocator == nil {
		return 0, nil
	}

	type batchKey struct {
		tenant id.TenantID
		key    string
	}
	var (
		order  []batchKey
		groups = make(map[batchKey][]*models.Merchant)
	)
	for _, m := range waiting {
		k := batchKey{tenant: m.Tenant, key: m.AllocationKey}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], m)
	}
	// Rows come grouped by allocation key, so only the last group can be
	// cut short by the limit. Sending it partially would pin a partial reply
	// to its key; leave it for the next sweep.
	if len(waiting) == s.retryLimit && len(order) > 1 {
		order = order[:len(order)-1]
	}

	approved := 0
	var firstErr error
	for _, k := range order {
		if ctx.Err() != nil {
			return approved, ctx.Err()
		}
		done, err := s.requestAllocation(ctx, k.tenant, groups[k])
		if err != nil && firstErr == nil {
			firstErr = err
		}
		approved += len(done)
	}
	return approved, firstErr
}

func idsOf(merchants []*models.Merchant) []id.MerchantID {
	out := make([]id.MerchantID, len(merchants))
	for i, m := range merchants {
		out[i] = m.ID
	}
	return out
}

func rawIDsOf(merchants []*models.Merchant) []int64 {
	out := make([]int64, len(merchants))
	for i, m := range merchants {
		out[i] = int64(m.ID)
	}
	return out
}
