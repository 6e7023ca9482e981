package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"onboarding/internal/merchant/models"
	id "onboarding/pkg/domain"
	dErrors "onboarding/pkg/domain-errors"
	"onboarding/pkg/platform/audit"
	"onboarding/pkg/platform/collections"
	"onboarding/pkg/requestcontext"
)

func (s *Service) BulkApprove(ctx context.Context, ids []int64) ([]*models.Merchant, error) {
	merchants, err := s.bulk(ctx, ids, models.TransitionRequest{Action: models.ActionApprove})
	if err != nil {
		return nil, err
	}
	completed, _ := s.requestAllocation(ctx, merchants[0].Tenant, merchants)
	byID := make(map[id.MerchantID]*models.Merchant, len(completed))
	for _, m := range completed {
		byID[m.ID] = m
	}
	for i, m := range merchants {
		if done, ok := byID[m.ID]; ok {
			merchants[i] = done
		}
	}
	return merchants, nil
}

func (s *Service) BulkReject(ctx context.Context, ids []int64, reason string) ([]*models.Merchant, error) {
	return s.bulk(ctx, ids, models.TransitionRequest{Action: models.ActionReject, Reason: reason})
}

func (s *Service) BulkRevert(ctx context.Context, ids []int64, reason string) ([]*models.Merchant, error) {
	return s.bulk(ctx, ids, models.TransitionRequest{Action: models.ActionRevert, Reason: reason})
}

// bulk validates every id against the single-record rules with the rows
// locked, then applies one status update to all of them. The first failing
// id, in input order, aborts the whole batch.
func (s *Service) bulk(ctx context.Context, rawIDs []int64, req models.TransitionRequest) ([]*models.Merchant, error) {
	start := time.Now()
	actor, tenant, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	deduped := collections.Dedupe(rawIDs)
	if len(deduped) == 0 {
		return nil, dErrors.New(dErrors.CodeBadRequest, "ids must not be empty")
	}
	ids := make([]id.MerchantID, len(deduped))
	for i, v := range deduped {
		ids[i] = id.MerchantID(v)
	}
	if s.metrics != nil {
		s.metrics.ObserveBulk(string(req.Action), len(ids))
	}

	var (
		befores = make(map[id.MerchantID]map[string]any, len(ids))
		updated = make([]*models.Merchant, 0, len(ids))
	)
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		found, err := s.store.FindManyForUpdate(ctx, tenant, ids)
		if err != nil {
			return translateStoreError(err, ids[0])
		}
		byID := make(map[id.MerchantID]*models.Merchant, len(found))
		for _, m := range found {
			byID[m.ID] = m
		}

		now := requestcontext.Now(ctx)
		change := models.StatusChange{UpdatedAt: now}
		if req.Action == models.ActionApprove {
			change.AllocationKey = models.AllocationKey(deduped, now)
		}
		for _, merchantID := range ids {
			m, ok := byID[merchantID]
			if !ok {
				return dErrors.New(dErrors.CodeNotFound, fmt.Sprintf("merchant %d: not found", merchantID))
			}
			before := m.AuditView()
			current := m.Status
			if err := m.Apply(actor, req, now); err != nil {
				return dErrors.Wrap(err, dErrors.CodeOf(err),
					fmt.Sprintf("merchant %d: %s (status %s)", merchantID, dErrors.Message(err), current))
			}
			m.AllocationKey = change.AllocationKey
			befores[merchantID] = before
			change.Status, change.Reason, change.ApprovedBy = m.Status, m.StatusReason, m.ApprovedBy
			updated = append(updated, m)
		}
		if err := s.store.UpdateStatuses(ctx, tenant, ids, change); err != nil {
			return translateStoreError(err, ids[0])
		}
		return nil
	})

	action := bulkAuditAction(req.Action)
	outcome := "ok"
	if err != nil {
		outcome = string(dErrors.CodeOf(err))
		s.record(ctx, audit.Entry{
			Action:     action,
			TargetType: auditTargetBatch,
			TargetID:   strings.Join(idStrings(ids), ","),
			Outcome:    audit.OutcomeFailure,
			Reason:     outcome,
		})
		s.logger.InfoContext(ctx, "bulk transition rejected",
			"action", req.Action,
			"count", len(ids),
			"code", outcome,
			"request_id", requestcontext.RequestID(ctx),
		)
	} else {
		for _, m := range updated {
			s.record(ctx, audit.Entry{
				Action:     action,
				TargetType: auditTargetMerchant,
				TargetID:   m.ID.String(),
				Before:     befores[m.ID],
				After:      m.AuditView(),
			})
		}
		s.logger.InfoContext(ctx, "bulk transition applied",
			"action", req.Action,
			"count", len(updated),
			"request_id", requestcontext.RequestID(ctx),
		)
	}
	if s.metrics != nil {
		s.metrics.ObserveTransition("bulk_"+string(req.Action), outcome, start)
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func bulkAuditAction(a models.Action) audit.Action {
	switch a {
	case models.ActionApprove:
		return audit.ActionMerchantBulkApproved
	case models.ActionReject:
		return audit.ActionMerchantBulkRejected
	default:
		return audit.ActionMerchantBulkReverted
	}
}
