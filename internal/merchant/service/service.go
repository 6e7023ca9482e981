package service

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"onboarding/internal/merchant/metrics"
	"onboarding/internal/merchant/models"
	id "onboarding/pkg/domain"
	dErrors "onboarding/pkg/domain-errors"
	"onboarding/pkg/platform/audit"
	"onboarding/pkg/platform/sentinel"
	"onboarding/pkg/requestcontext"
)

// Store persists merchant aggregates. Every read is scoped to a tenant; a
// merchant of another tenant is reported as sentinel.ErrNotFound.
type Store interface {
	Create(ctx context.Context, m *models.Merchant) error
	FindByID(ctx context.Context, tenant id.TenantID, merchantID id.MerchantID) (*models.Merchant, error)
	// FindByIDForUpdate locks the row until the surrounding transaction ends.
	FindByIDForUpdate(ctx context.Context, tenant id.TenantID, merchantID id.MerchantID) (*models.Merchant, error)
	// FindManyForUpdate locks and returns the merchants that exist; missing
	// ids are simply absent from the result.
	FindManyForUpdate(ctx context.Context, tenant id.TenantID, ids []id.MerchantID) ([]*models.Merchant, error)
	Update(ctx context.Context, m *models.Merchant) error
	UpdateStatuses(ctx context.Context, tenant id.TenantID, ids []id.MerchantID, change models.StatusChange) error
	ListByStatus(ctx context.Context, status models.Status, limit int) ([]*models.Merchant, error)
}

// TxRunner runs fn in one transaction.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// AliasAllocator asks the oracle for aliases.
type AliasAllocator interface {
	Allocate(ctx context.Context, batch models.AliasBatch) ([]models.AliasAssignment, error)
}

// AuditRecorder records and lists audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, e audit.Entry)
	List(ctx context.Context, tenant, targetType, targetID string) ([]audit.Record, error)
}

const (
	auditTargetMerchant = "merchant"
	auditTargetBatch    = "merchant_batch"

	defaultRetryBatchLimit = 1000
)

// Service runs the merchant registration state machine.
type Service struct {
	store      Store
	tx         TxRunner
	allocator  AliasAllocator
	audit      AuditRecorder
	metrics    *metrics.Metrics
	logger     *slog.Logger
	retryLimit int
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithAuditRecorder(r AuditRecorder) Option {
	return func(s *Service) {
		s.audit = r
	}
}

// WithAliasAllocator enables alias allocation after approval. Without one,
// approved merchants stay in WaitingAliasGeneration.
func WithAliasAllocator(a AliasAllocator) Option {
	return func(s *Service) {
		s.allocator = a
	}
}

// WithRetryBatchLimit bounds how many waiting merchants one retry sweep
// loads. It never drops below one full bulk batch.
func WithRetryBatchLimit(n int) Option {
	return func(s *Service) {
		s.retryLimit = max(n, models.MaxBulkSize+1)
	}
}

func New(store Store, tx TxRunner, opts ...Option) *Service {
	s := &Service{
		store:      store,
		tx:         tx,
		logger:     slog.Default(),
		retryLimit: defaultRetryBatchLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func principal(ctx context.Context) (id.ActorID, id.TenantID, error) {
	actor := requestcontext.Actor(ctx)
	tenant := requestcontext.Tenant(ctx)
	if actor == "" || tenant == "" {
		return "", "", dErrors.New(dErrors.CodeUnauthorized, "caller identity is required")
	}
	return actor, tenant, nil
}

// CreateDraft creates a merchant in Draft submitted by the caller.
func (s *Service) CreateDraft(ctx context.Context, req *models.CreateMerchantRequest) (*models.Merchant, error) {
	actor, tenant, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	m, err := models.NewDraft(tenant, actor, req.Profile, requestcontext.Now(ctx))
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, m); err != nil {
		s.record(ctx, audit.Entry{
			Action:     audit.ActionMerchantCreated,
			TargetType: auditTargetMerchant,
			Outcome:    audit.OutcomeFailure,
			Reason:     string(dErrors.CodeInternal),
		})
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create merchant")
	}

	s.logger.InfoContext(ctx, "merchant draft created",
		"merchant_id", m.ID,
		"tenant", tenant,
		"request_id", requestcontext.RequestID(ctx),
	)
	s.record(ctx, audit.Entry{
		Action:     audit.ActionMerchantCreated,
		TargetType: auditTargetMerchant,
		TargetID:   m.ID.String(),
		After:      m.AuditView(),
	})
	return m, nil
}

// Get returns a merchant of the caller's tenant.
func (s *Service) Get(ctx context.Context, merchantID id.MerchantID) (*models.Merchant, error) {
	_, tenant, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	m, err := s.store.FindByID(ctx, tenant, merchantID)
	if err != nil {
		return nil, translateStoreError(err, merchantID)
	}
	return m, nil
}

// AuditTrail lists the audit records of a merchant of the caller's tenant.
func (s *Service) AuditTrail(ctx context.Context, merchantID id.MerchantID) ([]audit.Record, error) {
	if _, err := s.Get(ctx, merchantID); err != nil {
		return nil, err
	}
	if s.audit == nil {
		return []audit.Record{}, nil
	}
	records, err := s.audit.List(ctx, string(requestcontext.Tenant(ctx)), auditTargetMerchant, merchantID.String())
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load audit trail")
	}
	return records, nil
}

func (s *Service) UpdateDraft(ctx context.Context, merchantID id.MerchantID, req *models.UpdateMerchantRequest) (*models.Merchant, error) {
	return s.edit(ctx, merchantID, func(m *models.Merchant) error {
		m.Profile = req.Profile
		return nil
	})
}

func (s *Service) AddLocation(ctx context.Context, merchantID id.MerchantID, req *models.AddLocationRequest) (*models.Merchant, error) {
	return s.edit(ctx, merchantID, func(m *models.Merchant) error {
		m.Locations = append(m.Locations, req.MerchantLocation)
		return nil
	})
}

func (s *Service) AddCheckoutCounter(ctx context.Context, merchantID id.MerchantID, req *models.AddCheckoutCounterRequest) (*models.Merchant, error) {
	return s.edit(ctx, merchantID, func(m *models.Merchant) error {
		counter := req.CheckoutCounter
		counter.AliasValue = ""
		m.Counters = append(m.Counters, counter)
		return nil
	})
}

func (s *Service) AddOwner(ctx context.Context, merchantID id.MerchantID, req *models.AddOwnerRequest) (*models.Merchant, error) {
	return s.edit(ctx, merchantID, func(m *models.Merchant) error {
		m.Owners = append(m.Owners, req.BusinessOwner)
		return nil
	})
}

func (s *Service) AddContact(ctx context.Context, merchantID id.MerchantID, req *models.AddContactRequest) (*models.Merchant, error) {
	return s.edit(ctx, merchantID, func(m *models.Merchant) error {
		contact, err := m.ResolveContact(req.Role, req.ContactSource())
		if err != nil {
			return err
		}
		m.Contacts = append(m.Contacts, contact)
		return nil
	})
}

func (s *Service) SetLicense(ctx context.Context, merchantID id.MerchantID, req *models.SetLicenseRequest) (*models.Merchant, error) {
	return s.edit(ctx, merchantID, func(m *models.Merchant) error {
		lic := req.BusinessLicense
		m.License = &lic
		return nil
	})
}

// edit applies mutate to an editable merchant under a row lock.
func (s *Service) edit(ctx context.Context, merchantID id.MerchantID, mutate func(m *models.Merchant) error) (*models.Merchant, error) {
	actor, tenant, err := principal(ctx)
	if err != nil {
		return nil, err
	}

	var (
		before map[string]any
		result *models.Merchant
	)
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		m, err := s.store.FindByIDForUpdate(ctx, tenant, merchantID)
		if err != nil {
			return translateStoreError(err, merchantID)
		}
		before = m.AuditView()
		if err := m.CheckEditable(actor); err != nil {
			return err
		}
		if err := mutate(m); err != nil {
			return err
		}
		m.UpdatedAt = requestcontext.Now(ctx)
		if err := s.store.Update(ctx, m); err != nil {
			return translateStoreError(err, merchantID)
		}
		result = m
		return nil
	})

	entry := audit.Entry{
		Action:     audit.ActionMerchantUpdated,
		TargetType: auditTargetMerchant,
		TargetID:   merchantID.String(),
		Before:     before,
	}
	if err != nil {
		entry.Outcome, entry.Reason = audit.OutcomeFailure, string(dErrors.CodeOf(err))
		s.record(ctx, entry)
		return nil, err
	}
	entry.After = result.AuditView()
	s.record(ctx, entry)
	return result, nil
}

// ReadyToReview sends a Draft or Reverted merchant to Review.
func (s *Service) ReadyToReview(ctx context.Context, merchantID id.MerchantID) (*models.Merchant, error) {
	return s.transition(ctx, merchantID, models.TransitionRequest{Action: models.ActionReadyToReview})
}

// Approve moves a merchant to WaitingAliasGeneration and requests its
// aliases. A failed allocation leaves it waiting for the retry worker.
func (s *Service) Approve(ctx context.Context, merchantID id.MerchantID) (*models.Merchant, error) {
	m, err := s.transition(ctx, merchantID, models.TransitionRequest{Action: models.ActionApprove})
	if err != nil {
		return nil, err
	}
	completed, _ := s.requestAllocation(ctx, m.Tenant, []*models.Merchant{m})
	if len(completed) == 1 {
		return completed[0], nil
	}
	return m, nil
}

func (s *Service) Reject(ctx context.Context, merchantID id.MerchantID, reason string) (*models.Merchant, error) {
	return s.transition(ctx, merchantID, models.TransitionRequest{Action: models.ActionReject, Reason: reason})
}

func (s *Service) Revert(ctx context.Context, merchantID id.MerchantID, reason string) (*models.Merchant, error) {
	return s.transition(ctx, merchantID, models.TransitionRequest{Action: models.ActionRevert, Reason: reason})
}

// transition wraps the read-check-write of one merchant in a transaction so
// a concurrent transition re-reads and fails with InvalidState.
func (s *Service) transition(ctx context.Context, merchantID id.MerchantID, req models.TransitionRequest) (*models.Merchant, error) {
	ctx, span := otel.Tracer("onboarding/merchant").Start(ctx, "merchant."+string(req.Action))
	defer span.End()
	span.SetAttributes(attribute.Int64("merchant.id", int64(merchantID)))
	start := time.Now()

	actor, tenant, err := principal(ctx)
	if err != nil {
		return nil, err
	}

	var (
		before map[string]any
		result *models.Merchant
	)
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		m, err := s.store.FindByIDForUpdate(ctx, tenant, merchantID)
		if err != nil {
			return translateStoreError(err, merchantID)
		}
		before = m.AuditView()
		now := requestcontext.Now(ctx)
		if err := m.Apply(actor, req, now); err != nil {
			return err
		}
		if req.Action == models.ActionApprove {
			m.AllocationKey = models.AllocationKey([]int64{int64(m.ID)}, now)
		}
		if err := s.store.Update(ctx, m); err != nil {
			return translateStoreError(err, merchantID)
		}
		result = m
		return nil
	})

	entry := audit.Entry{
		Action:     transitionAuditAction(req.Action),
		TargetType: auditTargetMerchant,
		TargetID:   merchantID.String(),
		Before:     before,
	}
	outcome := "ok"
	if err != nil {
		outcome = string(dErrors.CodeOf(err))
		entry.Outcome, entry.Reason = audit.OutcomeFailure, outcome
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		s.logger.InfoContext(ctx, "merchant transition rejected",
			"merchant_id", merchantID,
			"action", req.Action,
			"code", outcome,
			"request_id", requestcontext.RequestID(ctx),
		)
	} else {
		entry.After = result.AuditView()
		s.logger.InfoContext(ctx, "merchant transitioned",
			"merchant_id", merchantID,
			"action", req.Action,
			"status", result.Status,
			"request_id", requestcontext.RequestID(ctx),
		)
	}
	s.record(ctx, entry)
	if s.metrics != nil {
		s.metrics.ObserveTransition(string(req.Action), outcome, start)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func transitionAuditAction(a models.Action) audit.Action {
	switch a {
	case models.ActionReadyToReview:
		return audit.ActionMerchantReadyToReview
	case models.ActionApprove:
		return audit.ActionMerchantApproved
	case models.ActionReject:
		return audit.ActionMerchantRejected
	case models.ActionRevert:
		return audit.ActionMerchantReverted
	default:
		return audit.ActionMerchantAliasAssigned
	}
}

// translateStoreError maps store facts to domain errors.
func translateStoreError(err error, merchantID id.MerchantID) error {
	var coded *dErrors.Error
	switch {
	case errors.As(err, &coded):
		return err
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "merchant "+merchantID.String()+" not found")
	case errors.Is(err, sentinel.ErrInvalidState):
		return dErrors.New(dErrors.CodeInvalidState, "merchant "+merchantID.String()+" changed concurrently")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "merchant store failure")
	}
}

func (s *Service) record(ctx context.Context, e audit.Entry) {
	if s.audit != nil {
		s.audit.Record(ctx, e)
	}
}

func idStrings(ids []id.MerchantID) []string {
	out := make([]string, len(ids))
	for i, v := range ids {
		out[i] = strconv.FormatInt(int64(v), 10)
	}
	return out
}
