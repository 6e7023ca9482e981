package service

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"onboarding/internal/alias/idempotency"
	"onboarding/internal/alias/metrics"
	"onboarding/internal/alias/models"
	"onboarding/internal/alias/store"
	endpointmodels "onboarding/internal/endpoint/models"
	id "onboarding/pkg/domain"
	dErrors "onboarding/pkg/domain-errors"
	"onboarding/pkg/platform/audit"
	"onboarding/pkg/platform/sentinel"
	"onboarding/pkg/requestcontext"
)

// Store is the alias persistence port.
type Store interface {
	RunAllocation(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error
	FindByValue(ctx context.Context, v models.Value) (*models.Record, error)
}

// Credentials resolves endpoint API keys.
type Credentials interface {
	Authenticate(ctx context.Context, apiKey string) (*endpointmodels.Credential, error)
}

// ReplyCache remembers replies by scoped idempotency key.
type ReplyCache interface {
	Get(ctx context.Context, key string) (*models.AllocationResult, bool, error)
	Put(ctx context.Context, key string, result *models.AllocationResult) error
}

// AuditRecorder records allocation attempts.
type AuditRecorder interface {
	Record(ctx context.Context, e audit.Entry)
}

// DefaultMaxAttempts bounds retries after a unique constraint conflict.
const DefaultMaxAttempts = 3

// Service is the Alias Allocator.
type Service struct {
	store       Store
	credentials Credentials
	cache       ReplyCache
	audit       AuditRecorder
	metrics     *metrics.Metrics
	logger      *slog.Logger
	digits      int
	maxAttempts int
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

func WithReplyCache(c ReplyCache) Option {
	return func(s *Service) {
		s.cache = c
	}
}

// WithDigits sets the alias width.
func WithDigits(digits int) Option {
	return func(s *Service) {
		if digits > 0 {
			s.digits = digits
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func New(store Store, credentials Credentials, opts ...Option) *Service {
	s := &Service{
		store:       store,
		credentials: credentials,
		logger:      slog.Default(),
		digits:      models.DefaultDigits,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Digits reports the configured alias width.
func (s *Service) Digits() int {
	return s.digits
}

// Authenticate resolves an API key to a caller. Failure is audited and
// always reported as unauthorized.
func (s *Service) Authenticate(ctx context.Context, apiKey string) (models.Caller, error) {
	cred, err := s.credentials.Authenticate(ctx, apiKey)
	if err != nil {
		s.logger.WarnContext(ctx, "allocation request with invalid credential",
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		s.record(ctx, audit.Entry{
			Action:     audit.ActionUnauthorizedAccess,
			TargetType: "alias_allocation",
			Actor:      "endpoint:unknown",
			Outcome:    audit.OutcomeFailure,
			Reason:     string(dErrors.CodeUnauthorized),
		})
		if s.metrics != nil {
			s.metrics.ObserveBatch(string(dErrors.CodeUnauthorized), 0)
		}
		return models.Caller{}, dErrors.New(dErrors.CodeUnauthorized, "invalid api key")
	}
	return models.Caller{CredentialID: cred.ID, DFSPID: cred.DFSPID}, nil
}

// Allocate assigns aliases to every entry of req, all or nothing. A request
// carrying an idempotency key that was already served returns the original
// assignments.
func (s *Service) Allocate(ctx context.Context, caller models.Caller, req *models.AllocationRequest) (*models.AllocationResult, error) {
	ctx, span := otel.Tracer("onboarding/alias").Start(ctx, "alias.Allocate")
	defer span.End()

	result, err := s.allocate(ctx, caller, req)

	outcome := audit.OutcomeSuccess
	reason := ""
	code := "ok"
	allocated := 0
	if err != nil {
		outcome, reason, code = audit.OutcomeFailure, string(dErrors.CodeOf(err)), string(dErrors.CodeOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
	} else if !result.Replayed {
		allocated = len(result.Assignments)
	}
	span.SetAttributes(
		attribute.Int("alias.batch_size", len(req.Entries)),
		attribute.String("alias.outcome", code),
	)
	if s.metrics != nil {
		if result != nil && result.Replayed {
			s.metrics.IncReplay()
		}
		s.metrics.ObserveBatch(code, allocated)
	}

	after := map[string]any{"entries": len(req.Entries)}
	if result != nil && len(result.Assignments) > 0 {
		after["first_alias"] = result.Assignments[0].Alias
		after["last_alias"] = result.Assignments[len(result.Assignments)-1].Alias
		after["replayed"] = result.Replayed
	}
	s.record(ctx, audit.Entry{
		Action:     audit.ActionAliasAllocated,
		TargetType: "alias_allocation",
		TargetID:   req.IdempotencyKey,
		After:      after,
		Outcome:    outcome,
		Reason:     reason,
		Actor:      "endpoint:" + caller.CredentialID.String(),
		Tenant:     string(caller.DFSPID),
	})
	return result, err
}

func (s *Service) allocate(ctx context.Context, caller models.Caller, req *models.AllocationRequest) (*models.AllocationResult, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var requestKey string
	if req.IdempotencyKey != "" {
		requestKey = idempotency.Key(caller.DFSPID, req.IdempotencyKey)
		if cached := s.cached(ctx, requestKey); cached != nil {
			return cached, nil
		}
	}

	supplied, suppliedMax, err := s.suppliedAliases(req.Entries)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var result *models.AllocationResult
	for attempt := 1; ; attempt++ {
		result, err = s.runAllocation(ctx, caller, req, requestKey, supplied, suppliedMax)
		if err == nil || !errors.Is(err, sentinel.ErrConflict) || attempt >= s.maxAttempts {
			break
		}
		if s.metrics != nil {
			s.metrics.IncConflict()
		}
		s.logger.WarnContext(ctx, "alias conflict, retrying allocation",
			"attempt", attempt,
			"request_id", requestcontext.RequestID(ctx),
		)
	}
	if s.metrics != nil {
		s.metrics.ObserveAllocation(start)
	}
	if err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeConflict, "alias conflict persisted after retries")
		}
		var coded *dErrors.Error
		if errors.As(err, &coded) {
			return nil, err
		}
		return nil, dErrors.Wrap(err, dErrors.CodeAllocationFailure, "alias allocation failed")
	}

	if requestKey != "" && s.cache != nil {
		if err := s.cache.Put(ctx, requestKey, result); err != nil {
			s.logger.WarnContext(ctx, "failed to cache allocation reply",
				"error", err,
				"request_id", requestcontext.RequestID(ctx),
			)
		}
	}

	s.logger.InfoContext(ctx, "aliases allocated",
		"dfsp_id", caller.DFSPID,
		"count", len(result.Assignments),
		"replayed", result.Replayed,
		"request_id", requestcontext.RequestID(ctx),
	)
	return result, nil
}

func (s *Service) cached(ctx context.Context, requestKey string) *models.AllocationResult {
	if s.cache == nil {
		return nil
	}
	result, ok, err := s.cache.Get(ctx, requestKey)
	if err != nil {
		s.logger.WarnContext(ctx, "reply cache unavailable, falling back to store",
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		return nil
	}
	if !ok {
		return nil
	}
	result.Replayed = true
	return result
}

// suppliedAliases validates caller-supplied aliases: exact width and unique
// within the batch. It returns them with the highest numeric value.
func (s *Service) suppliedAliases(entries []models.Entry) ([]models.Value, uint64, error) {
	var (
		out  []models.Value
		high uint64
		seen = make(map[string]int)
	)
	for i, e := range entries {
		if e.Alias == "" {
			continue
		}
		n, err := models.Parse(e.Alias, s.digits)
		if err != nil {
			return nil, 0, dErrors.Wrap(err, dErrors.CodeValidation, fmt.Sprintf("entries[%d]: %s", i, dErrors.Message(err)))
		}
		if j, dup := seen[e.Alias]; dup {
			return nil, 0, dErrors.New(dErrors.CodeConflict, fmt.Sprintf("entries[%d]: alias %s duplicates entries[%d]", i, e.Alias, j))
		}
		seen[e.Alias] = i
		out = append(out, models.Value(e.Alias))
		high = max(high, n)
	}
	return out, high, nil
}

func (s *Service) runAllocation(ctx context.Context, caller models.Caller, req *models.AllocationRequest, requestKey string, supplied []models.Value, suppliedMax uint64) (*models.AllocationResult, error) {
	var result *models.AllocationResult
	err := s.store.RunAllocation(ctx, func(ctx context.Context, tx store.Tx) error {
		if requestKey != "" {
			prior, err := tx.FindByRequest(ctx, requestKey)
			if err != nil {
				return err
			}
			if len(prior) > 0 {
				result = models.ResultFromRecords(prior)
				result.Replayed = true
				return nil
			}
		}

		taken, err := tx.Existing(ctx, supplied)
		if err != nil {
			return err
		}
		if len(taken) > 0 {
			return dErrors.New(dErrors.CodeConflict, fmt.Sprintf("alias %s is already assigned", taken[0]))
		}

		headValue, err := tx.MaxValue(ctx)
		if err != nil {
			return err
		}
		var head uint64
		if headValue != "" {
			head, err = models.Parse(string(headValue), s.digits)
			if err != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "stored alias head does not match configured width")
			}
		}
		next := max(head, suppliedMax)

		now := requestcontext.Now(ctx)
		records := make([]*models.Record, len(req.Entries))
		for i, e := range req.Entries {
			value := models.Value(e.Alias)
			if value == "" {
				next++
				if value, err = models.Format(next, s.digits); err != nil {
					return err
				}
			}
			fsp := caller.DFSPID
			if e.FSPID != "" {
				fsp = id.TenantID(e.FSPID)
			}
			records[i] = &models.Record{
				Value:         value,
				FSPID:         fsp,
				Currency:      e.Currency,
				MerchantID:    e.MerchantID,
				OwnerEndpoint: caller.CredentialID,
				RequestKey:    requestKey,
				Position:      i,
				CreatedAt:     now,
			}
		}
		if err := tx.Insert(ctx, records); err != nil {
			return err
		}
		result = models.ResultFromRecords(records)
		return nil
	})
	return result, err
}

// Lookup resolves an alias for payment routing. Unknown and malformed
// aliases yield an empty party list.
func (s *Service) Lookup(ctx context.Context, partyType, value string) (*models.PartyList, error) {
	out := &models.PartyList{PartyList: []models.Party{}}
	if _, err := models.Parse(value, s.digits); err != nil {
		s.observeLookup(false)
		return out, nil
	}
	rec, err := s.store.FindByValue(ctx, models.Value(value))
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			s.observeLookup(false)
			return out, nil
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to look up alias")
	}
	s.logger.DebugContext(ctx, "participant lookup",
		"type", partyType,
		"alias", value,
		"request_id", requestcontext.RequestID(ctx),
	)
	s.observeLookup(true)
	out.PartyList = append(out.PartyList, models.Party{FSPID: string(rec.FSPID), Currency: rec.Currency})
	return out, nil
}

func (s *Service) observeLookup(hit bool) {
	if s.metrics != nil {
		s.metrics.IncLookup(hit)
	}
}

func (s *Service) record(ctx context.Context, e audit.Entry) {
	if s.audit != nil {
		s.audit.Record(ctx, e)
	}
}
