package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"onboarding/internal/endpoint/models"
	"onboarding/internal/endpoint/secrets"
	id "onboarding/pkg/domain"
	dErrors "onboarding/pkg/domain-errors"
	"onboarding/pkg/platform/audit"
	"onboarding/pkg/platform/sentinel"
	"onboarding/pkg/requestcontext"
)

// Store persists endpoint credentials.
type Store interface {
	Create(ctx context.Context, c *models.Credential) error
	FindByID(ctx context.Context, credID id.CredentialID) (*models.Credential, error)
	CountByDFSP(ctx context.Context, dfsp id.TenantID) (int, error)
}

// AuditRecorder records security-relevant credential events.
type AuditRecorder interface {
	Record(ctx context.Context, e audit.Entry)
}

// Service issues and verifies DFSP endpoint credentials.
type Service struct {
	store      Store
	logger     *slog.Logger
	audit      AuditRecorder
	bcryptCost int
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithAuditRecorder(r AuditRecorder) Option {
	return func(s *Service) {
		s.audit = r
	}
}

// WithBcryptCost lowers hashing cost, for tests.
func WithBcryptCost(cost int) Option {
	return func(s *Service) {
		s.bcryptCost = cost
	}
}

func New(store Store, opts ...Option) *Service {
	s := &Service{store: store, logger: slog.Default(), bcryptCost: secrets.DefaultCost}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register issues a new credential for a DFSP. The returned API key is the
// only time the secret is visible.
func (s *Service) Register(ctx context.Context, req *models.RegisterRequest) (*models.Registration, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	secret, err := secrets.Generate()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate secret")
	}
	hash, err := secrets.Hash(secret, s.bcryptCost)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to hash secret")
	}

	cred, err := models.NewCredential(id.CredentialID(uuid.New()), id.TenantID(req.DFSPID), req.DisplayName, hash, requestcontext.Now(ctx))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to build credential")
	}
	if err := s.store.Create(ctx, cred); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeConflict, "credential already exists")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to store credential")
	}

	// The credential is already stored, so a failed count only leaves the
	// total out of the reply.
	total, err := s.Count(ctx, cred.DFSPID)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to count dfsp credentials",
			"dfsp_id", cred.DFSPID,
			"error", err,
		)
	}

	s.logger.InfoContext(ctx, "endpoint credential registered",
		"log_type", "audit",
		"dfsp_id", cred.DFSPID,
		"credential_id", cred.ID.String(),
		"credentials", total,
		"request_id", requestcontext.RequestID(ctx),
	)
	if s.audit != nil {
		after := map[string]any{"dfsp_id": string(cred.DFSPID), "display_name": cred.DisplayName}
		if err == nil {
			after["credentials"] = total
		}
		s.audit.Record(ctx, audit.Entry{
			Action:     audit.ActionEndpointRegistered,
			TargetType: "endpoint_credential",
			TargetID:   cred.ID.String(),
			After:      after,
			Actor:      "system:registry",
			Tenant:     string(cred.DFSPID),
		})
	}

	return &models.Registration{
		CredentialID: cred.ID.String(),
		DFSPID:       string(cred.DFSPID),
		APIKey:       models.FormatAPIKey(cred.ID, secret),
		Credentials:  total,
	}, nil
}

// Authenticate resolves an API key to its credential. Every failure is
// reported as unauthorized so callers learn nothing about which part was wrong.
func (s *Service) Authenticate(ctx context.Context, apiKey string) (*models.Credential, error) {
	credID, secret, err := models.ParseAPIKey(apiKey)
	if err != nil {
		return nil, err
	}
	cred, err := s.store.FindByID(ctx, credID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid api key")
		}
		// Fail closed: a registry outage denies access.
		s.logger.ErrorContext(ctx, "credential lookup failed",
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		return nil, dErrors.Wrap(err, dErrors.CodeUnauthorized, "credential registry unavailable")
	}
	if err := secrets.Verify(secret, cred.SecretHash); err != nil {
		if dErrors.HasCode(err, dErrors.CodeUnauthorized) {
			return nil, err
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnauthorized, "invalid api key")
	}
	return cred, nil
}

// Count reports how many credentials a DFSP holds, including rotated ones.
func (s *Service) Count(ctx context.Context, dfsp id.TenantID) (int, error) {
	n, err := s.store.CountByDFSP(ctx, dfsp)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to count credentials")
	}
	return n, nil
}
