package consumer

import (
	"context"
	"encoding/json"
	"log/slog"

	"onboarding/internal/alias/models"
	endpointmodels "onboarding/internal/endpoint/models"
	"onboarding/internal/platform/queue"
	dErrors "onboarding/pkg/domain-errors"
)

// Command names carried in the envelope.
const (
	CommandBulkGenerateAlias    = "bulkGenerateAlias"
	CommandRegisterEndpointDFSP = "registerEndpointDFSP"
)

// Allocator authenticates endpoints and allocates aliases.
type Allocator interface {
	Authenticate(ctx context.Context, apiKey string) (models.Caller, error)
	Allocate(ctx context.Context, caller models.Caller, req *models.AllocationRequest) (*models.AllocationResult, error)
}

// Registrar issues endpoint credentials.
type Registrar interface {
	Register(ctx context.Context, req *endpointmodels.RegisterRequest) (*endpointmodels.Registration, error)
}

// New builds a router serving both oracle commands.
func New(broker queue.Broker, logger *slog.Logger, allocator Allocator, registrar Registrar) *Router {
	r := NewRouter(broker, logger)
	r.Register(CommandBulkGenerateAlias, BulkGenerateAlias(allocator))
	r.Register(CommandRegisterEndpointDFSP, RegisterEndpointDFSP(registrar))
	return r
}

// BulkGenerateAlias authenticates the embedded API key and allocates. Queue
// callers must send an idempotency key because the transport redelivers.
// Malformed payloads from an authenticated caller still go through Allocate
// so the rejection is audited.
func BulkGenerateAlias(allocator Allocator) CommandHandlerFunc {
	return func(ctx context.Context, data json.RawMessage) (any, error) {
		req := models.DecodeAllocationRequest(data)
		caller, err := allocator.Authenticate(ctx, req.APIKey)
		if err != nil {
			return nil, err
		}
		req.RequireIdempotencyKey = true
		return allocator.Allocate(ctx, caller, req)
	}
}

// RegisterEndpointDFSP issues a credential. The request topic is an internal
// trust boundary so the command itself is not authenticated.
func RegisterEndpointDFSP(registrar Registrar) CommandHandlerFunc {
	return func(ctx context.Context, data json.RawMessage) (any, error) {
		var req endpointmodels.RegisterRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, dErrors.New(dErrors.CodeBadRequest, "invalid registerEndpointDFSP payload")
		}
		return registrar.Register(ctx, &req)
	}
}
