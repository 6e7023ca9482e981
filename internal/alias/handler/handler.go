package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"onboarding/internal/alias/models"
	"onboarding/pkg/platform/httputil"
	"onboarding/pkg/platform/middleware/request"
)

const (
	HeaderAPIKey         = "X-API-Key"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// Service is the allocator surface the participants API needs.
type Service interface {
	Authenticate(ctx context.Context, apiKey string) (models.Caller, error)
	Allocate(ctx context.Context, caller models.Caller, req *models.AllocationRequest) (*models.AllocationResult, error)
	Lookup(ctx context.Context, partyType, value string) (*models.PartyList, error)
}

// Handler serves the oracle participants API.
type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the participants routes.
func (h *Handler) Register(r chi.Router) {
	r.Get("/participants/{type}/{id}", h.handleLookup)
	r.Post("/participants", h.handleAllocate)
}

// handleLookup never reports absence as an error: unknown aliases yield an
// empty party list.
func (h *Handler) handleLookup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	partyType := chi.URLParam(r, "type")
	value := chi.URLParam(r, "id")

	list, err := h.service.Lookup(ctx, partyType, value)
	if err != nil {
		h.logger.ErrorContext(ctx, "participant lookup failed",
			"request_id", request.GetRequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) handleAllocate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)

	caller, err := h.service.Authenticate(ctx, strings.TrimSpace(r.Header.Get(HeaderAPIKey)))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	req, ok := httputil.DecodeAndPrepare[allocateRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	result, err := h.service.Allocate(ctx, caller, req.toModel(r.Header.Get(HeaderIdempotencyKey)))
	if err != nil {
		h.logger.WarnContext(ctx, "alias allocation failed",
			"request_id", requestID,
			"dfsp_id", caller.DFSPID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	httputil.WriteJSON(w, status, result)
}
