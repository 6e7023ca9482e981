package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"onboarding/internal/merchant/models"
	id "onboarding/pkg/domain"
	dErrors "onboarding/pkg/domain-errors"
	"onboarding/pkg/platform/audit"
	"onboarding/pkg/platform/httputil"
	"onboarding/pkg/platform/middleware/request"
)

// Service is the merchant surface exposed over HTTP.
type Service interface {
	CreateDraft(ctx context.Context, req *models.CreateMerchantRequest) (*models.Merchant, error)
	Get(ctx context.Context, merchantID id.MerchantID) (*models.Merchant, error)
	AuditTrail(ctx context.Context, merchantID id.MerchantID) ([]audit.Record, error)
	UpdateDraft(ctx context.Context, merchantID id.MerchantID, req *models.UpdateMerchantRequest) (*models.Merchant, error)
	AddLocation(ctx context.Context, merchantID id.MerchantID, req *models.AddLocationRequest) (*models.Merchant, error)
	AddCheckoutCounter(ctx context.Context, merchantID id.MerchantID, req *models.AddCheckoutCounterRequest) (*models.Merchant, error)
	AddOwner(ctx context.Context, merchantID id.MerchantID, req *models.AddOwnerRequest) (*models.Merchant, error)
	AddContact(ctx context.Context, merchantID id.MerchantID, req *models.AddContactRequest) (*models.Merchant, error)
	SetLicense(ctx context.Context, merchantID id.MerchantID, req *models.SetLicenseRequest) (*models.Merchant, error)
	ReadyToReview(ctx context.Context, merchantID id.MerchantID) (*models.Merchant, error)
	Approve(ctx context.Context, merchantID id.MerchantID) (*models.Merchant, error)
	Reject(ctx context.Context, merchantID id.MerchantID, reason string) (*models.Merchant, error)
	Revert(ctx context.Context, merchantID id.MerchantID, reason string) (*models.Merchant, error)
	BulkApprove(ctx context.Context, ids []int64) ([]*models.Merchant, error)
	BulkReject(ctx context.Context, ids []int64, reason string) ([]*models.Merchant, error)
	BulkRevert(ctx context.Context, ids []int64, reason string) ([]*models.Merchant, error)
}

// Handler serves the maker/checker merchant API. Authentication happens in
// middleware; every handler expects a principal in the request context.
type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the merchant and audit routes.
func (h *Handler) Register(r chi.Router) {
	r.Route("/merchants", func(r chi.Router) {
		r.Post("/", h.handleCreate)
		r.Put("/bulk-approve", h.handleBulk(func(ctx context.Context, ids []int64, _ string) ([]*models.Merchant, error) {
			return h.service.BulkApprove(ctx, ids)
		}))
		r.Put("/bulk-reject", h.handleBulk(h.service.BulkReject))
		r.Put("/bulk-revert", h.handleBulk(h.service.BulkRevert))

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.handleGet)
			r.Put("/", edit(h, h.service.UpdateDraft))
			r.Post("/locations", edit(h, h.service.AddLocation))
			r.Post("/checkout-counters", edit(h, h.service.AddCheckoutCounter))
			r.Post("/owners", edit(h, h.service.AddOwner))
			r.Post("/contacts", edit(h, h.service.AddContact))
			r.Put("/license", edit(h, h.service.SetLicense))
			r.Put("/ready-to-review", h.handleTransition(h.service.ReadyToReview))
			r.Put("/approve", h.handleTransition(h.service.Approve))
			r.Put("/reject", h.handleReasonTransition(h.service.Reject))
			r.Put("/revert", h.handleReasonTransition(h.service.Revert))
		})
	})
	r.Get("/audits", h.handleAudits)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[models.CreateMerchantRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	m, err := h.service.CreateDraft(ctx, req)
	if err != nil {
		h.fail(ctx, w, "create merchant failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toMerchantResponse(m))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	merchantID, err := id.ParseMerchantID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	m, err := h.service.Get(ctx, merchantID)
	if err != nil {
		h.fail(ctx, w, "get merchant failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toMerchantResponse(m))
}

// edit builds a handler that decodes a sub-record request and applies it to
// the merchant named in the path.
func edit[T any, PT interface {
	*T
	httputil.Validatable
}](h *Handler, apply func(context.Context, id.MerchantID, *T) (*models.Merchant, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := request.GetRequestID(ctx)

		merchantID, err := id.ParseMerchantID(chi.URLParam(r, "id"))
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		req, ok := httputil.DecodeAndPrepare[T, PT](w, r, h.logger, ctx, requestID)
		if !ok {
			return
		}
		m, err := apply(ctx, merchantID, req)
		if err != nil {
			h.fail(ctx, w, "merchant edit failed", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, toMerchantResponse(m))
	}
}

func (h *Handler) handleTransition(apply func(context.Context, id.MerchantID) (*models.Merchant, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		merchantID, err := id.ParseMerchantID(chi.URLParam(r, "id"))
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		m, err := apply(ctx, merchantID)
		if err != nil {
			h.fail(ctx, w, "merchant transition failed", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, toMerchantResponse(m))
	}
}

func (h *Handler) handleReasonTransition(apply func(context.Context, id.MerchantID, string) (*models.Merchant, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := request.GetRequestID(ctx)

		merchantID, err := id.ParseMerchantID(chi.URLParam(r, "id"))
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		req, ok := httputil.DecodeAndPrepare[models.ReasonRequest](w, r, h.logger, ctx, requestID)
		if !ok {
			return
		}
		m, err := apply(ctx, merchantID, req.Reason)
		if err != nil {
			h.fail(ctx, w, "merchant transition failed", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, toMerchantResponse(m))
	}
}

// handleBulk serves the bulk routes. Approve ignores the reason.
func (h *Handler) handleBulk(apply func(context.Context, []int64, string) ([]*models.Merchant, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := request.GetRequestID(ctx)

		req, ok := httputil.DecodeAndPrepare[models.BulkRequest](w, r, h.logger, ctx, requestID)
		if !ok {
			return
		}
		merchants, err := apply(ctx, req.IDs, req.Reason)
		if err != nil {
			h.fail(ctx, w, "bulk transition failed", err)
			return
		}
		out := make([]merchantResponse, len(merchants))
		for i, m := range merchants {
			out[i] = toMerchantResponse(m)
		}
		httputil.WriteJSON(w, http.StatusOK, bulkResponse{Merchants: out})
	}
}

func (h *Handler) handleAudits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	merchantID, err := id.ParseMerchantID(r.URL.Query().Get("target_id"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "target_id must be a merchant id"))
		return
	}
	records, err := h.service.AuditTrail(ctx, merchantID)
	if err != nil {
		h.fail(ctx, w, "audit trail failed", err)
		return
	}
	out := make([]auditResponse, len(records))
	for i, rec := range records {
		out[i] = toAuditResponse(rec)
	}
	httputil.WriteJSON(w, http.StatusOK, auditListResponse{Records: out})
}

// fail logs at a level matching the error class and writes the envelope.
func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	attrs := []any{
		"request_id", request.GetRequestID(ctx),
		"code", dErrors.CodeOf(err),
		"error", err,
	}
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, msg, attrs...)
	} else {
		h.logger.InfoContext(ctx, msg, attrs...)
	}
	httputil.WriteError(w, err)
}
