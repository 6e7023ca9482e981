package handler

import (
	"strings"

	"onboarding/internal/alias/models"
	dErrors "onboarding/pkg/domain-errors"
)

// allocateRequest is the POST /participants body. The API key and
// idempotency key travel as headers over HTTP.
type allocateRequest struct {
	Entries []allocateEntry `json:"entries"`
}

// allocateEntry uses the oracle API's camelCase fspId. The queue payload
// keeps the snake_case fsp_id of models.Entry.
type allocateEntry struct {
	MerchantID int64  `json:"merchant_id"`
	FSPID      string `json:"fspId"`
	Currency   string `json:"currency"`
	Alias      string `json:"alias,omitempty"`
}

func (r *allocateRequest) Validate() error {
	if len(r.Entries) == 0 {
		return dErrors.New(dErrors.CodeBadRequest, "entries must not be empty")
	}
	return nil
}

func (r *allocateRequest) toModel(idempotencyKey string) *models.AllocationRequest {
	entries := make([]models.Entry, len(r.Entries))
	for i, e := range r.Entries {
		entries[i] = models.Entry{
			MerchantID: e.MerchantID,
			FSPID:      e.FSPID,
			Currency:   e.Currency,
			Alias:      e.Alias,
		}
	}
	return &models.AllocationRequest{
		IdempotencyKey: strings.TrimSpace(idempotencyKey),
		Entries:        entries,
	}
}
