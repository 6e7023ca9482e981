package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	id "onboarding/pkg/domain"
	dErrors "onboarding/pkg/domain-errors"
)

// Value is a fixed-width, zero-padded decimal alias. Because the width is
// fixed, lexicographic order equals numeric order.
type Value string

// DefaultDigits is the alias width when none is configured.
const DefaultDigits = 10

// Format renders n zero-padded to digits. Values that do not fit are an
// allocation failure: the namespace is exhausted.
func Format(n uint64, digits int) (Value, error) {
	s := strconv.FormatUint(n, 10)
	if len(s) > digits {
		return "", dErrors.New(dErrors.CodeAllocationFailure, fmt.Sprintf("alias space of %d digits exhausted", digits))
	}
	return Value(strings.Repeat("0", digits-len(s)) + s), nil
}

// Parse checks that s is exactly digits decimal digits and returns its numeric value.
func Parse(s string, digits int) (uint64, error) {
	if len(s) != digits {
		return 0, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("alias %q must be exactly %d digits", s, digits))
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("alias %q must contain only digits", s))
		}
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("alias %q is out of range", s))
	}
	return n, nil
}

// Record is one allocated alias. Records are created only by the allocator
// and never mutated. RequestKey and Position tie a record to the
// idempotent batch that created it.
type Record struct {
	Value         Value
	FSPID         id.TenantID
	Currency      string
	MerchantID    int64
	OwnerEndpoint id.CredentialID
	RequestKey    string
	Position      int
	CreatedAt     time.Time
}

// Entry is one requested allocation.
type Entry struct {
	MerchantID int64  `json:"merchant_id"`
	FSPID      string `json:"fsp_id"`
	Currency   string `json:"currency"`
	Alias      string `json:"alias,omitempty"`
}

// AllocationRequest is the bulkGenerateAlias payload.
type AllocationRequest struct {
	IdempotencyKey string  `json:"idempotency_key"`
	APIKey         string  `json:"api_key"`
	Entries        []Entry `json:"entries"`

	// RequireIdempotencyKey is set by transports that redeliver.
	RequireIdempotencyKey bool `json:"-"`
	// Malformed carries a decode failure so it is rejected, and audited, by
	// the allocator like any other invalid request.
	Malformed string `json:"-"`
}

// DecodeAllocationRequest decodes a queue payload. When the body does not
// fit the schema it salvages the credential and key so the caller can still
// be authenticated, and marks the request Malformed.
func DecodeAllocationRequest(data []byte) *AllocationRequest {
	var req AllocationRequest
	if err := json.Unmarshal(data, &req); err == nil {
		return &req
	}
	var envelope struct {
		IdempotencyKey any `json:"idempotency_key"`
		APIKey         any `json:"api_key"`
	}
	_ = json.Unmarshal(data, &envelope)
	key, _ := envelope.IdempotencyKey.(string)
	apiKey, _ := envelope.APIKey.(string)
	return &AllocationRequest{IdempotencyKey: key, APIKey: apiKey, Malformed: "invalid bulkGenerateAlias payload"}
}

// MaxBatchSize bounds a single allocation request.
const MaxBatchSize = 1000

func (r *AllocationRequest) Normalize() {
	r.IdempotencyKey = strings.TrimSpace(r.IdempotencyKey)
	for i := range r.Entries {
		e := &r.Entries[i]
		e.FSPID = strings.TrimSpace(e.FSPID)
		e.Currency = strings.ToUpper(strings.TrimSpace(e.Currency))
		e.Alias = strings.TrimSpace(e.Alias)
	}
}

func (r *AllocationRequest) Validate() error {
	if r.Malformed != "" {
		return dErrors.New(dErrors.CodeBadRequest, r.Malformed)
	}
	if r.RequireIdempotencyKey && r.IdempotencyKey == "" {
		return dErrors.New(dErrors.CodeBadRequest, "idempotency_key is required")
	}
	if len(r.Entries) == 0 {
		return dErrors.New(dErrors.CodeBadRequest, "entries must not be empty")
	}
	if len(r.Entries) > MaxBatchSize {
		return dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("at most %d entries per request", MaxBatchSize))
	}
	if len(r.IdempotencyKey) > 200 {
		return dErrors.New(dErrors.CodeBadRequest, "idempotency_key is too long")
	}
	for i, e := range r.Entries {
		if e.MerchantID <= 0 {
			return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("entries[%d]: merchant_id must be positive", i))
		}
		if !isCurrencyCode(e.Currency) {
			return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("entries[%d]: currency must be a 3-letter ISO code", i))
		}
	}
	return nil
}

func isCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// Assignment pairs a merchant with its alias in the reply.
type Assignment struct {
	MerchantID int64  `json:"merchant_id"`
	Alias      string `json:"alias"`
}

// AllocationResult echoes assignments in request order.
type AllocationResult struct {
	Assignments []Assignment `json:"assignments"`
	Replayed    bool         `json:"replayed,omitempty"`
}

// ResultFromRecords rebuilds a result from stored records ordered by Position.
func ResultFromRecords(records []*Record) *AllocationResult {
	out := &AllocationResult{Assignments: make([]Assignment, len(records))}
	for i, r := range records {
		out.Assignments[i] = Assignment{MerchantID: r.MerchantID, Alias: string(r.Value)}
	}
	return out
}

// Party is one routing target in a lookup response.
type Party struct {
	FSPID    string `json:"fspId"`
	Currency string `json:"currency"`
}

// PartyList is the lookup response. An unknown alias yields an empty,
// non-nil list.
type PartyList struct {
	PartyList []Party `json:"partyList"`
}

// Caller is an authenticated endpoint.
type Caller struct {
	CredentialID id.CredentialID
	DFSPID       id.TenantID
}
