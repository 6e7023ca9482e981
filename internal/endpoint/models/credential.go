package models

import (
	"strings"
	"time"

	"github.com/google/uuid"

	id "onboarding/pkg/domain"
	dErrors "onboarding/pkg/domain-errors"
)

const maxDisplayNameLength = 128

// Credential is a DFSP endpoint's right to call the oracle. Only the bcrypt
// hash of its secret is stored; credentials are never mutated.
type Credential struct {
	ID          id.CredentialID
	DFSPID      id.TenantID
	DisplayName string
	SecretHash  string
	CreatedAt   time.Time
}

// NewCredential validates invariants and builds a Credential.
func NewCredential(credID id.CredentialID, dfsp id.TenantID, displayName, secretHash string, now time.Time) (*Credential, error) {
	if credID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "credential id required")
	}
	if dfsp == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "dfsp id required")
	}
	if secretHash == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "secret hash required")
	}
	return &Credential{
		ID:          credID,
		DFSPID:      dfsp,
		DisplayName: displayName,
		SecretHash:  secretHash,
		CreatedAt:   now,
	}, nil
}

// RegisterRequest is the registerEndpointDFSP command payload.
type RegisterRequest struct {
	DFSPID      string `json:"dfsp_id"`
	DisplayName string `json:"display_name"`
}

func (r *RegisterRequest) Normalize() {
	r.DFSPID = strings.TrimSpace(r.DFSPID)
	r.DisplayName = strings.TrimSpace(r.DisplayName)
}

func (r *RegisterRequest) Validate() error {
	if _, err := id.ParseTenantID(r.DFSPID); err != nil {
		return dErrors.New(dErrors.CodeValidation, "dfsp_id is invalid")
	}
	if len(r.DisplayName) > maxDisplayNameLength {
		return dErrors.New(dErrors.CodeValidation, "display_name is too long")
	}
	return nil
}

// Registration is returned once, at creation. APIKey is never retrievable again.
type Registration struct {
	CredentialID string `json:"credential_id"`
	DFSPID       string `json:"dfsp_id"`
	APIKey       string `json:"api_key"`
	// Credentials is how many credentials the DFSP holds after this one.
	Credentials int `json:"credentials,omitempty"`
}

// FormatAPIKey joins the key id and secret into the opaque key callers present.
func FormatAPIKey(credID id.CredentialID, secret string) string {
	return credID.String() + "." + secret
}

// ParseAPIKey splits an API key into its key id and secret.
func ParseAPIKey(apiKey string) (id.CredentialID, string, error) {
	keyID, secret, ok := strings.Cut(strings.TrimSpace(apiKey), ".")
	if !ok || secret == "" {
		return id.CredentialID(uuid.Nil), "", dErrors.New(dErrors.CodeUnauthorized, "malformed api key")
	}
	credID, err := id.ParseCredentialID(keyID)
	if err != nil {
		return id.CredentialID(uuid.Nil), "", dErrors.New(dErrors.CodeUnauthorized, "malformed api key")
	}
	return credID, secret, nil
}
