// Package domain holds the typed identifiers shared across bounded contexts.
// Parsing happens once at trust boundaries (HTTP, queue); everything inside
// the service layer works with already validated values.
package domain

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"

	dErrors "onboarding/pkg/domain-errors"
)

const maxIdentityLength = 128

// MerchantID identifies a merchant registration. Assigned by the store.
type MerchantID int64

// ActorID is the identity of a human or system caller (maker, checker).
type ActorID string

// TenantID is the DFSP a merchant, credential or alias belongs to.
type TenantID string

// CredentialID identifies an endpoint credential (the key id part of an API key).
type CredentialID uuid.UUID

// SystemActor performs transitions that no human initiates.
const SystemActor ActorID = "system:alias-allocator"

func (m MerchantID) String() string { return strconv.FormatInt(int64(m), 10) }
func (a ActorID) String() string    { return string(a) }
func (t TenantID) String() string   { return string(t) }

func (c CredentialID) String() string { return uuid.UUID(c).String() }
func (c CredentialID) IsNil() bool    { return uuid.UUID(c) == uuid.Nil }

// ParseMerchantID parses a positive decimal merchant id.
func ParseMerchantID(s string) (MerchantID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, dErrors.New(dErrors.CodeInvalidInput, "merchant id is required")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, dErrors.New(dErrors.CodeInvalidInput, "merchant id must be a positive integer")
	}
	return MerchantID(n), nil
}

// ParseActorID validates an actor identity.
func ParseActorID(s string) (ActorID, error) {
	v, err := parseIdentity(s, "actor")
	return ActorID(v), err
}

// ParseTenantID validates a DFSP identifier.
func ParseTenantID(s string) (TenantID, error) {
	v, err := parseIdentity(s, "tenant")
	return TenantID(v), err
}

// ParseCredentialID parses a non-nil UUID credential id.
func ParseCredentialID(s string) (CredentialID, error) {
	u, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil || u == uuid.Nil {
		return CredentialID{}, dErrors.New(dErrors.CodeInvalidInput, "invalid credential id")
	}
	return CredentialID(u), nil
}

func parseIdentity(s, kind string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, kind+" id is required")
	}
	if len(s) > maxIdentityLength {
		return "", dErrors.New(dErrors.CodeInvalidInput, kind+" id is too long")
	}
	for _, r := range s {
		if unicode.IsControl(r) || unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return "", dErrors.New(dErrors.CodeInvalidInput, kind+" id contains invalid characters")
		}
	}
	return s, nil
}
