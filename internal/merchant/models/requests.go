package models

import (
	"strings"

	dErrors "onboarding/pkg/domain-errors"
)

// MaxBulkSize bounds the ids in one bulk transition.
const MaxBulkSize = 500

type CreateMerchantRequest struct {
	Profile
}

func (r *CreateMerchantRequest) Validate() error {
	r.Profile.Normalize()
	return r.Profile.Validate()
}

type UpdateMerchantRequest struct {
	Profile
}

func (r *UpdateMerchantRequest) Validate() error {
	r.Profile.Normalize()
	return r.Profile.Validate()
}

type AddLocationRequest struct {
	MerchantLocation
}

func (r *AddLocationRequest) Validate() error {
	r.LocationType = strings.TrimSpace(r.LocationType)
	r.WebsiteURL = strings.TrimSpace(r.WebsiteURL)
	r.Location.Normalize()
	if r.LocationType == "" {
		return dErrors.New(dErrors.CodeValidation, "location_type is required")
	}
	return r.Location.Validate()
}

type AddCheckoutCounterRequest struct {
	CheckoutCounter
}

func (r *AddCheckoutCounterRequest) Validate() error {
	r.Description = strings.TrimSpace(r.Description)
	r.NotificationEmail = strings.TrimSpace(r.NotificationEmail)
	r.Location.Normalize()
	if r.AliasValue != "" {
		return dErrors.New(dErrors.CodeValidation, "alias_value is assigned by the allocator")
	}
	if r.Description == "" {
		return dErrors.New(dErrors.CodeValidation, "description is required")
	}
	return r.Location.Validate()
}

type AddOwnerRequest struct {
	BusinessOwner
}

func (r *AddOwnerRequest) Validate() error {
	r.IdentificationType = strings.TrimSpace(r.IdentificationType)
	r.IdentificationNumber = strings.TrimSpace(r.IdentificationNumber)
	r.Person.Normalize()
	return r.BusinessOwner.Validate()
}

// Contact sources on the wire.
const (
	ContactSourceExplicit = "explicit"
	ContactSourceOwner    = "owner"
)

// AddContactRequest is decoded from JSON and turned into a ContactSource.
type AddContactRequest struct {
	Role       string  `json:"role"`
	Source     string  `json:"source"`
	Person     *Person `json:"person,omitempty"`
	OwnerIndex *int    `json:"owner_index,omitempty"`
}

func (r *AddContactRequest) Validate() error {
	r.Role = strings.TrimSpace(r.Role)
	switch strings.TrimSpace(r.Source) {
	case ContactSourceExplicit, "":
		if r.Person == nil {
			return dErrors.New(dErrors.CodeValidation, "person is required for an explicit contact")
		}
		if r.OwnerIndex != nil {
			return dErrors.New(dErrors.CodeValidation, "owner_index is only valid with source owner")
		}
	case ContactSourceOwner:
		if r.OwnerIndex == nil {
			return dErrors.New(dErrors.CodeValidation, "owner_index is required for source owner")
		}
		if r.Person != nil {
			return dErrors.New(dErrors.CodeValidation, "person is not allowed with source owner")
		}
	default:
		return dErrors.New(dErrors.CodeValidation, "source must be explicit or owner")
	}
	return nil
}

// ContactSource converts a validated request into its variant.
func (r *AddContactRequest) ContactSource() ContactSource {
	if r.OwnerIndex != nil {
		return CopiedFromOwner{OwnerIndex: *r.OwnerIndex}
	}
	return FromExplicitData{Person: *r.Person}
}

type SetLicenseRequest struct {
	BusinessLicense
}

func (r *SetLicenseRequest) Validate() error {
	r.BusinessLicense.Normalize()
	return r.BusinessLicense.Validate()
}

// ReasonRequest carries the optional reason of a single transition. Whether
// it is required depends on the transition.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

func (r *ReasonRequest) Validate() error {
	r.Reason = strings.TrimSpace(r.Reason)
	return nil
}

type BulkRequest struct {
	IDs    []int64 `json:"ids"`
	Reason string  `json:"reason,omitempty"`
}

func (r *BulkRequest) Validate() error {
	r.Reason = strings.TrimSpace(r.Reason)
	if len(r.IDs) == 0 {
		return dErrors.New(dErrors.CodeBadRequest, "ids must not be empty")
	}
	if len(r.IDs) > MaxBulkSize {
		return dErrors.New(dErrors.CodeBadRequest, "too many ids")
	}
	for _, v := range r.IDs {
		if v <= 0 {
			return dErrors.New(dErrors.CodeBadRequest, "ids must be positive")
		}
	}
	return nil
}
