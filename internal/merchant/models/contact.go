package models

import (
	"fmt"

	dErrors "onboarding/pkg/domain-errors"
)

// ContactSource says where a new contact's details come from. It is a
// closed variant: FromExplicitData or CopiedFromOwner.
type ContactSource interface {
	isContactSource()
}

// FromExplicitData carries the contact's details directly.
type FromExplicitData struct {
	Person Person
}

// CopiedFromOwner copies the details of an existing business owner.
type CopiedFromOwner struct {
	OwnerIndex int
}

func (FromExplicitData) isContactSource() {}
func (CopiedFromOwner) isContactSource()  {}

// ResolveContact builds the contact described by src against the current
// aggregate.
func (m *Merchant) ResolveContact(role string, src ContactSource) (ContactPerson, error) {
	switch s := src.(type) {
	case FromExplicitData:
		p := s.Person
		p.Normalize()
		if err := p.Validate(); err != nil {
			return ContactPerson{}, err
		}
		return ContactPerson{Role: role, Person: p}, nil
	case CopiedFromOwner:
		if s.OwnerIndex < 0 || s.OwnerIndex >= len(m.Owners) {
			return ContactPerson{}, dErrors.New(dErrors.CodeNotFound, fmt.Sprintf("business owner %d does not exist", s.OwnerIndex))
		}
		idx := s.OwnerIndex
		return ContactPerson{Role: role, OwnerIndex: &idx, Person: m.Owners[idx].Person}, nil
	default:
		return ContactPerson{}, dErrors.New(dErrors.CodeBadRequest, "unknown contact source")
	}
}
