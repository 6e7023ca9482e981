package models

import (
	"time"

	id "onboarding/pkg/domain"
)

// Status is the lifecycle state of a merchant registration.
type Status string

const (
	StatusDraft                  Status = "Draft"
	StatusReview                 Status = "Review"
	StatusWaitingAliasGeneration Status = "WaitingAliasGeneration"
	StatusApproved               Status = "Approved"
	StatusRejected               Status = "Rejected"
	StatusReverted               Status = "Reverted"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusReview, StatusWaitingAliasGeneration, StatusApproved, StatusRejected, StatusReverted:
		return true
	default:
		return false
	}
}

// Editable reports whether the maker may still change the profile.
func (s Status) Editable() bool {
	return s == StatusDraft || s == StatusReverted
}

func (s Status) String() string { return string(s) }

// StatusChange is the single update a bulk transition applies to every id.
type StatusChange struct {
	Status        Status
	Reason        string
	ApprovedBy    id.ActorID
	AllocationKey string
	UpdatedAt     time.Time
}
