package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventCategory classifies audit records by their primary purpose so stores
// can apply different retention and routing.
type EventCategory string

const (
	// CategoryCompliance covers lifecycle decisions on merchants: every
	// maker/checker transition and its outcome.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers denied access and credential lifecycle.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers alias allocation traffic.
	CategoryOperations EventCategory = "operations"
)

// Outcome is the result of the audited attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Action names an audited operation.
type Action string

const (
	// Merchant lifecycle
	ActionMerchantCreated        Action = "merchant_created"
	ActionMerchantUpdated        Action = "merchant_updated"
	ActionMerchantReadyToReview  Action = "merchant_ready_to_review"
	ActionMerchantApproved       Action = "merchant_approved"
	ActionMerchantRejected       Action = "merchant_rejected"
	ActionMerchantReverted       Action = "merchant_reverted"
	ActionMerchantAliasAssigned  Action = "merchant_alias_assigned"
	ActionMerchantBulkApproved   Action = "merchant_bulk_approved"
	ActionMerchantBulkRejected   Action = "merchant_bulk_rejected"
	ActionMerchantBulkReverted   Action = "merchant_bulk_reverted"
	ActionAliasAllocationRequest Action = "alias_allocation_requested"

	// Oracle
	ActionAliasAllocated     Action = "alias_allocated"
	ActionEndpointRegistered Action = "endpoint_registered"

	// Access
	ActionUnauthorizedAccess Action = "unauthorized_access"
)

var actionCategories = map[Action]EventCategory{
	ActionMerchantCreated:       CategoryCompliance,
	ActionMerchantUpdated:       CategoryCompliance,
	ActionMerchantReadyToReview: CategoryCompliance,
	ActionMerchantApproved:      CategoryCompliance,
	ActionMerchantRejected:      CategoryCompliance,
	ActionMerchantReverted:      CategoryCompliance,
	ActionMerchantAliasAssigned: CategoryCompliance,
	ActionMerchantBulkApproved:  CategoryCompliance,
	ActionMerchantBulkRejected:  CategoryCompliance,
	ActionMerchantBulkReverted:  CategoryCompliance,

	ActionEndpointRegistered: CategorySecurity,
	ActionUnauthorizedAccess: CategorySecurity,

	ActionAliasAllocationRequest: CategoryOperations,
	ActionAliasAllocated:         CategoryOperations,
}

// Category returns the category for the action. Unknown actions default to
// CategoryOperations.
func (a Action) Category() EventCategory {
	if cat, ok := actionCategories[a]; ok {
		return cat
	}
	return CategoryOperations
}

// Record is one append-only audit entry. Before and After hold only the keys
// that changed.
type Record struct {
	ID         uuid.UUID
	Category   EventCategory
	Timestamp  time.Time
	Actor      string
	Tenant     string
	Action     Action
	TargetType string
	TargetID   string
	Before     map[string]any
	After      map[string]any
	Outcome    Outcome
	Reason     string
	RequestID  string
	ClientIP   string
	Device     string
}

// Store persists audit records. Implementations must never update or delete.
type Store interface {
	Append(ctx context.Context, record Record) error
	ListByTarget(ctx context.Context, tenant, targetType, targetID string) ([]Record, error)
}
