package handler

import (
	"time"

	"onboarding/internal/merchant/models"
	"onboarding/pkg/platform/audit"
)

type merchantResponse struct {
	ID           int64                     `json:"id"`
	Status       string                    `json:"status"`
	StatusReason string                    `json:"status_reason,omitempty"`
	SubmittedBy  string                    `json:"submitted_by"`
	ApprovedBy   string                    `json:"approved_by,omitempty"`
	Profile      models.Profile            `json:"profile"`
	Locations    []models.MerchantLocation `json:"locations"`
	Counters     []models.CheckoutCounter  `json:"checkout_counters"`
	Owners       []models.BusinessOwner    `json:"business_owners"`
	Contacts     []models.ContactPerson    `json:"contact_persons"`
	License      *models.BusinessLicense   `json:"business_license,omitempty"`
	CreatedAt    time.Time                 `json:"created_at"`
	UpdatedAt    time.Time                 `json:"updated_at"`
}

func toMerchantResponse(m *models.Merchant) merchantResponse {
	return merchantResponse{
		ID:           int64(m.ID),
		Status:       string(m.Status),
		StatusReason: m.StatusReason,
		SubmittedBy:  string(m.SubmittedBy),
		ApprovedBy:   string(m.ApprovedBy),
		Profile:      m.Profile,
		Locations:    orEmpty(m.Locations),
		Counters:     orEmpty(m.Counters),
		Owners:       orEmpty(m.Owners),
		Contacts:     orEmpty(m.Contacts),
		License:      m.License,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

type bulkResponse struct {
	Merchants []merchantResponse `json:"merchants"`
}

type auditResponse struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Actor      string         `json:"actor"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Before     map[string]any `json:"before,omitempty"`
	After      map[string]any `json:"after,omitempty"`
	Outcome    string         `json:"outcome"`
	Reason     string         `json:"reason,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
	ClientIP   string         `json:"client_ip,omitempty"`
	Device     string         `json:"device,omitempty"`
}

func toAuditResponse(r audit.Record) auditResponse {
	return auditResponse{
		ID:         r.ID.String(),
		Timestamp:  r.Timestamp,
		Actor:      r.Actor,
		Action:     string(r.Action),
		TargetType: r.TargetType,
		TargetID:   r.TargetID,
		Before:     r.Before,
		After:      r.After,
		Outcome:    string(r.Outcome),
		Reason:     r.Reason,
		RequestID:  r.RequestID,
		ClientIP:   r.ClientIP,
		Device:     r.Device,
	}
}

type auditListResponse struct {
	Records []auditResponse `json:"records"`
}
