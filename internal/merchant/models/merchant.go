package models

import (
	"fmt"
	"strings"
	"time"

	id "onboarding/pkg/domain"
	dErrors "onboarding/pkg/domain-errors"
)

// Profile holds the descriptive merchant fields. AllowBlock is stored
// verbatim and carries no invariant.
type Profile struct {
	DBATradingName  string `json:"dba_trading_name"`
	RegisteredName  string `json:"registered_name,omitempty"`
	EmployeesNum    string `json:"employees_num,omitempty"`
	MonthlyTurnover string `json:"monthly_turnover,omitempty"`
	CategoryCode    string `json:"category_code,omitempty"`
	MerchantType    string `json:"merchant_type,omitempty"`
	AllowBlock      string `json:"allow_block,omitempty"`
	Currency        string `json:"currency"`
}

func (p *Profile) Normalize() {
	p.DBATradingName = strings.TrimSpace(p.DBATradingName)
	p.RegisteredName = strings.TrimSpace(p.RegisteredName)
	p.EmployeesNum = strings.TrimSpace(p.EmployeesNum)
	p.MonthlyTurnover = strings.TrimSpace(p.MonthlyTurnover)
	p.CategoryCode = strings.TrimSpace(p.CategoryCode)
	p.MerchantType = strings.TrimSpace(p.MerchantType)
	p.AllowBlock = strings.TrimSpace(p.AllowBlock)
	p.Currency = strings.ToUpper(strings.TrimSpace(p.Currency))
}

func (p Profile) Validate() error {
	if p.DBATradingName == "" {
		return dErrors.New(dErrors.CodeValidation, "dba_trading_name is required")
	}
	if len(p.DBATradingName) > 255 || len(p.RegisteredName) > 255 {
		return dErrors.New(dErrors.CodeValidation, "merchant name is too long")
	}
	if p.Currency != "" && !isCurrencyCode(p.Currency) {
		return dErrors.New(dErrors.CodeValidation, "currency must be a 3-letter ISO code")
	}
	return nil
}

// MerchantLocation is a physical or virtual place of business.
type MerchantLocation struct {
	LocationType string `json:"location_type"`
	WebsiteURL   string `json:"website_url,omitempty"`
	Location
}

// CheckoutCounter is a point of sale. AliasValue is written only when the
// allocator assigns an alias.
type CheckoutCounter struct {
	Description       string `json:"description"`
	NotificationEmail string `json:"notification_email,omitempty"`
	AliasValue        string `json:"alias_value,omitempty"`
	Location
}

// BusinessOwner is a natural person owning the business.
type BusinessOwner struct {
	IdentificationType   string `json:"identification_type"`
	IdentificationNumber string `json:"identification_number"`
	Person
}

func (o BusinessOwner) Validate() error {
	if strings.TrimSpace(o.IdentificationType) == "" || strings.TrimSpace(o.IdentificationNumber) == "" {
		return dErrors.New(dErrors.CodeValidation, "identification_type and identification_number are required")
	}
	return o.Person.Validate()
}

// ContactPerson is who the acquirer talks to. OwnerIndex is set when the
// contact was copied from a business owner.
type ContactPerson struct {
	Role       string `json:"role,omitempty"`
	OwnerIndex *int   `json:"owner_index,omitempty"`
	Person
}

// BusinessLicense is the single license document reference.
type BusinessLicense struct {
	LicenseNumber string `json:"license_number"`
	DocumentRef   string `json:"document_ref,omitempty"`
}

func (l *BusinessLicense) Normalize() {
	l.LicenseNumber = strings.TrimSpace(l.LicenseNumber)
	l.DocumentRef = strings.TrimSpace(l.DocumentRef)
}

func (l BusinessLicense) Validate() error {
	if l.LicenseNumber == "" {
		return dErrors.New(dErrors.CodeValidation, "license_number is required")
	}
	return nil
}

// Merchant is the merchant registration aggregate.
type Merchant struct {
	ID           id.MerchantID
	Tenant       id.TenantID
	Status       Status
	StatusReason string
	SubmittedBy  id.ActorID
	ApprovedBy   id.ActorID
	// AllocationKey identifies the approval batch this merchant was sent to
	// the allocator with. Retries reuse it.
	AllocationKey string
	Profile       Profile
	Locations     []MerchantLocation
	Counters      []CheckoutCounter
	Owners        []BusinessOwner
	Contacts      []ContactPerson
	License       *BusinessLicense
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewDraft creates a merchant in Draft owned by tenant and submitted by actor.
func NewDraft(tenant id.TenantID, actor id.ActorID, profile Profile, now time.Time) (*Merchant, error) {
	if tenant == "" || actor == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "tenant and submitter are required")
	}
	profile.Normalize()
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return &Merchant{
		Tenant:      tenant,
		Status:      StatusDraft,
		SubmittedBy: actor,
		Profile:     profile,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// CheckEditable guards profile edits: only the submitter, only while the
// merchant is in Draft or Reverted.
func (m *Merchant) CheckEditable(actor id.ActorID) error {
	if actor != m.SubmittedBy {
		return dErrors.New(dErrors.CodeForbidden, "only the submitter can edit this merchant")
	}
	if !m.Status.Editable() {
		return dErrors.New(dErrors.CodeInvalidState, "cannot edit a merchant in status "+string(m.Status))
	}
	return nil
}

// MissingPieces lists the required parts of the profile that are absent.
func (m *Merchant) MissingPieces() []string {
	var missing []string
	if m.Profile.DBATradingName == "" {
		missing = append(missing, "dba_trading_name")
	}
	if m.Profile.Currency == "" {
		missing = append(missing, "currency")
	}
	if len(m.Locations) == 0 {
		missing = append(missing, "locations")
	}
	if len(m.Counters) == 0 {
		missing = append(missing, "checkout_counters")
	}
	if len(m.Owners) == 0 {
		missing = append(missing, "business_owners")
	}
	if len(m.Contacts) == 0 {
		missing = append(missing, "contact_persons")
	}
	if m.License == nil {
		missing = append(missing, "business_license")
	}
	return missing
}

// Apply runs a transition and records its effects on the aggregate. On
// error the merchant is left untouched.
func (m *Merchant) Apply(actor id.ActorID, req TransitionRequest, now time.Time) error {
	next, err := Transition(m.Status, actor, m.SubmittedBy, req)
	if err != nil {
		return err
	}
	if req.Action == ActionReadyToReview {
		if missing := m.MissingPieces(); len(missing) > 0 {
			return dErrors.New(dErrors.CodeIncompleteProfile, "incomplete profile: missing "+strings.Join(missing, ", "))
		}
	}

	switch req.Action {
	case ActionReadyToReview:
		m.StatusReason = ""
	case ActionApprove:
		m.ApprovedBy = actor
		m.StatusReason = ""
	case ActionReject, ActionRevert:
		m.ApprovedBy = actor
		m.StatusReason = strings.TrimSpace(req.Reason)
	}
	m.Status = next
	m.UpdatedAt = now
	return nil
}

// AssignAliases fills the checkout counters in order and completes the
// allocation.
func (m *Merchant) AssignAliases(aliases []string, now time.Time) error {
	if len(aliases) != len(m.Counters) {
		return dErrors.New(dErrors.CodeInvariantViolation,
			fmt.Sprintf("merchant %d: %d aliases for %d checkout counters", m.ID, len(aliases), len(m.Counters)))
	}
	if err := m.Apply(id.SystemActor, TransitionRequest{Action: ActionCompleteAllocation}, now); err != nil {
		return err
	}
	for i := range m.Counters {
		m.Counters[i].AliasValue = aliases[i]
	}
	return nil
}

// AuditView is the flat form diffed by the audit recorder.
func (m *Merchant) AuditView() map[string]any {
	aliases := make([]string, 0, len(m.Counters))
	for _, c := range m.Counters {
		if c.AliasValue != "" {
			aliases = append(aliases, c.AliasValue)
		}
	}
	return map[string]any{
		"status":            string(m.Status),
		"status_reason":     m.StatusReason,
		"submitted_by":      string(m.SubmittedBy),
		"approved_by":       string(m.ApprovedBy),
		"dba_trading_name":  m.Profile.DBATradingName,
		"registered_name":   m.Profile.RegisteredName,
		"currency":          m.Profile.Currency,
		"category_code":     m.Profile.CategoryCode,
		"merchant_type":     m.Profile.MerchantType,
		"locations":         len(m.Locations),
		"checkout_counters": len(m.Counters),
		"business_owners":   len(m.Owners),
		"contact_persons":   len(m.Contacts),
		"has_license":       m.License != nil,
		"aliases":           strings.Join(aliases, ","),
	}
}

// Clone returns a deep copy.
func (m *Merchant) Clone() *Merchant {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Locations = append([]MerchantLocation(nil), m.Locations...)
	cp.Counters = append([]CheckoutCounter(nil), m.Counters...)
	cp.Owners = append([]BusinessOwner(nil), m.Owners...)
	cp.Contacts = make([]ContactPerson, len(m.Contacts))
	for i, c := range m.Contacts {
		if c.OwnerIndex != nil {
			idx := *c.OwnerIndex
			c.OwnerIndex = &idx
		}
		cp.Contacts[i] = c
	}
	if m.Contacts == nil {
		cp.Contacts = nil
	}
	if m.License != nil {
		lic := *m.License
		cp.License = &lic
	}
	return &cp
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
