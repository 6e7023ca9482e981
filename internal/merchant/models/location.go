package models

import (
	"net/mail"
	"strings"

	dErrors "onboarding/pkg/domain-errors"
)

// Location is the address block shared by merchant locations, checkout
// counters and people. It is embedded, never referenced.
type Location struct {
	Country     string `json:"country"`
	State       string `json:"state,omitempty"`
	City        string `json:"city,omitempty"`
	AddressLine string `json:"address_line,omitempty"`
	PostalCode  string `json:"postal_code,omitempty"`
	Latitude    string `json:"latitude,omitempty"`
	Longitude   string `json:"longitude,omitempty"`
}

func (l *Location) Normalize() {
	l.Country = strings.ToUpper(strings.TrimSpace(l.Country))
	l.State = strings.TrimSpace(l.State)
	l.City = strings.TrimSpace(l.City)
	l.AddressLine = strings.TrimSpace(l.AddressLine)
	l.PostalCode = strings.TrimSpace(l.PostalCode)
	l.Latitude = strings.TrimSpace(l.Latitude)
	l.Longitude = strings.TrimSpace(l.Longitude)
}

func (l Location) Validate() error {
	if l.Country == "" {
		return dErrors.New(dErrors.CodeValidation, "country is required")
	}
	if len(l.Country) > 64 || len(l.AddressLine) > 255 || len(l.City) > 128 || len(l.State) > 128 || len(l.PostalCode) > 32 {
		return dErrors.New(dErrors.CodeValidation, "address field is too long")
	}
	return nil
}

// Person is the identity block shared by business owners and contacts.
type Person struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
	Location
}

func (p *Person) Normalize() {
	p.Name = strings.TrimSpace(p.Name)
	p.Email = strings.TrimSpace(p.Email)
	p.Phone = strings.TrimSpace(p.Phone)
	p.Location.Normalize()
}

func (p Person) Validate() error {
	if p.Name == "" {
		return dErrors.New(dErrors.CodeValidation, "name is required")
	}
	if len(p.Name) > 255 {
		return dErrors.New(dErrors.CodeValidation, "name is too long")
	}
	if p.Email != "" {
		if _, err := mail.ParseAddress(p.Email); err != nil {
			return dErrors.New(dErrors.CodeValidation, "email is invalid")
		}
	}
	if p.Email == "" && p.Phone == "" {
		return dErrors.New(dErrors.CodeValidation, "email or phone is required")
	}
	return p.Location.Validate()
}
