package jwttoken

import (
	"context"

	id "onboarding/pkg/domain"
	authmw "onboarding/pkg/platform/middleware/auth"
)

// Authenticator adapts JWTService to the auth middleware.
type Authenticator struct {
	service *JWTService
}

func NewAuthenticator(service *JWTService) *Authenticator {
	return &Authenticator{service: service}
}

func (a *Authenticator) Authenticate(_ context.Context, token string) (*authmw.Principal, error) {
	claims, err := a.service.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	return &authmw.Principal{
		Actor:  id.ActorID(claims.Subject),
		Tenant: id.TenantID(claims.Tenant),
	}, nil
}

var _ authmw.Authenticator = (*Authenticator)(nil)
