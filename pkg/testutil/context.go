package testutil

import (
	"net/http"

	id "onboarding/pkg/domain"
	"onboarding/pkg/requestcontext"
)

// WithPrincipal puts actor and tenant on the request the way the auth
// middleware does after a token checks out.
func WithPrincipal(req *http.Request, actor, tenant string) *http.Request {
	ctx := requestcontext.WithPrincipal(req.Context(), id.ActorID(actor), id.TenantID(tenant))
	return req.WithContext(ctx)
}
