package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	id "onboarding/pkg/domain"
	"onboarding/pkg/requestcontext"
)

// Principal is the authenticated caller of the acquirer API.
type Principal struct {
	Actor  id.ActorID
	Tenant id.TenantID
}

// Authenticator resolves a bearer token to a Principal. The identity provider
// behind it is external; a JWT-backed implementation ships as the default.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Principal, error)
}

// UnauthorizedHook is invoked for every rejected request so callers can
// record the denial.
type UnauthorizedHook func(ctx context.Context, r *http.Request, reason string)

// writeJSONError writes a JSON error response with the given status code and error details.
func writeJSONError(w http.ResponseWriter, status int, errCode, errDesc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(fmt.Appendf(nil, `{"error":"%s","error_description":"%s"}`, errCode, errDesc))
}

// RequireAuth validates the bearer token and places the principal in the
// request context.
func RequireAuth(authn Authenticator, logger *slog.Logger, onDenied UnauthorizedHook) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := requestcontext.RequestID(ctx)

			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", requestID,
				)
				deny(ctx, r, onDenied, "missing_token")
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid Authorization header")
				return
			}

			principal, err := authn.Authenticate(ctx, strings.TrimSpace(token))
			if err != nil || principal == nil {
				logger.WarnContext(ctx, "unauthorized access - invalid token",
					"error", err,
					"request_id", requestID,
				)
				deny(ctx, r, onDenied, "invalid_token")
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Invalid or expired token")
				return
			}

			ctx = requestcontext.WithPrincipal(ctx, principal.Actor, principal.Tenant)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func deny(ctx context.Context, r *http.Request, hook UnauthorizedHook, reason string) {
	if hook != nil {
		hook(ctx, r, reason)
	}
}
