// Package requestcontext provides HTTP-independent context accessors for
// request-scoped values.
//
// Middleware sets the values; services read them without importing net/http.
//
//	actor := requestcontext.Actor(ctx)
//	tenant := requestcontext.Tenant(ctx)
//	now := requestcontext.Now(ctx)
//
// Tests inject values directly:
//
//	ctx = requestcontext.WithPrincipal(ctx, "maker-a", "dfsp1")
//	ctx = requestcontext.WithTime(ctx, fixedTime)
package requestcontext

import (
	"context"
	"time"

	id "onboarding/pkg/domain"
)

type (
	actorKey       struct{}
	tenantKey      struct{}
	clientIPKey    struct{}
	deviceKey      struct{}
	requestIDKey   struct{}
	requestTimeKey struct{}
)

// Exported context keys for tests that need context.WithValue directly.
var (
	ContextKeyActor       = actorKey{}
	ContextKeyTenant      = tenantKey{}
	ContextKeyClientIP    = clientIPKey{}
	ContextKeyDevice      = deviceKey{}
	ContextKeyRequestID   = requestIDKey{}
	ContextKeyRequestTime = requestTimeKey{}
)

// -----------------------------------------------------------------------------
// Principal (actor + owning tenant)
// -----------------------------------------------------------------------------

// Actor retrieves the authenticated actor. Empty if not set.
func Actor(ctx context.Context) id.ActorID {
	if actor, ok := ctx.Value(ContextKeyActor).(id.ActorID); ok {
		return actor
	}
	return ""
}

// Tenant retrieves the caller's DFSP. Empty if not set.
func Tenant(ctx context.Context) id.TenantID {
	if tenant, ok := ctx.Value(ContextKeyTenant).(id.TenantID); ok {
		return tenant
	}
	return ""
}

// WithPrincipal injects the authenticated actor and tenant.
func WithPrincipal(ctx context.Context, actor id.ActorID, tenant id.TenantID) context.Context {
	ctx = context.WithValue(ctx, ContextKeyActor, actor)
	return context.WithValue(ctx, ContextKeyTenant, tenant)
}

// -----------------------------------------------------------------------------
// Client metadata
// -----------------------------------------------------------------------------

// ClientIP retrieves the client IP address from the context.
func ClientIP(ctx context.Context) string {
	if ip, ok := ctx.Value(ContextKeyClientIP).(string); ok {
		return ip
	}
	return ""
}

// Device retrieves the parsed user agent summary from the context.
func Device(ctx context.Context) string {
	if d, ok := ctx.Value(ContextKeyDevice).(string); ok {
		return d
	}
	return ""
}

// WithClientMetadata injects client IP and device summary into a context.
func WithClientMetadata(ctx context.Context, clientIP, device string) context.Context {
	ctx = context.WithValue(ctx, ContextKeyClientIP, clientIP)
	return context.WithValue(ctx, ContextKeyDevice, device)
}

// -----------------------------------------------------------------------------
// Request metadata
// -----------------------------------------------------------------------------

// RequestID retrieves the request ID from the context.
func RequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return reqID
	}
	return ""
}

// WithRequestID injects a request ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// Now retrieves the request-scoped time from context.
// Falls back to time.Now() for workers and queue consumers.
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(ContextKeyRequestTime).(time.Time); ok {
		return t
	}
	return time.Now()
}

// WithTime injects a specific time into a context.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ContextKeyRequestTime, t)
}
