// Package request assigns every inbound HTTP request a request ID.
package request

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"onboarding/pkg/requestcontext"
)

// HeaderRequestID carries the request ID in and out of the service.
const HeaderRequestID = "X-Request-ID"

const maxRequestIDLen = 128

// RequestID reuses a caller-supplied X-Request-ID when it is sane, or
// generates one, and echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(HeaderRequestID)
		if requestID == "" || len(requestID) > maxRequestIDLen {
			requestID = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, requestID)
		ctx := requestcontext.WithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	return requestcontext.RequestID(ctx)
}
