package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	dErrors "onboarding/pkg/domain-errors"
	"onboarding/pkg/platform/httputil"
	"onboarding/pkg/requestcontext"
)

// Limit is a request budget per window. A zero Requests disables the limit.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Middleware enforces per-client-IP limits in front of a route group.
type Middleware struct {
	store    Store
	logger   *slog.Logger
	rejected *prometheus.CounterVec
	now      func() time.Time
}

type Option func(*Middleware)

func WithMetrics(reg prometheus.Registerer) Option {
	return func(m *Middleware) {
		m.rejected = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "onboarding_rate_limited_requests_total",
			Help: "Requests rejected by the rate limiter, by route class.",
		}, []string{"class"})
	}
}

func New(store Store, logger *slog.Logger, opts ...Option) *Middleware {
	m := &Middleware{store: store, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ByClientIP limits each client address to limit within class. A store
// failure lets the request through.
func (m *Middleware) ByClientIP(class string, limit Limit) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limit.Requests <= 0 {
			m.logger.Info("rate limiting disabled", "class", class)
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ip := requestcontext.ClientIP(ctx)
			if ip == "" {
				ip = "unknown"
			}

			result, err := m.store.Allow(ctx, class+":"+ip, limit.Requests, limit.Window)
			if err != nil {
				m.logger.ErrorContext(ctx, "rate limit check failed",
					"class", class,
					"error", err,
					"request_id", requestcontext.RequestID(ctx),
				)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			if !result.Allowed {
				if m.rejected != nil {
					m.rejected.WithLabelValues(class).Inc()
				}
				m.logger.WarnContext(ctx, "rate limit exceeded",
					"class", class,
					"request_id", requestcontext.RequestID(ctx),
				)
				w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter(m.now())))
				httputil.WriteError(w, dErrors.New(dErrors.CodeRateLimited, "too many requests, try again later"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
