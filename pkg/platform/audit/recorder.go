package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"onboarding/pkg/requestcontext"
)

// Entry is what services hand to the Recorder. Before and After may be
// structs or maps; the Recorder reduces them to the changed keys.
type Entry struct {
	Action     Action
	TargetType string
	TargetID   string
	Before     any
	After      any
	Outcome    Outcome
	Reason     string
	// Actor and Tenant default to the request principal when empty.
	Actor  string
	Tenant string
}

// Recorder writes audit records synchronously. The store is a soft
// dependency: a failed write is logged and counted, and the caller's own
// result is never replaced by it.
type Recorder struct {
	store   Store
	logger  *slog.Logger
	metrics *Metrics
	deep    bool
	clock   func() time.Time
}

// Option configures the Recorder.
type Option func(*Recorder)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) {
		r.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(r *Recorder) {
		r.metrics = m
	}
}

// WithDeepDiff switches diffing to structural equality for nested values.
func WithDeepDiff() Option {
	return func(r *Recorder) {
		r.deep = true
	}
}

// NewRecorder creates a Recorder over store.
func NewRecorder(store Store, opts ...Option) *Recorder {
	r := &Recorder{store: store}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record builds and appends one audit record.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if r == nil || r.store == nil {
		return
	}
	before, after := Diff(ToMap(e.Before), ToMap(e.After), r.deep)

	actor := e.Actor
	if actor == "" {
		actor = string(requestcontext.Actor(ctx))
	}
	tenant := e.Tenant
	if tenant == "" {
		tenant = string(requestcontext.Tenant(ctx))
	}
	outcome := e.Outcome
	if outcome == "" {
		outcome = OutcomeSuccess
	}

	rec := Record{
		ID:         uuid.New(),
		Category:   e.Action.Category(),
		Timestamp:  r.now(ctx),
		Actor:      actor,
		Tenant:     tenant,
		Action:     e.Action,
		TargetType: e.TargetType,
		TargetID:   e.TargetID,
		Before:     before,
		After:      after,
		Outcome:    outcome,
		Reason:     e.Reason,
		RequestID:  requestcontext.RequestID(ctx),
		ClientIP:   requestcontext.ClientIP(ctx),
		Device:     requestcontext.Device(ctx),
	}

	// A cancelled request context must not drop the audit trail.
	if err := r.store.Append(context.WithoutCancel(ctx), rec); err != nil {
		if r.metrics != nil {
			r.metrics.IncWriteFailures()
		}
		if r.logger != nil {
			r.logger.ErrorContext(ctx, "audit write failed",
				"action", rec.Action,
				"target_id", rec.TargetID,
				"outcome", rec.Outcome,
				"request_id", rec.RequestID,
				"error", err,
			)
		}
		return
	}
	if r.metrics != nil {
		r.metrics.IncRecorded(rec.Outcome)
	}
	if r.logger != nil {
		r.logger.InfoContext(ctx, string(rec.Action),
			"log_type", "audit",
			"actor", rec.Actor,
			"tenant", rec.Tenant,
			"target_id", rec.TargetID,
			"outcome", rec.Outcome,
			"request_id", rec.RequestID,
		)
	}
}

// List returns the records for one target within a tenant.
func (r *Recorder) List(ctx context.Context, tenant, targetType, targetID string) ([]Record, error) {
	return r.store.ListByTarget(ctx, tenant, targetType, targetID)
}

func (r *Recorder) now(ctx context.Context) time.Time {
	if r.clock != nil {
		return r.clock()
	}
	return requestcontext.Now(ctx)
}
