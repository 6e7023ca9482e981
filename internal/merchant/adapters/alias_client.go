package adapters

import (
	"context"
	"encoding/json"
	"log/slog"

	aliasmodels "onboarding/internal/alias/models"
	"onboarding/internal/merchant/models"
	"onboarding/internal/merchant/service"
	dErrors "onboarding/pkg/domain-errors"
	"onboarding/pkg/platform/circuit"
	"onboarding/pkg/requestcontext"
)

// CommandBulkGenerateAlias is the allocation command understood by the oracle.
const CommandBulkGenerateAlias = "bulkGenerateAlias"

// Caller sends one correlated command and waits for its reply.
type Caller interface {
	Call(ctx context.Context, command string, data any) (json.RawMessage, error)
}

// BreakerObserver is told when the breaker opens or closes.
type BreakerObserver interface {
	SetBreakerOpen(open bool)
}

// AliasClient implements service.AliasAllocator over the request/reply
// queue. The oracle is an external dependency, so calls go through a circuit
// breaker that fails fast once transport errors pile up.
type AliasClient struct {
	rpc      Caller
	apiKey   string
	breaker  *circuit.Breaker
	observer BreakerObserver
	logger   *slog.Logger
}

type Option func(*AliasClient)

func WithBreaker(b *circuit.Breaker) Option {
	return func(c *AliasClient) {
		c.breaker = b
	}
}

func WithBreakerObserver(o BreakerObserver) Option {
	return func(c *AliasClient) {
		c.observer = o
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *AliasClient) {
		c.logger = logger
	}
}

// NewAliasClient creates a client that authenticates to the oracle with apiKey.
func NewAliasClient(rpc Caller, apiKey string, opts ...Option) *AliasClient {
	c := &AliasClient{
		rpc:     rpc,
		apiKey:  apiKey,
		breaker: circuit.New("alias-oracle"),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Allocate sends the batch as one bulkGenerateAlias command. Every failure
// is reported as AllocationFailure wrapping the cause, so the caller keeps
// the merchants waiting and retries later.
func (c *AliasClient) Allocate(ctx context.Context, batch models.AliasBatch) ([]models.AliasAssignment, error) {
	if !c.breaker.Allow() {
		return nil, dErrors.New(dErrors.CodeAllocationFailure, "alias oracle unavailable: circuit open")
	}

	raw, err := c.rpc.Call(ctx, CommandBulkGenerateAlias, toRequest(c.apiKey, batch))
	if err != nil {
		c.observe(ctx, err)
		return nil, dErrors.Wrap(err, dErrors.CodeAllocationFailure, "alias allocation failed: "+string(dErrors.CodeOf(err)))
	}
	c.observe(ctx, nil)

	var result aliasmodels.AllocationResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeAllocationFailure, "malformed allocation reply")
	}
	if len(result.Assignments) != len(batch.Entries) {
		return nil, dErrors.New(dErrors.CodeAllocationFailure, "allocation reply does not match the request")
	}
	out := make([]models.AliasAssignment, len(result.Assignments))
	for i, a := range result.Assignments {
		if a.MerchantID != batch.Entries[i].MerchantID {
			return nil, dErrors.New(dErrors.CodeAllocationFailure, "allocation reply is out of order")
		}
		out[i] = models.AliasAssignment{MerchantID: a.MerchantID, Alias: a.Alias}
	}
	return out, nil
}

// observe feeds the breaker. Only transport problems count as failures; a
// coded reply means the oracle is up.
func (c *AliasClient) observe(ctx context.Context, err error) {
	var change circuit.StateChange
	if err != nil && (dErrors.HasCode(err, dErrors.CodeTransportFailure) || dErrors.HasCode(err, dErrors.CodeTimeout)) {
		_, change = c.breaker.RecordFailure()
	} else {
		_, change = c.breaker.RecordSuccess()
	}
	if !change.Opened && !change.Closed {
		return
	}
	if c.observer != nil {
		c.observer.SetBreakerOpen(change.Opened)
	}
	if change.Opened {
		c.logger.WarnContext(ctx, "alias oracle circuit opened",
			"breaker", c.breaker.Name(),
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		return
	}
	c.logger.InfoContext(ctx, "alias oracle circuit closed", "breaker", c.breaker.Name())
}

func toRequest(apiKey string, batch models.AliasBatch) aliasmodels.AllocationRequest {
	req := aliasmodels.AllocationRequest{
		IdempotencyKey: batch.IdempotencyKey,
		APIKey:         apiKey,
		Entries:        make([]aliasmodels.Entry, len(batch.Entries)),
	}
	for i, e := range batch.Entries {
		req.Entries[i] = aliasmodels.Entry{MerchantID: e.MerchantID, FSPID: e.FSPID, Currency: e.Currency}
	}
	return req
}

var _ service.AliasAllocator = (*AliasClient)(nil)
