package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	dErrors "onboarding/pkg/domain-errors"
)

// DefaultRPCTimeout bounds Call when no timeout is configured.
const DefaultRPCTimeout = 10 * time.Second

// RPCClient publishes commands and waits for the reply carrying the same
// correlation ID. Replies arrive on a topic owned by this client; Run must
// be running for Call to complete.
type RPCClient struct {
	broker       Broker
	requestTopic string
	replyTopic   string
	timeout      time.Duration
	retry        time.Duration
	maxBackoff   time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	pending map[string]chan Reply
}

// RPCOption configures an RPCClient.
type RPCOption func(*RPCClient)

func WithTimeout(d time.Duration) RPCOption {
	return func(c *RPCClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithReconnectBackoff sets the reply consumer's reconnection backoff.
func WithReconnectBackoff(initial, maxBackoff time.Duration) RPCOption {
	return func(c *RPCClient) {
		c.retry = initial
		c.maxBackoff = maxBackoff
	}
}

func WithRPCLogger(logger *slog.Logger) RPCOption {
	return func(c *RPCClient) {
		c.logger = logger
	}
}

// NewRPCClient creates a client publishing on requestTopic and receiving on
// replyTopic.
func NewRPCClient(broker Broker, requestTopic, replyTopic string, opts ...RPCOption) *RPCClient {
	c := &RPCClient{
		broker:       broker,
		requestTopic: requestTopic,
		replyTopic:   replyTopic,
		timeout:      DefaultRPCTimeout,
		retry:        time.Second,
		maxBackoff:   30 * time.Second,
		logger:       slog.Default(),
		pending:      make(map[string]chan Reply),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consumes the reply topic until ctx is cancelled.
func (c *RPCClient) Run(ctx context.Context) error {
	return Consume(ctx, c.broker, ConsumerConfig{
		Topic:          c.replyTopic,
		Group:          c.replyTopic,
		InitialBackoff: c.retry,
		MaxBackoff:     c.maxBackoff,
	}, c.dispatch, c.logger)
}

func (c *RPCClient) dispatch(ctx context.Context, msg Message) error {
	var reply Reply
	if err := json.Unmarshal(msg.Body, &reply); err != nil {
		// Poison message: acknowledge and drop.
		c.logger.WarnContext(ctx, "discarding undecodable reply",
			"correlation_id", msg.CorrelationID,
			"error", err,
		)
		return nil
	}

	c.mu.Lock()
	ch, ok := c.pending[msg.CorrelationID]
	if ok {
		delete(c.pending, msg.CorrelationID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.DebugContext(ctx, "discarding reply with no waiting caller",
			"correlation_id", msg.CorrelationID,
		)
		return nil
	}
	ch <- reply
	return nil
}

// Call publishes command with data and waits for the correlated reply.
// A reply with ok=false is returned as an error carrying its code.
func (c *RPCClient) Call(ctx context.Context, command string, data any) (json.RawMessage, error) {
	ctx, span := otel.Tracer("onboarding/queue").Start(ctx, "queue.rpc "+command)
	defer span.End()

	body, err := NewEnvelope(command, data)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "encode command")
	}

	correlationID := uuid.NewString()
	span.SetAttributes(attribute.String("messaging.correlation_id", correlationID))
	ch := make(chan Reply, 1)

	c.mu.Lock()
	c.pending[correlationID] = ch
	c.mu.Unlock()
	defer c.forget(correlationID)

	msg := Message{
		ID:            uuid.NewString(),
		CorrelationID: correlationID,
		ReplyTo:       c.replyTopic,
		Body:          body,
	}
	if err := c.broker.Publish(ctx, c.requestTopic, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return nil, dErrors.Wrap(err, dErrors.CodeTransportFailure, "publish "+command)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		if !reply.OK {
			code, message := dErrors.CodeInternal, "command failed"
			if reply.Error != nil {
				code, message = dErrors.Code(reply.Error.Code), reply.Error.Message
			}
			span.SetStatus(codes.Error, string(code))
			return nil, dErrors.New(code, message)
		}
		return reply.Data, nil
	case <-timer.C:
		span.SetStatus(codes.Error, "timeout")
		return nil, dErrors.New(dErrors.CodeTimeout, "no reply to "+command+" within "+c.timeout.String())
	case <-ctx.Done():
		return nil, dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, command+" cancelled")
	}
}

// Pending reports calls still waiting for a reply.
func (c *RPCClient) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *RPCClient) forget(correlationID string) {
	c.mu.Lock()
	delete(c.pending, correlationID)
	c.mu.Unlock()
}

// Respond publishes body to the request's reply topic under its correlation ID.
func Respond(ctx context.Context, broker Broker, req Message, body []byte) error {
	if req.ReplyTo == "" {
		return nil
	}
	return broker.Publish(ctx, req.ReplyTo, Message{
		ID:            uuid.NewString(),
		CorrelationID: req.CorrelationID,
		Body:          body,
	})
}
