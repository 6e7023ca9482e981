// Package consumer serves the oracle side of the allocation protocol: it
// decodes command envelopes from the request topic, dispatches them by
// command name and publishes exactly one reply per request.
package consumer

import (
	"context"
	"encoding/json"
	"log/slog"

	"onboarding/internal/platform/queue"
	dErrors "onboarding/pkg/domain-errors"
	"onboarding/pkg/requestcontext"
)

// CommandHandler handles the payload of one command.
type CommandHandler interface {
	Handle(ctx context.Context, data json.RawMessage) (any, error)
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc func(ctx context.Context, data json.RawMessage) (any, error)

func (f CommandHandlerFunc) Handle(ctx context.Context, data json.RawMessage) (any, error) {
	return f(ctx, data)
}

// Router dispatches envelopes to command-specific handlers and replies on
// the request's reply topic.
type Router struct {
	handlers map[string]CommandHandler
	broker   queue.Broker
	logger   *slog.Logger
}

func NewRouter(broker queue.Broker, logger *slog.Logger) *Router {
	return &Router{
		handlers: make(map[string]CommandHandler),
		broker:   broker,
		logger:   logger,
	}
}

// Register adds a handler for a command name.
func (r *Router) Register(command string, h CommandHandler) {
	r.handlers[command] = h
}

// Handle is a queue.Handler. Malformed and unknown commands are answered
// with bad_request and acknowledged. Only a failed reply publish leaves the
// request unacknowledged.
func (r *Router) Handle(ctx context.Context, msg queue.Message) error {
	if msg.CorrelationID != "" {
		ctx = requestcontext.WithRequestID(ctx, msg.CorrelationID)
	}

	var env queue.Envelope
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		r.logger.WarnContext(ctx, "malformed command envelope",
			"error", err,
			"message_id", msg.ID,
			"request_id", msg.CorrelationID,
		)
		return r.reply(ctx, msg, queue.ErrorReply(string(dErrors.CodeBadRequest), "malformed envelope"))
	}

	h, ok := r.handlers[env.Command]
	if !ok {
		r.logger.WarnContext(ctx, "unknown command",
			"command", env.Command,
			"request_id", msg.CorrelationID,
		)
		return r.reply(ctx, msg, queue.ErrorReply(string(dErrors.CodeBadRequest), "unknown command "+env.Command))
	}

	result, err := h.Handle(ctx, env.Data)
	if err != nil {
		code := dErrors.CodeOf(err)
		message := dErrors.Message(err)
		if code == dErrors.CodeInternal || message == "" {
			r.logger.ErrorContext(ctx, "command failed",
				"command", env.Command,
				"error", err,
				"request_id", msg.CorrelationID,
			)
			message = "internal error"
		}
		return r.reply(ctx, msg, queue.ErrorReply(string(code), message))
	}

	body, err := queue.OKReply(result)
	if err != nil {
		return r.reply(ctx, msg, queue.ErrorReply(string(dErrors.CodeInternal), "internal error"))
	}
	return r.reply(ctx, msg, body)
}

func (r *Router) reply(ctx context.Context, req queue.Message, body []byte) error {
	if err := queue.Respond(ctx, r.broker, req, body); err != nil {
		r.logger.ErrorContext(ctx, "failed to publish reply",
			"error", err,
			"reply_to", req.ReplyTo,
			"request_id", req.CorrelationID,
		)
		return err
	}
	return nil
}
