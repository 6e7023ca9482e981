// Package oracle assembles the registry oracle: the alias allocator, the
// endpoint registry, the command consumer and the participants API.
package oracle

import (
	"context"
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"onboarding/internal/alias/consumer"
	aliashandler "onboarding/internal/alias/handler"
	aliasmetrics "onboarding/internal/alias/metrics"
	aliasservice "onboarding/internal/alias/service"
	endpointservice "onboarding/internal/endpoint/service"
	"onboarding/internal/platform/config"
	"onboarding/internal/platform/queue"
	"onboarding/pkg/platform/audit"
)

// Deps are the stores and infrastructure the oracle runs on. Cache, Audit
// and Metrics are optional.
type Deps struct {
	Broker      queue.Broker
	Aliases     aliasservice.Store
	Credentials endpointservice.Store
	Cache       aliasservice.ReplyCache
	Audit       *audit.Recorder
	Metrics     prometheus.Registerer
	Logger      *slog.Logger
	// BcryptCost overrides the credential hashing cost when positive.
	BcryptCost int
}

// Oracle is a wired registry oracle.
type Oracle struct {
	Allocator *aliasservice.Service
	Endpoints *endpointservice.Service

	broker   queue.Broker
	commands *consumer.Router
	http     *aliashandler.Handler
	logger   *slog.Logger
}

func New(deps Deps, cfg config.Alias) *Oracle {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	endpointOpts := []endpointservice.Option{endpointservice.WithLogger(logger)}
	aliasOpts := []aliasservice.Option{
		aliasservice.WithLogger(logger),
		aliasservice.WithDigits(cfg.Digits),
	}
	if deps.BcryptCost > 0 {
		endpointOpts = append(endpointOpts, endpointservice.WithBcryptCost(deps.BcryptCost))
	}
	if deps.Audit != nil {
		endpointOpts = append(endpointOpts, endpointservice.WithAuditRecorder(deps.Audit))
		aliasOpts = append(aliasOpts, aliasservice.WithAuditRecorder(deps.Audit))
	}
	if deps.Cache != nil {
		aliasOpts = append(aliasOpts, aliasservice.WithReplyCache(deps.Cache))
	}
	if deps.Metrics != nil {
		aliasOpts = append(aliasOpts, aliasservice.WithMetrics(aliasmetrics.New(deps.Metrics)))
	}

	endpoints := endpointservice.New(deps.Credentials, endpointOpts...)
	allocator := aliasservice.New(deps.Aliases, endpoints, aliasOpts...)
	return &Oracle{
		Allocator: allocator,
		Endpoints: endpoints,
		broker:    deps.Broker,
		commands:  consumer.New(deps.Broker, logger, allocator, endpoints),
		http:      aliashandler.New(allocator, logger),
		logger:    logger,
	}
}

// Routes mounts the participants API.
func (o *Oracle) Routes(r chi.Router) {
	o.http.Register(r)
}

// Consume serves oracle commands from the request topic until ctx ends.
func (o *Oracle) Consume(ctx context.Context, cfg config.Queue) error {
	o.logger.InfoContext(ctx, "oracle consuming commands",
		"topic", cfg.RequestTopic,
		"group", cfg.ConsumerGroup,
	)
	return queue.Consume(ctx, o.broker, queue.ConsumerConfig{
		Topic:          cfg.RequestTopic,
		Group:          cfg.ConsumerGroup,
		InitialBackoff: cfg.RetryInterval,
		MaxBackoff:     cfg.MaxBackoff,
	}, o.commands.Handle, o.logger)
}
