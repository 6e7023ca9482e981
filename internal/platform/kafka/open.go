package kafka

import (
	"context"
	"log/slog"

	"onboarding/internal/platform/config"
	"onboarding/internal/platform/queue"
)

// Transport is a broker owned by the process.
type Transport interface {
	queue.Broker
	Close() error
}

// Open connects to Kafka and provisions topics when brokers are configured.
// Without brokers it returns the in-process broker, which only reaches
// consumers running in the same process.
func Open(ctx context.Context, cfg config.Queue, logger *slog.Logger, topics ...string) (Transport, error) {
	if len(cfg.Brokers) == 0 {
		logger.WarnContext(ctx, "KAFKA_BROKERS not set, using the in-process broker")
		return queue.NewMemoryBroker(queue.WithMemoryLogger(logger)), nil
	}
	b, err := New(cfg.Brokers, WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := b.EnsureTopics(ctx, 1, 1, topics...); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}
