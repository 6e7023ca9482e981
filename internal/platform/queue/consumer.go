package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ConsumerConfig tunes reconnection.
type ConsumerConfig struct {
	Topic          string
	Group          string
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Consume keeps a subscription alive until ctx is cancelled. When the
// subscription fails it waits and resubscribes, doubling the wait up to
// MaxBackoff. A subscription that delivered at least one message resets the
// wait.
func Consume(ctx context.Context, broker Broker, cfg ConsumerConfig, h Handler, logger *slog.Logger) error {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	backoff := cfg.InitialBackoff

	for {
		delivered := false
		err := broker.Subscribe(ctx, cfg.Topic, cfg.Group, func(ctx context.Context, msg Message) error {
			delivered = true
			return h(ctx, msg)
		})
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrClosed) {
			return err
		}
		if delivered {
			backoff = cfg.InitialBackoff
		}
		if logger != nil {
			logger.WarnContext(ctx, "queue subscription ended, reconnecting",
				"topic", cfg.Topic,
				"group", cfg.Group,
				"backoff", backoff,
				"error", err,
			)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff = min(backoff*2, cfg.MaxBackoff)
	}
}
