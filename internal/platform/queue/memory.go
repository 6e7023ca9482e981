package queue

import (
	"context"
	"log/slog"
	"sync"
)

// MemoryBroker is an in-process Broker. Each topic is a single FIFO shared
// by every subscriber regardless of group, which matches one consumer
// group per topic. Messages published before anyone subscribes are kept.
type MemoryBroker struct {
	mu     sync.Mutex
	topics map[string]chan Message
	closed bool
	done   chan struct{}
	buffer int
	logger *slog.Logger
}

const memoryTopicBuffer = 1024

type MemoryOption func(*MemoryBroker)

func WithMemoryLogger(logger *slog.Logger) MemoryOption {
	return func(b *MemoryBroker) {
		b.logger = logger
	}
}

// WithTopicBuffer sets how many messages each topic holds before Publish blocks.
func WithTopicBuffer(n int) MemoryOption {
	return func(b *MemoryBroker) {
		if n > 0 {
			b.buffer = n
		}
	}
}

func NewMemoryBroker(opts ...MemoryOption) *MemoryBroker {
	b := &MemoryBroker{
		topics: make(map[string]chan Message),
		done:   make(chan struct{}),
		buffer: memoryTopicBuffer,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *MemoryBroker) topic(name string) (chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	ch, ok := b.topics[name]
	if !ok {
		ch = make(chan Message, b.buffer)
		b.topics[name] = ch
	}
	return ch, nil
}

func (b *MemoryBroker) Publish(ctx context.Context, topic string, msg Message) error {
	ch, err := b.topic(topic)
	if err != nil {
		return err
	}
	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrClosed
	}
}

func (b *MemoryBroker) Subscribe(ctx context.Context, topic, _ string, h Handler) error {
	ch, err := b.topic(topic)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return ErrClosed
		case msg := <-ch:
			if err := h(ctx, msg); err != nil {
				// Unacknowledged: put it back for the next delivery. A full
				// topic cannot take it back without blocking its only reader.
				select {
				case ch <- msg:
				default:
					b.logger.ErrorContext(ctx, "unacknowledged message dropped, topic buffer full",
						"topic", topic,
						"message_id", msg.ID,
						"correlation_id", msg.CorrelationID,
						"error", err,
					)
				}
				return err
			}
		}
	}
}

// Pending reports how many messages wait on topic.
func (b *MemoryBroker) Pending(topic string) int {
	ch, err := b.topic(topic)
	if err != nil {
		return 0
	}
	return len(ch)
}

// Close stops all subscriptions.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}
