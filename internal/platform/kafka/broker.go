// Package kafka implements queue.Broker on franz-go. Correlation metadata
// travels in record headers so the body stays the plain JSON envelope.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"onboarding/internal/platform/queue"
)

// Record header names.
const (
	HeaderMessageID     = "messageId"
	HeaderCorrelationID = "correlationId"
	HeaderReplyTo       = "replyTo"
)

// Broker publishes through one shared producer client and opens a
// dedicated group consumer per subscription.
type Broker struct {
	seeds    []string
	producer *kgo.Client
	logger   *slog.Logger
}

// Option configures the Broker.
type Option func(*Broker)

func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// New connects a producer to brokers.
func New(brokers []string, opts ...Option) (*Broker, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	b := &Broker{seeds: brokers, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	producer, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	b.producer = producer
	return b, nil
}

// EnsureTopics creates the given topics, ignoring ones that already exist.
func (b *Broker) EnsureTopics(ctx context.Context, partitions int32, replication int16, topics ...string) error {
	adm := kadm.NewClient(b.producer)
	resp, err := adm.CreateTopics(ctx, partitions, replication, nil, topics...)
	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	for _, r := range resp.Sorted() {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

// Ping checks broker reachability.
func (b *Broker) Ping(ctx context.Context) error {
	return b.producer.Ping(ctx)
}

func (b *Broker) Publish(ctx context.Context, topic string, msg queue.Message) error {
	rec := toRecord(topic, msg)
	if err := b.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", topic, err)
	}
	return nil
}

// Subscribe joins group on topic and handles records in partition order.
// Offsets are committed only after the handler succeeds, so a failed record
// is fetched again by the next subscription.
func (b *Broker) Subscribe(ctx context.Context, topic, group string, h queue.Handler) error {
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(b.seeds...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	if err != nil {
		return fmt.Errorf("kafka consumer: %w", err)
	}
	defer cl.Close()

	for {
		fetches := cl.PollFetches(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if fetches.IsClientClosed() {
			return queue.ErrClosed
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			e := errs[0]
			return fmt.Errorf("fetch %s[%d]: %w", e.Topic, e.Partition, e.Err)
		}

		var handleErr error
		var done []*kgo.Record
		fetches.EachRecord(func(rec *kgo.Record) {
			if handleErr != nil {
				return
			}
			if err := h(ctx, fromRecord(rec)); err != nil {
				handleErr = err
				return
			}
			done = append(done, rec)
		})
		if len(done) > 0 {
			if err := cl.CommitRecords(ctx, done...); err != nil {
				return fmt.Errorf("commit offsets: %w", err)
			}
		}
		if handleErr != nil {
			return handleErr
		}
	}
}

// Close flushes and closes the producer.
func (b *Broker) Close() error {
	b.producer.Close()
	return nil
}

func toRecord(topic string, msg queue.Message) *kgo.Record {
	rec := &kgo.Record{
		Topic: topic,
		Key:   []byte(msg.CorrelationID),
		Value: msg.Body,
	}
	for _, h := range []struct{ k, v string }{
		{HeaderMessageID, msg.ID},
		{HeaderCorrelationID, msg.CorrelationID},
		{HeaderReplyTo, msg.ReplyTo},
	} {
		if h.v != "" {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: h.k, Value: []byte(h.v)})
		}
	}
	return rec
}

func fromRecord(rec *kgo.Record) queue.Message {
	msg := queue.Message{Body: rec.Value}
	for _, h := range rec.Headers {
		switch h.Key {
		case HeaderMessageID:
			msg.ID = string(h.Value)
		case HeaderCorrelationID:
			msg.CorrelationID = string(h.Value)
		case HeaderReplyTo:
			msg.ReplyTo = string(h.Value)
		}
	}
	return msg
}
