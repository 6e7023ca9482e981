package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "onboarding/pkg/domain-errors"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type echoRequest struct {
	Value string `json:"value"`
}

// startResponder answers every request on topic with handle's reply.
func startResponder(t *testing.T, ctx context.Context, broker Broker, topic string, handle func(Envelope) []byte) {
	t.Helper()
	go func() {
		_ = broker.Subscribe(ctx, topic, "responder", func(ctx context.Context, msg Message) error {
			var env Envelope
			if err := json.Unmarshal(msg.Body, &env); err != nil {
				return nil
			}
			return Respond(ctx, broker, msg, handle(env))
		})
	}()
}

func TestMemoryBrokerLogsRedeliveryThatDoesNotFit(t *testing.T) {
	var logs bytes.Buffer
	broker := NewMemoryBroker(
		WithTopicBuffer(1),
		WithMemoryLogger(slog.New(slog.NewJSONHandler(&logs, nil))),
	)
	defer broker.Close()
	ctx := context.Background()
	require.NoError(t, broker.Publish(ctx, "t", Message{ID: "a", CorrelationID: "corr-a"}))

	failed := errors.New("handler failed")
	err := broker.Subscribe(ctx, "t", "g", func(ctx context.Context, msg Message) error {
		// Refill the only slot before the failed message is put back.
		require.NoError(t, broker.Publish(ctx, "t", Message{ID: "b"}))
		return failed
	})
	require.ErrorIs(t, err, failed)

	assert.Equal(t, 1, broker.Pending("t"))
	assert.Contains(t, logs.String(), "unacknowledged message dropped")
	assert.Contains(t, logs.String(), `"correlation_id":"corr-a"`)
	assert.Contains(t, logs.String(), `"topic":"t"`)
}

func TestMemoryBrokerDeliversInOrder(t *testing.T) {
	broker := NewMemoryBroker()
	defer broker.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, broker.Publish(ctx, "t", Message{ID: id}))
	}
	assert.Equal(t, 3, broker.Pending("t"))

	var got []string
	err := broker.Subscribe(ctx, "t", "g", func(_ context.Context, msg Message) error {
		got = append(got, msg.ID)
		if len(got) == 3 {
			cancel()
		}
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestMemoryBrokerRedeliversOnHandlerError(t *testing.T) {
	broker := NewMemoryBroker()
	defer broker.Close()
	ctx := context.Background()
	require.NoError(t, broker.Publish(ctx, "t", Message{ID: "a"}))

	err := broker.Subscribe(ctx, "t", "g", func(context.Context, Message) error {
		return errors.New("handler down")
	})
	require.Error(t, err)
	assert.Equal(t, 1, broker.Pending("t"))
}

func TestMemoryBrokerClosed(t *testing.T) {
	broker := NewMemoryBroker()
	require.NoError(t, broker.Close())
	assert.ErrorIs(t, broker.Publish(context.Background(), "t", Message{}), ErrClosed)
}

type flakyBroker struct {
	*MemoryBroker
	failures atomic.Int32
	attempts atomic.Int32
	mu       sync.Mutex
	times    []time.Time
}

func (b *flakyBroker) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	b.attempts.Add(1)
	b.mu.Lock()
	b.times = append(b.times, time.Now())
	b.mu.Unlock()
	if b.failures.Add(-1) >= 0 {
		return errors.New("broker unreachable")
	}
	return b.MemoryBroker.Subscribe(ctx, topic, group, h)
}

func TestConsumeReconnectsWithBackoff(t *testing.T) {
	broker := &flakyBroker{MemoryBroker: NewMemoryBroker()}
	broker.failures.Store(3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	delivered := make(chan Message, 1)
	require.NoError(t, broker.Publish(ctx, "cmd", Message{ID: "m1"}))

	done := make(chan error, 1)
	go func() {
		done <- Consume(ctx, broker, ConsumerConfig{
			Topic:          "cmd",
			Group:          "oracle",
			InitialBackoff: 5 * time.Millisecond,
			MaxBackoff:     20 * time.Millisecond,
		}, func(_ context.Context, msg Message) error {
			delivered <- msg
			return nil
		}, discard)
	}()

	select {
	case msg := <-delivered:
		assert.Equal(t, "m1", msg.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered after reconnect")
	}
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int32(4), broker.attempts.Load())

	broker.mu.Lock()
	defer broker.mu.Unlock()
	// Waits grow: 5ms, 10ms, 20ms.
	assert.GreaterOrEqual(t, broker.times[3].Sub(broker.times[2]), broker.times[1].Sub(broker.times[0]))
}

func TestConsumeStopsWhenBrokerClosed(t *testing.T) {
	broker := NewMemoryBroker()
	require.NoError(t, broker.Close())
	err := Consume(context.Background(), broker, ConsumerConfig{Topic: "t"}, func(context.Context, Message) error { return nil }, discard)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRPCRoundTrip(t *testing.T) {
	broker := NewMemoryBroker()
	defer broker.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startResponder(t, ctx, broker, "requests", func(env Envelope) []byte {
		var req echoRequest
		_ = json.Unmarshal(env.Data, &req)
		b, _ := OKReply(map[string]string{"command": env.Command, "value": req.Value})
		return b
	})

	client := NewRPCClient(broker, "requests", "replies-1", WithTimeout(time.Second), WithRPCLogger(discard))
	go func() { _ = client.Run(ctx) }()

	data, err := client.Call(ctx, "echo", echoRequest{Value: "hello"})
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "echo", got["command"])
	assert.Equal(t, "hello", got["value"])
	assert.Zero(t, client.Pending())
}

func TestRPCConcurrentCallsAreCorrelated(t *testing.T) {
	broker := NewMemoryBroker()
	defer broker.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startResponder(t, ctx, broker, "requests", func(env Envelope) []byte {
		var req echoRequest
		_ = json.Unmarshal(env.Data, &req)
		b, _ := OKReply(req)
		return b
	})
	client := NewRPCClient(broker, "requests", "replies-1", WithTimeout(2*time.Second), WithRPCLogger(discard))
	go func() { _ = client.Run(ctx) }()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := string(rune('a' + i))
			data, err := client.Call(ctx, "echo", echoRequest{Value: want})
			if !assert.NoError(t, err) {
				return
			}
			var got echoRequest
			assert.NoError(t, json.Unmarshal(data, &got))
			assert.Equal(t, want, got.Value)
		}(i)
	}
	wg.Wait()
}

func TestRPCErrorReplyCarriesCode(t *testing.T) {
	broker := NewMemoryBroker()
	defer broker.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startResponder(t, ctx, broker, "requests", func(Envelope) []byte {
		return ErrorReply("unauthorized", "invalid api key")
	})
	client := NewRPCClient(broker, "requests", "replies-1", WithTimeout(time.Second), WithRPCLogger(discard))
	go func() { _ = client.Run(ctx) }()

	_, err := client.Call(ctx, "bulkGenerateAlias", echoRequest{})
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeUnauthorized, dErrors.CodeOf(err))
	assert.Equal(t, "invalid api key", dErrors.Message(err))
}

func TestRPCTimeoutWhenNobodyAnswers(t *testing.T) {
	broker := NewMemoryBroker()
	defer broker.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := NewRPCClient(broker, "requests", "replies-1", WithTimeout(30*time.Millisecond), WithRPCLogger(discard))
	go func() { _ = client.Run(ctx) }()

	_, err := client.Call(ctx, "bulkGenerateAlias", echoRequest{})
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeTimeout, dErrors.CodeOf(err))
	assert.True(t, dErrors.Retryable(err))
	assert.Zero(t, client.Pending())
	// The request is still durable on the topic for a late consumer.
	assert.Equal(t, 1, broker.Pending("requests"))
}

func TestRPCLateReplyIsDiscarded(t *testing.T) {
	broker := NewMemoryBroker()
	defer broker.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := NewRPCClient(broker, "requests", "replies-1", WithRPCLogger(discard))
	go func() { _ = client.Run(ctx) }()

	body, err := OKReply("late")
	require.NoError(t, err)
	require.NoError(t, broker.Publish(ctx, "replies-1", Message{CorrelationID: "unknown", Body: body}))

	assert.Eventually(t, func() bool { return broker.Pending("replies-1") == 0 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, client.Pending())
}
