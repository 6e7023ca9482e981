package adapters

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"onboarding/internal/alias/consumer"
	aliasmodels "onboarding/internal/alias/models"
	aliasservice "onboarding/internal/alias/service"
	aliasstore "onboarding/internal/alias/store"
	endpointmodels "onboarding/internal/endpoint/models"
	endpointservice "onboarding/internal/endpoint/service"
	endpointstore "onboarding/internal/endpoint/store"
	"onboarding/internal/merchant/models"
	"onboarding/internal/platform/queue"
	dErrors "onboarding/pkg/domain-errors"
	"onboarding/pkg/platform/circuit"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type callerFunc func(ctx context.Context, command string, data any) (json.RawMessage, error)

func (f callerFunc) Call(ctx context.Context, command string, data any) (json.RawMessage, error) {
	return f(ctx, command, data)
}

type breakerSpy struct {
	states []bool
}

func (b *breakerSpy) SetBreakerOpen(open bool) { b.states = append(b.states, open) }

func batch() models.AliasBatch {
	return models.AliasBatch{
		IdempotencyKey: "approval-1",
		Entries: []models.AliasEntry{
			{MerchantID: 1, FSPID: "acme", Currency: "USD"},
			{MerchantID: 1, FSPID: "acme", Currency: "USD"},
			{MerchantID: 2, FSPID: "acme", Currency: "USD"},
		},
	}
}

// oracle runs the allocator behind the in-process broker and returns an RPC
// client plus a registered api key.
func oracle(t *testing.T) (*queue.RPCClient, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	broker := queue.NewMemoryBroker()
	t.Cleanup(func() { _ = broker.Close() })

	endpoints := endpointservice.New(endpointstore.NewInMemory(),
		endpointservice.WithLogger(discard),
		endpointservice.WithBcryptCost(bcrypt.MinCost),
	)
	allocator := aliasservice.New(aliasstore.NewInMemory(), endpoints, aliasservice.WithLogger(discard))
	router := consumer.New(broker, discard, allocator, endpoints)
	go func() {
		_ = queue.Consume(ctx, broker, queue.ConsumerConfig{Topic: "alias-commands", Group: "oracle"}, router.Handle, discard)
	}()

	client := queue.NewRPCClient(broker, "alias-commands", "alias-replies", queue.WithTimeout(2*time.Second), queue.WithRPCLogger(discard))
	go func() { _ = client.Run(ctx) }()

	raw, err := client.Call(ctx, consumer.CommandRegisterEndpointDFSP, endpointmodels.RegisterRequest{DFSPID: "acme"})
	require.NoError(t, err)
	var reg endpointmodels.Registration
	require.NoError(t, json.Unmarshal(raw, &reg))
	return client, reg.APIKey
}

func TestAllocateOverQueue(t *testing.T) {
	rpc, apiKey := oracle(t)
	client := NewAliasClient(rpc, apiKey, WithLogger(discard))

	got, err := client.Allocate(context.Background(), batch())
	require.NoError(t, err)
	assert.Equal(t, []models.AliasAssignment{
		{MerchantID: 1, Alias: "0000000001"},
		{MerchantID: 1, Alias: "0000000002"},
		{MerchantID: 2, Alias: "0000000003"},
	}, got)

	again, err := client.Allocate(context.Background(), batch())
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestOracleRejectionIsAllocationFailure(t *testing.T) {
	rpc, _ := oracle(t)
	client := NewAliasClient(rpc, "wrong-key", WithLogger(discard))

	_, err := client.Allocate(context.Background(), batch())
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeAllocationFailure))
	assert.Contains(t, dErrors.Message(err), string(dErrors.CodeUnauthorized))
	assert.True(t, dErrors.Retryable(err))
}

func TestRequestCarriesKeyAndEntries(t *testing.T) {
	var sent aliasmodels.AllocationRequest
	rpc := callerFunc(func(_ context.Context, command string, data any) (json.RawMessage, error) {
		assert.Equal(t, CommandBulkGenerateAlias, command)
		sent = data.(aliasmodels.AllocationRequest)
		return json.Marshal(aliasmodels.AllocationResult{Assignments: []aliasmodels.Assignment{
			{MerchantID: 1, Alias: "0000000001"}, {MerchantID: 1, Alias: "0000000002"}, {MerchantID: 2, Alias: "0000000003"},
		}})
	})
	client := NewAliasClient(rpc, "key-1", WithLogger(discard))

	_, err := client.Allocate(context.Background(), batch())
	require.NoError(t, err)
	assert.Equal(t, "approval-1", sent.IdempotencyKey)
	assert.Equal(t, "key-1", sent.APIKey)
	assert.Len(t, sent.Entries, 3)
	assert.Equal(t, "acme", sent.Entries[2].FSPID)
}

func TestMismatchedReplyIsRejected(t *testing.T) {
	tests := []struct {
		name        string
		assignments []aliasmodels.Assignment
	}{
		{"too few", []aliasmodels.Assignment{{MerchantID: 1, Alias: "0000000001"}}},
		{"out of order", []aliasmodels.Assignment{
			{MerchantID: 2, Alias: "0000000001"}, {MerchantID: 1, Alias: "0000000002"}, {MerchantID: 1, Alias: "0000000003"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rpc := callerFunc(func(context.Context, string, any) (json.RawMessage, error) {
				return json.Marshal(aliasmodels.AllocationResult{Assignments: tt.assignments})
			})
			_, err := NewAliasClient(rpc, "k", WithLogger(discard)).Allocate(context.Background(), batch())
			assert.True(t, dErrors.HasCode(err, dErrors.CodeAllocationFailure))
		})
	}
}

func TestBreakerOpensOnTransportFailuresAndFailsFast(t *testing.T) {
	now := time.Unix(0, 0)
	calls := 0
	rpc := callerFunc(func(context.Context, string, any) (json.RawMessage, error) {
		calls++
		return nil, dErrors.New(dErrors.CodeTimeout, "no reply")
	})
	spy := &breakerSpy{}
	breaker := circuit.New("alias-oracle",
		circuit.WithFailureThreshold(2),
		circuit.WithOpenTimeout(time.Minute),
		circuit.WithClock(func() time.Time { return now }),
	)
	client := NewAliasClient(rpc, "k", WithBreaker(breaker), WithBreakerObserver(spy), WithLogger(discard))

	for range 2 {
		_, err := client.Allocate(context.Background(), batch())
		assert.True(t, dErrors.HasCode(err, dErrors.CodeAllocationFailure))
	}
	assert.True(t, breaker.IsOpen())
	assert.Equal(t, []bool{true}, spy.states)

	_, err := client.Allocate(context.Background(), batch())
	assert.True(t, dErrors.HasCode(err, dErrors.CodeAllocationFailure))
	assert.Equal(t, 2, calls)

	now = now.Add(time.Minute)
	rpc2 := callerFunc(func(context.Context, string, any) (json.RawMessage, error) {
		return json.Marshal(aliasmodels.AllocationResult{Assignments: []aliasmodels.Assignment{
			{MerchantID: 1, Alias: "0000000001"}, {MerchantID: 1, Alias: "0000000002"}, {MerchantID: 2, Alias: "0000000003"},
		}})
	})
	client.rpc = rpc2
	_, err = client.Allocate(context.Background(), batch())
	require.NoError(t, err)
	assert.False(t, breaker.IsOpen())
	assert.Equal(t, []bool{true, false}, spy.states)
}

func TestCodedRepliesDoNotTripBreaker(t *testing.T) {
	rpc := callerFunc(func(context.Context, string, any) (json.RawMessage, error) {
		return nil, dErrors.New(dErrors.CodeConflict, "alias taken")
	})
	breaker := circuit.New("alias-oracle", circuit.WithFailureThreshold(1))
	client := NewAliasClient(rpc, "k", WithBreaker(breaker), WithLogger(discard))

	for range 3 {
		_, err := client.Allocate(context.Background(), batch())
		assert.True(t, dErrors.HasCode(err, dErrors.CodeAllocationFailure))
	}
	assert.False(t, breaker.IsOpen())
}
