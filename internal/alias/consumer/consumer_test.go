package consumer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/crypto/bcrypt"

	"onboarding/internal/alias/models"
	"onboarding/internal/alias/service"
	"onboarding/internal/alias/store"
	endpointmodels "onboarding/internal/endpoint/models"
	endpointservice "onboarding/internal/endpoint/service"
	endpointstore "onboarding/internal/endpoint/store"
	"onboarding/internal/platform/queue"
	dErrors "onboarding/pkg/domain-errors"
	"onboarding/pkg/platform/audit"
	auditmemory "onboarding/pkg/platform/audit/store/memory"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

const (
	requestTopic = "alias-commands"
	replyTopic   = "alias-replies-test"
)

type ConsumerSuite struct {
	suite.Suite
	ctx     context.Context
	cancel  context.CancelFunc
	broker  *queue.MemoryBroker
	client  *queue.RPCClient
	aliases *store.InMemory
	audit   *auditmemory.InMemoryStore
}

func TestConsumerSuite(t *testing.T) {
	suite.Run(t, new(ConsumerSuite))
}

func (s *ConsumerSuite) SetupTest() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.broker = queue.NewMemoryBroker()
	s.aliases = store.NewInMemory()
	s.audit = auditmemory.NewInMemoryStore()

	endpoints := endpointservice.New(endpointstore.NewInMemory(),
		endpointservice.WithLogger(discard),
		endpointservice.WithBcryptCost(bcrypt.MinCost),
	)
	allocator := service.New(s.aliases, endpoints,
		service.WithLogger(discard),
		service.WithAuditRecorder(audit.NewRecorder(s.audit, audit.WithLogger(discard))),
	)
	router := New(s.broker, discard, allocator, endpoints)

	go func() {
		_ = queue.Consume(s.ctx, s.broker, queue.ConsumerConfig{Topic: requestTopic, Group: "oracle"}, router.Handle, discard)
	}()

	s.client = queue.NewRPCClient(s.broker, requestTopic, replyTopic,
		queue.WithTimeout(2*time.Second),
		queue.WithRPCLogger(discard),
	)
	go func() { _ = s.client.Run(s.ctx) }()
}

func (s *ConsumerSuite) TearDownTest() {
	s.cancel()
	_ = s.broker.Close()
}

func (s *ConsumerSuite) register() string {
	raw, err := s.client.Call(s.ctx, CommandRegisterEndpointDFSP, endpointmodels.RegisterRequest{DFSPID: "dfsp1"})
	s.Require().NoError(err)
	var reg endpointmodels.Registration
	s.Require().NoError(json.Unmarshal(raw, &reg))
	s.Require().NotEmpty(reg.APIKey)
	return reg.APIKey
}

func (s *ConsumerSuite) allocate(apiKey, key string, merchants ...int64) (*models.AllocationResult, error) {
	req := models.AllocationRequest{IdempotencyKey: key, APIKey: apiKey}
	for _, m := range merchants {
		req.Entries = append(req.Entries, models.Entry{MerchantID: m, Currency: "USD"})
	}
	raw, err := s.client.Call(s.ctx, CommandBulkGenerateAlias, req)
	if err != nil {
		return nil, err
	}
	var result models.AllocationResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *ConsumerSuite) TestRegisterThenAllocate() {
	apiKey := s.register()

	result, err := s.allocate(apiKey, "batch-1", 10, 11)
	s.Require().NoError(err)
	s.Equal([]models.Assignment{
		{MerchantID: 10, Alias: "0000000001"},
		{MerchantID: 11, Alias: "0000000002"},
	}, result.Assignments)
}

func (s *ConsumerSuite) TestRedeliveredRequestIsReplayed() {
	apiKey := s.register()

	first, err := s.allocate(apiKey, "batch-1", 10)
	s.Require().NoError(err)
	second, err := s.allocate(apiKey, "batch-1", 10)
	s.Require().NoError(err)

	s.Equal(first.Assignments, second.Assignments)
	s.True(second.Replayed)
	s.Equal(1, s.aliases.Count())
}

func (s *ConsumerSuite) TestInvalidAPIKeyIsUnauthorized() {
	_, err := s.allocate("not-a-key", "batch-1", 10)
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	s.Zero(s.aliases.Count())
}

// allocationRecords returns the audit records written for allocation attempts.
func (s *ConsumerSuite) allocationRecords() []audit.Record {
	var out []audit.Record
	for _, rec := range s.audit.All() {
		if rec.Action == audit.ActionAliasAllocated || rec.Action == audit.ActionUnauthorizedAccess {
			out = append(out, rec)
		}
	}
	return out
}

func (s *ConsumerSuite) TestMissingIdempotencyKeyIsBadRequest() {
	apiKey := s.register()
	_, err := s.allocate(apiKey, "", 10)
	s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
	s.Contains(dErrors.Message(err), "idempotency_key is required")
	s.Zero(s.aliases.Count())

	records := s.allocationRecords()
	s.Require().Len(records, 1)
	s.Equal(audit.ActionAliasAllocated, records[0].Action)
	s.Equal(audit.OutcomeFailure, records[0].Outcome)
	s.Equal(string(dErrors.CodeBadRequest), records[0].Reason)
	s.Equal("dfsp1", records[0].Tenant)
}

func (s *ConsumerSuite) TestMalformedPayloadFromKnownCallerIsAudited() {
	apiKey := s.register()
	payload := map[string]any{"api_key": apiKey, "idempotency_key": "batch-9", "entries": "not-a-list"}

	_, err := s.client.Call(s.ctx, CommandBulkGenerateAlias, payload)
	s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))

	records := s.allocationRecords()
	s.Require().Len(records, 1)
	s.Equal(audit.ActionAliasAllocated, records[0].Action)
	s.Equal(audit.OutcomeFailure, records[0].Outcome)
	s.Equal("batch-9", records[0].TargetID)
}

func (s *ConsumerSuite) TestUnreadablePayloadIsAuditedAsUnauthorized() {
	_, err := s.client.Call(s.ctx, CommandBulkGenerateAlias, []int{1, 2})
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))

	records := s.allocationRecords()
	s.Require().Len(records, 1)
	s.Equal(audit.ActionUnauthorizedAccess, records[0].Action)
}

func (s *ConsumerSuite) TestUnknownCommandIsBadRequest() {
	_, err := s.client.Call(s.ctx, "deleteEverything", map[string]string{})
	s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
}

func (s *ConsumerSuite) TestInvalidRegistrationIsValidationError() {
	_, err := s.client.Call(s.ctx, CommandRegisterEndpointDFSP, endpointmodels.RegisterRequest{})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func TestMalformedEnvelopeIsAnsweredAndAcknowledged(t *testing.T) {
	broker := queue.NewMemoryBroker()
	defer broker.Close()
	router := NewRouter(broker, discard)

	err := router.Handle(context.Background(), queue.Message{ID: "m1", CorrelationID: "c1", ReplyTo: "replies", Body: []byte("{")})
	require.NoError(t, err)
	require.Equal(t, 1, broker.Pending("replies"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var reply queue.Reply
	_ = broker.Subscribe(ctx, "replies", "g", func(_ context.Context, msg queue.Message) error {
		assert.Equal(t, "c1", msg.CorrelationID)
		require.NoError(t, json.Unmarshal(msg.Body, &reply))
		cancel()
		return nil
	})
	assert.False(t, reply.OK)
	assert.Equal(t, string(dErrors.CodeBadRequest), reply.Error.Code)
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	broker := queue.NewMemoryBroker()
	defer broker.Close()
	router := NewRouter(broker, discard)
	router.Register("boom", CommandHandlerFunc(func(context.Context, json.RawMessage) (any, error) {
		return nil, assert.AnError
	}))

	body, err := queue.NewEnvelope("boom", nil)
	require.NoError(t, err)
	require.NoError(t, router.Handle(context.Background(), queue.Message{CorrelationID: "c1", ReplyTo: "replies", Body: body}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = broker.Subscribe(ctx, "replies", "g", func(_ context.Context, msg queue.Message) error {
		var reply queue.Reply
		require.NoError(t, json.Unmarshal(msg.Body, &reply))
		assert.Equal(t, string(dErrors.CodeInternal), reply.Error.Code)
		assert.Equal(t, "internal error", reply.Error.Message)
		cancel()
		return nil
	})
}
