package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"onboarding/internal/merchant/metrics"
	"onboarding/internal/merchant/models"
	"onboarding/internal/merchant/service/mocks"
	"onboarding/internal/merchant/store"
	id "onboarding/pkg/domain"
	dErrors "onboarding/pkg/domain-errors"
	"onboarding/pkg/platform/audit"
	auditmemory "onboarding/pkg/platform/audit/store/memory"
	"onboarding/pkg/platform/sentinel"
	"onboarding/pkg/requestcontext"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeAllocator hands out sequential aliases and replays by idempotency key
// the way the oracle does. loseReplies allocates but reports a failure, as
// when the reply never reaches the acquirer.
type fakeAllocator struct {
	mu          sync.Mutex
	next        int
	byKey       map[string][]models.AliasAssignment
	batches     []models.AliasBatch
	err         error
	loseReplies bool
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{byKey: make(map[string][]models.AliasAssignment)}
}

func (f *fakeAllocator) Allocate(_ context.Context, batch models.AliasBatch) ([]models.AliasAssignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batch)
	if f.err != nil {
		return nil, f.err
	}
	out, ok := f.byKey[batch.IdempotencyKey]
	if !ok {
		for _, e := range batch.Entries {
			f.next++
			out = append(out, models.AliasAssignment{MerchantID: e.MerchantID, Alias: fmt.Sprintf("%010d", f.next)})
		}
		f.byKey[batch.IdempotencyKey] = out
	}
	if f.loseReplies {
		return nil, dErrors.New(dErrors.CodeTimeout, "no reply")
	}
	return out, nil
}

func (f *fakeAllocator) calls() []models.AliasBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.AliasBatch(nil), f.batches...)
}

type MerchantSuite struct {
	suite.Suite
	store     *store.InMemory
	audit     *auditmemory.InMemoryStore
	allocator *fakeAllocator
	service   *Service
	maker     context.Context
	checker   context.Context
}

func TestMerchantSuite(t *testing.T) {
	suite.Run(t, new(MerchantSuite))
}

func (s *MerchantSuite) SetupTest() {
	s.store = store.NewInMemory()
	s.audit = auditmemory.NewInMemoryStore()
	s.allocator = newFakeAllocator()
	s.service = New(s.store, s.store,
		WithLogger(discard),
		WithMetrics(metrics.New(prometheus.NewRegistry())),
		WithAuditRecorder(audit.NewRecorder(s.audit)),
		WithAliasAllocator(s.allocator),
	)
	s.maker = requestcontext.WithPrincipal(context.Background(), "maker", "acme")
	s.checker = requestcontext.WithPrincipal(context.Background(), "checker", "acme")
}

func (s *MerchantSuite) draft(ctx context.Context) *models.Merchant {
	m, err := s.service.CreateDraft(ctx, &models.CreateMerchantRequest{
		Profile: models.Profile{DBATradingName: "Corner Shop", Currency: "USD"},
	})
	s.Require().NoError(err)
	return m
}

// complete creates a merchant with every required piece and counters
// checkout counters.
func (s *MerchantSuite) complete(ctx context.Context, counters int) id.MerchantID {
	m := s.draft(ctx)
	_, err := s.service.AddLocation(ctx, m.ID, &models.AddLocationRequest{MerchantLocation: models.MerchantLocation{
		LocationType: "physical",
		Location:     models.Location{Country: "MM", City: "Yangon"},
	}})
	s.Require().NoError(err)
	for i := range counters {
		_, err = s.service.AddCheckoutCounter(ctx, m.ID, &models.AddCheckoutCounterRequest{CheckoutCounter: models.CheckoutCounter{
			Description: fmt.Sprintf("till %d", i+1),
		}})
		s.Require().NoError(err)
	}
	_, err = s.service.AddOwner(ctx, m.ID, &models.AddOwnerRequest{BusinessOwner: models.BusinessOwner{
		IdentificationType:   "passport",
		IdentificationNumber: "P123",
		Person:               models.Person{Name: "Aye Aye", Email: "aye@example.com"},
	}})
	s.Require().NoError(err)
	owner := 0
	_, err = s.service.AddContact(ctx, m.ID, &models.AddContactRequest{Role: "manager", Source: models.ContactSourceOwner, OwnerIndex: &owner})
	s.Require().NoError(err)
	_, err = s.service.SetLicense(ctx, m.ID, &models.SetLicenseRequest{BusinessLicense: models.BusinessLicense{LicenseNumber: "L-77"}})
	s.Require().NoError(err)
	return m.ID
}

func (s *MerchantSuite) inReview(ctx context.Context, counters int) id.MerchantID {
	merchantID := s.complete(ctx, counters)
	_, err := s.service.ReadyToReview(ctx, merchantID)
	s.Require().NoError(err)
	return merchantID
}

func (s *MerchantSuite) status(merchantID id.MerchantID) models.Status {
	m, err := s.store.FindByID(context.Background(), "acme", merchantID)
	s.Require().NoError(err)
	return m.Status
}

func (s *MerchantSuite) records(action audit.Action, outcome audit.Outcome) []audit.Record {
	var out []audit.Record
	for _, r := range s.audit.All() {
		if r.Action == action && r.Outcome == outcome {
			out = append(out, r)
		}
	}
	return out
}

func (s *MerchantSuite) TestApproveAssignsAliasPerCheckoutCounter() {
	merchantID := s.inReview(s.maker, 2)

	m, err := s.service.Approve(s.checker, merchantID)
	s.Require().NoError(err)

	s.Equal(models.StatusApproved, m.Status)
	s.Equal(id.ActorID("checker"), m.ApprovedBy)
	s.Equal("0000000001", m.Counters[0].AliasValue)
	s.Equal("0000000002", m.Counters[1].AliasValue)
	s.Equal(models.StatusApproved, s.status(merchantID))

	batches := s.allocator.calls()
	s.Require().Len(batches, 1)
	s.Equal(m.AllocationKey, batches[0].IdempotencyKey)
	s.Len(batches[0].Entries, 2)
	s.Equal("acme", batches[0].Entries[0].FSPID)
}

func (s *MerchantSuite) TestAuditTrailFollowsLifecycle() {
	merchantID := s.inReview(s.maker, 1)
	_, err := s.service.Approve(s.checker, merchantID)
	s.Require().NoError(err)

	trail, err := s.service.AuditTrail(s.checker, merchantID)
	s.Require().NoError(err)
	var actions []audit.Action
	for _, r := range trail {
		actions = append(actions, r.Action)
	}
	s.Equal(audit.ActionMerchantCreated, actions[0])
	s.Contains(actions, audit.ActionMerchantReadyToReview)
	s.Contains(actions, audit.ActionMerchantApproved)
	s.Equal(audit.ActionMerchantAliasAssigned, actions[len(actions)-1])

	last := trail[len(trail)-1]
	s.Equal(string(id.SystemActor), last.Actor)
	s.Equal(string(models.StatusApproved), last.After["status"])
}

func (s *MerchantSuite) TestSubmitterCannotCheckOwnMerchant() {
	merchantID := s.inReview(s.maker, 1)

	_, err := s.service.Approve(s.maker, merchantID)
	s.True(dErrors.HasCode(err, dErrors.CodeSameActorForbidden))
	_, err = s.service.Reject(s.maker, merchantID, "nope")
	s.True(dErrors.HasCode(err, dErrors.CodeSameActorForbidden))

	s.Equal(models.StatusReview, s.status(merchantID))
	failures := s.records(audit.ActionMerchantApproved, audit.OutcomeFailure)
	s.Require().Len(failures, 1)
	s.Equal(string(dErrors.CodeSameActorForbidden), failures[0].Reason)
	s.Equal("maker", failures[0].Actor)
}

func (s *MerchantSuite) TestReadyToReviewNamesMissingPieces() {
	m := s.draft(s.maker)

	_, err := s.service.ReadyToReview(s.maker, m.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeIncompleteProfile))
	s.Contains(dErrors.Message(err), "checkout_counters")
	s.Contains(dErrors.Message(err), "business_license")
	s.Equal(models.StatusDraft, s.status(m.ID))
}

func (s *MerchantSuite) TestReplayedReadyToReviewIsInvalidState() {
	merchantID := s.inReview(s.maker, 1)

	_, err := s.service.ReadyToReview(s.maker, merchantID)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
}

func (s *MerchantSuite) TestOnlySubmitterEditsWhileEditable() {
	m := s.draft(s.maker)

	_, err := s.service.UpdateDraft(s.checker, m.ID, &models.UpdateMerchantRequest{Profile: models.Profile{DBATradingName: "Hijack"}})
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))

	merchantID := s.inReview(s.maker, 1)
	_, err = s.service.AddLocation(s.maker, merchantID, &models.AddLocationRequest{MerchantLocation: models.MerchantLocation{
		LocationType: "virtual", Location: models.Location{Country: "MM"},
	}})
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))

	updateFailures := s.records(audit.ActionMerchantUpdated, audit.OutcomeFailure)
	s.Len(updateFailures, 2)
}

func (s *MerchantSuite) TestContactFromUnknownOwnerIsNotFound() {
	m := s.draft(s.maker)
	owner := 3
	_, err := s.service.AddContact(s.maker, m.ID, &models.AddContactRequest{Source: models.ContactSourceOwner, OwnerIndex: &owner})
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *MerchantSuite) TestRejectAndRevertNeedReason() {
	merchantID := s.inReview(s.maker, 1)

	_, err := s.service.Reject(s.checker, merchantID, "  ")
	s.True(dErrors.HasCode(err, dErrors.CodeReasonRequired))
	_, err = s.service.Revert(s.checker, merchantID, "")
	s.True(dErrors.HasCode(err, dErrors.CodeReasonRequired))

	m, err := s.service.Reject(s.checker, merchantID, "fraud suspicion")
	s.Require().NoError(err)
	s.Equal(models.StatusRejected, m.Status)
	s.Equal("fraud suspicion", m.StatusReason)

	_, err = s.service.Approve(s.checker, merchantID)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
}

func (s *MerchantSuite) TestRevertedMerchantCanBeFixedAndResubmitted() {
	merchantID := s.inReview(s.maker, 1)

	_, err := s.service.Revert(s.checker, merchantID, "license unreadable")
	s.Require().NoError(err)

	_, err = s.service.SetLicense(s.maker, merchantID, &models.SetLicenseRequest{BusinessLicense: models.BusinessLicense{LicenseNumber: "L-78"}})
	s.Require().NoError(err)
	m, err := s.service.ReadyToReview(s.maker, merchantID)
	s.Require().NoError(err)
	s.Equal(models.StatusReview, m.Status)
	s.Empty(m.StatusReason)
}

func (s *MerchantSuite) TestOtherTenantSeesNotFound() {
	merchantID := s.inReview(s.maker, 1)
	outsider := requestcontext.WithPrincipal(context.Background(), "checker", "globex")

	_, err := s.service.Get(outsider, merchantID)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	_, err = s.service.Approve(outsider, merchantID)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	_, err = s.service.AuditTrail(outsider, merchantID)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	_, err = s.service.BulkApprove(outsider, []int64{int64(merchantID)})
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	s.Equal(models.StatusReview, s.status(merchantID))
}

func (s *MerchantSuite) TestMissingPrincipalIsUnauthorized() {
	_, err := s.service.CreateDraft(context.Background(), &models.CreateMerchantRequest{Profile: models.Profile{DBATradingName: "x"}})
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	_, err = s.service.BulkReject(context.Background(), []int64{1}, "r")
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func (s *MerchantSuite) TestBulkApproveIsAllOrNothing() {
	a := s.inReview(s.maker, 1)
	b := s.complete(s.maker, 1)
	c := s.inReview(s.maker, 1)

	_, err := s.service.BulkApprove(s.checker, []int64{int64(a), int64(b), int64(c)})
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
	s.Contains(dErrors.Message(err), fmt.Sprintf("merchant %d", b))
	s.Contains(dErrors.Message(err), string(models.StatusDraft))

	s.Equal(models.StatusReview, s.status(a))
	s.Equal(models.StatusDraft, s.status(b))
	s.Equal(models.StatusReview, s.status(c))
	s.Empty(s.records(audit.ActionMerchantBulkApproved, audit.OutcomeSuccess))
	failures := s.records(audit.ActionMerchantBulkApproved, audit.OutcomeFailure)
	s.Require().Len(failures, 1)
	s.Equal(auditTargetBatch, failures[0].TargetType)
	s.Empty(s.allocator.calls())
}

func (s *MerchantSuite) TestBulkReportsFirstFailureInInputOrder() {
	a := s.inReview(s.maker, 1)
	draftA := s.complete(s.maker, 1)
	draftB := s.complete(s.maker, 1)

	_, err := s.service.BulkReject(s.checker, []int64{int64(draftB), int64(a), int64(draftA)}, "incomplete")
	s.Require().Error(err)
	s.Contains(dErrors.Message(err), fmt.Sprintf("merchant %d", draftB))
}

func (s *MerchantSuite) TestBulkApproveSendsOneBatch() {
	a := s.inReview(s.maker, 2)
	b := s.inReview(s.maker, 1)

	merchants, err := s.service.BulkApprove(s.checker, []int64{int64(b), int64(a), int64(b)})
	s.Require().NoError(err)
	s.Require().Len(merchants, 2)
	for _, m := range merchants {
		s.Equal(models.StatusApproved, m.Status)
	}

	batches := s.allocator.calls()
	s.Require().Len(batches, 1)
	s.Len(batches[0].Entries, 3)
	s.Equal(int64(a), batches[0].Entries[0].MerchantID)
	s.Len(s.records(audit.ActionMerchantBulkApproved, audit.OutcomeSuccess), 2)
	s.Len(s.records(audit.ActionMerchantAliasAssigned, audit.OutcomeSuccess), 2)
}

func (s *MerchantSuite) TestBulkRevertAppliesReasonToAll() {
	a := s.inReview(s.maker, 1)
	b := s.inReview(s.maker, 1)

	merchants, err := s.service.BulkRevert(s.checker, []int64{int64(a), int64(b)}, "needs photos")
	s.Require().NoError(err)
	s.Len(merchants, 2)
	for _, merchantID := range []id.MerchantID{a, b} {
		m, err := s.store.FindByID(context.Background(), "acme", merchantID)
		s.Require().NoError(err)
		s.Equal(models.StatusReverted, m.Status)
		s.Equal("needs photos", m.StatusReason)
		s.Equal(id.ActorID("checker"), m.ApprovedBy)
	}
}

func (s *MerchantSuite) TestFailedAllocationStaysWaitingUntilRetry() {
	merchantID := s.inReview(s.maker, 1)
	s.allocator.err = dErrors.New(dErrors.CodeTransportFailure, "broker down")

	m, err := s.service.Approve(s.checker, merchantID)
	s.Require().NoError(err)
	s.Equal(models.StatusWaitingAliasGeneration, m.Status)
	s.Equal(models.StatusWaitingAliasGeneration, s.status(merchantID))
	s.Len(s.records(audit.ActionAliasAllocationRequest, audit.OutcomeFailure), 1)

	s.allocator.err = nil
	approved, err := s.service.RetryPendingAllocations(context.Background())
	s.Require().NoError(err)
	s.Equal(1, approved)
	s.Equal(models.StatusApproved, s.status(merchantID))

	batches := s.allocator.calls()
	s.Require().Len(batches, 2)
	s.Equal(batches[0].IdempotencyKey, batches[1].IdempotencyKey)
}

func (s *MerchantSuite) TestLostReplyIsReplayedNotReallocated() {
	a := s.inReview(s.maker, 1)
	b := s.inReview(s.maker, 1)
	s.allocator.loseReplies = true

	_, err := s.service.BulkApprove(s.checker, []int64{int64(a), int64(b)})
	s.Require().NoError(err)
	s.Equal(models.StatusWaitingAliasGeneration, s.status(a))

	s.allocator.loseReplies = false
	approved, err := s.service.RetryPendingAllocations(context.Background())
	s.Require().NoError(err)
	s.Equal(2, approved)
	s.Equal(2, s.allocator.next)

	m, err := s.store.FindByID(context.Background(), "acme", b)
	s.Require().NoError(err)
	s.Equal("0000000002", m.Counters[0].AliasValue)
}

func (s *MerchantSuite) TestRetryWithNothingWaiting() {
	approved, err := s.service.RetryPendingAllocations(context.Background())
	s.Require().NoError(err)
	s.Zero(approved)
	s.Empty(s.allocator.calls())
}

func (s *MerchantSuite) TestConcurrentCheckersOnlyOneWins() {
	merchantID := s.inReview(s.maker, 1)

	const checkers = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		won     int
		invalid int
	)
	for i := range checkers {
		wg.Add(1)
		go func(actor id.ActorID) {
			defer wg.Done()
			ctx := requestcontext.WithPrincipal(context.Background(), actor, "acme")
			var err error
			if i%2 == 0 {
				_, err = s.service.Approve(ctx, merchantID)
			} else {
				_, err = s.service.Reject(ctx, merchantID, "duplicate")
			}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case dErrors.HasCode(err, dErrors.CodeInvalidState):
				invalid++
			}
		}(id.ActorID(fmt.Sprintf("checker-%d", i)))
	}
	wg.Wait()

	s.Equal(1, won)
	s.Equal(checkers-1, invalid)
}

func TestStoreFailuresAreInternal(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	txr := mocks.NewMockTxRunner(ctrl)
	txr.EXPECT().RunInTx(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, fn func(context.Context) error) error {
		return fn(ctx)
	}).AnyTimes()
	svc := New(st, txr, WithLogger(discard))
	ctx := requestcontext.WithPrincipal(context.Background(), "checker", "acme")

	st.EXPECT().FindByIDForUpdate(gomock.Any(), id.TenantID("acme"), id.MerchantID(7)).Return(nil, errors.New("connection reset"))
	_, err := svc.Approve(ctx, 7)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInternal))

	st.EXPECT().FindByIDForUpdate(gomock.Any(), id.TenantID("acme"), id.MerchantID(8)).Return(nil, sentinel.ErrNotFound)
	_, err = svc.Reject(ctx, 8, "r")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))

	st.EXPECT().ListByStatus(gomock.Any(), models.StatusWaitingAliasGeneration, gomock.Any()).Return(nil, errors.New("timeout"))
	_, err = svc.RetryPendingAllocations(ctx)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInternal))
}

func TestBulkUpdateFailureRecordsBatchFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	txr := mocks.NewMockTxRunner(ctrl)
	rec := mocks.NewMockAuditRecorder(ctrl)
	txr.EXPECT().RunInTx(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, fn func(context.Context) error) error {
		return fn(ctx)
	})
	svc := New(st, txr, WithLogger(discard), WithAuditRecorder(rec))
	ctx := requestcontext.WithPrincipal(context.Background(), "checker", "acme")

	m := &models.Merchant{ID: 3, Tenant: "acme", Status: models.StatusReview, SubmittedBy: "maker"}
	st.EXPECT().FindManyForUpdate(gomock.Any(), id.TenantID("acme"), []id.MerchantID{3}).Return([]*models.Merchant{m}, nil)
	st.EXPECT().UpdateStatuses(gomock.Any(), id.TenantID("acme"), []id.MerchantID{3}, gomock.Any()).Return(errors.New("disk full"))
	rec.EXPECT().Record(gomock.Any(), gomock.Any()).Do(func(_ context.Context, e audit.Entry) {
		assert.Equal(t, audit.ActionMerchantBulkRejected, e.Action)
		assert.Equal(t, audit.OutcomeFailure, e.Outcome)
		assert.Equal(t, "3", e.TargetID)
	})

	_, err := svc.BulkReject(ctx, []int64{3}, "r")
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInternal))
}

type countingRetrier struct {
	mu    sync.Mutex
	calls int
}

func (c *countingRetrier) RetryPendingAllocations(context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls == 1 {
		return 0, errors.New("broker down")
	}
	return 1, nil
}

func (c *countingRetrier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestRetryWorkerSweepsUntilCancelled(t *testing.T) {
	retrier := &countingRetrier{}
	worker := NewRetryWorker(retrier, 5*time.Millisecond, discard)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	require.Eventually(t, func() bool { return retrier.count() >= 3 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
