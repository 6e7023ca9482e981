package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"onboarding/internal/alias/models"
	"onboarding/internal/alias/service"
	"onboarding/internal/alias/store"
	endpointmodels "onboarding/internal/endpoint/models"
	endpointservice "onboarding/internal/endpoint/service"
	endpointstore "onboarding/internal/endpoint/store"
	"onboarding/pkg/testutil"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newRouter(t *testing.T) (http.Handler, string) {
	t.Helper()
	endpoints := endpointservice.New(endpointstore.NewInMemory(),
		endpointservice.WithLogger(discard),
		endpointservice.WithBcryptCost(bcrypt.MinCost),
	)
	reg, err := endpoints.Register(context.Background(), &endpointmodels.RegisterRequest{DFSPID: "dfsp1"})
	require.NoError(t, err)

	allocator := service.New(store.NewInMemory(), endpoints, service.WithLogger(discard))
	r := chi.NewRouter()
	New(allocator, discard).Register(r)
	return r, reg.APIKey
}

func newAllocateRequest(t *testing.T, apiKey string, body any) *http.Request {
	req := testutil.NewJSONRequest(t, http.MethodPost, "/participants", body)
	if apiKey != "" {
		req.Header.Set(HeaderAPIKey, apiKey)
	}
	return req
}

func TestParticipants(t *testing.T) {
	router, apiKey := newRouter(t)
	body := map[string]any{"entries": []map[string]any{{"merchant_id": 42, "currency": "USD"}}}

	testutil.Given(t, "an endpoint with a valid api key", func(t *testing.T) {
		testutil.When(t, "it allocates one alias", func(t *testing.T) {
			rr := testutil.DoRequest(router, newAllocateRequest(t, apiKey, body))

			testutil.Then(t, "the first alias is assigned", func(t *testing.T) {
				testutil.AssertStatus(t, rr, http.StatusCreated)
				result := testutil.UnmarshalResponse[models.AllocationResult](t, rr)
				assert.Equal(t, []models.Assignment{{MerchantID: 42, Alias: "0000000001"}}, result.Assignments)
			})
		})

		testutil.When(t, "the alias is looked up", func(t *testing.T) {
			rr := testutil.DoRequest(router, testutil.NewRequest(t, http.MethodGet, "/participants/PAYINTOID/0000000001"))

			testutil.Then(t, "the owning dfsp is returned", func(t *testing.T) {
				testutil.AssertStatusOK(t, rr)
				list := testutil.UnmarshalResponse[models.PartyList](t, rr)
				assert.Equal(t, []models.Party{{FSPID: "dfsp1", Currency: "USD"}}, list.PartyList)
			})
		})

		testutil.When(t, "an unknown alias is looked up", func(t *testing.T) {
			rr := testutil.DoRequest(router, testutil.NewRequest(t, http.MethodGet, "/participants/PAYINTOID/9999999999"))

			testutil.Then(t, "an empty party list is returned", func(t *testing.T) {
				testutil.AssertStatusOK(t, rr)
				assert.JSONEq(t, `{"partyList":[]}`, string(testutil.ReadBody(t, rr)))
			})
		})
	})
}

func TestAllocateWithIdempotencyKeyReplays(t *testing.T) {
	router, apiKey := newRouter(t)
	body := map[string]any{"entries": []map[string]any{{"merchant_id": 1, "currency": "USD"}}}

	first := newAllocateRequest(t, apiKey, body)
	first.Header.Set(HeaderIdempotencyKey, "abc")
	rr := testutil.DoRequest(router, first)
	testutil.AssertStatus(t, rr, http.StatusCreated)

	second := newAllocateRequest(t, apiKey, body)
	second.Header.Set(HeaderIdempotencyKey, "abc")
	rr = testutil.DoRequest(router, second)
	testutil.AssertStatusOK(t, rr)
	result := testutil.UnmarshalResponse[models.AllocationResult](t, rr)
	assert.Equal(t, "0000000001", result.Assignments[0].Alias)
	assert.True(t, result.Replayed)
}

func TestAllocateAcceptsCamelCaseFSPID(t *testing.T) {
	router, apiKey := newRouter(t)
	body := map[string]any{"entries": []map[string]any{{"merchant_id": 42, "fspId": "dfsp2", "currency": "USD"}}}

	testutil.Given(t, "an entry naming another dfsp as fspId", func(t *testing.T) {
		rr := testutil.DoRequest(router, newAllocateRequest(t, apiKey, body))
		testutil.AssertStatus(t, rr, http.StatusCreated)

		testutil.When(t, "the alias is looked up", func(t *testing.T) {
			rr := testutil.DoRequest(router, testutil.NewRequest(t, http.MethodGet, "/participants/PAYINTOID/0000000001"))

			testutil.Then(t, "the named dfsp owns the alias", func(t *testing.T) {
				testutil.AssertStatusOK(t, rr)
				list := testutil.UnmarshalResponse[models.PartyList](t, rr)
				assert.Equal(t, []models.Party{{FSPID: "dfsp2", Currency: "USD"}}, list.PartyList)
			})
		})
	})
}

func TestAllocateErrors(t *testing.T) {
	router, apiKey := newRouter(t)
	valid := map[string]any{"entries": []map[string]any{{"merchant_id": 1, "currency": "USD"}}}

	tests := []struct {
		name   string
		apiKey string
		body   any
		status int
		code   string
	}{
		{"missing api key", "", valid, http.StatusUnauthorized, "unauthorized"},
		{"wrong api key", "nope", valid, http.StatusUnauthorized, "unauthorized"},
		{"empty entries", apiKey, map[string]any{"entries": []any{}}, http.StatusBadRequest, "bad_request"},
		{"unknown field", apiKey, map[string]any{"entries": []any{}, "extra": 1}, http.StatusBadRequest, "bad_request"},
		{"snake case fsp_id", apiKey, map[string]any{"entries": []map[string]any{{"merchant_id": 1, "fsp_id": "dfsp2", "currency": "USD"}}}, http.StatusBadRequest, "bad_request"},
		{"bad currency", apiKey, map[string]any{"entries": []map[string]any{{"merchant_id": 1, "currency": "US"}}}, http.StatusBadRequest, "validation_error"},
		{"bad supplied alias", apiKey, map[string]any{"entries": []map[string]any{{"merchant_id": 1, "currency": "USD", "alias": "12"}}}, http.StatusBadRequest, "validation_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := testutil.DoRequest(router, newAllocateRequest(t, tt.apiKey, tt.body))
			testutil.AssertStatusAndError(t, rr, tt.status, tt.code)
		})
	}
}
