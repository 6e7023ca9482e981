// Package stack starts the acquirer and the oracle in one process over the
// in-process broker, each behind an httptest server, for end-to-end tests.
package stack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"onboarding/internal/alias/consumer"
	"onboarding/internal/alias/idempotency"
	aliasstore "onboarding/internal/alias/store"
	endpointmodels "onboarding/internal/endpoint/models"
	endpointstore "onboarding/internal/endpoint/store"
	jwttoken "onboarding/internal/jwt_token"
	"onboarding/internal/merchant/adapters"
	merchanthandler "onboarding/internal/merchant/handler"
	merchantmetrics "onboarding/internal/merchant/metrics"
	merchantservice "onboarding/internal/merchant/service"
	merchantstore "onboarding/internal/merchant/store"
	"onboarding/internal/oracle"
	"onboarding/internal/platform/config"
	"onboarding/internal/platform/queue"
	id "onboarding/pkg/domain"
	"onboarding/pkg/platform/audit"
	auditmemory "onboarding/pkg/platform/audit/store/memory"
	"onboarding/pkg/platform/middleware/auth"
	"onboarding/pkg/platform/middleware/request"
)

const (
	requestTopic = "alias-commands"
	replyTopic   = "alias-replies-test"

	// Tenant is the DFSP every test principal works for.
	Tenant = "acme"
)

// Stack is a running acquirer and oracle pair.
type Stack struct {
	AcquirerURL string
	OracleURL   string
	Audit       *auditmemory.InMemoryStore

	tokens *jwttoken.JWTService
}

// Start wires both services and registers the acquirer's oracle credential.
// Everything is torn down by t.Cleanup.
func Start(t testing.TB) *Stack {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	broker := queue.NewMemoryBroker()
	reg := prometheus.NewRegistry()
	auditStore := auditmemory.NewInMemoryStore()
	recorder := audit.NewRecorder(auditStore, audit.WithLogger(logger))

	o := oracle.New(oracle.Deps{
		Broker:      broker,
		Aliases:     aliasstore.NewInMemory(),
		Credentials: endpointstore.NewInMemory(),
		Cache:       idempotency.NewMemoryCache(time.Hour),
		Audit:       recorder,
		Metrics:     reg,
		Logger:      logger,
		BcryptCost:  bcrypt.MinCost,
	}, config.Alias{Digits: 10})
	go func() {
		_ = o.Consume(ctx, config.Queue{RequestTopic: requestTopic, ConsumerGroup: "oracle"})
	}()

	rpc := queue.NewRPCClient(broker, requestTopic, replyTopic, queue.WithTimeout(2*time.Second), queue.WithRPCLogger(logger))
	go func() { _ = rpc.Run(ctx) }()

	raw, err := rpc.Call(ctx, consumer.CommandRegisterEndpointDFSP, endpointmodels.RegisterRequest{DFSPID: Tenant, DisplayName: "Acme acquirer"})
	require.NoError(t, err)
	var registration endpointmodels.Registration
	require.NoError(t, json.Unmarshal(raw, &registration))
	require.NotEmpty(t, registration.APIKey)

	mm := merchantmetrics.New(reg)
	merchants := merchantstore.NewInMemory()
	svc := merchantservice.New(merchants, merchants,
		merchantservice.WithLogger(logger),
		merchantservice.WithMetrics(mm),
		merchantservice.WithAuditRecorder(recorder),
		merchantservice.WithAliasAllocator(adapters.NewAliasClient(rpc, registration.APIKey,
			adapters.WithBreakerObserver(mm),
			adapters.WithLogger(logger),
		)),
	)

	tokens := jwttoken.NewJWTService("e2e-signing-key", "onboarding", "acquirer")
	acquirerRouter := chi.NewRouter()
	acquirerRouter.Use(request.RequestID)
	acquirerRouter.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(jwttoken.NewAuthenticator(tokens), logger, nil))
		merchanthandler.New(svc, logger).Register(r)
	})
	acquirer := httptest.NewServer(acquirerRouter)

	oracleRouter := chi.NewRouter()
	oracleRouter.Use(request.RequestID)
	o.Routes(oracleRouter)
	oracleServer := httptest.NewServer(oracleRouter)

	t.Cleanup(func() {
		acquirer.Close()
		oracleServer.Close()
		cancel()
		_ = broker.Close()
	})
	return &Stack{
		AcquirerURL: acquirer.URL,
		OracleURL:   oracleServer.URL,
		Audit:       auditStore,
		tokens:      tokens,
	}
}

// Token issues a bearer token for actor in Tenant.
func (s *Stack) Token(actor string) (string, error) {
	return s.tokens.GenerateAccessToken(id.ActorID(actor), Tenant, time.Hour)
}

// Do sends a JSON request to the acquirer as actor and decodes the reply. An
// empty actor sends no credentials.
func (s *Stack) Do(ctx context.Context, actor, method, path string, body any) (int, map[string]any, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.AcquirerURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		tok, err := s.Token(actor)
		if err != nil {
			return 0, nil, err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return resp.StatusCode, nil, fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return resp.StatusCode, out, nil
}

// Lookup asks the oracle which parties an alias routes to.
func (s *Stack) Lookup(ctx context.Context, alias string) ([]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.OracleURL+"/participants/MERCHANT_PAYINTOACCOUNT/"+alias, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lookup %s: status %d", alias, resp.StatusCode)
	}
	var out struct {
		PartyList []any `json:"partyList"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.PartyList, nil
}
