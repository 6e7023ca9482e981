package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

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
	"onboarding/internal/platform/httpserver"
	"onboarding/internal/platform/kafka"
	"onboarding/internal/platform/logger"
	"onboarding/internal/platform/metrics"
	"onboarding/internal/platform/postgres"
	"onboarding/internal/platform/queue"
	"onboarding/pkg/platform/audit"
	auditmemory "onboarding/pkg/platform/audit/store/memory"
	auditpostgres "onboarding/pkg/platform/audit/store/postgres"
	"onboarding/pkg/platform/circuit"
	"onboarding/pkg/platform/middleware/auth"
	"onboarding/pkg/platform/middleware/metadata"
	"onboarding/pkg/platform/middleware/request"
	"onboarding/pkg/platform/middleware/requesttime"
	"onboarding/pkg/platform/tx"
)

// Token claims the acquirer accepts.
const (
	tokenIssuer   = "onboarding"
	tokenAudience = "acquirer"
)

// mergedStore is what the merchant service needs from one persistence
// backend: the store and its transaction runner.
type mergedStore interface {
	merchantservice.Store
	merchantservice.TxRunner
}

// main wires the acquirer back office: maker/checker API, alias RPC client
// and the pending-allocation retry worker.
func main() {
	cfg, err := config.FromEnv("acquirer")
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Server.LogLevel, cfg.Server.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("acquirer stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	reg := metrics.NewRegistry()
	checks := map[string]httpserver.Check{}

	var (
		merchants  mergedStore
		auditStore audit.Store = auditmemory.NewInMemoryStore()
	)
	if cfg.Postgres.URL != "" {
		db, err := postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return err
		}
		defer db.Close()
		schema := append(append([]string{}, merchantstore.Schema...), auditpostgres.Schema...)
		if err := postgres.EnsureSchema(ctx, db, schema...); err != nil {
			return err
		}
		merchants = merchantstore.NewPostgres(db, tx.WithTimeout(cfg.Server.TxTimeout))
		auditStore = auditpostgres.New(db)
		checks["postgres"] = db.PingContext
	} else {
		merchants = merchantstore.NewInMemory()
		log.Warn("DATABASE_URL not set, merchants are kept in memory")
	}
	recorder := audit.NewRecorder(auditStore, audit.WithLogger(log), audit.WithMetrics(audit.NewMetrics(reg)))

	broker, err := kafka.Open(ctx, cfg.Queue, log, cfg.Queue.RequestTopic, cfg.Queue.ReplyTopic)
	if err != nil {
		return err
	}
	defer broker.Close()

	g, ctx := errgroup.WithContext(ctx)

	if kb, ok := broker.(*kafka.Broker); ok {
		checks["kafka"] = kb.Ping
	} else {
		// Nothing else can reach the in-process broker, so the oracle runs
		// alongside the acquirer.
		embedded := oracle.New(oracle.Deps{
			Broker:      broker,
			Aliases:     aliasstore.NewInMemory(),
			Credentials: endpointstore.NewInMemory(),
			Cache:       idempotency.NewMemoryCache(cfg.Redis.ReplyTTL),
			Audit:       recorder,
			Metrics:     reg,
			Logger:      log,
		}, cfg.Alias)
		g.Go(func() error { return embedded.Consume(ctx, cfg.Queue) })
	}

	rpc := queue.NewRPCClient(broker, cfg.Queue.RequestTopic, cfg.Queue.ReplyTopic,
		queue.WithTimeout(cfg.Alias.RPCTimeout),
		queue.WithReconnectBackoff(cfg.Queue.RetryInterval, cfg.Queue.MaxBackoff),
		queue.WithRPCLogger(log),
	)
	g.Go(func() error { return rpc.Run(ctx) })

	apiKey := cfg.Alias.APIKey
	if apiKey == "" {
		if apiKey, err = registerEndpoint(ctx, rpc, cfg.Alias.DFSPID); err != nil {
			return err
		}
		log.Warn("ALIAS_API_KEY not set, registered a fresh oracle credential", "dfsp_id", cfg.Alias.DFSPID)
	}

	mm := merchantmetrics.New(reg)
	aliasClient := adapters.NewAliasClient(rpc, apiKey,
		adapters.WithBreaker(circuit.New("alias-oracle",
			circuit.WithFailureThreshold(cfg.Alias.BreakerFailures),
			circuit.WithOpenTimeout(cfg.Alias.BreakerOpenTimeout),
		)),
		adapters.WithBreakerObserver(mm),
		adapters.WithLogger(log),
	)
	svc := merchantservice.New(merchants, merchants,
		merchantservice.WithLogger(log),
		merchantservice.WithMetrics(mm),
		merchantservice.WithAuditRecorder(recorder),
		merchantservice.WithAliasAllocator(aliasClient),
	)
	worker := merchantservice.NewRetryWorker(svc, cfg.Alias.RetryInterval, log)

	authn := jwttoken.NewAuthenticator(jwttoken.NewJWTService(cfg.Server.JWTSigningKey, tokenIssuer, tokenAudience))
	router := chi.NewRouter()
	router.Use(request.RequestID, metadata.ClientMetadata, requesttime.Middleware)
	router.Get("/health", httpserver.Health(checks))
	router.Handle("/metrics", metrics.Handler(reg))
	router.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(authn, log, deniedRecorder(recorder)))
		merchanthandler.New(svc, log).Register(r)
	})

	g.Go(func() error {
		return httpserver.Run(ctx, httpserver.New(cfg.Server.Addr, router), log)
	})
	g.Go(func() error { return worker.Run(ctx) })
	return g.Wait()
}

// registerEndpoint obtains an oracle credential for dfspID over the queue.
func registerEndpoint(ctx context.Context, rpc *queue.RPCClient, dfspID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	raw, err := rpc.Call(ctx, consumer.CommandRegisterEndpointDFSP, endpointmodels.RegisterRequest{DFSPID: dfspID, DisplayName: dfspID})
	if err != nil {
		return "", fmt.Errorf("register endpoint: %w", err)
	}
	var reg endpointmodels.Registration
	if err := json.Unmarshal(raw, &reg); err != nil {
		return "", fmt.Errorf("decode endpoint registration: %w", err)
	}
	return reg.APIKey, nil
}

// deniedRecorder audits every rejected bearer token.
func deniedRecorder(recorder *audit.Recorder) auth.UnauthorizedHook {
	return func(ctx context.Context, r *http.Request, reason string) {
		recorder.Record(ctx, audit.Entry{
			Action:     audit.ActionUnauthorizedAccess,
			TargetType: "http_request",
			TargetID:   r.Method + " " + r.URL.Path,
			Outcome:    audit.OutcomeFailure,
			Reason:     reason,
			Actor:      "anonymous",
		})
	}
}
