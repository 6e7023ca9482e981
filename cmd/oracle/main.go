package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"onboarding/internal/alias/idempotency"
	aliasstore "onboarding/internal/alias/store"
	endpointstore "onboarding/internal/endpoint/store"
	"onboarding/internal/oracle"
	"onboarding/internal/platform/config"
	"onboarding/internal/platform/httpserver"
	"onboarding/internal/platform/kafka"
	"onboarding/internal/platform/logger"
	"onboarding/internal/platform/metrics"
	"onboarding/internal/platform/postgres"
	"onboarding/internal/platform/redis"
	"onboarding/internal/ratelimit"
	"onboarding/pkg/platform/audit"
	auditmemory "onboarding/pkg/platform/audit/store/memory"
	auditpostgres "onboarding/pkg/platform/audit/store/postgres"
	"onboarding/pkg/platform/middleware/metadata"
	"onboarding/pkg/platform/middleware/request"
	"onboarding/pkg/platform/middleware/requesttime"
	"onboarding/pkg/platform/tx"
)

// main wires the registry oracle: participants API, command consumer and
// the alias allocator behind them.
func main() {
	cfg, err := config.FromEnv("oracle")
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Server.LogLevel, cfg.Server.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("oracle stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	reg := metrics.NewRegistry()
	checks := map[string]httpserver.Check{}
	deps := oracle.Deps{Metrics: reg, Logger: log}
	var limits ratelimit.Store = ratelimit.NewMemoryStore()

	var auditStore audit.Store = auditmemory.NewInMemoryStore()
	if cfg.Postgres.URL != "" {
		db, err := postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return err
		}
		defer db.Close()
		schema := append(append(append([]string{}, aliasstore.Schema...), endpointstore.Schema...), auditpostgres.Schema...)
		if err := postgres.EnsureSchema(ctx, db, schema...); err != nil {
			return err
		}
		deps.Aliases = aliasstore.NewPostgres(db, tx.WithTimeout(cfg.Server.TxTimeout))
		deps.Credentials = endpointstore.NewPostgres(db)
		auditStore = auditpostgres.New(db)
		checks["postgres"] = db.PingContext
		log.Info("using postgres stores")
	} else {
		deps.Aliases = aliasstore.NewInMemory()
		deps.Credentials = endpointstore.NewInMemory()
		log.Warn("DATABASE_URL not set, aliases and credentials are kept in memory")
	}
	deps.Audit = audit.NewRecorder(auditStore, audit.WithLogger(log), audit.WithMetrics(audit.NewMetrics(reg)))

	rc, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if rc != nil {
		defer rc.Close()
		deps.Cache = idempotency.NewRedisCache(rc.Client, cfg.Redis.ReplyTTL)
		limits = ratelimit.NewRedisStore(rc.Client)
		checks["redis"] = rc.Health
		if err := rc.RegisterPoolMetrics(reg); err != nil {
			return err
		}
	} else {
		deps.Cache = idempotency.NewMemoryCache(cfg.Redis.ReplyTTL)
	}

	broker, err := kafka.Open(ctx, cfg.Queue, log, cfg.Queue.RequestTopic)
	if err != nil {
		return err
	}
	defer broker.Close()
	if kb, ok := broker.(*kafka.Broker); ok {
		checks["kafka"] = kb.Ping
	}
	deps.Broker = broker

	o := oracle.New(deps, cfg.Alias)

	router := chi.NewRouter()
	router.Use(request.RequestID, metadata.ClientMetadata, requesttime.Middleware)
	router.Get("/health", httpserver.Health(checks))
	router.Handle("/metrics", metrics.Handler(reg))
	limiter := ratelimit.New(limits, log, ratelimit.WithMetrics(reg))
	router.Group(func(r chi.Router) {
		r.Use(limiter.ByClientIP("participants", ratelimit.Limit{
			Requests: cfg.RateLimit.ParticipantRequests,
			Window:   cfg.RateLimit.Window,
		}))
		o.Routes(r)
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Run(ctx, httpserver.New(cfg.Server.Addr, router), log)
	})
	g.Go(func() error {
		return o.Consume(ctx, cfg.Queue)
	})
	return g.Wait()
}
