package redis

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"onboarding/internal/platform/config"
)

// Client is the shared connection behind the reply cache and the rate limiter.
type Client struct {
	*redis.Client
}

// Options turns cfg into go-redis options. Zero durations and sizes keep the
// go-redis defaults.
func Options(cfg config.RedisConfig) (*redis.Options, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	opts.MinIdleConns = cfg.MinIdleConns
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	return opts, nil
}

// New connects to Redis. It returns (nil, nil) when no URL is configured so
// callers can fall back to in-memory implementations.
func New(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	opts, err := Options(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Client{Client: client}, nil
}

// Health pings the server.
func (c *Client) Health(ctx context.Context) error {
	return c.Ping(ctx).Err()
}

// RegisterPoolMetrics exposes connection pool counters on reg.
func (c *Client) RegisterPoolMetrics(reg prometheus.Registerer) error {
	stat := func(name, help string, read func(*redis.PoolStats) uint32) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "onboarding",
			Subsystem: "redis_pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read(c.PoolStats())) })
	}
	for _, col := range []prometheus.Collector{
		stat("total_conns", "Connections currently in the pool.", func(s *redis.PoolStats) uint32 { return s.TotalConns }),
		stat("idle_conns", "Idle connections in the pool.", func(s *redis.PoolStats) uint32 { return s.IdleConns }),
		stat("timeouts", "Times a caller waited too long for a connection.", func(s *redis.PoolStats) uint32 { return s.Timeouts }),
	} {
		if err := reg.Register(col); err != nil {
			return fmt.Errorf("register redis pool metrics: %w", err)
		}
	}
	return nil
}
