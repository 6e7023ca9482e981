package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures HTTP server level configuration.
type Server struct {
	Addr          string
	JWTSigningKey string
	LogLevel      string
	LogFormat     string
	TxTimeout     time.Duration
}

// Postgres holds the database connection settings. An empty URL selects the
// in-memory stores.
type Postgres struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
}

// RedisConfig holds Redis connection settings. An empty URL selects the
// in-memory reply cache.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	ReplyTTL     time.Duration
}

// Queue configures the request/reply transport. No brokers selects the
// in-process broker.
type Queue struct {
	Brokers       []string
	RequestTopic  string
	ReplyTopic    string
	ConsumerGroup string
	RetryInterval time.Duration
	MaxBackoff    time.Duration
}

// Alias configures allocation on both sides of the queue.
type Alias struct {
	Digits             int
	RPCTimeout         time.Duration
	RetryInterval      time.Duration
	APIKey             string
	DFSPID             string
	BreakerFailures    int
	BreakerOpenTimeout time.Duration
}

// RateLimit bounds public oracle traffic per client IP. Zero requests
// disables the limit.
type RateLimit struct {
	ParticipantRequests int
	Window              time.Duration
}

// Config is the full process configuration.
type Config struct {
	Server    Server
	Postgres  Postgres
	Redis     RedisConfig
	Queue     Queue
	Alias     Alias
	RateLimit RateLimit
}

// Defaults applied when the environment leaves a value unset.
const (
	DefaultAddr              = ":8080"
	DefaultRequestTopic      = "alias-commands"
	DefaultReplyTopicPrefix  = "alias-replies-"
	DefaultRetryInterval     = 5 * time.Second
	DefaultMaxBackoff        = 30 * time.Second
	DefaultAliasDigits       = 10
	DefaultAliasRPCTimeout   = 10 * time.Second
	DefaultAllocationRetry   = time.Minute
	DefaultTxTimeout         = 5 * time.Second
	DefaultReplyTTL          = 24 * time.Hour
	DefaultBreakerFailures   = 5
	DefaultBreakerOpenWindow = 30 * time.Second
	DefaultParticipantLimit  = 600
	DefaultRateLimitWindow   = time.Minute
)

// FromEnv builds the configuration from environment variables so main stays lean.
// service names the binary and seeds per-instance defaults such as the
// reply topic and consumer group.
func FromEnv(service string) (Config, error) {
	var errs []string
	dur := func(key string, def time.Duration) time.Duration {
		v, err := durationEnv(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return v
	}
	num := func(key string, def int) int {
		v, err := intEnv(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return v
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "local"
	}

	jwtSigningKey := os.Getenv("JWT_SIGNING_KEY")
	if jwtSigningKey == "" {
		// Development default; production deployments must override it.
		jwtSigningKey = "dev-secret-key-change-in-production"
	}

	cfg := Config{
		Server: Server{
			Addr:          stringEnv("HTTP_ADDR", DefaultAddr),
			JWTSigningKey: jwtSigningKey,
			LogLevel:      stringEnv("LOG_LEVEL", "info"),
			LogFormat:     stringEnv("LOG_FORMAT", "json"),
			TxTimeout:     dur("TX_TIMEOUT", DefaultTxTimeout),
		},
		Postgres: Postgres{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: num("DATABASE_MAX_OPEN_CONNS", 20),
			MaxIdleConns: num("DATABASE_MAX_IDLE_CONNS", 5),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     num("REDIS_POOL_SIZE", 10),
			MinIdleConns: num("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  dur("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  dur("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: dur("REDIS_WRITE_TIMEOUT", 3*time.Second),
			ReplyTTL:     dur("ALLOCATION_REPLY_TTL", DefaultReplyTTL),
		},
		Queue: Queue{
			Brokers:       splitList(os.Getenv("KAFKA_BROKERS")),
			RequestTopic:  stringEnv("QUEUE_REQUEST_TOPIC", DefaultRequestTopic),
			ReplyTopic:    stringEnv("QUEUE_REPLY_TOPIC", DefaultReplyTopicPrefix+hostname),
			ConsumerGroup: stringEnv("QUEUE_CONSUMER_GROUP", service),
			RetryInterval: dur("QUEUE_RETRY_INTERVAL", DefaultRetryInterval),
			MaxBackoff:    dur("QUEUE_MAX_BACKOFF", DefaultMaxBackoff),
		},
		Alias: Alias{
			Digits:             num("ALIAS_DIGITS", DefaultAliasDigits),
			RPCTimeout:         dur("ALIAS_RPC_TIMEOUT", DefaultAliasRPCTimeout),
			RetryInterval:      dur("ALLOCATION_RETRY_INTERVAL", DefaultAllocationRetry),
			APIKey:             os.Getenv("ALIAS_API_KEY"),
			DFSPID:             stringEnv("ALIAS_DFSP_ID", service),
			BreakerFailures:    num("ALIAS_BREAKER_FAILURES", DefaultBreakerFailures),
			BreakerOpenTimeout: dur("ALIAS_BREAKER_OPEN_TIMEOUT", DefaultBreakerOpenWindow),
		},
		RateLimit: RateLimit{
			ParticipantRequests: num("RATE_LIMIT_PARTICIPANTS", DefaultParticipantLimit),
			Window:              dur("RATE_LIMIT_WINDOW", DefaultRateLimitWindow),
		},
	}

	if cfg.Alias.Digits < 1 || cfg.Alias.Digits > 18 {
		errs = append(errs, fmt.Sprintf("ALIAS_DIGITS must be between 1 and 18, got %d", cfg.Alias.Digits))
	}
	if cfg.RateLimit.ParticipantRequests < 0 {
		errs = append(errs, "RATE_LIMIT_PARTICIPANTS must not be negative")
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

func stringEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def, fmt.Errorf("%s: invalid duration %q", key, raw)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def, fmt.Errorf("%s: invalid integer %q", key, raw)
	}
	return n, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
