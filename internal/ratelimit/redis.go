package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ratelimit:"

// RedisStore shares sliding windows across oracle instances. Each key is a
// sorted set of request ids scored by arrival time in microseconds. The
// check and the add are separate round trips, so concurrent callers can
// overshoot the limit by a few requests.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func (s *RedisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (*Result, error) {
	now := s.now()
	redisKey := redisKeyPrefix + key
	cutoff := strconv.FormatInt(now.Add(-window).UnixMicro(), 10)

	var card *redis.IntCmd
	var oldest *redis.ZSliceCmd
	if _, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, redisKey, "-inf", cutoff)
		card = p.ZCard(ctx, redisKey)
		oldest = p.ZRangeWithScores(ctx, redisKey, 0, 0)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("read rate window: %w", err)
	}

	resetAt := now.Add(window)
	if z := oldest.Val(); len(z) > 0 {
		resetAt = time.UnixMicro(int64(z[0].Score)).Add(window)
	}
	count := int(card.Val())
	if count >= limit {
		return &Result{Allowed: false, Limit: limit, ResetAt: resetAt}, nil
	}

	if _, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixMicro()), Member: uuid.NewString()})
		p.PExpire(ctx, redisKey, window)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("record request: %w", err)
	}
	if count == 0 {
		resetAt = now.Add(window)
	}
	return &Result{Allowed: true, Limit: limit, Remaining: limit - count - 1, ResetAt: resetAt}, nil
}
