// Package idempotency caches allocation replies by (dfsp, idempotency key)
// so a replayed bulkGenerateAlias returns the original aliases without
// touching the allocator. The alias store remains authoritative; this is a
// fast path in front of it.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"onboarding/internal/alias/models"
	id "onboarding/pkg/domain"
)

const keyPrefix = "alias:reply:"

// Key scopes an idempotency key to the DFSP that sent it. The DFSP id is
// length-prefixed because DFSP ids may themselves contain ':'.
func Key(dfsp id.TenantID, idempotencyKey string) string {
	return strconv.Itoa(len(dfsp)) + ":" + string(dfsp) + ":" + idempotencyKey
}

// RedisCache stores replies as JSON with a TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*models.AllocationResult, bool, error) {
	data, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get cached reply: %w", err)
	}
	var result models.AllocationResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, false, fmt.Errorf("unmarshal cached reply: %w", err)
	}
	return &result, true, nil
}

func (c *RedisCache) Put(ctx context.Context, key string, result *models.AllocationResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal reply: %w", err)
	}
	return c.client.Set(ctx, keyPrefix+key, data, c.ttl).Err()
}

// MemoryCache is the single-process fallback when Redis is not configured.
type MemoryCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	result    models.AllocationResult
	expiresAt time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{ttl: ttl, entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*models.AllocationResult, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || (c.ttl > 0 && c.now().After(e.expiresAt)) {
		return nil, false, nil
	}
	result := e.result
	result.Assignments = append([]models.Assignment(nil), e.result.Assignments...)
	return &result, true, nil
}

func (c *MemoryCache) Put(_ context.Context, key string, result *models.AllocationResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored := *result
	stored.Assignments = append([]models.Assignment(nil), result.Assignments...)
	c.entries[key] = memoryEntry{result: stored, expiresAt: c.now().Add(c.ttl)}
	return nil
}
