//go:build integration

package idempotency_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"onboarding/internal/alias/idempotency"
	"onboarding/internal/alias/models"
	"onboarding/pkg/testutil/containers"
)

type RedisCacheSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	cache *idempotency.RedisCache
}

func TestRedisCacheSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisCacheSuite))
}

func (s *RedisCacheSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
	s.cache = idempotency.NewRedisCache(s.redis.Client, time.Minute)
}

func (s *RedisCacheSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisCacheSuite) TestPutThenGet() {
	ctx := context.Background()
	key := idempotency.Key("dfsp1", "batch-1")
	result := &models.AllocationResult{Assignments: []models.Assignment{
		{MerchantID: 7, Alias: "0000000001"},
		{MerchantID: 9, Alias: "0000000002"},
	}}

	s.Require().NoError(s.cache.Put(ctx, key, result))
	got, ok, err := s.cache.Get(ctx, key)
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Equal(result.Assignments, got.Assignments)

	ttl, err := s.redis.Client.TTL(ctx, "alias:reply:"+key).Result()
	s.Require().NoError(err)
	s.Greater(ttl, time.Duration(0))
}

func (s *RedisCacheSuite) TestMiss() {
	_, ok, err := s.cache.Get(context.Background(), "missing")
	s.Require().NoError(err)
	s.False(ok)
}
