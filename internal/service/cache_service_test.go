package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type brokenCacheRepo struct{}

func (brokenCacheRepo) Enabled() bool { return true }
func (brokenCacheRepo) Get(ctx context.Context, key string, dest interface{}) error {
	return errors.New("connection refused")
}
func (brokenCacheRepo) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return errors.New("connection refused")
}
func (brokenCacheRepo) Delete(ctx context.Context, keys ...string) error {
	return errors.New("connection refused")
}

func TestCacheServiceHitAndMissFeedMetrics(t *testing.T) {
	metrics := NewMetricsService()
	cache := NewCacheService(newMemoryCacheRepo(), metrics, time.Minute, nil)
	ctx := context.Background()

	var got map[string]int
	assert.False(t, cache.Get(ctx, "k", &got))

	cache.Set(ctx, "k", map[string]int{"total": 3}, 0)
	assert.True(t, cache.Get(ctx, "k", &got))
	assert.Equal(t, 3, got["total"])

	cache.Invalidate(ctx, "k")
	assert.False(t, cache.Get(ctx, "k", &got))

	snap := metrics.Snapshot()
	assert.EqualValues(t, 1, snap.CacheHits)
	assert.EqualValues(t, 2, snap.CacheMisses)
	assert.InDelta(t, 1.0/3.0, snap.CacheHitRatio, 0.0001)
}

func TestCacheServiceDegradesOnFailure(t *testing.T) {
	cache := NewCacheService(brokenCacheRepo{}, nil, 0, nil)
	ctx := context.Background()

	var dest map[string]int
	assert.False(t, cache.Get(ctx, "k", &dest))
	assert.NotPanics(t, func() {
		cache.Set(ctx, "k", 1, 0)
		cache.Invalidate(ctx, "k")
	})

	var disabled *CacheService
	assert.False(t, disabled.Enabled())
	assert.False(t, disabled.Get(ctx, "k", &dest))
}
