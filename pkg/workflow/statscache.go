package workflow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type statsCacheEntry struct {
	stats     QueueStats
	expiresAt time.Time
}

// InMemoryStatsCache is the always-present tier-1 cache: a single mutex-
// guarded map keyed by tenant+query, expiring entries on a monotonic
// clock.
type InMemoryStatsCache struct {
	mu      sync.RWMutex
	entries map[string]statsCacheEntry
}

// NewInMemoryStatsCache builds an empty tier-1 stats cache.
func NewInMemoryStatsCache() *InMemoryStatsCache {
	return &InMemoryStatsCache{entries: make(map[string]statsCacheEntry)}
}

func statsCacheKey(tenantID TenantID, query QueueStatsQuery) string {
	return tenantID.String() + "/" + query.cacheKey()
}

func (c *InMemoryStatsCache) GetQueueStats(ctx context.Context, tenantID TenantID, query QueueStatsQuery) (*QueueStats, error) {
	key := statsCacheKey(tenantID, query)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		if current, ok := c.entries[key]; ok && !current.expiresAt.After(time.Now()) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, nil
	}
	stats := entry.stats
	return &stats, nil
}

func (c *InMemoryStatsCache) SetQueueStats(ctx context.Context, tenantID TenantID, query QueueStatsQuery, stats QueueStats, ttlSeconds int) error {
	if ttlSeconds <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[statsCacheKey(tenantID, query)] = statsCacheEntry{
		stats:     stats,
		expiresAt: time.Now().Add(time.Duration(ttlSeconds) * time.Second),
	}
	return nil
}

// RedisStatsCache is the optional tier-2 cache, backing a Redis key per
// tenant+query with a comma-joined six-field counter string so any node
// can read a value another node wrote.
type RedisStatsCache struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStatsCache builds a tier-2 stats cache over client.
func NewRedisStatsCache(client redis.UniversalClient, keyPrefix string) *RedisStatsCache {
	return &RedisStatsCache{client: client, keyPrefix: keyPrefix}
}

func (c *RedisStatsCache) keyFor(tenantID TenantID, query QueueStatsQuery) string {
	return c.keyPrefix + tenantID.String() + "/" + query.cacheKey()
}

func encodeStats(s QueueStats) string {
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d",
		s.PendingJobs, s.LeasedJobs, s.CompletedJobs, s.FailedJobs, s.ExpiredLeases, s.ActiveWorkers)
}

func decodeStats(raw string) (QueueStats, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 6 {
		return QueueStats{}, WrapInternal("malformed cached queue stats value", nil)
	}
	values := make([]int64, 6)
	for i, part := range parts {
		v, err := parseMetric(part)
		if err != nil {
			return QueueStats{}, err
		}
		values[i] = v
	}
	return QueueStats{
		PendingJobs:   values[0],
		LeasedJobs:    values[1],
		CompletedJobs: values[2],
		FailedJobs:    values[3],
		ExpiredLeases: values[4],
		ActiveWorkers: values[5],
	}, nil
}

func parseMetric(raw string) (int64, error) {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, WrapInternal("malformed queue stats metric: "+raw, err)
	}
	return v, nil
}

func (c *RedisStatsCache) GetQueueStats(ctx context.Context, tenantID TenantID, query QueueStatsQuery) (*QueueStats, error) {
	raw, err := c.client.Get(ctx, c.keyFor(tenantID, query)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, WrapInternal("redis stats cache read failed", err)
	}
	stats, err := decodeStats(raw)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *RedisStatsCache) SetQueueStats(ctx context.Context, tenantID TenantID, query QueueStatsQuery, stats QueueStats, ttlSeconds int) error {
	if ttlSeconds <= 0 {
		return nil
	}
	err := c.client.SetEx(ctx, c.keyFor(tenantID, query), encodeStats(stats), time.Duration(ttlSeconds)*time.Second).Err()
	if err != nil {
		return WrapInternal("redis stats cache write failed", err)
	}
	return nil
}

// TwoTierStatsCache reads tier 1 (in-process) first, falling through to
// tier 2 (distributed) on a miss and back-filling tier 1 from the result.
// Tier 2 is optional; when nil, this behaves exactly like the in-process
// cache alone.
type TwoTierStatsCache struct {
	tier1 *InMemoryStatsCache
	tier2 StatsCache
}

// NewTwoTierStatsCache builds a cache with an always-present tier1 and an
// optional tier2 (pass nil to run single-tier).
func NewTwoTierStatsCache(tier2 StatsCache) *TwoTierStatsCache {
	return &TwoTierStatsCache{tier1: NewInMemoryStatsCache(), tier2: tier2}
}

func (c *TwoTierStatsCache) GetQueueStats(ctx context.Context, tenantID TenantID, query QueueStatsQuery) (*QueueStats, error) {
	if stats, _ := c.tier1.GetQueueStats(ctx, tenantID, query); stats != nil {
		return stats, nil
	}
	if c.tier2 == nil {
		return nil, nil
	}
	stats, err := c.tier2.GetQueueStats(ctx, tenantID, query)
	if err != nil || stats == nil {
		return stats, err
	}
	_ = c.tier1.SetQueueStats(ctx, tenantID, query, *stats, 30)
	return stats, nil
}

func (c *TwoTierStatsCache) SetQueueStats(ctx context.Context, tenantID TenantID, query QueueStatsQuery, stats QueueStats, ttlSeconds int) error {
	if err := c.tier1.SetQueueStats(ctx, tenantID, query, stats, ttlSeconds); err != nil {
		return err
	}
	if c.tier2 == nil {
		return nil
	}
	return c.tier2.SetQueueStats(ctx, tenantID, query, stats, ttlSeconds)
}
