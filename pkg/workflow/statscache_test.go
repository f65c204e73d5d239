package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func sampleStats() QueueStats {
	return QueueStats{PendingJobs: 3, LeasedJobs: 2, CompletedJobs: 10, FailedJobs: 1, ExpiredLeases: 1, ActiveWorkers: 4}
}

func TestInMemoryStatsCacheExpires(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryStatsCache()
	tenantID := uuid.New()
	query := QueueStatsQuery{ActiveWindowSeconds: 300}

	require.NoError(t, cache.SetQueueStats(ctx, tenantID, query, sampleStats(), 1))

	hit, err := cache.GetQueueStats(ctx, tenantID, query)
	require.NoError(t, err)
	require.NotNil(t, hit)
	require.Equal(t, sampleStats(), *hit)

	time.Sleep(1100 * time.Millisecond)

	miss, err := cache.GetQueueStats(ctx, tenantID, query)
	require.NoError(t, err)
	require.Nil(t, miss)
}

func TestInMemoryStatsCacheTTLZeroDisables(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryStatsCache()
	tenantID := uuid.New()
	query := QueueStatsQuery{ActiveWindowSeconds: 300}

	require.NoError(t, cache.SetQueueStats(ctx, tenantID, query, sampleStats(), 0))

	miss, err := cache.GetQueueStats(ctx, tenantID, query)
	require.NoError(t, err)
	require.Nil(t, miss)
}

func TestInMemoryStatsCacheKeysByPartition(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryStatsCache()
	tenantID := uuid.New()

	whole := QueueStatsQuery{ActiveWindowSeconds: 300}
	shard := QueueStatsQuery{ActiveWindowSeconds: 300, Partition: &ClaimPartition{Count: 2, Index: 1}}

	require.NoError(t, cache.SetQueueStats(ctx, tenantID, whole, sampleStats(), 60))

	miss, err := cache.GetQueueStats(ctx, tenantID, shard)
	require.NoError(t, err)
	require.Nil(t, miss, "partitioned query must not hit the unpartitioned entry")
}

func TestRedisStatsCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache := NewRedisStatsCache(newMiniredisClient(t), "workflow:stats:")
	tenantID := uuid.New()
	query := QueueStatsQuery{ActiveWindowSeconds: 60, Partition: &ClaimPartition{Count: 4, Index: 2}}

	miss, err := cache.GetQueueStats(ctx, tenantID, query)
	require.NoError(t, err)
	require.Nil(t, miss)

	require.NoError(t, cache.SetQueueStats(ctx, tenantID, query, sampleStats(), 60))

	hit, err := cache.GetQueueStats(ctx, tenantID, query)
	require.NoError(t, err)
	require.NotNil(t, hit)
	require.Equal(t, sampleStats(), *hit)
}

func TestTwoTierStatsCacheBackfillsTierOne(t *testing.T) {
	ctx := context.Background()
	tier2 := NewRedisStatsCache(newMiniredisClient(t), "workflow:stats:")
	cache := NewTwoTierStatsCache(tier2)
	tenantID := uuid.New()
	query := QueueStatsQuery{ActiveWindowSeconds: 300}

	// Value present only in tier 2, as if another node wrote it.
	require.NoError(t, tier2.SetQueueStats(ctx, tenantID, query, sampleStats(), 60))

	hit, err := cache.GetQueueStats(ctx, tenantID, query)
	require.NoError(t, err)
	require.NotNil(t, hit)
	require.Equal(t, sampleStats(), *hit)

	// Now served from tier 1 directly.
	local, err := cache.tier1.GetQueueStats(ctx, tenantID, query)
	require.NoError(t, err)
	require.NotNil(t, local)
}

func TestDecodeStatsRejectsMalformedValues(t *testing.T) {
	_, err := decodeStats("1,2,3")
	require.Error(t, err)

	_, err = decodeStats("a,b,c,d,e,f")
	require.Error(t, err)

	stats, err := decodeStats("1,2,3,4,5,6")
	require.NoError(t, err)
	require.Equal(t, QueueStats{PendingJobs: 1, LeasedJobs: 2, CompletedJobs: 3, FailedJobs: 4, ExpiredLeases: 5, ActiveWorkers: 6}, stats)
}
