package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xandindexer/config"
	"xandindexer/models"
	"xandindexer/utils"
)

func TestCacheInMemoryWhenRedisDisabled(t *testing.T) {
	ctx := context.Background()
	cs := NewCacheService(ctx, config.RedisConfig{TTL: time.Minute}, utils.DiscardLogger())
	t.Cleanup(func() { _ = cs.Close() })

	assert.Equal(t, CacheModeInMemory, cs.Mode())

	_, ok := cs.Stats(ctx)
	assert.False(t, ok)
	_, ok = cs.Nodes(ctx)
	assert.False(t, ok)

	nodes := []models.Node{{ID: "a", Status: models.StatusOnline}, {ID: "b", Status: models.StatusOffline}}
	cs.SetSnapshot(ctx, nodes, models.NetworkStats{TotalNodes: 2, OnlineNodes: 1})

	got, ok := cs.Nodes(ctx)
	require.True(t, ok)
	assert.Len(t, got, 2)

	// callers cannot mutate the cached slice
	got[0].ID = "changed"
	node, ok := cs.Node(ctx, "a")
	require.True(t, ok)
	assert.Equal(t, models.StatusOnline, node.Status)

	_, ok = cs.Node(ctx, "missing")
	assert.False(t, ok)

	stats, ok := cs.Stats(ctx)
	require.True(t, ok)
	assert.Equal(t, 2, stats.TotalNodes)
}

func TestCacheEmptyNetworkIsStillData(t *testing.T) {
	ctx := context.Background()
	cs := NewCacheService(ctx, config.RedisConfig{}, utils.DiscardLogger())
	cs.SetSnapshot(ctx, nil, models.NetworkStats{})

	nodes, ok := cs.Nodes(ctx)
	assert.True(t, ok)
	assert.Empty(t, nodes)
}

func TestCacheFallsBackWhenRedisUnreachable(t *testing.T) {
	ctx := context.Background()
	cs := NewCacheService(ctx, config.RedisConfig{Enabled: true, Address: deadAddr(t), TTL: time.Minute}, utils.DiscardLogger())
	t.Cleanup(func() { _ = cs.Close() })

	assert.Equal(t, CacheModeInMemory, cs.Mode())
	cs.SetSnapshot(ctx, []models.Node{{ID: "a"}}, models.NetworkStats{TotalNodes: 1})
	stats, ok := cs.Stats(ctx)
	require.True(t, ok)
	assert.Equal(t, 1, stats.TotalNodes)
}
