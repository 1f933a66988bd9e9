package services

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xandindexer/config"
	"xandindexer/models"
	"xandindexer/utils"
)

func testPRPCConfig(seeds ...string) config.PRPCConfig {
	return config.PRPCConfig{
		Seeds:           seeds,
		DefaultPort:     6000,
		PresenceTimeout: 2 * time.Second,
		StatsTimeout:    2 * time.Second,
		NodeTimeout:     time.Second,
		BatchSize:       10,
		MaxRetries:      1,
	}
}

func podsResult(addrs ...string) map[string]any {
	pods := make([]map[string]any, 0, len(addrs))
	for i, a := range addrs {
		pods = append(pods, map[string]any{
			"address":             a,
			"pubkey":              "pk" + string(rune('a'+i)),
			"version":             "0.8.0",
			"last_seen_timestamp": time.Now().Unix(),
			"uptime":              3600,
			"storage_committed":   int64(1) << 40,
			"storage_used":        int64(1) << 39,
		})
	}
	return map[string]any{"pods": pods, "total_count": len(pods)}
}

func TestFetchPodsFallsBackToThirdSeed(t *testing.T) {
	failing := statusServer(t, http.StatusInternalServerError)
	empty := newRPCFake(t, func(call rpcCall) (any, *models.RPCError) {
		return podsResult(), nil
	})
	good := newRPCFake(t, func(call rpcCall) (any, *models.RPCError) {
		return podsResult("1.1.1.1:9001", "2.2.2.2:9001"), nil
	})

	client := NewPRPCClient(testPRPCConfig(failing.Listener.Addr().String(), empty.addr(), good.addr()), utils.DiscardLogger())
	set, err := client.GetPodsWithStats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, good.addr(), set.Seed)
	assert.Equal(t, models.TierStats, set.Tier)
	assert.Len(t, set.Pods, 2)
	assert.EqualValues(t, 1, empty.hits.Load())
}

func TestFetchPodsAllSeedsFail(t *testing.T) {
	dead := deadAddr(t)
	rpcErr := newRPCFake(t, func(call rpcCall) (any, *models.RPCError) {
		return nil, &models.RPCError{Code: -32000, Message: "busy"}
	})

	client := NewPRPCClient(testPRPCConfig(dead, rpcErr.addr()), utils.DiscardLogger())
	_, err := client.GetPods(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRegistryUnavailable))

	var unavailable *RegistryUnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Equal(t, "get-pods", unavailable.Method)
	assert.Equal(t, []string{dead, rpcErr.addr()}, unavailable.Endpoints)
	assert.Len(t, unavailable.Errs, 2)
	assert.Contains(t, err.Error(), dead)

	var rpcError *models.RPCError
	assert.True(t, errors.As(err, &rpcError))
}

func TestFetchPodsNamesOnlyTriedSeeds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := newRPCFake(t, func(call rpcCall) (any, *models.RPCError) {
		cancel()
		return nil, &models.RPCError{Code: -32000, Message: "shutting down"}
	})
	second := newRPCFake(t, func(call rpcCall) (any, *models.RPCError) {
		return podsResult("1.1.1.1:9001"), nil
	})

	client := NewPRPCClient(testPRPCConfig(first.addr(), second.addr()), utils.DiscardLogger())
	_, err := client.FetchAllPNodes(ctx)

	var unavailable *RegistryUnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Equal(t, []string{first.addr()}, unavailable.Endpoints)
	assert.Zero(t, second.hits.Load())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetchAllPNodesFallsBackToPresence(t *testing.T) {
	seed := newRPCFake(t, func(call rpcCall) (any, *models.RPCError) {
		if call.Method == "get-pods-with-stats" {
			return nil, &models.RPCError{Code: -32601, Message: "method not found"}
		}
		return podsResult("3.3.3.3:9001"), nil
	})

	client := NewPRPCClient(testPRPCConfig(seed.addr()), utils.DiscardLogger())
	set, err := client.FetchAllPNodes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.TierPresence, set.Tier)
	require.Len(t, set.Pods, 1)
	_, ok := set.Pods[0].(models.Tier1Pod)
	assert.True(t, ok)
}

func TestFetchAllPNodesBothTiersFail(t *testing.T) {
	client := NewPRPCClient(testPRPCConfig(deadAddr(t)), utils.DiscardLogger())
	_, err := client.FetchAllPNodes(context.Background())
	assert.ErrorIs(t, err, ErrRegistryUnavailable)
}

func TestCallPRPCRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"uptime":10}}`))
	}))
	t.Cleanup(srv.Close)

	cfg := testPRPCConfig()
	cfg.MaxRetries = 3
	client := NewPRPCClient(cfg, utils.DiscardLogger())
	stats, err := client.GetStats(context.Background(), srv.Listener.Addr().String())
	require.NoError(t, err)
	assert.EqualValues(t, 10, stats.Uptime)
	assert.EqualValues(t, 2, calls.Load())
}

func TestCallPRPCDoesNotRetryRPCErrors(t *testing.T) {
	fake := newRPCFake(t, func(call rpcCall) (any, *models.RPCError) {
		return nil, &models.RPCError{Code: -32602, Message: "bad params"}
	})
	cfg := testPRPCConfig()
	cfg.MaxRetries = 3
	client := NewPRPCClient(cfg, utils.DiscardLogger())

	_, err := client.CallPRPC(context.Background(), fake.addr(), "get-stats", nil, time.Second)
	var rpcErr *models.RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, -32602, rpcErr.Code)
	assert.EqualValues(t, 1, fake.hits.Load())
}

func TestProbeNodes(t *testing.T) {
	node := newRPCFake(t, func(call rpcCall) (any, *models.RPCError) {
		return map[string]any{"cpu_percent": 12.5, "ram_used": 100, "ram_total": 400, "active_streams": 3}, nil
	})
	host, port, err := splitHostPort(node.addr())
	require.NoError(t, err)
	_, deadPort, err := splitHostPort(deadAddr(t))
	require.NoError(t, err)

	pods := []models.RawPod{
		models.Tier2Pod{PodIdentity: models.PodIdentity{Address: host + ":9001", Pubkey: "up", RPCPort: port, IsPublic: true}},
		models.Tier2Pod{PodIdentity: models.PodIdentity{Address: host + ":9001", Pubkey: "down", RPCPort: deadPort, IsPublic: true}},
		models.Tier1Pod{PodIdentity: models.PodIdentity{Address: host + ":9001", Pubkey: "private"}},
	}

	client := NewPRPCClient(testPRPCConfig(), utils.DiscardLogger())
	probes := client.ProbeNodes(context.Background(), pods)
	require.Len(t, probes, 2)

	up := probes["up"]
	assert.True(t, up.Reachable)
	assert.Greater(t, up.LatencyMs, 0.0)
	require.NotNil(t, up.Metrics)
	assert.Equal(t, 12.5, up.Metrics.CPUPercent)
	assert.Equal(t, 3, up.Metrics.ActiveStreams)

	assert.False(t, probes["down"].Reachable)
	_, probed := probes["private"]
	assert.False(t, probed)
}

func TestProbeNodesBatches(t *testing.T) {
	var inFlight, peak atomic.Int64
	node := newRPCFake(t, func(call rpcCall) (any, *models.RPCError) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return map[string]any{}, nil
	})
	host, port, err := splitHostPort(node.addr())
	require.NoError(t, err)

	var pods []models.RawPod
	for i := 0; i < 12; i++ {
		pods = append(pods, models.Tier2Pod{PodIdentity: models.PodIdentity{
			Address: host + ":9001", Pubkey: "pk" + string(rune('a'+i)), RPCPort: port, IsPublic: true,
		}})
	}

	cfg := testPRPCConfig()
	cfg.BatchSize = 4
	probes := NewPRPCClient(cfg, utils.DiscardLogger()).ProbeNodes(context.Background(), pods)
	assert.Len(t, probes, 12)
	assert.LessOrEqual(t, peak.Load(), int64(4))
}
