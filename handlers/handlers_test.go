package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xandindexer/config"
	"xandindexer/models"
	"xandindexer/services"
	"xandindexer/storage"
	"xandindexer/utils"
)

type stubNodes struct {
	mu  sync.Mutex
	set models.PodSet
	err error
}

func (s *stubNodes) FetchAllPNodes(context.Context) (models.PodSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set, s.err
}

func (s *stubNodes) ProbeNodes(context.Context, []models.RawPod) map[string]models.NodeProbe {
	return nil
}

func (s *stubNodes) serve(pods ...models.RawPod) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set = models.PodSet{Tier: models.TierStats, Seed: "seed-1", Pods: pods}
	s.err = nil
}

type apiFixture struct {
	e       *echo.Echo
	store   *storage.SQLStore
	cache   *services.CacheService
	nodes   *stubNodes
	indexer *services.Indexer
}

func newAPIFixture(t *testing.T, rpcPort int) *apiFixture {
	t.Helper()
	ctx := context.Background()
	logger := utils.DiscardLogger()

	store, err := storage.OpenSQL(ctx, storage.Config{
		Driver:     storage.DriverSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "api.db"),
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cache := services.NewCacheService(ctx, config.RedisConfig{TTL: time.Minute}, logger)
	t.Cleanup(func() { _ = cache.Close() })

	prpcCfg := config.PRPCConfig{
		Seeds:           []string{"127.0.0.1:1"},
		DefaultPort:     6000,
		PresenceTimeout: time.Second,
		StatsTimeout:    time.Second,
		NodeTimeout:     time.Second,
		BatchSize:       10,
	}
	prpc := services.NewPRPCClient(prpcCfg, logger)

	nodes := &stubNodes{}
	nodes.serve(pod("pk-a", rpcPort, 86400), pod("pk-b", rpcPort, 3600))

	alerts := services.NewAlertService(store, nil, logger)
	indexer := services.NewIndexer(services.IndexerDeps{
		Nodes: nodes,
		Store: store,
		Normalizer: services.NewNormalizer(services.HeuristicEnricher{}, services.NormalizerOptions{
			DefaultPort: 6000,
			BatchSize:   10,
		}, logger),
		Detector: services.NewDetector(store, services.DetectorOptions{}, logger),
		Alerts:   alerts,
		Cache:    cache,
	}, services.IndexerOptions{Interval: time.Hour}, logger)

	e := echo.New()
	Register(e, Routes{
		Core:    NewHandler(store, cache, indexer, prpc, logger),
		History: NewHistoryHandlers(store),
		Alerts:  NewAlertHandlers(alerts),
		Cache:   NewCacheHandlers(cache),
	})

	return &apiFixture{e: e, store: store, cache: cache, nodes: nodes, indexer: indexer}
}

func pod(pubkey string, rpcPort int, uptime int64) models.Tier2Pod {
	return models.Tier2Pod{
		PodIdentity: models.PodIdentity{
			Address:  "127.0.0.1:9001",
			Pubkey:   pubkey,
			Version:  "0.8.0",
			RPCPort:  rpcPort,
			IsPublic: true,
			LastSeen: time.Now().UTC(),
		},
		UptimeSeconds:    &uptime,
		StorageCommitted: 1 << 30,
		StorageUsed:      1 << 29,
	}
}

func (f *apiFixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) runCycle(t *testing.T) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/indexer/run", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestStatsBeforeFirstCycle(t *testing.T) {
	f := newAPIFixture(t, 6000)

	rec := f.do(t, http.MethodGet, "/api/stats", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"registry unavailable"}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/nodes", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRunThenReadLatestCycle(t *testing.T) {
	f := newAPIFixture(t, 6000)

	rec := f.do(t, http.MethodPost, "/api/indexer/run", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[services.CycleReport](t, rec)
	assert.Equal(t, 2, report.Nodes)
	assert.Equal(t, 2, report.Persisted)
	require.NotNil(t, report.Snapshot)

	rec = f.do(t, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[models.NetworkStats](t, rec)
	assert.Equal(t, 2, stats.TotalNodes)
	assert.Equal(t, 2, stats.OnlineNodes)
	assert.Empty(t, rec.Header().Get("X-Data-Stale"))

	rec = f.do(t, http.MethodGet, "/api/nodes?sort=uptime&order=asc", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[NodesResponse](t, rec)
	require.Len(t, list.Nodes, 2)
	assert.Equal(t, "pk-b", list.Nodes[0].ID)
	assert.Equal(t, 2, list.Pagination.TotalItems)
	assert.False(t, list.Pagination.HasNext)

	rec = f.do(t, http.MethodGet, "/api/nodes?limit=1&page=2", "")
	list = decode[NodesResponse](t, rec)
	require.Len(t, list.Nodes, 1)
	assert.True(t, list.Pagination.HasPrev)

	rec = f.do(t, http.MethodGet, "/api/nodes?status=offline", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[NodesResponse](t, rec).Nodes)

	rec = f.do(t, http.MethodGet, "/api/nodes?status=sleepy", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/nodes/pk-a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pk-a", decode[models.Node](t, rec).Pubkey)

	rec = f.do(t, http.MethodGet, "/api/nodes/nobody", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/indexer/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[services.IndexerStatus](t, rec)
	assert.False(t, status.Running)
	require.NotNil(t, status.LastCycle)
	assert.Equal(t, 2, status.LastCycle.Nodes)
}

func TestEmptyNetworkIsNotUnavailable(t *testing.T) {
	f := newAPIFixture(t, 6000)
	f.nodes.serve()
	f.runCycle(t)

	rec := f.do(t, http.MethodGet, "/api/nodes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[NodesResponse](t, rec).Nodes)

	rec = f.do(t, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decode[models.NetworkStats](t, rec).TotalNodes)
}

func TestStatsFallsBackToStoredSnapshot(t *testing.T) {
	f := newAPIFixture(t, 6000)
	require.NoError(t, f.store.InsertNetworkSnapshot(context.Background(), &models.NetworkSnapshot{
		Timestamp:   time.Now().UTC().Add(-time.Hour),
		TotalNodes:  7,
		OnlineNodes: 5,
	}))

	rec := f.do(t, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("X-Data-Stale"))
	assert.Equal(t, 7, decode[models.NetworkStats](t, rec).TotalNodes)
}

func TestRunIndexerRegistryDown(t *testing.T) {
	f := newAPIFixture(t, 6000)
	f.nodes.mu.Lock()
	f.nodes.err = &services.RegistryUnavailableError{Method: "get-pods", Endpoints: []string{"seed-1"}, Errs: []error{errors.New("refused")}}
	f.nodes.mu.Unlock()

	rec := f.do(t, http.MethodPost, "/api/indexer/run", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotEmpty(t, decode[services.CycleReport](t, rec).Err)

	rec = f.do(t, http.MethodGet, "/api/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[[]models.NetworkEvent](t, rec)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventIndexingFailed, events[0].Type)
}

func TestCachedDataFlaggedAfterFailedCycle(t *testing.T) {
	f := newAPIFixture(t, 6000)
	f.runCycle(t)

	f.nodes.mu.Lock()
	f.nodes.err = &services.RegistryUnavailableError{Method: "get-pods", Endpoints: []string{"seed-1"}, Errs: []error{errors.New("refused")}}
	f.nodes.mu.Unlock()
	rec := f.do(t, http.MethodPost, "/api/indexer/run", "")
	require.Equal(t, http.StatusBadGateway, rec.Code)

	for _, target := range []string{"/api/stats", "/api/nodes", "/api/nodes/pk-a"} {
		rec = f.do(t, http.MethodGet, target, "")
		require.Equal(t, http.StatusOK, rec.Code, target)
		assert.Equal(t, "true", rec.Header().Get("X-Data-Stale"), target)
		assert.Contains(t, rec.Header().Get("X-Last-Cycle-Error"), "registry unavailable", target)
	}
	assert.Equal(t, 2, decode[models.NetworkStats](t, f.do(t, http.MethodGet, "/api/stats", "")).TotalNodes)

	f.nodes.serve(pod("pk-a", 6000, 86400))
	f.runCycle(t)

	rec = f.do(t, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-Data-Stale"))
	assert.Equal(t, 1, decode[models.NetworkStats](t, rec).TotalNodes)
}

func TestHistoryAndEvents(t *testing.T) {
	f := newAPIFixture(t, 6000)
	f.runCycle(t)

	rec := f.do(t, http.MethodGet, "/api/history/network?hours=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.NetworkSnapshot](t, rec), 1)

	rec = f.do(t, http.MethodGet, "/api/history/nodes/pk-a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	hist := decode[NodeHistoryResponse](t, rec)
	require.NotNil(t, hist.Node)
	assert.Equal(t, "pk-a", hist.Node.ID)
	assert.Len(t, hist.Snapshots, 1)

	rec = f.do(t, http.MethodGet, "/api/history/nodes/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/events?limit=10", "")
	events := decode[[]models.NetworkEvent](t, rec)
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, models.EventNodeJoined, ev.Type)
	}

	rec = f.do(t, http.MethodGet, "/api/anomalies", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestAlertRuleEndpoints(t *testing.T) {
	f := newAPIFixture(t, 6000)

	rec := f.do(t, http.MethodPost, "/api/alerts/rules", `{"name":"","metric":"health_score","operator":"lt","threshold":50}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/alerts/rules", `{"name":"too few nodes","metric":"total_nodes","operator":"lt","threshold":5,"enabled":true}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rule := decode[models.AlertRule](t, rec)
	assert.NotEmpty(t, rule.ID)
	assert.Equal(t, models.ScopeNetwork, rule.Scope)

	rec = f.do(t, http.MethodGet, "/api/alerts/rules", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.AlertRule](t, rec), 1)

	// two nodes < 5 fires the rule
	f.runCycle(t)
	rec = f.do(t, http.MethodGet, "/api/alerts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	alerts := decode[[]models.Alert](t, rec)
	require.Len(t, alerts, 1)
	assert.Equal(t, rule.ID, alerts[0].RuleID)

	rec = f.do(t, http.MethodDelete, "/api/alerts/rules/"+rule.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodDelete, "/api/alerts/rules/"+rule.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndCacheStatus(t *testing.T) {
	f := newAPIFixture(t, 6000)

	rec := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, string(services.CacheModeInMemory), health.Cache)

	rec = f.do(t, http.MethodGet, "/cache/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"mode":"in-memory","healthy":false,"warm":false}`, rec.Body.String())
}

func TestProxyRPC(t *testing.T) {
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.RPCRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		if req.Method != "get-version" {
			_ = json.NewEncoder(w).Encode(models.RPCResponse{JSONRPC: "2.0", Error: &models.RPCError{Code: -32601, Message: "Method not found"}, ID: req.ID})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "result": map[string]string{"version": "0.8.0"}, "id": req.ID})
	}))
	t.Cleanup(node.Close)
	_, portStr, err := net.SplitHostPort(node.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	f := newAPIFixture(t, port)

	rec := f.do(t, http.MethodPost, "/api/rpc", `{"jsonrpc":"2.0","method":"get-version","id":7}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	f.runCycle(t)

	rec = f.do(t, http.MethodPost, "/api/rpc", `{"jsonrpc":"2.0","method":"get-version","id":7}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"jsonrpc":"2.0","result":{"version":"0.8.0"},"id":7}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Proxied-Node"))

	rec = f.do(t, http.MethodPost, "/api/rpc", `{"jsonrpc":"2.0","method":"nope","id":8}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[models.RPCResponse](t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32601, resp.Error.Code)

	rec = f.do(t, http.MethodPost, "/api/rpc", `{"jsonrpc":"1.0","method":"get-version","id":9}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
